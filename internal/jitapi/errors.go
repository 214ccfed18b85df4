package jitapi

import "errors"

// The error classes of a failed compilation attempt. None of them is ever surfaced to the script: a failed
// attempt leaves the function interpreted.
var (
	// ErrMalformedCFG is returned for out of range jump targets or code that falls off the end.
	ErrMalformedCFG = errors.New("malformed control flow graph")
	// ErrUnsupported is returned for functions or opcodes the compiler does not handle.
	ErrUnsupported = errors.New("unsupported construct")
	// ErrInvariant is returned when an internal invariant does not hold for unusual but legal input.
	ErrInvariant = errors.New("compiler invariant violated")
	// ErrScratchExhausted is returned when a per-attempt scratch pool reached its limit.
	ErrScratchExhausted = errors.New("scratch pool exhausted")
)

// ErrArenaExhausted is returned once the executable code arena cannot hold another function. It is sticky: later
// attempts fail fast without encoding.
var ErrArenaExhausted = errors.New("code arena exhausted")
