package jit

import (
	"fmt"

	"github.com/bytejit/bytejit/internal/jitapi"
)

// The classes of compilation failures. Use errors.Is on a *CompileError to tell them apart.
var (
	ErrMalformedCFG     = jitapi.ErrMalformedCFG
	ErrArenaExhausted   = jitapi.ErrArenaExhausted
	ErrUnsupported      = jitapi.ErrUnsupported
	ErrInvariant        = jitapi.ErrInvariant
	ErrScratchExhausted = jitapi.ErrScratchExhausted
)

// Phase names the step of a compilation attempt that failed.
type Phase string

const (
	PhaseCFG      Phase = "cfg"
	PhaseSSA      Phase = "ssa"
	PhaseRegAlloc Phase = "regalloc"
	PhaseCodegen  Phase = "codegen"
	PhaseLink     Phase = "link"
)

// CompileError is the error of a failed compilation attempt. The function stays interpreted.
type CompileError struct {
	Function string
	Phase    Phase
	Err      error
}

// Error implements error.
func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s: %s: %v", e.Function, e.Phase, e.Err)
}

// Unwrap returns the error class.
func (e *CompileError) Unwrap() error { return e.Err }
