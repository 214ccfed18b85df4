package bytejit

import (
	"errors"

	"github.com/bytejit/bytejit/internal/jit"
)

// ErrRuntimeClosed is returned by calls on a closed Runtime.
var ErrRuntimeClosed = errors.New("runtime closed")

// The classes of compilation failures, found with errors.Is on a *CompileError. A failed compilation leaves the
// function interpreted: these only show in logs and in the errors of the internal compiler.
var (
	ErrMalformedCFG     = jit.ErrMalformedCFG
	ErrArenaExhausted   = jit.ErrArenaExhausted
	ErrUnsupported      = jit.ErrUnsupported
	ErrInvariant        = jit.ErrInvariant
	ErrScratchExhausted = jit.ErrScratchExhausted
)

// CompileError is a failed compilation attempt of one function.
type CompileError = jit.CompileError
