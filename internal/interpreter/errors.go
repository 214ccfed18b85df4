package interpreter

import "errors"

// All the errors are returned by Machine during the execution of script functions,
// and they abort the current top-level call.
var (
	// ErrRuntimeCallStackOverflow indicates that there are too many nested function calls.
	ErrRuntimeCallStackOverflow = errors.New("callstack overflow")
	// ErrRuntimeDivisionByZero indicates a DIV instruction with a zero divisor.
	ErrRuntimeDivisionByZero = errors.New("division by zero")
	// ErrRuntimeModuloByZero indicates a MOD instruction with a zero divisor.
	ErrRuntimeModuloByZero = errors.New("modulo by zero")
	// ErrRuntimeUndefinedFunction indicates an INIT_FCALL of a name that is neither loaded nor registered.
	ErrRuntimeUndefinedFunction = errors.New("call to undefined function")
	// ErrRuntimeTooFewArguments indicates a RECV of an argument the caller did not pass.
	ErrRuntimeTooFewArguments = errors.New("too few arguments")
	// ErrRuntimeTypeMismatch indicates an argument that cannot be coerced to its declared type.
	ErrRuntimeTypeMismatch = errors.New("type mismatch")
	// ErrRuntimeFellOffEnd indicates that execution ran past the last instruction.
	ErrRuntimeFellOffEnd = errors.New("execution fell off the end of the function")
	// ErrRuntimeNoPendingCall indicates a SEND or DO_FCALL without a preceding INIT_FCALL.
	ErrRuntimeNoPendingCall = errors.New("no pending call")
)
