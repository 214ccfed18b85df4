package jit

// nativeSupported is true where compiled code can run.
const nativeSupported = true

// jitcall enters native code at codeSegment with the callContext at ctx in R13. It returns when native code
// executes RET.
//
// This is implemented in arch_amd64.s.
func jitcall(codeSegment, ctx uintptr)
