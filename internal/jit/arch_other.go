//go:build !amd64

package jit

const nativeSupported = false

// jitcall is never reached: linking fails with ErrUnsupported first.
func jitcall(codeSegment, ctx uintptr) {
	panic("BUG: jitcall on an unsupported architecture")
}
