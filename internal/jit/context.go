package jit

import "fmt"

// callContext is shared with native code, which finds it in R13. Native code reads slots and writes the exit
// fields before returning to jitcall's caller.
type callContext struct {
	// slots is &Frame.Slots[0] as uintptr. Native code keeps it in R12.
	slots uintptr
	// exitStatus tells the engine loop why native code returned.
	exitStatus exitStatus
	// exitPC is the instruction the exit refers to.
	exitPC uint64
}

// Offsets of callContext fields read or written by native code.
const (
	callContextSlotsOffset      = 0
	callContextExitStatusOffset = 8
	callContextExitPCOffset     = 16
)

// exitStatus is written by native code on every return to Go.
type exitStatus uint64

const (
	exitStatusNone exitStatus = iota
	// exitStatusHandler asks for the default handler of exitPC. Native code is re-entered after it.
	exitStatusHandler
	// exitStatusDeopt asks for the default handler of exitPC, after which the interpreter takes over.
	exitStatusDeopt
	// exitStatusRejected means an entry guard failed before anything was written. Interpretation continues at
	// exitPC.
	exitStatusRejected
)

func (s exitStatus) String() string {
	switch s {
	case exitStatusNone:
		return "none"
	case exitStatusHandler:
		return "handler"
	case exitStatusDeopt:
		return "deopt"
	case exitStatusRejected:
		return "rejected"
	}
	return fmt.Sprintf("exitStatus(%d)", uint64(s))
}
