package jit

import (
	"fmt"
	"unsafe"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/bytejit/bytejit/internal/interpreter"
)

// Artifact is the native code of one function. It is created by Compiler.Compile and runs once linked.
type Artifact struct {
	ID       uuid.UUID
	Function *interpreter.Function
	// EntryPC is the first instruction after the RECV prologue, which stays interpreted.
	EntryPC int
	// OSRPC is the requested mid-function entry, or -1.
	OSRPC  int
	Code   []byte
	Report CompileReport

	// entries and conts map instructions to offsets in Code. conts[pc] resumes right after the handler of pc.
	entries map[int]int
	conts   map[int]int

	// base is the address of Code in the arena, set when linked.
	base uintptr
	// arenaOffset is the offset of Code in the arena.
	arenaOffset int

	counters artifactCounters
}

type artifactCounters struct {
	entries, handlerExits, deopts, rejects atomic.Int64
}

// ArtifactCounters counts the transitions between native code and the interpreter.
type ArtifactCounters struct {
	Entries      int64 `json:"entries"`
	HandlerExits int64 `json:"handler_exits"`
	Deopts       int64 `json:"deopts"`
	Rejects      int64 `json:"rejects"`
}

// Counters returns a snapshot of the transition counters.
func (a *Artifact) Counters() ArtifactCounters {
	return ArtifactCounters{
		Entries:      a.counters.entries.Load(),
		HandlerExits: a.counters.handlerExits.Load(),
		Deopts:       a.counters.deopts.Load(),
		Rejects:      a.counters.rejects.Load(),
	}
}

// Base returns the address of the code, or zero if the artifact is not linked.
func (a *Artifact) Base() uintptr { return a.base }

// contains returns true if addr is inside the linked code.
func (a *Artifact) contains(addr uintptr) bool {
	return a.base != 0 && a.base <= addr && addr < a.base+uintptr(len(a.Code))
}

// enter is the Hook of every dispatch slot the artifact is linked to. It runs native code on the frame until
// the interpreter has to take over, executing the default handlers native code exits for in between.
func (a *Artifact) enter(fr *interpreter.Frame) (interpreter.Action, error) {
	offset, ok := a.entries[fr.PC]
	if !ok {
		return interpreter.ActionContinue, nil
	}
	a.counters.entries.Inc()
	ctx := &callContext{slots: uintptr(unsafe.Pointer(unsafe.SliceData(fr.Slots)))}
	for first := true; ; first = false {
		ctx.exitStatus = exitStatusNone
		jitcall(a.base+uintptr(offset), uintptr(unsafe.Pointer(ctx)))

		pc := int(ctx.exitPC)
		switch ctx.exitStatus {
		case exitStatusRejected:
			a.counters.rejects.Inc()
			fr.PC = pc
			if first {
				// Resuming would enter the same guard again.
				return interpreter.ActionContinue, nil
			}
			return interpreter.ActionResume, nil
		case exitStatusDeopt:
			a.counters.deopts.Inc()
			fr.PC = pc
			returned, err := fr.Step()
			if err != nil {
				return interpreter.ActionReturn, err
			}
			if returned {
				return interpreter.ActionReturn, nil
			}
			return interpreter.ActionResume, nil
		case exitStatusHandler:
			a.counters.handlerExits.Inc()
			fr.PC = pc
			returned, err := fr.Step()
			if err != nil {
				return interpreter.ActionReturn, err
			}
			if returned {
				return interpreter.ActionReturn, nil
			}
			if cont, ok := a.conts[pc]; ok && fr.PC == pc+1 {
				offset = cont
			} else if offset, ok = a.entries[fr.PC]; !ok {
				return interpreter.ActionResume, nil
			}
		default:
			return interpreter.ActionReturn, fmt.Errorf("%w: %s exited with status %s at %d",
				ErrInvariant, a.Function.Name(), ctx.exitStatus, pc)
		}
	}
}
