package interpreter

import (
	"go.uber.org/atomic"

	"github.com/bytejit/bytejit/api"
	"github.com/bytejit/bytejit/internal/bytecode"
)

// Action tells the dispatch loop what to do after a Hook ran.
type Action byte

const (
	// ActionContinue executes the instruction at Frame.PC with its default handler.
	ActionContinue Action = iota
	// ActionResume restarts dispatch at Frame.PC, which the hook may have moved.
	ActionResume
	// ActionReturn finishes the frame with Frame.Ret.
	ActionReturn
)

// Hook replaces or precedes the default handler of one instruction.
type Hook func(fr *Frame) (Action, error)

// Patch is the content of one dispatch slot.
type Patch struct {
	Hook Hook
	// Native is true when the hook enters compiled code.
	Native bool
	// Label names the patch for logs and tests, e.g. "hot-loop" or "osr".
	Label string
}

// HostFunc is a function implemented in Go and callable with INIT_FCALL.
type HostFunc func(args []api.Value) (api.Value, error)

// Function is a loaded script function.
type Function struct {
	Code *bytecode.Function
	// literals are the constants converted to slots, with strings interned.
	literals []Slot
	// dispatch holds one slot per instruction. A nil slot runs the default handler.
	dispatch []atomic.Pointer[Patch]
	// calls counts entries into the function.
	calls atomic.Int64
}

// Name returns the function name.
func (f *Function) Name() string { return f.Code.Name }

// Patch returns the content of the dispatch slot of the instruction at pc, or nil for the default handler.
func (f *Function) Patch(pc int) *Patch {
	return f.dispatch[pc].Load()
}

// SetPatch overwrites the dispatch slot at pc. A nil patch restores the default handler.
func (f *Function) SetPatch(pc int, p *Patch) {
	f.dispatch[pc].Store(p)
}

// SwapPatch replaces the dispatch slot at pc only if it still holds old.
func (f *Function) SwapPatch(pc int, old, new *Patch) bool {
	return f.dispatch[pc].CompareAndSwap(old, new)
}

// Calls returns how many times the function was entered.
func (f *Function) Calls() int64 { return f.calls.Load() }

// LiteralSlot returns the slot of the constant referenced by o.
func (f *Function) LiteralSlot(o bytecode.Operand) Slot { return f.literals[o.Num] }
