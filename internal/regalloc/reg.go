// Package regalloc computes lifetime intervals over SSA variables and assigns physical registers to them by
// linear scan.
//
// Positions are instruction indices. Every frame variable keeps a slot in the frame, which is the home of all
// its SSA versions: a variable without an interval lives only there, and the Load and Store flags of an
// interval tell the code generator where a register has to be filled from or written back to the slot.
package regalloc

import (
	"fmt"
	"strings"
)

// RealReg represents a physical register. The numbering is defined by the code generator.
type RealReg byte

// RealRegInvalid is the register of an interval that did not get one.
const RealRegInvalid RealReg = 0

// RegSet represents a set of registers.
type RegSet uint64

// NewRegSet returns a new RegSet with the given registers.
func NewRegSet(regs ...RealReg) RegSet {
	var ret RegSet
	for _, r := range regs {
		ret = ret.add(r)
	}
	return ret
}

func (rs RegSet) has(r RealReg) bool {
	return r < 64 && rs&(1<<uint(r)) != 0
}

func (rs RegSet) add(r RealReg) RegSet {
	if r >= 64 {
		return rs
	}
	return rs | 1<<uint(r)
}

func (rs RegSet) remove(r RealReg) RegSet {
	if r >= 64 {
		return rs
	}
	return rs &^ (1 << uint(r))
}

// Range calls f for every register in the set in increasing order.
func (rs RegSet) Range(f func(r RealReg)) {
	for i := 0; i < 64; i++ {
		if rs&(1<<uint(i)) != 0 {
			f(RealReg(i))
		}
	}
}

func (rs RegSet) format(info *RegisterInfo) string {
	var ret []string
	rs.Range(func(r RealReg) { ret = append(ret, info.name(r)) })
	return strings.Join(ret, ", ")
}

// RegisterInfo holds the statically-known ISA-specific register information.
type RegisterInfo struct {
	// AllocatableRegisters are tried in order: the first element is the most preferred one.
	AllocatableRegisters []RealReg
	// LowPriorityRegisters are tried last for intervals another interval hints at. These are the registers
	// instruction sequences most often need as scratch.
	LowPriorityRegisters RegSet
	// RealRegName returns the name of the given RealReg for debugging.
	RealRegName func(r RealReg) string
}

func (info *RegisterInfo) name(r RealReg) string {
	if r == RealRegInvalid {
		return "invalid"
	}
	if info != nil && info.RealRegName != nil {
		return info.RealRegName(r)
	}
	return fmt.Sprintf("r%d", r)
}

// Mode selects how much register allocation is done.
type Mode byte

const (
	// ModeNone keeps every variable in its slot.
	ModeNone Mode = iota
	// ModeLocal allocates registers only to variables that are defined and used within one block.
	ModeLocal
	// ModeGlobal allocates registers across blocks, with hints and Phi resolution.
	ModeGlobal
)

var modeNames = [...]string{ModeNone: "none", ModeLocal: "local", ModeGlobal: "global"}

// String implements fmt.Stringer.
func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", m)
}

// ParseMode returns the Mode of the given name.
func ParseMode(s string) (Mode, error) {
	for i, n := range modeNames {
		if n == s {
			return Mode(i), nil
		}
	}
	return ModeNone, fmt.Errorf("unknown register allocation mode %q", s)
}
