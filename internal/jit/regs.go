package jit

import (
	"fmt"

	"github.com/bytejit/bytejit/internal/asm/amd64"
	"github.com/bytejit/bytejit/internal/regalloc"
)

// Registers with a fixed role in native code.
const (
	// ctxReg holds the *callContext.
	ctxReg = amd64.RegR13
	// slotsReg holds the address of the first frame slot.
	slotsReg = amd64.RegR12
	// scratchReg and scratchReg2 hold operands while an instruction computes. They are never allocated.
	scratchReg  = amd64.RegAX
	scratchReg2 = amd64.RegR11
)

// allocatable maps regalloc.RealReg to machine registers. Index 0 is RealRegInvalid.
var allocatable = [...]amd64.Register{
	regalloc.RealRegInvalid: 0,
	1:                       amd64.RegBX,
	2:                       amd64.RegSI,
	3:                       amd64.RegDI,
	4:                       amd64.RegR8,
	5:                       amd64.RegR9,
	6:                       amd64.RegR10,
	7:                       amd64.RegCX,
	8:                       amd64.RegDX,
}

// realRegDX is the RealReg of DX, which IDIVQ clobbers.
const realRegDX regalloc.RealReg = 8

var regInfo = &regalloc.RegisterInfo{
	AllocatableRegisters: []regalloc.RealReg{1, 2, 3, 4, 5, 6, 7, 8},
	// CX and DX are the first registers instruction sequences need for themselves.
	LowPriorityRegisters: regalloc.NewRegSet(7, realRegDX),
	RealRegName: func(r regalloc.RealReg) string {
		return amd64.RegisterName(machineReg(r))
	},
}

func machineReg(r regalloc.RealReg) amd64.Register {
	if r == regalloc.RealRegInvalid || int(r) >= len(allocatable) {
		panic(fmt.Sprintf("BUG: no machine register for r%d", r))
	}
	return allocatable[r]
}
