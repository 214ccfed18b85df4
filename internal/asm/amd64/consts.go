package amd64

import (
	"fmt"

	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
)

// Register is a general purpose register of amd64.
type Register = int16

// Registers used by the code generator. RSP, RBP, R14 and R15 are owned by the Go runtime and never appear here.
const (
	RegAX Register = x86.REG_AX
	RegCX Register = x86.REG_CX
	RegDX Register = x86.REG_DX
	RegBX Register = x86.REG_BX
	RegSI Register = x86.REG_SI
	RegDI Register = x86.REG_DI
	RegR8 Register = x86.REG_R8
	RegR9 Register = x86.REG_R9
	RegR10 Register = x86.REG_R10
	RegR11 Register = x86.REG_R11
	RegR12 Register = x86.REG_R12
	RegR13 Register = x86.REG_R13
)

// RegisterName returns the name of reg in Go assembler syntax.
func RegisterName(reg Register) string {
	switch reg {
	case RegAX:
		return "AX"
	case RegCX:
		return "CX"
	case RegDX:
		return "DX"
	case RegBX:
		return "BX"
	case RegSI:
		return "SI"
	case RegDI:
		return "DI"
	case RegR8:
		return "R8"
	case RegR9:
		return "R9"
	case RegR10:
		return "R10"
	case RegR11:
		return "R11"
	case RegR12:
		return "R12"
	case RegR13:
		return "R13"
	}
	return fmt.Sprintf("reg(%d)", reg)
}

// Instruction is an amd64 instruction in Go assembler syntax.
type Instruction byte

const (
	NONE Instruction = iota
	ADDQ
	CMPL
	CMPQ
	CQO
	IDIVQ
	IMULQ
	JEQ
	JGE
	JGT
	JLE
	JLT
	JMP
	JNE
	JOS
	MOVL
	MOVQ
	NOP
	RET
	SUBQ
	TESTQ

	instructionEnd
)

var instructionNames = [...]string{
	NONE:  "NONE",
	ADDQ:  "ADDQ",
	CMPL:  "CMPL",
	CMPQ:  "CMPQ",
	CQO:   "CQO",
	IDIVQ: "IDIVQ",
	IMULQ: "IMULQ",
	JEQ:   "JEQ",
	JGE:   "JGE",
	JGT:   "JGT",
	JLE:   "JLE",
	JLT:   "JLT",
	JMP:   "JMP",
	JNE:   "JNE",
	JOS:   "JOS",
	MOVL:  "MOVL",
	MOVQ:  "MOVQ",
	NOP:   "NOP",
	RET:   "RET",
	SUBQ:  "SUBQ",
	TESTQ: "TESTQ",
}

// String implements fmt.Stringer.
func (i Instruction) String() string {
	if i < instructionEnd {
		return instructionNames[i]
	}
	return fmt.Sprintf("Instruction(%d)", i)
}

var castAsGolangAsmInstruction = [...]obj.As{
	NONE:  obj.AXXX,
	ADDQ:  x86.AADDQ,
	CMPL:  x86.ACMPL,
	CMPQ:  x86.ACMPQ,
	CQO:   x86.ACQO,
	IDIVQ: x86.AIDIVQ,
	IMULQ: x86.AIMULQ,
	JEQ:   x86.AJEQ,
	JGE:   x86.AJGE,
	JGT:   x86.AJGT,
	JLE:   x86.AJLE,
	JLT:   x86.AJLT,
	JMP:   obj.AJMP,
	JNE:   x86.AJNE,
	JOS:   x86.AJOS,
	MOVL:  x86.AMOVL,
	MOVQ:  x86.AMOVQ,
	NOP:   obj.ANOP,
	RET:   obj.ARET,
	SUBQ:  x86.ASUBQ,
	TESTQ: x86.ATESTQ,
}

// InvertJump returns the conditional jump taken exactly when inst is not taken.
func InvertJump(inst Instruction) Instruction {
	switch inst {
	case JEQ:
		return JNE
	case JNE:
		return JEQ
	case JLT:
		return JGE
	case JGE:
		return JLT
	case JLE:
		return JGT
	case JGT:
		return JLE
	}
	panic(fmt.Sprintf("BUG: %s is not an invertible jump", inst))
}
