package bytecode

import "fmt"

// Opcode is the operation an Instruction performs.
type Opcode byte

const (
	OpcodeNop Opcode = iota
	// OpcodeRecv binds argument Extended to the CV in Result, coercing by the argument's type hint.
	OpcodeRecv
	// OpcodeRecvInit is OpcodeRecv with the default value in Op2 for a missing argument.
	OpcodeRecvInit
	// OpcodeAssign stores Op2 into the CV Op1. Result, if used, receives the same value.
	OpcodeAssign
	// OpcodeQMAssign copies Op1 into Result.
	OpcodeQMAssign
	OpcodeAdd
	OpcodeSub
	OpcodeMul
	OpcodeDiv
	OpcodeMod
	OpcodeConcat
	OpcodeIsEqual
	OpcodeIsNotEqual
	OpcodeIsSmaller
	OpcodeIsSmallerOrEqual
	OpcodeBool
	OpcodeBoolNot
	OpcodePreInc
	OpcodePreDec
	OpcodePostInc
	OpcodePostDec
	// OpcodeAssignAdd updates the CV Op1 in place with Op1 + Op2.
	OpcodeAssignAdd
	OpcodeAssignSub
	OpcodeAssignMul
	// OpcodeJmp jumps to Op1.
	OpcodeJmp
	// OpcodeJmpz jumps to Op2 when Op1 is falsy.
	OpcodeJmpz
	// OpcodeJmpnz jumps to Op2 when Op1 is truthy.
	OpcodeJmpnz
	// OpcodeJmpznz jumps to Op2 when Op1 is falsy and to Extended otherwise.
	OpcodeJmpznz
	OpcodeEcho
	// OpcodeInitFcall starts a call to the function named by the string constant Op1 with Extended arguments.
	OpcodeInitFcall
	// OpcodeSendVal passes Op1 as argument number Extended (1-based) of the pending call.
	OpcodeSendVal
	OpcodeSendVar
	// OpcodeDoFcall performs the pending call and stores its return value into Result.
	OpcodeDoFcall
	OpcodeReturn

	opcodeEnd
)

type opFlags uint16

const (
	// flagOp1Def marks opcodes that write the CV Op1.
	flagOp1Def opFlags = 1 << iota
	// flagOp1NoUse marks opcodes that do not read Op1 even though it is a variable.
	flagOp1NoUse
	// flagJump marks control transfers that name a target.
	flagJump
	// flagNoFallthrough marks opcodes after which execution never continues at the next instruction.
	flagNoFallthrough
	// flagResultRequired marks opcodes whose Result must be a variable.
	flagResultRequired
	// flagCall marks opcodes that belong to the call protocol.
	flagCall
)

var opcodeInfos = [opcodeEnd]struct {
	name  string
	flags opFlags
}{
	OpcodeNop:              {name: "NOP"},
	OpcodeRecv:             {name: "RECV", flags: flagResultRequired},
	OpcodeRecvInit:         {name: "RECV_INIT", flags: flagResultRequired},
	OpcodeAssign:           {name: "ASSIGN", flags: flagOp1Def | flagOp1NoUse},
	OpcodeQMAssign:         {name: "QM_ASSIGN", flags: flagResultRequired},
	OpcodeAdd:              {name: "ADD", flags: flagResultRequired},
	OpcodeSub:              {name: "SUB", flags: flagResultRequired},
	OpcodeMul:              {name: "MUL", flags: flagResultRequired},
	OpcodeDiv:              {name: "DIV", flags: flagResultRequired},
	OpcodeMod:              {name: "MOD", flags: flagResultRequired},
	OpcodeConcat:           {name: "CONCAT", flags: flagResultRequired},
	OpcodeIsEqual:          {name: "IS_EQUAL", flags: flagResultRequired},
	OpcodeIsNotEqual:       {name: "IS_NOT_EQUAL", flags: flagResultRequired},
	OpcodeIsSmaller:        {name: "IS_SMALLER", flags: flagResultRequired},
	OpcodeIsSmallerOrEqual: {name: "IS_SMALLER_OR_EQUAL", flags: flagResultRequired},
	OpcodeBool:             {name: "BOOL", flags: flagResultRequired},
	OpcodeBoolNot:          {name: "BOOL_NOT", flags: flagResultRequired},
	OpcodePreInc:           {name: "PRE_INC", flags: flagOp1Def},
	OpcodePreDec:           {name: "PRE_DEC", flags: flagOp1Def},
	OpcodePostInc:          {name: "POST_INC", flags: flagOp1Def},
	OpcodePostDec:          {name: "POST_DEC", flags: flagOp1Def},
	OpcodeAssignAdd:        {name: "ASSIGN_ADD", flags: flagOp1Def},
	OpcodeAssignSub:        {name: "ASSIGN_SUB", flags: flagOp1Def},
	OpcodeAssignMul:        {name: "ASSIGN_MUL", flags: flagOp1Def},
	OpcodeJmp:              {name: "JMP", flags: flagJump | flagNoFallthrough},
	OpcodeJmpz:             {name: "JMPZ", flags: flagJump},
	OpcodeJmpnz:            {name: "JMPNZ", flags: flagJump},
	OpcodeJmpznz:           {name: "JMPZNZ", flags: flagJump | flagNoFallthrough},
	OpcodeEcho:             {name: "ECHO"},
	OpcodeInitFcall:        {name: "INIT_FCALL", flags: flagCall},
	OpcodeSendVal:          {name: "SEND_VAL", flags: flagCall},
	OpcodeSendVar:          {name: "SEND_VAR", flags: flagCall},
	OpcodeDoFcall:          {name: "DO_FCALL", flags: flagCall},
	OpcodeReturn:           {name: "RETURN", flags: flagNoFallthrough},
}

var opcodesByName = func() map[string]Opcode {
	ret := make(map[string]Opcode, opcodeEnd)
	for op := OpcodeNop; op < opcodeEnd; op++ {
		ret[opcodeInfos[op].name] = op
	}
	return ret
}()

// String implements fmt.Stringer.
func (o Opcode) String() string {
	if o < opcodeEnd {
		return opcodeInfos[o].name
	}
	return fmt.Sprintf("Opcode(%d)", o)
}

// OpcodeByName returns the opcode with the given listing name.
func OpcodeByName(name string) (Opcode, bool) {
	o, ok := opcodesByName[name]
	return o, ok
}

// Valid returns true if o is a known opcode.
func (o Opcode) Valid() bool { return o < opcodeEnd }

// DefinesOp1 returns true if the opcode writes the CV named by Op1.
func (o Opcode) DefinesOp1() bool { return o.has(flagOp1Def) }

// ReadsOp1 returns true if a variable Op1 is read. Only ASSIGN names a variable Op1 it does not read.
func (o Opcode) ReadsOp1() bool { return !o.has(flagOp1NoUse) }

// IsJump returns true for opcodes that carry jump targets.
func (o Opcode) IsJump() bool { return o.has(flagJump) }

// Terminates returns true if execution never falls through to the next instruction.
func (o Opcode) Terminates() bool { return o.has(flagNoFallthrough) }

// IsCall returns true for the opcodes of the call protocol.
func (o Opcode) IsCall() bool { return o.has(flagCall) }

// IsRecv returns true for the argument-receiving opcodes.
func (o Opcode) IsRecv() bool { return o == OpcodeRecv || o == OpcodeRecvInit }

// IsCompare returns true for the comparisons that produce a boolean and can be fused with a following branch.
func (o Opcode) IsCompare() bool {
	switch o {
	case OpcodeIsEqual, OpcodeIsNotEqual, OpcodeIsSmaller, OpcodeIsSmallerOrEqual:
		return true
	}
	return false
}

func (o Opcode) has(f opFlags) bool {
	return o < opcodeEnd && opcodeInfos[o].flags&f != 0
}
