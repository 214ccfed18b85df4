// Package amd64 wraps golang-asm into the small assembler the JIT code generator needs.
package amd64

// NewAssembler returns an empty Assembler.
func NewAssembler() (Assembler, error) {
	return newGolangAsmAssembler()
}

// Assembler emits amd64 instructions in program order. Operand order follows Go assembler syntax: source first,
// destination last.
type Assembler interface {
	// NewLabel returns an unbound label. name is only used in error messages.
	NewLabel(name string) *Label
	// Bind makes l refer to the next emitted instruction.
	Bind(l *Label)
	// CompileStandAloneInstruction emits an instruction without operands, e.g. RET or CQO.
	CompileStandAloneInstruction(inst Instruction)
	// CompileRegisterToRegister emits "inst from, to".
	CompileRegisterToRegister(inst Instruction, from, to Register)
	// CompileMemoryToRegister emits "inst offset(base), to".
	CompileMemoryToRegister(inst Instruction, base Register, offset int64, to Register)
	// CompileRegisterToMemory emits "inst from, offset(base)".
	CompileRegisterToMemory(inst Instruction, from, base Register, offset int64)
	// CompileConstToRegister emits "inst $value, to".
	CompileConstToRegister(inst Instruction, value int64, to Register)
	// CompileConstToMemory emits "inst $value, offset(base)".
	CompileConstToMemory(inst Instruction, value int64, base Register, offset int64)
	// CompileMemoryToConst emits "inst offset(base), $value", used by comparisons.
	CompileMemoryToConst(inst Instruction, base Register, offset, value int64)
	// CompileRegisterToConst emits "inst reg, $value", used by comparisons.
	CompileRegisterToConst(inst Instruction, reg Register, value int64)
	// CompileRegisterToNone emits a single register instruction, e.g. IDIVQ.
	CompileRegisterToNone(inst Instruction, reg Register)
	// CompileJump emits a jump to l. l may be bound before or after the jump.
	CompileJump(inst Instruction, l *Label)
	// Assemble encodes the program. Label offsets are valid afterwards.
	Assemble() ([]byte, error)
}
