// Package bytecode defines the register bytecode executed by the interpreter and consumed by the compiler.
package bytecode

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bytejit/bytejit/api"
)

// OperandKind tags what an Operand refers to.
type OperandKind byte

const (
	OperandUnused OperandKind = iota
	// OperandConst refers to Function.Literals.
	OperandConst
	// OperandTmpVar refers to a compiler temporary. Temporaries are numbered after the CVs.
	OperandTmpVar
	// OperandCV refers to a user variable.
	OperandCV
	// OperandJumpTarget is an instruction index.
	OperandJumpTarget
)

// Operand is one operand descriptor of an Instruction.
type Operand struct {
	Kind OperandKind
	// Num is the literal index, the variable number or the jump target depending on Kind.
	Num int
}

// Unused is the operand of an unused slot.
var Unused = Operand{}

// Const returns a constant pool operand.
func Const(n int) Operand { return Operand{Kind: OperandConst, Num: n} }

// CV returns a user variable operand.
func CV(n int) Operand { return Operand{Kind: OperandCV, Num: n} }

// Tmp returns a temporary variable operand. n is the variable number, i.e. it already includes the CV count.
func Tmp(n int) Operand { return Operand{Kind: OperandTmpVar, Num: n} }

// Target returns a jump target operand.
func Target(n int) Operand { return Operand{Kind: OperandJumpTarget, Num: n} }

// IsVar returns true if the operand names a frame slot.
func (o Operand) IsVar() bool { return o.Kind == OperandCV || o.Kind == OperandTmpVar }

// Instruction is a fixed size bytecode instruction.
type Instruction struct {
	Opcode           Opcode
	Op1, Op2, Result Operand
	// Extended is opcode dependent: the argument number, the argument count or the JMPZNZ true target.
	Extended int64
}

// Targets returns the jump targets of the instruction in successor order.
func (i *Instruction) Targets() []int {
	switch i.Opcode {
	case OpcodeJmp:
		return []int{i.Op1.Num}
	case OpcodeJmpz, OpcodeJmpnz:
		return []int{i.Op2.Num}
	case OpcodeJmpznz:
		return []int{i.Op2.Num, int(i.Extended)}
	}
	return nil
}

// TypeHint is the declared type of an argument.
type TypeHint byte

const (
	HintNone TypeHint = iota
	HintLong
	HintDouble
	// HintNumber accepts long or double.
	HintNumber
	HintBool
	HintString
)

var hintNames = [...]string{HintNone: "", HintLong: "long", HintDouble: "double", HintNumber: "number", HintBool: "bool", HintString: "string"}

// String implements fmt.Stringer.
func (h TypeHint) String() string {
	if int(h) < len(hintNames) {
		return hintNames[h]
	}
	return fmt.Sprintf("TypeHint(%d)", h)
}

func typeHintByName(name string) (TypeHint, bool) {
	for i, n := range hintNames {
		if n != "" && n == name {
			return TypeHint(i), true
		}
	}
	return HintNone, false
}

// ArgInfo describes a declared parameter.
type ArgInfo struct {
	Name string
	Hint TypeHint
}

// FunctionFlags are properties of a function that the compiler does not support or must respect.
type FunctionFlags uint32

const (
	FlagGenerator FunctionFlags = 1 << iota
	FlagExceptionRegions
	FlagDynamicVars
	FlagTypeHints
)

var flagNames = []struct {
	flag FunctionFlags
	name string
}{
	{FlagGenerator, "generator"},
	{FlagExceptionRegions, "exceptions"},
	{FlagDynamicVars, "dynvars"},
}

// String implements fmt.Stringer.
func (f FunctionFlags) String() string {
	var names []string
	for _, fl := range flagNames {
		if f&fl.flag != 0 {
			names = append(names, fl.name)
		}
	}
	if f&FlagTypeHints != 0 {
		names = append(names, "typehints")
	}
	return strings.Join(names, "|")
}

// Function is a compiled script function.
//
// Variables are numbered densely: CVs are 0..NumVars-1 and temporaries follow them.
type Function struct {
	Name string
	// Args are the declared parameters. Parameter i is bound to CV i by its RECV instruction.
	Args         []ArgInfo
	RequiredArgs int
	// VarNames are the CV names without the "$" prefix.
	VarNames   []string
	NumVars    int
	NumTemps   int
	Code       []Instruction
	Literals   []api.Value
	Flags      FunctionFlags
	DocComment string
}

// NumSlots returns the number of frame slots the function needs.
func (f *Function) NumSlots() int { return f.NumVars + f.NumTemps }

// VarName returns the listing name of the variable number n, e.g. "$x" or "~1".
func (f *Function) VarName(n int) string {
	if n < f.NumVars {
		if n < len(f.VarNames) {
			return "$" + f.VarNames[n]
		}
		return fmt.Sprintf("$%d", n)
	}
	return fmt.Sprintf("~%d", n-f.NumVars)
}

// IsCV returns true if the variable number names a user variable.
func (f *Function) IsCV(n int) bool { return n < f.NumVars }

// FirstNonRecv returns the index of the first instruction after the leading RECV/RECV_INIT run.
func (f *Function) FirstNonRecv() int {
	i := 0
	for i < len(f.Code) && f.Code[i].Opcode.IsRecv() {
		i++
	}
	return i
}

// Literal returns the constant referenced by the operand.
func (f *Function) Literal(o Operand) api.Value { return f.Literals[o.Num] }

// HasDocTag returns true if the doc comment contains the given "@" tag, e.g. "jit" for "@jit".
func (f *Function) HasDocTag(tag string) bool {
	for _, field := range strings.FieldsFunc(f.DocComment, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '*' || r == '/'
	}) {
		if field == "@"+tag {
			return true
		}
	}
	return false
}

var errNoInstructions = errors.New("no instructions")

// Validate checks operand shapes. Jump targets are not range checked here: the CFG builder rejects those.
func (f *Function) Validate() error {
	if len(f.Code) == 0 {
		return fmt.Errorf("%s: %w", f.Name, errNoInstructions)
	}
	checkRead := func(pc int, which string, o Operand) error {
		switch o.Kind {
		case OperandConst:
			if o.Num < 0 || o.Num >= len(f.Literals) {
				return fmt.Errorf("%s@%d: %s literal %d out of range", f.Name, pc, which, o.Num)
			}
		case OperandCV, OperandTmpVar:
			if o.Num < 0 || o.Num >= f.NumSlots() {
				return fmt.Errorf("%s@%d: %s variable %d out of range", f.Name, pc, which, o.Num)
			}
		case OperandJumpTarget:
			return fmt.Errorf("%s@%d: %s cannot be a jump target", f.Name, pc, which)
		}
		return nil
	}
	for pc := range f.Code {
		in := &f.Code[pc]
		op := in.Opcode
		if !op.Valid() {
			return fmt.Errorf("%s@%d: invalid opcode %d", f.Name, pc, op)
		}
		if op.IsJump() {
			if op == OpcodeJmp {
				if in.Op1.Kind != OperandJumpTarget {
					return fmt.Errorf("%s@%d: %s needs a target", f.Name, pc, op)
				}
				continue
			}
			if in.Op2.Kind != OperandJumpTarget {
				return fmt.Errorf("%s@%d: %s needs a target", f.Name, pc, op)
			}
			if err := checkRead(pc, "op1", in.Op1); err != nil {
				return err
			}
			continue
		}
		if op.DefinesOp1() && in.Op1.Kind != OperandCV {
			return fmt.Errorf("%s@%d: %s op1 must be a CV", f.Name, pc, op)
		}
		if op.IsRecv() {
			if in.Result.Kind != OperandCV {
				return fmt.Errorf("%s@%d: %s result must be a CV", f.Name, pc, op)
			}
			if in.Extended < 0 || int(in.Extended) >= len(f.Args) {
				return fmt.Errorf("%s@%d: %s argument %d out of range", f.Name, pc, op, in.Extended)
			}
		}
		if op.has(flagResultRequired) && !in.Result.IsVar() {
			return fmt.Errorf("%s@%d: %s needs a result variable", f.Name, pc, op)
		}
		if in.Result.Kind != OperandUnused && !in.Result.IsVar() {
			return fmt.Errorf("%s@%d: %s result must be a variable", f.Name, pc, op)
		}
		if op == OpcodeInitFcall {
			if in.Op1.Kind != OperandConst || f.Literal(in.Op1).Kind() != api.ValueKindString {
				return fmt.Errorf("%s@%d: %s needs a function name", f.Name, pc, op)
			}
			continue
		}
		if op == OpcodeSendVar && !in.Op1.IsVar() {
			return fmt.Errorf("%s@%d: %s op1 must be a variable", f.Name, pc, op)
		}
		if err := checkRead(pc, "op1", in.Op1); err != nil {
			return err
		}
		if err := checkRead(pc, "op2", in.Op2); err != nil {
			return err
		}
		if err := checkRead(pc, "result", in.Result); err != nil {
			return err
		}
	}
	return nil
}

// Script is a set of functions loaded together.
type Script struct {
	Name      string
	Functions []*Function
}

// Function returns the function with the given name.
func (s *Script) Function(name string) (*Function, bool) {
	for _, f := range s.Functions {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}
