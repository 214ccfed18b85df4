package bytecode

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/bytejit/bytejit/api"
)

// Format writes the listing of every function in the script. Parse(Format(s)) yields an equivalent script.
func Format(w io.Writer, s *Script) error {
	for i, fn := range s.Functions {
		if i > 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, fn.String()); err != nil {
			return err
		}
	}
	return nil
}

// String returns the listing of the function.
func (f *Function) String() string {
	var b strings.Builder
	if f.DocComment != "" {
		b.WriteString(f.DocComment)
		b.WriteByte('\n')
	}
	b.WriteString("func ")
	b.WriteString(f.Name)
	b.WriteByte('(')
	for i, a := range f.Args {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("$" + a.Name)
	}
	b.WriteByte(')')
	for _, fl := range flagNames {
		if f.Flags&fl.flag != 0 {
			b.WriteString(" " + fl.name)
		}
	}
	b.WriteString(" {\n")

	targets := map[int]struct{}{}
	for pc := range f.Code {
		for _, t := range f.Code[pc].Targets() {
			targets[t] = struct{}{}
		}
	}
	for pc := range f.Code {
		if _, ok := targets[pc]; ok {
			fmt.Fprintf(&b, "L%d:\n", pc)
		}
		b.WriteString("    ")
		b.WriteString(f.FormatInstruction(pc))
		b.WriteByte('\n')
	}
	// A label past the end is representable but rejected by the CFG builder.
	var tail []int
	for t := range targets {
		if t >= len(f.Code) || t < 0 {
			tail = append(tail, t)
		}
	}
	sort.Ints(tail)
	for _, t := range tail {
		fmt.Fprintf(&b, "L%d:\n", t)
	}
	b.WriteString("}\n")
	return b.String()
}

// FormatInstruction returns the listing text of the instruction at pc without indentation.
func (f *Function) FormatInstruction(pc int) string {
	in := &f.Code[pc]
	var ops []string
	switch in.Opcode {
	case OpcodeRecv, OpcodeRecvInit:
		recv := f.VarName(in.Result.Num)
		if n := int(in.Extended); n < len(f.Args) && f.Args[n].Hint != HintNone {
			recv += " " + f.Args[n].Hint.String()
		}
		ops = append(ops, recv)
		if in.Opcode == OpcodeRecvInit {
			ops = append(ops, f.FormatOperand(in.Op2))
		}
		return in.Opcode.String() + " " + strings.Join(ops, ", ")
	case OpcodeJmp:
		ops = append(ops, fmt.Sprintf("L%d", in.Op1.Num))
	case OpcodeJmpz, OpcodeJmpnz:
		ops = append(ops, f.FormatOperand(in.Op1), fmt.Sprintf("L%d", in.Op2.Num))
	case OpcodeJmpznz:
		ops = append(ops, f.FormatOperand(in.Op1), fmt.Sprintf("L%d", in.Op2.Num), fmt.Sprintf("L%d", in.Extended))
	case OpcodeInitFcall:
		name := f.Literal(in.Op1).AsString()
		if !isIdent(name) {
			name = strconv.Quote(name)
		}
		ops = append(ops, name, strconv.FormatInt(in.Extended, 10))
	case OpcodeSendVal, OpcodeSendVar:
		ops = append(ops, f.FormatOperand(in.Op1), strconv.FormatInt(in.Extended, 10))
	default:
		if in.Op1.Kind != OperandUnused {
			ops = append(ops, f.FormatOperand(in.Op1))
		}
		if in.Op2.Kind != OperandUnused {
			ops = append(ops, f.FormatOperand(in.Op2))
		}
	}
	s := in.Opcode.String()
	if len(ops) > 0 {
		s += " " + strings.Join(ops, ", ")
	}
	if in.Result.Kind != OperandUnused {
		s += " => " + f.FormatOperand(in.Result)
	}
	return s
}

// FormatOperand returns the listing text of an operand.
func (f *Function) FormatOperand(o Operand) string {
	switch o.Kind {
	case OperandConst:
		return formatLiteral(f.Literal(o))
	case OperandCV, OperandTmpVar:
		return f.VarName(o.Num)
	case OperandJumpTarget:
		return fmt.Sprintf("L%d", o.Num)
	}
	return ""
}

func formatLiteral(v api.Value) string {
	switch v.Kind() {
	case api.ValueKindNull, api.ValueKindUndef:
		return "null"
	case api.ValueKindTrue:
		return "true"
	case api.ValueKindFalse:
		return "false"
	case api.ValueKindLong:
		return strconv.FormatInt(v.AsLong(), 10)
	case api.ValueKindDouble:
		d := v.AsDouble()
		if math.IsInf(d, 0) || math.IsNaN(d) {
			return strconv.FormatFloat(d, 'g', -1, 64)
		}
		s := strconv.FormatFloat(d, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s
	case api.ValueKindString:
		return strconv.Quote(v.AsString())
	}
	return ""
}
