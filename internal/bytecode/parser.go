package bytecode

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/bytejit/bytejit/api"
)

// Parse reads a text listing into a Script. The name is used in error messages.
//
// The listing is line oriented:
//
//	/** @jit */
//	func add($a, $b) {
//	    RECV $a long
//	    RECV $b long
//	    ADD $a, $b => ~0
//	    RETURN ~0
//	}
//
// Labels are written as "name:" on their own line. Comments start with "//" or "#".
func Parse(name string, src []byte) (*Script, error) {
	p := &parser{name: name, script: &Script{Name: name}}
	sc := bufio.NewScanner(bytes.NewReader(src))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		p.line++
		if err := p.parseLine(sc.Text()); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if p.inDoc {
		return nil, p.errorf("unterminated doc comment")
	}
	if p.fn != nil {
		return nil, p.errorf("missing } for func %s", p.fn.Name)
	}
	return p.script, nil
}

type labelRef struct {
	pc    int
	field byte // '1', '2' or 'e'
	label string
	line  int
}

type parser struct {
	name   string
	line   int
	script *Script

	inDoc bool
	doc   strings.Builder

	fn        *Function
	cvs       map[string]int
	literals  map[api.Value]int
	labels    map[string]int
	refs      []labelRef
	sendCount int64
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%s:%d: %s", p.name, p.line, fmt.Sprintf(format, args...))
}

func (p *parser) parseLine(raw string) error {
	if p.inDoc {
		p.doc.WriteByte('\n')
		if i := strings.Index(raw, "*/"); i >= 0 {
			p.doc.WriteString(raw[:i+2])
			p.inDoc = false
			return nil
		}
		p.doc.WriteString(raw)
		return nil
	}
	if trimmed := strings.TrimSpace(raw); strings.HasPrefix(trimmed, "/*") {
		if p.fn != nil {
			return p.errorf("doc comment inside func %s", p.fn.Name)
		}
		p.doc.Reset()
		if i := strings.Index(trimmed, "*/"); i >= 0 {
			p.doc.WriteString(trimmed[:i+2])
			return nil
		}
		p.doc.WriteString(trimmed)
		p.inDoc = true
		return nil
	}
	line := strings.TrimSpace(stripComment(raw))
	if line == "" {
		return nil
	}
	if p.fn == nil {
		return p.parseFuncHeader(line)
	}
	if line == "}" {
		return p.endFunc()
	}
	if strings.HasSuffix(line, ":") && isIdent(line[:len(line)-1]) {
		label := line[:len(line)-1]
		if _, ok := p.labels[label]; ok {
			return p.errorf("duplicate label %s", label)
		}
		p.labels[label] = len(p.fn.Code)
		return nil
	}
	return p.parseInstruction(line)
}

func (p *parser) parseFuncHeader(line string) error {
	if !strings.HasPrefix(line, "func ") || !strings.HasSuffix(line, "{") {
		return p.errorf("expected func declaration, got %q", line)
	}
	header := strings.TrimSpace(line[len("func ") : len(line)-1])
	open, closing := strings.IndexByte(header, '('), strings.LastIndexByte(header, ')')
	if open <= 0 || closing < open {
		return p.errorf("malformed func declaration %q", line)
	}
	fn := &Function{Name: strings.TrimSpace(header[:open]), DocComment: p.doc.String()}
	p.doc.Reset()
	if !isIdent(fn.Name) {
		return p.errorf("invalid func name %q", fn.Name)
	}
	if _, ok := p.script.Function(fn.Name); ok {
		return p.errorf("duplicate func %s", fn.Name)
	}
	p.fn = fn
	p.cvs = map[string]int{}
	p.literals = map[api.Value]int{}
	p.labels = map[string]int{}
	p.refs = p.refs[:0]

	if params := strings.TrimSpace(header[open+1 : closing]); params != "" {
		for _, param := range strings.Split(params, ",") {
			param = strings.TrimSpace(param)
			if !strings.HasPrefix(param, "$") || !isIdent(param[1:]) {
				return p.errorf("invalid parameter %q", param)
			}
			if _, ok := p.cvs[param[1:]]; ok {
				return p.errorf("duplicate parameter %s", param)
			}
			p.cv(param[1:])
			fn.Args = append(fn.Args, ArgInfo{Name: param[1:]})
		}
	}
	for _, attr := range strings.Fields(header[closing+1:]) {
		found := false
		for _, fl := range flagNames {
			if fl.name == attr {
				fn.Flags |= fl.flag
				found = true
			}
		}
		if !found {
			return p.errorf("unknown func attribute %q", attr)
		}
	}
	return nil
}

func (p *parser) endFunc() error {
	fn := p.fn
	for _, ref := range p.refs {
		target, ok := p.labels[ref.label]
		if !ok {
			return fmt.Errorf("%s:%d: undefined label %s", p.name, ref.line, ref.label)
		}
		in := &fn.Code[ref.pc]
		switch ref.field {
		case '1':
			in.Op1 = Target(target)
		case '2':
			in.Op2 = Target(target)
		case 'e':
			in.Extended = int64(target)
		}
	}
	fn.NumVars = len(fn.VarNames)
	for pc := range fn.Code {
		in := &fn.Code[pc]
		for _, o := range []*Operand{&in.Op1, &in.Op2, &in.Result} {
			if o.Kind == OperandTmpVar {
				if o.Num+1 > fn.NumTemps {
					fn.NumTemps = o.Num + 1
				}
				o.Num += fn.NumVars
			}
		}
		if in.Opcode == OpcodeRecv {
			fn.RequiredArgs++
		}
	}
	if err := fn.Validate(); err != nil {
		return p.errorf("%v", err)
	}
	p.script.Functions = append(p.script.Functions, fn)
	p.fn = nil
	return nil
}

func (p *parser) cv(name string) int {
	if n, ok := p.cvs[name]; ok {
		return n
	}
	n := len(p.fn.VarNames)
	p.cvs[name] = n
	p.fn.VarNames = append(p.fn.VarNames, name)
	return n
}

func (p *parser) literal(v api.Value) Operand {
	if n, ok := p.literals[v]; ok {
		return Const(n)
	}
	n := len(p.fn.Literals)
	p.literals[v] = n
	p.fn.Literals = append(p.fn.Literals, v)
	return Const(n)
}

func (p *parser) parseInstruction(line string) error {
	mnemonic, rest := line, ""
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		mnemonic, rest = line[:i], strings.TrimSpace(line[i+1:])
	}
	op, ok := OpcodeByName(mnemonic)
	if !ok {
		return p.errorf("unknown opcode %s", mnemonic)
	}
	in := Instruction{Opcode: op}
	pc := len(p.fn.Code)

	operands, result, err := splitOperands(rest)
	if err != nil {
		return p.errorf("%v", err)
	}
	if result != "" {
		if in.Result, err = p.operand(result); err != nil {
			return err
		}
		if !in.Result.IsVar() {
			return p.errorf("result of %s must be a variable", op)
		}
	}
	want := func(min, max int) error {
		if len(operands) < min || len(operands) > max {
			return p.errorf("%s takes %d to %d operands, got %d", op, min, max, len(operands))
		}
		return nil
	}
	label := func(field byte, s string) error {
		if !isIdent(s) {
			return p.errorf("%s expects a label, got %q", op, s)
		}
		p.refs = append(p.refs, labelRef{pc: pc, field: field, label: s, line: p.line})
		return nil
	}

	switch op {
	case OpcodeRecv, OpcodeRecvInit:
		if op == OpcodeRecv {
			err = want(1, 1)
		} else {
			err = want(2, 2)
		}
		if err != nil {
			return err
		}
		fields := strings.Fields(operands[0])
		if len(fields) == 0 || len(fields) > 2 || !strings.HasPrefix(fields[0], "$") {
			return p.errorf("%s expects a parameter, got %q", op, operands[0])
		}
		n, ok := p.cvs[fields[0][1:]]
		if !ok || n >= len(p.fn.Args) {
			return p.errorf("%s of undeclared parameter %s", op, fields[0])
		}
		in.Result, in.Extended = CV(n), int64(n)
		if len(fields) == 2 {
			hint, ok := typeHintByName(fields[1])
			if !ok {
				return p.errorf("unknown type hint %q", fields[1])
			}
			p.fn.Args[n].Hint = hint
			p.fn.Flags |= FlagTypeHints
		}
		if op == OpcodeRecvInit {
			if in.Op2, err = p.operand(operands[1]); err != nil {
				return err
			}
			if in.Op2.Kind != OperandConst {
				return p.errorf("default of %s must be a literal", fields[0])
			}
		}
	case OpcodeJmp:
		if err = want(1, 1); err != nil {
			return err
		}
		err = label('1', operands[0])
	case OpcodeJmpz, OpcodeJmpnz:
		if err = want(2, 2); err != nil {
			return err
		}
		if in.Op1, err = p.operand(operands[0]); err != nil {
			return err
		}
		err = label('2', operands[1])
	case OpcodeJmpznz:
		if err = want(3, 3); err != nil {
			return err
		}
		if in.Op1, err = p.operand(operands[0]); err != nil {
			return err
		}
		if err = label('2', operands[1]); err == nil {
			err = label('e', operands[2])
		}
	case OpcodeInitFcall:
		if err = want(1, 2); err != nil {
			return err
		}
		callee := operands[0]
		if !isIdent(callee) {
			if callee, err = strconv.Unquote(callee); err != nil {
				return p.errorf("%s expects a function name, got %q", op, operands[0])
			}
		}
		in.Op1 = p.literal(api.String(callee))
		if len(operands) == 2 {
			if in.Extended, err = strconv.ParseInt(operands[1], 10, 64); err != nil {
				return p.errorf("%s argument count: %v", op, err)
			}
		}
		p.sendCount = 0
	case OpcodeSendVal, OpcodeSendVar:
		if err = want(1, 2); err != nil {
			return err
		}
		if in.Op1, err = p.operand(operands[0]); err != nil {
			return err
		}
		p.sendCount++
		in.Extended = p.sendCount
		if len(operands) == 2 {
			if in.Extended, err = strconv.ParseInt(operands[1], 10, 64); err != nil {
				return p.errorf("%s argument number: %v", op, err)
			}
		}
	default:
		if err = want(0, 2); err != nil {
			return err
		}
		if len(operands) > 0 {
			if in.Op1, err = p.operand(operands[0]); err != nil {
				return err
			}
		}
		if len(operands) > 1 {
			if in.Op2, err = p.operand(operands[1]); err != nil {
				return err
			}
		}
	}
	if err != nil {
		return err
	}
	p.fn.Code = append(p.fn.Code, in)
	return nil
}

func (p *parser) operand(s string) (Operand, error) {
	switch {
	case s == "":
		return Unused, p.errorf("empty operand")
	case s[0] == '$':
		if !isIdent(s[1:]) {
			return Unused, p.errorf("invalid variable %q", s)
		}
		return CV(p.cv(s[1:])), nil
	case s[0] == '~':
		n, err := strconv.Atoi(s[1:])
		if err != nil || n < 0 {
			return Unused, p.errorf("invalid temporary %q", s)
		}
		return Tmp(n), nil
	case s[0] == '"':
		str, err := strconv.Unquote(s)
		if err != nil {
			return Unused, p.errorf("invalid string %s: %v", s, err)
		}
		return p.literal(api.String(str)), nil
	case s == "true":
		return p.literal(api.Bool(true)), nil
	case s == "false":
		return p.literal(api.Bool(false)), nil
	case s == "null":
		return p.literal(api.Null()), nil
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return p.literal(api.Long(v)), nil
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return p.literal(api.Double(v)), nil
	}
	return Unused, p.errorf("invalid operand %q", s)
}

// splitOperands splits "a, b => r" into ["a", "b"] and "r", honoring quoted strings.
func splitOperands(s string) (operands []string, result string, err error) {
	var cur strings.Builder
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inString:
			cur.WriteByte(c)
			if c == '\\' && i+1 < len(s) {
				i++
				cur.WriteByte(s[i])
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
			cur.WriteByte(c)
		case c == ',':
			operands = append(operands, strings.TrimSpace(cur.String()))
			cur.Reset()
		case c == '=' && i+1 < len(s) && s[i+1] == '>':
			if result = strings.TrimSpace(s[i+2:]); result == "" {
				return nil, "", fmt.Errorf("missing result after =>")
			}
			s = s[:i]
		default:
			cur.WriteByte(c)
		}
	}
	if inString {
		return nil, "", fmt.Errorf("unterminated string")
	}
	if last := strings.TrimSpace(cur.String()); last != "" || len(operands) > 0 {
		operands = append(operands, last)
	}
	for _, o := range operands {
		if o == "" {
			return nil, "", fmt.Errorf("empty operand")
		}
	}
	return operands, result, nil
}

// stripComment removes a trailing "//" or "#" comment outside of string literals.
func stripComment(s string) string {
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inString && c == '\\':
			i++
		case c == '"':
			inString = !inString
		case inString:
		case c == '#':
			return s[:i]
		case c == '/' && i+1 < len(s) && s[i+1] == '/':
			return s[:i]
		}
	}
	return s
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (i > 0 && c >= '0' && c <= '9') {
			continue
		}
		return false
	}
	return true
}
