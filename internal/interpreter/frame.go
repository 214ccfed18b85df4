package interpreter

import (
	"context"
	"fmt"

	"github.com/bytejit/bytejit/api"
	"github.com/bytejit/bytejit/internal/bytecode"
)

// Frame is the activation of one script function.
type Frame struct {
	Fn *Function
	// Slots holds the CVs followed by the temporaries. Native code addresses it directly.
	Slots []Slot
	// PC is the index of the next instruction to execute.
	PC int
	// Ret is the return value once the frame returned.
	Ret Slot

	args    []Slot
	pending []pendingCall
	ce      *callEngine
}

type pendingCall struct {
	name string
	fn   *Function
	host HostFunc
	args []Slot
}

// Machine returns the machine executing the frame.
func (fr *Frame) Machine() *Machine { return fr.ce.m }

// callEngine holds the state of one top-level call.
type callEngine struct {
	ctx    context.Context
	m      *Machine
	frames []*Frame
}

func (ce *callEngine) pushFrame(fr *Frame) error {
	if callStackCeiling <= len(ce.frames) {
		return ErrRuntimeCallStackOverflow
	}
	ce.frames = append(ce.frames, fr)
	return nil
}

func (ce *callEngine) popFrame() {
	ce.frames = ce.frames[:len(ce.frames)-1]
}

// call runs f to completion. The frame stays on the stack on error so that the caller can print a backtrace.
func (ce *callEngine) call(f *Function, args []Slot) (Slot, error) {
	if err := ce.ctx.Err(); err != nil {
		return Slot{}, err
	}
	fr := &Frame{Fn: f, Slots: make([]Slot, f.Code.NumSlots()), args: args, ce: ce}
	if err := ce.pushFrame(fr); err != nil {
		return Slot{}, err
	}
	f.calls.Inc()
	if err := ce.run(fr); err != nil {
		return Slot{}, err
	}
	ce.popFrame()
	return fr.Ret, nil
}

func (ce *callEngine) run(fr *Frame) error {
	code := fr.Fn.Code.Code
	for {
		if fr.PC < 0 || fr.PC >= len(code) {
			return ErrRuntimeFellOffEnd
		}
		if p := fr.Fn.dispatch[fr.PC].Load(); p != nil && p.Hook != nil {
			act, err := p.Hook(fr)
			if err != nil {
				return err
			}
			switch act {
			case ActionReturn:
				return nil
			case ActionResume:
				continue
			}
		}
		returned, err := fr.Step()
		if err != nil {
			return err
		}
		if returned {
			return nil
		}
	}
}

func (fr *Frame) read(o bytecode.Operand) Slot {
	if o.Kind == bytecode.OperandConst {
		return fr.Fn.literals[o.Num]
	}
	return fr.Slots[o.Num]
}

func (fr *Frame) write(o bytecode.Operand, s Slot) {
	if o.IsVar() {
		fr.Slots[o.Num] = s
	}
}

// Step executes the instruction at PC with its default handler, bypassing the dispatch slot, and advances PC.
// It reports whether the instruction returned from the function.
func (fr *Frame) Step() (returned bool, err error) {
	m := fr.ce.m
	in := &fr.Fn.Code.Code[fr.PC]
	next := fr.PC + 1
	switch in.Opcode {
	case bytecode.OpcodeNop:
	case bytecode.OpcodeRecv, bytecode.OpcodeRecvInit:
		if err = fr.recv(in); err != nil {
			return
		}
	case bytecode.OpcodeAssign:
		v := fr.read(in.Op2)
		fr.write(in.Op1, v)
		fr.write(in.Result, v)
	case bytecode.OpcodeQMAssign:
		fr.write(in.Result, fr.read(in.Op1))
	case bytecode.OpcodeAdd, bytecode.OpcodeSub, bytecode.OpcodeMul, bytecode.OpcodeDiv:
		var r Slot
		if r, err = m.arith(arithOpOf(in.Opcode), fr.read(in.Op1), fr.read(in.Op2)); err != nil {
			return
		}
		fr.write(in.Result, r)
	case bytecode.OpcodeMod:
		var r Slot
		if r, err = m.mod(fr.read(in.Op1), fr.read(in.Op2)); err != nil {
			return
		}
		fr.write(in.Result, r)
	case bytecode.OpcodeConcat:
		s := m.toString(fr.read(in.Op1)) + m.toString(fr.read(in.Op2))
		fr.write(in.Result, Slot{Payload: m.Intern(s), Kind: api.ValueKindString})
	case bytecode.OpcodeIsEqual, bytecode.OpcodeIsNotEqual, bytecode.OpcodeIsSmaller, bytecode.OpcodeIsSmallerOrEqual:
		fr.write(in.Result, BoolSlot(m.Compare(in.Opcode, fr.read(in.Op1), fr.read(in.Op2))))
	case bytecode.OpcodeBool:
		fr.write(in.Result, BoolSlot(m.toBool(fr.read(in.Op1))))
	case bytecode.OpcodeBoolNot:
		fr.write(in.Result, BoolSlot(!m.toBool(fr.read(in.Op1))))
	case bytecode.OpcodePreInc, bytecode.OpcodePreDec:
		v := m.incdec(fr.read(in.Op1), in.Opcode == bytecode.OpcodePreInc)
		fr.write(in.Op1, v)
		fr.write(in.Result, v)
	case bytecode.OpcodePostInc, bytecode.OpcodePostDec:
		old := fr.read(in.Op1)
		fr.write(in.Op1, m.incdec(old, in.Opcode == bytecode.OpcodePostInc))
		if old.Kind == api.ValueKindUndef {
			old = NullSlot()
		}
		fr.write(in.Result, old)
	case bytecode.OpcodeAssignAdd, bytecode.OpcodeAssignSub, bytecode.OpcodeAssignMul:
		var r Slot
		if r, err = m.arith(arithOpOf(in.Opcode), fr.read(in.Op1), fr.read(in.Op2)); err != nil {
			return
		}
		fr.write(in.Op1, r)
		fr.write(in.Result, r)
	case bytecode.OpcodeJmp:
		next = in.Op1.Num
	case bytecode.OpcodeJmpz:
		if !m.toBool(fr.read(in.Op1)) {
			next = in.Op2.Num
		}
	case bytecode.OpcodeJmpnz:
		if m.toBool(fr.read(in.Op1)) {
			next = in.Op2.Num
		}
	case bytecode.OpcodeJmpznz:
		if m.toBool(fr.read(in.Op1)) {
			next = int(in.Extended)
		} else {
			next = in.Op2.Num
		}
	case bytecode.OpcodeEcho:
		if err = m.echo(m.toString(fr.read(in.Op1))); err != nil {
			return
		}
	case bytecode.OpcodeInitFcall:
		if err = fr.initCall(in); err != nil {
			return
		}
	case bytecode.OpcodeSendVal, bytecode.OpcodeSendVar:
		if len(fr.pending) == 0 {
			return false, ErrRuntimeNoPendingCall
		}
		pc := &fr.pending[len(fr.pending)-1]
		n := int(in.Extended) - 1
		for len(pc.args) <= n {
			pc.args = append(pc.args, Slot{})
		}
		v := fr.read(in.Op1)
		if v.Kind == api.ValueKindUndef {
			v = NullSlot()
		}
		pc.args[n] = v
	case bytecode.OpcodeDoFcall:
		var r Slot
		if r, err = fr.doCall(); err != nil {
			return
		}
		fr.write(in.Result, r)
	case bytecode.OpcodeReturn:
		fr.Ret = fr.read(in.Op1)
		if fr.Ret.Kind == api.ValueKindUndef {
			fr.Ret = NullSlot()
		}
		return true, nil
	default:
		return false, fmt.Errorf("BUG: unknown opcode %s", in.Opcode)
	}
	fr.PC = next
	return false, nil
}

func arithOpOf(op bytecode.Opcode) arithOp {
	switch op {
	case bytecode.OpcodeAdd, bytecode.OpcodeAssignAdd:
		return arithAdd
	case bytecode.OpcodeSub, bytecode.OpcodeAssignSub:
		return arithSub
	case bytecode.OpcodeMul, bytecode.OpcodeAssignMul:
		return arithMul
	}
	return arithDiv
}

// Compare evaluates one of the comparison opcodes with loose comparison semantics.
func (m *Machine) Compare(op bytecode.Opcode, a, b Slot) bool {
	cmp, ok := m.compare(a, b)
	switch op {
	case bytecode.OpcodeIsEqual:
		return ok && cmp == 0
	case bytecode.OpcodeIsNotEqual:
		return !ok || cmp != 0
	case bytecode.OpcodeIsSmaller:
		return ok && cmp < 0
	case bytecode.OpcodeIsSmallerOrEqual:
		return ok && cmp <= 0
	}
	panic(fmt.Sprintf("BUG: %s is not a comparison", op))
}

func (fr *Frame) recv(in *bytecode.Instruction) error {
	n := int(in.Extended)
	code := fr.Fn.Code
	if n >= len(fr.args) {
		if in.Opcode == bytecode.OpcodeRecvInit {
			fr.write(in.Result, fr.read(in.Op2))
			return nil
		}
		return fmt.Errorf("%w to %s(): %d passed and at least %d expected",
			ErrRuntimeTooFewArguments, code.Name, len(fr.args), code.RequiredArgs)
	}
	v, ok := fr.ce.m.coerce(fr.args[n], code.Args[n].Hint)
	if !ok {
		return fmt.Errorf("%w: argument %d ($%s) of %s() must be of type %s, %s given", ErrRuntimeTypeMismatch,
			n+1, code.Args[n].Name, code.Name, code.Args[n].Hint, api.ValueKindName(fr.args[n].Kind))
	}
	fr.write(in.Result, v)
	return nil
}

// coerce converts an argument to its declared type.
func (m *Machine) coerce(s Slot, hint bytecode.TypeHint) (Slot, bool) {
	isScalar := s.Kind != api.ValueKindNull && s.Kind != api.ValueKindUndef
	switch hint {
	case bytecode.HintNone:
		return s, true
	case bytecode.HintLong:
		switch s.Kind {
		case api.ValueKindLong:
			return s, true
		case api.ValueKindDouble:
			if d := s.Double(); d == float64(doubleToLong(d)) {
				return LongSlot(doubleToLong(d)), true
			}
		case api.ValueKindTrue, api.ValueKindFalse:
			return LongSlot(m.toLong(s)), true
		case api.ValueKindString:
			if n, whole := parseNumber(m.str(s.Payload)); whole {
				if !n.isDouble {
					return LongSlot(n.l), true
				}
				if n.d == float64(doubleToLong(n.d)) {
					return LongSlot(doubleToLong(n.d)), true
				}
			}
		}
	case bytecode.HintDouble, bytecode.HintNumber:
		switch s.Kind {
		case api.ValueKindLong:
			if hint == bytecode.HintNumber {
				return s, true
			}
			return DoubleSlot(float64(s.Long())), true
		case api.ValueKindDouble:
			return s, true
		case api.ValueKindTrue, api.ValueKindFalse:
			if hint == bytecode.HintNumber {
				return LongSlot(m.toLong(s)), true
			}
			return DoubleSlot(float64(m.toLong(s))), true
		case api.ValueKindString:
			if n, whole := parseNumber(m.str(s.Payload)); whole {
				if hint == bytecode.HintNumber {
					return n.slot(), true
				}
				return DoubleSlot(n.float()), true
			}
		}
	case bytecode.HintBool:
		if isScalar {
			return BoolSlot(m.toBool(s)), true
		}
	case bytecode.HintString:
		if isScalar {
			return Slot{Payload: m.Intern(m.toString(s)), Kind: api.ValueKindString}, true
		}
	}
	return Slot{}, false
}

func (fr *Frame) initCall(in *bytecode.Instruction) error {
	m := fr.ce.m
	name := m.str(fr.read(in.Op1).Payload)
	pc := pendingCall{name: name, args: make([]Slot, 0, in.Extended)}
	if f, ok := m.Lookup(name); ok {
		pc.fn = f
	} else {
		m.mux.RLock()
		pc.host = m.hosts[name]
		m.mux.RUnlock()
		if pc.host == nil {
			return fmt.Errorf("%w: %s", ErrRuntimeUndefinedFunction, name)
		}
	}
	fr.pending = append(fr.pending, pc)
	return nil
}

func (fr *Frame) doCall() (Slot, error) {
	if len(fr.pending) == 0 {
		return Slot{}, ErrRuntimeNoPendingCall
	}
	pc := fr.pending[len(fr.pending)-1]
	fr.pending = fr.pending[:len(fr.pending)-1]
	m := fr.ce.m
	if pc.host != nil {
		args := make([]api.Value, len(pc.args))
		for i, a := range pc.args {
			args[i] = m.ToValue(a)
		}
		v, err := pc.host(args)
		if err != nil {
			return Slot{}, fmt.Errorf("%s(): %w", pc.name, err)
		}
		return m.FromValue(v), nil
	}
	return fr.ce.call(pc.fn, pc.args)
}
