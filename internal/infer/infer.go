package infer

import (
	"math"

	"github.com/bytejit/bytejit/api"
	"github.com/bytejit/bytejit/internal/bytecode"
	"github.com/bytejit/bytejit/internal/ssa"
)

// Options tunes Infer.
type Options struct {
	// NarrowingPasses is the number of descending passes run after the widened fixpoint. Zero means two and a
	// negative value disables narrowing.
	NarrowingPasses int
}

// Result holds the inferred information of a function.
type Result struct {
	f *ssa.Func
	// Vars is indexed by SSA variable. Variables in unreachable code have a zero Type.
	Vars []Info
	// mayOverflow is indexed by instruction and set where a speculative long operation needs an overflow check.
	mayOverflow []bool
}

// IsLong returns true if the SSA variable v is always a long.
func (r *Result) IsLong(v int) bool { return v >= 0 && r.Vars[v].IsLong() }

// MayOverflow returns true if the long arithmetic of the instruction at pc can overflow.
func (r *Result) MayOverflow(pc int) bool { return r.mayOverflow[pc] }

// Operand returns the information of an instruction operand given the SSA variable reading it.
func (r *Result) Operand(o bytecode.Operand, ssaVar int) Info {
	if o.Kind == bytecode.OperandConst {
		return literalInfo(r.f.Fn.Literal(o))
	}
	if ssaVar < 0 {
		return Info{}
	}
	return r.Vars[ssaVar]
}

func literalInfo(v api.Value) Info {
	if v.Kind() == api.ValueKindLong {
		return longInfo(point(v.AsLong()))
	}
	return Info{Type: MaskOf(v.Kind())}
}

// Infer computes types and ranges by an optimistic fixpoint over the e-SSA form. Ranges of Phi nodes are
// widened while ascending, then a bounded number of descending passes recovers the bounds Pi nodes imply.
func Infer(f *ssa.Func, opts Options) *Result {
	r := &Result{f: f, Vars: make([]Info, len(f.Vars)), mayOverflow: make([]bool, len(f.Fn.Code))}
	for v := range f.Vars {
		if f.Vars[v].DefinedOnEntry() {
			r.Vars[v] = Info{Type: MayBeUndef}
		}
	}

	for changed := true; changed; {
		changed = false
		r.visit(func(v int, next Info, phi bool) {
			prev := r.Vars[v]
			if prev.Type != 0 {
				next = join(prev, next)
				if phi {
					next = widen(prev, next)
				}
			}
			if next != prev {
				r.Vars[v] = next
				changed = true
			}
		})
	}

	passes := opts.NarrowingPasses
	if passes == 0 {
		passes = 2
	}
	for i := 0; i < passes; i++ {
		changed := false
		r.visit(func(v int, next Info, _ bool) {
			prev := r.Vars[v]
			if next.Type == 0 || next == prev || !subsumes(prev, next) {
				return
			}
			r.Vars[v] = next
			changed = true
		})
		if !changed {
			break
		}
	}

	// Overflow flags are recomputed against the final ranges.
	for i := range r.mayOverflow {
		r.mayOverflow[i] = false
	}
	r.visit(func(int, Info, bool) {})
	return r
}

// visit evaluates every node and instruction of the reachable blocks in reverse post order, reporting each
// computed definition.
func (r *Result) visit(update func(v int, next Info, phi bool)) {
	f := r.f
	for _, b := range f.CFG.RPO {
		for _, pi := range f.BlockPhis[b] {
			p := f.Phi(pi)
			if p.SSAVar < 0 {
				continue
			}
			var next Info
			if p.IsPi() {
				next = r.pi(p)
			} else {
				next = r.phi(p)
			}
			if next.Type != 0 {
				update(p.SSAVar, next, !p.IsPi())
			}
		}
		blk := &f.CFG.Blocks[b]
		for pc := blk.Start; pc <= blk.End; pc++ {
			r.instruction(pc, update)
		}
	}
}

func (r *Result) phi(p *ssa.Phi) Info {
	var ret Info
	for _, s := range p.Sources {
		if s < 0 || r.Vars[s].Type == 0 {
			continue
		}
		if ret.Type == 0 {
			ret = r.Vars[s]
		} else {
			ret = join(ret, r.Vars[s])
		}
	}
	return ret
}

func (r *Result) pi(p *ssa.Phi) Info {
	src := r.Vars[p.Sources[0]]
	if src.Type&MayBeLong == 0 {
		return src
	}
	c := &p.Constraint
	lo, hi, ok := r.bounds(c)
	if !ok {
		return src
	}
	ret := src
	if c.Negative {
		if lo != hi {
			return src
		}
		if ret.Range.Min == lo && !ret.Range.Underflow {
			ret.Range.Min++
		}
		if ret.Range.Max == lo && !ret.Range.Overflow {
			ret.Range.Max--
		}
	} else {
		if !c.Range.Underflow && lo > ret.Range.Min {
			ret.Range.Min, ret.Range.Underflow = lo, false
		}
		if !c.Range.Overflow && hi < ret.Range.Max {
			ret.Range.Max, ret.Range.Overflow = hi, false
		}
	}
	if ret.Range.Min > ret.Range.Max {
		// The edge is not taken by longs. Keep the source information.
		return src
	}
	return ret
}

// bounds resolves the constraint bounds to absolute values. Relative bounds use the range of the
// referenced version only if that version is always a long.
func (r *Result) bounds(c *ssa.Constraint) (lo, hi int64, ok bool) {
	lo, hi = c.Range.Min, c.Range.Max
	if c.MinVar >= 0 && !c.Range.Underflow {
		ref, known := r.reference(c.MinSSAVar)
		if !known || (c.Negative && ref.Min != ref.Max) {
			return 0, 0, false
		}
		var fits bool
		if lo, fits = addInt64(ref.Min, c.Range.Min); !fits {
			return 0, 0, false
		}
	}
	if c.MaxVar >= 0 && !c.Range.Overflow {
		ref, known := r.reference(c.MaxSSAVar)
		if !known || (c.Negative && ref.Min != ref.Max) {
			return 0, 0, false
		}
		var fits bool
		if hi, fits = addInt64(ref.Max, c.Range.Max); !fits {
			return 0, 0, false
		}
	}
	return lo, hi, true
}

func (r *Result) reference(v int) (ssa.Range, bool) {
	if v < 0 || !r.Vars[v].IsLong() {
		return ssa.Range{}, false
	}
	return r.Vars[v].Range, true
}

func (r *Result) instruction(pc int, update func(v int, next Info, phi bool)) {
	f := r.f
	in := &f.Fn.Code[pc]
	op := &f.Ops[pc]
	op1 := r.Operand(in.Op1, op.Op1Use)
	op2 := r.Operand(in.Op2, op.Op2Use)
	def := func(v int, i Info) {
		if v >= 0 && i.Type != 0 {
			update(v, i, false)
		}
	}

	switch in.Opcode {
	case bytecode.OpcodeRecv, bytecode.OpcodeRecvInit:
		var hint bytecode.TypeHint
		if n := int(in.Extended); n < len(f.Fn.Args) {
			hint = f.Fn.Args[n].Hint
		}
		i := recvInfo(hint)
		if in.Opcode == bytecode.OpcodeRecvInit {
			i = join(i, op2)
		}
		def(op.ResultDef, i)
	case bytecode.OpcodeAssign:
		def(op.Op1Def, op2)
		def(op.ResultDef, op2)
	case bytecode.OpcodeQMAssign:
		def(op.ResultDef, op1)
	case bytecode.OpcodeAdd, bytecode.OpcodeSub, bytecode.OpcodeMul:
		def(op.ResultDef, r.arith(pc, in.Opcode, op1, op2))
	case bytecode.OpcodeAssignAdd, bytecode.OpcodeAssignSub, bytecode.OpcodeAssignMul:
		i := r.arith(pc, in.Opcode, op1, op2)
		def(op.Op1Def, i)
		def(op.ResultDef, i)
	case bytecode.OpcodeDiv:
		if op1.Type != 0 && op2.Type != 0 {
			def(op.ResultDef, Info{Type: MayBeNumber, Range: fullRange})
		}
	case bytecode.OpcodeMod:
		if op1.Type != 0 && op2.Type != 0 {
			i := longInfo(fullRange)
			if op1.IsLong() && op2.IsLong() {
				i.Range = modRange(op1.Range, op2.Range)
			}
			def(op.ResultDef, i)
		}
	case bytecode.OpcodeConcat:
		def(op.ResultDef, Info{Type: MayBeString})
	case bytecode.OpcodeIsEqual, bytecode.OpcodeIsNotEqual, bytecode.OpcodeIsSmaller,
		bytecode.OpcodeIsSmallerOrEqual, bytecode.OpcodeBool, bytecode.OpcodeBoolNot:
		def(op.ResultDef, Info{Type: MayBeBool})
	case bytecode.OpcodePreInc, bytecode.OpcodePreDec:
		i := r.incdec(pc, op1, in.Opcode == bytecode.OpcodePreInc)
		def(op.Op1Def, i)
		def(op.ResultDef, i)
	case bytecode.OpcodePostInc, bytecode.OpcodePostDec:
		def(op.Op1Def, r.incdec(pc, op1, in.Opcode == bytecode.OpcodePostInc))
		old := op1
		if old.Type&MayBeUndef != 0 {
			old.Type = old.Type&^MayBeUndef | MayBeNull
		}
		def(op.ResultDef, old)
	case bytecode.OpcodeDoFcall:
		def(op.ResultDef, Info{Type: MayBeAny, Range: fullRange})
	}
}

func recvInfo(hint bytecode.TypeHint) Info {
	switch hint {
	case bytecode.HintLong:
		return longInfo(fullRange)
	case bytecode.HintDouble:
		return Info{Type: MayBeDouble}
	case bytecode.HintNumber:
		return Info{Type: MayBeNumber, Range: fullRange}
	case bytecode.HintBool:
		return Info{Type: MayBeBool}
	case bytecode.HintString:
		return Info{Type: MayBeString}
	}
	return Info{Type: MayBeAny, Range: fullRange}
}

// arith types ADD, SUB and MUL. Two longs give a speculative long; anything else follows the generic
// conversion rules and may give either number kind.
func (r *Result) arith(pc int, opcode bytecode.Opcode, a, b Info) Info {
	if a.Type == 0 || b.Type == 0 {
		return Info{}
	}
	if !a.IsLong() || !b.IsLong() {
		return Info{Type: MayBeNumber, Range: fullRange}
	}
	var rng ssa.Range
	var overflow bool
	switch opcode {
	case bytecode.OpcodeAdd, bytecode.OpcodeAssignAdd:
		rng, overflow = addRange(a.Range, b.Range)
	case bytecode.OpcodeSub, bytecode.OpcodeAssignSub:
		rng, overflow = subRange(a.Range, b.Range)
	default:
		rng, overflow = mulRange(a.Range, b.Range)
	}
	if overflow {
		r.mayOverflow[pc] = true
	}
	return longInfo(rng)
}

func (r *Result) incdec(pc int, a Info, inc bool) Info {
	if a.Type == 0 {
		return Info{}
	}
	one := point(1)
	if a.IsLong() {
		var rng ssa.Range
		var overflow bool
		if inc {
			rng, overflow = addRange(a.Range, one)
		} else {
			rng, overflow = subRange(a.Range, one)
		}
		if overflow {
			r.mayOverflow[pc] = true
		}
		return longInfo(rng)
	}
	var ret Info
	if a.Type&(MayBeUndef|MayBeNull) != 0 {
		if inc {
			ret = join(ret, longInfo(one))
		} else {
			ret.Type |= MayBeNull
		}
	}
	if a.Type&MayBeLong != 0 {
		ret = join(ret, Info{Type: MayBeNumber, Range: fullRange})
	}
	if a.Type&MayBeDouble != 0 {
		ret.Type |= MayBeDouble
	}
	if a.Type&MayBeString != 0 {
		ret = join(ret, Info{Type: MayBeNumber | MayBeString, Range: fullRange})
	}
	ret.Type |= a.Type & MayBeBool
	return ret
}

// Long bounds a variable is known to lie in, for the code generator: math.MinInt64 and math.MaxInt64 stand
// for unknown bounds.
func (r *Result) Long(v int) (min, max int64) {
	if v < 0 || r.Vars[v].Type&MayBeLong == 0 {
		return math.MinInt64, math.MaxInt64
	}
	return r.Vars[v].Range.Min, r.Vars[v].Range.Max
}
