package ssa

import (
	"math"

	"github.com/bytejit/bytejit/api"
	"github.com/bytejit/bytejit/internal/bytecode"
)

// placePis adds Pi nodes on the two edges of every conditional branch whose condition is a comparison of
// variables or an increment, so that inference can narrow the ranges of the variables on each edge.
func (b *builder) placePis() error {
	code := b.f.Fn.Code
	for j := range b.c.Blocks {
		blk := &b.c.Blocks[j]
		if !blk.Reachable() || len(blk.Succs) != 2 || blk.Start == blk.End {
			continue
		}
		last := &code[blk.End]
		var bt, bf int
		switch last.Opcode {
		case bytecode.OpcodeJmpz, bytecode.OpcodeJmpznz:
			bf, bt = blk.Succs[0], blk.Succs[1]
		case bytecode.OpcodeJmpnz:
			bt, bf = blk.Succs[0], blk.Succs[1]
		default:
			continue
		}
		prevPC := blk.End - 1
		prev := &code[prevPC]
		if last.Op1.Kind != bytecode.OperandTmpVar || prev.Result != last.Op1 {
			continue
		}

		var err error
		switch prev.Opcode {
		case bytecode.OpcodeIsEqual, bytecode.OpcodeIsNotEqual, bytecode.OpcodeIsSmaller, bytecode.OpcodeIsSmallerOrEqual:
			err = b.placeComparePis(j, bt, bf, prevPC)
		case bytecode.OpcodePostInc, bytecode.OpcodePostDec:
			if prev.Op1.Kind != bytecode.OperandCV {
				continue
			}
			// The branch tests the old value, the Pi constrains the new one.
			v, d := prev.Op1.Num, int64(1)
			if prev.Opcode == bytecode.OpcodePostDec {
				d = -1
			}
			if err = b.addPi(j, bf, v, -1, -1, Range{Min: d, Max: d}, false); err == nil {
				err = b.addPi(j, bt, v, -1, -1, Range{Min: d, Max: d}, true)
			}
		case bytecode.OpcodePreInc, bytecode.OpcodePreDec:
			if prev.Op1.Kind != bytecode.OperandCV {
				continue
			}
			v := prev.Op1.Num
			if err = b.addPi(j, bf, v, -1, -1, Range{}, false); err == nil {
				// Speculative: a non zero long.
				err = b.addPi(j, bt, v, -1, -1, Range{}, true)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// placeComparePis handles "var1 + a <op> var2 + b" where either side may also be a long constant.
//
// val2 accumulates what must be added to the right hand side to compare var1 alone, and val1 the same for
// var2. Constraints on var1 are then relative to var2 plus val2, and those on var2 relative to var1 plus val1.
func (b *builder) placeComparePis(j, bt, bf, cmpPC int) error {
	fn := b.f.Fn
	cmp := &fn.Code[cmpPC]
	var1, var2 := -1, -1
	var val1, val2 int64
	ok := true

	switch cmp.Op1.Kind {
	case bytecode.OperandCV:
		var1 = cmp.Op1.Num
	case bytecode.OperandTmpVar:
		var adj int64
		if var1, adj = b.traceTmp(j, cmpPC, cmp.Op1); var1 >= 0 {
			val2, ok = addInt64(val2, adj)
		}
	}
	switch cmp.Op2.Kind {
	case bytecode.OperandCV:
		var2 = cmp.Op2.Num
	case bytecode.OperandTmpVar:
		var adj int64
		if var2, adj = b.traceTmp(j, cmpPC, cmp.Op2); var2 >= 0 && ok {
			val1, ok = addInt64(val1, adj)
		}
	}
	if !ok {
		return nil
	}

	switch {
	case var1 >= 0 && var2 >= 0:
		if var1 == var2 {
			return nil
		}
		old := val1
		if val1, ok = subInt64(val1, val2); !ok {
			return nil
		}
		if val2, ok = subInt64(val2, old); !ok {
			return nil
		}
	case var1 >= 0:
		c, isLong := b.longLiteral(cmp.Op2)
		if !isLong {
			return nil
		}
		if val2, ok = addInt64(val2, c); !ok {
			return nil
		}
	case var2 >= 0:
		c, isLong := b.longLiteral(cmp.Op1)
		if !isLong {
			return nil
		}
		if val1, ok = addInt64(val1, c); !ok {
			return nil
		}
	default:
		return nil
	}

	type pi struct {
		to, v, minVar, maxVar int
		r                     Range
		negative              bool
	}
	var pis []pi
	if var1 >= 0 {
		switch cmp.Opcode {
		case bytecode.OpcodeIsEqual:
			pis = append(pis,
				pi{bt, var1, var2, var2, Range{Min: val2, Max: val2}, false},
				pi{bf, var1, var2, var2, Range{Min: val2, Max: val2}, true})
		case bytecode.OpcodeIsNotEqual:
			pis = append(pis,
				pi{bf, var1, var2, var2, Range{Min: val2, Max: val2}, false},
				pi{bt, var1, var2, var2, Range{Min: val2, Max: val2}, true})
		case bytecode.OpcodeIsSmaller:
			if val2 > math.MinInt64 {
				pis = append(pis, pi{bt, var1, -1, var2, Range{Min: math.MinInt64, Max: val2 - 1, Underflow: true}, false})
			}
			pis = append(pis, pi{bf, var1, var2, -1, Range{Min: val2, Max: math.MaxInt64, Overflow: true}, false})
		case bytecode.OpcodeIsSmallerOrEqual:
			pis = append(pis, pi{bt, var1, -1, var2, Range{Min: math.MinInt64, Max: val2, Underflow: true}, false})
			if val2 < math.MaxInt64 {
				pis = append(pis, pi{bf, var1, var2, -1, Range{Min: val2 + 1, Max: math.MaxInt64, Overflow: true}, false})
			}
		}
	}
	if var2 >= 0 {
		switch cmp.Opcode {
		case bytecode.OpcodeIsEqual:
			pis = append(pis,
				pi{bt, var2, var1, var1, Range{Min: val1, Max: val1}, false},
				pi{bf, var2, var1, var1, Range{Min: val1, Max: val1}, true})
		case bytecode.OpcodeIsNotEqual:
			pis = append(pis,
				pi{bf, var2, var1, var1, Range{Min: val1, Max: val1}, false},
				pi{bt, var2, var1, var1, Range{Min: val1, Max: val1}, true})
		case bytecode.OpcodeIsSmaller:
			if val1 < math.MaxInt64 {
				pis = append(pis, pi{bt, var2, var1, -1, Range{Min: val1 + 1, Max: math.MaxInt64, Overflow: true}, false})
			}
			pis = append(pis, pi{bf, var2, -1, var1, Range{Min: math.MinInt64, Max: val1, Underflow: true}, false})
		case bytecode.OpcodeIsSmallerOrEqual:
			pis = append(pis, pi{bt, var2, var1, -1, Range{Min: val1, Max: math.MaxInt64, Overflow: true}, false})
			if val1 > math.MinInt64 {
				pis = append(pis, pi{bf, var2, -1, var1, Range{Min: math.MinInt64, Max: val1 - 1, Underflow: true}, false})
			}
		}
	}
	for _, p := range pis {
		if err := b.addPi(j, p.to, p.v, p.minVar, p.maxVar, p.r, p.negative); err != nil {
			return err
		}
	}
	return nil
}

// traceTmp finds the instruction of block j, before cmpPC, that produced the temporary tmp as a CV plus a
// constant. It returns the CV and the amount to add to the other side of the comparison, or -1 if the
// temporary has another shape or the CV is overwritten before the branch.
func (b *builder) traceTmp(j, cmpPC int, tmp bytecode.Operand) (int, int64) {
	code := b.f.Fn.Code
	blk := &b.c.Blocks[j]
	for pc := cmpPC - 1; pc >= blk.Start; pc-- {
		op := &code[pc]
		if op.Result != tmp {
			continue
		}
		v, adj, ok := -1, int64(0), true
		switch op.Opcode {
		case bytecode.OpcodePostDec:
			if op.Op1.Kind == bytecode.OperandCV {
				v, adj = op.Op1.Num, -1
			}
		case bytecode.OpcodePostInc:
			if op.Op1.Kind == bytecode.OperandCV {
				v, adj = op.Op1.Num, 1
			}
		case bytecode.OpcodeAdd:
			if c, isLong := b.longLiteral(op.Op2); isLong && op.Op1.Kind == bytecode.OperandCV {
				v = op.Op1.Num
				adj, ok = subInt64(0, c)
			} else if c, isLong := b.longLiteral(op.Op1); isLong && op.Op2.Kind == bytecode.OperandCV {
				v = op.Op2.Num
				adj, ok = subInt64(0, c)
			}
		case bytecode.OpcodeSub:
			if c, isLong := b.longLiteral(op.Op2); isLong && op.Op1.Kind == bytecode.OperandCV {
				v, adj = op.Op1.Num, c
			}
		}
		if v < 0 || !ok {
			return -1, 0
		}
		for q := pc + 1; q <= blk.End; q++ {
			if writes(&code[q], v) {
				return -1, 0
			}
		}
		return v, adj
	}
	return -1, 0
}

// writes returns true if inst assigns the variable v.
func writes(inst *bytecode.Instruction, v int) bool {
	if inst.Opcode.DefinesOp1() && inst.Op1.IsVar() && inst.Op1.Num == v {
		return true
	}
	return inst.Result.IsVar() && inst.Result.Num == v
}

func (b *builder) longLiteral(o bytecode.Operand) (int64, bool) {
	if o.Kind != bytecode.OperandConst {
		return 0, false
	}
	lit := b.f.Fn.Literal(o)
	if lit.Kind() != api.ValueKindLong {
		return 0, false
	}
	return lit.AsLong(), true
}

// needsPi returns true if a Pi for v on the edge from->to would be used: the variable is live into a single
// predecessor block, or a Phi for it already merges at to.
func (b *builder) needsPi(from, to, v int) bool {
	if from == to || len(b.c.Blocks[to].Preds) != 1 {
		return b.hasPhi(to, v)
	}
	return b.dfg.In[to].Has(v)
}

func (b *builder) addPi(from, to, v, minVar, maxVar int, r Range, negative bool) error {
	if !b.needsPi(from, to, v) {
		return nil
	}
	id, p, err := b.f.newPhi(to, v, from, 1)
	if err != nil {
		return err
	}
	p.Constraint.MinVar = minVar
	p.Constraint.MaxVar = maxVar
	p.Constraint.Range = r
	p.Constraint.Negative = negative
	b.f.BlockPhis[to] = append([]int{id}, b.f.BlockPhis[to]...)
	return nil
}

func addInt64(a, b int64) (int64, bool) {
	c := a + b
	if (c > a) != (b > 0) {
		return c, false
	}
	return c, true
}

func subInt64(a, b int64) (int64, bool) {
	c := a - b
	if (c < a) != (b > 0) {
		return c, false
	}
	return c, true
}
