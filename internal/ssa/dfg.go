package ssa

import "github.com/bytejit/bytejit/internal/jitapi"

// DFG holds the per-block liveness sets of the frame variables.
//
// Def holds variables written before any read in the block, Use those read before any write, Gen every
// variable written in the block. In and Out are the live-in and live-out sets.
type DFG struct {
	Vars                   int
	Def, Use, Gen, In, Out []jitapi.Bitset
}

// ComputeDFG computes the liveness of frame variables over the reachable blocks.
func ComputeDFG(c *CFG) *DFG {
	n := len(c.Blocks)
	vars := c.Fn.NumSlots()
	d := &DFG{Vars: vars}
	d.Def = newBitsets(n, vars)
	d.Use = newBitsets(n, vars)
	d.Gen = newBitsets(n, vars)
	d.In = newBitsets(n, vars)
	d.Out = newBitsets(n, vars)

	for b := range c.Blocks {
		blk := &c.Blocks[b]
		if !blk.Reachable() {
			continue
		}
		def, use, gen := d.Def[b], d.Use[b], d.Gen[b]
		read := func(v int) {
			if !def.Has(v) {
				use.Set(v)
			}
		}
		write := func(v int) {
			if !use.Has(v) {
				def.Set(v)
			}
			gen.Set(v)
		}
		for pc := blk.Start; pc <= blk.End; pc++ {
			inst := &c.Fn.Code[pc]
			if inst.Op1.IsVar() && inst.Opcode.ReadsOp1() {
				read(inst.Op1.Num)
			}
			if inst.Op2.IsVar() {
				read(inst.Op2.Num)
			}
			if inst.Op1.IsVar() && inst.Opcode.DefinesOp1() {
				write(inst.Op1.Num)
			}
			if inst.Result.IsVar() {
				write(inst.Result.Num)
			}
		}
	}

	// Backward iteration in post order converges fastest.
	changed := true
	tmp := jitapi.NewBitset(vars)
	for changed {
		changed = false
		for i := len(c.RPO) - 1; i >= 0; i-- {
			b := c.RPO[i]
			out := d.Out[b]
			out.Reset()
			for _, s := range c.Blocks[b].Succs {
				out.Union(d.In[s])
			}
			tmp.UnionWithDifference(d.Use[b], out, d.Def[b])
			if !tmp.Equal(d.In[b]) {
				d.In[b].Copy(tmp)
				changed = true
			}
		}
	}
	return d
}

func newBitsets(n, bits int) []jitapi.Bitset {
	ret := make([]jitapi.Bitset, n)
	for i := range ret {
		ret[i] = jitapi.NewBitset(bits)
	}
	return ret
}
