package ssa

import (
	"fmt"

	"github.com/bytejit/bytejit/internal/bytecode"
	"github.com/bytejit/bytejit/internal/jitapi"
)

// BuildOptions configures Build.
type BuildOptions struct {
	// Phis is the pool the Phi and Pi nodes are allocated from. A fresh unbounded pool is used if nil.
	Phis *jitapi.Pool[Phi]
}

type builder struct {
	f   *Func
	c   *CFG
	dfg *DFG
	// gen is the DFG's Gen propagated into merge points.
	gen []jitapi.Bitset
}

// Build constructs the e-SSA form of fn over the given CFG. Dominators and loops are computed first if needed.
func Build(fn *bytecode.Function, c *CFG, opts BuildOptions) (*Func, error) {
	if c.Fn != fn {
		return nil, fmt.Errorf("%w: CFG of %s used for %s", jitapi.ErrInvariant, c.Fn.Name, fn.Name)
	}
	if !c.domsComputed {
		c.ComputeDominators()
	}
	if !c.loopsFound {
		c.IdentifyLoops()
	}
	if len(c.Blocks[c.RPO[0]].Preds) > 0 {
		// The entry edge has no block to merge on.
		return nil, fmt.Errorf("%w: %s jumps to its first instruction", jitapi.ErrUnsupported, fn.Name)
	}
	phis := opts.Phis
	if phis == nil {
		p := jitapi.NewPool[Phi](0)
		phis = &p
	}

	b := &builder{
		f: &Func{Fn: fn, CFG: c, BlockPhis: make([][]int, len(c.Blocks)), phis: phis},
		c: c,
	}
	b.dfg = ComputeDFG(c)
	b.f.DFG = b.dfg

	entryIn := b.dfg.In[c.RPO[0]]
	for v := fn.NumVars; v < fn.NumSlots(); v++ {
		if entryIn.Has(v) {
			return nil, fmt.Errorf("%w: %s: temporary %s may be read before it is written",
				jitapi.ErrUnsupported, fn.Name, fn.VarName(v))
		}
	}

	b.propagateGen()
	if err := b.placePhis(); err != nil {
		return nil, err
	}
	if err := b.placePis(); err != nil {
		return nil, err
	}
	if err := b.placePhisAfterPis(); err != nil {
		return nil, err
	}
	if err := b.rename(); err != nil {
		return nil, err
	}
	b.collectUses()
	if jitapi.SSAValidationEnabled {
		if err := b.f.Verify(); err != nil {
			return nil, err
		}
	}
	return b.f, nil
}

// propagateGen extends Gen of every merge point with the variables written on the paths from its immediate
// dominator that are live into it. This stands in for dominance frontiers.
func (b *builder) propagateGen() {
	blocks := b.c.Blocks
	b.gen = make([]jitapi.Bitset, len(blocks))
	for i := range blocks {
		b.gen[i] = b.dfg.Gen[i].Clone()
	}
	tmp := jitapi.NewBitset(b.dfg.Vars)
	for changed := true; changed; {
		changed = false
		for j := range blocks {
			if !blocks[j].Reachable() || (len(blocks[j].Preds) <= 1 && j != b.c.RPO[0]) {
				continue
			}
			tmp.Copy(b.gen[j])
			b.unionFromIdomChains(tmp, j)
			if !tmp.Equal(b.gen[j]) {
				b.gen[j].Copy(tmp)
				changed = true
			}
		}
	}
}

// unionFromIdomChains adds gen(i) & in(j) to tmp for every block i on the dominator chains between the
// predecessors of j and the immediate dominator of j.
func (b *builder) unionFromIdomChains(tmp jitapi.Bitset, j int) {
	blocks := b.c.Blocks
	in := b.dfg.In[j]
	for _, i := range blocks[j].Preds {
		for i != blocks[j].Idom && i >= 0 {
			gen := b.gen[i]
			for w := range tmp {
				tmp[w] |= gen[w] & in[w]
			}
			i = blocks[i].Idom
		}
	}
}

func (b *builder) placePhis() error {
	blocks := b.c.Blocks
	tmp := jitapi.NewBitset(b.dfg.Vars)
	for j := range blocks {
		if !blocks[j].Reachable() || len(blocks[j].Preds) <= 1 {
			continue
		}
		tmp.Reset()
		if blocks[j].Flags&BlockIrreducible != 0 {
			// No value flows into an irreducible loop without an explicit Phi. The register allocator
			// relies on this.
			tmp.Copy(b.dfg.In[j])
		} else {
			b.unionFromIdomChains(tmp, j)
		}
		for _, v := range tmp.Elems() {
			id, _, err := b.f.newPhi(j, v, -1, len(blocks[j].Preds))
			if err != nil {
				return err
			}
			b.f.BlockPhis[j] = append(b.f.BlockPhis[j], id)
		}
	}
	return nil
}

// placePhisAfterPis adds the Phis needed because a Pi introduced a new version of a variable on the way to a
// merge point.
func (b *builder) placePhisAfterPis() error {
	blocks := b.c.Blocks
	tmp := jitapi.NewBitset(b.dfg.Vars)
	for j := range blocks {
		if !blocks[j].Reachable() || len(blocks[j].Preds) <= 1 {
			continue
		}
		tmp.Reset()
		if blocks[j].Flags&BlockIrreducible != 0 {
			tmp.Copy(b.dfg.In[j])
		} else {
			in := b.dfg.In[j]
			for _, i := range blocks[j].Preds {
				for i != blocks[j].Idom && i >= 0 {
					for _, id := range b.f.BlockPhis[i] {
						p := b.f.Phi(id)
						if p.IsPi() {
							if in.Has(p.Var) && !b.gen[i].Has(p.Var) {
								tmp.Set(p.Var)
							}
						} else {
							tmp.Clear(p.Var)
						}
					}
					i = blocks[i].Idom
				}
			}
		}
		for _, v := range tmp.Elems() {
			if b.hasPhi(j, v) {
				continue
			}
			id, _, err := b.f.newPhi(j, v, -1, len(blocks[j].Preds))
			if err != nil {
				return err
			}
			b.f.BlockPhis[j] = append(b.f.BlockPhis[j], id)
		}
	}
	return nil
}

// hasPhi returns true if blk has a Phi, not a Pi, for the variable v.
func (b *builder) hasPhi(blk, v int) bool {
	for _, id := range b.f.BlockPhis[blk] {
		if p := b.f.Phi(id); !p.IsPi() && p.Var == v {
			return true
		}
	}
	return false
}

type renameFrame struct {
	blk  int
	vars []int
}

// rename walks the dominator tree in pre-order, numbering every definition and recording the reaching
// version at every use. The variable vector is copied only for blocks with more than one child.
func (b *builder) rename() error {
	fn := b.f.Fn
	b.f.Ops = make([]Op, len(fn.Code))
	for i := range b.f.Ops {
		b.f.Ops[i] = Op{Op1Use: -1, Op2Use: -1, Op1Def: -1, ResultDef: -1}
	}
	vars := make([]int, fn.NumSlots())
	for v := range vars {
		vars[v] = -1
	}
	// Uninitialized CVs get the ids 0..NumVars-1.
	b.f.Vars = make([]Var, 0, fn.NumSlots()*2)
	for v := 0; v < fn.NumVars; v++ {
		vars[v] = b.f.newVar(v, -1, -1)
	}

	stack := []renameFrame{{blk: b.c.RPO[0], vars: vars}}
	for len(stack) > 0 {
		tail := len(stack) - 1
		fr := stack[tail]
		stack = stack[:tail]
		if err := b.renameBlock(fr.blk, fr.vars); err != nil {
			return err
		}
		children := b.c.Blocks[fr.blk].Children
		for i := len(children) - 1; i >= 0; i-- {
			v := fr.vars
			if i < len(children)-1 {
				v = append([]int(nil), fr.vars...)
			}
			stack = append(stack, renameFrame{blk: children[i], vars: v})
		}
	}
	return nil
}

func (b *builder) renameBlock(n int, vars []int) error {
	f := b.f
	for _, id := range f.BlockPhis[n] {
		p := f.Phi(id)
		if p.SSAVar < 0 {
			p.SSAVar = f.newVar(p.Var, -1, id)
		}
		vars[p.Var] = p.SSAVar
	}

	blk := &b.c.Blocks[n]
	code := f.Fn.Code
	use := func(pc int, o bytecode.Operand) (int, error) {
		v := vars[o.Num]
		if v < 0 {
			return -1, fmt.Errorf("%w: %s@%d: %s has no reaching definition",
				jitapi.ErrInvariant, f.Fn.Name, pc, f.Fn.VarName(o.Num))
		}
		return v, nil
	}
	for pc := blk.Start; pc <= blk.End; pc++ {
		inst := &code[pc]
		op := &f.Ops[pc]
		var err error
		if inst.Op1.IsVar() && inst.Opcode.ReadsOp1() {
			if op.Op1Use, err = use(pc, inst.Op1); err != nil {
				return err
			}
		}
		if inst.Op2.IsVar() {
			if op.Op2Use, err = use(pc, inst.Op2); err != nil {
				return err
			}
		}
		if inst.Op1.IsVar() && inst.Opcode.DefinesOp1() {
			op.Op1Def = f.newVar(inst.Op1.Num, pc, -1)
			vars[inst.Op1.Num] = op.Op1Def
		}
		if inst.Result.IsVar() {
			op.ResultDef = f.newVar(inst.Result.Num, pc, -1)
			vars[inst.Result.Num] = op.ResultDef
		}
	}

	for _, succ := range blk.Succs {
		succPhis := f.BlockPhis[succ]
		predIndex := b.c.Blocks[succ].PredIndex(n)
		for _, id := range succPhis {
			p := f.Phi(id)
			switch {
			case p.Pi == n:
				c := &p.Constraint
				if c.MinVar >= 0 {
					c.MinSSAVar = vars[c.MinVar]
				}
				if c.MaxVar >= 0 {
					c.MaxSSAVar = vars[c.MaxVar]
				}
				p.Sources[0] = vars[p.Var]
				if p.SSAVar < 0 {
					p.SSAVar = f.newVar(p.Var, -1, id)
				}
			case !p.IsPi():
				p.Sources[predIndex] = vars[p.Var]
			}
		}
		// A Pi on this edge replaces the incoming version for the Phi of the same variable.
		for i, id := range succPhis {
			p := f.Phi(id)
			if !p.IsPi() {
				break
			}
			if p.Pi != n {
				continue
			}
			for _, qid := range succPhis[i+1:] {
				if q := f.Phi(qid); !q.IsPi() && q.Var == p.Var {
					q.Sources[predIndex] = p.SSAVar
				}
			}
		}
	}
	return nil
}

func (b *builder) collectUses() {
	f := b.f
	for pc := range f.Ops {
		op := &f.Ops[pc]
		if op.Op1Use >= 0 {
			f.Vars[op.Op1Use].Uses = append(f.Vars[op.Op1Use].Uses, pc)
		}
		if op.Op2Use >= 0 && op.Op2Use != op.Op1Use {
			f.Vars[op.Op2Use].Uses = append(f.Vars[op.Op2Use].Uses, pc)
		}
	}
	for _, id := range f.phiIDs {
		p := f.Phi(id)
		for i, s := range p.Sources {
			if s < 0 || containsInt(p.Sources[:i], s) {
				continue
			}
			f.Vars[s].PhiUses = append(f.Vars[s].PhiUses, id)
		}
	}
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
