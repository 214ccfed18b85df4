package regalloc

import (
	"fmt"
	"sort"

	"github.com/bytejit/bytejit/internal/bytecode"
	"github.com/bytejit/bytejit/internal/infer"
	"github.com/bytejit/bytejit/internal/jitapi"
	"github.com/bytejit/bytejit/internal/ssa"
)

// Candidates returns the SSA variables that may live in a register: variables always holding a long, except
// Pi nodes of blocks with several predecessors, which only exist on one incoming edge. ModeLocal further
// restricts them to variables defined and used in a single block without any Phi involvement.
func Candidates(f *ssa.Func, res *infer.Result, mode Mode) jitapi.Bitset {
	ret := jitapi.NewBitset(len(f.Vars))
	if mode == ModeNone {
		return ret
	}
	for v := range f.Vars {
		sv := &f.Vars[v]
		if sv.DefinedOnEntry() || !res.IsLong(v) {
			continue
		}
		if sv.DefinitionPhi >= 0 {
			p := f.Phi(sv.DefinitionPhi)
			if p.IsPi() && len(f.CFG.Blocks[p.Block].Preds) > 1 {
				continue
			}
		}
		if mode == ModeLocal && !isBlockLocal(f, v) {
			continue
		}
		ret.Set(v)
	}
	return ret
}

func isBlockLocal(f *ssa.Func, v int) bool {
	sv := &f.Vars[v]
	if sv.DefinitionPhi >= 0 || len(sv.PhiUses) > 0 {
		return false
	}
	b := f.CFG.BlockOf[sv.Definition]
	for _, use := range sv.Uses {
		if f.CFG.BlockOf[use] != b {
			return false
		}
	}
	return true
}

// Options tunes interval construction and allocation.
type Options struct {
	Mode Mode
	// Scratch returns the registers the code of the instruction at pc clobbers. Nil means none.
	Scratch func(pc int) RegSet
	// Intervals is the scratch pool intervals are allocated from. Nil means a fresh unbounded pool.
	Intervals *jitapi.Pool[Interval]
}

// ComputeIntervals builds the lifetime interval of every candidate, indexed by SSA variable.
//
// Liveness is solved exactly on the SSA form first. Intervals are then built block by block backwards, every
// value live into a loop header is extended over the whole loop body, and in ModeGlobal hints chain together
// the intervals of Phi nodes, their sources and simple copies.
func ComputeIntervals(f *ssa.Func, res *infer.Result, candidates jitapi.Bitset, opts Options) ([]*Interval, error) {
	pool := opts.Intervals
	if pool == nil {
		p := jitapi.NewPool[Interval](0)
		pool = &p
	}
	c := f.CFG
	intervals := make([]*Interval, len(f.Vars))
	get := func(v int) (*Interval, error) {
		if ival := intervals[v]; ival != nil {
			return ival, nil
		}
		_, ival, err := pool.Allocate()
		if err != nil {
			return nil, fmt.Errorf("interval of %s: %w", f.FormatVar(v), err)
		}
		*ival = Interval{SSAVar: v, Hint: -1, usedAsHint: -1}
		intervals[v] = ival
		return ival, nil
	}
	noValue := func(v int) bool { return res.Vars[v].Type == 0 }

	liveIn, liveOut := liveness(f, candidates, noValue)

	order := c.DomPreorder()
	for l := len(order) - 1; l >= 0; l-- {
		b := order[l]
		blk := &c.Blocks[b]
		var err error
		liveOut[b].ForEach(func(v int) {
			if err != nil {
				return
			}
			var ival *Interval
			if ival, err = get(v); err == nil {
				ival.addRange(blk.Start, blk.End)
			}
		})
		if err != nil {
			return nil, err
		}
		for pc := blk.End; pc >= blk.Start; pc-- {
			op := &f.Ops[pc]
			for _, def := range [2]int{op.Op1Def, op.ResultDef} {
				if def < 0 || !candidates.Has(def) {
					continue
				}
				ival, err := get(def)
				if err != nil {
					return nil, err
				}
				ival.beginRange(blk.Start, pc)
			}
			for _, use := range [2]int{op.Op1Use, op.Op2Use} {
				if use < 0 || !candidates.Has(use) {
					continue
				}
				ival, err := get(use)
				if err != nil {
					return nil, err
				}
				ival.addRange(blk.Start, pc)
			}
		}
		for _, id := range f.BlockPhis[b] {
			p := f.Phi(id)
			if p.SSAVar < 0 || !candidates.Has(p.SSAVar) {
				continue
			}
			ival, err := get(p.SSAVar)
			if err != nil {
				return nil, err
			}
			ival.beginRange(blk.Start, blk.Start)
		}
	}

	// Values live into a loop header stay live for the whole loop.
	for h := len(c.Blocks) - 1; h >= 0; h-- {
		blk := &c.Blocks[h]
		if blk.Flags&ssa.BlockLoopHeader == 0 || !blk.Reachable() || liveIn[h].Empty() {
			continue
		}
		body := loopBody(c, h)
		for _, r := range body {
			liveIn[h].ForEach(func(v int) {
				intervals[v].addRange(r.Start, r.End)
			})
		}
	}

	if opts.Mode >= ModeGlobal {
		addHints(f, intervals)
	}
	for _, ival := range intervals {
		if ival != nil && ival.Hint >= 0 {
			intervals[ival.Hint].usedAsHint = ival.SSAVar
		}
	}
	return intervals, nil
}

// liveness solves live-in and live-out sets of candidates per block. A Phi source is live out of its
// predecessor only, and a Pi of the edge replaces the Phi source of the same variable with its own source.
func liveness(f *ssa.Func, candidates jitapi.Bitset, noValue func(v int) bool) (liveIn, liveOut []jitapi.Bitset) {
	c := f.CFG
	n := len(c.Blocks)
	liveIn, liveOut = make([]jitapi.Bitset, n), make([]jitapi.Bitset, n)
	uses, defs := make([]jitapi.Bitset, n), make([]jitapi.Bitset, n)
	for b := range c.Blocks {
		liveIn[b], liveOut[b] = jitapi.NewBitset(len(f.Vars)), jitapi.NewBitset(len(f.Vars))
		uses[b], defs[b] = jitapi.NewBitset(len(f.Vars)), jitapi.NewBitset(len(f.Vars))
	}
	for _, b := range c.RPO {
		blk := &c.Blocks[b]
		for _, id := range f.BlockPhis[b] {
			if p := f.Phi(id); p.SSAVar >= 0 {
				defs[b].Set(p.SSAVar)
			}
		}
		for pc := blk.Start; pc <= blk.End; pc++ {
			op := &f.Ops[pc]
			for _, use := range [2]int{op.Op1Use, op.Op2Use} {
				if use >= 0 && candidates.Has(use) && !defs[b].Has(use) {
					uses[b].Set(use)
				}
			}
			for _, def := range [2]int{op.Op1Def, op.ResultDef} {
				if def >= 0 {
					defs[b].Set(def)
				}
			}
		}
	}

	edgeInputs := func(pred, succ int, out jitapi.Bitset) {
		var piVars []int
		for _, id := range f.BlockPhis[succ] {
			p := f.Phi(id)
			if p.SSAVar < 0 || noValue(p.SSAVar) {
				continue
			}
			if p.IsPi() {
				if p.Pi == pred && p.Sources[0] >= 0 {
					if candidates.Has(p.Sources[0]) {
						out.Set(p.Sources[0])
					}
					piVars = append(piVars, p.Var)
				}
				continue
			}
			if containsInt(piVars, p.Var) {
				continue
			}
			k := c.Blocks[succ].PredIndex(pred)
			if src := p.Sources[k]; src >= 0 && candidates.Has(src) {
				out.Set(src)
			}
		}
	}

	post := make([]int, len(c.RPO))
	for i, b := range c.RPO {
		post[len(post)-1-i] = b
	}
	tmp := jitapi.NewBitset(len(f.Vars))
	for changed := true; changed; {
		changed = false
		for _, b := range post {
			out := liveOut[b]
			for _, s := range c.Blocks[b].Succs {
				out.Union(liveIn[s])
				edgeInputs(b, s, out)
			}
			tmp.UnionWithDifference(uses[b], out, defs[b])
			if !tmp.Equal(liveIn[b]) {
				liveIn[b].Copy(tmp)
				changed = true
			}
		}
	}
	return liveIn, liveOut
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// loopBody returns the instruction ranges of the blocks of the loop headed by h, found by walking the
// dominator tree from h through the blocks belonging to the loop.
func loopBody(c *ssa.CFG, h int) []LiveRange {
	var blocks []int
	stack := []int{h}
	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		blocks = append(blocks, b)
		for _, child := range c.Blocks[b].Children {
			if c.InLoop(child, h) {
				stack = append(stack, child)
			}
		}
	}
	sort.Ints(blocks)
	var ret []LiveRange
	for _, b := range blocks {
		blk := &c.Blocks[b]
		if n := len(ret); n > 0 && ret[n-1].End+1 == blk.Start {
			ret[n-1].End = blk.End
		} else {
			ret = append(ret, LiveRange{Start: blk.Start, End: blk.End})
		}
	}
	return ret
}

// addHint chains dst and src so that the later starting one prefers the register of the earlier one,
// following existing hints to keep the chain ordered by start position.
func addHint(intervals []*Interval, dst, src int) {
	if intervals[dst].Start() < intervals[src].Start() {
		dst, src = src, dst
	}
	for dst != src {
		h := intervals[dst].Hint
		if h < 0 {
			intervals[dst].Hint = src
			return
		}
		if intervals[h].Start() < intervals[src].Start() {
			dst, src = src, h
		} else {
			dst = h
		}
	}
}

// phiSource returns the source of p from predecessor k, looking through a Pi of the same block.
func phiSource(f *ssa.Func, p *ssa.Phi, k int) int {
	src := p.Sources[k]
	if src < 0 {
		return src
	}
	if dp := f.Vars[src].DefinitionPhi; dp >= 0 {
		if q := f.Phi(dp); q.IsPi() && q.Block == p.Block {
			return q.Sources[0]
		}
	}
	return src
}

func addHints(f *ssa.Func, intervals []*Interval) {
	has := func(v int) bool { return v >= 0 && intervals[v] != nil }
	for v, ival := range intervals {
		if ival == nil || f.Vars[v].DefinitionPhi < 0 {
			continue
		}
		p := f.Phi(f.Vars[v].DefinitionPhi)
		if p.IsPi() {
			if has(p.Sources[0]) {
				addHint(intervals, v, p.Sources[0])
			}
			continue
		}
		for k := range p.Sources {
			if src := phiSource(f, p, k); has(src) {
				addHint(intervals, v, src)
			}
		}
	}

	for v, ival := range intervals {
		if ival == nil || ival.Hint >= 0 || f.Vars[v].Definition < 0 {
			continue
		}
		pc := f.Vars[v].Definition
		op := &f.Ops[pc]
		switch f.Fn.Code[pc].Opcode {
		case bytecode.OpcodeQMAssign, bytecode.OpcodePostInc, bytecode.OpcodePostDec:
			if has(op.Op1Use) && (v == op.Op1Def || (v == op.ResultDef && !has(op.Op1Def))) {
				addHint(intervals, v, op.Op1Use)
			}
		case bytecode.OpcodePreInc, bytecode.OpcodePreDec,
			bytecode.OpcodeAssignAdd, bytecode.OpcodeAssignSub, bytecode.OpcodeAssignMul:
			if v == op.Op1Def && has(op.Op1Use) {
				addHint(intervals, v, op.Op1Use)
			}
		case bytecode.OpcodeAssign:
			if has(op.Op2Use) && (v == op.Op1Def || (v == op.ResultDef && !has(op.Op1Def))) {
				addHint(intervals, v, op.Op2Use)
			}
		}
	}
}
