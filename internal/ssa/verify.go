package ssa

import (
	"fmt"

	"github.com/bytejit/bytejit/internal/jitapi"
)

// Verify checks that every SSA variable has exactly one definition and that every definition dominates its
// uses. For a Phi source the definition must dominate the corresponding predecessor instead.
func (f *Func) Verify() error {
	defs := make([]int, len(f.Vars))
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s: %s", jitapi.ErrInvariant, f.Fn.Name, fmt.Sprintf(format, args...))
	}

	for pc := range f.Ops {
		if !f.CFG.Blocks[f.CFG.BlockOf[pc]].Reachable() {
			continue
		}
		op := &f.Ops[pc]
		for _, d := range [...]int{op.Op1Def, op.ResultDef} {
			if d < 0 {
				continue
			}
			if f.Vars[d].Definition != pc {
				return fail("#%d defined at %d but recorded at %d", d, pc, f.Vars[d].Definition)
			}
			defs[d]++
		}
	}
	for _, id := range f.phiIDs {
		p := f.Phi(id)
		if p.SSAVar < 0 {
			return fail("node %d in BB%d has no SSA variable", id, p.Block)
		}
		if f.Vars[p.SSAVar].DefinitionPhi != id {
			return fail("#%d defined by node %d but recorded for %d", p.SSAVar, id, f.Vars[p.SSAVar].DefinitionPhi)
		}
		defs[p.SSAVar]++
	}
	for v := range f.Vars {
		want := 1
		if v < f.Fn.NumVars {
			want = 0
		}
		if defs[v] != want {
			return fail("#%d has %d definitions", v, defs[v])
		}
	}

	dominatesUse := func(v, blk, pc int) bool {
		defBlk := f.DefBlock(v)
		if defBlk != blk {
			return f.CFG.Dominates(defBlk, blk)
		}
		// Same block: Phi and entry definitions come first.
		d := f.Vars[v].Definition
		return d < 0 || d < pc
	}
	for pc := range f.Ops {
		blk := f.CFG.BlockOf[pc]
		if !f.CFG.Blocks[blk].Reachable() {
			continue
		}
		op := &f.Ops[pc]
		for _, u := range [...]int{op.Op1Use, op.Op2Use} {
			if u >= 0 && !dominatesUse(u, blk, pc) {
				return fail("#%d used at %d is not dominated by its definition", u, pc)
			}
		}
	}
	for _, id := range f.phiIDs {
		p := f.Phi(id)
		if p.IsPi() {
			if len(p.Sources) != 1 || p.Sources[0] < 0 {
				return fail("Pi %d in BB%d must have exactly one source", id, p.Block)
			}
			if !f.CFG.Dominates(f.DefBlock(p.Sources[0]), p.Pi) {
				return fail("Pi %d source #%d does not dominate BB%d", id, p.Sources[0], p.Pi)
			}
			continue
		}
		preds := f.CFG.Blocks[p.Block].Preds
		if len(p.Sources) != len(preds) {
			return fail("Phi %d in BB%d has %d sources for %d predecessors", id, p.Block, len(p.Sources), len(preds))
		}
		for i, s := range p.Sources {
			if s < 0 {
				return fail("Phi %d in BB%d has no source for BB%d", id, p.Block, preds[i])
			}
			if def := f.Vars[s].DefinitionPhi; def >= 0 {
				if q := f.Phi(def); q.IsPi() && q.Block == p.Block && q.Pi == preds[i] {
					// The Pi of this very edge.
					continue
				}
			}
			if !f.CFG.Dominates(f.DefBlock(s), preds[i]) {
				return fail("Phi %d in BB%d source #%d does not dominate BB%d", id, p.Block, s, preds[i])
			}
		}
	}
	return nil
}
