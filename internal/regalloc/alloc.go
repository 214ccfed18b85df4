package regalloc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bytejit/bytejit/internal/infer"
	"github.com/bytejit/bytejit/internal/jitapi"
	"github.com/bytejit/bytejit/internal/ssa"
)

// Allocation is the result of register allocation for one function.
type Allocation struct {
	Mode Mode
	Info *RegisterInfo
	// Fragments holds the fragments of every SSA variable that got a register, ordered by position. Variables
	// without fragments live in their slot.
	Fragments [][]*Interval

	f *ssa.Func
}

// Allocate computes lifetime intervals for f and assigns registers from info to them.
func Allocate(f *ssa.Func, res *infer.Result, info *RegisterInfo, opts Options) (*Allocation, error) {
	a := &Allocation{Mode: opts.Mode, Info: info, Fragments: make([][]*Interval, len(f.Vars)), f: f}
	if opts.Mode == ModeNone {
		return a, nil
	}
	if opts.Intervals == nil {
		p := jitapi.NewPool[Interval](0)
		opts.Intervals = &p
	}
	candidates := Candidates(f, res, opts.Mode)
	if candidates.Empty() {
		return a, nil
	}
	intervals, err := ComputeIntervals(f, res, candidates, opts)
	if err != nil {
		return nil, err
	}
	if jitapi.PrintIntervals {
		fmt.Printf("[[[intervals %s]]]\n%s\n", f.Fn.Name, formatIntervals(f, info, intervals))
	}

	s := newScanner(f, res, info, intervals, opts)
	if err := s.run(); err != nil {
		return nil, err
	}
	for _, ival := range s.handled {
		if ival.Reg != RealRegInvalid {
			a.Fragments[ival.SSAVar] = append(a.Fragments[ival.SSAVar], ival)
		}
	}
	for _, frags := range a.Fragments {
		sort.Slice(frags, func(i, j int) bool { return frags[i].Start() < frags[j].Start() })
	}

	if opts.Mode >= ModeGlobal {
		a.resolve(res)
		a.prune()
	}
	if jitapi.RegAllocValidationEnabled {
		if err := a.validate(); err != nil {
			return nil, err
		}
	}
	if jitapi.RegAllocLoggingEnabled {
		fmt.Printf("[[[allocation %s]]]\n%s\n", f.Fn.Name, a)
	}
	return a, nil
}

// Fragment returns the fragment of v covering pos, nil if v is in its slot there.
func (a *Allocation) Fragment(v, pos int) *Interval {
	for _, frag := range a.Fragments[v] {
		if frag.Covers(pos) {
			return frag
		}
	}
	return nil
}

// RegAt returns the register holding v at pos, RealRegInvalid if there is none.
func (a *Allocation) RegAt(v, pos int) RealReg {
	if frag := a.Fragment(v, pos); frag != nil {
		return frag.Reg
	}
	return RealRegInvalid
}

// First returns the fragment of v holding its definition, nil if v is defined into its slot.
func (a *Allocation) First(v int) *Interval {
	if frags := a.Fragments[v]; len(frags) > 0 && !frags[0].Split {
		return frags[0]
	}
	return nil
}

// IsSplit returns true if v lives in more than one fragment. Such a value is reloaded from its slot wherever
// control enters a block it is live in.
func (a *Allocation) IsSplit(v int) bool { return len(a.Fragments[v]) > 1 }

// Used returns every register assigned to some fragment.
func (a *Allocation) Used() RegSet {
	var ret RegSet
	for _, frags := range a.Fragments {
		for _, frag := range frags {
			ret = ret.add(frag.Reg)
		}
	}
	return ret
}

// resolve marks Phi and Pi nodes whose value does not arrive in their register on every incoming edge: those
// load from the slot at the start of their block, and every source writes through to the slot.
func (a *Allocation) resolve(res *infer.Result) {
	f := a.f
	storeSource := func(src int) {
		if first := a.First(src); first != nil {
			first.Store = true
		}
	}
	arrives := func(dst *Interval, src, pred int) bool {
		frag := a.Fragment(src, f.CFG.Blocks[pred].End)
		if dst == nil {
			return frag == nil
		}
		return frag != nil && frag.Reg == dst.Reg
	}

	for v := range f.Vars {
		sv := &f.Vars[v]
		if sv.DefinitionPhi < 0 || res.Vars[v].Type == 0 {
			continue
		}
		p := f.Phi(sv.DefinitionPhi)
		dst := a.First(v)
		if p.IsPi() {
			if usedByPhiInBlock(f, v, p.Block) {
				continue
			}
			if src := p.Sources[0]; !arrives(dst, src, p.Pi) {
				if dst != nil {
					dst.Load = true
				}
				storeSource(src)
			}
			continue
		}

		blk := &f.CFG.Blocks[p.Block]
		needMove := blk.Flags&ssa.BlockIrreducible != 0
		for k, pred := range blk.Preds {
			if src := phiSource(f, p, k); src >= 0 && !arrives(dst, src, pred) {
				needMove = true
			}
		}
		if !needMove {
			continue
		}
		if dst != nil {
			dst.Load = true
		}
		for k := range blk.Preds {
			if src := phiSource(f, p, k); src >= 0 {
				storeSource(src)
			}
		}
	}
}

func usedByPhiInBlock(f *ssa.Func, v, blk int) bool {
	for _, id := range f.Vars[v].PhiUses {
		if f.Phi(id).Block == blk {
			return true
		}
	}
	return false
}

// prune drops registers that cost more moves than they save: values only passed on to loaded Phi nodes, and
// values loaded and stored for a single use.
func (a *Allocation) prune() {
	f := a.f
	phiUsersLoad := func(v int) bool {
		for _, id := range f.Vars[v].PhiUses {
			if first := a.First(f.Phi(id).SSAVar); first != nil && !first.Load {
				return false
			}
		}
		return true
	}
	for v, frags := range a.Fragments {
		if len(frags) != 1 || frags[0].Split {
			continue
		}
		ival := frags[0]
		if (ival.Load || (ival.Store && f.Vars[v].Definition >= 0)) && len(f.Vars[v].Uses) == 0 && phiUsersLoad(v) {
			a.Fragments[v] = nil
		}
	}
	for v, frags := range a.Fragments {
		if len(frags) != 1 || frags[0].Split {
			continue
		}
		ival := frags[0]
		if ival.Load && ival.Store && len(f.Vars[v].Uses) <= 1 && phiUsersLoad(v) {
			a.Fragments[v] = nil
		}
	}
}

// validate checks that no two fragments sharing a register are live at the same position, except for an
// instruction writing its result into the register one of its operands dies in.
func (a *Allocation) validate() error {
	byReg := map[RealReg][]*Interval{}
	for _, frags := range a.Fragments {
		for _, frag := range frags {
			if len(frag.Ranges) == 0 {
				return fmt.Errorf("%w: %s has no live range", jitapi.ErrInvariant, a.f.FormatVar(frag.SSAVar))
			}
			byReg[frag.Reg] = append(byReg[frag.Reg], frag)
		}
	}
	for reg, frags := range byReg {
		for i, x := range frags {
			for _, y := range frags[i+1:] {
				pos := intersection(x, y)
				if pos != noIntersection && (a.reuses(x, y, pos) || a.reuses(y, x, pos)) {
					pos = intersectionFrom(x, y, pos+1)
				}
				if pos == noIntersection {
					continue
				}
				return fmt.Errorf("%w: %s and %s both hold %s at %d", jitapi.ErrInvariant,
					a.f.FormatVar(x.SSAVar), a.f.FormatVar(y.SSAVar), a.Info.name(reg), pos)
			}
		}
	}
	return nil
}

// reuses returns true if def is defined at pos by an instruction reading use, and use dies there.
func (a *Allocation) reuses(use, def *Interval, pos int) bool {
	if def.Split || def.Start() != pos || a.f.Vars[def.SSAVar].Definition != pos || !use.rangeEndsAt(pos) {
		return false
	}
	op := &a.f.Ops[pos]
	return op.Op1Use == use.SSAVar || op.Op2Use == use.SSAVar
}

// String implements fmt.Stringer.
func (a *Allocation) String() string {
	var all []*Interval
	for _, frags := range a.Fragments {
		all = append(all, frags...)
	}
	return formatIntervals(a.f, a.Info, all)
}

func formatIntervals(f *ssa.Func, info *RegisterInfo, intervals []*Interval) string {
	var b strings.Builder
	for _, ival := range intervals {
		if ival == nil {
			continue
		}
		fmt.Fprintf(&b, "%s:", f.FormatVar(ival.SSAVar))
		for i, r := range ival.Ranges {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, " %d-%d", r.Start, r.End)
		}
		if ival.Reg != RealRegInvalid {
			fmt.Fprintf(&b, " (%s)", info.name(ival.Reg))
		}
		if ival.Split {
			b.WriteString(" split")
		}
		if ival.Load {
			b.WriteString(" load")
		}
		if ival.Store {
			b.WriteString(" store")
		}
		if ival.Hint >= 0 {
			fmt.Fprintf(&b, " hint=%s", f.FormatVar(ival.Hint))
		}
		b.WriteByte('\n')
	}
	return b.String()
}
