package regalloc

import (
	"math"

	"github.com/google/btree"

	"github.com/bytejit/bytejit/internal/bytecode"
	"github.com/bytejit/bytejit/internal/infer"
	"github.com/bytejit/bytejit/internal/jitapi"
	"github.com/bytejit/bytejit/internal/ssa"
)

// scanner is the state of one linear scan.
type scanner struct {
	f       *ssa.Func
	res     *infer.Result
	info    *RegisterInfo
	scratch func(pc int) RegSet
	pool    *jitapi.Pool[Interval]

	// intervals maps SSA variables to their first fragment.
	intervals []*Interval

	unhandled                 *btree.BTreeG[*Interval]
	active, inactive, handled []*Interval
	// hints are the registers given to intervals other intervals hint at and that are still waiting for them.
	hints   RegSet
	nextSeq int
}

func intervalLess(a, b *Interval) bool {
	if a.Start() != b.Start() {
		return a.Start() < b.Start()
	}
	if a.seq != b.seq {
		return a.seq < b.seq
	}
	return a.SSAVar < b.SSAVar
}

func newScanner(f *ssa.Func, res *infer.Result, info *RegisterInfo, intervals []*Interval, opts Options) *scanner {
	s := &scanner{
		f: f, res: res, info: info, scratch: opts.Scratch, pool: opts.Intervals,
		intervals: intervals,
		unhandled: btree.NewG[*Interval](8, intervalLess),
	}
	for _, ival := range intervals {
		if ival != nil {
			s.unhandled.ReplaceOrInsert(ival)
		}
	}
	return s
}

// run assigns registers to every unhandled interval. Intervals no register is free for keep RealRegInvalid.
func (s *scanner) run() error {
	for s.unhandled.Len() > 0 {
		current, _ := s.unhandled.DeleteMin()
		position := current.Start()

		active := s.active[:0]
		for _, ival := range s.active {
			switch {
			case ival.End() < position:
				s.handled = append(s.handled, ival)
			case !ival.Covers(position):
				s.inactive = append(s.inactive, ival)
			default:
				active = append(active, ival)
			}
		}
		s.active = active

		inactive := s.inactive[:0]
		for _, ival := range s.inactive {
			switch {
			case ival.End() < position:
				s.handled = append(s.handled, ival)
			case ival.Covers(position):
				s.active = append(s.active, ival)
			default:
				inactive = append(inactive, ival)
			}
		}
		s.inactive = inactive

		ok, err := s.tryAllocateFreeReg(current)
		if err != nil {
			return err
		}
		if ok {
			s.active = append(s.active, current)
		} else {
			// Blocked: the value stays in its slot from here on.
			current.Reg = RealRegInvalid
			s.handled = append(s.handled, current)
		}
	}
	s.handled = append(s.handled, s.active...)
	s.handled = append(s.handled, s.inactive...)
	s.active, s.inactive = s.active[:0], s.inactive[:0]
	return nil
}

func (s *scanner) definition(v int) int { return s.f.Vars[v].Definition }

func (s *scanner) tryAllocateFreeReg(current *Interval) (bool, error) {
	var freeUntilPos [64]int
	for i := range freeUntilPos {
		freeUntilPos[i] = math.MaxInt
	}
	var busy RegSet
	hint := RealRegInvalid
	lowPriority := s.info.LowPriorityRegisters

	if s.definition(current.SSAVar) == current.Start() && !current.Split {
		for _, it := range s.active {
			busy = busy.add(it.Reg)
			if !it.rangeEndsAt(current.Start()) {
				freeUntilPos[it.Reg] = 0
			} else if s.mayReuseReg(current.Start(), current.SSAVar, it.SSAVar) {
				// The operand dies where current is defined: its register is free until it is live again.
				if next := intersectionFrom(current, it, current.Start()+1); next < freeUntilPos[it.Reg] {
					freeUntilPos[it.Reg] = next
				}
				if !s.hints.has(it.Reg) && (current.usedAsHint < 0 || !lowPriority.has(it.Reg)) {
					hint = it.Reg
				}
			} else {
				freeUntilPos[it.Reg] = 0
			}
		}
	} else {
		for _, it := range s.active {
			busy = busy.add(it.Reg)
			freeUntilPos[it.Reg] = 0
		}
	}
	if current.Hint >= 0 {
		h := s.intervals[current.Hint]
		hint = h.Reg
		if h.usedAsHint == current.SSAVar {
			s.hints = s.hints.remove(hint)
		}
	}

	for _, it := range s.inactive {
		if next := intersection(current, it); next < freeUntilPos[it.Reg] {
			freeUntilPos[it.Reg] = next
		}
	}

	if s.scratch != nil {
		def := s.definition(current.SSAVar)
		for _, r := range current.Ranges {
			for line := r.Start; line <= r.End; line++ {
				if line == def {
					continue
				}
				s.scratch(line).Range(func(reg RealReg) {
					if line < freeUntilPos[reg] {
						freeUntilPos[reg] = line
					}
				})
			}
		}
	}

	if hint != RealRegInvalid && freeUntilPos[hint] > current.End() {
		s.assign(current, hint)
		return true, nil
	}

	pos, reg := 0, RealRegInvalid
	pos2, reg2 := 0, RealRegInvalid
	lowPriority = s.hints
	if current.usedAsHint >= 0 {
		lowPriority |= s.info.LowPriorityRegisters
	}
	for _, r := range s.info.AllocatableRegisters {
		if busy.has(r) {
			continue
		}
		if lowPriority.has(r) {
			if freeUntilPos[r] > pos2 {
				reg2, pos2 = r, freeUntilPos[r]
			}
		} else if freeUntilPos[r] > pos {
			reg, pos = r, freeUntilPos[r]
		}
	}
	if reg == RealRegInvalid {
		reg, pos = reg2, pos2
	}

	switch {
	case reg == RealRegInvalid:
		return false, nil
	case current.End() < pos:
		s.assign(current, reg)
		return true, nil
	case pos > current.Start():
		// Free for a prefix only: keep the prefix in the register and reload the rest from the slot.
		rest, ok := current.split(pos)
		if !ok {
			return false, nil
		}
		_, frag, err := s.pool.Allocate()
		if err != nil {
			return false, err
		}
		*frag = rest
		s.nextSeq++
		frag.seq = s.nextSeq
		s.unhandled.ReplaceOrInsert(frag)
		s.assign(current, reg)
		return true, nil
	default:
		return false, nil
	}
}

func (s *scanner) assign(current *Interval, reg RealReg) {
	current.Reg = reg
	if current.usedAsHint >= 0 {
		s.hints = s.hints.add(reg)
	}
}

// mayReuseReg returns true if the instruction at pc, which defines def, may write def into the register its
// operand use dies in. The code generator reads every operand before it writes any result.
func (s *scanner) mayReuseReg(pc, def, use int) bool {
	if !s.res.IsLong(def) || !s.res.IsLong(use) {
		return false
	}
	op := &s.f.Ops[pc]
	switch s.f.Fn.Code[pc].Opcode {
	case bytecode.OpcodeQMAssign, bytecode.OpcodePostInc, bytecode.OpcodePostDec,
		bytecode.OpcodePreInc, bytecode.OpcodePreDec:
		return op.Op1Use == use
	case bytecode.OpcodeAssign:
		return op.Op2Use == use
	case bytecode.OpcodeAdd, bytecode.OpcodeSub, bytecode.OpcodeMul,
		bytecode.OpcodeAssignAdd, bytecode.OpcodeAssignSub, bytecode.OpcodeAssignMul:
		return op.Op1Use == use || op.Op2Use == use
	}
	return false
}
