package regalloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bytejit/bytejit/internal/bytecode"
	"github.com/bytejit/bytejit/internal/infer"
	"github.com/bytejit/bytejit/internal/ssa"
)

const sumListing = `
func sum($x) {
    RECV $x long
    ASSIGN $r, 0
    ASSIGN $i, 0
    JMP cond
loop:
    ASSIGN_ADD $r, $i
    PRE_INC $i
cond:
    IS_SMALLER $i, $x => ~0
    JMPNZ ~0, loop
    RETURN $r
}`

var testInfo = &RegisterInfo{
	AllocatableRegisters: []RealReg{1, 2, 3, 4, 5, 6, 7, 8},
	LowPriorityRegisters: NewRegSet(7, 8),
}

func build(t *testing.T, src string) (*ssa.Func, *infer.Result) {
	s, err := bytecode.Parse("test.bjl", []byte(src))
	require.NoError(t, err)
	fn := s.Functions[0]
	c, err := ssa.BuildCFG(fn, ssa.CFGOptions{})
	require.NoError(t, err)
	f, err := ssa.Build(fn, c, ssa.BuildOptions{})
	require.NoError(t, err)
	return f, infer.Infer(f, infer.Options{})
}

func TestInterval_addRange(t *testing.T) {
	for _, tc := range []struct {
		name     string
		initial  []LiveRange
		from, to int
		expected []LiveRange
	}{
		{name: "empty", from: 1, to: 3, expected: []LiveRange{{1, 3}}},
		{name: "before", initial: []LiveRange{{5, 6}}, from: 1, to: 2, expected: []LiveRange{{1, 2}, {5, 6}}},
		{name: "after", initial: []LiveRange{{1, 2}}, from: 5, to: 6, expected: []LiveRange{{1, 2}, {5, 6}}},
		{name: "adjacent", initial: []LiveRange{{1, 2}}, from: 3, to: 4, expected: []LiveRange{{1, 4}}},
		{name: "between", initial: []LiveRange{{1, 2}, {8, 9}}, from: 5, to: 5, expected: []LiveRange{{1, 2}, {5, 5}, {8, 9}}},
		{name: "bridge", initial: []LiveRange{{1, 2}, {4, 5}, {8, 9}}, from: 3, to: 7, expected: []LiveRange{{1, 9}}},
		{name: "inside", initial: []LiveRange{{1, 9}}, from: 3, to: 4, expected: []LiveRange{{1, 9}}},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			ival := &Interval{Ranges: append([]LiveRange(nil), tc.initial...)}
			ival.addRange(tc.from, tc.to)
			require.Equal(t, tc.expected, ival.Ranges)
		})
	}
}

func TestInterval_beginRange(t *testing.T) {
	t.Run("same block", func(t *testing.T) {
		ival := &Interval{Ranges: []LiveRange{{4, 9}}}
		ival.beginRange(4, 6)
		require.Equal(t, []LiveRange{{6, 9}}, ival.Ranges)
	})
	t.Run("merged with earlier block", func(t *testing.T) {
		ival := &Interval{Ranges: []LiveRange{{0, 9}}}
		ival.beginRange(4, 6)
		require.Equal(t, []LiveRange{{0, 3}, {6, 9}}, ival.Ranges)
	})
	t.Run("dead store", func(t *testing.T) {
		ival := &Interval{Ranges: []LiveRange{{8, 9}}}
		ival.beginRange(4, 6)
		require.Equal(t, []LiveRange{{6, 6}, {8, 9}}, ival.Ranges)
	})
}

func TestInterval_split(t *testing.T) {
	for _, tc := range []struct {
		name           string
		pos            int
		ok             bool
		prefix, suffix []LiveRange
	}{
		{name: "inside range", pos: 2, ok: true, prefix: []LiveRange{{0, 1}}, suffix: []LiveRange{{2, 3}, {6, 8}}},
		{name: "in hole", pos: 5, ok: true, prefix: []LiveRange{{0, 3}}, suffix: []LiveRange{{6, 8}}},
		{name: "at range start", pos: 6, ok: true, prefix: []LiveRange{{0, 3}}, suffix: []LiveRange{{6, 8}}},
		{name: "at start", pos: 0},
		{name: "past end", pos: 9},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			ival := &Interval{SSAVar: 3, Ranges: []LiveRange{{0, 3}, {6, 8}}, Hint: 1}
			rest, ok := ival.split(tc.pos)
			require.Equal(t, tc.ok, ok)
			if !ok {
				require.Equal(t, []LiveRange{{0, 3}, {6, 8}}, ival.Ranges)
				require.False(t, ival.Store)
				return
			}
			require.Equal(t, tc.prefix, ival.Ranges)
			require.True(t, ival.Store)
			require.Equal(t, tc.suffix, rest.Ranges)
			require.Equal(t, 3, rest.SSAVar)
			require.True(t, rest.Split)
			require.True(t, rest.Load)
			require.Equal(t, -1, rest.Hint)
		})
	}
}

func TestIntersection(t *testing.T) {
	a := &Interval{Ranges: []LiveRange{{0, 3}, {8, 9}}}
	b := &Interval{Ranges: []LiveRange{{4, 5}, {9, 12}}}
	c := &Interval{Ranges: []LiveRange{{4, 7}}}
	require.Equal(t, 9, intersection(a, b))
	require.Equal(t, noIntersection, intersection(a, c))
	require.Equal(t, 4, intersection(b, c))
	require.Equal(t, 5, intersectionFrom(b, c, 5))
	require.Equal(t, noIntersection, intersectionFrom(b, c, 6))

	require.True(t, a.rangeEndsAt(3))
	require.True(t, a.rangeEndsAt(9))
	require.False(t, a.rangeEndsAt(2))
	require.True(t, a.Covers(8))
	require.False(t, a.Covers(5))
}

func TestCandidates(t *testing.T) {
	f, res := build(t, sumListing)
	require.Equal(t, []int{3, 4, 5, 6, 7, 8, 10, 11, 12, 13}, Candidates(f, res, ModeGlobal).Elems())
	// Every long of the loop flows through a Phi.
	require.Empty(t, Candidates(f, res, ModeLocal).Elems())
	require.Empty(t, Candidates(f, res, ModeNone).Elems())
}

func TestComputeIntervals(t *testing.T) {
	f, res := build(t, sumListing)
	intervals, err := ComputeIntervals(f, res, Candidates(f, res, ModeGlobal), Options{Mode: ModeGlobal})
	require.NoError(t, err)

	ranges := map[int][]LiveRange{}
	hints := map[int]int{}
	for v, ival := range intervals {
		if ival != nil {
			ranges[v] = ival.Ranges
			hints[v] = ival.Hint
		}
	}
	require.Equal(t, map[int][]LiveRange{
		3:  {{0, 3}},
		4:  {{1, 3}},
		5:  {{2, 3}},
		6:  {{4, 4}, {6, 8}},
		7:  {{6, 7}},
		8:  {{6, 7}},
		10: {{4, 5}},
		11: {{4, 5}},
		12: {{4, 5}},
		13: {{5, 5}},
	}, ranges)
	require.Equal(t, map[int]int{
		3: -1, 4: -1, 5: -1,
		6: 4, 7: 5, 8: 3,
		10: 3, 11: 5, 12: 4, 13: 5,
	}, hints)
}

func TestComputeIntervals_loopBody(t *testing.T) {
	f, res := build(t, `
func f($x) {
    RECV $x long
    ASSIGN $i, 0
loop:
    PRE_INC $i
    ADD $x, 1 => ~0
    ECHO ~0
    IS_SMALLER $i, 10 => ~1
    JMPNZ ~1, loop
    RETURN 0
}`)
	intervals, err := ComputeIntervals(f, res, Candidates(f, res, ModeGlobal), Options{Mode: ModeGlobal})
	require.NoError(t, err)

	x := f.Ops[0].ResultDef
	header := f.CFG.BlockOf[2]
	require.NotZero(t, f.CFG.Blocks[header].Flags&ssa.BlockLoopHeader)
	// $x is live into the loop, so it stays live for the whole body although its last use is in the middle.
	for pc := 2; pc <= 6; pc++ {
		require.True(t, intervals[x].Covers(pc), "pc %d", pc)
	}
	require.False(t, intervals[x].Covers(7))
}

// varRegs returns the distinct registers holding any version of the frame variable cv at pos. Two versions
// share a register where one ends and the other starts.
func varRegs(a *Allocation, f *ssa.Func, cv, pos int) (ret []RealReg) {
	for v := range f.Vars {
		if f.Vars[v].Var != cv {
			continue
		}
		if reg := a.RegAt(v, pos); reg != RealRegInvalid && !containsReg(ret, reg) {
			ret = append(ret, reg)
		}
	}
	return
}

func containsReg(regs []RealReg, reg RealReg) bool {
	for _, r := range regs {
		if r == reg {
			return true
		}
	}
	return false
}

func TestAllocate_sumLoop(t *testing.T) {
	f, res := build(t, sumListing)
	a, err := Allocate(f, res, testInfo, Options{Mode: ModeGlobal})
	require.NoError(t, err)

	const x, r, i = 0, 1, 2
	// $r and $i each keep one register across the whole loop, so the loop needs no move at all.
	for pos := 4; pos <= 7; pos++ {
		require.Equal(t, []RealReg{2}, varRegs(a, f, r, pos), "pos %d", pos)
		require.Equal(t, []RealReg{3}, varRegs(a, f, i, pos), "pos %d", pos)
		require.Equal(t, []RealReg{1}, varRegs(a, f, x, pos), "pos %d", pos)
	}
	for v, frags := range a.Fragments {
		for _, frag := range frags {
			require.False(t, frag.Load, "%s", f.FormatVar(v))
			require.False(t, frag.Store, "%s", f.FormatVar(v))
		}
	}
	require.Equal(t, NewRegSet(1, 2, 3), a.Used())
	require.False(t, a.IsSplit(6))
	require.Equal(t, a.Fragments[12][0], a.First(12))
	require.Nil(t, a.First(9))

	s := a.String()
	require.Contains(t, s, "#6($r): 4-4, 6-8 (r2) hint=#4($r)\n")
	require.Contains(t, s, "#13($i): 5-5 (r3) hint=#5($i)\n")
}

func TestAllocate_modes(t *testing.T) {
	const src = `
func f($a, $b) {
    RECV $a long
    RECV $b long
    ADD $a, $b => ~0
    MUL ~0, 2 => ~1
    RETURN ~1
}`
	f, res := build(t, src)
	t0, t1 := f.Ops[2].ResultDef, f.Ops[3].ResultDef

	a, err := Allocate(f, res, testInfo, Options{Mode: ModeNone})
	require.NoError(t, err)
	require.Equal(t, RegSet(0), a.Used())

	a, err = Allocate(f, res, testInfo, Options{Mode: ModeLocal})
	require.NoError(t, err)
	require.NotEqual(t, RealRegInvalid, a.RegAt(t0, 2))
	require.NotEqual(t, RealRegInvalid, a.RegAt(t1, 3))
	// The arguments are live across the block boundary after the RECV run.
	require.Equal(t, RealRegInvalid, a.RegAt(f.Ops[0].ResultDef, 0))
	// ~1 may take the register ~0 dies in.
	require.Equal(t, a.RegAt(t0, 3), a.RegAt(t1, 3))

	a, err = Allocate(f, res, testInfo, Options{Mode: ModeGlobal})
	require.NoError(t, err)
	require.NotEqual(t, RealRegInvalid, a.RegAt(f.Ops[0].ResultDef, 0))
}

func TestAllocate_split(t *testing.T) {
	f, res := build(t, `
func f($a) {
    RECV $a long
    ADD $a, 1 => ~0
    ECHO ~0
    ADD $a, 2 => ~1
    ECHO ~1
    RETURN 0
}`)
	a0, t0, t1 := f.Ops[0].ResultDef, f.Ops[1].ResultDef, f.Ops[3].ResultDef
	info := &RegisterInfo{AllocatableRegisters: []RealReg{1}}
	alloc, err := Allocate(f, res, info, Options{
		Mode: ModeGlobal,
		Scratch: func(pc int) RegSet {
			if pc == 2 {
				return NewRegSet(1)
			}
			return 0
		},
	})
	require.NoError(t, err)

	// $a holds the register until the clobber and is written through to its slot, which the rest reads.
	require.Equal(t, 1, len(alloc.Fragments[a0]))
	first := alloc.First(a0)
	require.Equal(t, []LiveRange{{0, 1}}, first.Ranges)
	require.True(t, first.Store)
	require.Equal(t, RealRegInvalid, alloc.RegAt(a0, 3))
	// ~0 is live across the clobber.
	require.Nil(t, alloc.Fragments[t0])
	require.Equal(t, RealReg(1), alloc.RegAt(t1, 3))
}

func TestAllocate_splitReload(t *testing.T) {
	f, res := build(t, `
func f($a, $b) {
    RECV $a long
    RECV $b long
    ECHO $a
    ECHO $b
    ECHO $b
    RETURN 0
}`)
	b0 := f.Ops[1].ResultDef
	info := &RegisterInfo{AllocatableRegisters: []RealReg{1, 2}}
	alloc, err := Allocate(f, res, info, Options{
		Mode: ModeGlobal,
		Scratch: func(pc int) RegSet {
			if pc == 3 {
				return NewRegSet(2)
			}
			return 0
		},
	})
	require.NoError(t, err)

	// $a holds r1 when $b is defined, and r2 is clobbered at 3: $b moves to r1 once $a is dead.
	frags := alloc.Fragments[b0]
	require.Equal(t, 2, len(frags))
	require.True(t, alloc.IsSplit(b0))
	require.Equal(t, RealReg(2), frags[0].Reg)
	require.Equal(t, []LiveRange{{1, 2}}, frags[0].Ranges)
	require.True(t, frags[0].Store)
	require.True(t, frags[1].Split)
	require.True(t, frags[1].Load)
	require.Equal(t, []LiveRange{{3, 4}}, frags[1].Ranges)
	require.Equal(t, RealReg(1), frags[1].Reg)
	require.Equal(t, RealReg(1), alloc.RegAt(f.Ops[0].ResultDef, 2))
}

func TestAllocate_clobber(t *testing.T) {
	f, res := build(t, sumListing)
	clobbered := NewRegSet(2)
	a, err := Allocate(f, res, testInfo, Options{
		Mode: ModeGlobal,
		Scratch: func(pc int) RegSet {
			if pc == 5 {
				return clobbered
			}
			return 0
		},
	})
	require.NoError(t, err)
	for v := range f.Vars {
		if frag := a.Fragment(v, 5); frag != nil && f.Vars[v].Definition != 5 {
			require.NotEqual(t, RealReg(2), frag.Reg, "%s", f.FormatVar(v))
		}
	}
}

func TestAllocate_irreducible(t *testing.T) {
	f, res := build(t, `
func irr($a, $b) {
    RECV $a
    RECV $b
    ASSIGN $i, 0
    JMPZ $a, right
left:
    PRE_INC $i
    IS_SMALLER $i, $b => ~0
    JMPZ ~0, done
    JMP right
right:
    PRE_INC $i
    IS_SMALLER $i, $b => ~1
    JMPNZ ~1, left
done:
    RETURN $i
}`)
	a, err := Allocate(f, res, testInfo, Options{Mode: ModeGlobal})
	require.NoError(t, err)

	var checked int
	for b := range f.CFG.Blocks {
		if f.CFG.Blocks[b].Flags&ssa.BlockIrreducible == 0 {
			continue
		}
		for _, id := range f.BlockPhis[b] {
			p := f.Phi(id)
			if p.IsPi() || p.SSAVar < 0 {
				continue
			}
			// No value flows into an irreducible entry in a register.
			if first := a.First(p.SSAVar); first != nil {
				require.True(t, first.Load, "%s", f.FormatVar(p.SSAVar))
			}
			for k := range p.Sources {
				if src := phiSource(f, p, k); src >= 0 {
					if first := a.First(src); first != nil {
						require.True(t, first.Store, "%s", f.FormatVar(src))
					}
				}
			}
			checked++
		}
	}
	require.NotZero(t, checked)
}

func TestAllocation_validate(t *testing.T) {
	f, res := build(t, sumListing)
	a, err := Allocate(f, res, testInfo, Options{Mode: ModeGlobal})
	require.NoError(t, err)
	require.NoError(t, a.validate())

	// Give $x's Phi the register of $r's Phi.
	a.Fragments[8][0].Reg = a.Fragments[6][0].Reg
	err = a.validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "#6($r) and #8($x) both hold r2 at 6")
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeNone, ModeLocal, ModeGlobal} {
		actual, err := ParseMode(m.String())
		require.NoError(t, err)
		require.Equal(t, m, actual)
	}
	_, err := ParseMode("linear")
	require.Error(t, err)
}
