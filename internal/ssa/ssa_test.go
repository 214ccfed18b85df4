package ssa

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bytejit/bytejit/api"
	"github.com/bytejit/bytejit/internal/bytecode"
	"github.com/bytejit/bytejit/internal/jitapi"
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

// Two loop entries reached from the entry block, each jumping into the other.
const irreducibleListing = `
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
}`

// The inner loop is left from a block of its body, so the outer back edge starts after the inner header.
const nestedExitListing = `
func nested($n) {
    RECV $n long
    ASSIGN $i, 0
    ASSIGN $s, 0
outer:
    ASSIGN $j, 0
inner:
    PRE_INC $j
    ASSIGN_ADD $s, $j
    IS_SMALLER $j, 3 => ~0
    JMPNZ ~0, again
    IS_SMALLER $j, $n => ~1
    JMPZ ~1, next
again:
    JMP inner
next:
    PRE_INC $i
    IS_SMALLER $i, $n => ~2
    JMPNZ ~2, outer
    RETURN $s
}`

func parseFunc(t *testing.T, src string) *bytecode.Function {
	s, err := bytecode.Parse("test.bjl", []byte(src))
	require.NoError(t, err)
	require.Equal(t, 1, len(s.Functions))
	return s.Functions[0]
}

func buildFunc(t *testing.T, src string) *Func {
	fn := parseFunc(t, src)
	c, err := BuildCFG(fn, CFGOptions{})
	require.NoError(t, err)
	f, err := Build(fn, c, BuildOptions{})
	require.NoError(t, err)
	return f
}

func TestBuildCFG(t *testing.T) {
	fn := parseFunc(t, sumListing)
	c, err := BuildCFG(fn, CFGOptions{OSREntries: []int{6}})
	require.NoError(t, err)

	type blk struct {
		start, end   int
		flags        BlockFlags
		succs, preds []int
	}
	var actual []blk
	for _, b := range c.Blocks {
		actual = append(actual, blk{b.Start, b.End, b.Flags, b.Succs, b.Preds})
	}
	require.Equal(t, []blk{
		{0, 0, BlockReachable | BlockEntry, []int{1}, nil},
		{1, 3, BlockReachable | BlockFollow | BlockRecvEntry, []int{3}, []int{0}},
		{4, 5, BlockReachable | BlockTarget, []int{3}, []int{3}},
		{6, 7, BlockReachable | BlockTarget | BlockFollow | BlockEntry, []int{2, 4}, []int{1, 2}},
		{8, 8, BlockReachable | BlockFollow, nil, []int{3}},
	}, actual)
	require.Equal(t, []int{0, 1, 1, 1, 2, 2, 3, 3, 4}, c.BlockOf)
	require.Equal(t, []int{0, 1, 3, 4, 2}, c.RPO)
}

func TestBuildCFG_unreachable(t *testing.T) {
	fn := parseFunc(t, `
func f() {
    JMP end
    ECHO "dead"
end:
    RETURN null
}`)
	c, err := BuildCFG(fn, CFGOptions{})
	require.NoError(t, err)
	require.Equal(t, 3, len(c.Blocks))
	require.False(t, c.Blocks[1].Reachable())
	// Edges from unreachable blocks are not recorded as predecessors.
	require.Equal(t, []int{0}, c.Blocks[2].Preds)

	_, err = BuildCFG(fn, CFGOptions{OSREntries: []int{1}})
	require.ErrorIs(t, err, jitapi.ErrInvariant)
}

func TestBuildCFG_errors(t *testing.T) {
	ret := bytecode.Instruction{Opcode: bytecode.OpcodeReturn, Op1: bytecode.Const(0)}
	lits := []api.Value{api.Null()}
	for _, tc := range []struct {
		name string
		fn   *bytecode.Function
		exp  error
	}{
		{
			name: "empty",
			fn:   &bytecode.Function{Name: "f"},
			exp:  jitapi.ErrMalformedCFG,
		},
		{
			name: "target out of range",
			fn: &bytecode.Function{Name: "f", Literals: lits, Code: []bytecode.Instruction{
				{Opcode: bytecode.OpcodeJmp, Op1: bytecode.Target(5)}, ret,
			}},
			exp: jitapi.ErrMalformedCFG,
		},
		{
			name: "negative target",
			fn: &bytecode.Function{Name: "f", Literals: lits, Code: []bytecode.Instruction{
				{Opcode: bytecode.OpcodeJmpznz, Op1: bytecode.Const(0), Op2: bytecode.Target(1), Extended: -1}, ret,
			}},
			exp: jitapi.ErrMalformedCFG,
		},
		{
			name: "falls off the end",
			fn: &bytecode.Function{Name: "f", Literals: lits, Code: []bytecode.Instruction{
				{Opcode: bytecode.OpcodeEcho, Op1: bytecode.Const(0)},
			}},
			exp: jitapi.ErrMalformedCFG,
		},
		{
			name: "conditional jump at the end",
			fn: &bytecode.Function{Name: "f", Literals: lits, Code: []bytecode.Instruction{
				ret, {Opcode: bytecode.OpcodeJmpz, Op1: bytecode.Const(0), Op2: bytecode.Target(0)},
			}},
			exp: jitapi.ErrMalformedCFG,
		},
		{
			name: "generator",
			fn:   &bytecode.Function{Name: "f", Literals: lits, Flags: bytecode.FlagGenerator, Code: []bytecode.Instruction{ret}},
			exp:  jitapi.ErrUnsupported,
		},
		{
			name: "dynamic variables",
			fn:   &bytecode.Function{Name: "f", Literals: lits, Flags: bytecode.FlagDynamicVars, Code: []bytecode.Instruction{ret}},
			exp:  jitapi.ErrUnsupported,
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildCFG(tc.fn, CFGOptions{})
			require.ErrorIs(t, err, tc.exp)
		})
	}
}

func TestCFG_ComputeDominators(t *testing.T) {
	fn := parseFunc(t, sumListing)
	c, err := BuildCFG(fn, CFGOptions{})
	require.NoError(t, err)
	c.ComputeDominators()

	var idoms, levels []int
	for _, b := range c.Blocks {
		idoms = append(idoms, b.Idom)
		levels = append(levels, b.Level)
	}
	require.Equal(t, []int{-1, 0, 3, 1, 3}, idoms)
	require.Equal(t, []int{0, 1, 3, 2, 3}, levels)
	require.Equal(t, []int{2, 4}, c.Blocks[3].Children)
	require.Equal(t, []int{0, 1, 3, 2, 4}, c.DomPreorder())

	require.True(t, c.Dominates(3, 2))
	require.True(t, c.Dominates(3, 3))
	require.False(t, c.Dominates(2, 3))
	require.False(t, c.Dominates(2, 4))
}

func TestCFG_IdentifyLoops(t *testing.T) {
	t.Run("simple", func(t *testing.T) {
		c, err := BuildCFG(parseFunc(t, sumListing), CFGOptions{})
		require.NoError(t, err)
		c.ComputeDominators()
		c.IdentifyLoops()
		require.Equal(t, CFGHasLoops, c.Flags)
		require.NotZero(t, c.Blocks[3].Flags&BlockLoopHeader)
		require.Equal(t, 3, c.Blocks[2].LoopHeader)
		require.Equal(t, -1, c.Blocks[3].LoopHeader)
		require.Equal(t, -1, c.Blocks[4].LoopHeader)
		require.True(t, c.InLoop(2, 3))
		require.False(t, c.InLoop(4, 3))
	})
	t.Run("nested", func(t *testing.T) {
		c, err := BuildCFG(parseFunc(t, `
func f($n) {
    RECV $n
    ASSIGN $i, 0
outer:
    ASSIGN $j, 0
inner:
    PRE_INC $j
    IS_SMALLER $j, $n => ~0
    JMPNZ ~0, inner
    PRE_INC $i
    IS_SMALLER $i, $n => ~1
    JMPNZ ~1, outer
    RETURN $i
}`), CFGOptions{})
		require.NoError(t, err)
		c.ComputeDominators()
		c.IdentifyLoops()
		// BB0 RECV, BB1 ASSIGN $i, BB2 outer, BB3 inner, BB4 PRE_INC $i.., BB5 RETURN.
		require.Equal(t, 6, len(c.Blocks))
		require.NotZero(t, c.Blocks[2].Flags&BlockLoopHeader)
		require.NotZero(t, c.Blocks[3].Flags&BlockLoopHeader)
		require.Equal(t, 2, c.Blocks[3].LoopHeader)
		require.Equal(t, 2, c.Blocks[4].LoopHeader)
		require.Equal(t, -1, c.Blocks[5].LoopHeader)
		require.True(t, c.InLoop(3, 2))
		require.Zero(t, c.Flags&CFGIrreducible)
	})
	t.Run("outer latch after inner exit", func(t *testing.T) {
		c, err := BuildCFG(parseFunc(t, nestedExitListing), CFGOptions{})
		require.NoError(t, err)
		c.ComputeDominators()
		c.IdentifyLoops()
		// BB2 outer, BB3 inner, BB4 inner exit test, BB5 inner latch, BB6 outer latch only reached from BB4.
		require.Equal(t, 8, len(c.Blocks))
		require.Equal(t, []int{4}, c.Blocks[6].Preds)
		require.NotZero(t, c.Blocks[2].Flags&BlockLoopHeader)
		require.NotZero(t, c.Blocks[3].Flags&BlockLoopHeader)
		var headers []int
		for _, b := range c.Blocks {
			headers = append(headers, b.LoopHeader)
		}
		require.Equal(t, []int{-1, -1, -1, 2, 3, 3, 2, -1}, headers)
		for _, b := range []int{2, 3, 4, 5, 6} {
			require.True(t, c.InLoop(b, 2), "BB%d", b)
		}
		require.False(t, c.InLoop(6, 3))
		require.False(t, c.InLoop(7, 2))
	})
	t.Run("irreducible", func(t *testing.T) {
		c, err := BuildCFG(parseFunc(t, irreducibleListing), CFGOptions{})
		require.NoError(t, err)
		c.ComputeDominators()
		c.IdentifyLoops()
		require.NotZero(t, c.Flags&CFGIrreducible)
		var irreducible []int
		for i, b := range c.Blocks {
			if b.Flags&BlockIrreducible != 0 {
				irreducible = append(irreducible, i)
			}
		}
		require.Equal(t, []int{2, 4}, irreducible)
	})
}

func TestComputeDFG(t *testing.T) {
	c, err := BuildCFG(parseFunc(t, sumListing), CFGOptions{})
	require.NoError(t, err)
	d := ComputeDFG(c)
	const x, r, i, tmp = 0, 1, 2, 3
	require.Equal(t, 4, d.Vars)
	require.Equal(t, []int(nil), d.In[0].Elems())
	require.Equal(t, []int{x}, d.In[1].Elems())
	require.Equal(t, []int{x, r, i}, d.In[2].Elems())
	require.Equal(t, []int{x, r, i}, d.In[3].Elems())
	require.Equal(t, []int{r}, d.In[4].Elems())
	require.Equal(t, []int{r, i}, d.Use[2].Elems())
	require.Equal(t, []int(nil), d.Def[2].Elems())
	require.Equal(t, []int{r, i}, d.Gen[2].Elems())
	require.Equal(t, []int{tmp}, d.Def[3].Elems())
	require.Equal(t, []int{x, r, i}, d.Out[3].Elems())
}

func TestBuild_loop(t *testing.T) {
	f := buildFunc(t, sumListing)
	const x, r, i = 0, 1, 2

	phiVars := func(blk int, pi bool) (ret []int) {
		for _, id := range f.BlockPhis[blk] {
			if p := f.Phi(id); p.IsPi() == pi {
				ret = append(ret, p.Var)
			}
		}
		return
	}
	// One Phi each for $r and $i at the loop header, and one for $x which the Pi of the body redefines.
	require.Equal(t, []int{r, i, x}, phiVars(3, false))
	require.Equal(t, []int{x, i}, phiVars(2, true))
	require.Equal(t, []int(nil), phiVars(4, true))

	var piI *Phi
	for _, id := range f.BlockPhis[2] {
		if p := f.Phi(id); p.Var == i {
			piI = p
		}
	}
	require.Equal(t, 3, piI.Pi)
	require.Equal(t, Constraint{
		MinVar: -1, MaxVar: x, MinSSAVar: -1, MaxSSAVar: 8,
		Range: Range{Min: math.MinInt64, Max: -1, Underflow: true},
	}, piI.Constraint)

	require.Equal(t, 14, len(f.Vars))
	require.Equal(t, []Op{
		{Op1Use: -1, Op2Use: -1, Op1Def: -1, ResultDef: 3}, // RECV $x
		{Op1Use: -1, Op2Use: -1, Op1Def: 4, ResultDef: -1}, // ASSIGN $r
		{Op1Use: -1, Op2Use: -1, Op1Def: 5, ResultDef: -1}, // ASSIGN $i
		{Op1Use: -1, Op2Use: -1, Op1Def: -1, ResultDef: -1},
		{Op1Use: 6, Op2Use: 11, Op1Def: 12, ResultDef: -1}, // ASSIGN_ADD $r, $i
		{Op1Use: 11, Op2Use: -1, Op1Def: 13, ResultDef: -1},
		{Op1Use: 7, Op2Use: 8, Op1Def: -1, ResultDef: 9},
		{Op1Use: 9, Op2Use: -1, Op1Def: -1, ResultDef: -1},
		{Op1Use: 6, Op2Use: -1, Op1Def: -1, ResultDef: -1}, // RETURN $r
	}, f.Ops)

	phiR := f.Phi(f.Vars[6].DefinitionPhi)
	require.Equal(t, []int{4, 12}, phiR.Sources)
	phiI := f.Phi(f.Vars[7].DefinitionPhi)
	require.Equal(t, []int{5, 13}, phiI.Sources)
	phiX := f.Phi(f.Vars[8].DefinitionPhi)
	require.Equal(t, []int{3, 10}, phiX.Sources)

	require.Equal(t, []int{4, 8}, f.Vars[6].Uses)
	require.Equal(t, 11, piI.SSAVar)
	require.Equal(t, []int{4, 5}, f.Vars[11].Uses)
	require.Equal(t, []int{f.Vars[7].DefinitionPhi}, f.Vars[13].PhiUses)
	require.True(t, f.Vars[0].DefinedOnEntry())
	require.NoError(t, f.Verify())
	require.Contains(t, f.String(), "#11($i) = Pi<BB3>(#7($i) & [-INF..#8($x)-1])")
}

func TestBuild_loopExitPi(t *testing.T) {
	// $i is live after the loop, so the exit edge gets a Pi too.
	f := buildFunc(t, `
func f($x) {
    RECV $x
    ASSIGN $i, 0
loop:
    PRE_INC $i
    IS_SMALLER $i, $x => ~0
    JMPNZ ~0, loop
    RETURN $i
}`)
	const x, i = 0, 1
	exit := f.CFG.BlockOf[5]
	var exitPis []Constraint
	for _, id := range f.BlockPhis[exit] {
		if p := f.Phi(id); p.IsPi() && p.Var == i {
			exitPis = append(exitPis, p.Constraint)
		}
	}
	require.Equal(t, 1, len(exitPis))
	require.Equal(t, x, exitPis[0].MinVar)
	require.Equal(t, Range{Min: 0, Max: math.MaxInt64, Overflow: true}, exitPis[0].Range)
}

func TestBuild_irreducible(t *testing.T) {
	f := buildFunc(t, irreducibleListing)
	const b, i = 1, 2
	for _, blk := range []int{2, 4} {
		require.NotZero(t, f.CFG.Blocks[blk].Flags&BlockIrreducible)
		var phis []int
		for _, id := range f.BlockPhis[blk] {
			if p := f.Phi(id); !p.IsPi() {
				phis = append(phis, p.Var)
			}
		}
		// Every variable live into an irreducible entry is merged by an explicit Phi.
		require.Equal(t, f.DFG.In[blk].Elems(), phis)
		require.Equal(t, []int{b, i}, phis)
	}
	require.NoError(t, f.Verify())
}

func TestBuild_pi(t *testing.T) {
	findPi := func(f *Func, blk, v int) *Phi {
		for _, id := range f.BlockPhis[blk] {
			if p := f.Phi(id); p.IsPi() && p.Var == v {
				return p
			}
		}
		return nil
	}

	t.Run("constant", func(t *testing.T) {
		f := buildFunc(t, `
func f($n) {
    RECV $n
    IS_SMALLER $n, 10 => ~0
    JMPZ ~0, big
    RETURN $n
big:
    RETURN $n
}`)
		small, big := findPi(f, 2, 0), findPi(f, 3, 0)
		require.NotNil(t, small)
		require.NotNil(t, big)
		require.Equal(t, Range{Min: math.MinInt64, Max: 9, Underflow: true}, small.Constraint.Range)
		require.Equal(t, -1, small.Constraint.MaxVar)
		require.Equal(t, Range{Min: 10, Max: math.MaxInt64, Overflow: true}, big.Constraint.Range)
		require.Equal(t, []int{1}, small.Sources)
		require.Equal(t, small.SSAVar, f.Ops[3].Op1Use)
		require.Equal(t, big.SSAVar, f.Ops[4].Op1Use)
	})
	t.Run("variable plus constant", func(t *testing.T) {
		f := buildFunc(t, `
func g($a, $b) {
    RECV $a
    RECV $b
    ADD $a, 2 => ~0
    IS_SMALLER_OR_EQUAL ~0, $b => ~1
    JMPNZ ~1, yes
    RETURN $a
yes:
    ADD $a, $b => ~2
    RETURN ~2
}`)
		const a, b = 0, 1
		yes, no := 3, 2
		aYes := findPi(f, yes, a)
		require.Equal(t, Constraint{
			MinVar: -1, MaxVar: b, MinSSAVar: -1, MaxSSAVar: 3,
			Range: Range{Min: math.MinInt64, Max: -2, Underflow: true},
		}, aYes.Constraint)
		bYes := findPi(f, yes, b)
		require.Equal(t, Constraint{
			MinVar: a, MaxVar: -1, MinSSAVar: 2, MaxSSAVar: -1,
			Range: Range{Min: 2, Max: math.MaxInt64, Overflow: true},
		}, bYes.Constraint)
		aNo := findPi(f, no, a)
		require.Equal(t, Range{Min: -1, Max: math.MaxInt64, Overflow: true}, aNo.Constraint.Range)
		require.Equal(t, b, aNo.Constraint.MinVar)
		// $b is dead on the false edge.
		require.Nil(t, findPi(f, no, b))
	})
	t.Run("traced variable overwritten", func(t *testing.T) {
		f := buildFunc(t, `
func g($a) {
    RECV $a
    ADD $a, 1 => ~0
    ASSIGN $a, 5
    IS_SMALLER ~0, 10 => ~1
    JMPNZ ~1, yes
    RETURN $a
yes:
    RETURN $a
}`)
		require.Nil(t, findPi(f, 2, 0))
		require.Nil(t, findPi(f, 3, 0))
	})
	t.Run("post decrement", func(t *testing.T) {
		f := buildFunc(t, `
func h($n) {
    RECV $n
    POST_DEC $n => ~0
    JMPZ ~0, zero
    RETURN $n
zero:
    RETURN $n
}`)
		taken, zero := findPi(f, 2, 0), findPi(f, 3, 0)
		require.Equal(t, Range{Min: -1, Max: -1}, zero.Constraint.Range)
		require.False(t, zero.Constraint.Negative)
		require.Equal(t, Range{Min: -1, Max: -1}, taken.Constraint.Range)
		require.True(t, taken.Constraint.Negative)
	})
	t.Run("pre increment", func(t *testing.T) {
		f := buildFunc(t, `
func h($n) {
    RECV $n
    PRE_INC $n => ~0
    JMPNZ ~0, nonzero
    RETURN $n
nonzero:
    RETURN $n
}`)
		zero, nonzero := findPi(f, 2, 0), findPi(f, 3, 0)
		require.Equal(t, Range{}, zero.Constraint.Range)
		require.False(t, zero.Constraint.Negative)
		require.True(t, nonzero.Constraint.Negative)
	})
}

func TestBuild_errors(t *testing.T) {
	for _, tc := range []struct {
		name, src string
		exp       error
	}{
		{
			name: "temporary read before written",
			src: `
func f($a) {
    RECV $a
    JMPZ $a, skip
    QM_ASSIGN $a => ~0
skip:
    RETURN ~0
}`,
			exp: jitapi.ErrUnsupported,
		},
		{
			name: "jump to entry",
			src: `
func f() {
top:
    ECHO "x"
    JMP top
}`,
			exp: jitapi.ErrUnsupported,
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			fn := parseFunc(t, tc.src)
			c, err := BuildCFG(fn, CFGOptions{})
			require.NoError(t, err)
			_, err = Build(fn, c, BuildOptions{})
			require.ErrorIs(t, err, tc.exp)
		})
	}
}

func TestBuild_poolExhausted(t *testing.T) {
	fn := parseFunc(t, sumListing)
	c, err := BuildCFG(fn, CFGOptions{})
	require.NoError(t, err)
	pool := jitapi.NewPool[Phi](2)
	_, err = Build(fn, c, BuildOptions{Phis: &pool})
	require.ErrorIs(t, err, jitapi.ErrScratchExhausted)
}

func TestFunc_Verify(t *testing.T) {
	f := buildFunc(t, sumListing)
	require.NoError(t, f.Verify())

	// The exit block reading the body's version of $r is not dominated by it.
	f.Ops[8].Op1Use = 12
	require.ErrorIs(t, f.Verify(), jitapi.ErrInvariant)
	f.Ops[8].Op1Use = 6

	phiR := f.Phi(f.Vars[6].DefinitionPhi)
	phiR.Sources[1] = -1
	require.ErrorIs(t, f.Verify(), jitapi.ErrInvariant)
}
