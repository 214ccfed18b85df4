package jit

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bytejit/bytejit/internal/bytecode"
	"github.com/bytejit/bytejit/internal/interpreter"
	"github.com/bytejit/bytejit/internal/regalloc"
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

var allModes = []regalloc.Mode{regalloc.ModeNone, regalloc.ModeLocal, regalloc.ModeGlobal}

// load parses src into a fresh machine.
func load(t *testing.T, src string) (*interpreter.Machine, *bytes.Buffer) {
	var out bytes.Buffer
	m := interpreter.NewMachine(&out, nil)
	s, err := bytecode.Parse(t.Name(), []byte(src))
	require.NoError(t, err)
	_, err = m.Load(s)
	require.NoError(t, err)
	return m, &out
}

func lookup(t *testing.T, m *interpreter.Machine, name string) *interpreter.Function {
	fn, ok := m.Lookup(name)
	require.True(t, ok, name)
	return fn
}

func TestCompiler_Compile(t *testing.T) {
	for _, mode := range allModes {
		mode := mode
		t.Run(mode.String(), func(t *testing.T) {
			m, _ := load(t, sumListing)
			c := NewCompiler(CompilerConfig{Mode: mode, Listings: true})
			a, err := c.Compile(lookup(t, m, "sum"), -1)
			require.NoError(t, err)

			require.Equal(t, 1, a.EntryPC)
			require.Equal(t, -1, a.OSRPC)
			require.Equal(t, []int{0, 1, 4, 6, 8}, a.Entries())
			require.NotEmpty(t, a.Code)
			require.Zero(t, a.Base())

			st := a.Report.Stats
			require.Equal(t, 6, st.NativeOps)
			require.Equal(t, 2, st.GenericOps)
			require.Equal(t, 1, st.FusedBranches)
			// The Pi of the loop body bounds $i, so only the sum is checked.
			require.Equal(t, 1, st.OverflowChecks)

			require.Equal(t, "sum", a.Report.Function)
			require.Equal(t, mode.String(), a.Report.Mode)
			require.Equal(t, len(a.Code), a.Report.CodeSize)
			require.Equal(t, a.ID.String(), a.Report.Attempt)
			require.NotEmpty(t, a.Report.SSA)
			// Only the global mode keeps values of the loop in registers.
			if mode == regalloc.ModeGlobal {
				require.NotEmpty(t, a.Report.Allocation)
			} else {
				require.Empty(t, a.Report.Allocation)
			}
		})
	}
}

func TestCompiler_Compile_osr(t *testing.T) {
	m, _ := load(t, sumListing)
	c := NewCompiler(CompilerConfig{Mode: regalloc.ModeGlobal})
	a, err := c.Compile(lookup(t, m, "sum"), 6)
	require.NoError(t, err)
	require.Equal(t, 6, a.OSRPC)
	require.Contains(t, a.Entries(), 6)
	require.Empty(t, a.Report.SSA)
}

func TestCompiler_Compile_generic(t *testing.T) {
	m, _ := load(t, `
func greet($n) {
    RECV $n
    CONCAT "hello ", $n => ~0
    ECHO ~0
    ASSIGN $c, 0
    PRE_INC $c
    RETURN $c
}`)
	c := NewCompiler(CompilerConfig{Mode: regalloc.ModeGlobal})
	a, err := c.Compile(lookup(t, m, "greet"), -1)
	require.NoError(t, err)
	// RECV, CONCAT, ECHO and RETURN stay with their handlers.
	require.Equal(t, 4, a.Report.Stats.GenericOps)
	require.Equal(t, 2, a.Report.Stats.NativeOps)
	// $c is 0 before the increment.
	require.Zero(t, a.Report.Stats.OverflowChecks)
	require.Contains(t, a.conts, 2)
}

func TestCompiler_Compile_errors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		src     string
		osrPC   int
		limit   int
		phase   Phase
		errType error
	}{
		{
			name: "generator",
			src: `
func gen() generator {
    RETURN 1
}`,
			osrPC:   -1,
			phase:   PhaseCFG,
			errType: ErrUnsupported,
		},
		{
			name:    "osr out of range",
			src:     sumListing,
			osrPC:   100,
			phase:   PhaseCFG,
			errType: ErrMalformedCFG,
		},
		{
			name:    "scratch exhausted",
			src:     sumListing,
			osrPC:   -1,
			limit:   1,
			phase:   PhaseSSA,
			errType: ErrScratchExhausted,
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			m, _ := load(t, tc.src)
			fn := m.Functions()[0]
			c := NewCompiler(CompilerConfig{Mode: regalloc.ModeGlobal, ScratchLimit: tc.limit})
			_, err := c.Compile(fn, tc.osrPC)
			require.ErrorIs(t, err, tc.errType)
			require.True(t, IsCompileError(err))
			var ce *CompileError
			require.True(t, errors.As(err, &ce))
			require.Equal(t, tc.phase, ce.Phase)
			require.Equal(t, fn.Name(), ce.Function)
		})
	}
}

// Attempts share pooled scratch space, which must not leak between them.
func TestCompiler_Compile_scratchReuse(t *testing.T) {
	m, _ := load(t, sumListing)
	fn := lookup(t, m, "sum")
	c := NewCompiler(CompilerConfig{Mode: regalloc.ModeGlobal, ScratchLimit: 64})
	var prev []byte
	for i := 0; i < 10; i++ {
		a, err := c.Compile(fn, -1)
		require.NoError(t, err)
		if prev != nil {
			require.Equal(t, prev, a.Code)
		}
		prev = a.Code
	}
}
