package jit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bytejit/bytejit/internal/interpreter"
	"github.com/bytejit/bytejit/internal/regalloc"
)

func newTestLinker(t *testing.T, arenaSize int) *Linker {
	if !nativeSupported {
		t.Skip("native code is not supported on this architecture")
	}
	l, err := NewLinker(arenaSize, nil)
	if errors.Is(err, ErrUnsupported) {
		t.Skip(err)
	}
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, l.Close()) })
	return l
}

func compileSum(t *testing.T, fn *interpreter.Function, osrPC int) *Artifact {
	a, err := NewCompiler(CompilerConfig{Mode: regalloc.ModeGlobal}).Compile(fn, osrPC)
	require.NoError(t, err)
	return a
}

func TestPatchSession_End(t *testing.T) {
	t.Run("failure rolls back", func(t *testing.T) {
		l := newTestLinker(t, 1<<16)
		m, _ := load(t, sumListing)
		fn := lookup(t, m, "sum")
		a := compileSum(t, fn, -1)

		s := l.Begin()
		require.NoError(t, s.Emit(a))
		require.NotZero(t, a.Base())
		s.Patch(fn, a.EntryPC, &interpreter.Patch{Hook: a.enter, Native: true})
		s.Restore(fn, 6, nil)
		boom := errors.New("boom")
		require.Equal(t, boom, s.End(boom))

		used, _ := l.ArenaUsage()
		require.Zero(t, used)
		require.Zero(t, a.Base())
		require.Nil(t, fn.Patch(a.EntryPC))
		require.Empty(t, l.Artifacts())
	})
	t.Run("success patches after commit", func(t *testing.T) {
		l := newTestLinker(t, 1<<16)
		m, _ := load(t, sumListing)
		fn := lookup(t, m, "sum")
		a := compileSum(t, fn, -1)

		s := l.Begin()
		require.NoError(t, s.Emit(a))
		s.Patch(fn, a.EntryPC, &interpreter.Patch{Hook: a.enter, Native: true, Label: LabelEntry})
		require.Nil(t, fn.Patch(a.EntryPC))
		require.NoError(t, s.End(nil))

		require.Equal(t, LabelEntry, fn.Patch(a.EntryPC).Label)
		used, _ := l.ArenaUsage()
		require.Equal(t, len(a.Code), used)
		require.Equal(t, []*Artifact{a}, l.Artifacts())
	})
}

func TestLinker_Link(t *testing.T) {
	l := newTestLinker(t, 1<<16)
	m, _ := load(t, sumListing)
	fn := lookup(t, m, "sum")

	counting := &interpreter.Patch{Label: "counter", Hook: func(*interpreter.Frame) (interpreter.Action, error) {
		return interpreter.ActionContinue, nil
	}}
	fn.SetPatch(6, counting)

	first := compileSum(t, fn, -1)
	linked, err := l.Link(first, map[int]*interpreter.Patch{6: nil})
	require.NoError(t, err)
	require.True(t, linked)
	require.True(t, fn.Patch(first.EntryPC).Native)
	require.Nil(t, fn.Patch(6))

	// A second artifact for the same entry changes nothing.
	second := compileSum(t, fn, -1)
	linked, err = l.Link(second, nil)
	require.NoError(t, err)
	require.False(t, linked)
	require.Zero(t, second.Base())

	// An OSR request adds the entry it asks for.
	osr := compileSum(t, fn, 6)
	linked, err = l.Link(osr, nil)
	require.NoError(t, err)
	require.True(t, linked)
	require.Equal(t, LabelOSR, fn.Patch(6).Label)
	require.Equal(t, []*Artifact{first, osr}, l.Artifacts())
}

func TestLinker_Lookup(t *testing.T) {
	l := newTestLinker(t, 1<<16)
	m, _ := load(t, sumListing)
	fn := lookup(t, m, "sum")
	a := compileSum(t, fn, -1)
	_, err := l.Link(a, nil)
	require.NoError(t, err)

	for _, tc := range []struct {
		name  string
		addr  uintptr
		found bool
	}{
		{name: "start", addr: a.Base(), found: true},
		{name: "inside", addr: a.Base() + uintptr(len(a.Code))/2, found: true},
		{name: "last byte", addr: a.Base() + uintptr(len(a.Code)) - 1, found: true},
		{name: "past the end", addr: a.Base() + uintptr(len(a.Code))},
		{name: "before", addr: a.Base() - 1},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, ok := l.Lookup(tc.addr)
			require.Equal(t, tc.found, ok)
			if tc.found {
				require.Equal(t, a, got)
			}
		})
	}
}

func TestLinker_exhausted(t *testing.T) {
	// One page: the second artifact starts on a page of its own and does not fit.
	l := newTestLinker(t, 1)
	m, _ := load(t, sumListing)
	fn := lookup(t, m, "sum")

	linked, err := l.Link(compileSum(t, fn, -1), nil)
	require.NoError(t, err)
	require.True(t, linked)
	usedBefore, _ := l.ArenaUsage()

	linked, err = l.Link(compileSum(t, fn, 6), nil)
	require.ErrorIs(t, err, ErrArenaExhausted)
	require.False(t, linked)
	require.True(t, l.Exhausted())
	usedAfter, _ := l.ArenaUsage()
	require.Equal(t, usedBefore, usedAfter)
	require.Nil(t, fn.Patch(6))
}

func TestLinker_Close(t *testing.T) {
	if !nativeSupported {
		t.Skip("native code is not supported on this architecture")
	}
	l, err := NewLinker(1<<16, nil)
	if errors.Is(err, ErrUnsupported) {
		t.Skip(err)
	}
	require.NoError(t, err)
	m, _ := load(t, sumListing)
	fn := lookup(t, m, "sum")
	a := compileSum(t, fn, -1)
	_, err = l.Link(a, nil)
	require.NoError(t, err)

	require.NoError(t, l.Close())
	require.Nil(t, fn.Patch(a.EntryPC))
	require.NoError(t, l.Close())

	s := l.Begin()
	require.EqualError(t, s.Emit(compileSum(t, fn, -1)), "linker closed")
	require.Error(t, s.End(errors.New("closed")))
}
