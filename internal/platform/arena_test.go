package platform

import (
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bytejit/bytejit/internal/jitapi"
)

func requireArena(t *testing.T, size int) *CodeArena {
	a, err := NewCodeArena(size)
	if errors.Is(err, jitapi.ErrUnsupported) {
		t.Skipf("no executable memory on %s", runtime.GOOS)
	}
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })
	return a
}

func TestNewCodeArena(t *testing.T) {
	_, err := NewCodeArena(0)
	require.EqualError(t, err, "invalid code arena size 0")

	a := requireArena(t, 1)
	require.Equal(t, pageSize(), a.Size())
	require.Zero(t, a.Used())
	require.False(t, a.Exhausted())
}

func TestCodeArena_Alloc(t *testing.T) {
	ps := pageSize()
	a := requireArena(t, 3*ps)

	off, err := a.Alloc([]byte{1, 2, 3})
	require.NoError(t, err)
	require.Zero(t, off)
	require.Equal(t, 3, a.Used())
	require.Equal(t, []byte{1, 2, 3}, a.Bytes(off, 3))

	// The next allocation starts on a fresh page.
	off, err = a.Alloc([]byte{4})
	require.NoError(t, err)
	require.Equal(t, ps, off)
	require.Equal(t, a.Addr(0)+uintptr(ps), a.Addr(off))

	require.NoError(t, a.Commit())
	require.Equal(t, []byte{4}, a.Bytes(off, 1))
	require.NoError(t, a.Commit())

	_, err = a.Alloc(nil)
	require.EqualError(t, err, "BUG: Alloc with zero length")
}

func TestCodeArena_Rollback(t *testing.T) {
	ps := pageSize()
	a := requireArena(t, 2*ps)

	_, err := a.Alloc([]byte{1})
	require.NoError(t, err)
	require.NoError(t, a.Commit())

	cp := a.Checkpoint()
	off, err := a.Alloc([]byte{2, 3})
	require.NoError(t, err)
	require.Equal(t, ps, off)
	a.Rollback(cp)
	require.Equal(t, cp, a.Used())

	// The released page is handed out again.
	off, err = a.Alloc([]byte{5})
	require.NoError(t, err)
	require.Equal(t, ps, off)

	require.Panics(t, func() { a.Rollback(0) }, "committed code can not be released")
}

func TestCodeArena_exhausted(t *testing.T) {
	ps := pageSize()
	a := requireArena(t, ps)

	cp := a.Checkpoint()
	_, err := a.Alloc(make([]byte, ps+1))
	require.ErrorIs(t, err, jitapi.ErrArenaExhausted)
	require.True(t, a.Exhausted())
	require.Equal(t, cp, a.Checkpoint(), "a failed allocation keeps the high-water mark")

	// Sticky even for allocations that would fit.
	_, err = a.Alloc([]byte{1})
	require.Equal(t, jitapi.ErrArenaExhausted, err)
}
