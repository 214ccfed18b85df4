package jitapi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitset(t *testing.T) {
	b := NewBitset(130)
	require.True(t, b.Empty())
	for _, i := range []int{0, 63, 64, 129} {
		b.Set(i)
	}
	require.Equal(t, 4, b.Len())
	require.True(t, b.Has(64))
	require.False(t, b.Has(65))
	require.Equal(t, []int{0, 63, 64, 129}, b.Elems())

	b.Clear(63)
	require.Equal(t, []int{0, 64, 129}, b.Elems())

	o := NewBitset(130)
	o.Set(1)
	require.True(t, b.Union(o))
	require.False(t, b.Union(o))
	require.Equal(t, []int{0, 1, 64, 129}, b.Elems())

	c := b.Clone()
	require.True(t, c.Equal(b))
	c.Intersect(o)
	require.Equal(t, []int{1}, c.Elems())

	x, y, z := NewBitset(130), NewBitset(130), NewBitset(130)
	x.Set(3)
	y.Set(4)
	y.Set(5)
	z.Set(5)
	r := NewBitset(130)
	r.UnionWithDifference(x, y, z)
	require.Equal(t, []int{3, 4}, r.Elems())

	r.Reset()
	require.True(t, r.Empty())
}
