package jitapi

import "math/bits"

// Bitset is a fixed size set of small non-negative integers.
type Bitset []uint64

// NewBitset returns a set able to hold 0..n-1.
func NewBitset(n int) Bitset {
	return make(Bitset, (n+63)/64)
}

// Has returns true if i is in the set.
func (b Bitset) Has(i int) bool {
	return b[i>>6]&(1<<(uint(i)&63)) != 0
}

// Set adds i.
func (b Bitset) Set(i int) {
	b[i>>6] |= 1 << (uint(i) & 63)
}

// Clear removes i.
func (b Bitset) Clear(i int) {
	b[i>>6] &^= 1 << (uint(i) & 63)
}

// Reset removes every element.
func (b Bitset) Reset() {
	for i := range b {
		b[i] = 0
	}
}

// Copy overwrites b with o.
func (b Bitset) Copy(o Bitset) {
	copy(b, o)
}

// Clone returns a copy of b.
func (b Bitset) Clone() Bitset {
	return append(Bitset(nil), b...)
}

// Union adds every element of o and reports whether b changed.
func (b Bitset) Union(o Bitset) (changed bool) {
	for i, w := range o {
		if n := b[i] | w; n != b[i] {
			b[i] = n
			changed = true
		}
	}
	return
}

// Intersect keeps only the elements also in o.
func (b Bitset) Intersect(o Bitset) {
	for i := range b {
		b[i] &= o[i]
	}
}

// UnionWithDifference sets b to x | (y &^ z).
func (b Bitset) UnionWithDifference(x, y, z Bitset) {
	for i := range b {
		b[i] = x[i] | (y[i] &^ z[i])
	}
}

// Equal returns true if both sets hold the same elements.
func (b Bitset) Equal(o Bitset) bool {
	for i := range b {
		if b[i] != o[i] {
			return false
		}
	}
	return true
}

// Empty returns true if the set has no elements.
func (b Bitset) Empty() bool {
	for _, w := range b {
		if w != 0 {
			return false
		}
	}
	return true
}

// Len returns the number of elements.
func (b Bitset) Len() (n int) {
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return
}

// ForEach calls fn for every element in increasing order.
func (b Bitset) ForEach(fn func(i int)) {
	for wi, w := range b {
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			fn(wi<<6 + tz)
			w &= w - 1
		}
	}
}

// Elems returns the elements in increasing order.
func (b Bitset) Elems() []int {
	var ret []int
	b.ForEach(func(i int) { ret = append(ret, i) })
	return ret
}
