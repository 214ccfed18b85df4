// Package infer computes the possible runtime types and integer ranges of every SSA variable.
//
// Types describe values inside native code, which is speculative about integer arithmetic: an operation on two
// longs is typed long, and the code generator guards it with an overflow check that leaves native code
// unless the operand ranges prove the check unnecessary.
package infer

import (
	"fmt"
	"math"
	"strings"

	"github.com/bytejit/bytejit/api"
	"github.com/bytejit/bytejit/internal/ssa"
)

// TypeMask is a set of value kinds.
type TypeMask uint32

const (
	MayBeUndef TypeMask = 1 << iota
	MayBeNull
	MayBeFalse
	MayBeTrue
	MayBeLong
	MayBeDouble
	MayBeString

	MayBeBool   = MayBeFalse | MayBeTrue
	MayBeNumber = MayBeLong | MayBeDouble
	MayBeAny    = MayBeUndef | MayBeNull | MayBeBool | MayBeNumber | MayBeString
)

var typeNames = [...]string{"undef", "null", "false", "true", "long", "double", "string"}

// String implements fmt.Stringer.
func (t TypeMask) String() string {
	if t == 0 {
		return "none"
	}
	if t == MayBeAny {
		return "any"
	}
	var names []string
	for i, name := range typeNames {
		if t&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// MaskOf returns the mask holding only the given kind.
func MaskOf(kind api.ValueKind) TypeMask {
	return 1 << kind
}

// Info is what is known about one SSA variable.
type Info struct {
	Type TypeMask
	// Range bounds the long values of the variable. It is meaningful only if Type has MayBeLong.
	Range ssa.Range
}

// IsLong returns true if the variable is always a long.
func (i Info) IsLong() bool { return i.Type == MayBeLong }

// String implements fmt.Stringer.
func (i Info) String() string {
	if i.Type&MayBeLong == 0 {
		return i.Type.String()
	}
	return fmt.Sprintf("%s %s", i.Type, FormatRange(i.Range))
}

// FormatRange returns "[min..max]" with unknown bounds as -INF and +INF.
func FormatRange(r ssa.Range) string {
	min, max := fmt.Sprint(r.Min), fmt.Sprint(r.Max)
	if r.Underflow {
		min = "-INF"
	}
	if r.Overflow {
		max = "+INF"
	}
	return "[" + min + ".." + max + "]"
}

var fullRange = ssa.Range{Min: math.MinInt64, Max: math.MaxInt64, Underflow: true, Overflow: true}

func point(v int64) ssa.Range { return ssa.Range{Min: v, Max: v} }

func longInfo(r ssa.Range) Info { return Info{Type: MayBeLong, Range: r} }

// join returns the union of a and b.
func join(a, b Info) Info {
	switch {
	case a.Type&MayBeLong == 0:
		return Info{Type: a.Type | b.Type, Range: b.Range}
	case b.Type&MayBeLong == 0:
		return Info{Type: a.Type | b.Type, Range: a.Range}
	}
	return Info{Type: a.Type | b.Type, Range: unionRange(a.Range, b.Range)}
}

func unionRange(a, b ssa.Range) ssa.Range {
	r := a
	switch {
	case b.Min < a.Min:
		r.Min, r.Underflow = b.Min, b.Underflow
	case b.Min == a.Min:
		r.Underflow = a.Underflow || b.Underflow
	}
	switch {
	case b.Max > a.Max:
		r.Max, r.Overflow = b.Max, b.Overflow
	case b.Max == a.Max:
		r.Overflow = a.Overflow || b.Overflow
	}
	return r
}

// widen returns next with every bound that grew beyond prev pushed to infinity.
func widen(prev, next Info) Info {
	if prev.Type&MayBeLong == 0 || next.Type&MayBeLong == 0 {
		return next
	}
	if next.Range.Min < prev.Range.Min {
		next.Range.Min, next.Range.Underflow = math.MinInt64, true
	}
	if next.Range.Max > prev.Range.Max {
		next.Range.Max, next.Range.Overflow = math.MaxInt64, true
	}
	return next
}

// subsumes returns true if every value described by b is also described by a.
func subsumes(a, b Info) bool {
	if b.Type&^a.Type != 0 {
		return false
	}
	if b.Type&MayBeLong == 0 {
		return true
	}
	return a.Range.Min <= b.Range.Min && a.Range.Max >= b.Range.Max
}

func addRange(a, b ssa.Range) (r ssa.Range, overflow bool) {
	lo, okLo := addInt64(a.Min, b.Min)
	hi, okHi := addInt64(a.Max, b.Max)
	return saturate(lo, okLo, hi, okHi, a.Underflow || b.Underflow, a.Overflow || b.Overflow)
}

func subRange(a, b ssa.Range) (r ssa.Range, overflow bool) {
	lo, okLo := subInt64(a.Min, b.Max)
	hi, okHi := subInt64(a.Max, b.Min)
	return saturate(lo, okLo, hi, okHi, a.Underflow || b.Overflow, a.Overflow || b.Underflow)
}

// saturate builds the range of a speculative result: bounds that overflowed become infinite and the
// operation needs an overflow check.
func saturate(lo int64, okLo bool, hi int64, okHi bool, underflow, overflow bool) (ssa.Range, bool) {
	r := ssa.Range{Min: lo, Max: hi}
	if underflow || !okLo {
		r.Min, r.Underflow = math.MinInt64, true
	}
	if overflow || !okHi {
		r.Max, r.Overflow = math.MaxInt64, true
	}
	return r, !okLo || !okHi
}

func mulRange(a, b ssa.Range) (ssa.Range, bool) {
	lo, hi := int64(math.MaxInt64), int64(math.MinInt64)
	for _, x := range [2]int64{a.Min, a.Max} {
		for _, y := range [2]int64{b.Min, b.Max} {
			p, ok := mulInt64(x, y)
			if !ok {
				return fullRange, true
			}
			if p < lo {
				lo = p
			}
			if p > hi {
				hi = p
			}
		}
	}
	return ssa.Range{Min: lo, Max: hi}, false
}

// modRange bounds x % y for long operands; the sign follows the dividend.
func modRange(x, y ssa.Range) ssa.Range {
	m := int64(math.MaxInt64)
	if y.Min > math.MinInt64 && y.Max > math.MinInt64 {
		m = absInt64(y.Min)
		if a := absInt64(y.Max); a > m {
			m = a
		}
		m--
		if m < 0 {
			m = 0
		}
	}
	r := ssa.Range{Min: -m, Max: m}
	if x.Min >= 0 {
		r.Min = 0
		if x.Max < r.Max {
			r.Max = x.Max
		}
	} else if x.Max <= 0 {
		r.Max = 0
		if x.Min > r.Min {
			r.Min = x.Min
		}
	}
	return r
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func addInt64(a, b int64) (int64, bool) {
	c := a + b
	return c, (c > a) == (b > 0)
}

func subInt64(a, b int64) (int64, bool) {
	c := a - b
	return c, (c < a) == (b > 0)
}

func mulInt64(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	c := a * b
	if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) || c/b != a {
		return 0, false
	}
	return c, true
}
