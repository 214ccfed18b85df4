package regalloc

import "math"

// LiveRange is a closed range of positions.
type LiveRange struct {
	Start, End int
}

// Interval is the lifetime of an SSA variable, or a fragment of it after splitting.
type Interval struct {
	SSAVar int
	Reg    RealReg
	// Ranges are sorted, disjoint and not adjacent.
	Ranges []LiveRange
	// Split marks fragments other than the first one of a variable.
	Split bool
	// Load asks for the register to be filled from the slot where the interval starts.
	Load bool
	// Store asks for the value to be written through to the slot where it is defined.
	Store bool
	// Hint is the SSA variable whose register this interval prefers, -1 for none.
	Hint int

	usedAsHint int
	seq        int
}

// Start returns the first position of the interval.
func (i *Interval) Start() int { return i.Ranges[0].Start }

// End returns the last position of the interval.
func (i *Interval) End() int { return i.Ranges[len(i.Ranges)-1].End }

// Covers returns true if the interval is live at pos.
func (i *Interval) Covers(pos int) bool {
	for _, r := range i.Ranges {
		if pos < r.Start {
			return false
		}
		if pos <= r.End {
			return true
		}
	}
	return false
}

const noIntersection = math.MaxInt

// intersection returns the first position both intervals cover, noIntersection if there is none.
func intersection(a, b *Interval) int { return intersectionFrom(a, b, 0) }

// intersectionFrom returns the first position not before from that both intervals cover.
func intersectionFrom(a, b *Interval, from int) int {
	i, j := 0, 0
	for i < len(a.Ranges) && j < len(b.Ranges) {
		r1, r2 := a.Ranges[i], b.Ranges[j]
		switch {
		case r1.End < from:
			i++
		case r2.End < from:
			j++
		case r1.Start > r2.End:
			j++
		case r2.Start > r1.End:
			i++
		default:
			return max(r1.Start, r2.Start, from)
		}
	}
	return noIntersection
}

// rangeEndsAt returns true if pos is the last position of one of the ranges: the value dies there, possibly
// to be redefined later.
func (i *Interval) rangeEndsAt(pos int) bool {
	for _, r := range i.Ranges {
		if r.End == pos {
			return true
		}
		if r.End > pos {
			return false
		}
	}
	return false
}

// addRange adds [from, to] and merges ranges that overlap or touch it.
func (i *Interval) addRange(from, to int) {
	rs := i.Ranges
	// Find the first range that ends at or after from-1.
	k := 0
	for k < len(rs) && rs[k].End+1 < from {
		k++
	}
	if k == len(rs) || rs[k].Start > to+1 {
		rs = append(rs, LiveRange{})
		copy(rs[k+1:], rs[k:])
		rs[k] = LiveRange{Start: from, End: to}
		i.Ranges = rs
		return
	}
	if from < rs[k].Start {
		rs[k].Start = from
	}
	last := k
	for last+1 < len(rs) && rs[last+1].Start <= to+1 {
		last++
	}
	if rs[last].End > to {
		to = rs[last].End
	}
	if rs[k].End < to {
		rs[k].End = to
	}
	i.Ranges = append(rs[:k+1], rs[last+1:]...)
}

// beginRange moves the start of the range containing from to from: the variable is defined there. A
// definition outside every range is a dead store and gets a single position range.
func (i *Interval) beginRange(blockStart, from int) {
	if blockStart != from {
		for k := range i.Ranges {
			r := &i.Ranges[k]
			if from < r.Start || from > r.End {
				continue
			}
			if r.Start == blockStart {
				r.Start = from
			} else {
				// The range starts in an earlier block: keep that part and cut this block up to the definition.
				tail := LiveRange{Start: from, End: r.End}
				r.End = blockStart - 1
				i.Ranges = append(i.Ranges, LiveRange{})
				copy(i.Ranges[k+2:], i.Ranges[k+1:])
				i.Ranges[k+1] = tail
			}
			return
		}
	}
	i.addRange(from, from)
}

// split cuts the interval at pos into the receiver, which keeps the positions before pos, and the returned
// fragment. ok is false if there is nothing to cut off.
func (i *Interval) split(pos int) (rest Interval, ok bool) {
	k := 0
	for k < len(i.Ranges) && i.Ranges[k].End < pos {
		k++
	}
	if k == len(i.Ranges) || pos <= i.Start() {
		return Interval{}, false
	}
	rest = Interval{SSAVar: i.SSAVar, Split: true, Load: true, Hint: -1, usedAsHint: -1}
	r := i.Ranges[k]
	if pos > r.Start {
		rest.Ranges = append([]LiveRange{{Start: pos, End: r.End}}, i.Ranges[k+1:]...)
		i.Ranges = append(i.Ranges[:k:k], LiveRange{Start: r.Start, End: pos - 1})
	} else {
		rest.Ranges = append([]LiveRange(nil), i.Ranges[k:]...)
		i.Ranges = i.Ranges[:k:k]
	}
	i.Store = true
	return rest, true
}
