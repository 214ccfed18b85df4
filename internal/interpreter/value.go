package interpreter

import (
	"math"
	"math/bits"
	"strconv"
	"strings"

	"github.com/bytejit/bytejit/api"
)

// Slot is one frame variable. The layout is read and written by native code: see the Slot*Offset consts.
//
// String payloads are indexes into the Machine's interned string table so that frames hold no Go pointers.
type Slot struct {
	Payload uint64
	Kind    api.ValueKind
	_       uint32
}

const (
	// SlotSize is the size of Slot in bytes.
	SlotSize = 16
	// SlotPayloadOffset is the offset of Slot.Payload.
	SlotPayloadOffset = 0
	// SlotKindOffset is the offset of Slot.Kind.
	SlotKindOffset = 8
)

// LongSlot returns a slot holding v.
func LongSlot(v int64) Slot { return Slot{Payload: uint64(v), Kind: api.ValueKindLong} }

// DoubleSlot returns a slot holding v.
func DoubleSlot(v float64) Slot { return Slot{Payload: math.Float64bits(v), Kind: api.ValueKindDouble} }

// BoolSlot returns a slot holding true or false.
func BoolSlot(b bool) Slot {
	if b {
		return Slot{Kind: api.ValueKindTrue}
	}
	return Slot{Kind: api.ValueKindFalse}
}

// NullSlot returns a slot holding null.
func NullSlot() Slot { return Slot{Kind: api.ValueKindNull} }

// Long returns the payload as an integer.
func (s Slot) Long() int64 { return int64(s.Payload) }

// Double returns the payload as a float.
func (s Slot) Double() float64 { return math.Float64frombits(s.Payload) }

// number is the result of numeric conversion.
type number struct {
	isDouble bool
	l        int64
	d        float64
}

func (n number) float() float64 {
	if n.isDouble {
		return n.d
	}
	return float64(n.l)
}

func (n number) slot() Slot {
	if n.isDouble {
		return DoubleSlot(n.d)
	}
	return LongSlot(n.l)
}

// parseNumber converts the numeric prefix of s, skipping leading whitespace.
// whole is true if nothing but whitespace follows the number.
func parseNumber(s string) (n number, whole bool) {
	t := strings.TrimLeft(s, " \t\n\r\v\f")
	i := 0
	if i < len(t) && (t[i] == '+' || t[i] == '-') {
		i++
	}
	digits, isFloat := 0, false
	for i < len(t) && t[i] >= '0' && t[i] <= '9' {
		i++
		digits++
	}
	if i < len(t) && t[i] == '.' {
		j := i + 1
		frac := 0
		for j < len(t) && t[j] >= '0' && t[j] <= '9' {
			j++
			frac++
		}
		if digits+frac > 0 {
			i, digits, isFloat = j, digits+frac, true
		}
	}
	if digits == 0 {
		return number{}, false
	}
	if i < len(t) && (t[i] == 'e' || t[i] == 'E') {
		j := i + 1
		if j < len(t) && (t[j] == '+' || t[j] == '-') {
			j++
		}
		if j < len(t) && t[j] >= '0' && t[j] <= '9' {
			for j < len(t) && t[j] >= '0' && t[j] <= '9' {
				j++
			}
			i, isFloat = j, true
		}
	}
	whole = strings.TrimRight(t[i:], " \t\n\r\v\f") == ""
	if !isFloat {
		if l, err := strconv.ParseInt(t[:i], 10, 64); err == nil {
			return number{l: l}, whole
		}
	}
	d, _ := strconv.ParseFloat(t[:i], 64)
	return number{isDouble: true, d: d}, whole
}

func (m *Machine) toNumber(s Slot) number {
	switch s.Kind {
	case api.ValueKindTrue:
		return number{l: 1}
	case api.ValueKindLong:
		return number{l: s.Long()}
	case api.ValueKindDouble:
		return number{isDouble: true, d: s.Double()}
	case api.ValueKindString:
		n, _ := parseNumber(m.str(s.Payload))
		return n
	}
	return number{}
}

func doubleToLong(d float64) int64 {
	if math.IsNaN(d) || math.IsInf(d, 0) || d >= math.MaxInt64 || d < math.MinInt64 {
		return 0
	}
	return int64(d)
}

func (m *Machine) toLong(s Slot) int64 {
	n := m.toNumber(s)
	if n.isDouble {
		return doubleToLong(n.d)
	}
	return n.l
}

func (m *Machine) toBool(s Slot) bool {
	switch s.Kind {
	case api.ValueKindTrue:
		return true
	case api.ValueKindLong:
		return s.Payload != 0
	case api.ValueKindDouble:
		return s.Double() != 0
	case api.ValueKindString:
		str := m.str(s.Payload)
		return str != "" && str != "0"
	}
	return false
}

func (m *Machine) toString(s Slot) string {
	switch s.Kind {
	case api.ValueKindTrue:
		return "1"
	case api.ValueKindLong:
		return strconv.FormatInt(s.Long(), 10)
	case api.ValueKindDouble:
		return api.FormatDouble(s.Double())
	case api.ValueKindString:
		return m.str(s.Payload)
	}
	return ""
}

type arithOp byte

const (
	arithAdd arithOp = iota
	arithSub
	arithMul
	arithDiv
)

// arith implements ADD, SUB, MUL and DIV. Integer overflow produces a double.
func (m *Machine) arith(op arithOp, a, b Slot) (Slot, error) {
	x, y := m.toNumber(a), m.toNumber(b)
	if op == arithDiv {
		if (!y.isDouble && y.l == 0) || (y.isDouble && y.d == 0) {
			return Slot{}, ErrRuntimeDivisionByZero
		}
	}
	if !x.isDouble && !y.isDouble {
		switch op {
		case arithAdd:
			if r, ok := addLong(x.l, y.l); ok {
				return LongSlot(r), nil
			}
		case arithSub:
			if r, ok := subLong(x.l, y.l); ok {
				return LongSlot(r), nil
			}
		case arithMul:
			if r, ok := mulLong(x.l, y.l); ok {
				return LongSlot(r), nil
			}
		case arithDiv:
			if !(x.l == math.MinInt64 && y.l == -1) && x.l%y.l == 0 {
				return LongSlot(x.l / y.l), nil
			}
		}
	}
	fx, fy := x.float(), y.float()
	switch op {
	case arithAdd:
		return DoubleSlot(fx + fy), nil
	case arithSub:
		return DoubleSlot(fx - fy), nil
	case arithMul:
		return DoubleSlot(fx * fy), nil
	default:
		return DoubleSlot(fx / fy), nil
	}
}

func addLong(x, y int64) (int64, bool) {
	r := x + y
	return r, (x >= 0) != (y >= 0) || (r >= 0) == (x >= 0)
}

func subLong(x, y int64) (int64, bool) {
	r := x - y
	return r, (x >= 0) == (y >= 0) || (r >= 0) == (x >= 0)
}

func mulLong(x, y int64) (int64, bool) {
	neg := (x < 0) != (y < 0)
	ux, uy := uint64(x), uint64(y)
	if x < 0 {
		ux = -ux
	}
	if y < 0 {
		uy = -uy
	}
	hi, lo := bits.Mul64(ux, uy)
	if hi != 0 {
		return 0, false
	}
	if neg {
		if lo > 1<<63 {
			return 0, false
		}
		return int64(-lo), true
	}
	if lo >= 1<<63 {
		return 0, false
	}
	return int64(lo), true
}

// mod implements MOD on integer conversions of both operands.
func (m *Machine) mod(a, b Slot) (Slot, error) {
	x, y := m.toLong(a), m.toLong(b)
	if y == 0 {
		return Slot{}, ErrRuntimeModuloByZero
	}
	if y == -1 {
		return LongSlot(0), nil
	}
	return LongSlot(x % y), nil
}

// incdec implements the increment and decrement opcodes. Null increments to 1 and decrements to null.
func (m *Machine) incdec(s Slot, inc bool) Slot {
	switch s.Kind {
	case api.ValueKindUndef, api.ValueKindNull:
		if inc {
			return LongSlot(1)
		}
		return NullSlot()
	case api.ValueKindLong:
		if inc {
			if s.Long() == math.MaxInt64 {
				return DoubleSlot(float64(math.MaxInt64) + 1)
			}
			return LongSlot(s.Long() + 1)
		}
		if s.Long() == math.MinInt64 {
			return DoubleSlot(float64(math.MinInt64) - 1)
		}
		return LongSlot(s.Long() - 1)
	case api.ValueKindDouble:
		if inc {
			return DoubleSlot(s.Double() + 1)
		}
		return DoubleSlot(s.Double() - 1)
	case api.ValueKindString:
		if n, whole := parseNumber(m.str(s.Payload)); whole {
			one := LongSlot(1)
			var r Slot
			if inc {
				r, _ = m.arith(arithAdd, n.slot(), one)
			} else {
				r, _ = m.arith(arithSub, n.slot(), one)
			}
			return r
		}
	}
	return s
}

// compare returns the loose ordering of a and b. ok is false if the operands are unordered (NaN).
func (m *Machine) compare(a, b Slot) (cmp int, ok bool) {
	if a.Kind == api.ValueKindLong && b.Kind == api.ValueKindLong {
		return compareLong(a.Long(), b.Long()), true
	}
	isBool := func(s Slot) bool { return s.Kind == api.ValueKindTrue || s.Kind == api.ValueKindFalse }
	isNull := func(s Slot) bool { return s.Kind == api.ValueKindNull || s.Kind == api.ValueKindUndef }
	switch {
	case isBool(a) || isBool(b):
		return compareBool(m.toBool(a), m.toBool(b)), true
	case isNull(a) && isNull(b):
		return 0, true
	case isNull(a) && b.Kind == api.ValueKindString:
		return strings.Compare("", m.str(b.Payload)), true
	case isNull(b) && a.Kind == api.ValueKindString:
		return strings.Compare(m.str(a.Payload), ""), true
	case isNull(a) || isNull(b):
		return compareBool(m.toBool(a), m.toBool(b)), true
	case a.Kind == api.ValueKindString && b.Kind == api.ValueKindString:
		sa, sb := m.str(a.Payload), m.str(b.Payload)
		na, wa := parseNumber(sa)
		nb, wb := parseNumber(sb)
		if !wa || !wb {
			return strings.Compare(sa, sb), true
		}
		return compareNumber(na, nb)
	}
	return compareNumber(m.toNumber(a), m.toNumber(b))
}

func compareNumber(x, y number) (int, bool) {
	if !x.isDouble && !y.isDouble {
		return compareLong(x.l, y.l), true
	}
	fx, fy := x.float(), y.float()
	switch {
	case fx < fy:
		return -1, true
	case fx > fy:
		return 1, true
	case fx == fy:
		return 0, true
	}
	return 0, false
}

func compareLong(x, y int64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func compareBool(x, y bool) int {
	switch {
	case x == y:
		return 0
	case y:
		return -1
	}
	return 1
}
