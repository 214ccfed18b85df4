// Package api includes constants and types used by both end-users and internal implementations.
package api

import (
	"fmt"
	"math"
	"strconv"
)

// ValueKind is the runtime type tag of a Value.
//
// Note: The numeric values are part of the frame layout read by native code, so they must not be reordered.
type ValueKind = uint32

const (
	ValueKindUndef ValueKind = iota
	ValueKindNull
	ValueKindFalse
	ValueKindTrue
	ValueKindLong
	ValueKindDouble
	ValueKindString
)

// ValueKindName returns the listing name of the given kind, e.g. "long".
func ValueKindName(k ValueKind) string {
	switch k {
	case ValueKindUndef:
		return "undef"
	case ValueKindNull:
		return "null"
	case ValueKindFalse:
		return "false"
	case ValueKindTrue:
		return "true"
	case ValueKindLong:
		return "long"
	case ValueKindDouble:
		return "double"
	case ValueKindString:
		return "string"
	}
	return fmt.Sprintf("%#x", k)
}

// Value is a dynamically typed value passed into or returned from a script function.
//
// The zero value is Undef.
type Value struct {
	kind ValueKind
	bits uint64
	str  string
}

// Undef returns the value of a variable that was never assigned.
func Undef() Value { return Value{} }

// Null returns the null value.
func Null() Value { return Value{kind: ValueKindNull} }

// Bool returns true or false.
func Bool(b bool) Value {
	if b {
		return Value{kind: ValueKindTrue}
	}
	return Value{kind: ValueKindFalse}
}

// Long returns a 64-bit signed integer value.
func Long(v int64) Value { return Value{kind: ValueKindLong, bits: uint64(v)} }

// Double returns a 64-bit floating point value.
func Double(v float64) Value { return Value{kind: ValueKindDouble, bits: EncodeDouble(v)} }

// String returns a string value.
func String(s string) Value { return Value{kind: ValueKindString, str: s} }

// Kind returns the runtime type tag.
func (v Value) Kind() ValueKind { return v.kind }

// Bits returns the raw payload: the two's complement integer for ValueKindLong and the IEEE 754 bits for
// ValueKindDouble. It is zero for the other kinds.
func (v Value) Bits() uint64 { return v.bits }

// AsLong returns the integer payload. It is only meaningful for ValueKindLong.
func (v Value) AsLong() int64 { return int64(v.bits) }

// AsDouble returns the floating point payload. It is only meaningful for ValueKindDouble.
func (v Value) AsDouble() float64 { return DecodeDouble(v.bits) }

// AsString returns the string payload. It is only meaningful for ValueKindString.
func (v Value) AsString() string { return v.str }

// String implements fmt.Stringer with the same text ECHO writes.
func (v Value) String() string {
	switch v.kind {
	case ValueKindTrue:
		return "1"
	case ValueKindLong:
		return strconv.FormatInt(v.AsLong(), 10)
	case ValueKindDouble:
		return FormatDouble(v.AsDouble())
	case ValueKindString:
		return v.str
	}
	return ""
}

// GoString is used by %#v and test failure messages.
func (v Value) GoString() string {
	switch v.kind {
	case ValueKindString:
		return "string(" + strconv.Quote(v.str) + ")"
	case ValueKindLong, ValueKindDouble:
		return ValueKindName(v.kind) + "(" + v.String() + ")"
	}
	return ValueKindName(v.kind)
}

// FormatDouble formats a double the way the interpreter prints it: 14 significant digits, no trailing zeros.
func FormatDouble(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "INF"
	case math.IsInf(f, -1):
		return "-INF"
	case math.IsNaN(f):
		return "NAN"
	}
	return strconv.FormatFloat(f, 'G', 14, 64)
}

// EncodeDouble encodes the input as a payload.
//
// See DecodeDouble
func EncodeDouble(input float64) uint64 {
	return math.Float64bits(input)
}

// DecodeDouble decodes the input as a float64.
//
// See EncodeDouble
func DecodeDouble(input uint64) float64 {
	return math.Float64frombits(input)
}
