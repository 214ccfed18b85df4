package api

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValueKindName(t *testing.T) {
	for _, tc := range []struct {
		name     string
		input    ValueKind
		expected string
	}{
		{name: "undef", input: ValueKindUndef, expected: "undef"},
		{name: "null", input: ValueKindNull, expected: "null"},
		{name: "false", input: ValueKindFalse, expected: "false"},
		{name: "true", input: ValueKindTrue, expected: "true"},
		{name: "long", input: ValueKindLong, expected: "long"},
		{name: "double", input: ValueKindDouble, expected: "double"},
		{name: "string", input: ValueKindString, expected: "string"},
		{name: "unknown", input: 100, expected: "0x64"},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, ValueKindName(tc.input))
		})
	}
}

func TestValue_String(t *testing.T) {
	for _, tc := range []struct {
		name     string
		input    Value
		expected string
	}{
		{name: "undef", input: Undef(), expected: ""},
		{name: "null", input: Null(), expected: ""},
		{name: "false", input: Bool(false), expected: ""},
		{name: "true", input: Bool(true), expected: "1"},
		{name: "long", input: Long(-42), expected: "-42"},
		{name: "double", input: Double(1.5), expected: "1.5"},
		{name: "double exponent", input: Double(1e20), expected: "1E+20"},
		{name: "double inf", input: Double(math.Inf(1)), expected: "INF"},
		{name: "string", input: String("abc"), expected: "abc"},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.input.String())
		})
	}
}

func TestEncodeDecodeDouble(t *testing.T) {
	for _, v := range []float64{0, -0.5, math.MaxFloat64, math.SmallestNonzeroFloat64} {
		require.Equal(t, v, DecodeDouble(EncodeDouble(v)))
	}
	require.True(t, math.IsNaN(DecodeDouble(EncodeDouble(math.NaN()))))
}
