package jit

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/bytejit/bytejit/internal/interpreter"
)

// Native code reads and writes these fields at fixed offsets.
func TestVerifyOffsetValue(t *testing.T) {
	var ctx callContext
	require.Equal(t, int(unsafe.Offsetof(ctx.slots)), callContextSlotsOffset)
	require.Equal(t, int(unsafe.Offsetof(ctx.exitStatus)), callContextExitStatusOffset)
	require.Equal(t, int(unsafe.Offsetof(ctx.exitPC)), callContextExitPCOffset)

	var s interpreter.Slot
	require.Equal(t, int(unsafe.Sizeof(s)), interpreter.SlotSize)
	require.Equal(t, int(unsafe.Offsetof(s.Payload)), interpreter.SlotPayloadOffset)
	require.Equal(t, int(unsafe.Offsetof(s.Kind)), interpreter.SlotKindOffset)
}

func TestExitStatus_String(t *testing.T) {
	for _, tc := range []struct {
		s   exitStatus
		exp string
	}{
		{s: exitStatusNone, exp: "none"},
		{s: exitStatusHandler, exp: "handler"},
		{s: exitStatusDeopt, exp: "deopt"},
		{s: exitStatusRejected, exp: "rejected"},
		{s: 42, exp: "exitStatus(42)"},
	} {
		require.Equal(t, tc.exp, tc.s.String())
	}
}
