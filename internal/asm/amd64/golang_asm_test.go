package amd64

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
)

func TestGolangAsmCompatibility(t *testing.T) {
	require.Equal(t, int16(x86.REG_AX), RegAX)
	require.Equal(t, int16(x86.REG_R13), RegR13)
	require.Equal(t, int(instructionEnd), len(castAsGolangAsmInstruction))
	require.Equal(t, int(instructionEnd), len(instructionNames))
}

func TestAssembler_Assemble(t *testing.T) {
	t.Run("register move", func(t *testing.T) {
		a, err := NewAssembler()
		require.NoError(t, err)
		a.CompileRegisterToRegister(MOVQ, RegBX, RegAX)
		a.CompileStandAloneInstruction(RET)
		code, err := a.Assemble()
		require.NoError(t, err)
		require.Equal(t, []byte{0x48, 0x89, 0xd8, 0xc3}, code)
	})
	t.Run("forward jump", func(t *testing.T) {
		a, err := NewAssembler()
		require.NoError(t, err)
		l := a.NewLabel("done")
		a.CompileJump(JMP, l)
		a.CompileRegisterToRegister(MOVQ, RegBX, RegAX)
		a.Bind(l)
		a.CompileStandAloneInstruction(RET)
		code, err := a.Assemble()
		require.NoError(t, err)
		require.Equal(t, []byte{0xeb, 0x03, 0x48, 0x89, 0xd8, 0xc3}, code)
		require.Equal(t, int64(5), l.Offset())
	})
	t.Run("backward jump", func(t *testing.T) {
		a, err := NewAssembler()
		require.NoError(t, err)
		l := a.NewLabel("loop")
		a.Bind(l)
		a.CompileRegisterToRegister(MOVQ, RegBX, RegAX)
		a.CompileJump(JMP, l)
		code, err := a.Assemble()
		require.NoError(t, err)
		require.Equal(t, []byte{0x48, 0x89, 0xd8, 0xeb, 0xfb}, code)
		require.True(t, l.Bound())
		require.Equal(t, int64(0), l.Offset())
	})
	t.Run("two labels on one instruction", func(t *testing.T) {
		a, err := NewAssembler()
		require.NoError(t, err)
		l1, l2 := a.NewLabel("l1"), a.NewLabel("l2")
		a.CompileRegisterToRegister(MOVQ, RegBX, RegAX)
		a.Bind(l1)
		a.Bind(l2)
		a.CompileStandAloneInstruction(RET)
		_, err = a.Assemble()
		require.NoError(t, err)
		require.Equal(t, int64(3), l1.Offset())
		require.Equal(t, l1.Offset(), l2.Offset())
	})
	t.Run("never bound", func(t *testing.T) {
		a, err := NewAssembler()
		require.NoError(t, err)
		a.CompileJump(JNE, a.NewLabel("lost"))
		a.CompileStandAloneInstruction(RET)
		_, err = a.Assemble()
		require.EqualError(t, err, "label lost is jumped to but never bound")
	})
	t.Run("bound at the end", func(t *testing.T) {
		a, err := NewAssembler()
		require.NoError(t, err)
		a.CompileStandAloneInstruction(RET)
		a.Bind(a.NewLabel("tail"))
		_, err = a.Assemble()
		require.EqualError(t, err, "label tail is bound after the last instruction")
	})
}

func TestInvertJump(t *testing.T) {
	for _, inst := range []Instruction{JEQ, JNE, JLT, JGE, JLE, JGT} {
		require.Equal(t, inst, InvertJump(InvertJump(inst)), inst.String())
		require.NotEqual(t, inst, InvertJump(inst))
	}
	require.Panics(t, func() { InvertJump(JMP) })
}
