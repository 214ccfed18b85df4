package amd64

import (
	"fmt"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
)

// Label is a position in the program that jumps can target before it is bound.
type Label struct {
	name   string
	target *obj.Prog
	// pending are the jumps emitted before the label was bound.
	pending []*obj.Prog
}

// Bound returns true once the label refers to an instruction.
func (l *Label) Bound() bool { return l.target != nil }

// Offset returns the offset of the label in the assembled code. Only valid after Assemble.
func (l *Label) Offset() int64 { return l.target.Pc }

type assemblerGoAsmImpl struct {
	b *goasm.Builder
	// bindOnNext are the labels waiting for the next instruction.
	bindOnNext []*Label
	labels     []*Label
}

var _ Assembler = &assemblerGoAsmImpl{}

func newGolangAsmAssembler() (*assemblerGoAsmImpl, error) {
	b, err := goasm.NewBuilder("amd64", 1024)
	if err != nil {
		return nil, fmt.Errorf("failed to create a new assembly builder: %w", err)
	}
	return &assemblerGoAsmImpl{b: b}, nil
}

func (a *assemblerGoAsmImpl) newProg(inst Instruction) *obj.Prog {
	p := a.b.NewProg()
	p.As = castAsGolangAsmInstruction[inst]
	return p
}

func (a *assemblerGoAsmImpl) addInstruction(next *obj.Prog) {
	a.b.AddInstruction(next)
	for _, l := range a.bindOnNext {
		l.target = next
		for _, jmp := range l.pending {
			jmp.To.SetTarget(next)
		}
		l.pending = nil
	}
	a.bindOnNext = a.bindOnNext[:0]
}

// NewLabel implements Assembler.NewLabel.
func (a *assemblerGoAsmImpl) NewLabel(name string) *Label {
	l := &Label{name: name}
	a.labels = append(a.labels, l)
	return l
}

// Bind implements Assembler.Bind.
func (a *assemblerGoAsmImpl) Bind(l *Label) {
	if l.target != nil {
		panic(fmt.Sprintf("BUG: label %s bound twice", l.name))
	}
	a.bindOnNext = append(a.bindOnNext, l)
}

// CompileStandAloneInstruction implements Assembler.CompileStandAloneInstruction.
func (a *assemblerGoAsmImpl) CompileStandAloneInstruction(inst Instruction) {
	a.addInstruction(a.newProg(inst))
}

// CompileRegisterToRegister implements Assembler.CompileRegisterToRegister.
func (a *assemblerGoAsmImpl) CompileRegisterToRegister(inst Instruction, from, to Register) {
	p := a.newProg(inst)
	p.From.Type = obj.TYPE_REG
	p.From.Reg = from
	p.To.Type = obj.TYPE_REG
	p.To.Reg = to
	a.addInstruction(p)
}

// CompileMemoryToRegister implements Assembler.CompileMemoryToRegister.
func (a *assemblerGoAsmImpl) CompileMemoryToRegister(inst Instruction, base Register, offset int64, to Register) {
	p := a.newProg(inst)
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = base
	p.From.Offset = offset
	p.To.Type = obj.TYPE_REG
	p.To.Reg = to
	a.addInstruction(p)
}

// CompileRegisterToMemory implements Assembler.CompileRegisterToMemory.
func (a *assemblerGoAsmImpl) CompileRegisterToMemory(inst Instruction, from, base Register, offset int64) {
	p := a.newProg(inst)
	p.From.Type = obj.TYPE_REG
	p.From.Reg = from
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = base
	p.To.Offset = offset
	a.addInstruction(p)
}

// CompileConstToRegister implements Assembler.CompileConstToRegister.
func (a *assemblerGoAsmImpl) CompileConstToRegister(inst Instruction, value int64, to Register) {
	p := a.newProg(inst)
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = value
	p.To.Type = obj.TYPE_REG
	p.To.Reg = to
	a.addInstruction(p)
}

// CompileConstToMemory implements Assembler.CompileConstToMemory.
func (a *assemblerGoAsmImpl) CompileConstToMemory(inst Instruction, value int64, base Register, offset int64) {
	p := a.newProg(inst)
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = value
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = base
	p.To.Offset = offset
	a.addInstruction(p)
}

// CompileMemoryToConst implements Assembler.CompileMemoryToConst.
func (a *assemblerGoAsmImpl) CompileMemoryToConst(inst Instruction, base Register, offset, value int64) {
	p := a.newProg(inst)
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = base
	p.From.Offset = offset
	p.To.Type = obj.TYPE_CONST
	p.To.Offset = value
	a.addInstruction(p)
}

// CompileRegisterToConst implements Assembler.CompileRegisterToConst.
func (a *assemblerGoAsmImpl) CompileRegisterToConst(inst Instruction, reg Register, value int64) {
	p := a.newProg(inst)
	p.From.Type = obj.TYPE_REG
	p.From.Reg = reg
	p.To.Type = obj.TYPE_CONST
	p.To.Offset = value
	a.addInstruction(p)
}

// CompileRegisterToNone implements Assembler.CompileRegisterToNone.
func (a *assemblerGoAsmImpl) CompileRegisterToNone(inst Instruction, reg Register) {
	p := a.newProg(inst)
	p.From.Type = obj.TYPE_REG
	p.From.Reg = reg
	p.To.Type = obj.TYPE_NONE
	a.addInstruction(p)
}

// CompileJump implements Assembler.CompileJump.
func (a *assemblerGoAsmImpl) CompileJump(inst Instruction, l *Label) {
	p := a.newProg(inst)
	p.To.Type = obj.TYPE_BRANCH
	a.addInstruction(p)
	if l.target != nil {
		p.To.SetTarget(l.target)
	} else {
		l.pending = append(l.pending, p)
	}
}

// Assemble implements Assembler.Assemble.
func (a *assemblerGoAsmImpl) Assemble() ([]byte, error) {
	if len(a.bindOnNext) > 0 {
		return nil, fmt.Errorf("label %s is bound after the last instruction", a.bindOnNext[0].name)
	}
	for _, l := range a.labels {
		if len(l.pending) > 0 {
			return nil, fmt.Errorf("label %s is jumped to but never bound", l.name)
		}
	}
	return a.b.Assemble(), nil
}
