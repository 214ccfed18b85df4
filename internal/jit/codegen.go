package jit

import (
	"fmt"

	"github.com/bytejit/bytejit/api"
	"github.com/bytejit/bytejit/internal/asm/amd64"
	"github.com/bytejit/bytejit/internal/bytecode"
	"github.com/bytejit/bytejit/internal/infer"
	"github.com/bytejit/bytejit/internal/interpreter"
	"github.com/bytejit/bytejit/internal/regalloc"
	"github.com/bytejit/bytejit/internal/ssa"
)

// opKind is how the code generator handles one instruction.
type opKind byte

const (
	// opGeneric exits to the default handler of the instruction.
	opGeneric opKind = iota
	// opNative is compiled inline.
	opNative
	// opFusedCompare is a comparison compiled together with the conditional jump following it.
	opFusedCompare
	// opFusedJump is the jump of an opFusedCompare. It emits nothing on its own.
	opFusedJump
)

// Stats describes the code generated for one function.
type Stats struct {
	NativeOps      int `json:"native_ops"`
	GenericOps     int `json:"generic_ops"`
	FusedBranches  int `json:"fused_branches"`
	OverflowChecks int `json:"overflow_checks"`
	Guards         int `json:"guards"`
}

// classify decides per instruction between inline code and the default handler. It only depends on inferred
// types, so it runs before register allocation, which needs to know the registers inline code clobbers.
func classify(f *ssa.Func, res *infer.Result) []opKind {
	code := f.Fn.Code
	kinds := make([]opKind, len(code))
	for pc := range code {
		if f.CFG.Blocks[f.CFG.BlockOf[pc]].Reachable() && nativeOp(f, res, pc) {
			kinds[pc] = opNative
		}
	}
	for pc := range code {
		if kinds[pc] == opNative && code[pc].Opcode.IsCompare() && fusible(f, pc) && kinds[pc+1] == opNative {
			kinds[pc], kinds[pc+1] = opFusedCompare, opFusedJump
		}
	}
	return kinds
}

func nativeOp(f *ssa.Func, res *infer.Result, pc int) bool {
	in, op := &f.Fn.Code[pc], &f.Ops[pc]
	long := func(o bytecode.Operand, v int) bool { return res.Operand(o, v).IsLong() }
	defsLong := (op.Op1Def < 0 || res.IsLong(op.Op1Def)) && (op.ResultDef < 0 || res.IsLong(op.ResultDef))
	switch in.Opcode {
	case bytecode.OpcodeNop, bytecode.OpcodeJmp:
		return true
	case bytecode.OpcodeAssign:
		return long(in.Op2, op.Op2Use) && defsLong
	case bytecode.OpcodeQMAssign:
		return long(in.Op1, op.Op1Use) && defsLong
	case bytecode.OpcodeAdd, bytecode.OpcodeSub, bytecode.OpcodeMul, bytecode.OpcodeMod,
		bytecode.OpcodeAssignAdd, bytecode.OpcodeAssignSub, bytecode.OpcodeAssignMul:
		return long(in.Op1, op.Op1Use) && long(in.Op2, op.Op2Use) && defsLong
	case bytecode.OpcodePreInc, bytecode.OpcodePreDec, bytecode.OpcodePostInc, bytecode.OpcodePostDec:
		return long(in.Op1, op.Op1Use) && defsLong
	case bytecode.OpcodeIsEqual, bytecode.OpcodeIsNotEqual, bytecode.OpcodeIsSmaller, bytecode.OpcodeIsSmallerOrEqual:
		return long(in.Op1, op.Op1Use) && long(in.Op2, op.Op2Use)
	case bytecode.OpcodeJmpz, bytecode.OpcodeJmpnz, bytecode.OpcodeJmpznz:
		t := res.Operand(in.Op1, op.Op1Use).Type
		return t == infer.MayBeLong || (t != 0 && t&^infer.MayBeBool == 0)
	}
	return false
}

// fusible returns true if the comparison at pc only feeds the conditional jump right after it.
func fusible(f *ssa.Func, pc int) bool {
	next := pc + 1
	if next >= len(f.Fn.Code) || f.CFG.BlockOf[next] != f.CFG.BlockOf[pc] {
		return false
	}
	in, j := &f.Fn.Code[pc], &f.Fn.Code[next]
	switch j.Opcode {
	case bytecode.OpcodeJmpz, bytecode.OpcodeJmpnz, bytecode.OpcodeJmpznz:
	default:
		return false
	}
	rd := f.Ops[pc].ResultDef
	if rd < 0 || !in.Result.IsVar() || j.Op1 != in.Result || f.Ops[next].Op1Use != rd {
		return false
	}
	v := &f.Vars[rd]
	return len(v.Uses) == 1 && v.Uses[0] == next && len(v.PhiUses) == 0
}

// scratchOf returns the registers the inline code of each instruction clobbers, for the register allocator.
func scratchOf(f *ssa.Func, kinds []opKind) func(pc int) regalloc.RegSet {
	return func(pc int) regalloc.RegSet {
		if kinds[pc] == opNative && f.Fn.Code[pc].Opcode == bytecode.OpcodeMod {
			return regalloc.NewRegSet(realRegDX)
		}
		return 0
	}
}

type entryPoint struct {
	pc    int
	label *amd64.Label
}

// codegen emits the native code of one function.
//
// Every frame slot is the home of the values of its variable. Values with a fragment live in its register
// over the fragment, and everything else is read from and written to the slot. Native code exits to Go to run
// instructions it has no inline code for, with every live register stored, and is re-entered right after them.
type codegen struct {
	f     *ssa.Func
	c     *ssa.CFG
	res   *infer.Result
	alloc *regalloc.Allocation
	a     amd64.Assembler
	kinds []opKind

	// covering lists the fragments covering each position.
	covering [][]*regalloc.Interval

	blockLabels []*amd64.Label
	bodyLabels  []*amd64.Label
	deopts      []*amd64.Label
	rejects     []*amd64.Label

	entries []entryPoint
	conts   []entryPoint

	stats Stats
}

func newCodegen(f *ssa.Func, res *infer.Result, alloc *regalloc.Allocation, kinds []opKind) (*codegen, error) {
	a, err := amd64.NewAssembler()
	if err != nil {
		return nil, err
	}
	n := len(f.Fn.Code)
	g := &codegen{
		f: f, c: f.CFG, res: res, alloc: alloc, a: a, kinds: kinds,
		covering:    make([][]*regalloc.Interval, n),
		blockLabels: make([]*amd64.Label, len(f.CFG.Blocks)),
		bodyLabels:  make([]*amd64.Label, len(f.CFG.Blocks)),
		deopts:      make([]*amd64.Label, n),
		rejects:     make([]*amd64.Label, n),
	}
	for _, frags := range alloc.Fragments {
		for _, frag := range frags {
			for _, r := range frag.Ranges {
				for pos := r.Start; pos <= r.End; pos++ {
					g.covering[pos] = append(g.covering[pos], frag)
				}
			}
		}
	}
	for b := range g.c.Blocks {
		g.blockLabels[b] = a.NewLabel(fmt.Sprintf("BB%d", b))
		g.bodyLabels[b] = a.NewLabel(fmt.Sprintf("BB%d.body", b))
	}
	// A reload at the jump would sit between the comparison and the branch.
	for pc, k := range kinds {
		if k == opFusedCompare && len(g.reloadsAt(pc+1)) > 0 {
			kinds[pc], kinds[pc+1] = opNative, opNative
		}
	}
	return g, nil
}

func slotOffset(v int) int64 { return int64(v) * interpreter.SlotSize }

func (g *codegen) deopt(pc int) *amd64.Label {
	if g.deopts[pc] == nil {
		g.deopts[pc] = g.a.NewLabel(fmt.Sprintf("deopt@%d", pc))
	}
	return g.deopts[pc]
}

func (g *codegen) reject(pc int) *amd64.Label {
	if g.rejects[pc] == nil {
		g.rejects[pc] = g.a.NewLabel(fmt.Sprintf("reject@%d", pc))
	}
	return g.rejects[pc]
}

// definedBy returns true if the instruction at pc defines the SSA variable v.
func (g *codegen) definedBy(v, pc int) bool { return g.f.Vars[v].Definition == pc }

// isBlockStart returns true if pos starts a block.
func (g *codegen) isBlockStart(pos int) bool { return g.c.Blocks[g.c.BlockOf[pos]].Start == pos }

// reloadsAt returns the fragments filled from their slot before the instruction at pos: fragments starting
// there with Load and, at block starts, every split value live into the block.
func (g *codegen) reloadsAt(pos int) []*regalloc.Interval {
	var ret []*regalloc.Interval
	blockStart := g.isBlockStart(pos)
	for _, frag := range g.covering[pos] {
		v := frag.SSAVar
		switch {
		case frag.Start() == pos && frag.Load:
		case blockStart && g.alloc.IsSplit(v) && !g.definedBy(v, pos) && !g.phiDefinedAt(v, pos):
		default:
			continue
		}
		ret = append(ret, frag)
	}
	return ret
}

func (g *codegen) phiDefinedAt(v, pos int) bool {
	p := g.f.Vars[v].DefinitionPhi
	return p >= 0 && g.f.Phi(p).Block == g.c.BlockOf[pos]
}

// liveAt returns the fragments holding a value when control enters pos from the interpreter.
func (g *codegen) liveAt(pos int) []*regalloc.Interval {
	var ret []*regalloc.Interval
	for _, frag := range g.covering[pos] {
		if !g.definedBy(frag.SSAVar, pos) {
			ret = append(ret, frag)
		}
	}
	return ret
}

// storeLive writes every register valid at pc back to its slot, before control leaves native code there.
func (g *codegen) storeLive(pc int) {
	reloaded := g.reloadsAt(pc)
outer:
	for _, frag := range g.covering[pc] {
		if g.definedBy(frag.SSAVar, pc) {
			continue
		}
		for _, r := range reloaded {
			if r == frag {
				// The slot is where the register came from.
				continue outer
			}
		}
		g.storeSlot(g.f.Vars[frag.SSAVar].Var, machineReg(frag.Reg))
	}
}

func (g *codegen) storeSlot(slot int, src amd64.Register) {
	g.a.CompileRegisterToMemory(amd64.MOVQ, src, slotsReg, slotOffset(slot)+interpreter.SlotPayloadOffset)
	g.a.CompileConstToMemory(amd64.MOVL, int64(api.ValueKindLong), slotsReg, slotOffset(slot)+interpreter.SlotKindOffset)
}

func (g *codegen) storeBool(slot int, b bool) {
	kind := api.ValueKindFalse
	if b {
		kind = api.ValueKindTrue
	}
	g.a.CompileConstToMemory(amd64.MOVQ, 0, slotsReg, slotOffset(slot)+interpreter.SlotPayloadOffset)
	g.a.CompileConstToMemory(amd64.MOVL, int64(kind), slotsReg, slotOffset(slot)+interpreter.SlotKindOffset)
}

// guardKind jumps to fail unless the slot holds a value of the given kind.
func (g *codegen) guardKind(slot int, kind api.ValueKind, fail *amd64.Label) {
	g.stats.Guards++
	g.a.CompileMemoryToConst(amd64.CMPL, slotsReg, slotOffset(slot)+interpreter.SlotKindOffset, int64(kind))
	g.a.CompileJump(amd64.JNE, fail)
}

// reload fills the registers of frags from their slots, checking that the slots hold longs.
func (g *codegen) reload(frags []*regalloc.Interval, fail *amd64.Label) {
	for _, frag := range frags {
		slot := g.f.Vars[frag.SSAVar].Var
		g.guardKind(slot, api.ValueKindLong, fail)
		g.a.CompileMemoryToRegister(amd64.MOVQ, slotsReg, slotOffset(slot)+interpreter.SlotPayloadOffset, machineReg(frag.Reg))
	}
}

func (g *codegen) exit(pc int, status exitStatus) {
	g.a.CompileConstToMemory(amd64.MOVQ, int64(pc), ctxReg, callContextExitPCOffset)
	g.a.CompileConstToMemory(amd64.MOVQ, int64(status), ctxReg, callContextExitStatusOffset)
	g.a.CompileStandAloneInstruction(amd64.RET)
}

func (g *codegen) loadSlotsReg() {
	g.a.CompileMemoryToRegister(amd64.MOVQ, ctxReg, callContextSlotsOffset, slotsReg)
}

// emit generates the whole function. Blocks are laid out in source order so that fallthrough edges need no
// jump. Entry stubs and exit stubs follow the blocks.
func (g *codegen) emit() ([]byte, error) {
	for b := range g.c.Blocks {
		blk := &g.c.Blocks[b]
		if !blk.Reachable() {
			continue
		}
		g.emitBlockStart(b)
		for pc := blk.Start; pc <= blk.End; pc++ {
			if pc != blk.Start {
				g.reload(g.reloadsAt(pc), g.deopt(pc))
			}
			if err := g.emitInstruction(pc); err != nil {
				return nil, err
			}
		}
	}
	for b := range g.c.Blocks {
		if g.c.Blocks[b].Reachable() {
			g.emitEntry(b)
		}
	}
	for pc, l := range g.deopts {
		if l != nil {
			g.a.Bind(l)
			g.storeLive(pc)
			g.exit(pc, exitStatusDeopt)
		}
	}
	for pc, l := range g.rejects {
		if l != nil {
			g.a.Bind(l)
			g.exit(pc, exitStatusRejected)
		}
	}
	return g.a.Assemble()
}

// emitBlockStart binds the label jumps target and reconciles Phi and Pi nodes with their slots.
func (g *codegen) emitBlockStart(b int) {
	blk := &g.c.Blocks[b]
	g.a.Bind(g.blockLabels[b])
	for _, id := range g.f.BlockPhis[b] {
		p := g.f.Phi(id)
		if frag := g.alloc.First(p.SSAVar); frag != nil && frag.Start() == blk.Start && frag.Store && !frag.Load {
			g.storeSlot(p.Var, machineReg(frag.Reg))
		}
	}
	g.reload(g.reloadsAt(blk.Start), g.deopt(blk.Start))
	g.a.Bind(g.bodyLabels[b])
}

// emitEntry emits the stub the interpreter enters block b through: every live value is loaded from its slot.
func (g *codegen) emitEntry(b int) {
	blk := &g.c.Blocks[b]
	l := g.a.NewLabel(fmt.Sprintf("entry@%d", blk.Start))
	g.a.Bind(l)
	g.loadSlotsReg()
	g.reload(g.liveAt(blk.Start), g.reject(blk.Start))
	g.a.CompileJump(amd64.JMP, g.bodyLabels[b])
	g.entries = append(g.entries, entryPoint{pc: blk.Start, label: l})
}

func (g *codegen) emitInstruction(pc int) error {
	in := &g.f.Fn.Code[pc]
	switch g.kinds[pc] {
	case opGeneric:
		g.stats.GenericOps++
		g.emitHandlerExit(pc)
		return nil
	case opFusedJump:
		return nil
	case opFusedCompare:
		g.stats.NativeOps++
		g.stats.FusedBranches++
		g.emitCompare(pc, true)
		return nil
	}
	g.stats.NativeOps++
	switch in.Opcode {
	case bytecode.OpcodeNop:
	case bytecode.OpcodeJmp:
		g.a.CompileJump(amd64.JMP, g.blockLabels[g.c.BlockOf[in.Op1.Num]])
	case bytecode.OpcodeAssign, bytecode.OpcodeQMAssign:
		g.emitAssign(pc)
	case bytecode.OpcodeAdd, bytecode.OpcodeSub, bytecode.OpcodeMul,
		bytecode.OpcodeAssignAdd, bytecode.OpcodeAssignSub, bytecode.OpcodeAssignMul:
		g.emitArith(pc)
	case bytecode.OpcodeMod:
		g.emitMod(pc)
	case bytecode.OpcodePreInc, bytecode.OpcodePreDec, bytecode.OpcodePostInc, bytecode.OpcodePostDec:
		g.emitIncDec(pc)
	case bytecode.OpcodeIsEqual, bytecode.OpcodeIsNotEqual, bytecode.OpcodeIsSmaller, bytecode.OpcodeIsSmallerOrEqual:
		g.emitCompare(pc, false)
	case bytecode.OpcodeJmpz, bytecode.OpcodeJmpnz, bytecode.OpcodeJmpznz:
		g.emitCondJump(pc)
	default:
		return fmt.Errorf("no inline code for %s at %d", in.Opcode, pc)
	}
	return nil
}

// emitHandlerExit leaves native code to run the default handler of pc. The continuation right after it is
// where the engine re-enters when the handler falls through to the next instruction of the block.
func (g *codegen) emitHandlerExit(pc int) {
	g.storeLive(pc)
	g.exit(pc, exitStatusHandler)

	in := &g.f.Fn.Code[pc]
	next := pc + 1
	if in.Opcode.IsJump() || in.Opcode.Terminates() || next > g.c.Blocks[g.c.BlockOf[pc]].End {
		return
	}
	l := g.a.NewLabel(fmt.Sprintf("cont@%d", pc))
	g.a.Bind(l)
	g.loadSlotsReg()
	g.reload(g.liveAt(next), g.reject(next))
	g.conts = append(g.conts, entryPoint{pc: pc, label: l})
}

// loadOperand moves a long operand into dst. Slots are checked to hold a long.
func (g *codegen) loadOperand(pc int, o bytecode.Operand, v int, dst amd64.Register) {
	if o.Kind == bytecode.OperandConst {
		g.a.CompileConstToRegister(amd64.MOVQ, g.f.Fn.Literal(o).AsLong(), dst)
		return
	}
	if frag := g.alloc.Fragment(v, pc); frag != nil {
		g.a.CompileRegisterToRegister(amd64.MOVQ, machineReg(frag.Reg), dst)
		return
	}
	g.guardKind(o.Num, api.ValueKindLong, g.deopt(pc))
	g.a.CompileMemoryToRegister(amd64.MOVQ, slotsReg, slotOffset(o.Num)+interpreter.SlotPayloadOffset, dst)
}

// writeDef stores the long in src as the SSA variable v defined at pc.
func (g *codegen) writeDef(pc, v int, src amd64.Register) {
	if v < 0 {
		return
	}
	slot := g.f.Vars[v].Var
	if frag := g.alloc.First(v); frag != nil && frag.Covers(pc) {
		g.a.CompileRegisterToRegister(amd64.MOVQ, src, machineReg(frag.Reg))
		if !frag.Store {
			return
		}
	}
	g.storeSlot(slot, src)
}

func (g *codegen) emitAssign(pc int) {
	in, op := &g.f.Fn.Code[pc], &g.f.Ops[pc]
	if in.Opcode == bytecode.OpcodeAssign {
		g.loadOperand(pc, in.Op2, op.Op2Use, scratchReg)
		g.writeDef(pc, op.Op1Def, scratchReg)
	} else {
		g.loadOperand(pc, in.Op1, op.Op1Use, scratchReg)
	}
	g.writeDef(pc, op.ResultDef, scratchReg)
}

func (g *codegen) checkOverflow(pc int) {
	if g.res.MayOverflow(pc) {
		g.stats.OverflowChecks++
		g.a.CompileJump(amd64.JOS, g.deopt(pc))
	}
}

func (g *codegen) emitArith(pc int) {
	in, op := &g.f.Fn.Code[pc], &g.f.Ops[pc]
	g.loadOperand(pc, in.Op1, op.Op1Use, scratchReg)
	g.loadOperand(pc, in.Op2, op.Op2Use, scratchReg2)
	var inst amd64.Instruction
	switch in.Opcode {
	case bytecode.OpcodeAdd, bytecode.OpcodeAssignAdd:
		inst = amd64.ADDQ
	case bytecode.OpcodeSub, bytecode.OpcodeAssignSub:
		inst = amd64.SUBQ
	default:
		inst = amd64.IMULQ
	}
	g.a.CompileRegisterToRegister(inst, scratchReg2, scratchReg)
	g.checkOverflow(pc)
	g.writeDef(pc, op.Op1Def, scratchReg)
	g.writeDef(pc, op.ResultDef, scratchReg)
}

// emitMod computes op1 % op2 with truncated division. A zero divisor is left to the default handler, which
// raises the error, and -1 is special cased as IDIVQ faults on MinInt64 / -1.
func (g *codegen) emitMod(pc int) {
	in, op := &g.f.Fn.Code[pc], &g.f.Ops[pc]
	g.loadOperand(pc, in.Op1, op.Op1Use, scratchReg)
	g.loadOperand(pc, in.Op2, op.Op2Use, scratchReg2)
	g.a.CompileRegisterToRegister(amd64.TESTQ, scratchReg2, scratchReg2)
	g.a.CompileJump(amd64.JEQ, g.deopt(pc))

	div := g.a.NewLabel(fmt.Sprintf("mod@%d.div", pc))
	done := g.a.NewLabel(fmt.Sprintf("mod@%d.done", pc))
	g.a.CompileRegisterToConst(amd64.CMPQ, scratchReg2, -1)
	g.a.CompileJump(amd64.JNE, div)
	g.a.CompileConstToRegister(amd64.MOVQ, 0, scratchReg)
	g.a.CompileJump(amd64.JMP, done)
	g.a.Bind(div)
	g.a.CompileStandAloneInstruction(amd64.CQO)
	g.a.CompileRegisterToNone(amd64.IDIVQ, scratchReg2)
	g.a.CompileRegisterToRegister(amd64.MOVQ, amd64.RegDX, scratchReg)
	g.a.Bind(done)
	g.writeDef(pc, op.ResultDef, scratchReg)
	if op.ResultDef < 0 {
		// done needs an instruction to refer to.
		g.a.CompileStandAloneInstruction(amd64.NOP)
	}
}

func (g *codegen) emitIncDec(pc int) {
	in, op := &g.f.Fn.Code[pc], &g.f.Ops[pc]
	inst := amd64.ADDQ
	if in.Opcode == bytecode.OpcodePreDec || in.Opcode == bytecode.OpcodePostDec {
		inst = amd64.SUBQ
	}
	g.loadOperand(pc, in.Op1, op.Op1Use, scratchReg)
	switch in.Opcode {
	case bytecode.OpcodePreInc, bytecode.OpcodePreDec:
		g.a.CompileConstToRegister(inst, 1, scratchReg)
		g.checkOverflow(pc)
		g.writeDef(pc, op.Op1Def, scratchReg)
		g.writeDef(pc, op.ResultDef, scratchReg)
	default:
		g.a.CompileRegisterToRegister(amd64.MOVQ, scratchReg, scratchReg2)
		g.a.CompileConstToRegister(inst, 1, scratchReg2)
		g.checkOverflow(pc)
		g.writeDef(pc, op.Op1Def, scratchReg2)
		g.writeDef(pc, op.ResultDef, scratchReg)
	}
}

// conditionOf returns the jump taken when the comparison holds, after "CMPQ op1, op2".
func conditionOf(op bytecode.Opcode) amd64.Instruction {
	switch op {
	case bytecode.OpcodeIsEqual:
		return amd64.JEQ
	case bytecode.OpcodeIsNotEqual:
		return amd64.JNE
	case bytecode.OpcodeIsSmaller:
		return amd64.JLT
	case bytecode.OpcodeIsSmallerOrEqual:
		return amd64.JLE
	}
	panic(fmt.Sprintf("BUG: %s is not a comparison", op))
}

func (g *codegen) emitCompare(pc int, fused bool) {
	in, op := &g.f.Fn.Code[pc], &g.f.Ops[pc]
	if !fused && op.ResultDef < 0 {
		// Comparing longs has no effect besides its result.
		return
	}
	g.loadOperand(pc, in.Op1, op.Op1Use, scratchReg)
	g.loadOperand(pc, in.Op2, op.Op2Use, scratchReg2)
	g.a.CompileRegisterToRegister(amd64.CMPQ, scratchReg, scratchReg2)
	cc := conditionOf(in.Opcode)
	if fused {
		onTrue, onFalse := g.jumpTargets(pc + 1)
		g.branch(cc, onTrue, onFalse)
		return
	}
	holds := g.a.NewLabel(fmt.Sprintf("cmp@%d.true", pc))
	done := g.a.NewLabel(fmt.Sprintf("cmp@%d.done", pc))
	g.a.CompileJump(cc, holds)
	g.storeBool(in.Result.Num, false)
	g.a.CompileJump(amd64.JMP, done)
	g.a.Bind(holds)
	g.storeBool(in.Result.Num, true)
	g.a.Bind(done)
}

// jumpTargets returns the labels a conditional jump goes to when its operand is truthy and falsy, nil for
// falling through to the next block.
func (g *codegen) jumpTargets(pc int) (onTrue, onFalse *amd64.Label) {
	in := &g.f.Fn.Code[pc]
	target := func(t int) *amd64.Label { return g.blockLabels[g.c.BlockOf[t]] }
	switch in.Opcode {
	case bytecode.OpcodeJmpz:
		onFalse = target(in.Op2.Num)
	case bytecode.OpcodeJmpnz:
		onTrue = target(in.Op2.Num)
	case bytecode.OpcodeJmpznz:
		onFalse, onTrue = target(in.Op2.Num), target(int(in.Extended))
	}
	return
}

// branch jumps on the flags: cc is the jump taken when the condition is truthy.
func (g *codegen) branch(cc amd64.Instruction, onTrue, onFalse *amd64.Label) {
	switch {
	case onTrue != nil:
		g.a.CompileJump(cc, onTrue)
		if onFalse != nil {
			g.a.CompileJump(amd64.JMP, onFalse)
		}
	case onFalse != nil:
		g.a.CompileJump(amd64.InvertJump(cc), onFalse)
	}
}

func (g *codegen) emitCondJump(pc int) {
	in, op := &g.f.Fn.Code[pc], &g.f.Ops[pc]
	onTrue, onFalse := g.jumpTargets(pc)
	if in.Op1.Kind == bytecode.OperandConst {
		lit := g.f.Fn.Literal(in.Op1)
		truthy := lit.Kind() == api.ValueKindTrue || (lit.Kind() == api.ValueKindLong && lit.AsLong() != 0)
		switch {
		case truthy && onTrue != nil:
			g.a.CompileJump(amd64.JMP, onTrue)
		case !truthy && onFalse != nil:
			g.a.CompileJump(amd64.JMP, onFalse)
		}
		return
	}
	if g.res.Operand(in.Op1, op.Op1Use).IsLong() {
		g.loadOperand(pc, in.Op1, op.Op1Use, scratchReg)
		g.a.CompileRegisterToRegister(amd64.TESTQ, scratchReg, scratchReg)
		g.branch(amd64.JNE, onTrue, onFalse)
		return
	}

	// A boolean in its slot: anything but true or false leaves native code.
	kindOffset := slotOffset(in.Op1.Num) + interpreter.SlotKindOffset
	g.stats.Guards++
	if onTrue != nil {
		g.a.CompileMemoryToConst(amd64.CMPL, slotsReg, kindOffset, int64(api.ValueKindTrue))
		g.a.CompileJump(amd64.JEQ, onTrue)
		g.a.CompileMemoryToConst(amd64.CMPL, slotsReg, kindOffset, int64(api.ValueKindFalse))
		g.a.CompileJump(amd64.JNE, g.deopt(pc))
		if onFalse != nil {
			g.a.CompileJump(amd64.JMP, onFalse)
		}
		return
	}
	g.a.CompileMemoryToConst(amd64.CMPL, slotsReg, kindOffset, int64(api.ValueKindFalse))
	g.a.CompileJump(amd64.JEQ, onFalse)
	g.a.CompileMemoryToConst(amd64.CMPL, slotsReg, kindOffset, int64(api.ValueKindTrue))
	g.a.CompileJump(amd64.JNE, g.deopt(pc))
}
