// Package ssa builds the compiler's view of a bytecode function: the control flow graph, the dominator tree and
// loop nesting, liveness of the frame variables and finally the e-SSA form with Phi and Pi nodes.
//
// Every structure is addressed by dense integer indices (block index, instruction index, SSA variable id,
// phi index) so that a failed compilation attempt can be dropped as a whole.
package ssa

import (
	"fmt"
	"strings"

	"github.com/bytejit/bytejit/internal/bytecode"
	"github.com/bytejit/bytejit/internal/jitapi"
)

// BlockFlags are the per-block attribute bits.
type BlockFlags uint32

const (
	// BlockReachable is set for blocks reachable from the function entry. Every pass skips the others.
	BlockReachable BlockFlags = 1 << iota
	// BlockTarget is set for blocks that start at a jump target.
	BlockTarget
	// BlockFollow is set for blocks entered by falling through from the previous block.
	BlockFollow
	// BlockEntry is set for blocks the interpreter may enter native code at: the function entry and OSR points.
	BlockEntry
	// BlockRecvEntry is set for the block starting after the leading RECV run.
	BlockRecvEntry
	// BlockLoopHeader is set for the header of a reducible loop.
	BlockLoopHeader
	// BlockIrreducible is set for a block entered by an irreducible loop edge.
	BlockIrreducible
)

var blockFlagNames = [...]string{"reachable", "target", "follow", "entry", "recv_entry", "loop_header", "irreducible"}

// String implements fmt.Stringer.
func (f BlockFlags) String() string {
	var names []string
	for i, name := range blockFlagNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// CFGFlags are the per-function attribute bits found by the analyses.
type CFGFlags uint32

const (
	// CFGIrreducible is set when at least one loop is irreducible.
	CFGIrreducible CFGFlags = 1 << iota
	// CFGHasLoops is set when at least one loop header exists.
	CFGHasLoops
)

// Block is a basic block: the instructions Start..End inclusive.
type Block struct {
	Start, End int
	Flags      BlockFlags
	// Succs has at most two entries. For conditional jumps the taken target comes first.
	Succs []int
	// Preds are the reachable predecessors in increasing block index order.
	Preds []int
	// Idom is the immediate dominator, -1 for the entry block and unreachable blocks.
	Idom int
	// Level is the depth in the dominator tree. The entry block has level 0.
	Level int
	// Children are the blocks immediately dominated by this one, in increasing index order.
	Children []int
	// LoopHeader is the innermost enclosing loop header, -1 if none.
	LoopHeader int
}

// Reachable returns true if the block is reachable from the entry.
func (b *Block) Reachable() bool { return b.Flags&BlockReachable != 0 }

// Len returns the number of instructions in the block.
func (b *Block) Len() int { return b.End - b.Start + 1 }

// PredIndex returns the position of pred in Preds, or -1.
func (b *Block) PredIndex(pred int) int {
	for i, p := range b.Preds {
		if p == pred {
			return i
		}
	}
	return -1
}

// CFG is the control flow graph of one function.
type CFG struct {
	Fn     *bytecode.Function
	Blocks []Block
	// BlockOf maps an instruction index to its block.
	BlockOf []int
	Flags   CFGFlags
	// RPO is the reverse post order of the reachable blocks, entry first.
	RPO []int

	rpoIndex     []int
	domsComputed bool
	loopsFound   bool
}

// CFGOptions configures BuildCFG.
type CFGOptions struct {
	// OSREntries are instruction indices the interpreter may transfer control at. Each starts a block flagged
	// BlockEntry.
	OSREntries []int
}

// BuildCFG partitions the code of fn into basic blocks, links them and marks the reachable ones.
func BuildCFG(fn *bytecode.Function, opts CFGOptions) (*CFG, error) {
	if fn.Flags&(bytecode.FlagGenerator|bytecode.FlagExceptionRegions|bytecode.FlagDynamicVars) != 0 {
		return nil, fmt.Errorf("%w: %s has flags %s", jitapi.ErrUnsupported, fn.Name, fn.Flags)
	}
	code := fn.Code
	n := len(code)
	if n == 0 {
		return nil, fmt.Errorf("%w: %s has no instructions", jitapi.ErrMalformedCFG, fn.Name)
	}

	leaders := make([]BlockFlags, n)
	leaders[0] = BlockEntry
	for pc := range code {
		inst := &code[pc]
		for _, t := range inst.Targets() {
			if t < 0 || t >= n {
				return nil, fmt.Errorf("%w: %s@%d: jump target %d out of range", jitapi.ErrMalformedCFG, fn.Name, pc, t)
			}
			leaders[t] |= BlockTarget
		}
		if inst.Opcode.IsJump() || inst.Opcode.Terminates() {
			if pc+1 < n {
				leaders[pc+1] |= blockLeader
			}
		}
		if !inst.Opcode.Terminates() && pc+1 == n {
			return nil, fmt.Errorf("%w: %s@%d: execution falls off the end", jitapi.ErrMalformedCFG, fn.Name, pc)
		}
	}
	for _, pc := range opts.OSREntries {
		if pc < 0 || pc >= n {
			return nil, fmt.Errorf("%w: %s: OSR entry %d out of range", jitapi.ErrMalformedCFG, fn.Name, pc)
		}
		leaders[pc] |= BlockEntry
	}
	if first := fn.FirstNonRecv(); first > 0 && first < n {
		leaders[first] |= BlockRecvEntry
	}

	c := &CFG{Fn: fn, BlockOf: make([]int, n)}
	for pc := 0; pc < n; pc++ {
		if pc == 0 || leaders[pc] != 0 {
			c.Blocks = append(c.Blocks, Block{Start: pc, Flags: leaders[pc] &^ blockLeader, Idom: -1, LoopHeader: -1})
		}
		b := len(c.Blocks) - 1
		c.Blocks[b].End = pc
		c.BlockOf[pc] = b
	}

	for i := range c.Blocks {
		blk := &c.Blocks[i]
		last := &code[blk.End]
		switch last.Opcode {
		case bytecode.OpcodeJmp:
			blk.Succs = append(blk.Succs, c.BlockOf[last.Op1.Num])
		case bytecode.OpcodeJmpz, bytecode.OpcodeJmpnz:
			blk.Succs = append(blk.Succs, c.BlockOf[last.Op2.Num])
			c.addFollow(blk, i+1)
		case bytecode.OpcodeJmpznz:
			// The false target first, matching the operand order.
			blk.Succs = append(blk.Succs, c.BlockOf[last.Op2.Num])
			if t := c.BlockOf[last.Extended]; t != blk.Succs[0] {
				blk.Succs = append(blk.Succs, t)
			}
		case bytecode.OpcodeReturn:
		default:
			c.addFollow(blk, i+1)
		}
	}

	c.markReachable()
	for i := range c.Blocks {
		if !c.Blocks[i].Reachable() {
			continue
		}
		for _, s := range c.Blocks[i].Succs {
			c.Blocks[s].Preds = append(c.Blocks[s].Preds, i)
		}
	}
	for _, pc := range opts.OSREntries {
		if !c.Blocks[c.BlockOf[pc]].Reachable() {
			return nil, fmt.Errorf("%w: %s: OSR entry %d is unreachable", jitapi.ErrInvariant, fn.Name, pc)
		}
	}
	return c, nil
}

// blockLeader marks an instruction that starts a block for no other recorded reason.
const blockLeader BlockFlags = 1 << 31

func (c *CFG) addFollow(blk *Block, next int) {
	for _, s := range blk.Succs {
		if s == next {
			// Jump to the next instruction. Keep a single edge.
			return
		}
	}
	blk.Succs = append(blk.Succs, next)
	c.Blocks[next].Flags |= BlockFollow
}

// markReachable marks blocks reachable from the entry and records their post order.
func (c *CFG) markReachable() {
	const visitStateUnseen, visitStateSeen, visitStateDone = 0, 1, 2
	visited := make([]byte, len(c.Blocks))
	postOrder := make([]int, 0, len(c.Blocks))
	exploreStack := []int{0}
	visited[0] = visitStateSeen
	for len(exploreStack) > 0 {
		tail := len(exploreStack) - 1
		blk := exploreStack[tail]
		exploreStack = exploreStack[:tail]
		switch visited[blk] {
		case visitStateSeen:
			// First pop: the successors go first, then this block once more.
			exploreStack = append(exploreStack, blk)
			c.Blocks[blk].Flags |= BlockReachable
			succs := c.Blocks[blk].Succs
			for i := len(succs) - 1; i >= 0; i-- {
				if succ := succs[i]; visited[succ] == visitStateUnseen {
					visited[succ] = visitStateSeen
					exploreStack = append(exploreStack, succ)
				}
			}
			visited[blk] = visitStateDone
		case visitStateDone:
			postOrder = append(postOrder, blk)
		}
	}
	c.RPO = make([]int, len(postOrder))
	c.rpoIndex = make([]int, len(c.Blocks))
	for i := range c.rpoIndex {
		c.rpoIndex[i] = -1
	}
	for i, blk := range postOrder {
		j := len(postOrder) - 1 - i
		c.RPO[j] = blk
		c.rpoIndex[blk] = j
	}
}

// String returns a one line per block summary.
func (c *CFG) String() string {
	var sb strings.Builder
	for i := range c.Blocks {
		b := &c.Blocks[i]
		fmt.Fprintf(&sb, "BB%d [%d..%d]", i, b.Start, b.End)
		if b.Flags != 0 {
			fmt.Fprintf(&sb, " %s", b.Flags)
		}
		if len(b.Succs) > 0 {
			fmt.Fprintf(&sb, " succs=%v", b.Succs)
		}
		if len(b.Preds) > 0 {
			fmt.Fprintf(&sb, " preds=%v", b.Preds)
		}
		if b.Idom >= 0 {
			fmt.Fprintf(&sb, " idom=%d level=%d", b.Idom, b.Level)
		}
		if b.LoopHeader >= 0 {
			fmt.Fprintf(&sb, " loop=%d", b.LoopHeader)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
