package ssa

import "github.com/bytejit/bytejit/internal/jitapi"

// worklist is a stack that accepts every element at most once until reset.
type worklist struct {
	stack   []int
	visited jitapi.Bitset
}

func newWorklist(n int) *worklist {
	return &worklist{visited: jitapi.NewBitset(n)}
}

// push returns false if i was already pushed since the last reset.
func (w *worklist) push(i int) bool {
	if w.visited.Has(i) {
		return false
	}
	w.visited.Set(i)
	w.stack = append(w.stack, i)
	return true
}

func (w *worklist) peek() int { return w.stack[len(w.stack)-1] }

func (w *worklist) pop() int {
	tail := len(w.stack) - 1
	ret := w.stack[tail]
	w.stack = w.stack[:tail]
	return ret
}

func (w *worklist) len() int { return len(w.stack) }

// IdentifyLoops flags loop headers and irreducible loop entries and sets LoopHeader of every block inside a
// reducible loop. ComputeDominators must have run.
//
// See Sreedhar et al, "Identifying Loops Using DJ Graphs".
func (c *CFG) IdentifyLoops() {
	blocks := c.Blocks
	work := newWorklist(len(blocks))

	// Depth first spanning tree of the DJ graph: dominator tree edges first, then join edges.
	djSpanningTree := make([]int, len(blocks))
	for i := range djSpanningTree {
		djSpanningTree[i] = -1
	}
	entry := c.RPO[0]
	work.push(entry)
	for work.len() > 0 {
		i := work.peek()
		pushed := false
		for _, j := range blocks[i].Children {
			if work.push(j) {
				djSpanningTree[j] = i
				pushed = true
				break
			}
		}
		if !pushed {
			for _, succ := range blocks[i].Succs {
				if blocks[succ].Idom == i {
					continue
				}
				if work.push(succ) {
					djSpanningTree[succ] = i
					pushed = true
					break
				}
			}
		}
		if !pushed {
			work.pop()
		}
	}

	depth := 0
	for i := range blocks {
		if blocks[i].Reachable() && blocks[i].Level > depth {
			depth = blocks[i].Level
		}
	}
	// Inner loops first, so that a block's LoopHeader is its innermost header.
	for ; depth >= 0; depth-- {
		for i := range blocks {
			if !blocks[i].Reachable() || blocks[i].Level != depth {
				continue
			}
			work.visited.Reset()
			for _, pred := range blocks[i].Preds {
				// A join edge is one whose predecessor does not immediately dominate the successor.
				if blocks[i].Idom == pred {
					continue
				}
				if c.Dominates(i, pred) {
					// Back join edge.
					blocks[i].Flags |= BlockLoopHeader
					c.Flags |= CFGHasLoops
					work.push(pred)
					continue
				}
				// Cross join edge: irreducible if it goes to an ancestor in the spanning tree.
				for djParent := pred; djParent >= 0; djParent = djSpanningTree[djParent] {
					if djParent == i {
						c.markIrreducible(i, pred, djSpanningTree)
						break
					}
				}
			}
			for work.len() > 0 {
				j := work.pop()
				// A block of an inner loop stands for the whole inner loop: continue from its outermost header.
				for blocks[j].LoopHeader >= 0 {
					j = blocks[j].LoopHeader
				}
				if j == i {
					continue
				}
				blocks[j].LoopHeader = i
				for _, pred := range blocks[j].Preds {
					work.push(pred)
				}
			}
		}
	}
	c.loopsFound = true
}

// markIrreducible flags i and the other entries of the cycle closed by the edge pred->i. The cycle is the
// spanning tree path from i down to pred; a block of it with a predecessor off the path is entered from outside.
func (c *CFG) markIrreducible(i, pred int, djSpanningTree []int) {
	c.Blocks[i].Flags |= BlockIrreducible
	c.Flags |= CFGIrreducible | CFGHasLoops
	var cycle []int
	for b := pred; b != i; b = djSpanningTree[b] {
		cycle = append(cycle, b)
	}
	inCycle := func(b int) bool { return b == i || containsInt(cycle, b) }
	for _, b := range cycle {
		for _, p := range c.Blocks[b].Preds {
			if !inCycle(p) {
				c.Blocks[b].Flags |= BlockIrreducible
				break
			}
		}
	}
}

// InLoop returns true if blk is inside the loop headed by header, header itself included.
func (c *CFG) InLoop(blk, header int) bool {
	for blk >= 0 {
		if blk == header {
			return true
		}
		blk = c.Blocks[blk].LoopHeader
	}
	return false
}
