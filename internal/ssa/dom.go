package ssa

// ComputeDominators sets Idom, Level and Children of every reachable block.
//
// The algorithm is the one described in "A Simple, Fast Dominance Algorithm" by Cooper, Harvey and Kennedy:
// idoms are found by intersecting partial dominator chains of the predecessors in reverse post order until
// nothing changes. Function CFGs are small, so this beats Lengauer-Tarjan in practice.
func (c *CFG) ComputeDominators() {
	doms := make([]int, len(c.Blocks))
	for i := range doms {
		doms[i] = -1
	}
	entry := c.RPO[0]
	doms[entry] = entry

	changed := true
	for changed {
		changed = false
		for _, blk := range c.RPO[1:] {
			u := -1
			for _, pred := range c.Blocks[blk].Preds {
				// Skip if this pred has not been processed yet: it is reached through a back edge.
				if doms[pred] < 0 {
					continue
				}
				if u < 0 {
					u = pred
				} else {
					u = c.intersect(doms, u, pred)
				}
			}
			if doms[blk] != u {
				doms[blk] = u
				changed = true
			}
		}
	}

	for i := range c.Blocks {
		c.Blocks[i].Children = c.Blocks[i].Children[:0]
	}
	// RPO visits a dominator before the blocks it dominates, so levels can be assigned in one pass.
	for _, blk := range c.RPO {
		b := &c.Blocks[blk]
		if blk == entry {
			b.Idom, b.Level = -1, 0
			continue
		}
		b.Idom = doms[blk]
		b.Level = c.Blocks[b.Idom].Level + 1
	}
	// Children in increasing block index order so that a pre-order walk of the tree follows the source order.
	for i := range c.Blocks {
		if c.Blocks[i].Reachable() && c.Blocks[i].Idom >= 0 {
			idom := &c.Blocks[c.Blocks[i].Idom]
			idom.Children = append(idom.Children, i)
		}
	}
	c.domsComputed = true
}

// intersect returns the common dominator of blk1 and blk2.
func (c *CFG) intersect(doms []int, blk1, blk2 int) int {
	finger1, finger2 := blk1, blk2
	for finger1 != finger2 {
		// Move the 'finger1' upwards to its immediate dominator.
		for c.rpoIndex[finger1] > c.rpoIndex[finger2] {
			finger1 = doms[finger1]
		}
		// Move the 'finger2' upwards to its immediate dominator.
		for c.rpoIndex[finger2] > c.rpoIndex[finger1] {
			finger2 = doms[finger2]
		}
	}
	return finger1
}

// Dominates returns true if every path from the entry to b passes through a. A block dominates itself.
func (c *CFG) Dominates(a, b int) bool {
	if !c.Blocks[a].Reachable() || !c.Blocks[b].Reachable() {
		return false
	}
	levelA := c.Blocks[a].Level
	for c.Blocks[b].Level > levelA {
		b = c.Blocks[b].Idom
	}
	return a == b
}

// DomPreorder returns the reachable blocks in dominator tree pre-order, children in index order.
func (c *CFG) DomPreorder() []int {
	ret := make([]int, 0, len(c.RPO))
	stack := []int{c.RPO[0]}
	for len(stack) > 0 {
		tail := len(stack) - 1
		blk := stack[tail]
		stack = stack[:tail]
		ret = append(ret, blk)
		children := c.Blocks[blk].Children
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	return ret
}
