package ir

// dominates reports whether the node at def dominates the (about to be
// created) use at useRef, per the §3 invariant: "within a block this
// means strictly earlier in the list; across blocks, the definition's
// block must dominate the use's block in the intraprocedural CFG
// constructed during lowering."
func (f *Function) dominates(def, useRef NodeRef) bool {
	if def >= useRef {
		return false
	}
	defBlock := f.arena[def].Block
	// The use is not in the arena yet; Emit and Terminate both set
	// f.current to the block it is being appended to.
	useBlock := f.current
	if defBlock == useBlock {
		return true
	}
	return f.blockDominates(defBlock, useBlock)
}

// blockDominates answers whether a dominates b in the block graph
// formed by Next links and conditional-branch successor edges recorded
// via Link/AddSuccessor (tracked as each block's predecessor list).
//
// This computes dominance on demand via the standard iterative
// dataflow fixed point rather than maintaining an incremental
// dominator tree, since blocks are still being constructed (preds can
// still change) up until the function is finalized; recomputing is
// cheap at the block counts a single guest basic block's lowering
// produces.
func (f *Function) blockDominates(a, b BlockRef) bool {
	if a == b {
		return true
	}
	doms := f.computeDominators()
	cur := b
	for {
		d, ok := doms[cur]
		if !ok {
			return false
		}
		if d == a {
			return true
		}
		if d == cur {
			return false
		}
		cur = d
	}
}

// computeDominators runs the standard iterative dominator algorithm
// (Cooper, Harvey, Kennedy) over every block currently known to the
// function, seeded from FirstBlock.
func (f *Function) computeDominators() map[BlockRef]BlockRef {
	order := f.Blocks
	index := make(map[BlockRef]int, len(order))
	for i, b := range order {
		index[b] = i
	}

	idom := make(map[BlockRef]BlockRef, len(order))
	idom[f.FirstBlock] = f.FirstBlock

	changed := true
	for changed {
		changed = false
		for _, b := range order {
			if b == f.FirstBlock {
				continue
			}
			preds := f.blockPayload(b).preds
			var newIdom BlockRef
			haveFirst := false
			for _, p := range preds {
				if _, ok := idom[p]; !ok {
					continue
				}
				if !haveFirst {
					newIdom = p
					haveFirst = true
					continue
				}
				newIdom = f.intersect(idom, index, newIdom, p)
			}
			if !haveFirst {
				continue
			}
			if cur, ok := idom[b]; !ok || cur != newIdom {
				idom[b] = newIdom
				changed = true
			}
		}
	}
	return idom
}

func (f *Function) intersect(idom map[BlockRef]BlockRef, index map[BlockRef]int, a, b BlockRef) BlockRef {
	for a != b {
		for index[a] > index[b] {
			a = idom[a]
		}
		for index[b] > index[a] {
			b = idom[b]
		}
	}
	return a
}
