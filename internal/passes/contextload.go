package passes

import "github.com/dbtcore/x86dbt/internal/ir"

// RedundantContextLoadElimination is a per-block local value numbering
// pass over OpLoadContext: repeated loads of the same CPUState slot with
// no intervening store to that slot (or any side-effecting op that could
// alias it -- a syscall or a memory store this module conservatively
// treats as context-opaque) reuse the first load's value instead of
// re-reading (§4.4, §5 "context aliasing").
//
// Scope is block-local: loads are never reused across blocks.
type RedundantContextLoadElimination struct{}

func (*RedundantContextLoadElimination) Name() string { return "RedundantContextLoadElimination" }

type ctxSlot struct {
	offset int
	size   uint8
}

func (p *RedundantContextLoadElimination) Run(f *ir.Function) (bool, error) {
	changed := false
	replace := map[ir.NodeRef]ir.NodeRef{}

	for _, b := range f.Blocks {
		live := map[ctxSlot]ir.NodeRef{}
		for _, ref := range f.Iter(b) {
			n := f.Node(ref)
			switch n.Tag {
			case ir.OpLoadContext:
				cp := n.Payload.(ir.ContextPayload)
				slot := ctxSlot{cp.Offset, cp.Size}
				if prior, ok := live[slot]; ok {
					replace[ref] = prior
					changed = true
					continue
				}
				live[slot] = ref
			case ir.OpStoreContext:
				cp := n.Payload.(ir.ContextPayload)
				slot := ctxSlot{cp.Offset, cp.Size}
				live[slot] = n.Ops[0]
			case ir.OpHandleNZ00Write, ir.OpCalculateDeferredFlags:
				// Both write flag bytes of CPUState directly.
				live = map[ctxSlot]ir.NodeRef{}
			case ir.OpSyscall, ir.OpLoadMem, ir.OpStoreMem, ir.OpLoadMemTSO, ir.OpStoreMemTSO,
				ir.OpAtomicCAS, ir.OpAtomicFetchAdd, ir.OpAtomicFetchOr, ir.OpAtomicFetchAnd,
				ir.OpAtomicFetchXor, ir.OpAtomicSwap, ir.OpMemCpy, ir.OpMemSet:
				// Conservative: these may be backed by an aliasing memory-
				// mapped context view (e.g. a guest mapping its own
				// CPUState), so every tracked slot must be forgotten.
				live = map[ctxSlot]ir.NodeRef{}
			}
		}
	}

	if len(replace) > 0 {
		applyReplacements(f, replace)
	}
	return changed, nil
}

// applyReplacements rewrites every operand reference in the arena
// (including terminator operands and ExtraOpsPayload overflow slots)
// through replace, then nulls out the superseded OpLoadContext nodes so
// a later IRCompaction can drop them.
func applyReplacements(f *ir.Function, replace map[ir.NodeRef]ir.NodeRef) {
	resolve := func(r ir.NodeRef) ir.NodeRef {
		for {
			next, ok := replace[r]
			if !ok {
				return r
			}
			r = next
		}
	}
	for ref := ir.NodeRef(1); int(ref) < f.NumNodes(); ref++ {
		n := f.Node(ref)
		for i := 0; i < int(n.NumOps) && i < 3; i++ {
			n.Ops[i] = resolve(n.Ops[i])
		}
		if extra, ok := n.Payload.(ir.ExtraOpsPayload); ok {
			for i := range extra.Extra {
				extra.Extra[i] = resolve(extra.Extra[i])
			}
			n.Payload = extra
		}
		if dp, ok := n.Payload.(ir.DeferredFlagPayload); ok {
			dp.Dst, dp.Src, dp.SkipIfZero = resolve(dp.Dst), resolve(dp.Src), resolve(dp.SkipIfZero)
			n.Payload = dp
		}
	}
	for dead := range replace {
		n := f.Node(dead)
		n.Tag = ir.OpInvalid
		n.Payload = nil
		n.NumOps = 0
		n.Ops = [3]ir.NodeRef{}
	}
}
