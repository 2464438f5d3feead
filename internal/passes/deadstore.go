package passes

import "github.com/dbtcore/x86dbt/internal/ir"

// DeadContextStoreElimination removes an OpStoreContext that is
// overwritten by a later OpStoreContext to the exact same slot with no
// intervening read of that slot (OpLoadContext) or aliasing op in
// between (§4.4 "dead context store elimination"): sequences like two
// back-to-back INC handlers writing RCX where only the final value
// survives to the next instruction.
type DeadContextStoreElimination struct{}

func (*DeadContextStoreElimination) Name() string { return "DeadContextStoreElimination" }

func (p *DeadContextStoreElimination) Run(f *ir.Function) (bool, error) {
	changed := false
	for _, b := range f.Blocks {
		lastStore := map[ctxSlot]ir.NodeRef{}
		for _, ref := range f.Iter(b) {
			n := f.Node(ref)
			switch n.Tag {
			case ir.OpStoreContext:
				cp := n.Payload.(ir.ContextPayload)
				slot := ctxSlot{cp.Offset, cp.Size}
				if prior, ok := lastStore[slot]; ok {
					pn := f.Node(prior)
					pn.Tag = ir.OpInvalid
					pn.Payload = nil
					pn.NumOps = 0
					pn.Ops = [3]ir.NodeRef{}
					changed = true
				}
				lastStore[slot] = ref
			case ir.OpLoadContext:
				cp := n.Payload.(ir.ContextPayload)
				delete(lastStore, ctxSlot{cp.Offset, cp.Size})
			case ir.OpSyscall, ir.OpLoadMem, ir.OpStoreMem, ir.OpLoadMemTSO, ir.OpStoreMemTSO,
				ir.OpAtomicCAS, ir.OpAtomicFetchAdd, ir.OpAtomicFetchOr, ir.OpAtomicFetchAnd,
				ir.OpAtomicFetchXor, ir.OpAtomicSwap, ir.OpMemCpy, ir.OpMemSet:
				lastStore = map[ctxSlot]ir.NodeRef{}
			}
		}
	}
	return changed, nil
}
