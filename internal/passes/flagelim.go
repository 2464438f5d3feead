package passes

import "github.com/dbtcore/x86dbt/internal/ir"

// RedundantFlagCalculationElimination drops an OpInvalidateFlag node
// when a later OpInvalidateFlag in the same block supersedes it before
// anything materializes the deferred recipe with
// OpCalculateDeferredFlags (§4.3, §4.4 "redundant flag calculation
// elimination"): back-to-back ADD/SUB/... sequences that never branch
// or SETcc in between only need the last recipe kept live.
//
// A node with a non-InvalidRef SkipIfZero is never eliminated even when
// superseded, since at runtime it may turn out to be a no-op (shift-by-
// zero) and the recipe it would otherwise invalidate must survive that
// case.
type RedundantFlagCalculationElimination struct{}

func (*RedundantFlagCalculationElimination) Name() string {
	return "RedundantFlagCalculationElimination"
}

func (p *RedundantFlagCalculationElimination) Run(f *ir.Function) (bool, error) {
	changed := false
	for _, b := range f.Blocks {
		var pending ir.NodeRef = ir.InvalidRef
		for _, ref := range f.Iter(b) {
			n := f.Node(ref)
			switch n.Tag {
			case ir.OpInvalidateFlag:
				dfp := n.Payload.(ir.DeferredFlagPayload)
				if dfp.SkipIfZero != ir.InvalidRef {
					// A guarded recipe may turn out to be a no-op at
					// runtime, so it neither eliminates nor replaces
					// whatever recipe is currently pending.
					continue
				}
				if pending != ir.InvalidRef {
					prev := f.Node(pending)
					prev.Tag = ir.OpInvalid
					prev.Payload = nil
					prev.NumOps = 0
					prev.Ops = [3]ir.NodeRef{}
					changed = true
				}
				pending = ref
			case ir.OpCalculateDeferredFlags:
				pending = ir.InvalidRef
			}
		}
	}
	return changed, nil
}
