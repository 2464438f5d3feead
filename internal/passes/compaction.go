package passes

import "github.com/dbtcore/x86dbt/internal/ir"

// IRCompaction runs last in the pipeline (§4.4): every earlier pass
// tombstones eliminated nodes as OpInvalid rather than physically
// removing them (the arena is append-only and other nodes may still
// reference them by index mid-pipeline), and this pass performs the one
// real rebuild, dropping tombstones and renumbering everything that
// survives. Running it is what makes the pipeline's determinism
// property externally observable: two passes over identical input IR
// produce byte-identical compacted output, since Function.Compact is a
// pure renumbering with no non-deterministic inputs.
type IRCompaction struct{}

func (*IRCompaction) Name() string { return "IRCompaction" }

func (p *IRCompaction) Run(f *ir.Function) (bool, error) {
	before := f.NumNodes()
	f.Compact()
	return f.NumNodes() != before, nil
}
