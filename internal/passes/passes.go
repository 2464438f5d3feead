// Package passes implements the fixed, one-shot pass pipeline (§4.4)
// that runs over a Finalized ir.Function before it is handed to a
// backend: constant propagation, redundant context load elimination,
// redundant flag calculation elimination, syscall optimization, dead
// context store elimination, and IR compaction, in that exact order,
// each running once (no fixed-point iteration).
//
// Each pass makes a single linear scan over the function's nodes; none
// of them is a reachability (mark-and-sweep) dead-code pass.
package passes

import (
	"github.com/sirupsen/logrus"

	"github.com/dbtcore/x86dbt/internal/ir"
)

// Pass is one pipeline stage. It mutates f in place and reports whether
// it changed anything, purely for logging/metrics -- the pipeline always
// runs every pass exactly once regardless of the returned bool (§4.4:
// "non-fixed-point").
type Pass interface {
	Name() string
	Run(f *ir.Function) (changed bool, err error)
}

// Manager runs the fixed pipeline over a Finalized function.
type Manager struct {
	passes []Pass
	Log    *logrus.Entry
}

// NewManager builds the pipeline in the exact order named in §4.4.
func NewManager(log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		Log: log,
		passes: []Pass{
			&ConstProp{},
			&RedundantContextLoadElimination{},
			&RedundantFlagCalculationElimination{},
			&SyscallOptimization{},
			&DeadContextStoreElimination{},
			&IRCompaction{},
		},
	}
}

// Run executes every pass once, in pipeline order. It is deterministic:
// running it twice over the same input IR produces byte-identical
// compacted IR, since every pass is a pure function of f's current state
// and none of them consult any randomness or wall-clock source (§4.4
// "determinism property", exercised by TestPipelineDeterminism).
func (m *Manager) Run(f *ir.Function) error {
	if f.State() != ir.FuncFinalized {
		return errFunctionNotFinalized
	}
	for _, p := range m.passes {
		changed, err := p.Run(f)
		if err != nil {
			return err
		}
		m.Log.WithField("pass", p.Name()).WithField("changed", changed).Debug("pass ran")
	}
	return nil
}

var errFunctionNotFinalized = ir.ErrNotFinalized
