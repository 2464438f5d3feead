package passes

import (
	"testing"

	"github.com/dbtcore/x86dbt/internal/ir"
	"github.com/dbtcore/x86dbt/internal/state"
)

func finalized(t *testing.T, build func(f *ir.Function)) *ir.Function {
	t.Helper()
	f := ir.NewFunction(0x1000)
	build(f)
	if err := f.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return f
}

func TestConstPropFoldsAdd(t *testing.T) {
	var sum ir.NodeRef
	f := finalized(t, func(f *ir.Function) {
		a := f.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: 2})
		b := f.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: 3})
		sum = f.Emit(ir.OpAdd, 8, nil, a, b)
		f.Terminate(f.Current(), ir.OpExitFunction, ir.ConstantPayload{Value: 0})
	})

	cp := &ConstProp{}
	changed, err := cp.Run(f)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected ConstProp to report a change")
	}
	n := f.Node(sum)
	if n.Tag != ir.OpConstant {
		t.Fatalf("expected folded node to become OpConstant, got %v", n.Tag)
	}
	if got := n.Payload.(ir.ConstantPayload).Value; got != 5 {
		t.Fatalf("got %d, want 5", got)
	}
}

func TestRedundantContextLoadEliminationDedups(t *testing.T) {
	var load1, load2, use ir.NodeRef
	f := finalized(t, func(f *ir.Function) {
		load1 = f.Emit(ir.OpLoadContext, 8, ir.ContextPayload{Offset: 0, Size: 8})
		load2 = f.Emit(ir.OpLoadContext, 8, ir.ContextPayload{Offset: 0, Size: 8})
		use = f.Emit(ir.OpAdd, 8, nil, load1, load2)
		f.Terminate(f.Current(), ir.OpExitFunction, ir.ConstantPayload{Value: 0})
	})

	p := &RedundantContextLoadElimination{}
	changed, err := p.Run(f)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected a change")
	}
	useNode := f.Node(use)
	if useNode.Ops[0] != load1 || useNode.Ops[1] != load1 {
		t.Fatalf("expected both operands to resolve to the first load, got %v", useNode.Ops)
	}
	if f.Node(load2).Tag != ir.OpInvalid {
		t.Fatalf("expected redundant load tombstoned, got %v", f.Node(load2).Tag)
	}
}

func TestDeadContextStoreEliminationDropsFirst(t *testing.T) {
	var store1 ir.NodeRef
	f := finalized(t, func(f *ir.Function) {
		v1 := f.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: 1})
		v2 := f.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: 2})
		store1 = f.Emit(ir.OpStoreContext, 8, ir.ContextPayload{Offset: 0, Size: 8}, v1)
		f.Emit(ir.OpStoreContext, 8, ir.ContextPayload{Offset: 0, Size: 8}, v2)
		f.Terminate(f.Current(), ir.OpExitFunction, ir.ConstantPayload{Value: 0})
	})

	p := &DeadContextStoreElimination{}
	changed, err := p.Run(f)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected a change")
	}
	if f.Node(store1).Tag != ir.OpInvalid {
		t.Fatalf("expected first store tombstoned, got %v", f.Node(store1).Tag)
	}
}

func TestRedundantFlagCalculationEliminationKeepsLast(t *testing.T) {
	var first ir.NodeRef
	f := finalized(t, func(f *ir.Function) {
		a := f.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: 1})
		b := f.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: 2})
		r1 := f.Emit(ir.OpAdd, 8, nil, a, b)
		first = f.Emit(ir.OpInvalidateFlag, 0, ir.DeferredFlagPayload{Kind: uint8(state.DeferredAdd), Dst: r1, Src: a, SkipIfZero: ir.InvalidRef})
		r2 := f.Emit(ir.OpSub, 8, nil, a, b)
		f.Emit(ir.OpInvalidateFlag, 0, ir.DeferredFlagPayload{Kind: uint8(state.DeferredSub), Dst: r2, Src: a, SkipIfZero: ir.InvalidRef})
		f.Terminate(f.Current(), ir.OpExitFunction, ir.ConstantPayload{Value: 0})
	})

	p := &RedundantFlagCalculationElimination{}
	changed, err := p.Run(f)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected a change")
	}
	if f.Node(first).Tag != ir.OpInvalid {
		t.Fatalf("expected superseded recipe tombstoned, got %v", f.Node(first).Tag)
	}
}

func TestGuardedFlagRecipeSurvivesElimination(t *testing.T) {
	var guarded ir.NodeRef
	f := finalized(t, func(f *ir.Function) {
		a := f.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: 1})
		b := f.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: 0})
		r1 := f.Emit(ir.OpAdd, 8, nil, a, b)
		guarded = f.Emit(ir.OpInvalidateFlag, 0, ir.DeferredFlagPayload{Kind: uint8(state.DeferredShl), Dst: r1, Src: a, SkipIfZero: b})
		r2 := f.Emit(ir.OpSub, 8, nil, a, b)
		f.Emit(ir.OpInvalidateFlag, 0, ir.DeferredFlagPayload{Kind: uint8(state.DeferredSub), Dst: r2, Src: a, SkipIfZero: ir.InvalidRef})
		f.Terminate(f.Current(), ir.OpExitFunction, ir.ConstantPayload{Value: 0})
	})

	p := &RedundantFlagCalculationElimination{}
	if _, err := p.Run(f); err != nil {
		t.Fatal(err)
	}
	if f.Node(guarded).Tag != ir.OpInvalidateFlag {
		t.Fatalf("expected guarded recipe to survive, got %v", f.Node(guarded).Tag)
	}
}

func TestSyscallOptimizationMarksNoReturnedResult(t *testing.T) {
	var sys ir.NodeRef
	f := finalized(t, func(f *ir.Function) {
		sys = f.Emit(ir.OpSyscall, 0, ir.SyscallPayload{ABI: 0})
		f.Terminate(f.Current(), ir.OpExitFunction, ir.ConstantPayload{Value: 0})
	})

	p := &SyscallOptimization{}
	changed, err := p.Run(f)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected a change")
	}
	if !f.Node(sys).Payload.(ir.SyscallPayload).NoReturnedResult {
		t.Fatal("expected NoReturnedResult to be set")
	}
}

func TestSyscallOptimizationLeavesUsedResultAlone(t *testing.T) {
	var sys ir.NodeRef
	f := finalized(t, func(f *ir.Function) {
		sys = f.Emit(ir.OpSyscall, 0, ir.SyscallPayload{ABI: 0})
		f.Emit(ir.OpLoadContext, 8, ir.ContextPayload{Offset: raxOffset, Size: 8})
		f.Terminate(f.Current(), ir.OpExitFunction, ir.ConstantPayload{Value: 0})
	})

	p := &SyscallOptimization{}
	if _, err := p.Run(f); err != nil {
		t.Fatal(err)
	}
	if f.Node(sys).Payload.(ir.SyscallPayload).NoReturnedResult {
		t.Fatal("expected NoReturnedResult to stay false when RAX is read")
	}
}

func TestIRCompactionDropsTombstones(t *testing.T) {
	f := finalized(t, func(f *ir.Function) {
		load1 := f.Emit(ir.OpLoadContext, 8, ir.ContextPayload{Offset: 0, Size: 8})
		f.Emit(ir.OpLoadContext, 8, ir.ContextPayload{Offset: 0, Size: 8})
		f.Emit(ir.OpAdd, 8, nil, load1, load1)
		f.Terminate(f.Current(), ir.OpExitFunction, ir.ConstantPayload{Value: 0})
	})

	before := f.NumNodes()
	rcle := &RedundantContextLoadElimination{}
	if _, err := rcle.Run(f); err != nil {
		t.Fatal(err)
	}
	comp := &IRCompaction{}
	changed, err := comp.Run(f)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected compaction to shrink the arena")
	}
	if f.NumNodes() >= before {
		t.Fatalf("expected fewer nodes after compaction, got %d >= %d", f.NumNodes(), before)
	}
}

func TestPipelineDeterminism(t *testing.T) {
	build := func(f *ir.Function) {
		load1 := f.Emit(ir.OpLoadContext, 8, ir.ContextPayload{Offset: 0, Size: 8})
		f.Emit(ir.OpLoadContext, 8, ir.ContextPayload{Offset: 0, Size: 8})
		a := f.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: 10})
		b := f.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: 20})
		sum := f.Emit(ir.OpAdd, 8, nil, a, b)
		f.Emit(ir.OpStoreContext, 8, ir.ContextPayload{Offset: 0, Size: 8}, load1)
		f.Emit(ir.OpStoreContext, 8, ir.ContextPayload{Offset: 0, Size: 8}, sum)
		f.Terminate(f.Current(), ir.OpExitFunction, ir.ConstantPayload{Value: 0})
	}

	f1 := finalized(t, build)
	f2 := finalized(t, build)

	m := NewManager(nil)
	if err := m.Run(f1); err != nil {
		t.Fatal(err)
	}
	if err := m.Run(f2); err != nil {
		t.Fatal(err)
	}

	if f1.NumNodes() != f2.NumNodes() {
		t.Fatalf("non-deterministic node count: %d vs %d", f1.NumNodes(), f2.NumNodes())
	}
	for i := 0; i < f1.NumNodes(); i++ {
		n1, n2 := f1.Node(ir.NodeRef(i)), f2.Node(ir.NodeRef(i))
		if n1.Tag != n2.Tag || n1.Ops != n2.Ops || n1.NumOps != n2.NumOps {
			t.Fatalf("node %d diverged: %+v vs %+v", i, n1, n2)
		}
	}

	// Running the already-compacted pipeline again is a stable no-op.
	before := f1.NumNodes()
	if err := m.Run(f1); err != nil {
		t.Fatal(err)
	}
	if f1.NumNodes() != before {
		t.Fatalf("second pipeline run changed node count: %d -> %d", before, f1.NumNodes())
	}
}
