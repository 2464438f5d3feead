package ir

import "testing"

// diamond builds entry -> {a, b} -> join, with entry a CondJump whose
// taken edge goes to b (AddSuccessor) and whose fallthrough goes to a
// (Link), and a/b both joining at join via Jump. This is the smallest
// shape where join has two predecessors and is dominated only by
// entry, not by a or b individually.
func diamond(f *Function) (entry, a, b, join BlockRef) {
	entry = f.Current()
	a = f.NewBlock()
	b = f.NewBlock()
	join = f.NewBlock()

	cond := f.Emit(OpConstant, 1, ConstantPayload{Value: 1})
	f.Terminate(entry, OpCondJump, CondPayload{Cond: CondNE}, cond)
	f.AddSuccessor(entry, b)
	f.Link(entry, a)

	f.SetCurrent(a)
	f.Terminate(a, OpJump, nil)
	f.Link(a, join)

	f.SetCurrent(b)
	f.Terminate(b, OpJump, nil)
	f.Link(b, join)

	f.SetCurrent(join)
	return entry, a, b, join
}

func TestEntryDominatesDiamondJoin(t *testing.T) {
	f := NewFunction(0x1000)
	entry, _, _, join := diamond(f)
	f.Terminate(join, OpExitFunction, ConstantPayload{Value: 0})
	if err := f.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if !f.blockDominates(entry, join) {
		t.Fatal("entry must dominate join: every path to join passes through entry")
	}
	if f.blockDominates(join, entry) {
		t.Fatal("join must not dominate entry: entry runs first")
	}
}

func TestSiblingBranchDoesNotDominateJoin(t *testing.T) {
	f := NewFunction(0x1000)
	_, a, b, join := diamond(f)
	f.Terminate(join, OpExitFunction, ConstantPayload{Value: 0})
	if err := f.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if f.blockDominates(a, join) {
		t.Fatal("a must not dominate join: control can reach join via b instead")
	}
	if f.blockDominates(b, join) {
		t.Fatal("b must not dominate join: control can reach join via a instead")
	}
}

// TestEmitPanicsOnNonDominatingOperand exercises the construction-time
// dominance check directly: a node built in one arm of a diamond is not
// visible to the other arm, so referencing it as an operand there must
// panic rather than silently producing an unverifiable SSA value.
func TestEmitPanicsOnNonDominatingOperand(t *testing.T) {
	f := NewFunction(0x1000)
	entry := f.Current()
	a := f.NewBlock()
	b := f.NewBlock()

	cond := f.Emit(OpConstant, 1, ConstantPayload{Value: 1})
	f.Terminate(entry, OpCondJump, CondPayload{Cond: CondNE}, cond)
	f.AddSuccessor(entry, b)
	f.Link(entry, a)

	f.SetCurrent(a)
	leaked := f.Emit(OpConstant, 8, ConstantPayload{Value: 42})
	f.Terminate(a, OpExitFunction, ConstantPayload{Value: 0})

	f.SetCurrent(b)
	defer func() {
		if recover() == nil {
			t.Fatal("expected Emit to panic referencing a node from a non-dominating sibling block")
		}
	}()
	f.Emit(OpAdd, 8, nil, leaked, leaked)
}
