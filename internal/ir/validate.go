package ir

import "github.com/pkg/errors"

// Validate checks the structural invariants named in §3 that are not
// already enforced at Emit/Terminate time: exactly one terminator per
// block, every size is a power of two in the allowed set, and every
// block in Blocks is sealed. Construction-time violations (dominance,
// emitting into a sealed block) are programmer errors and panic
// immediately in Emit/Terminate per §4.1; Validate is the "catches
// invariant violations before handing IR to the pass manager" hook for
// conditions that can only be checked once a function is complete.
func (f *Function) Validate() error {
	for _, b := range f.Blocks {
		if !f.IsSealed(b) {
			return errors.Errorf("ir: reachable block %d is not sealed", b)
		}
		terminators := 0
		for _, ref := range f.Iter(b) {
			n := f.arena[ref]
			if n.Tag.IsTerminator() {
				terminators++
			}
			if n.Tag != OpBlock && n.Tag != OpFunctionHeader && !validSize(n.Size) && n.Size != 0 {
				return errors.Errorf("ir: node %d (%v) has invalid size %d", ref, n.Tag, n.Size)
			}
		}
		if terminators != 1 {
			return errors.Errorf("ir: block %d has %d terminators, want exactly 1", b, terminators)
		}
	}
	seen := make(map[BlockRef]bool, len(f.Blocks))
	for _, b := range f.Blocks {
		if seen[b] {
			return errors.Errorf("ir: block %d listed more than once in Blocks", b)
		}
		seen[b] = true
	}
	return nil
}

func validSize(sz uint8) bool {
	switch sz {
	case 1, 2, 4, 8, 16, 32:
		return true
	default:
		return false
	}
}
