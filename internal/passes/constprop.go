package passes

import "github.com/dbtcore/x86dbt/internal/ir"

// ConstProp folds pure arithmetic/bitwise nodes whose operands are all
// OpConstant into a single OpConstant node, in place: the node's Tag and
// Payload are rewritten and its Ops cleared, so the NodeRef stays valid
// for any later node in the arena that referenced it (§4.4 "constant
// propagation").
//
// This mirrors the teacher's std/compiler/const_fold.go pattern of
// rewriting an instruction's opcode in place rather than allocating a
// new one, generalized from folding two-operand Go binary expressions to
// folding arbitrary-size (8/16/32/64-bit, modular) machine arithmetic.
type ConstProp struct{}

func (*ConstProp) Name() string { return "ConstProp" }

func (p *ConstProp) Run(f *ir.Function) (bool, error) {
	changed := false
	for ref := ir.NodeRef(1); int(ref) < f.NumNodes(); ref++ {
		n := f.Node(ref)
		folded, ok := foldConstant(f, n)
		if !ok {
			continue
		}
		n.Tag = ir.OpConstant
		n.Payload = ir.ConstantPayload{Value: folded}
		n.NumOps = 0
		n.Ops = [3]ir.NodeRef{}
		changed = true
	}
	return changed, nil
}

func foldConstant(f *ir.Function, n *ir.Node) (uint64, bool) {
	operand := func(i int) (uint64, bool) {
		if int(i) >= int(n.NumOps) {
			return 0, false
		}
		src := f.Node(n.Ops[i])
		if src.Tag != ir.OpConstant {
			return 0, false
		}
		return src.Payload.(ir.ConstantPayload).Value, true
	}
	mask := sizeMask(n.Size)

	switch n.Tag {
	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor, ir.OpLshl, ir.OpLshr, ir.OpAshr:
		a, ok1 := operand(0)
		b, ok2 := operand(1)
		if !ok1 || !ok2 {
			return 0, false
		}
		switch n.Tag {
		case ir.OpAdd:
			return (a + b) & mask, true
		case ir.OpSub:
			return (a - b) & mask, true
		case ir.OpAnd:
			return (a & b) & mask, true
		case ir.OpOr:
			return (a | b) & mask, true
		case ir.OpXor:
			return (a ^ b) & mask, true
		case ir.OpLshl:
			return (a << (b & 0x3F)) & mask, true
		case ir.OpLshr:
			return (a & mask) >> (b & 0x3F), true
		case ir.OpAshr:
			return uint64(signExtend(a, n.Size)>>int64(b&0x3F)) & mask, true
		}
	case ir.OpNot:
		a, ok := operand(0)
		if !ok {
			return 0, false
		}
		return ^a & mask, true
	case ir.OpNeg:
		a, ok := operand(0)
		if !ok {
			return 0, false
		}
		return (-a) & mask, true
	}
	return 0, false
}

func sizeMask(size uint8) uint64 {
	switch size {
	case 1:
		return 0xFF
	case 2:
		return 0xFFFF
	case 4:
		return 0xFFFFFFFF
	default:
		return 0xFFFFFFFFFFFFFFFF
	}
}

func signExtend(v uint64, size uint8) int64 {
	switch size {
	case 1:
		return int64(int8(v))
	case 2:
		return int64(int16(v))
	case 4:
		return int64(int32(v))
	default:
		return int64(v)
	}
}
