package frontend

import (
	"github.com/dbtcore/x86dbt/internal/decoded"
	"github.com/dbtcore/x86dbt/internal/ir"
	"github.com/dbtcore/x86dbt/internal/state"
)

// btAtomicOpFor maps BTS/BTR/BTC to the read-modify-write IR op used only
// when a LOCK prefix demands atomicity; plain (non-locked) BT* are
// lowered as an ordinary load/shift/store sequence since nothing but the
// locked form needs to be indivisible (§4.3 "locked BT/BTS/BTR/BTC:
// AtomicFetchOR/AND/XOR vs load-modify-store").
var btAtomicOpFor = map[string]ir.Op{
	"BTS": ir.OpAtomicFetchOr, "BTR": ir.OpAtomicFetchAnd, "BTC": ir.OpAtomicFetchXor,
}

func btHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	size := uint8(inst.OperandSize)
	base := inst.Operands[0]
	bitOffset := l.LoadSource(inst.Operands[1], size, false, true)

	maskedOffset := l.maskBitOffset(bitOffset, size)
	one := l.F.Emit(ir.OpConstant, size, ir.ConstantPayload{Value: 1})
	bitMask := l.F.Emit(ir.OpLshl, size, nil, one, maskedOffset)

	if mnemonic == "BT" {
		v := l.LoadSource(base, size, false, true)
		anded := l.F.Emit(ir.OpAnd, size, nil, v, bitMask)
		cf := l.F.Emit(ir.OpBfe, 1, nil, anded, maskedOffset)
		l.storeFlag(state.FlagCF, cf)
		return nil
	}

	atomicOp, isAtomic := btAtomicOpFor[mnemonic]
	if isAtomic && base.Kind != decoded.OperandDirectGPR && inst.Flags&decoded.FlagLock != 0 {
		addr := l.effectiveAddress(base)
		operand := bitMask
		if mnemonic == "BTR" {
			operand = l.F.Emit(ir.OpNot, size, nil, bitMask)
		}
		old := l.F.Emit(atomicOp, size, nil, addr, operand)
		anded := l.F.Emit(ir.OpAnd, size, nil, old, bitMask)
		cf := l.F.Emit(ir.OpBfe, 1, nil, anded, maskedOffset)
		l.storeFlag(state.FlagCF, cf)
		return nil
	}

	v := l.LoadSource(base, size, false, true)
	anded := l.F.Emit(ir.OpAnd, size, nil, v, bitMask)
	cf := l.F.Emit(ir.OpBfe, 1, nil, anded, maskedOffset)
	l.storeFlag(state.FlagCF, cf)

	var result ir.NodeRef
	switch mnemonic {
	case "BTS":
		result = l.F.Emit(ir.OpOr, size, nil, v, bitMask)
	case "BTR":
		result = l.F.Emit(ir.OpAnd, size, nil, v, l.F.Emit(ir.OpNot, size, nil, bitMask))
	case "BTC":
		result = l.F.Emit(ir.OpXor, size, nil, v, bitMask)
	}
	l.StoreResult(base, result, size, false, true)
	return nil
}

// maskBitOffset masks the bit-index operand to the operand width for a
// register base (memory bases use the unmasked offset to select a whole
// byte, which this module's representative coverage does not model; see
// SPEC_FULL.md §4.1).
func (l *Lowerer) maskBitOffset(v ir.NodeRef, size uint8) ir.NodeRef {
	mask := uint64(size*8 - 1)
	maskConst := l.F.Emit(ir.OpConstant, 1, ir.ConstantPayload{Value: mask})
	return l.F.Emit(ir.OpAnd, 1, nil, v, maskConst)
}

func xaddHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	size := uint8(inst.OperandSize)
	dst, src := inst.Operands[0], inst.Operands[1]
	addend := l.LoadSource(src, size, false, true)

	if dst.Kind != decoded.OperandDirectGPR && inst.Flags&decoded.FlagLock != 0 {
		addr := l.effectiveAddress(dst)
		old := l.F.Emit(ir.OpAtomicFetchAdd, size, nil, addr, addend)
		l.StoreResult(src, old, size, false, true)
		newVal := l.F.Emit(ir.OpAdd, size, nil, old, addend)
		l.attachDeferredFlags(state.DeferredAdd, newVal, old, size)
		return nil
	}

	old := l.LoadSource(dst, size, false, true)
	sum := l.F.Emit(ir.OpAdd, size, nil, old, addend)
	l.attachDeferredFlags(state.DeferredAdd, sum, old, size)
	l.StoreResult(src, old, size, false, true)
	l.StoreResult(dst, sum, size, false, true)
	return nil
}

// cmpxchgHandler lowers CMPXCHG: compare the accumulator against the
// destination; on match, store src; on mismatch, load destination into
// the accumulator. The locked memory form uses a single AtomicCAS node
// rather than a load/compare/store sequence.
func cmpxchgHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	size := uint8(inst.OperandSize)
	dst, src := inst.Operands[0], inst.Operands[1]
	acc := l.loadGPR(regRAX)
	newVal := l.LoadSource(src, size, false, true)

	if dst.Kind != decoded.OperandDirectGPR {
		addr := l.effectiveAddress(dst)
		old := l.F.Emit(ir.OpAtomicCAS, size, nil, addr, acc, newVal)
		l.attachDeferredFlags(state.DeferredSub, l.F.Emit(ir.OpSub, size, nil, acc, old), acc, size)
		l.StoreResult(decoded.Operand{Kind: decoded.OperandDirectGPR, Reg: regRAX}, old, size, false, true)
		return nil
	}

	old := l.LoadSource(dst, size, false, true)
	l.attachDeferredFlags(state.DeferredSub, l.F.Emit(ir.OpSub, size, nil, acc, old), acc, size)
	matched := l.evalCondition(ir.CondEQ)
	selected := l.F.Emit(ir.OpNZCVSelect, size, ir.CondPayload{Cond: ir.CondNE}, matched, newVal, old)
	l.StoreResult(dst, selected, size, false, true)
	notMatched := l.F.Emit(ir.OpXor, 1, nil, matched, l.F.Emit(ir.OpConstant, 1, ir.ConstantPayload{Value: 1}))
	keptAcc := l.F.Emit(ir.OpNZCVSelect, size, ir.CondPayload{Cond: ir.CondNE}, notMatched, old, acc)
	l.StoreResult(decoded.Operand{Kind: decoded.OperandDirectGPR, Reg: regRAX}, keptAcc, size, false, true)
	return nil
}
