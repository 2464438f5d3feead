package frontend

import (
	"github.com/dbtcore/x86dbt/internal/decoded"
	"github.com/dbtcore/x86dbt/internal/ir"
	"github.com/dbtcore/x86dbt/internal/state"
)

// binOpFor maps an ALU family mnemonic to the pure-arithmetic IR op that
// computes its result (independent of whether flags are also produced).
var binOpFor = map[string]ir.Op{
	"ADD": ir.OpAdd, "SUB": ir.OpSub, "CMP": ir.OpSub,
	"AND": ir.OpAnd, "OR": ir.OpOr, "XOR": ir.OpXor,
}

// deferredKindFor mirrors binOpFor for the DeferredFlags recipe kind
// recorded alongside the result (§4.3 "deferred-flag scheme").
var deferredKindFor = map[string]state.DeferredFlagKind{
	"ADD": state.DeferredAdd, "SUB": state.DeferredSub, "CMP": state.DeferredSub,
	"AND": state.DeferredAnd, "OR": state.DeferredOr, "XOR": state.DeferredXor,
}

// aluHandler lowers the eight classic two-operand ALU families. ADD/SUB/
// AND/OR/XOR/CMP go through the fast deferred-flag path: the result (or,
// for CMP, a discarded result used only for its flags) is computed with
// a plain arithmetic node, and a DeferredFlagPayload is attached
// recording how to reconstruct CF/PF/AF/ZF/SF/OF later without
// eagerly computing all six on every instruction (§4.3, §9 deferred-flag
// two-path contract). ADC/SBB need the incoming carry and so always
// materialize flags eagerly via OpAddWithFlags/OpSubWithFlags with the
// carry as a third operand.
func aluHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	size := uint8(inst.OperandSize)
	dst := inst.Operands[0]
	src := inst.Operands[1]

	lhs := l.LoadSource(dst, size, false, false)
	rhs := l.LoadSource(src, size, false, false)

	if mnemonic == "ADC" || mnemonic == "SBB" {
		carry := l.loadFlag(state.FlagCF)
		op := ir.OpAddWithFlags
		if mnemonic == "SBB" {
			op = ir.OpSubWithFlags
		}
		result := l.F.Emit(op, size, nil, lhs, rhs, carry)
		l.materializeNZCV(result, size)
		l.StoreResult(dst, result, size, false, true)
		return nil
	}

	op, ok := binOpFor[mnemonic]
	if !ok {
		return l.unimplementedOp(mnemonic)
	}
	result := l.F.Emit(op, size, nil, lhs, rhs)
	l.attachDeferredFlags(deferredKindFor[mnemonic], result, lhs, size)
	if mnemonic != "CMP" {
		l.StoreResult(dst, result, size, false, true)
	}
	return nil
}

// testHandler is AND's flag-only sibling: computes the bitwise AND but
// never stores it.
func testHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	size := uint8(inst.OperandSize)
	lhs := l.LoadSource(inst.Operands[0], size, false, false)
	rhs := l.LoadSource(inst.Operands[1], size, false, false)
	result := l.F.Emit(ir.OpAnd, size, nil, lhs, rhs)
	l.attachDeferredFlags(state.DeferredAnd, result, lhs, size)
	return nil
}

func movHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	size := uint8(inst.OperandSize)
	src := l.LoadSource(inst.Operands[1], size, false, true)
	l.StoreResult(inst.Operands[0], src, size, false, true)
	return nil
}

func leaHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	addr := l.effectiveAddress(inst.Operands[1])
	l.StoreResult(inst.Operands[0], addr, uint8(inst.OperandSize), false, true)
	return nil
}

func xchgHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	size := uint8(inst.OperandSize)
	a, b := inst.Operands[0], inst.Operands[1]
	// A memory destination makes XCHG an implicit-LOCK atomic swap on
	// real hardware; this module's representative coverage models the
	// register/register and register/memory forms with an explicit
	// load-then-store pair, deferring a true AtomicSwap lowering to
	// memory destinations that also carry an explicit LOCK prefix.
	va := l.LoadSource(a, size, false, true)
	vb := l.LoadSource(b, size, false, true)
	if a.Kind != decoded.OperandDirectGPR && inst.Flags&decoded.FlagLock != 0 {
		addr := l.effectiveAddress(a)
		l.F.Emit(ir.OpAtomicSwap, size, nil, addr, vb)
		l.StoreResult(b, va, size, false, true)
		return nil
	}
	l.StoreResult(a, vb, size, false, true)
	l.StoreResult(b, va, size, false, true)
	return nil
}

func notNegHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	size := uint8(inst.OperandSize)
	v := l.LoadSource(inst.Operands[0], size, false, true)
	if mnemonic == "NOT" {
		l.StoreResult(inst.Operands[0], l.F.Emit(ir.OpNot, size, nil, v), size, false, true)
		return nil
	}
	result := l.F.Emit(ir.OpNeg, size, nil, v)
	zero := l.F.Emit(ir.OpConstant, size, ir.ConstantPayload{Value: 0})
	l.attachDeferredFlags(state.DeferredNeg, result, zero, size)
	l.StoreResult(inst.Operands[0], result, size, false, true)
	return nil
}

func incDecHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	size := uint8(inst.OperandSize)
	v := l.LoadSource(inst.Operands[0], size, false, true)
	one := l.F.Emit(ir.OpConstant, size, ir.ConstantPayload{Value: 1})
	op := ir.OpAdd
	kind := state.DeferredInc
	if mnemonic == "DEC" {
		op = ir.OpSub
		kind = state.DeferredDec
	}
	result := l.F.Emit(op, size, nil, v, one)
	// INC/DEC leave CF unmodified (§4.3 edge case); the deferred-flag
	// recipe's Stale mask omits CF for these two kinds, see
	// staleMaskFor in package refbackend.
	l.attachDeferredFlags(kind, result, v, size)
	l.StoreResult(inst.Operands[0], result, size, false, true)
	return nil
}

func pushHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	size := uint8(8)
	v := l.LoadSource(inst.Operands[0], size, false, true)
	rsp := l.loadGPR(4)
	eight := l.F.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: 8})
	newRsp := l.F.Emit(ir.OpSub, 8, nil, rsp, eight)
	l.storeGPR(4, newRsp)
	l.F.Emit(ir.OpStoreMem, size, ir.MemPayload{Align: size, IsStack: true}, newRsp, v)
	return nil
}

func popHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	size := uint8(8)
	rsp := l.loadGPR(4)
	v := l.F.Emit(ir.OpLoadMem, size, ir.MemPayload{Align: size, IsStack: true}, rsp)
	eight := l.F.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: 8})
	newRsp := l.F.Emit(ir.OpAdd, 8, nil, rsp, eight)
	l.storeGPR(4, newRsp)
	l.StoreResult(inst.Operands[0], v, size, false, true)
	return nil
}

func (l *Lowerer) loadGPR(reg uint8) ir.NodeRef {
	return l.F.Emit(ir.OpLoadContext, 8, ir.ContextPayload{Offset: gprOffset(reg), Size: 8})
}

func (l *Lowerer) storeGPR(reg uint8, v ir.NodeRef) {
	l.F.Emit(ir.OpStoreContext, 8, ir.ContextPayload{Offset: gprOffset(reg), Size: 8}, v)
}

func (l *Lowerer) loadFlag(f state.Flag) ir.NodeRef {
	return l.F.Emit(ir.OpLoadContext, 1, ir.ContextPayload{Offset: flagOffset(f), Size: 1})
}

func (l *Lowerer) storeFlag(f state.Flag, v ir.NodeRef) {
	l.F.Emit(ir.OpStoreContext, 1, ir.ContextPayload{Offset: flagOffset(f), Size: 1}, v)
}

func (l *Lowerer) loadFlagDF() ir.NodeRef {
	return l.loadFlag(state.FlagDF)
}

// attachDeferredFlags records a DeferredFlagPayload alongside result so
// a later flag consumer (Jcc/SETcc/CMOVcc, or RedundantFlagCalculation-
// Elimination) can call CalculateDeferredFlags instead of every
// arithmetic op eagerly writing all six flag bytes (§4.3, §9).
func (l *Lowerer) attachDeferredFlags(kind state.DeferredFlagKind, result, operand ir.NodeRef, size uint8) {
	l.F.Emit(ir.OpInvalidateFlag, 0, ir.DeferredFlagPayload{Kind: uint8(kind), Dst: result, Src: operand, SkipIfZero: ir.InvalidRef})
}

// attachDeferredFlagsGuarded is attachDeferredFlags for shift/rotate ops,
// which must leave FLAGS untouched when the masked count is zero (§4.3
// "shift-by-zero FLAGS-unchanged" edge case).
func (l *Lowerer) attachDeferredFlagsGuarded(kind state.DeferredFlagKind, result, operand, maskedCount ir.NodeRef) {
	l.F.Emit(ir.OpInvalidateFlag, 0, ir.DeferredFlagPayload{Kind: uint8(kind), Dst: result, Src: operand, SkipIfZero: maskedCount})
}

// materializeNZCV eagerly computes NZCV-style flags for ops (ADC/SBB)
// that need the carry-in and so cannot defer: a CondJumpNZCV-compatible
// four-flag write in one node, per §4.3's "NZ-zero-CV micro-protocol".
func (l *Lowerer) materializeNZCV(result ir.NodeRef, size uint8) {
	l.F.Emit(ir.OpHandleNZ00Write, size, nil, result)
}
