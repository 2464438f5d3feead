package frontend

import (
	"github.com/dbtcore/x86dbt/internal/abi"
	"github.com/dbtcore/x86dbt/internal/decoded"
	"github.com/dbtcore/x86dbt/internal/ir"
	"github.com/dbtcore/x86dbt/internal/state"
)

const (
	regRAX = 0
	regRDX = 2
)

// mulHandler lowers the single-operand MUL (group 3, /4): unsigned
// widening multiply of the implicit accumulator (AL/AX/EAX/RAX) by the
// r/m operand, with the high half written to AH/DX/EDX/RDX (§4.3 "MUL/
// IMUL widening pairs").
func mulHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	size := uint8(inst.OperandSize)
	lhs := l.loadGPR(regRAX)
	rhs := l.LoadSource(inst.Operands[0], size, false, true)
	lo := l.F.Emit(ir.OpUMul, size, nil, lhs, rhs)
	hi := l.F.Emit(ir.OpUMulH, size, nil, lhs, rhs)
	l.storeSplitAccumulator(lo, hi, size)
	l.attachDeferredFlags(state.DeferredMul, hi, lo, size) // CF/OF = (hi != 0); SF/ZF/PF/AF undefined
	return nil
}

// imulHandler lowers the single-operand IMUL (group 3, /5): the signed
// counterpart of mulHandler.
func imulHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	size := uint8(inst.OperandSize)
	lhs := l.loadGPR(regRAX)
	rhs := l.LoadSource(inst.Operands[0], size, false, true)
	lo := l.F.Emit(ir.OpIMul, size, nil, lhs, rhs)
	hi := l.F.Emit(ir.OpIMulH, size, nil, lhs, rhs)
	l.storeSplitAccumulator(lo, hi, size)
	l.attachDeferredFlags(state.DeferredImul, hi, lo, size)
	return nil
}

// imul2Handler lowers the two-operand IMUL form (0F AF): reg := reg *
// r/m, truncated to size, discarding the high half. The immediate
// three-operand encodings (69/6B) have no decoder table entry and are
// not lowered.
func imul2Handler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	size := uint8(inst.OperandSize)
	lhs := l.LoadSource(inst.Operands[0], size, false, true)
	rhs := l.LoadSource(inst.Operands[1], size, false, true)
	result := l.F.Emit(ir.OpIMul, size, nil, lhs, rhs)
	hi := l.F.Emit(ir.OpIMulH, size, nil, lhs, rhs)
	l.attachDeferredFlags(state.DeferredImul, hi, result, size)
	l.StoreResult(inst.Operands[0], result, size, false, true)
	return nil
}

// storeSplitAccumulator writes a widening multiply's low/high halves to
// the accumulator/remainder register pair, honoring the 8-bit special
// case (AL/AH packed into AX rather than a separate register).
func (l *Lowerer) storeSplitAccumulator(lo, hi ir.NodeRef, size uint8) {
	if size == 1 {
		shift := l.F.Emit(ir.OpConstant, 1, ir.ConstantPayload{Value: 8})
		hiShifted := l.F.Emit(ir.OpLshl, 2, nil, hi, shift)
		packed := l.F.Emit(ir.OpOr, 2, nil, lo, hiShifted)
		l.F.Emit(ir.OpStoreContext, 2, ir.ContextPayload{Offset: gprOffset(regRAX), Size: 2}, packed)
		return
	}
	l.StoreResult(decoded.Operand{Kind: decoded.OperandDirectGPR, Reg: regRAX}, lo, size, false, true)
	l.StoreResult(decoded.Operand{Kind: decoded.OperandDirectGPR, Reg: regRDX}, hi, size, false, true)
}

// divHandler and idivHandler lower the widening-pair DIV/IDIV (group 3,
// /6 and /7). §4.3: "via LDiv/LUDiv/LRem/LURem with #DE/SIGFPE Break on
// div-by-zero/overflow" -- this module models the fault check as an
// explicit guard the front end emits inline (a conditional Break),
// rather than relying on a host trap, since the reference backend is not
// guaranteed to reproduce the host CPU's #DE delivery.
func divHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	return l.lowerDivide(inst, false)
}

func idivHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	return l.lowerDivide(inst, true)
}

func (l *Lowerer) lowerDivide(inst *decoded.Instruction, signed bool) error {
	size := uint8(inst.OperandSize)
	lo := l.loadGPR(regRAX)
	var hi ir.NodeRef
	if size == 1 {
		hi = l.F.Emit(ir.OpConstant, 1, ir.ConstantPayload{Value: 0})
	} else {
		hi = l.loadGPR(regRDX)
	}
	divisor := l.LoadSource(inst.Operands[0], size, false, true)

	divisorIsZero := l.isZero(divisor, size)
	l.emitDivideByZeroGuard(divisorIsZero)

	divOp, remOp := ir.OpLUDiv, ir.OpLURem
	if signed {
		divOp, remOp = ir.OpLDiv, ir.OpLRem
	}
	quot := l.F.Emit(divOp, size, nil, lo, hi, divisor)
	rem := l.F.Emit(remOp, size, nil, lo, hi, divisor)
	l.storeSplitAccumulator(quot, rem, size)
	return nil
}

// isZero emits the 1-byte boolean (0/1) "divisor == 0" check the divide
// guard branches on, via the same NZCV materialization ADC/SBB use.
func (l *Lowerer) isZero(v ir.NodeRef, size uint8) ir.NodeRef {
	zero := l.F.Emit(ir.OpConstant, size, ir.ConstantPayload{Value: 0})
	carryIn := l.F.Emit(ir.OpConstant, 1, ir.ConstantPayload{Value: 0})
	diff := l.F.Emit(ir.OpSubWithFlags, size, nil, v, zero, carryIn)
	l.materializeNZCV(diff, size)
	return l.loadFlag(state.FlagZF)
}

// emitDivideByZeroGuard splits the current block so a runtime-true
// divisorIsZero takes a side exit to Break(SIGFPE, #DE) instead of
// falling into the LDiv/LUDiv node, whose behavior on an actual zero
// divisor is otherwise undefined.
func (l *Lowerer) emitDivideByZeroGuard(divisorIsZero ir.NodeRef) {
	faultBlock := l.F.NewBlock()
	continueBlock := l.F.NewBlock()

	cur := l.F.Current()
	cond := ir.CondPayload{Cond: ir.CondNE}
	l.F.Terminate(cur, ir.OpCondJump, cond, divisorIsZero)
	l.F.AddSuccessor(cur, faultBlock)
	l.F.Link(cur, continueBlock)

	l.F.SetCurrent(faultBlock)
	l.F.Terminate(faultBlock, ir.OpBreak, abiBreakPayload(abi.BreakReason{Signal: abi.SIGFPE, TrapNumber: 0}))

	l.F.SetCurrent(continueBlock)
}
