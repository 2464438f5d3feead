package frontend

import (
	"github.com/dbtcore/x86dbt/internal/decoded"
	"github.com/dbtcore/x86dbt/internal/ir"
)

const (
	regRSI = 6
	regRDI = 7
)

// stringStep emits the per-iteration body of a string op: the actual
// memory effect plus the RSI/RDI pointer advance (by +size or -size
// depending on DF), shared by MOVS/STOS/LODS/CMPS/SCAS.
type stringStep func(l *Lowerer, size uint8)

// materializeRepLoop implements the REP-prefixed string instruction as a
// real loop in the IR rather than unrolling it, using
// CreateNewCodeBlockAfter plus CondJump the way §4.3 describes: a loop
// header block tests RCX, the body runs one iteration and decrements
// RCX, and the back edge returns to the header. Non-REP string ops just
// run the body once inline.
//
// MemCpy/MemSet fast paths (§4.3 "MOVS/STOS ... MemCpy/MemSet fast
// paths") are used instead of the scalar loop when the op has no
// REPNE-terminating comparison (MOVS/STOS under REP): the whole transfer
// is expressible as a single bulk node because every iteration is
// identical and address-independent, which does not hold for CMPS/SCAS
// (REPE/REPNE can exit early on comparison result).
func (l *Lowerer) materializeRepLoop(inst *decoded.Instruction, size uint8, bulkOp ir.Op, step stringStep) {
	repeated := inst.Flags&(decoded.FlagRep|decoded.FlagRepne) != 0
	if !repeated {
		step(l, size)
		return
	}

	if bulkOp != ir.OpInvalid {
		count := l.loadGPR(1) // RCX
		l.emitBulkStringOp(bulkOp, size, count)
		zero := l.F.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: 0})
		l.storeGPR(1, zero)
		return
	}

	header := l.F.NewBlock()
	body := l.F.NewBlock()
	exit := l.F.NewBlock()

	cur := l.F.Current()
	l.F.Terminate(cur, ir.OpJump, nil)
	l.F.Link(cur, header)

	l.F.SetCurrent(header)
	rcx := l.loadGPR(1)
	isZero := l.isZero(rcx, 8)
	l.F.Terminate(header, ir.OpCondJump, ir.CondPayload{Cond: ir.CondNE}, isZero)
	l.F.AddSuccessor(header, exit)
	l.F.Link(header, body)

	l.F.SetCurrent(body)
	step(l, size)
	one := l.F.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: 1})
	newRcx := l.F.Emit(ir.OpSub, 8, nil, rcx, one)
	l.storeGPR(1, newRcx)

	if m := mnemonicOf(inst); m == "CMPS" || m == "SCAS" {
		// REPE/REPZ leaves the loop once ZF=0, REPNE/REPNZ once ZF=1
		// (plain REP on LODS never early-exits on a comparison, only on
		// RCX).
		exitCond := ir.CondNE
		if inst.Flags&decoded.FlagRepne != 0 {
			exitCond = ir.CondEQ
		}
		exitNow := l.evalCondition(exitCond)
		l.F.Terminate(body, ir.OpCondJump, ir.CondPayload{Cond: ir.CondNE}, exitNow)
		l.F.AddSuccessor(body, exit)
		l.F.Link(body, header)
	} else {
		l.F.Terminate(body, ir.OpJump, nil)
		l.F.Link(body, header)
	}

	l.F.SetCurrent(exit)
}

func (l *Lowerer) emitBulkStringOp(op ir.Op, size uint8, count ir.NodeRef) {
	dst := l.loadGPR(regRDI)
	switch op {
	case ir.OpMemCpy:
		src := l.loadGPR(regRSI)
		l.F.Emit(ir.OpMemCpy, 0, ir.MemPayload{Align: size}, dst, src, count)
	case ir.OpMemSet:
		val := l.loadGPR(regRAX)
		l.F.Emit(ir.OpMemSet, 0, ir.MemPayload{Align: size}, dst, val, count)
	}
}

func movsHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	size := uint8(inst.OperandSize)
	l.materializeRepLoop(inst, size, ir.OpMemCpy, func(l *Lowerer, size uint8) {
		rsi := l.loadGPR(regRSI)
		rdi := l.loadGPR(regRDI)
		v := l.F.Emit(ir.OpLoadMemTSO, size, ir.MemPayload{Align: size}, rsi)
		l.F.Emit(ir.OpStoreMemTSO, size, ir.MemPayload{Align: size}, rdi, v)
		l.advancePointer(regRSI, size)
		l.advancePointer(regRDI, size)
	})
	return nil
}

func stosHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	size := uint8(inst.OperandSize)
	l.materializeRepLoop(inst, size, ir.OpMemSet, func(l *Lowerer, size uint8) {
		rdi := l.loadGPR(regRDI)
		acc := l.loadGPR(regRAX)
		l.F.Emit(ir.OpStoreMemTSO, size, ir.MemPayload{Align: size}, rdi, acc)
		l.advancePointer(regRDI, size)
	})
	return nil
}

func lodsHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	size := uint8(inst.OperandSize)
	l.materializeRepLoop(inst, size, ir.OpInvalid, func(l *Lowerer, size uint8) {
		rsi := l.loadGPR(regRSI)
		v := l.F.Emit(ir.OpLoadMemTSO, size, ir.MemPayload{Align: size}, rsi)
		l.StoreResult(decoded.Operand{Kind: decoded.OperandDirectGPR, Reg: regRAX}, v, size, false, true)
		l.advancePointer(regRSI, size)
	})
	return nil
}

func cmpsScasHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	size := uint8(inst.OperandSize)
	l.materializeRepLoop(inst, size, ir.OpInvalid, func(l *Lowerer, size uint8) {
		var lhs ir.NodeRef
		if mnemonic == "SCAS" {
			lhs = l.loadGPR(regRAX)
		} else {
			rsi := l.loadGPR(regRSI)
			lhs = l.F.Emit(ir.OpLoadMemTSO, size, ir.MemPayload{Align: size}, rsi)
			l.advancePointer(regRSI, size)
		}
		rdi := l.loadGPR(regRDI)
		rhs := l.F.Emit(ir.OpLoadMemTSO, size, ir.MemPayload{Align: size}, rdi)
		result := l.F.Emit(ir.OpSub, size, nil, lhs, rhs)
		l.attachDeferredFlags(deferredKindFor["CMP"], result, lhs, size)
		l.advancePointer(regRDI, size)
	})
	return nil
}

// advancePointer moves an address register by +/-size depending on DF
// (§3 "direction flag" edge case for string ops); modeled as a runtime
// select between +size and -size rather than two code paths, since DF
// is a normal architectural flag a guest can flip between string ops in
// the same block.
func (l *Lowerer) advancePointer(reg uint8, size uint8) {
	v := l.loadGPR(reg)
	fwd := l.F.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: uint64(size)})
	bwd := l.F.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: uint64(-int64(size))})
	df := l.loadFlagDF()
	delta := l.F.Emit(ir.OpNZCVSelect, 8, ir.CondPayload{Cond: ir.CondNE}, df, bwd, fwd)
	l.storeGPR(reg, l.F.Emit(ir.OpAdd, 8, nil, v, delta))
}
