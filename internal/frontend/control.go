package frontend

import (
	"github.com/dbtcore/x86dbt/internal/decoded"
	"github.com/dbtcore/x86dbt/internal/ir"
	"github.com/dbtcore/x86dbt/internal/state"
)

// condCodeFromNumber decodes the 4-bit x86 condition-code field (the low
// nibble of Jcc/SETcc/CMOVcc's opcode byte) into the small sum type
// (§4.3). The x86 encoding order (O, NO, B, AE, E, NE, BE, A, S, NS, P,
// NP, L, GE, LE, G) differs from ir.CondCode's declaration order, so the
// nibble indexes a table rather than being converted directly.
func condCodeFromNumber(n byte) ir.CondCode {
	return x86CondCodes[n&0xF]
}

var x86CondCodes = [16]ir.CondCode{
	ir.CondOverflow, ir.CondNoOverflow, ir.CondULT, ir.CondUGE,
	ir.CondEQ, ir.CondNE, ir.CondULE, ir.CondUGT,
	ir.CondMI, ir.CondPL, ir.CondP, ir.CondNP,
	ir.CondSLT, ir.CondSGE, ir.CondSLE, ir.CondSGT,
}

// conditionNibble recovers the condition-code nibble the decoder folded
// into the opcode but did not separately record; Jcc/SETcc/CMOVcc each
// span a contiguous 16-opcode run so the nibble is just the instruction's
// low 4 opcode bits.
func conditionNibble(inst *decoded.Instruction) byte {
	return inst.OpcodeBytes[inst.OpcodeLen-1] & 0xF
}

// evalCondition materializes whatever deferred-flag recipe is pending
// and returns a 1-byte 0/1 node for the given condition code, reading
// the individual architectural flag bytes directly (§4.3: once
// CalculateDeferredFlags has run, Flags[] is a normal byte array like
// any other context slot).
func (l *Lowerer) evalCondition(cc ir.CondCode) ir.NodeRef {
	l.F.Emit(ir.OpCalculateDeferredFlags, 0, nil)

	zf := l.loadFlag(state.FlagZF)
	cf := l.loadFlag(state.FlagCF)
	sf := l.loadFlag(state.FlagSF)
	of := l.loadFlag(state.FlagOF)
	pf := l.loadFlag(state.FlagPF)

	one := l.F.Emit(ir.OpConstant, 1, ir.ConstantPayload{Value: 1})
	not := func(v ir.NodeRef) ir.NodeRef { return l.F.Emit(ir.OpXor, 1, nil, v, one) }
	and := func(a, b ir.NodeRef) ir.NodeRef { return l.F.Emit(ir.OpAnd, 1, nil, a, b) }
	or := func(a, b ir.NodeRef) ir.NodeRef { return l.F.Emit(ir.OpOr, 1, nil, a, b) }
	xor := func(a, b ir.NodeRef) ir.NodeRef { return l.F.Emit(ir.OpXor, 1, nil, a, b) }

	switch cc {
	case ir.CondEQ:
		return zf
	case ir.CondNE:
		return not(zf)
	case ir.CondUGE:
		return not(cf)
	case ir.CondULT:
		return cf
	case ir.CondMI:
		return sf
	case ir.CondPL:
		return not(sf)
	case ir.CondOverflow:
		return of
	case ir.CondNoOverflow:
		return not(of)
	case ir.CondUGT:
		return and(not(cf), not(zf))
	case ir.CondULE:
		return or(cf, zf)
	case ir.CondSGE:
		return not(xor(sf, of))
	case ir.CondSLT:
		return xor(sf, of)
	case ir.CondSGT:
		return and(not(zf), not(xor(sf, of)))
	case ir.CondSLE:
		return or(zf, xor(sf, of))
	case ir.CondP:
		return pf
	case ir.CondNP:
		return not(pf)
	default:
		return l.F.Emit(ir.OpConstant, 1, ir.ConstantPayload{Value: 0})
	}
}

// jccHandler lowers Jcc rel8/rel32: the current block's terminator
// becomes a CondJump to the taken target, with the fallthrough as the
// Next-linked block.
func jccHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	cc := condCodeFromNumber(conditionNibble(inst))
	cond := l.evalCondition(cc)

	takenPC := uint64(int64(l.pc) + int64(inst.Length) + int64(inst.Operands[0].LitValue))

	cur := l.F.Current()
	takenBlock := l.F.NewBlock()
	fallBlock := l.F.NewBlock()

	l.F.Terminate(cur, ir.OpCondJump, ir.CondPayload{Cond: ir.CondNE}, cond)
	l.F.AddSuccessor(cur, takenBlock)
	l.F.Link(cur, fallBlock)

	l.F.SetCurrent(takenBlock)
	l.F.Terminate(takenBlock, ir.OpExitFunction, exitTargetPayload(takenPC))

	l.F.SetCurrent(fallBlock)
	return nil
}

func setccHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	cc := condCodeFromNumber(conditionNibble(inst))
	v := l.evalCondition(cc)
	l.StoreResult(inst.Operands[0], v, 1, false, true)
	return nil
}

func cmovccHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	size := uint8(inst.OperandSize)
	cc := condCodeFromNumber(conditionNibble(inst))
	cond := l.evalCondition(cc)
	dst := l.LoadSource(inst.Operands[0], size, false, true)
	src := l.LoadSource(inst.Operands[1], size, false, true)
	result := l.F.Emit(ir.OpNZCVSelect, size, ir.CondPayload{Cond: ir.CondNE}, cond, src, dst)
	l.StoreResult(inst.Operands[0], result, size, false, true)
	return nil
}

// exitTargetPayload packages a direct-branch target as an
// ExitFunction's payload; the JIT driver (§4.5) reads this to decide
// between chaining a patchpoint straight to an already-compiled block
// and falling back to the dispatcher.
func exitTargetPayload(pc uint64) ir.Payload {
	return ir.ConstantPayload{Value: pc}
}

func jmpHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	// A branch materializes any pending deferred-flag recipe before
	// leaving the block.
	l.F.Emit(ir.OpCalculateDeferredFlags, 0, nil)
	op := inst.Operands[0]
	if op.Kind == decoded.OperandLiteral {
		target := uint64(int64(l.pc) + int64(inst.Length) + int64(op.LitValue))
		l.F.Terminate(l.F.Current(), ir.OpExitFunction, exitTargetPayload(target))
		return nil
	}
	addr := l.LoadSource(op, 8, false, true)
	l.F.Terminate(l.F.Current(), ir.OpExitFunction, nil, addr)
	return nil
}

func callHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	retAddr := l.pc + uint64(inst.Length)
	retConst := l.F.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: retAddr})
	rsp := l.loadGPR(4)
	eight := l.F.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: 8})
	newRsp := l.F.Emit(ir.OpSub, 8, nil, rsp, eight)
	l.storeGPR(4, newRsp)
	l.F.Emit(ir.OpStoreMem, 8, ir.MemPayload{Align: 8, IsStack: true}, newRsp, retConst)

	op := inst.Operands[0]
	if op.Kind == decoded.OperandLiteral {
		target := uint64(int64(retAddr) + int64(op.LitValue))
		l.F.Terminate(l.F.Current(), ir.OpExitFunction, exitTargetPayload(target))
		return nil
	}
	addr := l.LoadSource(op, 8, false, true)
	l.F.Terminate(l.F.Current(), ir.OpExitFunction, nil, addr)
	return nil
}

func retHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	rsp := l.loadGPR(4)
	retAddr := l.F.Emit(ir.OpLoadMem, 8, ir.MemPayload{Align: 8, IsStack: true}, rsp)
	eight := l.F.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: 8})
	newRsp := l.F.Emit(ir.OpAdd, 8, nil, rsp, eight)
	if inst.NumOperands == 1 {
		imm := l.F.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: inst.Operands[0].LitValue})
		newRsp = l.F.Emit(ir.OpAdd, 8, nil, newRsp, imm)
	}
	l.storeGPR(4, newRsp)
	l.F.Terminate(l.F.Current(), ir.OpExitFunction, nil, retAddr)
	return nil
}
