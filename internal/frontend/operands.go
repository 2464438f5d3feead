package frontend

import (
	"unsafe"

	"github.com/dbtcore/x86dbt/internal/decoded"
	"github.com/dbtcore/x86dbt/internal/ir"
	"github.com/dbtcore/x86dbt/internal/state"
)

// Context slot offsets are computed once from the real CPUState layout
// via unsafe.Offsetof rather than hand-maintained as magic numbers, so a
// field reorder in package state can never silently desynchronize the
// front end's LoadContext/StoreContext nodes from where the JIT driver
// actually keeps the architectural state.
var (
	offRIP   = int(unsafe.Offsetof(state.CPUState{}.RIP))
	offGPR   = int(unsafe.Offsetof(state.CPUState{}.GPR))
	offFlags = int(unsafe.Offsetof(state.CPUState{}.Flags))
	gprStride = int(unsafe.Sizeof(state.CPUState{}.GPR[0]))
)

func gprOffset(reg uint8) int {
	return offGPR + int(reg)*gprStride
}

func flagOffset(f state.Flag) int {
	return offFlags + int(f)
}

// LoadSource materializes an operand's value as an IR node (§4.3
// LoadSource): a context load for a register, a (possibly TSO) memory
// load for a memory operand, or a Constant for an immediate.
//
// allowUpperGarbage mirrors the source's "do not bother masking the
// unused high bits of a sub-register read" fast path: when true and the
// operand is a GPR narrower than 8 bytes, the caller promises it will
// mask or otherwise not rely on the high bits, so LoadSource skips
// emitting a redundant Bfe.
func (l *Lowerer) LoadSource(op decoded.Operand, size uint8, tso bool, allowUpperGarbage bool) ir.NodeRef {
	switch op.Kind {
	case decoded.OperandLiteral:
		return l.F.Emit(ir.OpConstant, size, ir.ConstantPayload{Value: op.LitValue})
	case decoded.OperandDirectGPR:
		full := l.F.Emit(ir.OpLoadContext, 8, ir.ContextPayload{Offset: gprOffset(op.Reg), Size: 8})
		if op.RegHighByte {
			return l.F.Emit(ir.OpBfe, 1, nil, full, bfeShiftConst(l, 8))
		}
		if size == 8 || allowUpperGarbage {
			return full
		}
		return l.F.Emit(ir.OpBfe, size, nil, full, l.F.Emit(ir.OpConstant, 1, ir.ConstantPayload{Value: 0}))
	case decoded.OperandGPRIndirect, decoded.OperandSIB, decoded.OperandRIPRelative:
		addr := l.effectiveAddress(op)
		memOp := ir.OpLoadMem
		if tso {
			memOp = ir.OpLoadMemTSO
		}
		return l.F.Emit(memOp, size, ir.MemPayload{Align: size, IsStack: isStackOperand(op)}, addr)
	default:
		return l.F.Emit(ir.OpConstant, size, ir.ConstantPayload{Value: 0})
	}
}

// bfeShiftConst is a helper constant node used by the AH/CH/DH/BH
// high-byte read path.
func bfeShiftConst(l *Lowerer, shift uint64) ir.NodeRef {
	return l.F.Emit(ir.OpConstant, 1, ir.ConstantPayload{Value: shift})
}

// StoreResult writes value back to an operand (§4.3 StoreResult). A
// 4-byte GPR-destination write in 64-bit mode zero-extends into the
// full 64-bit register slot, while 1- and 2-byte writes store only
// their own bytes, per the architectural
// rule ("writing a 32-bit GPR zeroes the upper 32 bits; writing an
// 8/16-bit GPR preserves them") -- zeroExtendTo64 selects this.
func (l *Lowerer) StoreResult(op decoded.Operand, value ir.NodeRef, size uint8, tso bool, zeroExtendTo64 bool) {
	switch op.Kind {
	case decoded.OperandDirectGPR:
		if size == 4 && zeroExtendTo64 {
			widened := l.F.Emit(ir.OpBfi, 8, ir.ShiftPayload{}, l.zero64(), value)
			l.F.Emit(ir.OpStoreContext, 8, ir.ContextPayload{Offset: gprOffset(op.Reg), Size: 8}, widened)
			return
		}
		if op.RegHighByte {
			l.F.Emit(ir.OpStoreContext, 1, ir.ContextPayload{Offset: gprOffset(op.Reg) + 1, Size: 1}, value)
			return
		}
		l.F.Emit(ir.OpStoreContext, size, ir.ContextPayload{Offset: gprOffset(op.Reg), Size: size}, value)
	case decoded.OperandGPRIndirect, decoded.OperandSIB, decoded.OperandRIPRelative:
		addr := l.effectiveAddress(op)
		memOp := ir.OpStoreMem
		if tso {
			memOp = ir.OpStoreMemTSO
		}
		l.F.Emit(memOp, size, ir.MemPayload{Align: size, IsStack: isStackOperand(op)}, addr, value)
	}
}

func (l *Lowerer) zero64() ir.NodeRef {
	return l.F.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: 0})
}

// effectiveAddress lowers a memory operand's addressing mode to a single
// 64-bit address-computation node (§4.3: base+index*scale+disp folded
// into Add/Lshl nodes, RIP-relative resolved against the instruction's
// own PC since x86 RIP-relative displacements are relative to the
// address of the *next* instruction).
func (l *Lowerer) effectiveAddress(op decoded.Operand) ir.NodeRef {
	switch op.Kind {
	case decoded.OperandRIPRelative:
		target := uint64(int64(l.pc) + op.RIPOffset)
		return l.F.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: target})
	case decoded.OperandGPRIndirect:
		base := l.F.Emit(ir.OpLoadContext, 8, ir.ContextPayload{Offset: gprOffset(op.IndirectReg), Size: 8})
		if op.Displacement == 0 {
			return base
		}
		disp := l.F.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: uint64(int64(op.Displacement))})
		return l.F.Emit(ir.OpAdd, 8, nil, base, disp)
	case decoded.OperandSIB:
		var addr ir.NodeRef
		if op.SIBBase == 0xFF {
			addr = l.F.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: 0})
		} else {
			addr = l.F.Emit(ir.OpLoadContext, 8, ir.ContextPayload{Offset: gprOffset(op.SIBBase), Size: 8})
		}
		if !op.SIBNoIndex {
			idx := l.F.Emit(ir.OpLoadContext, 8, ir.ContextPayload{Offset: gprOffset(op.SIBIndex), Size: 8})
			if op.SIBScale > 1 {
				shiftAmt := uint64(0)
				for s := op.SIBScale; s > 1; s >>= 1 {
					shiftAmt++
				}
				shiftConst := l.F.Emit(ir.OpConstant, 1, ir.ConstantPayload{Value: shiftAmt})
				idx = l.F.Emit(ir.OpLshl, 8, nil, idx, shiftConst)
			}
			addr = l.F.Emit(ir.OpAdd, 8, nil, addr, idx)
		}
		if op.SIBDisp != 0 {
			disp := l.F.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: uint64(int64(op.SIBDisp))})
			addr = l.F.Emit(ir.OpAdd, 8, nil, addr, disp)
		}
		return addr
	default:
		return l.F.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: 0})
	}
}

// isStackOperand recognizes RSP/RBP-relative addressing, which §5 names
// as the one class of guest memory access exempt from TSO ordering
// (nothing else in the guest process can observe a thread's own stack
// without first racing on a non-stack location).
func isStackOperand(op decoded.Operand) bool {
	const rsp, rbp = 4, 5
	switch op.Kind {
	case decoded.OperandGPRIndirect:
		return op.IndirectReg == rsp || op.IndirectReg == rbp
	case decoded.OperandSIB:
		return op.SIBBase == rsp || op.SIBBase == rbp
	default:
		return false
	}
}

// GetSegment resolves a segment override prefix to the cached linear
// base the front end should add to an effective address. FS/GS bases
// are the only segment bases a 64-bit guest can change at runtime (via
// MSR writes the syscall layer models, not via the MOV-to-Sreg path this
// decoder rejects per §9); the other four segments are always flat
// (base 0) in long mode.
func (l *Lowerer) GetSegment(seg decoded.Segment) ir.NodeRef {
	switch seg {
	case decoded.SegFS:
		return l.F.Emit(ir.OpLoadContext, 8, ir.ContextPayload{Offset: int(unsafe.Offsetof(state.CPUState{}.FSBase)), Size: 8})
	case decoded.SegGS:
		return l.F.Emit(ir.OpLoadContext, 8, ir.ContextPayload{Offset: int(unsafe.Offsetof(state.CPUState{}.GSBase)), Size: 8})
	default:
		return l.zero64()
	}
}
