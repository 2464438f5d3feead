package frontend

import (
	"github.com/dbtcore/x86dbt/internal/decoded"
	"github.com/dbtcore/x86dbt/internal/ir"
	"github.com/dbtcore/x86dbt/internal/state"
)

// shiftOpFor maps the group-2 shift/rotate mnemonic to its IR op.
var shiftOpFor = map[string]ir.Op{
	"SHL": ir.OpLshl, "SHR": ir.OpLshr, "SAR": ir.OpAshr,
	"ROL": ir.OpRol, "ROR": ir.OpRor,
}

var shiftDeferredKindFor = map[string]state.DeferredFlagKind{
	"SHL": state.DeferredShl, "SHR": state.DeferredShr, "SAR": state.DeferredSar,
}

// maskShiftCount implements Calculate_ShiftVariable's count-masking rule
// (§4.3): the count is always masked to 5 bits for 8/16/32-bit operands
// and 6 bits for 64-bit operands before use, regardless of source
// (immediate or CL), matching the real hardware microcode behavior the
// front end must reproduce bit-for-bit.
func (l *Lowerer) maskShiftCount(count ir.NodeRef, size uint8) ir.NodeRef {
	maskBits := uint8(5)
	maskVal := uint64(0x1F)
	if size == 8 {
		maskBits = 6
		maskVal = 0x3F
	}
	maskConst := l.F.Emit(ir.OpConstant, 1, ir.ConstantPayload{Value: maskVal})
	return l.F.Emit(ir.OpAnd, 1, ir.ShiftPayload{MaskBits: maskBits}, count, maskConst)
}

// shiftRotateHandler lowers SHL/SHR/SAR/ROL/ROR (group 2, ModRM.reg
// selects the family; §4.3). The masked count feeds both the shift node
// itself and the deferred-flag guard, so a runtime count of zero leaves
// FLAGS untouched end to end.
func shiftRotateHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	size := uint8(inst.OperandSize)
	dst := inst.Operands[0]
	rawCount := l.LoadSource(inst.Operands[1], 1, false, true)
	count := l.maskShiftCount(rawCount, size)

	v := l.LoadSource(dst, size, false, true)
	op := shiftOpFor[mnemonic]
	result := l.F.Emit(op, size, ir.ShiftPayload{}, v, count)

	if kind, ok := shiftDeferredKindFor[mnemonic]; ok {
		l.attachDeferredFlagsGuarded(kind, result, v, count)
	} else {
		// ROL/ROR: CF is set to the last bit rotated into position. OF
		// is not written, including for count==1, where it is
		// architecturally defined.
		shiftedBit := l.rotateCarryBit(mnemonic, v, count, size)
		l.storeFlag(state.FlagCF, shiftedBit)
	}
	l.StoreResult(dst, result, size, false, true)
	return nil
}

// rotateCarryBit extracts the bit that ends up in CF after a rotate: for
// ROL it's the low bit of the result (that's the bit that wrapped
// around); for ROR it's the high bit of the result.
func (l *Lowerer) rotateCarryBit(mnemonic string, v, count ir.NodeRef, size uint8) ir.NodeRef {
	rotated := l.F.Emit(map[string]ir.Op{"ROL": ir.OpRol, "ROR": ir.OpRor}[mnemonic], size, ir.ShiftPayload{}, v, count)
	if mnemonic == "ROL" {
		one := l.F.Emit(ir.OpConstant, 1, ir.ConstantPayload{Value: 1})
		return l.F.Emit(ir.OpAnd, 1, nil, rotated, one)
	}
	shift := l.F.Emit(ir.OpConstant, 1, ir.ConstantPayload{Value: uint64(size*8 - 1)})
	return l.F.Emit(ir.OpBfe, 1, nil, rotated, shift)
}

// rclRcrHandler lowers RCL/RCR, the 9/17/33/65-bit rotate-through-carry
// forms. §4.3 describes these as built from a widened-scratch bit-field
// insert so the carry flag participates as an extra bit in the rotation
// without a real >64-bit integer type: CF is concatenated as the extra
// high bit (RCL) or low bit (RCR) via Bfi into an 8/16/32-bit-wider
// scratch value, rotated there, then the architectural-width result and
// new CF are extracted back out with Bfe.
func rclRcrHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	size := uint8(inst.OperandSize)
	dst := inst.Operands[0]
	rawCount := l.LoadSource(inst.Operands[1], 1, false, true)
	count := l.maskShiftCount(rawCount, size)
	v := l.LoadSource(dst, size, false, false)
	carryIn := l.loadFlag(state.FlagCF)

	scratchSize := size
	if size < 8 {
		scratchSize = size * 2
	}
	widened := l.F.Emit(ir.OpBfi, scratchSize, ir.ShiftPayload{}, v, carryIn)
	op := ir.OpRol
	if mnemonic == "RCR" {
		op = ir.OpRor
	}
	rotated := l.F.Emit(op, scratchSize, ir.ShiftPayload{}, widened, count)

	resultShift := l.F.Emit(ir.OpConstant, 1, ir.ConstantPayload{Value: 0})
	result := l.F.Emit(ir.OpBfe, size, nil, rotated, resultShift)
	carryShift := l.F.Emit(ir.OpConstant, 1, ir.ConstantPayload{Value: uint64(size * 8)})
	newCarry := l.F.Emit(ir.OpBfe, 1, nil, rotated, carryShift)

	l.storeFlag(state.FlagCF, newCarry)
	l.StoreResult(dst, result, size, false, true)
	return nil
}

// shldShrdHandler lowers SHLD/SHRD: a funnel shift pulling fill bits
// from a second register instead of from zero (§4.3: "implemented via
// Extr"; RCL/RCR above use Bfi/Rol/Bfe instead). OpExtr(a, b, n) extracts the architectural-width window starting
// n bits down from the top of the conceptual a:b concatenation, i.e.
// (a<<(bits-n) | b>>n). SHLD dst,src,count wants (dst<<count |
// src>>(bits-count)), which is that window with a=dst, b=src and n
// complemented to bits-count; SHRD dst,src,count wants (dst>>count |
// src<<(bits-count)), the same window with a=src, b=dst and n=count
// unchanged.
func shldShrdHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	size := uint8(inst.OperandSize)
	dst := inst.Operands[0]
	fillSrc := l.LoadSource(inst.Operands[1], size, false, true)
	rawCount := l.LoadSource(inst.Operands[2], 1, false, true)
	count := l.maskShiftCount(rawCount, size)
	v := l.LoadSource(dst, size, false, true)

	var result ir.NodeRef
	if mnemonic == "SHLD" {
		bits := l.F.Emit(ir.OpConstant, 1, ir.ConstantPayload{Value: uint64(size * 8)})
		complement := l.F.Emit(ir.OpSub, 1, nil, bits, count)
		result = l.F.Emit(ir.OpExtr, size, nil, v, fillSrc, complement)
	} else {
		result = l.F.Emit(ir.OpExtr, size, nil, fillSrc, v, count)
	}
	l.attachDeferredFlagsGuarded(state.DeferredShl, result, v, count)
	l.StoreResult(dst, result, size, false, true)
	return nil
}
