package refbackend

import "github.com/dbtcore/x86dbt/internal/state"

// flag byte indices into state.CPUState.Flags / DeferredFlags.Stale,
// matching the order named in the DeferredFlags doc comment.
const (
	idxCF = 0
	idxPF = 1
	idxAF = 2
	idxZF = 3
	idxSF = 4
	idxOF = 5
)

func maskFor(bits uint8) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bits) - 1
}

func signBit(bits uint8) uint64 {
	return uint64(1) << (bits - 1)
}

func parityEven(b uint64) bool {
	b = b & 0xFF
	count := 0
	for i := 0; i < 8; i++ {
		if b&(1<<i) != 0 {
			count++
		}
	}
	return count%2 == 0
}

// materializeDeferredFlags implements CalculateDeferredFlags (§4.3,
// §9): recompute CF/PF/AF/ZF/SF/OF from the recipe left by the most
// recent InvalidateFlag, honoring the Stale mask so INC/DEC's
// CF-preserving rule holds. A Kind of DeferredNone means the flags are
// already up to date (nothing pending), so this is a no-op -- which is
// what makes calling it twice in a row idempotent.
func materializeDeferredFlags(cpu *state.CPUState) {
	d := &cpu.Deferred
	if d.Kind == state.DeferredNone {
		return
	}
	bits := d.SizeBits
	mask := maskFor(bits)
	result := d.Result & mask
	operand := d.Operand & mask

	var cf, pf, af, zf, sf, of bool
	zf = result == 0
	sf = result&signBit(bits) != 0
	pf = parityEven(result)

	switch d.Kind {
	case state.DeferredAdd, state.DeferredInc:
		rhs := (result - operand) & mask
		cf = result < operand
		of = (operand&signBit(bits) == rhs&signBit(bits)) && (result&signBit(bits) != operand&signBit(bits))
		af = (operand&0xF)+(rhs&0xF) > 0xF
	case state.DeferredSub, state.DeferredDec:
		rhs := (operand - result) & mask
		cf = operand < rhs
		of = (operand&signBit(bits) != rhs&signBit(bits)) && (result&signBit(bits) != operand&signBit(bits))
		af = (operand & 0xF) < (rhs & 0xF)
	case state.DeferredAnd, state.DeferredOr, state.DeferredXor:
		cf, of, af = false, false, false
	case state.DeferredNeg:
		original := (0 - result) & mask
		cf = result != 0
		of = original == signBit(bits)
		af = original&0xF != 0
	case state.DeferredMul:
		// Result holds the widening multiply's high half here.
		cf = result != 0
		of = cf
	case state.DeferredImul:
		lo := operand
		signExt := uint64(0)
		if lo&signBit(bits) != 0 {
			signExt = mask
		}
		cf = result != signExt
		of = cf
	case state.DeferredShl:
		if d.Count >= 1 {
			cf = (operand>>(uint64(bits)-d.Count))&1 != 0
		}
		if d.Count == 1 {
			of = (result&signBit(bits) != 0) != cf
		}
	case state.DeferredShr:
		if d.Count >= 1 {
			cf = (operand>>(d.Count-1))&1 != 0
		}
		if d.Count == 1 {
			of = operand&signBit(bits) != 0
		}
	case state.DeferredSar:
		if d.Count >= 1 {
			cf = (operand>>(d.Count-1))&1 != 0
		}
		of = false
	}

	// Stale is indexed CF,PF,AF,ZF,SF,OF (idxCF..idxOF); cpu.Flags is
	// indexed by the full state.Flag enum, where OF sits at position 8,
	// not 5 -- the two arrays are not parallel, so each bit is written
	// through its own state.Flag constant rather than by shared index.
	bits6 := [6]bool{cf, pf, af, zf, sf, of}
	flagOf := [6]state.Flag{state.FlagCF, state.FlagPF, state.FlagAF, state.FlagZF, state.FlagSF, state.FlagOF}
	for i, stale := range d.Stale {
		if stale {
			cpu.Flags[flagOf[i]] = boolToByte(bits6[i])
		}
	}
	*d = state.DeferredFlags{}
}

func boolToByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
