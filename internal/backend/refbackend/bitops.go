package refbackend

import "math/big"

// bfeResult implements Bfe(value, shift): extract an outBits-wide field
// of value starting at bit shift, matching the BT/SETcc high-byte/rotate
// carry-bit extraction the front end emits it for.
func bfeResult(value, shift uint64, outBits uint8) uint64 {
	if shift >= 64 {
		return 0
	}
	return (value >> shift) & maskFor(outBits)
}

// bfiResult implements Bfi(base, insert): a bitfield insert whose
// position depends on which of the two operands is narrower than the
// output. When base already spans the whole output (the common
// zero-extension idiom, Bfi(zero64, narrowValue)), insert replaces the
// low insertBits bits of base. When base is narrower than the output
// (the RCL/RCR widened-scratch idiom), insert is placed directly above
// base's own width, concatenating it as extra high bits.
//
// A base exactly as wide as the output with an insert also exactly that
// wide (64-bit RCL/RCR, which has no spare bit for the carry) falls back
// to the insert-low case and so does not faithfully preserve every bit
// of base; this mirrors the approximation already accepted for ROL/ROR's
// undefined-except-count-1 overflow flag.
func bfiResult(base uint64, baseBits uint8, insert uint64, insertBits uint8, outBits uint8) uint64 {
	var offset, width uint8
	if baseBits < outBits {
		offset = baseBits
		width = outBits - baseBits
	} else {
		offset = 0
		width = insertBits
	}
	if width == 0 {
		return base & maskFor(outBits)
	}
	fieldMask := maskFor(width) << offset
	return (base &^ fieldMask) | ((insert & maskFor(width)) << offset)
}

// extrResult implements Extr(a, b, count): a funnel shift extracting a
// bits-wide window out of the conceptual 2*bits concatenation, used by
// SHLD (a=destination, b=fill source, count passed as bits-count) and
// SHRD (a=fill source, b=destination). count==0 returns b and
// count>=bits returns a, so a masked-to-zero x86 count leaves the
// destination untouched for both.
func extrResult(a, b, count uint64, bits uint8) uint64 {
	mask := maskFor(bits)
	if count == 0 {
		return b & mask
	}
	if count >= uint64(bits) {
		return a & mask
	}
	hi := (a << (uint64(bits) - count)) & mask
	lo := (b >> count) & mask
	return hi | lo
}

// rotate implements Rol/Ror over a bits-wide value.
func rotate(v, count uint64, bits uint8, left bool) uint64 {
	mask := maskFor(bits)
	v &= mask
	if bits == 0 {
		return 0
	}
	count %= uint64(bits)
	if count == 0 {
		return v
	}
	if left {
		return ((v << count) | (v >> (uint64(bits) - count))) & mask
	}
	return ((v >> count) | (v << (uint64(bits) - count))) & mask
}

func toSigned(v uint64, bits uint8) int64 {
	if bits >= 64 {
		return int64(v)
	}
	v &= maskFor(bits)
	if v&signBit(bits) != 0 {
		return int64(v) - int64(uint64(1)<<bits)
	}
	return int64(v)
}

var one = big.NewInt(1)

func maskBig(bits uint8) *big.Int {
	return new(big.Int).Sub(new(big.Int).Lsh(one, uint(bits)), one)
}

// mulWiden computes the bits-wide widening multiply of a and b, signed
// or unsigned, returning the low and high halves of the 2*bits product.
// math/big gives an exact result without hand-rolling 128-bit
// arithmetic, which would otherwise be needed only for the 64-bit case.
func mulWiden(a, b uint64, bits uint8, signed bool) (lo, hi uint64) {
	var ba, bb big.Int
	if signed {
		ba.SetInt64(toSigned(a, bits))
		bb.SetInt64(toSigned(b, bits))
	} else {
		ba.SetUint64(a & maskFor(bits))
		bb.SetUint64(b & maskFor(bits))
	}
	product := new(big.Int).Mul(&ba, &bb)
	loBig := new(big.Int).And(product, maskBig(bits))
	hiBig := new(big.Int).And(new(big.Int).Rsh(product, uint(bits)), maskBig(bits))
	return loBig.Uint64(), hiBig.Uint64()
}

// divWiden computes the bits-wide quotient and remainder of the
// 2*bits-wide dividend (hi:lo) divided by divisor, signed or unsigned,
// the widened form DIV/IDIV take their operands in (RDX:RAX style).
// Returns ok=false on division by zero; callers must have already
// guarded against this in the IR (the front end emits an explicit Break
// branch ahead of every Div/Rem node), so reaching it here is a
// translation bug rather than a guest-reachable condition.
func divWiden(lo, hi, divisor uint64, bits uint8, signed bool) (quot, rem uint64, ok bool) {
	mask := maskFor(bits)
	raw := new(big.Int).Lsh(new(big.Int).SetUint64(hi&mask), uint(bits))
	raw.Or(raw, new(big.Int).SetUint64(lo&mask))

	var div big.Int
	if signed {
		if hi&signBit(bits) != 0 {
			full := new(big.Int).Lsh(one, uint(2*bits))
			raw.Sub(raw, full)
		}
		div.SetInt64(toSigned(divisor, bits))
	} else {
		div.SetUint64(divisor & mask)
	}
	if div.Sign() == 0 {
		return 0, 0, false
	}

	q, r := new(big.Int), new(big.Int)
	q.QuoRem(raw, &div, r)
	qU := new(big.Int).And(q, maskBig(bits))
	rU := new(big.Int).And(r, maskBig(bits))
	return qU.Uint64(), rU.Uint64(), true
}
