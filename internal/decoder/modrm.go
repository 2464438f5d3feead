package decoder

import (
	"github.com/pkg/errors"

	"github.com/dbtcore/x86dbt/internal/decoded"
)

// modRM is the decoded ModRM(+SIB+disp) byte group.
type modRM struct {
	mod uint8
	reg uint8 // includes REX.R
	rm  uint8 // includes REX.B, unless SIB overrides

	isMemory bool
	isRIPRelative bool
	ripDisp int64

	hasSIB     bool
	sibBase    uint8
	sibIndex   uint8
	sibNoIndex bool
	sibScale   uint8

	disp int32
}

var errTruncatedModRM = errors.New("decoder: truncated modrm")

// decodeModRM decodes the ModRM byte, an optional SIB byte, and any
// displacement, returning the number of bytes consumed (§4.2 layer
// protocol + "Edge cases": RIP-relative sign-extension, SIB index==RSP
// meaning no index, disp8 sign-extension).
func decodeModRM(b []byte, p prefixState, addrSize int) (modRM, int, error) {
	if len(b) == 0 {
		return modRM{}, 0, errTruncatedModRM
	}
	raw := b[0]
	n := 1
	m := modRM{
		mod: raw >> 6,
		reg: (raw >> 3) & 0x7,
		rm:  raw & 0x7,
	}
	if p.rexR {
		m.reg |= 0x8
	}

	if m.mod == 3 {
		// Register-direct; rm names a GPR, not memory.
		if p.rexB {
			m.rm |= 0x8
		}
		return m, n, nil
	}

	m.isMemory = true

	if addrSize == 8 && m.rm == 5 && m.mod == 0 {
		// RIP-relative: disp32, sign-extended (§4.2 edge case).
		if len(b) < n+4 {
			return modRM{}, 0, errTruncatedModRM
		}
		m.isRIPRelative = true
		m.ripDisp = int64(int32(le32(b[n:])))
		n += 4
		return m, n, nil
	}

	if m.rm == 4 {
		// SIB byte follows.
		if len(b) < n+1 {
			return modRM{}, 0, errTruncatedModRM
		}
		sib := b[n]
		n++
		m.hasSIB = true
		m.sibScale = sib >> 6
		idx := (sib >> 3) & 0x7
		base := sib & 0x7
		if p.rexX {
			idx |= 0x8
		}
		if p.rexB {
			base |= 0x8
		}
		// SIB.index == RSP (4, pre-REX.X) encodes "no index" (§4.2
		// edge case); REX.X can still select R12 as a real index, so
		// the "no index" check is on the pre-extension field only.
		if (sib>>3)&0x7 == 4 && !p.rexX {
			m.sibNoIndex = true
		}
		m.sibIndex = idx
		m.sibBase = base

		if m.mod == 0 && base&0x7 == 5 {
			if len(b) < n+4 {
				return modRM{}, 0, errTruncatedModRM
			}
			m.disp = int32(le32(b[n:]))
			n += 4
		}
		return finishDisp(m, b, n, p)
	}

	if p.rexB {
		m.rm |= 0x8
	}
	return finishDisp(m, b, n, p)
}

func finishDisp(m modRM, b []byte, n int, p prefixState) (modRM, int, error) {
	switch m.mod {
	case 0:
		return m, n, nil
	case 1:
		if len(b) < n+1 {
			return modRM{}, 0, errTruncatedModRM
		}
		m.disp = int32(int8(b[n]))
		n++
		return m, n, nil
	case 2:
		if len(b) < n+4 {
			return modRM{}, 0, errTruncatedModRM
		}
		m.disp = int32(le32(b[n:]))
		n += 4
		return m, n, nil
	default:
		return m, n, nil
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

// decodeOperand materializes one Operand from an OperandDesc, advancing
// past any trailing immediate/displacement bytes it owns.
func (d *Decoder) decodeOperand(desc OperandDesc, raw []byte, i int, m modRM, haveModRM bool, inst *decoded.Instruction, p prefixState) (decoded.Operand, int, error) {
	switch desc {
	case OperandDescImplicitAcc:
		return decoded.Operand{Kind: decoded.OperandDirectGPR, Reg: 0}, 0, nil
	case OperandDescImplicit1:
		return decoded.Operand{Kind: decoded.OperandLiteral, LitWidth: 1, LitValue: 1}, 0, nil
	case OperandDescImplicitCL:
		return decoded.Operand{Kind: decoded.OperandDirectGPR, Reg: 1}, 0, nil
	case OperandDescOpcodeReg:
		reg := raw[i-1] & 0x7
		if p.rexB {
			reg |= 0x8
		}
		return decoded.Operand{Kind: decoded.OperandDirectGPR, Reg: reg}, 0, nil
	case OperandDescModRMReg:
		if m.reg >= 16 {
			return decoded.Operand{}, 0, errTruncatedModRM
		}
		op := decoded.Operand{Kind: decoded.OperandDirectGPR, Reg: m.reg}
		if !p.hasREX && inst.OperandSize == 1 && m.reg >= 4 && m.reg < 8 {
			op.RegHighByte = true
		}
		return op, 0, nil
	case OperandDescModRMRM:
		return d.modRMOperand(m, inst), 0, nil
	case OperandDescImm8:
		if i >= len(raw) {
			return decoded.Operand{}, 0, errTruncatedModRM
		}
		return decoded.Operand{Kind: decoded.OperandLiteral, LitWidth: 1, LitValue: uint64(int64(int8(raw[i])))}, 1, nil
	case OperandDescImmZ:
		switch inst.OperandSize {
		case 2:
			if i+2 > len(raw) {
				return decoded.Operand{}, 0, errTruncatedModRM
			}
			return decoded.Operand{Kind: decoded.OperandLiteral, LitWidth: 2, LitValue: uint64(le16(raw[i:]))}, 2, nil
		default:
			if i+4 > len(raw) {
				return decoded.Operand{}, 0, errTruncatedModRM
			}
			v := int64(int32(le32(raw[i:])))
			return decoded.Operand{Kind: decoded.OperandLiteral, LitWidth: 4, LitValue: uint64(v)}, 4, nil
		}
	case OperandDescRelB:
		if i >= len(raw) {
			return decoded.Operand{}, 0, errTruncatedModRM
		}
		return decoded.Operand{Kind: decoded.OperandLiteral, LitWidth: 1, LitValue: uint64(int64(int8(raw[i])))}, 1, nil
	case OperandDescRelZ:
		if i+4 > len(raw) {
			return decoded.Operand{}, 0, errTruncatedModRM
		}
		v := int64(int32(le32(raw[i:])))
		return decoded.Operand{Kind: decoded.OperandLiteral, LitWidth: 4, LitValue: uint64(v)}, 4, nil
	default:
		return decoded.Operand{}, 0, nil
	}
}

func (d *Decoder) modRMOperand(m modRM, inst *decoded.Instruction) decoded.Operand {
	if !m.isMemory {
		op := decoded.Operand{Kind: decoded.OperandDirectGPR, Reg: m.rm}
		return op
	}
	if m.isRIPRelative {
		return decoded.Operand{Kind: decoded.OperandRIPRelative, RIPOffset: m.ripDisp, RIPSigned: true}
	}
	if m.hasSIB {
		return decoded.Operand{
			Kind:       decoded.OperandSIB,
			SIBBase:    m.sibBase,
			SIBIndex:   m.sibIndex,
			SIBNoIndex: m.sibNoIndex,
			SIBScale:   1 << m.sibScale,
			SIBDisp:    m.disp,
		}
	}
	return decoded.Operand{Kind: decoded.OperandGPRIndirect, IndirectReg: m.rm, Displacement: m.disp}
}
