package decoder

import (
	"github.com/sirupsen/logrus"

	"github.com/dbtcore/x86dbt/internal/decoded"
)

// Reader is the guest-memory accessor's byte-stream view (§6 "guest
// memory accessor" external collaborator): a flat byte slice starting
// at the decode cursor. The JIT driver is responsible for mapping a
// guest PC to the right slice via its own memory accessor; this
// package only ever reads forward through a []byte it's handed.
type Reader interface {
	// Bytes returns up to max bytes starting at the given guest address,
	// or fewer at a mapping boundary (which the decoder treats as a
	// truncation failure per §4.2).
	Bytes(addr uint64, max int) []byte
}

// SliceReader adapts a single contiguous byte slice (e.g. an mmap'd
// guest binary section) to Reader.
type SliceReader struct {
	Base uint64
	Data []byte
}

func (s SliceReader) Bytes(addr uint64, max int) []byte {
	if addr < s.Base || addr >= s.Base+uint64(len(s.Data)) {
		return nil
	}
	off := addr - s.Base
	end := off + uint64(max)
	if end > uint64(len(s.Data)) {
		end = uint64(len(s.Data))
	}
	return s.Data[off:end]
}

// Mode selects the guest execution mode, which changes default operand
// size, REX availability, and the FS/GS-selector-write rejection rule
// (§9 open question).
type Mode uint8

const (
	Mode64 Mode = iota
	Mode32
)

// Config holds decode_block's tunables (§4.2).
type Config struct {
	Mode Mode
	// MaxBlockInstructions bounds eager control-flow decoding so a
	// pathological straight-line region doesn't grow a block
	// unboundedly (§4.2 "per-block maximum instruction count").
	MaxBlockInstructions int
	Log                  *logrus.Entry
}

// DefaultConfig returns sane defaults (matching FEXCore's per-block cap
// as described in the original implementation's block decode loop).
func DefaultConfig(mode Mode) Config {
	return Config{Mode: mode, MaxBlockInstructions: 5000, Log: logrus.NewEntry(logrus.StandardLogger())}
}

// Decoder drives decode_block over a Reader using the four-layer table
// protocol described in §4.2.
type Decoder struct {
	cfg Config
}

// New creates a Decoder.
func New(cfg Config) *Decoder {
	if cfg.MaxBlockInstructions <= 0 {
		cfg.MaxBlockInstructions = 5000
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Decoder{cfg: cfg}
}

// prefixState accumulates legacy/REX/VEX prefix bytes consumed before
// the opcode, per §4.2's prefix/REX/escape rules.
type prefixState struct {
	operandSizeOverride bool // 0x66
	addressSizeOverride bool // 0x67
	lock                bool // 0xF0
	repne                bool // 0xF2
	rep                  bool // 0xF3
	segment              decoded.Segment

	hasREX bool
	rexW, rexR, rexX, rexB bool

	vexPresent bool
	vexMapSelect int
	vexPP        int
	vexL         bool
	vexVVVV      uint8
}

// DecodeBlock implements decode_block(pc, reader) -> DecodedBlock
// (§4.2). It walks guest bytes starting at pc, decoding one
// instruction at a time, until a block-terminating instruction is
// decoded or the per-block instruction cap is reached.
func (d *Decoder) DecodeBlock(pc uint64, r Reader) (*decoded.Block, error) {
	block := &decoded.Block{EntryPC: pc}
	cur := pc
	for len(block.Instructions) < d.cfg.MaxBlockInstructions {
		inst, err := d.decodeOne(cur, r)
		if err != nil {
			return nil, err
		}
		block.Instructions = append(block.Instructions, inst)
		cur += uint64(inst.Length)
		if inst.IsBlockEnd() {
			return block, nil
		}
	}
	block.TruncatedByLimit = true
	d.cfg.Log.WithField("pc", pc).Debug("decode_block hit instruction cap")
	return block, nil
}

// decodeOne decodes a single instruction at addr.
func (d *Decoder) decodeOne(addr uint64, r Reader) (*decoded.Instruction, error) {
	// 16 bytes is the architectural maximum x86 instruction length.
	raw := r.Bytes(addr, 16)
	if len(raw) == 0 {
		return d.invalidInstruction(addr, 0, decoded.ErrTruncated), nil
	}

	p := prefixState{}
	i := 0

	// Legacy prefixes (§4.2: 0x66/0x67/0xF0/0xF2/0xF3/segment), any
	// order, any count, REX (if present) must be the last prefix byte.
legacyLoop:
	for i < len(raw) {
		switch raw[i] {
		case 0x66:
			p.operandSizeOverride = true
		case 0x67:
			p.addressSizeOverride = true
		case 0xF0:
			p.lock = true
		case 0xF2:
			p.repne = true
		case 0xF3:
			p.rep = true
		case 0x2E:
			p.segment = decoded.SegCS
		case 0x36:
			p.segment = decoded.SegSS
		case 0x3E:
			p.segment = decoded.SegDS
		case 0x26:
			p.segment = decoded.SegES
		case 0x64:
			p.segment = decoded.SegFS
		case 0x65:
			p.segment = decoded.SegGS
		default:
			break legacyLoop
		}
		i++
	}

	if i >= len(raw) {
		return d.invalidInstruction(addr, i, decoded.ErrTruncated), nil
	}

	// REX, legal only in 64-bit mode and only as the byte immediately
	// before the opcode/VEX prefix.
	if d.cfg.Mode == Mode64 && raw[i]&0xF0 == 0x40 {
		p.hasREX = true
		p.rexW = raw[i]&0x08 != 0
		p.rexR = raw[i]&0x04 != 0
		p.rexX = raw[i]&0x02 != 0
		p.rexB = raw[i]&0x01 != 0
		i++
		if i >= len(raw) {
			return d.invalidInstruction(addr, i, decoded.ErrTruncated), nil
		}
	}

	// VEX 2-byte (0xC5) / 3-byte (0xC4) escapes. EVEX (0x62) is
	// recognized only far enough to consume its fixed-length prefix and
	// hand off to the "unimplemented" path, per §4.2's instruction to
	// decode successfully rather than misparse VEX/EVEX space as
	// legacy bytes.
	if raw[i] == 0xC5 && i+1 < len(raw) {
		p.vexPresent = true
		b1 := raw[i+1]
		p.vexMapSelect = 1
		p.vexPP = int(b1 & 0x3)
		p.vexL = b1&0x4 != 0
		p.vexVVVV = (^(b1 >> 3)) & 0xF
		p.rexR = b1&0x80 == 0
		i += 2
	} else if raw[i] == 0xC4 && i+2 < len(raw) {
		p.vexPresent = true
		b1, b2 := raw[i+1], raw[i+2]
		p.vexMapSelect = int(b1 & 0x1F)
		p.rexR = b1&0x80 == 0
		p.rexX = b1&0x40 == 0
		p.rexB = b1&0x20 == 0
		p.rexW = b2&0x80 != 0
		p.vexVVVV = (^(b2 >> 3)) & 0xF
		p.vexL = b2&0x4 != 0
		p.vexPP = int(b2 & 0x3)
		i += 3
	} else if raw[i] == 0x62 && i+3 < len(raw) {
		// EVEX: recognized-but-unimplemented past the prefix.
		i += 4
		if i >= len(raw) {
			return d.invalidInstruction(addr, i, decoded.ErrTruncated), nil
		}
		return d.unimplementedEscape(addr, i+1, "EVEX"), nil
	}

	if i >= len(raw) {
		return d.invalidInstruction(addr, i, decoded.ErrTruncated), nil
	}

	var entry Entry
	opcodeStart := i
	var opcodeBytes [3]byte
	opcodeLen := 0

	if p.vexPresent {
		op := raw[i]
		opcodeBytes[0] = op
		opcodeLen = 1
		i++
		switch p.vexMapSelect {
		case 1:
			entry = secondaryTable0F[op]
		default:
			return d.unimplementedEscape(addr, i, "VEX-map"), nil
		}
	} else if raw[i] == 0x0F {
		i++
		if i >= len(raw) {
			return d.invalidInstruction(addr, i, decoded.ErrTruncated), nil
		}
		if raw[i] == 0x38 || raw[i] == 0x3A {
			// 3-byte escape acknowledged but not modeled beyond decode
			// recognition; handled as unimplemented.
			i++
			return d.unimplementedEscape(addr, i, "0F38/0F3A"), nil
		}
		opcodeBytes[0] = 0x0F
		opcodeBytes[1] = raw[i]
		opcodeLen = 2
		entry = secondaryTable0F[raw[i]]
		i++
	} else {
		opcodeBytes[0] = raw[i]
		opcodeLen = 1
		entry = primaryTable[raw[i]]
		i++
	}
	_ = opcodeStart

	if entry.Mnemonic == "(invalid)" {
		return d.invalidInstruction(addr, i, decoded.ErrUnknownOpcode), nil
	}

	inst := &decoded.Instruction{
		PC:          addr,
		OpcodeBytes: opcodeBytes,
		OpcodeLen:   opcodeLen,
		Flags:       entry.Flags,
		Segment:     p.segment,
	}
	if p.lock {
		inst.Flags |= decoded.FlagLock
	}
	if p.rep {
		inst.Flags |= decoded.FlagRep
	}
	if p.repne {
		inst.Flags |= decoded.FlagRepne
	}
	if p.hasREX {
		inst.Flags |= decoded.FlagHasREX
	}
	if p.rexW {
		inst.Flags |= decoded.FlagRexW
	}
	if p.operandSizeOverride {
		inst.Flags |= decoded.FlagOperandSize16
	}
	if p.addressSizeOverride {
		inst.Flags |= decoded.FlagAddressSize32
	}
	if p.vexPresent {
		inst.Flags |= decoded.FlagVEXPresent
	}

	// Effective sizes (§4.2): operand size = 2 if 0x66 and not REX.W;
	// 8 if REX.W; else default (4 in 64-bit mode, 4 or 2 in 32-bit per
	// current default -- this module does not model a runtime 16-bit
	// default segment, so 32-bit mode's default is always 4).
	switch {
	case p.rexW:
		inst.OperandSize = 8
	case p.operandSizeOverride:
		inst.OperandSize = 2
	default:
		inst.OperandSize = 4
	}
	switch {
	case d.cfg.Mode == Mode64 && !p.addressSizeOverride:
		inst.AddressSize = 8
	case d.cfg.Mode == Mode64 && p.addressSizeOverride:
		inst.AddressSize = 4
	case p.addressSizeOverride:
		inst.AddressSize = 2
	default:
		inst.AddressSize = 4
	}

	var modrm modRM
	haveModRM := entry.Flags&decoded.FlagHasModRM != 0
	if haveModRM {
		if i >= len(raw) {
			return d.invalidInstruction(addr, i, decoded.ErrTruncated), nil
		}
		var n int
		var err error
		modrm, n, err = decodeModRM(raw[i:], p, inst.AddressSize)
		if err != nil {
			return d.invalidInstruction(addr, i, decoded.ErrTruncated), nil
		}
		i += n
	}

	mnemonic := entry.Mnemonic
	if entry.GroupID != 0 {
		// The /digit group selector is always a 3-bit field; REX.R (which
		// decodeModRM already folded into modrm.reg for register-operand
		// use) has no meaning here and must not push the index out of
		// the 8-entry group tables.
		mnemonic = groupEntry(entry.GroupID, modrm.reg&0x7)
		if mnemonic == "" {
			return d.invalidInstruction(addr, i, decoded.ErrUnknownOpcode), nil
		}
		// Group 3 (0xF6/0xF7) is the one group whose members don't share
		// an operand shape: TEST takes r/m plus an immediate, but
		// NOT/NEG/MUL/IMUL/DIV/IDIV take only r/m. The table entry is
		// shaped for TEST; narrow it for every other member so the
		// decoder doesn't consume four bytes that aren't there.
		if entry.GroupID == 3 && mnemonic != "TEST" {
			entry.Operands = [3]OperandDesc{OperandDescModRMRM}
			entry.NumOperands = 1
		}
	}
	inst.TableInfo = &Entry{Mnemonic: mnemonic, Flags: entry.Flags}

	numOperands := 0
	for slot := 0; slot < entry.NumOperands; slot++ {
		op, n, err := d.decodeOperand(entry.Operands[slot], raw, i, modrm, haveModRM, inst, p)
		if err != nil {
			return d.invalidInstruction(addr, i, decoded.ErrTruncated), nil
		}
		inst.Operands[numOperands] = op
		numOperands++
		i += n
	}
	inst.NumOperands = numOperands

	// §9 resolved open question: segment-register selector writes for
	// FS(4)/GS(5) in 64-bit mode are a decode failure, preserved from
	// the source rather than guessed at; the MSR-base write path (not
	// modeled by this decoder's opcode table) remains the only way to
	// change FS/GS base in 64-bit mode.
	if d.cfg.Mode == Mode64 && mnemonic == "MOVSEG" && haveModRM && (modrm.reg == 4 || modrm.reg == 5) {
		return d.invalidInstruction(addr, i, decoded.ErrFSGSSelectorWrite64), nil
	}

	inst.Length = i
	return inst, nil
}

func (d *Decoder) invalidInstruction(addr uint64, length int, code decoded.ErrorCode) *decoded.Instruction {
	if length == 0 {
		length = 1
	}
	d.cfg.Log.WithFields(logrus.Fields{"pc": addr, "code": code}).Debug("decode failure")
	return &decoded.Instruction{
		PC:     addr,
		Length: length,
		Flags:  decoded.FlagBlockEnd,
		Err:    code,
	}
}

func (d *Decoder) unimplementedEscape(addr uint64, length int, kind string) *decoded.Instruction {
	d.cfg.Log.WithFields(logrus.Fields{"pc": addr, "kind": kind}).Debug("unimplemented escape sequence decoded, routed to UnimplementedOp")
	return &decoded.Instruction{
		PC:        addr,
		Length:    length,
		Flags:     decoded.FlagBlockEnd,
		TableInfo: &Entry{Mnemonic: "UNIMPLEMENTED_" + kind},
	}
}
