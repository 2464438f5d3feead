// Package decoded defines the immutable decoded-instruction record the
// decoder produces and the front end consumes (§3 "Decoded instruction").
package decoded

// OperandKind tags which variant of Operand is populated. The decoded
// operand type has six cases per §9's design note on replacing the
// source's union with a tagged sum type.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandLiteral
	OperandDirectGPR
	OperandGPRIndirect
	OperandSIB
	OperandRIPRelative
)

// Operand is a tagged union over the six operand shapes a decoded x86
// instruction can reference. Exactly one group of fields is meaningful,
// selected by Kind.
type Operand struct {
	Kind OperandKind

	// OperandLiteral
	LitWidth uint8
	LitValue uint64

	// OperandDirectGPR
	Reg        uint8
	RegHighByte bool // AH/CH/DH/BH style legacy high-byte reference

	// OperandGPRIndirect
	IndirectReg  uint8
	Displacement int32

	// OperandSIB
	SIBBase    uint8
	SIBIndex   uint8
	SIBNoIndex bool // SIB.index == RSP encodes "no index"
	SIBScale   uint8
	SIBDisp    int32
	VSIB       bool

	// OperandRIPRelative
	RIPOffset int64
	RIPSigned bool
}

// InstFlags is the bit-set carried per decoded instruction, mirroring
// the table entry's InstFlags plus per-instance prefix state (§4.2).
type InstFlags uint32

const (
	FlagBlockEnd InstFlags = 1 << iota
	FlagHasModRM
	FlagSupportsREX
	FlagDefault64InLongMode
	Flag3DNowSuffix
	FlagVEXVSIB
	FlagRep
	FlagRepne
	FlagLock
	FlagSegOverride
	FlagHasREX
	FlagRexW
	FlagOperandSize16
	FlagAddressSize32
	FlagVEXPresent
	FlagEVEXPresent
)

// Segment identifies a legacy segment-override prefix, when present.
type Segment uint8

const (
	SegNone Segment = iota
	SegCS
	SegSS
	SegDS
	SegES
	SegFS
	SegGS
)

// ErrorCode distinguishes decode failure categories (§4.2 "Failure
// semantics"): an invalid opcode is a different diagnostic than a
// truncated instruction at a memory boundary, even though both route to
// the same IR "invalid instruction" shape.
type ErrorCode uint8

const (
	ErrNone ErrorCode = iota
	ErrUnknownOpcode
	ErrTruncated
	ErrFSGSSelectorWrite64 // §9 open question: preserved rejection
)

// Instruction is the immutable record the decoder emits for one guest
// x86 instruction.
type Instruction struct {
	PC     uint64
	Length int

	// Opcode bytes as consumed, excluding legacy/REX/VEX prefixes:
	// usually 1-3 bytes (2nd/3rd present only for 0F/0F38/0F3A escapes).
	OpcodeBytes [3]byte
	OpcodeLen   int

	OperandSize int // 1, 2, 4, or 8
	AddressSize int // 2, 4, or 8

	Flags   InstFlags
	Segment Segment

	// TableInfo is an opaque back-reference to the table entry that
	// decoded this instruction, resolved by the decoder package; the
	// front end uses it to find the dispatcher handler.
	TableInfo interface{}

	Operands [4]Operand
	NumOperands int

	Err ErrorCode
}

// IsBlockEnd reports whether this instruction terminates a decoded
// block per §4.2.
func (i *Instruction) IsBlockEnd() bool {
	return i.Flags&FlagBlockEnd != 0
}

// Block is the decoder's output for one decode_block call: an ordered
// list of decoded instructions ending at the first block-terminating
// instruction or at the configured per-block instruction cap.
type Block struct {
	EntryPC      uint64
	Instructions []*Instruction
	// TruncatedByLimit is true when the block ended because the
	// per-block instruction cap was reached rather than because of a
	// genuine control-flow terminator.
	TruncatedByLimit bool
}
