// Package decoder implements the byte-stream-to-decoded-instruction
// stage (§4.2): a four-layer opcode table (primary, secondary/prefix-
// qualified, group, VEX/EVEX) driving prefix/REX/ModRM/SIB decoding.
package decoder

import "github.com/dbtcore/x86dbt/internal/decoded"

// OperandDesc describes how to decode one operand slot from a table
// entry: implicit, register-from-opcode, ModRM.reg, ModRM.rm,
// immediate, memory-offset, or RIP-relative.
type OperandDesc uint8

const (
	OperandDescNone OperandDesc = iota
	OperandDescImplicitAcc       // AL/AX/EAX/RAX implied by opcode
	OperandDescOpcodeReg         // register encoded in the low 3 opcode bits (+REX.B)
	OperandDescModRMReg          // ModRM.reg field
	OperandDescModRMRM           // ModRM.rm field (register or memory)
	OperandDescImm8
	OperandDescImmZ // imm16/32 sign-extended to operand size
	OperandDescRelB // rel8, block-end branch displacement
	OperandDescRelZ // rel16/32
	OperandDescImplicit1 // the literal constant 1 (shift-by-1 forms)
	OperandDescImplicitCL
)

// Entry is a table entry: everything the decoder needs to finish
// decoding an instruction once the opcode (and, for group opcodes,
// ModRM.reg) has selected it, plus the mnemonic the front end dispatches
// on.
type Entry struct {
	Mnemonic string
	Operands [3]OperandDesc
	NumOperands int
	Flags    decoded.InstFlags
	// GroupID is non-zero when this entry represents a /digit group and
	// must be disambiguated by ModRM.reg via groupTables.
	GroupID int
}

var invalidEntry = Entry{Mnemonic: "(invalid)"}

// aluFamily describes one of the eight classic arithmetic families that
// share an encoding pattern at 0x00+8*k .. 0x05+8*k.
type aluFamily struct {
	mnemonic string
	setsFlags bool
}

var aluFamilies = [8]aluFamily{
	{"ADD", true}, {"OR", true}, {"ADC", true}, {"SBB", true},
	{"AND", true}, {"SUB", true}, {"XOR", true}, {"CMP", true},
}

// primaryTable is the 256-entry primary table indexed by opcode byte
// (§4.2 layer 1). It is built once, at init, the way the teacher's
// compiler builds its dispatch tables from data rather than from a
// giant switch (see backend_ir.go's opcodeName table for the idiom),
// and is treated as read-only afterwards — safe for concurrent decode
// across guest threads.
var primaryTable [256]Entry

// group1Table (opcodes 0x80-0x83) is indexed by ModRM.reg to select
// among ADD/OR/ADC/SBB/AND/SUB/XOR/CMP with an immediate source.
var group1Table [8]string

// group2Table (opcodes 0xC0/0xC1/0xD0-0xD3) selects the shift/rotate
// family by ModRM.reg.
var group2Table [8]string

// group3Table (opcodes 0xF6/0xF7) selects TEST/NOT/NEG/MUL/IMUL/DIV/IDIV.
var group3Table [8]string

// group4Table (opcode 0xFE) selects INC/DEC on an 8-bit r/m.
var group4Table [8]string

// group5Table (opcode 0xFF) selects INC/DEC/CALL/CALLF/JMP/JMPF/PUSH on
// a full-width r/m.
var group5Table [8]string

// group11Table (opcodes 0xC6/0xC7) is MOV r/m, imm; only reg==0 is
// defined, the rest are reserved/XABORT in newer extensions which this
// module does not model.
var group11Table [8]string

func init() {
	for i := range primaryTable {
		primaryTable[i] = invalidEntry
	}

	// 0x00-0x3D: eight ALU families, each spanning 8 opcodes
	// (Eb,Gb / Ev,Gv / Gb,Eb / Gv,Ev / AL,Ib / eAX,Iz), with the
	// family's own opcode-block boundary reused for CMP at 0x38-0x3D.
	for k, fam := range aluFamilies {
		base := byte(k * 8)
		primaryTable[base+0x00] = Entry{Mnemonic: fam.mnemonic, Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescModRMReg}, NumOperands: 2, Flags: decoded.FlagHasModRM}
		primaryTable[base+0x01] = Entry{Mnemonic: fam.mnemonic, Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescModRMReg}, NumOperands: 2, Flags: decoded.FlagHasModRM}
		primaryTable[base+0x02] = Entry{Mnemonic: fam.mnemonic, Operands: [3]OperandDesc{OperandDescModRMReg, OperandDescModRMRM}, NumOperands: 2, Flags: decoded.FlagHasModRM}
		primaryTable[base+0x03] = Entry{Mnemonic: fam.mnemonic, Operands: [3]OperandDesc{OperandDescModRMReg, OperandDescModRMRM}, NumOperands: 2, Flags: decoded.FlagHasModRM}
		primaryTable[base+0x04] = Entry{Mnemonic: fam.mnemonic, Operands: [3]OperandDesc{OperandDescImplicitAcc, OperandDescImm8}, NumOperands: 2}
		primaryTable[base+0x05] = Entry{Mnemonic: fam.mnemonic, Operands: [3]OperandDesc{OperandDescImplicitAcc, OperandDescImmZ}, NumOperands: 2}
	}

	// 0x50-0x5F: PUSH/POP reg (opcode-encoded register).
	for r := byte(0); r < 8; r++ {
		primaryTable[0x50+r] = Entry{Mnemonic: "PUSH", Operands: [3]OperandDesc{OperandDescOpcodeReg}, NumOperands: 1}
		primaryTable[0x58+r] = Entry{Mnemonic: "POP", Operands: [3]OperandDesc{OperandDescOpcodeReg}, NumOperands: 1}
	}

	// 0x70-0x7F: Jcc rel8 (FLAGS_BLOCK_END).
	for cc := byte(0); cc < 16; cc++ {
		primaryTable[0x70+cc] = Entry{Mnemonic: "JCC", Operands: [3]OperandDesc{OperandDescRelB}, NumOperands: 1, Flags: decoded.FlagBlockEnd}
	}

	// 0x80/0x81/0x83: group1 imm to r/m (0x82 is an invalid alias in
	// long mode and decodes as (invalid) here).
	group1Table = [8]string{"ADD", "OR", "ADC", "SBB", "AND", "SUB", "XOR", "CMP"}
	primaryTable[0x80] = Entry{Mnemonic: "GROUP1", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescImm8}, NumOperands: 2, Flags: decoded.FlagHasModRM, GroupID: 1}
	primaryTable[0x81] = Entry{Mnemonic: "GROUP1", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescImmZ}, NumOperands: 2, Flags: decoded.FlagHasModRM, GroupID: 1}
	primaryTable[0x83] = Entry{Mnemonic: "GROUP1", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescImm8}, NumOperands: 2, Flags: decoded.FlagHasModRM, GroupID: 1}

	// 0x84/0x85: TEST. 0x86/0x87: XCHG. 0x88-0x8B: MOV. 0x8D: LEA.
	primaryTable[0x84] = Entry{Mnemonic: "TEST", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescModRMReg}, NumOperands: 2, Flags: decoded.FlagHasModRM}
	primaryTable[0x85] = Entry{Mnemonic: "TEST", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescModRMReg}, NumOperands: 2, Flags: decoded.FlagHasModRM}
	primaryTable[0x86] = Entry{Mnemonic: "XCHG", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescModRMReg}, NumOperands: 2, Flags: decoded.FlagHasModRM}
	primaryTable[0x87] = Entry{Mnemonic: "XCHG", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescModRMReg}, NumOperands: 2, Flags: decoded.FlagHasModRM}
	primaryTable[0x88] = Entry{Mnemonic: "MOV", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescModRMReg}, NumOperands: 2, Flags: decoded.FlagHasModRM}
	primaryTable[0x89] = Entry{Mnemonic: "MOV", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescModRMReg}, NumOperands: 2, Flags: decoded.FlagHasModRM}
	primaryTable[0x8A] = Entry{Mnemonic: "MOV", Operands: [3]OperandDesc{OperandDescModRMReg, OperandDescModRMRM}, NumOperands: 2, Flags: decoded.FlagHasModRM}
	primaryTable[0x8B] = Entry{Mnemonic: "MOV", Operands: [3]OperandDesc{OperandDescModRMReg, OperandDescModRMRM}, NumOperands: 2, Flags: decoded.FlagHasModRM}
	primaryTable[0x8D] = Entry{Mnemonic: "LEA", Operands: [3]OperandDesc{OperandDescModRMReg, OperandDescModRMRM}, NumOperands: 2, Flags: decoded.FlagHasModRM}
	// MOV Sreg, r/m16 -- §9 open question: FS/GS selector writes are
	// rejected in 64-bit mode rather than guessed at (see decoder.go).
	primaryTable[0x8E] = Entry{Mnemonic: "MOVSEG", Operands: [3]OperandDesc{OperandDescModRMReg, OperandDescModRMRM}, NumOperands: 2, Flags: decoded.FlagHasModRM}

	primaryTable[0x90] = Entry{Mnemonic: "NOP"}

	// 0xA8/0xA9: TEST AL/eAX, imm.
	primaryTable[0xA8] = Entry{Mnemonic: "TEST", Operands: [3]OperandDesc{OperandDescImplicitAcc, OperandDescImm8}, NumOperands: 2}
	primaryTable[0xA9] = Entry{Mnemonic: "TEST", Operands: [3]OperandDesc{OperandDescImplicitAcc, OperandDescImmZ}, NumOperands: 2}

	// String ops (§4.2 "RepeatAfter-prefix instructions ... decoded as
	// single instructions").
	primaryTable[0xA4] = Entry{Mnemonic: "MOVS", Operands: [3]OperandDesc{}, NumOperands: 0}
	primaryTable[0xA5] = Entry{Mnemonic: "MOVS", Operands: [3]OperandDesc{}, NumOperands: 0}
	primaryTable[0xA6] = Entry{Mnemonic: "CMPS", Operands: [3]OperandDesc{}, NumOperands: 0}
	primaryTable[0xAA] = Entry{Mnemonic: "STOS", Operands: [3]OperandDesc{}, NumOperands: 0}
	primaryTable[0xAB] = Entry{Mnemonic: "STOS", Operands: [3]OperandDesc{}, NumOperands: 0}
	primaryTable[0xAC] = Entry{Mnemonic: "LODS", Operands: [3]OperandDesc{}, NumOperands: 0}
	primaryTable[0xAE] = Entry{Mnemonic: "SCAS", Operands: [3]OperandDesc{}, NumOperands: 0}

	// 0xB0-0xBF: MOV reg, imm (opcode-encoded register).
	for r := byte(0); r < 8; r++ {
		primaryTable[0xB0+r] = Entry{Mnemonic: "MOV", Operands: [3]OperandDesc{OperandDescOpcodeReg, OperandDescImm8}, NumOperands: 2}
		primaryTable[0xB8+r] = Entry{Mnemonic: "MOV", Operands: [3]OperandDesc{OperandDescOpcodeReg, OperandDescImmZ}, NumOperands: 2}
	}

	// 0xC0/0xC1: shift group, imm8 count. 0xC2/0xC3: RET. 0xC6/0xC7:
	// MOV r/m, imm (group11). 0xD0-0xD3: shift group, count=1 or CL.
	group2Table = [8]string{"ROL", "ROR", "RCL", "RCR", "SHL", "SHR", "SHL", "SAR"}
	primaryTable[0xC0] = Entry{Mnemonic: "GROUP2", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescImm8}, NumOperands: 2, Flags: decoded.FlagHasModRM, GroupID: 2}
	primaryTable[0xC1] = Entry{Mnemonic: "GROUP2", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescImm8}, NumOperands: 2, Flags: decoded.FlagHasModRM, GroupID: 2}
	primaryTable[0xC2] = Entry{Mnemonic: "RET", Operands: [3]OperandDesc{OperandDescImm8}, NumOperands: 1, Flags: decoded.FlagBlockEnd}
	primaryTable[0xC3] = Entry{Mnemonic: "RET", Flags: decoded.FlagBlockEnd}
	group11Table = [8]string{"MOV", "", "", "", "", "", "", ""}
	primaryTable[0xC6] = Entry{Mnemonic: "GROUP11", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescImm8}, NumOperands: 2, Flags: decoded.FlagHasModRM, GroupID: 11}
	primaryTable[0xC7] = Entry{Mnemonic: "GROUP11", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescImmZ}, NumOperands: 2, Flags: decoded.FlagHasModRM, GroupID: 11}
	primaryTable[0xD0] = Entry{Mnemonic: "GROUP2", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescImplicit1}, NumOperands: 2, Flags: decoded.FlagHasModRM, GroupID: 2}
	primaryTable[0xD1] = Entry{Mnemonic: "GROUP2", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescImplicit1}, NumOperands: 2, Flags: decoded.FlagHasModRM, GroupID: 2}
	primaryTable[0xD2] = Entry{Mnemonic: "GROUP2", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescImplicitCL}, NumOperands: 2, Flags: decoded.FlagHasModRM, GroupID: 2}
	primaryTable[0xD3] = Entry{Mnemonic: "GROUP2", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescImplicitCL}, NumOperands: 2, Flags: decoded.FlagHasModRM, GroupID: 2}

	primaryTable[0xE8] = Entry{Mnemonic: "CALL", Operands: [3]OperandDesc{OperandDescRelZ}, NumOperands: 1, Flags: decoded.FlagBlockEnd}
	primaryTable[0xE9] = Entry{Mnemonic: "JMP", Operands: [3]OperandDesc{OperandDescRelZ}, NumOperands: 1, Flags: decoded.FlagBlockEnd}
	primaryTable[0xEB] = Entry{Mnemonic: "JMP", Operands: [3]OperandDesc{OperandDescRelB}, NumOperands: 1, Flags: decoded.FlagBlockEnd}

	primaryTable[0xF4] = Entry{Mnemonic: "HLT", Flags: decoded.FlagBlockEnd}

	// 0xF6/0xF7: group3 (TEST/NOT/NEG/MUL/IMUL/DIV/IDIV).
	group3Table = [8]string{"TEST", "TEST", "NOT", "NEG", "MUL", "IMUL", "DIV", "IDIV"}
	primaryTable[0xF6] = Entry{Mnemonic: "GROUP3", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescImm8}, NumOperands: 2, Flags: decoded.FlagHasModRM, GroupID: 3}
	primaryTable[0xF7] = Entry{Mnemonic: "GROUP3", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescImmZ}, NumOperands: 2, Flags: decoded.FlagHasModRM, GroupID: 3}

	// 0xFE/0xFF: group4/group5.
	group4Table = [8]string{"INC", "DEC", "", "", "", "", "", ""}
	group5Table = [8]string{"INC", "DEC", "CALL", "CALLF", "JMP", "JMPF", "PUSH", ""}
	primaryTable[0xFE] = Entry{Mnemonic: "GROUP4", Operands: [3]OperandDesc{OperandDescModRMRM}, NumOperands: 1, Flags: decoded.FlagHasModRM, GroupID: 4}
	primaryTable[0xFF] = Entry{Mnemonic: "GROUP5", Operands: [3]OperandDesc{OperandDescModRMRM}, NumOperands: 1, Flags: decoded.FlagHasModRM | decoded.FlagBlockEnd, GroupID: 5}

	// 0xCC: INT3. 0xCD: INT imm8. Both block-end per §4.2.
	primaryTable[0xCC] = Entry{Mnemonic: "INT3", Flags: decoded.FlagBlockEnd}
	primaryTable[0xCD] = Entry{Mnemonic: "INT", Operands: [3]OperandDesc{OperandDescImm8}, NumOperands: 1, Flags: decoded.FlagBlockEnd}

	// 0x0F: two-byte escape, resolved by secondaryTable0F.
	primaryTable[0x0F] = Entry{Mnemonic: "(escape-0f)"}

	initSecondary0F()
}

// secondaryTable0F is the "secondary" table for the 0x0F escape map
// (§4.2 layer 2/4: this module does not distinguish mandatory-prefix
// sub-maps beyond what's needed for the opcodes it implements, since
// none of SYSCALL/Jcc/SETcc/CMOVcc/BT*/IMUL/XADD/CMPXCHG are mandatory-
// prefix-qualified).
var secondaryTable0F [256]Entry

func initSecondary0F() {
	for i := range secondaryTable0F {
		secondaryTable0F[i] = invalidEntry
	}
	secondaryTable0F[0x05] = Entry{Mnemonic: "SYSCALL", Flags: decoded.FlagBlockEnd}
	secondaryTable0F[0x1F] = Entry{Mnemonic: "NOP", Operands: [3]OperandDesc{OperandDescModRMRM}, NumOperands: 1, Flags: decoded.FlagHasModRM}
	secondaryTable0F[0xA3] = Entry{Mnemonic: "BT", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescModRMReg}, NumOperands: 2, Flags: decoded.FlagHasModRM}
	secondaryTable0F[0xAB] = Entry{Mnemonic: "BTS", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescModRMReg}, NumOperands: 2, Flags: decoded.FlagHasModRM}
	secondaryTable0F[0xB3] = Entry{Mnemonic: "BTR", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescModRMReg}, NumOperands: 2, Flags: decoded.FlagHasModRM}
	secondaryTable0F[0xBB] = Entry{Mnemonic: "BTC", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescModRMReg}, NumOperands: 2, Flags: decoded.FlagHasModRM}
	secondaryTable0F[0xA4] = Entry{Mnemonic: "SHLD", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescModRMReg, OperandDescImm8}, NumOperands: 3, Flags: decoded.FlagHasModRM}
	secondaryTable0F[0xAC] = Entry{Mnemonic: "SHRD", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescModRMReg, OperandDescImm8}, NumOperands: 3, Flags: decoded.FlagHasModRM}
	secondaryTable0F[0xAF] = Entry{Mnemonic: "IMUL2", Operands: [3]OperandDesc{OperandDescModRMReg, OperandDescModRMRM}, NumOperands: 2, Flags: decoded.FlagHasModRM}
	secondaryTable0F[0xB0] = Entry{Mnemonic: "CMPXCHG", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescModRMReg}, NumOperands: 2, Flags: decoded.FlagHasModRM}
	secondaryTable0F[0xB1] = Entry{Mnemonic: "CMPXCHG", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescModRMReg}, NumOperands: 2, Flags: decoded.FlagHasModRM}
	secondaryTable0F[0xC0] = Entry{Mnemonic: "XADD", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescModRMReg}, NumOperands: 2, Flags: decoded.FlagHasModRM}
	secondaryTable0F[0xC1] = Entry{Mnemonic: "XADD", Operands: [3]OperandDesc{OperandDescModRMRM, OperandDescModRMReg}, NumOperands: 2, Flags: decoded.FlagHasModRM}

	for cc := byte(0); cc < 16; cc++ {
		secondaryTable0F[0x80+cc] = Entry{Mnemonic: "JCC", Operands: [3]OperandDesc{OperandDescRelZ}, NumOperands: 1, Flags: decoded.FlagBlockEnd}
		secondaryTable0F[0x90+cc] = Entry{Mnemonic: "SETCC", Operands: [3]OperandDesc{OperandDescModRMRM}, NumOperands: 1, Flags: decoded.FlagHasModRM}
		secondaryTable0F[0x40+cc] = Entry{Mnemonic: "CMOVCC", Operands: [3]OperandDesc{OperandDescModRMReg, OperandDescModRMRM}, NumOperands: 2, Flags: decoded.FlagHasModRM}
	}
}

// groupEntry resolves a table entry with GroupID set into its concrete
// mnemonic via ModRM.reg (§4.2 layer 3: "Group tables indexed by
// (group_id, opcode, modrm.reg)").
func groupEntry(groupID int, reg uint8) string {
	switch groupID {
	case 1:
		return group1Table[reg]
	case 2:
		return group2Table[reg]
	case 3:
		return group3Table[reg]
	case 4:
		return group4Table[reg]
	case 5:
		return group5Table[reg]
	case 11:
		return group11Table[reg]
	default:
		return ""
	}
}
