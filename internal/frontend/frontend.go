// Package frontend implements the opcode dispatcher (§4.3): lowering one
// decoded.Instruction into SSA nodes appended to the current block of an
// ir.Function.
//
// The dispatch shape generalizes the teacher's (tinyrange-rtg) frontend.go,
// which walks a parsed Go AST node and calls one generate* method per node
// kind via a big type switch; here the switch is on the decoded mnemonic
// string instead of an AST node type, and each case emits IR nodes instead
// of stack-machine Insts. LoadSource/StoreResult play the role the
// teacher's own "load operand onto the stack" / "store top of stack"
// helpers play in generateBinaryExpr, generalized to register-file-backed
// operands with TSO-aware memory access.
package frontend

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dbtcore/x86dbt/internal/abi"
	"github.com/dbtcore/x86dbt/internal/decoded"
	"github.com/dbtcore/x86dbt/internal/decoder"
	"github.com/dbtcore/x86dbt/internal/ir"
)

// Lowerer owns the mutable state needed to lower one decoded.Block into
// an ir.Function: the function being built, the current guest PC (for
// computing fallthrough/branch targets) and the configured OSABI.
type Lowerer struct {
	F   *ir.Function
	ABI abi.OSABI
	Log *logrus.Entry

	pc uint64 // PC of the instruction currently being lowered
}

// New creates a Lowerer that appends to f.
func New(f *ir.Function, osABI abi.OSABI, log *logrus.Entry) *Lowerer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Lowerer{F: f, ABI: osABI, Log: log}
}

// handler lowers one decoded instruction and returns only an error; it
// does not report a next PC (handlers that need the post-instruction PC,
// e.g. CALL's return address, compute it from the Lowerer's pc and
// inst.Length).
type handler func(l *Lowerer, inst *decoded.Instruction, mnemonic string) error

var dispatch map[string]handler

func init() {
	dispatch = map[string]handler{
		"ADD": aluHandler, "OR": aluHandler, "ADC": aluHandler, "SBB": aluHandler,
		"AND": aluHandler, "SUB": aluHandler, "XOR": aluHandler, "CMP": aluHandler,
		"TEST": testHandler,
		"MOV":  movHandler, "MOVSEG": unimplementedHandler, "LEA": leaHandler,
		"XCHG": xchgHandler,
		"NOT":  notNegHandler, "NEG": notNegHandler,
		"INC": incDecHandler, "DEC": incDecHandler,
		"PUSH": pushHandler, "POP": popHandler,

		"ROL": shiftRotateHandler, "ROR": shiftRotateHandler,
		"RCL": rclRcrHandler, "RCR": rclRcrHandler,
		"SHL": shiftRotateHandler, "SHR": shiftRotateHandler, "SAR": shiftRotateHandler,
		"SHLD": shldShrdHandler, "SHRD": shldShrdHandler,

		"MUL": mulHandler, "IMUL": imulHandler, "IMUL2": imul2Handler,
		"DIV": divHandler, "IDIV": idivHandler,

		"BT": btHandler, "BTS": btHandler, "BTR": btHandler, "BTC": btHandler,
		"XADD": xaddHandler, "CMPXCHG": cmpxchgHandler,

		"JCC": jccHandler, "SETCC": setccHandler, "CMOVCC": cmovccHandler,
		"JMP": jmpHandler, "CALL": callHandler, "RET": retHandler,

		"MOVS": movsHandler, "STOS": stosHandler, "LODS": lodsHandler,
		"CMPS": cmpsScasHandler, "SCAS": cmpsScasHandler,

		"SYSCALL": syscallHandler,
		"INT3":    int3Handler, "INT": intHandler,
		"HLT": hltHandler,
		"NOP": nopHandler,
	}
}

// Lower appends the IR for one decoded instruction to l.F's current
// block. It is the per-instruction entry point the JIT driver's
// translate-on-miss path calls once per decoded.Instruction in a
// decoded.Block, in order (§4.3).
func (l *Lowerer) Lower(inst *decoded.Instruction) error {
	l.pc = inst.PC

	if inst.Err != decoded.ErrNone {
		return l.breakForDecodeError(inst)
	}

	mnemonic := mnemonicOf(inst)
	h, ok := dispatch[mnemonic]
	if !ok {
		return l.unimplementedOp(mnemonic)
	}
	if err := h(l, inst, mnemonic); err != nil {
		return errors.Wrapf(err, "lowering %s at pc=%#x", mnemonic, inst.PC)
	}
	return nil
}

// mnemonicOf extracts the table-resolved mnemonic the decoder stashed in
// Instruction.TableInfo.
func mnemonicOf(inst *decoded.Instruction) string {
	entry, ok := inst.TableInfo.(*decoder.Entry)
	if !ok {
		return ""
	}
	return entry.Mnemonic
}

func (l *Lowerer) unimplementedOp(mnemonic string) error {
	l.Log.WithField("mnemonic", mnemonic).Debug("UnimplementedOp: emitting Break(SIGILL, #UD)")
	l.F.Terminate(l.F.Current(), ir.OpBreak, abiBreakPayload(abi.BreakReason{Signal: abi.SIGILL, TrapNumber: 6}))
	return nil
}

func unimplementedHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	return l.unimplementedOp(mnemonic)
}

func (l *Lowerer) breakForDecodeError(inst *decoded.Instruction) error {
	var reason abi.BreakReason
	switch inst.Err {
	case decoded.ErrUnknownOpcode:
		reason = abi.BreakReason{Signal: abi.SIGILL, TrapNumber: 6}
	case decoded.ErrFSGSSelectorWrite64:
		reason = abi.BreakReason{Signal: abi.SIGSEGV, TrapNumber: 13}
	case decoded.ErrTruncated:
		reason = abi.BreakReason{Signal: abi.SIGSEGV, TrapNumber: 14}
	default:
		reason = abi.BreakReason{Signal: abi.SIGILL}
	}
	l.F.Terminate(l.F.Current(), ir.OpBreak, abiBreakPayload(reason))
	return nil
}

func abiBreakPayload(r abi.BreakReason) ir.BreakPayload {
	return ir.BreakPayload{Signal: uint8(r.Signal), TrapNumber: r.TrapNumber, SiCode: r.SiCode, ErrorRegister: r.ErrorRegister}
}
