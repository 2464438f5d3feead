package frontend

import (
	"github.com/dbtcore/x86dbt/internal/abi"
	"github.com/dbtcore/x86dbt/internal/decoded"
	"github.com/dbtcore/x86dbt/internal/ir"
)

// syscallHandler lowers SYSCALL: a side-effecting call into the external
// syscall handler (§6), which this module models as a single Syscall IR
// op carrying the configured ABI rather than inlining argument marshaling
// -- the JIT driver's invocation of the compiled block passes control to
// the host syscall handler collaborator, which reads/writes CPUState
// directly using abi.OSABI.ArgRegs.
func syscallHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	l.F.Emit(ir.OpSyscall, 0, ir.SyscallPayload{ABI: uint8(l.ABI)})
	// SYSCALL is a block boundary (§4.2) because RCX/R11 are
	// architecturally clobbered with the pre-syscall RIP/RFLAGS and a
	// fresh block must re-read CPUState rather than keep stale SSA
	// values live across the host call; the fallthrough PC is resolved
	// like any other direct exit.
	fallthroughPC := l.pc + uint64(inst.Length)
	l.F.Terminate(l.F.Current(), ir.OpExitFunction, exitTargetPayload(fallthroughPC))
	return nil
}

func int3Handler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	l.F.Terminate(l.F.Current(), ir.OpBreak, abiBreakPayload(abi.BreakReason{Signal: abi.SIGTRAP, TrapNumber: 3}))
	return nil
}

func intHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	vector := inst.Operands[0].LitValue
	l.F.Terminate(l.F.Current(), ir.OpBreak, abiBreakPayload(abi.BreakReason{Signal: abi.SIGTRAP, TrapNumber: uint32(vector)}))
	return nil
}

func hltHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	l.F.Terminate(l.F.Current(), ir.OpBreak, abiBreakPayload(abi.BreakReason{Signal: abi.SIGSEGV, TrapNumber: 13}))
	return nil
}

func nopHandler(l *Lowerer, inst *decoded.Instruction, mnemonic string) error {
	return nil
}
