// Package backend declares the compile/invoke contract between the
// pass-managed IR and a concrete code generator (§4.5 "backend.compile",
// "invoke(entry.code, &thread.state)"). internal/backend/refbackend is
// the only implementation in this module: a host-portable interpreter
// used for development and testing, explicitly not a production
// host-native code generator (see SPEC_FULL.md's non-goals).
package backend

import (
	"github.com/dbtcore/x86dbt/internal/abi"
	"github.com/dbtcore/x86dbt/internal/ir"
	"github.com/dbtcore/x86dbt/internal/state"
)

// Memory is the guest address space a CompiledBlock reads and writes.
// The JIT driver supplies a concrete implementation backed by the
// loaded guest image; this module does not implement one itself (guest
// memory mapping is external, per §6).
type Memory interface {
	Load(addr uint64, size uint8) (uint64, error)
	Store(addr uint64, size uint8, value uint64) error
	// Copy and Fill back OpMemCpy/OpMemSet (the REP MOVS/STOS fast
	// paths, §4.3) without forcing the backend to loop a byte at a time.
	Copy(dst, src uint64, n uint64) error
	Fill(dst uint64, value uint64, elemSize uint8, n uint64) error
}

// SyscallHandler is the external collaborator a Syscall IR op calls
// into (§6 "handle_syscall"). It reads arguments out of cpu per abi and
// writes the return value back to RAX. The call site's NoReturnedResult
// flag is not passed to it, so RAX is written whether or not that flag
// is set.
type SyscallHandler interface {
	HandleSyscall(cpu *state.CPUState, osABI abi.OSABI) error
}

// CompiledBlock is a backend.Compile result: one guest basic block's
// translated form, ready to Invoke repeatedly against any ThreadState.
type CompiledBlock interface {
	// Invoke runs the block starting at cpu.RIP (which must equal the
	// block's EntryPC) until it reaches a block boundary, returning why
	// it stopped. On ExitNormal, cpu.RIP already holds the next guest
	// PC to fetch. On ExitBreak, reason carries the guest exception to
	// deliver.
	Invoke(cpu *state.CPUState, mem Memory, syscalls SyscallHandler) (exit abi.ExitReason, reason abi.BreakReason, err error)
}

// Backend compiles a Finalized-and-optimized ir.Function into an
// invocable CompiledBlock.
type Backend interface {
	Compile(f *ir.Function) (CompiledBlock, error)
}
