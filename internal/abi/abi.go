// Package abi describes the guest-facing contracts the translation
// pipeline must honor but does not itself implement: syscall calling
// conventions, fault/break reasons, and driver exit reasons.
//
// None of the types here cross into guest ABI emulation (signal
// delivery, thunking) — that is out of scope per the module's stated
// non-goals. They exist so the front end and JIT driver can agree on a
// stable vocabulary with the external syscall handler and signal layer.
package abi

// OSABI selects the guest calling convention used to marshal syscall
// arguments out of the CPUState into the host call to handle_syscall.
type OSABI int

const (
	// Linux64 passes syscall arguments in RDI, RSI, RDX, R10, R8, R9.
	Linux64 OSABI = iota
	// Linux32 passes syscall arguments in RBX, RCX, RDX, RSI, RDI, RBP.
	Linux32
	// Win64 is the Win64 syscall convention used by WINE-style guests.
	Win64
	// Hangover is the Hangover (WoW64-on-Linux) syscall convention.
	Hangover
)

func (a OSABI) String() string {
	switch a {
	case Linux64:
		return "linux64"
	case Linux32:
		return "linux32"
	case Win64:
		return "win64"
	case Hangover:
		return "hangover"
	default:
		return "unknown-abi"
	}
}

// ArgRegs returns the CPUState GPR indices (§3 register numbering, RAX=0
// .. R15=15) that hold syscall arguments 0..5 for the given ABI, in
// order. The syscall number itself is read from RAX by convention on
// every ABI and is not part of this table.
func (a OSABI) ArgRegs() [6]int {
	const (
		rax = iota
		rcx
		rdx
		rbx
		rsp
		rbp
		rsi
		rdi
		r8
		r9
		r10
	)
	switch a {
	case Linux64:
		return [6]int{rdi, rsi, rdx, r10, r8, r9}
	case Linux32:
		return [6]int{rbx, rcx, rdx, rsi, rdi, rbp}
	case Win64:
		// Win64 reuses RCX/RDX/R8/R9 register order; the remaining two
		// arguments are stack-passed and resolved by the syscall thunk,
		// not by this table.
		return [6]int{rcx, rdx, r8, r9, -1, -1}
	case Hangover:
		return [6]int{rcx, rdx, r8, r9, -1, -1}
	default:
		return [6]int{-1, -1, -1, -1, -1, -1}
	}
}

// Signal is the guest signal number raised by a Break IR op.
type Signal int

const (
	SIGILL  Signal = 4
	SIGTRAP Signal = 5
	SIGFPE  Signal = 8
	SIGSEGV Signal = 11
)

func (s Signal) String() string {
	switch s {
	case SIGILL:
		return "SIGILL"
	case SIGTRAP:
		return "SIGTRAP"
	case SIGFPE:
		return "SIGFPE"
	case SIGSEGV:
		return "SIGSEGV"
	default:
		return "SIGUNKNOWN"
	}
}

// BreakReason is the payload of a Break IR op: the guest-visible
// exception the translated block raises, plus enough detail for the
// signal layer (external) to construct an accurate siginfo_t.
type BreakReason struct {
	Signal        Signal
	TrapNumber    uint32
	SiCode        int32
	ErrorRegister uint64
}

// ExitReason is returned from the JIT driver's invocation of a
// translated block, or from the driver loop itself.
type ExitReason int

const (
	// ExitNormal means a block ran to completion via ExitFunction (a
	// direct jump, fallthrough, CALL, or RET) with no Break. §4.5's
	// driver-loop pseudocode only spells out Debug/Shutdown/UnknownError/
	// Break in its match; every other outcome falls through to "continue
	// the loop", which is what this value represents explicitly rather
	// than leaving it implicit.
	ExitNormal ExitReason = iota
	// ExitShutdown means the thread observed ShouldStop and returned
	// without entering translated code.
	ExitShutdown
	// ExitDebug means a single-step or debug-trap boundary was hit; the
	// driver loop continues.
	ExitDebug
	// ExitBreak means a Break op fired; BreakReason describes why.
	ExitBreak
	// ExitUnknownError means a DBT-internal invariant was violated
	// during translation; this is never guest-visible as an exception.
	ExitUnknownError
	// ExitAsyncEvent means an asynchronous signal or heartbeat interrupt
	// was observed at a block boundary.
	ExitAsyncEvent
)

func (r ExitReason) String() string {
	switch r {
	case ExitNormal:
		return "Normal"
	case ExitShutdown:
		return "Shutdown"
	case ExitDebug:
		return "Debug"
	case ExitBreak:
		return "Break"
	case ExitUnknownError:
		return "UnknownError"
	case ExitAsyncEvent:
		return "AsyncEvent"
	default:
		return "Unknown"
	}
}
