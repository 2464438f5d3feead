// Package state models the guest architectural state (§3 of the design:
// CPUState and ThreadState) that the front end reads and writes as typed
// context loads/stores, and that the JIT driver hands to a translated
// block on invocation.
package state

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/dbtcore/x86dbt/internal/codecache"
)

// Flag identifies one of the 17 architectural x86 flags modeled as a
// byte-per-flag array rather than packed bits, so the front end can
// write a single flag without a read-modify-write of the whole EFLAGS
// word.
type Flag int

const (
	FlagCF Flag = iota
	FlagPF
	FlagAF
	FlagZF
	FlagSF
	FlagTF
	FlagIF
	FlagDF
	FlagOF
	FlagIOPL0
	FlagIOPL1
	FlagNT
	FlagRF
	FlagVM
	FlagAC
	FlagVIF
	FlagVIP
	NumFlags
)

// SegmentIndex enumerates the six x86 segment registers.
type SegmentIndex int

const (
	SegES SegmentIndex = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
	NumSegments
)

// Segment pairs a 16-bit selector with its cached linear base, so the
// front end's GetSegment helper never has to re-walk descriptor tables
// on the hot path.
type Segment struct {
	Selector uint16
	Base     uint64
}

// DeferredFlagKind identifies the recipe stored in the deferred-flag
// scratch area: "how to compute the flags" rather than the flags
// themselves. See materializeDeferredFlags in package refbackend.
type DeferredFlagKind uint8

const (
	DeferredNone DeferredFlagKind = iota
	DeferredAdd
	DeferredSub
	DeferredAnd
	DeferredOr
	DeferredXor
	DeferredNeg
	DeferredInc
	DeferredDec
	DeferredShl
	DeferredShr
	DeferredSar
	DeferredMul
	DeferredImul
)

// DeferredFlags is the scratch area the front end writes instead of
// eagerly materializing CF/PF/AF/ZF/SF/OF after every arithmetic op.
type DeferredFlags struct {
	Kind     DeferredFlagKind
	SizeBits uint8
	// Result/Operand are the runtime values (not IR node refs) of the
	// recipe's result node and its operand, captured when the recipe
	// was recorded; the flags are recomputed from them if a later flag
	// consumer needs them materialized.
	Result  uint64
	Operand uint64
	// Count is the shift/rotate amount for Shl/Shr/Sar recipes only;
	// unused for every other Kind. A recipe whose masked count is zero
	// at runtime is never recorded (the backend skips it).
	Count uint64
	// Stale marks which of the 6 arithmetic flag bytes (CF,PF,AF,ZF,SF,OF)
	// this record makes stale; CalculateDeferredFlags clears it once the
	// byte array has been recomputed.
	Stale [6]bool
}

// CPUState is the full guest architectural register file for one
// thread. Its layout is deliberately flat (no pointers into other
// structures) so a whole CPUState can be memcpy'd across a syscall
// boundary or into/out of a signal frame by the external signal layer.
type CPUState struct {
	RIP uint64

	// GPRs: RAX..R15 in x86-64 encoding order.
	GPR [16]uint64

	// Vector registers. 128 bits by default; the high 128 bits of each
	// lane are only meaningful when YMM support is enabled for the
	// guest mode.
	XMM [16][2]uint64
	YMMHigh [16][2]uint64

	FSBase uint64
	GSBase uint64

	// Flags, one byte per architectural flag bit (see Flag).
	Flags [NumFlags]uint8
	Deferred DeferredFlags

	// x87/MMX: eight 80-bit slots represented as a 64-bit mantissa plus
	// 16-bit sign+exponent, aliased with the eight MMX registers.
	MM [8]struct {
		Mantissa uint64
		SignExp  uint16
	}
	FPUTop uint8
	FPUTagWord uint16

	MXCSR uint32

	Segments [NumSegments]Segment
}

// RunningEvents holds the cross-thread-visible bits of a ThreadState.
// ShouldStop is the only field ever written by a thread other than the
// owner; it is an atomic.Bool so a stop request never races with the
// owning thread's block-boundary check.
type RunningEvents struct {
	ShouldStop     atomic.Bool
	InSyscall      atomic.Bool
	PendingSignal  atomic.Bool
}

// ThreadState is the per-guest-thread state the JIT driver owns:
// architectural state, running-event bits, and the thread-local block
// cache. It holds no IR arena: each translation builds its own
// ir.Function. Everything except RunningEvents is mutated only by the
// owning goroutine.
type ThreadState struct {
	ID int

	CPU CPUState

	Events RunningEvents

	Cache *codecache.Cache

	// Log is bound once at spawn with a thread_id field so every log
	// line emitted while translating or running this thread's blocks
	// is attributable, following the leveled-logger-with-fields idiom
	// used throughout the retrieval pack's assemblers and interpreters.
	Log *logrus.Entry
}

// New creates a ThreadState with a fresh, empty block cache. id should
// be unique within the process; it is stored in ID and used for the
// bound log field.
func New(id int, logger *logrus.Logger) *ThreadState {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ThreadState{
		ID:    id,
		Cache: codecache.New(),
		Log:   logger.WithField("thread_id", id),
	}
}

// RequestStop is safe to call from any goroutine; the owning thread
// observes it at the next block boundary (§5 cancellation).
func (t *ThreadState) RequestStop() {
	t.Events.ShouldStop.Store(true)
}
