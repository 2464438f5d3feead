// Package ir implements the SSA ordered-node-list IR described in §3/§4.1:
// an append-only arena of nodes, each with a tag, a size, references to
// prior nodes, and a tag-specific inline payload, organized into blocks
// chained into a function.
//
// The representation generalizes the teacher's (tinyrange-rtg) arena
// pattern in std/compiler/ir.go — a flat, append-only `[]Inst` indexed by
// position — from a stack-machine instruction list to an SSA node list
// where each node explicitly names the prior nodes it uses. The indexed
// arena and "emit appends, never mutates" discipline carry over
// unchanged; what changes is that operands are references rather than
// an implicit stack, and nodes carry a `Size` used throughout codegen
// and the pass manager.
package ir

import "fmt"

// NodeRef is a stable reference to a node in a Function's arena. Using
// a typed small integer rather than a pointer (§9 design note) avoids
// aliasing-UB-shaped bugs and keeps the arena relocatable in memory
// without invalidating references.
type NodeRef uint32

// InvalidRef is never a valid operand reference; it marks an unset
// operand slot.
const InvalidRef NodeRef = 0xFFFFFFFF

// Op identifies the operation a node performs. The full taxonomy named
// in §4.1 is declared here so the pass manager and printer can handle
// every tag uniformly; only the subset needed by the representative
// front-end algorithms in §4.3 is ever emitted by this module's
// dispatcher (see SPEC_FULL.md §4.1).
type Op uint16

const (
	OpInvalid Op = iota

	// Structure
	OpFunctionHeader
	OpBlock
	OpJump
	OpCondJump
	OpExitFunction
	OpBreak
	OpCallbackReturn

	// Constants
	OpConstant

	// Context (register file) access
	OpLoadContext
	OpStoreContext
	OpLoadContextIndexed
	OpStoreContextIndexed

	// Memory access
	OpLoadMem
	OpStoreMem
	OpLoadMemTSO
	OpStoreMemTSO

	// Pure arithmetic
	OpAdd
	OpSub
	OpAnd
	OpOr
	OpXor
	OpNot
	OpNeg
	OpAddWithFlags
	OpSubWithFlags

	// Shifts / rotates
	OpLshl
	OpLshr
	OpAshr
	OpRol
	OpRor
	OpExtr // funnel-shift style extract, used by SHLD/SHRD

	// Bit manipulation
	OpBfe
	OpBfi
	OpBfxil
	OpPopcount
	OpLzcnt
	OpTzcnt
	OpRev

	// Multiply / divide
	OpUMul
	OpIMul
	OpUMulH
	OpIMulH
	OpLDiv
	OpLUDiv
	OpLRem
	OpLURem

	// Compare / select
	OpCondJumpNZCV
	OpNZCVSelect

	// Flags
	OpHandleNZ00Write
	OpCalculatePF
	OpInvalidateFlag
	OpCalculateDeferredFlags

	// Vector (tags declared for completeness; see SPEC_FULL.md §4.1)
	OpVAdd
	OpVSub
	OpVCompare
	OpVFAdd
	OpVFSub
	OpVFMul
	OpVFDiv
	OpVShuffle
	OpVZip
	OpVUnzip
	OpVExtract
	OpVInsert
	OpVSplat
	OpVBroadcast
	OpVSaturatingAdd
	OpVSaturatingSub
	OpCvtIntToFloat
	OpCvtFloatToInt
	OpCvtFloatNarrow
	OpCvtFloatWiden

	// Crypto
	OpAESRound
	OpCLMul
	OpCRC32
	OpSHA1
	OpSHA256

	// Atomics / fences
	OpAtomicCAS
	OpAtomicFetchAdd
	OpAtomicFetchOr
	OpAtomicFetchAnd
	OpAtomicFetchXor
	OpAtomicSwap
	OpFence

	// Side effects
	OpSyscall
	OpThunk
	OpCPUID
	OpXGetBV
	OpRDTSC
	OpProcessorID
	OpDebugPrint

	// Bulk memory
	OpMemCpy
	OpMemSet
)

var opNames = map[Op]string{
	OpInvalid: "invalid", OpFunctionHeader: "function_header", OpBlock: "block",
	OpJump: "jump", OpCondJump: "cond_jump", OpExitFunction: "exit_function",
	OpBreak: "break", OpCallbackReturn: "callback_return", OpConstant: "constant",
	OpLoadContext: "load_context", OpStoreContext: "store_context",
	OpLoadContextIndexed: "load_context_indexed", OpStoreContextIndexed: "store_context_indexed",
	OpLoadMem: "load_mem", OpStoreMem: "store_mem",
	OpLoadMemTSO: "load_mem_tso", OpStoreMemTSO: "store_mem_tso",
	OpAdd: "add", OpSub: "sub", OpAnd: "and", OpOr: "or", OpXor: "xor",
	OpNot: "not", OpNeg: "neg", OpAddWithFlags: "add_nzcv", OpSubWithFlags: "sub_nzcv",
	OpLshl: "lshl", OpLshr: "lshr", OpAshr: "ashr", OpRol: "rol", OpRor: "ror",
	OpExtr: "extr", OpBfe: "bfe", OpBfi: "bfi", OpBfxil: "bfxil",
	OpPopcount: "popcount", OpLzcnt: "lzcnt", OpTzcnt: "tzcnt", OpRev: "rev",
	OpUMul: "umul", OpIMul: "imul", OpUMulH: "umulh", OpIMulH: "imulh",
	OpLDiv: "ldiv", OpLUDiv: "ludiv", OpLRem: "lrem", OpLURem: "lurem",
	OpCondJumpNZCV: "cond_jump_nzcv", OpNZCVSelect: "nzcv_select",
	OpHandleNZ00Write: "handle_nz00_write", OpCalculatePF: "calculate_pf",
	OpInvalidateFlag: "invalidate_flag", OpCalculateDeferredFlags: "calculate_deferred_flags",
	OpAtomicCAS: "atomic_cas", OpAtomicFetchAdd: "atomic_fetch_add",
	OpAtomicFetchOr: "atomic_fetch_or", OpAtomicFetchAnd: "atomic_fetch_and",
	OpAtomicFetchXor: "atomic_fetch_xor", OpAtomicSwap: "atomic_swap", OpFence: "fence",
	OpSyscall: "syscall", OpThunk: "thunk", OpCPUID: "cpuid", OpXGetBV: "xgetbv",
	OpRDTSC: "rdtsc", OpProcessorID: "processor_id", OpDebugPrint: "debug_print",
	OpMemCpy: "memcpy", OpMemSet: "memset",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", o)
}

// IsTerminator reports whether Op can be the sole terminator of a
// block (§3 invariant: "exactly one terminator per block").
func (o Op) IsTerminator() bool {
	switch o {
	case OpJump, OpCondJump, OpExitFunction, OpBreak, OpCallbackReturn:
		return true
	default:
		return false
	}
}

// maxInlineOperands is the number of operand references stored inline
// in a Node. Ops needing more (vector shuffle/insert with several
// sources) carry the rest in an ExtraOpsPayload.
const maxInlineOperands = 3

// Node is one entry in the function's arena: an SSA value (or a
// control node, for Block/terminators) with a tag, a byte size, and up
// to maxInlineOperands references to earlier nodes.
type Node struct {
	Tag  Op
	Size uint8 // power of two in {1,2,4,8,16,32}; §3 invariant

	Ops    [maxInlineOperands]NodeRef
	NumOps uint8

	Payload Payload

	// block membership; zero value means "not yet assigned" (true for
	// the function header and for OpBlock nodes themselves).
	Block BlockRef
}

// Payload carries tag-specific inline data. Each concrete payload type
// implements Payload as a marker; the pass manager and front end type-
// assert to the shape they expect for a given Op.
type Payload interface {
	isPayload()
}

// ConstantPayload is OpConstant's payload.
type ConstantPayload struct{ Value uint64 }

func (ConstantPayload) isPayload() {}

// ContextPayload is the payload for Load/StoreContext: the byte offset
// into CPUState and its size. Offset is relative to the start of
// CPUState so both the front end and the pass manager's redundant
// load/store elimination can compare slots structurally.
type ContextPayload struct {
	Offset int
	Size   uint8
}

func (ContextPayload) isPayload() {}

// ContextIndexedPayload is the payload for indexed context access
// (register-file-as-array addressing, e.g. XMM[reg]).
type ContextIndexedPayload struct {
	BaseOffset int
	Stride     int
	ElemSize   uint8
}

func (ContextIndexedPayload) isPayload() {}

// MemPayload is the payload for memory load/store: alignment in bytes
// and whether this is a stack access (exempt from TSO, see §5).
type MemPayload struct {
	Align      uint8
	IsStack    bool
	Segment    uint8
}

func (MemPayload) isPayload() {}

// ShiftPayload records count-masking metadata for variable shifts
// (§4.3 Calculate_ShiftVariable): the architectural mask width.
type ShiftPayload struct {
	MaskBits uint8
}

func (ShiftPayload) isPayload() {}

// ExtraOpsPayload augments a node's inline Ops with additional operand
// references, for ops whose arity exceeds maxInlineOperands (vector
// shuffle/insert).
type ExtraOpsPayload struct {
	Extra []NodeRef
	Inner Payload
}

func (ExtraOpsPayload) isPayload() {}

// BreakPayload is OpBreak's payload (§6 Break reasons).
type BreakPayload struct {
	Signal        uint8
	TrapNumber    uint32
	SiCode        int32
	ErrorRegister uint64
}

func (BreakPayload) isPayload() {}

// SyscallPayload is OpSyscall's payload.
type SyscallPayload struct {
	ABI              uint8
	NoReturnedResult bool
}

func (SyscallPayload) isPayload() {}

// DeferredFlagPayload is OpInvalidateFlag's payload: it names the
// arithmetic node whose value is the recipe's result (Dst) and the
// operand the recipe is computed against (Src), so redundant-flag-
// calculation elimination can find it without a side table.
type DeferredFlagPayload struct {
	Kind  uint8
	Dst   NodeRef
	Src   NodeRef
	// SkipIfZero is InvalidRef for ops that always invalidate the
	// previous deferred-flag recipe. Variable shifts/rotates set it to
	// the (possibly masked) shift-count node: x86 leaves FLAGS
	// bit-for-bit unchanged when a shift count masks to zero, so when
	// the SkipIfZero node's runtime value is zero the backend treats
	// this op as never having happened and keeps the previous recipe.
	SkipIfZero NodeRef
}

func (DeferredFlagPayload) isPayload() {}

// CondPayload is the payload for CondJump/CondJumpNZCV/NZCVSelect: the
// decoded x86 condition code (§4.3's "small sum type").
type CondPayload struct {
	Cond CondCode
}

func (CondPayload) isPayload() {}

// CondCode is the x86 4-bit condition code, decoded into a small sum
// type per §4.3.
type CondCode uint8

const (
	CondEQ CondCode = iota // ZF=1
	CondNE                 // ZF=0
	CondUGE                // CF=0
	CondULT                // CF=1
	CondMI                 // SF=1
	CondPL                 // SF=0
	CondOverflow           // OF=1
	CondNoOverflow         // OF=0
	CondUGT                // CF=0 && ZF=0
	CondULE                // CF=1 || ZF=1
	CondSGE                // SF=OF
	CondSLT                // SF!=OF
	CondSGT                // ZF=0 && SF=OF
	CondSLE                // ZF=1 || SF!=OF
	CondP                  // PF=1
	CondNP                 // PF=0
)
