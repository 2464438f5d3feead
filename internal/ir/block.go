package ir

import (
	"errors"
	"fmt"
)

// ErrNotFinalized is returned by consumers (e.g. package passes) that
// require a Finalized function and are given one still in Building state.
var ErrNotFinalized = errors.New("ir: function is not finalized")

// BlockRef is a NodeRef to a Node tagged OpBlock.
type BlockRef NodeRef

// InvalidBlock is never a valid block reference.
const InvalidBlock BlockRef = BlockRef(InvalidRef)

// blockState is the Open/Sealed state machine named in §4.1.
type blockState uint8

const (
	blockOpen blockState = iota
	blockSealed
)

// BlockPayload is OpBlock's payload: the [Begin, Last] range of body
// nodes (inclusive of both ends) plus the Next link forming the
// function's block chain.
type BlockPayload struct {
	Begin NodeRef
	Last  NodeRef // InvalidRef until at least one node is emitted
	Next  BlockRef
	state blockState
	preds []BlockRef
	// sideExit is the non-fallthrough successor recorded by AddSuccessor
	// (a CondJump's taken target); InvalidBlock if this block never
	// calls AddSuccessor.
	sideExit BlockRef
}

func (*BlockPayload) isPayload() {}

// funcState is the Building/Finalized/Compiled state machine named in
// §4.1. A Compiled function is immutable.
type funcState uint8

const (
	FuncBuilding funcState = iota
	FuncFinalized
	FuncCompiled
)

// Function is a function header (§3 "Function header") plus the arena
// of nodes it owns. EntryPC and GuestInstCount are the header fields
// named in §6's on-disk block-header format.
type Function struct {
	EntryPC        uint64
	GuestInstCount uint32

	arena []Node

	// FirstBlock is the entry block; Blocks lists every reachable block
	// exactly once in lowering order (§3 invariant).
	FirstBlock BlockRef
	Blocks     []BlockRef

	current BlockRef
	state   funcState
}

// NewFunction creates a Function in the Building state with a single
// open entry block.
func NewFunction(entryPC uint64) *Function {
	f := &Function{EntryPC: entryPC, state: FuncBuilding}
	// Reserve index 0 for the function header node itself so NodeRef 0
	// is never a valid operand reference, matching InvalidRef's intent
	// of keeping "unset" distinguishable from "first real node".
	f.arena = append(f.arena, Node{Tag: OpFunctionHeader})
	entry := f.newBlockLocked()
	f.FirstBlock = entry
	f.Blocks = append(f.Blocks, entry)
	f.current = entry
	return f
}

func (f *Function) blockPayload(b BlockRef) *BlockPayload {
	return f.arena[NodeRef(b)].Payload.(*BlockPayload)
}

func (f *Function) newBlockLocked() BlockRef {
	ref := NodeRef(len(f.arena))
	f.arena = append(f.arena, Node{
		Tag:     OpBlock,
		Payload: &BlockPayload{Begin: InvalidRef, Last: InvalidRef, Next: InvalidBlock, sideExit: InvalidBlock},
	})
	return BlockRef(ref)
}

// NewBlock creates a new open block not yet linked into the function's
// block chain or reachable set; callers must Link it to make it part
// of the CFG and append it to Blocks (done automatically the first
// time it becomes a Link successor, mirroring the dispatcher's typical
// "create then immediately link" usage for REP-loop bodies).
func (f *Function) NewBlock() BlockRef {
	return f.newBlockLocked()
}

// SetCurrent changes the block subsequent Emit calls append to. The
// target must be Open.
func (f *Function) SetCurrent(b BlockRef) {
	if f.blockPayload(b).state == blockSealed {
		panic(fmt.Sprintf("ir: SetCurrent on sealed block %d", b))
	}
	f.current = b
}

// Current returns the block Emit currently appends to.
func (f *Function) Current() BlockRef {
	return f.current
}

// Link adds succ to the function's block chain after pred and records
// succ as reachable (appending it to Blocks on first reference),
// mirroring lowering order. Idempotent: linking the same pair twice is
// a no-op.
func (f *Function) Link(pred, succ BlockRef) {
	pb := f.blockPayload(pred)
	for _, already := range pb.preds {
		if already == succ {
			// Not meaningful as a pred-of-pred; proceed, duplicate
			// Next links are what idempotence is about below.
			break
		}
	}
	if pb.Next != succ {
		pb.Next = succ
	}
	sb := f.blockPayload(succ)
	for _, p := range sb.preds {
		if p == pred {
			return
		}
	}
	sb.preds = append(sb.preds, pred)
	for _, already := range f.Blocks {
		if already == succ {
			return
		}
	}
	f.Blocks = append(f.Blocks, succ)
}

// AddSuccessor is like Link but does not alter the block CHAIN's Next
// pointer — used for the non-fallthrough edge of a conditional branch,
// where Next must remain the fallthrough block.
func (f *Function) AddSuccessor(pred, succ BlockRef) {
	f.blockPayload(pred).sideExit = succ
	sb := f.blockPayload(succ)
	for _, p := range sb.preds {
		if p == pred {
			return
		}
	}
	sb.preds = append(sb.preds, pred)
	for _, already := range f.Blocks {
		if already == succ {
			return
		}
	}
	f.Blocks = append(f.Blocks, succ)
}

// Emit appends a node to the current block. It is a fatal programmer
// error (panic, per §4.1 "Failure semantics") to emit into a sealed
// block or to reference an operand that does not dominate the use.
func (f *Function) Emit(tag Op, size uint8, payload Payload, operands ...NodeRef) NodeRef {
	cur := f.blockPayload(f.current)
	if cur.state == blockSealed {
		panic(fmt.Sprintf("ir: emit into sealed block %d", f.current))
	}
	if tag.IsTerminator() {
		// handled by Terminate; Emit must not be used directly for them
		// so that sealing always happens as a post-condition of adding
		// the terminator, never forgotten by a caller.
		panic("ir: use Terminate to emit a block terminator")
	}

	ref := NodeRef(len(f.arena))
	for _, op := range operands {
		if !f.dominates(op, ref) {
			panic(fmt.Sprintf("ir: operand %d does not dominate use %d", op, ref))
		}
	}

	n := Node{Tag: tag, Size: size, Payload: payload, Block: BlockRef(0)}
	n.Block = f.current
	n.NumOps = uint8(len(operands))
	for i := 0; i < len(operands) && i < maxInlineOperands; i++ {
		n.Ops[i] = operands[i]
	}
	if len(operands) > maxInlineOperands {
		n.Payload = ExtraOpsPayload{Extra: append([]NodeRef(nil), operands[maxInlineOperands:]...), Inner: payload}
	}
	f.arena = append(f.arena, n)

	if cur.Begin == InvalidRef {
		cur.Begin = ref
	}
	cur.Last = ref
	return ref
}

// Terminate appends a terminator node and seals the block. tag must
// satisfy Op.IsTerminator.
func (f *Function) Terminate(b BlockRef, tag Op, payload Payload, operands ...NodeRef) NodeRef {
	if !tag.IsTerminator() {
		panic(fmt.Sprintf("ir: %v is not a terminator", tag))
	}
	bp := f.blockPayload(b)
	if bp.state == blockSealed {
		panic(fmt.Sprintf("ir: block %d already sealed", b))
	}
	prevCurrent := f.current
	f.current = b
	defer func() { f.current = prevCurrent }()

	ref := NodeRef(len(f.arena))
	for _, op := range operands {
		if !f.dominates(op, ref) {
			panic(fmt.Sprintf("ir: operand %d does not dominate use %d", op, ref))
		}
	}
	n := Node{Tag: tag, Payload: payload, Block: b}
	n.NumOps = uint8(len(operands))
	for i := 0; i < len(operands) && i < maxInlineOperands; i++ {
		n.Ops[i] = operands[i]
	}
	f.arena = append(f.arena, n)

	if bp.Begin == InvalidRef {
		bp.Begin = ref
	}
	bp.Last = ref
	bp.state = blockSealed
	return ref
}

// IsSealed reports whether b has a terminator.
func (f *Function) IsSealed(b BlockRef) bool {
	return f.blockPayload(b).state == blockSealed
}

// Node returns the node at ref.
func (f *Function) Node(ref NodeRef) *Node {
	return &f.arena[ref]
}

// NumNodes returns the arena length, including the reserved header slot.
func (f *Function) NumNodes() int {
	return len(f.arena)
}

// Iter returns a finite, restartable forward iterator from a block's
// Begin to Last inclusive. It remains valid across append-only
// emissions into *other* blocks; iterating a still-open block reflects
// whatever has been emitted so far when Iter is called, not later
// appends (callers needing "live" iteration during building should
// call Iter again after each Emit).
func (f *Function) Iter(b BlockRef) []NodeRef {
	bp := f.blockPayload(b)
	if bp.Begin == InvalidRef {
		return nil
	}
	var out []NodeRef
	for r := bp.Begin; r <= bp.Last; r++ {
		out = append(out, r)
	}
	return out
}

// Next returns the block chain successor of b (the block-graph "Next"
// link, distinct from conditional-branch targets).
func (f *Function) Next(b BlockRef) BlockRef {
	return f.blockPayload(b).Next
}

// SideExit returns the non-fallthrough successor AddSuccessor recorded
// for b (a CondJump's taken target), or InvalidBlock if none was ever
// recorded.
func (f *Function) SideExit(b BlockRef) BlockRef {
	return f.blockPayload(b).sideExit
}

// Begin/Last expose a block's body range for callers (e.g. the pass
// manager) that need the raw bounds rather than a materialized slice.
func (f *Function) Begin(b BlockRef) NodeRef { return f.blockPayload(b).Begin }
func (f *Function) Last(b BlockRef) NodeRef  { return f.blockPayload(b).Last }

// Finalize transitions the function from Building to Finalized; it is
// a programmer error to finalize a function with an unsealed reachable
// block.
func (f *Function) Finalize() error {
	for _, b := range f.Blocks {
		if !f.IsSealed(b) {
			return fmt.Errorf("ir: block %d reachable but not sealed", b)
		}
	}
	f.state = FuncFinalized
	return nil
}

func (f *Function) State() funcState { return f.state }

// Compact rebuilds the arena, dropping every OpInvalid node (the tombstone
// earlier passes leave behind for eliminated loads/stores/flag recipes)
// and renumbering everything that survives. It is the one arena
// mutation that is not a simple append, which is why it lives here
// rather than in package passes: only this package may reach into
// BlockPayload/Node internals. Compact is idempotent and preserves
// lowering order, which is what gives the pass pipeline its
// determinism property (§4.4): running it twice over an already
// compacted function is a no-op remap.
func (f *Function) Compact() {
	remap := make([]NodeRef, len(f.arena))
	for i := range remap {
		remap[i] = InvalidRef
	}

	newArena := make([]Node, 0, len(f.arena))
	newArena = append(newArena, f.arena[0]) // reserved header slot
	remap[0] = 0

	for i := 1; i < len(f.arena); i++ {
		n := f.arena[i]
		if n.Tag == OpInvalid {
			continue
		}
		remap[i] = NodeRef(len(newArena))
		newArena = append(newArena, n)
	}

	resolve := func(r NodeRef) NodeRef {
		if r == InvalidRef || int(r) >= len(remap) {
			return r
		}
		if remap[r] == InvalidRef {
			return InvalidRef
		}
		return remap[r]
	}

	for i := range newArena {
		n := &newArena[i]
		for j := 0; j < int(n.NumOps) && j < maxInlineOperands; j++ {
			n.Ops[j] = resolve(n.Ops[j])
		}
		if extra, ok := n.Payload.(ExtraOpsPayload); ok {
			for j := range extra.Extra {
				extra.Extra[j] = resolve(extra.Extra[j])
			}
			n.Payload = extra
		}
		if dp, ok := n.Payload.(DeferredFlagPayload); ok {
			dp.Dst, dp.Src, dp.SkipIfZero = resolve(dp.Dst), resolve(dp.Src), resolve(dp.SkipIfZero)
			n.Payload = dp
		}
		if bp, ok := n.Payload.(*BlockPayload); ok {
			if bp.Begin != InvalidRef {
				bp.Begin = resolve(bp.Begin)
			}
			if bp.Last != InvalidRef {
				bp.Last = resolve(bp.Last)
			}
			if bp.Next != InvalidBlock {
				bp.Next = BlockRef(resolve(NodeRef(bp.Next)))
			}
			if bp.sideExit != InvalidBlock {
				bp.sideExit = BlockRef(resolve(NodeRef(bp.sideExit)))
			}
			for j := range bp.preds {
				bp.preds[j] = BlockRef(resolve(NodeRef(bp.preds[j])))
			}
		}
	}

	f.arena = newArena
	f.FirstBlock = BlockRef(resolve(NodeRef(f.FirstBlock)))
	for i := range f.Blocks {
		f.Blocks[i] = BlockRef(resolve(NodeRef(f.Blocks[i])))
	}
	f.current = BlockRef(resolve(NodeRef(f.current)))
}

// MarkCompiled transitions Finalized -> Compiled. Once Compiled the
// function must not be mutated further.
func (f *Function) MarkCompiled() {
	f.state = FuncCompiled
}
