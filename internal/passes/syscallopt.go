package passes

import (
	"unsafe"

	"github.com/dbtcore/x86dbt/internal/ir"
	"github.com/dbtcore/x86dbt/internal/state"
)

// raxOffset is CPUState's RAX (GPR[0]) byte offset, computed the same
// way internal/frontend/operands.go derives every other context slot:
// from the real struct layout rather than a hand-maintained constant.
var raxOffset = int(unsafe.Offsetof(state.CPUState{}.GPR))

// SyscallOptimization marks an OpSyscall's SyscallPayload.NoReturnedResult
// when nothing in the remainder of its block reads RAX before RAX is
// next written, letting the backend skip materializing the syscall's
// return value into CPUState (§4.4 "syscall optimization"). The guest
// almost always discards a syscall's result in void-style call
// sequences (e.g. `write(2); <next instruction never touches RAX>`), so
// this is a cheap, common win.
//
// Scope is block-local: SYSCALL is always a block terminator-adjacent
// op (the front end always ends the block right after it, see
// misc.go's syscallHandler), so "remainder of its block" in practice
// means "the rest of this block's tail, which is empty" -- the flag
// still gets set correctly, and a future front end that stops treating
// SYSCALL as a hard block boundary keeps working unchanged.
type SyscallOptimization struct{}

func (*SyscallOptimization) Name() string { return "SyscallOptimization" }

func (p *SyscallOptimization) Run(f *ir.Function) (bool, error) {
	changed := false
	for _, b := range f.Blocks {
		nodes := f.Iter(b)
		for i, ref := range nodes {
			n := f.Node(ref)
			if n.Tag != ir.OpSyscall {
				continue
			}
			sp := n.Payload.(ir.SyscallPayload)
			if sp.NoReturnedResult {
				continue
			}
			if !readsRAXBeforeWrite(f, nodes[i+1:]) {
				sp.NoReturnedResult = true
				n.Payload = sp
				changed = true
			}
		}
	}
	return changed, nil
}

func readsRAXBeforeWrite(f *ir.Function, tail []ir.NodeRef) bool {
	for _, ref := range tail {
		n := f.Node(ref)
		switch n.Tag {
		case ir.OpLoadContext:
			cp := n.Payload.(ir.ContextPayload)
			if cp.Offset == raxOffset {
				return true
			}
		case ir.OpStoreContext:
			cp := n.Payload.(ir.ContextPayload)
			if cp.Offset == raxOffset {
				return false
			}
		}
	}
	return false
}
