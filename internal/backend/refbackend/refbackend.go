package refbackend

import (
	"github.com/pkg/errors"

	"github.com/dbtcore/x86dbt/internal/backend"
	"github.com/dbtcore/x86dbt/internal/ir"
)

// Backend is the reference/test backend/.Backend implementation.
type Backend struct{}

// New returns a ready-to-use reference backend.
func New() *Backend { return &Backend{} }

// supportedOps is every Op this interpreter knows how to execute. It is
// checked once at Compile time so an unsupported op fails translation
// up front (ExitUnknownError, §7) rather than mid-execution.
var supportedOps = map[ir.Op]bool{
	ir.OpConstant: true, ir.OpLoadContext: true, ir.OpStoreContext: true,
	ir.OpLoadMem: true, ir.OpStoreMem: true, ir.OpLoadMemTSO: true, ir.OpStoreMemTSO: true,
	ir.OpAdd: true, ir.OpSub: true, ir.OpAnd: true, ir.OpOr: true, ir.OpXor: true,
	ir.OpNot: true, ir.OpNeg: true, ir.OpAddWithFlags: true, ir.OpSubWithFlags: true,
	ir.OpLshl: true, ir.OpLshr: true, ir.OpAshr: true, ir.OpRol: true, ir.OpRor: true, ir.OpExtr: true,
	ir.OpBfe: true, ir.OpBfi: true,
	ir.OpUMul: true, ir.OpIMul: true, ir.OpUMulH: true, ir.OpIMulH: true,
	ir.OpLDiv: true, ir.OpLUDiv: true, ir.OpLRem: true, ir.OpLURem: true,
	ir.OpNZCVSelect: true,
	ir.OpHandleNZ00Write: true, ir.OpInvalidateFlag: true, ir.OpCalculateDeferredFlags: true,
	ir.OpAtomicCAS: true, ir.OpAtomicFetchAdd: true, ir.OpAtomicFetchOr: true,
	ir.OpAtomicFetchAnd: true, ir.OpAtomicFetchXor: true, ir.OpAtomicSwap: true,
	ir.OpSyscall: true, ir.OpMemCpy: true, ir.OpMemSet: true,
	ir.OpJump: true, ir.OpCondJump: true, ir.OpExitFunction: true, ir.OpBreak: true,
}

// Compile validates that f uses only ops this interpreter supports and
// wraps it as an invocable block. No code generation happens: the
// "compiled" form is the optimized IR itself, walked directly by
// Invoke.
func (*Backend) Compile(f *ir.Function) (backend.CompiledBlock, error) {
	if f.State() == ir.FuncBuilding {
		return nil, errors.New("refbackend: function not finalized")
	}
	for ref := ir.NodeRef(1); int(ref) < f.NumNodes(); ref++ {
		n := f.Node(ref)
		if n.Tag == ir.OpInvalid || n.Tag == ir.OpBlock || n.Tag == ir.OpFunctionHeader {
			continue
		}
		if !supportedOps[n.Tag] {
			return nil, errors.Errorf("refbackend: unsupported op %v at node %d", n.Tag, ref)
		}
	}
	return &compiledBlock{f: f}, nil
}
