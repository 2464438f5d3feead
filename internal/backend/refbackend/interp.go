package refbackend

import (
	"github.com/pkg/errors"

	"github.com/dbtcore/x86dbt/internal/abi"
	"github.com/dbtcore/x86dbt/internal/backend"
	"github.com/dbtcore/x86dbt/internal/ir"
	"github.com/dbtcore/x86dbt/internal/state"
)

type compiledBlock struct {
	f *ir.Function
}

// Invoke walks the optimized IR directly: each node's result is cached
// in values, indexed by NodeRef, so a later node referencing an earlier
// one just does values[ref] (the SSA property that a value is computed
// exactly once before any use).
func (c *compiledBlock) Invoke(cpu *state.CPUState, mem backend.Memory, syscalls backend.SyscallHandler) (abi.ExitReason, abi.BreakReason, error) {
	f := c.f
	values := make([]uint64, f.NumNodes())
	cur := f.FirstBlock

	for {
		for _, ref := range f.Iter(cur) {
			n := f.Node(ref)
			switch n.Tag {
			case ir.OpBlock, ir.OpInvalid, ir.OpFunctionHeader:
				continue

			case ir.OpJump:
				cur = f.Next(cur)
				goto blockDone

			case ir.OpCondJump:
				if values[n.Ops[0]] != 0 {
					cur = f.SideExit(cur)
				} else {
					cur = f.Next(cur)
				}
				goto blockDone

			case ir.OpExitFunction:
				target, err := resolveExitTarget(n, values)
				if err != nil {
					return abi.ExitUnknownError, abi.BreakReason{}, err
				}
				cpu.RIP = target
				return abi.ExitNormal, abi.BreakReason{}, nil

			case ir.OpBreak:
				bp := n.Payload.(ir.BreakPayload)
				return abi.ExitBreak, abi.BreakReason{
					Signal:        abi.Signal(bp.Signal),
					TrapNumber:    bp.TrapNumber,
					SiCode:        bp.SiCode,
					ErrorRegister: bp.ErrorRegister,
				}, nil

			default:
				if err := c.step(cpu, mem, syscalls, values, ref, n); err != nil {
					return abi.ExitUnknownError, abi.BreakReason{}, err
				}
			}
		}
	blockDone:
	}
}

func resolveExitTarget(n *ir.Node, values []uint64) (uint64, error) {
	if cp, ok := n.Payload.(ir.ConstantPayload); ok {
		return cp.Value, nil
	}
	if n.NumOps >= 1 {
		return values[n.Ops[0]], nil
	}
	return 0, errors.New("refbackend: ExitFunction with neither a literal target nor an address operand")
}

// step executes one non-terminator node, writing its result (if any)
// into values[ref].
func (c *compiledBlock) step(cpu *state.CPUState, mem backend.Memory, syscalls backend.SyscallHandler, values []uint64, ref ir.NodeRef, n *ir.Node) error {
	f := c.f
	bits := n.Size * 8
	op := func(i int) uint64 { return values[n.Ops[i]] }

	switch n.Tag {
	case ir.OpConstant:
		values[ref] = n.Payload.(ir.ConstantPayload).Value

	case ir.OpLoadContext:
		cp := n.Payload.(ir.ContextPayload)
		values[ref] = readContext(cpu, cp.Offset, cp.Size)
	case ir.OpStoreContext:
		cp := n.Payload.(ir.ContextPayload)
		writeContext(cpu, cp.Offset, cp.Size, op(0))

	case ir.OpLoadMem, ir.OpLoadMemTSO:
		v, err := mem.Load(op(0), n.Size)
		if err != nil {
			return err
		}
		values[ref] = v
	case ir.OpStoreMem, ir.OpStoreMemTSO:
		if err := mem.Store(op(0), n.Size, op(1)); err != nil {
			return err
		}

	case ir.OpAdd:
		values[ref] = (op(0) + op(1)) & maskFor(bits)
	case ir.OpSub:
		values[ref] = (op(0) - op(1)) & maskFor(bits)
	case ir.OpAnd:
		values[ref] = op(0) & op(1) & maskFor(bits)
	case ir.OpOr:
		values[ref] = (op(0) | op(1)) & maskFor(bits)
	case ir.OpXor:
		values[ref] = (op(0) ^ op(1)) & maskFor(bits)
	case ir.OpNot:
		values[ref] = ^op(0) & maskFor(bits)
	case ir.OpNeg:
		values[ref] = (0 - op(0)) & maskFor(bits)
	case ir.OpAddWithFlags:
		values[ref] = (op(0) + op(1) + op(2)) & maskFor(bits)
	case ir.OpSubWithFlags:
		values[ref] = (op(0) - op(1) - op(2)) & maskFor(bits)

	case ir.OpLshl:
		values[ref] = lshift(op(0), op(1), bits, true)
	case ir.OpLshr:
		values[ref] = lshift(op(0), op(1), bits, false)
	case ir.OpAshr:
		values[ref] = arithShiftRight(op(0), op(1), bits)
	case ir.OpRol:
		values[ref] = rotate(op(0), op(1), bits, true)
	case ir.OpRor:
		values[ref] = rotate(op(0), op(1), bits, false)
	case ir.OpExtr:
		values[ref] = extrResult(op(0), op(1), op(2), bits)

	case ir.OpBfe:
		values[ref] = bfeResult(op(0), op(1), bits)
	case ir.OpBfi:
		values[ref] = bfiResult(op(0), f.Node(n.Ops[0]).Size*8, op(1), f.Node(n.Ops[1]).Size*8, bits)

	case ir.OpUMul:
		lo, _ := mulWiden(op(0), op(1), bits, false)
		values[ref] = lo
	case ir.OpUMulH:
		_, hi := mulWiden(op(0), op(1), bits, false)
		values[ref] = hi
	case ir.OpIMul:
		lo, _ := mulWiden(op(0), op(1), bits, true)
		values[ref] = lo
	case ir.OpIMulH:
		_, hi := mulWiden(op(0), op(1), bits, true)
		values[ref] = hi

	case ir.OpLUDiv, ir.OpLDiv:
		quot, _, ok := divWiden(op(0), op(1), op(2), bits, n.Tag == ir.OpLDiv)
		if !ok {
			return errors.Errorf("refbackend: division by zero reached node %d unguarded", ref)
		}
		values[ref] = quot
	case ir.OpLURem, ir.OpLRem:
		_, rem, ok := divWiden(op(0), op(1), op(2), bits, n.Tag == ir.OpLRem)
		if !ok {
			return errors.Errorf("refbackend: division by zero reached node %d unguarded", ref)
		}
		values[ref] = rem

	case ir.OpNZCVSelect:
		if op(0) != 0 {
			values[ref] = op(1)
		} else {
			values[ref] = op(2)
		}

	case ir.OpHandleNZ00Write:
		handleNZ00Write(cpu, op(0), bits)

	case ir.OpInvalidateFlag:
		invalidateFlag(f, cpu, values, n.Payload.(ir.DeferredFlagPayload))
	case ir.OpCalculateDeferredFlags:
		materializeDeferredFlags(cpu)

	case ir.OpAtomicCAS:
		old, err := mem.Load(op(0), n.Size)
		if err != nil {
			return err
		}
		if old == op(1) {
			if err := mem.Store(op(0), n.Size, op(2)); err != nil {
				return err
			}
		}
		values[ref] = old
	case ir.OpAtomicFetchAdd, ir.OpAtomicFetchOr, ir.OpAtomicFetchAnd, ir.OpAtomicFetchXor:
		old, err := mem.Load(op(0), n.Size)
		if err != nil {
			return err
		}
		var updated uint64
		switch n.Tag {
		case ir.OpAtomicFetchAdd:
			updated = (old + op(1)) & maskFor(bits)
		case ir.OpAtomicFetchOr:
			updated = (old | op(1)) & maskFor(bits)
		case ir.OpAtomicFetchAnd:
			updated = old & op(1) & maskFor(bits)
		case ir.OpAtomicFetchXor:
			updated = (old ^ op(1)) & maskFor(bits)
		}
		if err := mem.Store(op(0), n.Size, updated); err != nil {
			return err
		}
		values[ref] = old
	case ir.OpAtomicSwap:
		old, err := mem.Load(op(0), n.Size)
		if err != nil {
			return err
		}
		if err := mem.Store(op(0), n.Size, op(1)); err != nil {
			return err
		}
		values[ref] = old

	case ir.OpSyscall:
		sp := n.Payload.(ir.SyscallPayload)
		if err := syscalls.HandleSyscall(cpu, abi.OSABI(sp.ABI)); err != nil {
			return err
		}

	case ir.OpMemCpy:
		mp := n.Payload.(ir.MemPayload)
		align := uint64(mp.Align)
		if align == 0 {
			align = 1
		}
		if err := mem.Copy(op(0), op(1), op(2)*align); err != nil {
			return err
		}
	case ir.OpMemSet:
		mp := n.Payload.(ir.MemPayload)
		if err := mem.Fill(op(0), op(1), mp.Align, op(2)); err != nil {
			return err
		}

	default:
		return errors.Errorf("refbackend: node %d has unhandled op %v", ref, n.Tag)
	}
	return nil
}

func lshift(v, count uint64, bits uint8, left bool) uint64 {
	if count >= uint64(bits) {
		return 0
	}
	v &= maskFor(bits)
	if left {
		return (v << count) & maskFor(bits)
	}
	return v >> count
}

func arithShiftRight(v, count uint64, bits uint8) uint64 {
	s := toSigned(v, bits)
	if count >= uint64(bits) {
		count = uint64(bits) - 1
	}
	return uint64(s>>count) & maskFor(bits)
}

// invalidateFlag implements OpInvalidateFlag: stash a recipe in
// cpu.Deferred rather than eagerly recomputing CF/PF/AF/ZF/SF/OF. A
// guarded recipe (SkipIfZero set, used by variable shifts/rotates)
// whose masked count is zero leaves FLAGS untouched entirely, per the
// x86 shift-by-zero rule.
func invalidateFlag(f *ir.Function, cpu *state.CPUState, values []uint64, dp ir.DeferredFlagPayload) {
	if dp.SkipIfZero != ir.InvalidRef && values[dp.SkipIfZero] == 0 {
		return
	}
	kind := state.DeferredFlagKind(dp.Kind)
	cpu.Deferred = state.DeferredFlags{
		Kind:     kind,
		SizeBits: f.Node(dp.Dst).Size * 8,
		Result:   values[dp.Dst],
		Operand:  values[dp.Src],
		Stale:    staleMaskFor(kind),
	}
	if dp.SkipIfZero != ir.InvalidRef {
		cpu.Deferred.Count = values[dp.SkipIfZero]
	}
}

// staleMaskFor reports which of the 6 arithmetic flags a recipe makes
// stale. INC/DEC leave CF unaffected (§4.3 edge case); every other kind
// recomputes all six.
func staleMaskFor(kind state.DeferredFlagKind) [6]bool {
	all := [6]bool{true, true, true, true, true, true}
	if kind == state.DeferredInc || kind == state.DeferredDec {
		all[idxCF] = false
	}
	return all
}

func handleNZ00Write(cpu *state.CPUState, result uint64, bits uint8) {
	result &= maskFor(bits)
	cpu.Flags[state.FlagZF] = boolToByte(result == 0)
	cpu.Flags[state.FlagSF] = boolToByte(result&signBit(bits) != 0)
	cpu.Flags[state.FlagCF] = 0
	cpu.Flags[state.FlagOF] = 0
}
