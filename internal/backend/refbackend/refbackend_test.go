package refbackend

import (
	"testing"
	"unsafe"

	"github.com/dbtcore/x86dbt/internal/abi"
	"github.com/dbtcore/x86dbt/internal/backend"
	"github.com/dbtcore/x86dbt/internal/ir"
	"github.com/dbtcore/x86dbt/internal/state"
)

var cpuLayout state.CPUState

func offGPR(reg int) int {
	return int(unsafe.Offsetof(cpuLayout.GPR)) + reg*8
}

func offFlag(f state.Flag) int {
	return int(unsafe.Offsetof(cpuLayout.Flags)) + int(f)
}

func finalized(t *testing.T, build func(f *ir.Function)) *ir.Function {
	t.Helper()
	f := ir.NewFunction(0x1000)
	build(f)
	if err := f.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return f
}

// flatMemory is a trivial byte-addressed backend.Memory good enough to
// drive the interpreter in tests without a real guest address space.
type flatMemory struct {
	bytes map[uint64]byte
}

func newFlatMemory() *flatMemory { return &flatMemory{bytes: map[uint64]byte{}} }

func (m *flatMemory) Load(addr uint64, size uint8) (uint64, error) {
	var v uint64
	for i := uint8(0); i < size; i++ {
		v |= uint64(m.bytes[addr+uint64(i)]) << (8 * i)
	}
	return v, nil
}

func (m *flatMemory) Store(addr uint64, size uint8, value uint64) error {
	for i := uint8(0); i < size; i++ {
		m.bytes[addr+uint64(i)] = byte(value >> (8 * i))
	}
	return nil
}

func (m *flatMemory) Copy(dst, src, n uint64) error {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = m.bytes[src+uint64(i)]
	}
	for i := range buf {
		m.bytes[dst+uint64(i)] = buf[i]
	}
	return nil
}

func (m *flatMemory) Fill(dst, value uint64, elemSize uint8, n uint64) error {
	for i := uint64(0); i < n; i++ {
		if err := m.Store(dst+i*uint64(elemSize), elemSize, value); err != nil {
			return err
		}
	}
	return nil
}

type stubSyscalls struct {
	called bool
	abi    abi.OSABI
	err    error
}

func (s *stubSyscalls) HandleSyscall(cpu *state.CPUState, osABI abi.OSABI) error {
	s.called = true
	s.abi = osABI
	if s.err != nil {
		return s.err
	}
	cpu.GPR[0] = 0
	return nil
}

func compile(t *testing.T, f *ir.Function) backend.CompiledBlock {
	t.Helper()
	cb, err := New().Compile(f)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return cb
}

func TestInvokeAddStoresToContextAndExitsToTarget(t *testing.T) {
	f := finalized(t, func(f *ir.Function) {
		a := f.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: 2})
		b := f.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: 3})
		sum := f.Emit(ir.OpAdd, 8, nil, a, b)
		f.Emit(ir.OpStoreContext, 8, ir.ContextPayload{Offset: offGPR(0), Size: 8}, sum)
		f.Terminate(f.Current(), ir.OpExitFunction, ir.ConstantPayload{Value: 0x2000})
	})

	cb := compile(t, f)
	var cpu state.CPUState
	exit, _, err := cb.Invoke(&cpu, newFlatMemory(), &stubSyscalls{})
	if err != nil {
		t.Fatal(err)
	}
	if exit != abi.ExitNormal {
		t.Fatalf("got exit %v, want Normal", exit)
	}
	if cpu.RIP != 0x2000 {
		t.Fatalf("got RIP %#x, want 0x2000", cpu.RIP)
	}
	if cpu.GPR[0] != 5 {
		t.Fatalf("got RAX %d, want 5", cpu.GPR[0])
	}
}

func TestInvokeCondJumpTakesSideExitWhenTrue(t *testing.T) {
	f := finalized(t, func(f *ir.Function) {
		one := f.Emit(ir.OpConstant, 1, ir.ConstantPayload{Value: 1})
		cur := f.Current()
		taken := f.NewBlock()
		fall := f.NewBlock()

		f.Terminate(cur, ir.OpCondJump, ir.CondPayload{Cond: ir.CondNE}, one)
		f.AddSuccessor(cur, taken)
		f.Link(cur, fall)

		f.SetCurrent(taken)
		f.Terminate(taken, ir.OpExitFunction, ir.ConstantPayload{Value: 0x100})

		f.SetCurrent(fall)
		f.Terminate(fall, ir.OpExitFunction, ir.ConstantPayload{Value: 0x200})
	})

	cb := compile(t, f)
	var cpu state.CPUState
	exit, _, err := cb.Invoke(&cpu, newFlatMemory(), &stubSyscalls{})
	if err != nil {
		t.Fatal(err)
	}
	if exit != abi.ExitNormal || cpu.RIP != 0x100 {
		t.Fatalf("got exit %v rip %#x, want Normal 0x100", exit, cpu.RIP)
	}
}

func TestInvokeDivideByZeroGuardTakesBreak(t *testing.T) {
	f := finalized(t, func(f *ir.Function) {
		zero := f.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: 0})
		carryIn := f.Emit(ir.OpConstant, 1, ir.ConstantPayload{Value: 0})
		diff := f.Emit(ir.OpSubWithFlags, 8, nil, zero, zero, carryIn)
		f.Emit(ir.OpHandleNZ00Write, 8, nil, diff)
		isZero := f.Emit(ir.OpLoadContext, 1, ir.ContextPayload{Offset: offFlag(state.FlagZF), Size: 1})

		cur := f.Current()
		faultBlock := f.NewBlock()
		contBlock := f.NewBlock()
		f.Terminate(cur, ir.OpCondJump, ir.CondPayload{Cond: ir.CondNE}, isZero)
		f.AddSuccessor(cur, faultBlock)
		f.Link(cur, contBlock)

		f.SetCurrent(faultBlock)
		f.Terminate(faultBlock, ir.OpBreak, ir.BreakPayload{Signal: uint8(abi.SIGFPE)})

		f.SetCurrent(contBlock)
		f.Terminate(contBlock, ir.OpExitFunction, ir.ConstantPayload{Value: 0x300})
	})

	cb := compile(t, f)
	var cpu state.CPUState
	exit, reason, err := cb.Invoke(&cpu, newFlatMemory(), &stubSyscalls{})
	if err != nil {
		t.Fatal(err)
	}
	if exit != abi.ExitBreak {
		t.Fatalf("got exit %v, want Break", exit)
	}
	if reason.Signal != abi.SIGFPE {
		t.Fatalf("got signal %v, want SIGFPE", reason.Signal)
	}
}

func TestInvokeSyscallCallsHandlerAndContinues(t *testing.T) {
	f := finalized(t, func(f *ir.Function) {
		f.Emit(ir.OpSyscall, 0, ir.SyscallPayload{ABI: uint8(abi.Linux64)})
		f.Terminate(f.Current(), ir.OpExitFunction, ir.ConstantPayload{Value: 0x400})
	})

	cb := compile(t, f)
	var cpu state.CPUState
	sys := &stubSyscalls{}
	exit, _, err := cb.Invoke(&cpu, newFlatMemory(), sys)
	if err != nil {
		t.Fatal(err)
	}
	if !sys.called {
		t.Fatal("expected HandleSyscall to be called")
	}
	if sys.abi != abi.Linux64 {
		t.Fatalf("got abi %v, want Linux64", sys.abi)
	}
	if exit != abi.ExitNormal || cpu.RIP != 0x400 {
		t.Fatalf("got exit %v rip %#x, want Normal 0x400", exit, cpu.RIP)
	}
}

func TestInvokeDeferredAddFlagsMaterializeOnDemand(t *testing.T) {
	f := finalized(t, func(f *ir.Function) {
		a := f.Emit(ir.OpConstant, 1, ir.ConstantPayload{Value: 0xFF})
		b := f.Emit(ir.OpConstant, 1, ir.ConstantPayload{Value: 1})
		sum := f.Emit(ir.OpAdd, 1, nil, a, b)
		f.Emit(ir.OpInvalidateFlag, 0, ir.DeferredFlagPayload{Kind: uint8(state.DeferredAdd), Dst: sum, Src: a, SkipIfZero: ir.InvalidRef})
		f.Emit(ir.OpCalculateDeferredFlags, 0, nil)
		cf := f.Emit(ir.OpLoadContext, 1, ir.ContextPayload{Offset: offFlag(state.FlagCF), Size: 1})
		zf := f.Emit(ir.OpLoadContext, 1, ir.ContextPayload{Offset: offFlag(state.FlagZF), Size: 1})
		f.Emit(ir.OpStoreContext, 8, ir.ContextPayload{Offset: offGPR(0), Size: 8}, cf)
		f.Emit(ir.OpStoreContext, 8, ir.ContextPayload{Offset: offGPR(1), Size: 8}, zf)
		f.Terminate(f.Current(), ir.OpExitFunction, ir.ConstantPayload{Value: 0x500})
	})

	cb := compile(t, f)
	var cpu state.CPUState
	if _, _, err := cb.Invoke(&cpu, newFlatMemory(), &stubSyscalls{}); err != nil {
		t.Fatal(err)
	}
	if cpu.GPR[0] != 1 {
		t.Fatalf("0xFF+1 should carry out of an 8-bit add, got CF=%d", cpu.GPR[0])
	}
	if cpu.GPR[1] != 1 {
		t.Fatalf("0xFF+1 truncates to 0 in 8 bits, got ZF=%d", cpu.GPR[1])
	}
}

func TestInvokeRejectsUnfinalizedFunction(t *testing.T) {
	f := ir.NewFunction(0x1000)
	f.Emit(ir.OpConstant, 8, ir.ConstantPayload{Value: 1})
	if _, err := New().Compile(f); err == nil {
		t.Fatal("expected Compile to reject a Building function")
	}
}
