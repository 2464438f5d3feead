package frontend

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dbtcore/x86dbt/internal/abi"
	"github.com/dbtcore/x86dbt/internal/backend"
	"github.com/dbtcore/x86dbt/internal/backend/refbackend"
	"github.com/dbtcore/x86dbt/internal/decoder"
	"github.com/dbtcore/x86dbt/internal/ir"
	"github.com/dbtcore/x86dbt/internal/passes"
	"github.com/dbtcore/x86dbt/internal/state"
)

const e2eEntryPC = 0x400000

// byteMemory is a minimal backend.Memory over a sparse byte map, enough
// to exercise the six end-to-end scenarios' single memory access
// (scenario 5's LOCK XADD) without a real guest address space.
type byteMemory struct {
	bytes map[uint64]byte
}

func newByteMemory() *byteMemory { return &byteMemory{bytes: map[uint64]byte{}} }

func (m *byteMemory) Load(addr uint64, size uint8) (uint64, error) {
	var v uint64
	for i := uint8(0); i < size; i++ {
		v |= uint64(m.bytes[addr+uint64(i)]) << (8 * i)
	}
	return v, nil
}

func (m *byteMemory) Store(addr uint64, size uint8, value uint64) error {
	for i := uint8(0); i < size; i++ {
		m.bytes[addr+uint64(i)] = byte(value >> (8 * i))
	}
	return nil
}

func (m *byteMemory) Copy(dst, src uint64, n uint64) error {
	for i := uint64(0); i < n; i++ {
		m.bytes[dst+i] = m.bytes[src+i]
	}
	return nil
}

func (m *byteMemory) Fill(dst uint64, value uint64, elemSize uint8, n uint64) error {
	for i := uint64(0); i < n; i++ {
		if err := m.Store(dst+i*uint64(elemSize), elemSize, value); err != nil {
			return err
		}
	}
	return nil
}

type noSyscalls struct{}

func (noSyscalls) HandleSyscall(cpu *state.CPUState, osABI abi.OSABI) error { return nil }

// translateAndRun performs the same decode -> lower -> optimize ->
// compile -> invoke sequence internal/jit's driver performs on a code
// cache miss (§4.5), against a single decoded block starting at
// e2eEntryPC. internal/jit imports this package, not the other way
// around, so this is this package's own minimal copy of that sequence
// rather than a call into the driver.
func translateAndRun(t *testing.T, code []byte, setup func(cpu *state.CPUState), mem backend.Memory) (*state.CPUState, abi.ExitReason, abi.BreakReason) {
	t.Helper()
	d := decoder.New(decoder.DefaultConfig(decoder.Mode64))
	block, err := d.DecodeBlock(e2eEntryPC, decoder.SliceReader{Base: e2eEntryPC, Data: code})
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}

	f := ir.NewFunction(e2eEntryPC)
	l := New(f, abi.Linux64, nil)
	for _, inst := range block.Instructions {
		if err := l.Lower(inst); err != nil {
			t.Fatalf("Lower: %v", err)
		}
	}
	if cur := f.Current(); !f.IsSealed(cur) {
		next := e2eEntryPC
		for _, inst := range block.Instructions {
			next += uint64(inst.Length)
		}
		f.Terminate(cur, ir.OpExitFunction, ir.ConstantPayload{Value: next})
	}
	if err := f.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := passes.NewManager(nil).Run(f); err != nil {
		t.Fatalf("pass manager: %v", err)
	}

	compiled, err := refbackend.New().Compile(f)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	var cpu state.CPUState
	cpu.RIP = e2eEntryPC
	if setup != nil {
		setup(&cpu)
	}
	if mem == nil {
		mem = newByteMemory()
	}

	exit, reason, err := compiled.Invoke(&cpu, mem, noSyscalls{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	return &cpu, exit, reason
}

// TestEndToEndAddSetsFlags is §8 scenario 1: 48 01 C3 (ADD RBX, RAX)
// with RAX=1, RBX=2, FLAGS=2 (only the reserved always-one bit, so every
// flag byte starts clear) must
// produce RBX=3 and, once something forces materialization, ZF=0 CF=0
// OF=0 SF=0 PF=1 AF=0. ADD's flags are deferred at lowering time (§4.3),
// so a trailing JZ +0 (74 00) is appended: evalCondition unconditionally
// emits CalculateDeferredFlags before testing ZF, which is what forces
// the real materialization this test observes.
func TestEndToEndAddSetsFlags(t *testing.T) {
	code := []byte{0x48, 0x01, 0xC3, 0x74, 0x00}
	cpu, exit, _ := translateAndRun(t, code, func(cpu *state.CPUState) {
		cpu.GPR[0] = 1 // RAX
		cpu.GPR[3] = 2 // RBX
	}, nil)

	if exit != abi.ExitNormal {
		t.Fatalf("exit = %v, want Normal", exit)
	}
	if cpu.GPR[3] != 3 {
		t.Fatalf("RBX = %d, want 3", cpu.GPR[3])
	}
	want := map[state.Flag]uint8{
		state.FlagZF: 0, state.FlagCF: 0, state.FlagOF: 0,
		state.FlagSF: 0, state.FlagPF: 1, state.FlagAF: 0,
	}
	for flag, w := range want {
		if got := cpu.Flags[flag]; got != w {
			t.Errorf("flag %d = %d, want %d", flag, got, w)
		}
	}
}

// TestEndToEndMulOverflowSetsCFOF is §8 scenario 2: F7 E1 (MUL ECX) with
// EAX=0x80000000, ECX=2 must produce EAX=0, EDX=1, CF=1, OF=1 (high half
// nonzero). A trailing JMP +0 (EB 00) closes the block cleanly, since
// MUL alone isn't a control-flow terminator, and materializes MUL's
// deferred flags before the block exits.
func TestEndToEndMulOverflowSetsCFOF(t *testing.T) {
	code := []byte{0xF7, 0xE1, 0xEB, 0x00}
	cpu, exit, _ := translateAndRun(t, code, func(cpu *state.CPUState) {
		cpu.GPR[0] = 0x80000000 // EAX
		cpu.GPR[1] = 2          // ECX
	}, nil)

	if exit != abi.ExitNormal {
		t.Fatalf("exit = %v, want Normal", exit)
	}
	if got := cpu.GPR[0] & 0xFFFFFFFF; got != 0 {
		t.Fatalf("EAX = %#x, want 0", got)
	}
	if got := cpu.GPR[2] & 0xFFFFFFFF; got != 1 {
		t.Fatalf("EDX = %#x, want 1", got)
	}
	if cpu.Flags[state.FlagCF] != 1 {
		t.Fatalf("CF = %d, want 1", cpu.Flags[state.FlagCF])
	}
	if cpu.Flags[state.FlagOF] != 1 {
		t.Fatalf("OF = %d, want 1", cpu.Flags[state.FlagOF])
	}
}

// TestEndToEndShiftByZeroLeavesFlagsUnchanged is §8 scenario 3 and the
// shift-by-zero quantified invariant: D3 E0 (SHL EAX, CL) with
// EAX=0xF0000001, ECX=0 must leave EAX and every FLAGS bit exactly as
// they were -- x86 architecturally treats a masked shift count of zero
// as a no-op, which is why DeferredFlagPayload.SkipIfZero exists.
func TestEndToEndShiftByZeroLeavesFlagsUnchanged(t *testing.T) {
	code := []byte{0xD3, 0xE0, 0xEB, 0x00}
	preFlags := [state.NumFlags]uint8{}
	preFlags[state.FlagZF] = 1
	preFlags[state.FlagCF] = 1

	cpu, exit, _ := translateAndRun(t, code, func(cpu *state.CPUState) {
		cpu.GPR[0] = 0xF0000001 // EAX
		cpu.GPR[1] = 0          // ECX / CL = 0
		cpu.Flags = preFlags
	}, nil)

	if exit != abi.ExitNormal {
		t.Fatalf("exit = %v, want Normal", exit)
	}
	if got := cpu.GPR[0] & 0xFFFFFFFF; got != 0xF0000001 {
		t.Fatalf("EAX = %#x, want 0xf0000001", got)
	}
	if diff := cmp.Diff(preFlags, cpu.Flags); diff != "" {
		t.Fatalf("FLAGS changed on a shift-by-zero (-want +got):\n%s", diff)
	}
}

// TestEndToEndSHLDExtractsHighBits is §8 scenario 4: 0F A4 D8 08 (SHLD
// EAX, EBX, 8) with EAX=0, EBX=0xAABBCCDD must produce EAX=0x000000AA
// (the top 8 bits of EBX shifted into EAX's low byte).
func TestEndToEndSHLDExtractsHighBits(t *testing.T) {
	code := []byte{0x0F, 0xA4, 0xD8, 0x08, 0xEB, 0x00}
	cpu, exit, _ := translateAndRun(t, code, func(cpu *state.CPUState) {
		cpu.GPR[0] = 0          // EAX
		cpu.GPR[3] = 0xAABBCCDD // EBX
	}, nil)

	if exit != abi.ExitNormal {
		t.Fatalf("exit = %v, want Normal", exit)
	}
	if got := cpu.GPR[0] & 0xFFFFFFFF; got != 0x000000AA {
		t.Fatalf("EAX = %#x, want 0xaa", got)
	}
}

// TestEndToEndLockXaddIsAtomicRoundTrip is §8 scenario 5: F0 48 0F C1 03
// (LOCK XADD [RBX], RAX) with [RBX]=10, RAX=5 must produce [RBX]=15,
// RAX=10 (the pre-add value XADD always returns to the source operand).
func TestEndToEndLockXaddIsAtomicRoundTrip(t *testing.T) {
	code := []byte{0xF0, 0x48, 0x0F, 0xC1, 0x03, 0xEB, 0x00}
	mem := newByteMemory()
	const addr = 0x500000
	if err := mem.Store(addr, 8, 10); err != nil {
		t.Fatal(err)
	}

	cpu, exit, _ := translateAndRun(t, code, func(cpu *state.CPUState) {
		cpu.GPR[3] = addr // RBX
		cpu.GPR[0] = 5    // RAX
	}, mem)

	if exit != abi.ExitNormal {
		t.Fatalf("exit = %v, want Normal", exit)
	}
	got, err := mem.Load(addr, 8)
	if err != nil {
		t.Fatal(err)
	}
	if got != 15 {
		t.Fatalf("[RBX] = %d, want 15", got)
	}
	if cpu.GPR[0] != 10 {
		t.Fatalf("RAX = %d, want 10", cpu.GPR[0])
	}
}

// TestEndToEndMovThenRetReturnsToCaller is §8 scenario 6: B8 2A 00 00 00
// C3 (MOV EAX, 42; RET) must set EAX=42 and return control to whatever
// address RET pops, with guest RSP incremented by 8.
func TestEndToEndMovThenRetReturnsToCaller(t *testing.T) {
	code := []byte{0xB8, 0x2A, 0x00, 0x00, 0x00, 0xC3}
	mem := newByteMemory()
	const initialRSP = 0x7FFFFFFF0000
	const returnAddr = 0x401000
	if err := mem.Store(initialRSP, 8, returnAddr); err != nil {
		t.Fatal(err)
	}

	cpu, exit, _ := translateAndRun(t, code, func(cpu *state.CPUState) {
		cpu.GPR[4] = initialRSP // RSP
	}, mem)

	if exit != abi.ExitNormal {
		t.Fatalf("exit = %v, want Normal", exit)
	}
	if cpu.GPR[0]&0xFFFFFFFF != 42 {
		t.Fatalf("EAX = %d, want 42", cpu.GPR[0]&0xFFFFFFFF)
	}
	if cpu.RIP != returnAddr {
		t.Fatalf("RIP = %#x, want %#x", cpu.RIP, returnAddr)
	}
	if cpu.GPR[4] != initialRSP+8 {
		t.Fatalf("RSP = %#x, want %#x", cpu.GPR[4], initialRSP+8)
	}
}
