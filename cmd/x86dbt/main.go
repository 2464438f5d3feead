// Command x86dbt loads a flat x86 code image and runs it under the
// decode -> lower -> optimize -> compile -> cache -> invoke pipeline
// (§4.5), printing the guest's final register file on exit. It exists
// to give the pipeline an end-to-end entry point outside of package
// tests, in the spirit of the teacher's tools/build.go: a small,
// flag-driven front door over the packages that do the real work.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dbtcore/x86dbt/internal/abi"
	"github.com/dbtcore/x86dbt/internal/backend/refbackend"
	"github.com/dbtcore/x86dbt/internal/decoder"
	"github.com/dbtcore/x86dbt/internal/jit"
	"github.com/dbtcore/x86dbt/internal/state"
)

func main() {
	var (
		imagePath = flag.String("image", "", "path to a flat binary containing guest code (required)")
		base      = flag.Uint64("base", 0x400000, "guest address the image is loaded at")
		entry     = flag.Uint64("entry", 0x400000, "guest address to start execution at")
		memSize   = flag.Uint64("memsize", 16<<20, "size in bytes of the flat guest address space")
		mode32    = flag.Bool("m32", false, "decode in 32-bit mode instead of the default 64-bit mode")
		verbose   = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	entryLog := logrus.NewEntry(log)

	if *imagePath == "" {
		fmt.Fprintln(os.Stderr, "x86dbt: -image is required")
		flag.Usage()
		os.Exit(2)
	}

	image, err := os.ReadFile(*imagePath)
	if err != nil {
		entryLog.WithError(err).Fatal("reading image")
	}

	mode := decoder.Mode64
	if *mode32 {
		mode = decoder.Mode32
	}

	mem := newFlatMemory(*memSize)
	if err := mem.loadImage(*base, image); err != nil {
		entryLog.WithError(err).Fatal("loading image into guest memory")
	}
	code := decoder.SliceReader{Base: *base, Data: image}

	driver := jit.New(mode, abi.Linux64, code, refbackend.New(), mem, &hostSyscalls{log: entryLog, mem: mem}, entryLog)

	thread := state.New(0, log)
	thread.CPU.RIP = *entry
	// A flat image has no OS-provided stack; park the guest stack pointer
	// at the top of the mapped region so CALL/RET/PUSH have somewhere to
	// write that this process also owns.
	thread.CPU.GPR[4] = *memSize - 4096

	exit, reason, err := driver.Run(thread)
	if err != nil {
		entryLog.WithError(err).Fatal("jit driver")
	}

	entryLog.WithFields(logrus.Fields{
		"exit":   exit.String(),
		"signal": reason.Signal.String(),
		"rip":    fmt.Sprintf("%#x", thread.CPU.RIP),
	}).Info("guest halted")

	fmt.Printf("RAX=%#016x RBX=%#016x RCX=%#016x RDX=%#016x\n",
		thread.CPU.GPR[0], thread.CPU.GPR[3], thread.CPU.GPR[1], thread.CPU.GPR[2])

	if exit == abi.ExitBreak {
		os.Exit(1)
	}
}

// flatMemory is a simple byte-slice-backed backend.Memory: the guest
// address space is one contiguous host allocation starting at address
// zero. It is the cmd/x86dbt front door's own guest-memory accessor,
// not part of any internal package, per backend.Memory's doc comment
// that mapping guest memory is external to this module.
type flatMemory struct {
	data []byte
}

func newFlatMemory(size uint64) *flatMemory {
	return &flatMemory{data: make([]byte, size)}
}

func (m *flatMemory) loadImage(addr uint64, src []byte) error {
	if addr+uint64(len(src)) > uint64(len(m.data)) {
		return fmt.Errorf("flatMemory: image does not fit at base %#x", addr)
	}
	copy(m.data[addr:], src)
	return nil
}

func (m *flatMemory) bounds(addr uint64, size uint8) error {
	if addr+uint64(size) > uint64(len(m.data)) {
		return fmt.Errorf("flatMemory: access out of range at %#x (size %d)", addr, size)
	}
	return nil
}

func (m *flatMemory) Load(addr uint64, size uint8) (uint64, error) {
	if err := m.bounds(addr, size); err != nil {
		return 0, err
	}
	var buf [8]byte
	copy(buf[:], m.data[addr:addr+uint64(size)])
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (m *flatMemory) Store(addr uint64, size uint8, value uint64) error {
	if err := m.bounds(addr, size); err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	copy(m.data[addr:addr+uint64(size)], buf[:size])
	return nil
}

func (m *flatMemory) Copy(dst, src uint64, n uint64) error {
	if err := m.bounds(dst, 0); err != nil {
		return err
	}
	if err := m.bounds(src, 0); err != nil {
		return err
	}
	copy(m.data[dst:dst+n], m.data[src:src+n])
	return nil
}

func (m *flatMemory) Fill(dst uint64, value uint64, elemSize uint8, n uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	for i := uint64(0); i < n; i++ {
		off := dst + i*uint64(elemSize)
		if err := m.bounds(off, elemSize); err != nil {
			return err
		}
		copy(m.data[off:off+uint64(elemSize)], buf[:elemSize])
	}
	return nil
}

// hostSyscalls implements the minimal Linux64 surface needed to let a
// translated guest program terminate cleanly: exit/exit_group stop the
// process, write goes to the matching host fd, everything else returns
// -ENOSYS in RAX the way a real syscall dispatcher would for an
// unimplemented call number.
type hostSyscalls struct {
	log *logrus.Entry
	mem *flatMemory
}

func (h *hostSyscalls) HandleSyscall(cpu *state.CPUState, osABI abi.OSABI) error {
	nr := cpu.GPR[0]
	args := osABI.ArgRegs()
	arg := func(i int) uint64 {
		if args[i] < 0 {
			return 0
		}
		return cpu.GPR[args[i]]
	}

	switch nr {
	case unix.SYS_EXIT, unix.SYS_EXIT_GROUP:
		h.log.WithField("status", arg(0)).Info("guest exit syscall")
		os.Exit(int(arg(0)))
		return nil
	case unix.SYS_WRITE:
		fd, addr, count := arg(0), arg(1), arg(2)
		var out *os.File
		switch fd {
		case 1:
			out = os.Stdout
		case 2:
			out = os.Stderr
		default:
			cpu.GPR[0] = uint64(-unix.EBADF)
			return nil
		}
		if addr+count > uint64(len(h.mem.data)) {
			cpu.GPR[0] = uint64(-unix.EFAULT)
			return nil
		}
		n, _ := out.Write(h.mem.data[addr : addr+count])
		cpu.GPR[0] = uint64(n)
		return nil
	default:
		h.log.WithField("nr", nr).Debug("unimplemented syscall")
		cpu.GPR[0] = uint64(-unix.ENOSYS)
		return nil
	}
}
