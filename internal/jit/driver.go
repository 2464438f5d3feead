// Package jit drives per-block translation and execution (§4.5): on a
// code-cache miss it decodes one guest basic block, lowers it through
// the front end, runs the pass manager, compiles it with a backend,
// publishes the result to the thread's code cache, and invokes it --
// repeating against the resulting exit reason until the thread shuts
// down, breaks, or hits an error the driver cannot recover from.
//
// This generalizes the teacher's (tinyrange-rtg) top-level compile-then-
// run shape in tools/build.go -- parse, typecheck, codegen, link, then
// hand the artifact to a runner -- to a per-block, cache-checked loop:
// the unit of "compile" here is one guest basic block rather than a
// whole program, and the loop runs forever instead of once.
package jit

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dbtcore/x86dbt/internal/abi"
	"github.com/dbtcore/x86dbt/internal/backend"
	"github.com/dbtcore/x86dbt/internal/codecache"
	"github.com/dbtcore/x86dbt/internal/decoder"
	"github.com/dbtcore/x86dbt/internal/frontend"
	"github.com/dbtcore/x86dbt/internal/ir"
	"github.com/dbtcore/x86dbt/internal/passes"
	"github.com/dbtcore/x86dbt/internal/state"
)

// Driver owns everything one guest thread needs to translate and run
// code: a decoder bound to the guest's code view, a backend, and the
// pass pipeline run on every cache miss.
type Driver struct {
	Code     decoder.Reader
	Decoder  *decoder.Decoder
	Backend  backend.Backend
	Passes   *passes.Manager
	ABI      abi.OSABI
	Mem      backend.Memory
	Syscalls backend.SyscallHandler
	Log      *logrus.Entry
}

// New builds a Driver. code is the byte-stream view the decoder fetches
// guest instructions from; mem is the (possibly distinct) data view a
// compiled block's Load/Store ops address.
func New(mode decoder.Mode, osABI abi.OSABI, code decoder.Reader, be backend.Backend, mem backend.Memory, syscalls backend.SyscallHandler, log *logrus.Entry) *Driver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Driver{
		Code:     code,
		Decoder:  decoder.New(decoder.DefaultConfig(mode)),
		Backend:  be,
		Passes:   passes.NewManager(log),
		ABI:      osABI,
		Mem:      mem,
		Syscalls: syscalls,
		Log:      log,
	}
}

// Run drives thread until it hits a boundary the caller must handle:
// shutdown was requested, an unrecoverable translation/execution error
// occurred, or a Break (guest exception) fired. ExitNormal, ExitDebug
// and ExitAsyncEvent never escape this loop -- per §4.5's pseudocode
// they feed straight back into the next iteration.
func (d *Driver) Run(thread *state.ThreadState) (abi.ExitReason, abi.BreakReason, error) {
	cpu := &thread.CPU
	for {
		if thread.Events.ShouldStop.Load() {
			return abi.ExitShutdown, abi.BreakReason{}, nil
		}

		entry, ok := thread.Cache.Get(cpu.RIP)
		if !ok {
			translated, err := d.translate(thread.Log, cpu.RIP)
			if err != nil {
				return abi.ExitUnknownError, abi.BreakReason{}, err
			}
			thread.Cache.Insert(translated)
			entry = translated
		}

		compiled, ok := entry.Compiled.(backend.CompiledBlock)
		if !ok {
			return abi.ExitUnknownError, abi.BreakReason{},
				errors.Errorf("jit: cache entry at pc=%#x carries no compiled block", entry.EntryPC)
		}

		exit, reason, err := compiled.Invoke(cpu, d.Mem, d.Syscalls)
		if err != nil {
			return abi.ExitUnknownError, abi.BreakReason{}, errors.WithStack(err)
		}

		switch exit {
		case abi.ExitDebug, abi.ExitAsyncEvent:
			continue
		case abi.ExitNormal:
			d.maybeChain(thread.Cache, entry)
			continue
		default:
			return exit, reason, nil
		}
	}
}

// translate performs the decode -> lower -> optimize -> compile
// sequence for a single cache miss at pc (§4.5).
func (d *Driver) translate(log *logrus.Entry, pc uint64) (*codecache.Entry, error) {
	block, err := d.Decoder.DecodeBlock(pc, d.Code)
	if err != nil {
		return nil, errors.Wrapf(err, "jit: decode_block at pc=%#x", pc)
	}

	f := ir.NewFunction(pc)
	lowerer := frontend.New(f, d.ABI, log)
	for _, inst := range block.Instructions {
		if err := lowerer.Lower(inst); err != nil {
			return nil, errors.Wrapf(err, "jit: lower at pc=%#x", pc)
		}
	}

	// decode_block can end a block by hitting the per-block instruction
	// cap rather than decoding a genuine terminator (§4.2); no front-end
	// handler seals the current block in that case, so the driver closes
	// it itself with a fallthrough exit to the next unfetched guest PC.
	if cur := f.Current(); !f.IsSealed(cur) {
		next := pc
		for _, inst := range block.Instructions {
			next += uint64(inst.Length)
		}
		f.Terminate(cur, ir.OpExitFunction, ir.ConstantPayload{Value: next})
	}

	if err := f.Finalize(); err != nil {
		return nil, errors.Wrapf(err, "jit: finalize at pc=%#x", pc)
	}
	if err := f.Validate(); err != nil {
		return nil, errors.Wrapf(err, "jit: validate at pc=%#x", pc)
	}
	if err := d.Passes.Run(f); err != nil {
		return nil, errors.Wrapf(err, "jit: pass manager at pc=%#x", pc)
	}

	compiled, err := d.Backend.Compile(f)
	if err != nil {
		return nil, errors.Wrapf(err, "jit: compile at pc=%#x", pc)
	}

	entry := &codecache.Entry{
		EntryPC:     pc,
		Patchpoints: directExitTargets(f),
		Debug: codecache.DebugMetadata{
			GuestInstCount: uint32(len(block.Instructions)),
		},
		Compiled: compiled,
	}
	return entry, nil
}

// directExitTargets scans every sealed block's terminator for a
// statically-known ExitFunction target, recording each as a
// Patchpoint candidate for maybeChain. Offset is left at its zero
// value because this module's only backend (refbackend) never emits
// host code to splice a jump into -- a real native backend would
// return the host-code offset of its tail branch alongside the target
// it resolved to, which Compile does not currently surface (see
// DESIGN.md).
func directExitTargets(f *ir.Function) []codecache.Patchpoint {
	var pps []codecache.Patchpoint
	for _, b := range f.Blocks {
		if !f.IsSealed(b) {
			continue
		}
		last := f.Last(b)
		if last == ir.InvalidRef {
			continue
		}
		n := f.Node(last)
		if n.Tag != ir.OpExitFunction {
			continue
		}
		cp, ok := n.Payload.(ir.ConstantPayload)
		if !ok {
			continue
		}
		pps = append(pps, codecache.Patchpoint{TargetGuestPC: cp.Value})
	}
	return pps
}

// Chainer is implemented by a backend.CompiledBlock that can rewrite
// its own tail branch in place once the block it jumps to is known to
// be resident in the cache (§4.5 "Chaining"). refbackend does not
// implement it: as a tree-walking interpreter it has no host code to
// splice a jump into, so chaining there is a no-op and every exit
// re-enters Run's cache lookup.
type Chainer interface {
	Chain(offset int, target *codecache.Entry) error
}

// maybeChain inspects the block just executed for a statically-known
// successor that is now (or already was) resident in the cache, and
// gives the compiled block a chance to patch its tail branch directly
// to it instead of round-tripping through the dispatcher next time.
func (d *Driver) maybeChain(cache *codecache.Cache, entry *codecache.Entry) {
	chainer, ok := entry.Compiled.(Chainer)
	if !ok {
		return
	}
	for _, pp := range entry.Patchpoints {
		target, ok := cache.Get(pp.TargetGuestPC)
		if !ok {
			continue
		}
		if err := chainer.Chain(pp.Offset, target); err != nil {
			d.Log.WithError(err).WithField("target_pc", pp.TargetGuestPC).Debug("jit: chain failed")
		}
	}
}
