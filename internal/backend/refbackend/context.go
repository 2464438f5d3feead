// Package refbackend implements internal/backend.Backend as a portable
// tree-walking interpreter over the optimized IR rather than a host
// native code generator. It exists for development and testing: every
// testable property in SPEC_FULL.md that needs to observe a block's
// actual effect on CPUState runs against this backend, not against
// generated machine code (emitting and relocating real amd64
// instructions is explicitly out of scope, see SPEC_FULL.md's
// non-goals on host codegen).
//
// The interpreter reads and writes CPUState through the same raw byte
// offsets internal/frontend/operands.go computes via unsafe.Offsetof,
// so a ContextPayload{Offset, Size} produced by the front end means the
// same thing here as it does there: no separate "register enum" layer
// to keep in sync.
package refbackend

import (
	"unsafe"

	"github.com/dbtcore/x86dbt/internal/state"
)

func readContext(cpu *state.CPUState, offset int, size uint8) uint64 {
	ptr := unsafe.Add(unsafe.Pointer(cpu), offset)
	switch size {
	case 1:
		return uint64(*(*uint8)(ptr))
	case 2:
		return uint64(*(*uint16)(ptr))
	case 4:
		return uint64(*(*uint32)(ptr))
	default:
		return *(*uint64)(ptr)
	}
}

func writeContext(cpu *state.CPUState, offset int, size uint8, value uint64) {
	ptr := unsafe.Add(unsafe.Pointer(cpu), offset)
	switch size {
	case 1:
		*(*uint8)(ptr) = uint8(value)
	case 2:
		*(*uint16)(ptr) = uint16(value)
	case 4:
		*(*uint32)(ptr) = uint32(value)
	default:
		*(*uint64)(ptr) = value
	}
}
