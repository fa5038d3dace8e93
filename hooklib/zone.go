package hooklib

import (
	"fmt"
	"math"
)

// Stub size estimates. They are upper bounds for the templates in stub.go; the
// real addresses come from the linker.
const (
	replaceStubSize = 8      // b.w, literal pool slack
	beforeStubExtra = 4 + 16 // push/bl/pop, ldr/bx and literal
	filterStubExtra = 32 + 16
	stubAlign       = 4
)

// EstimateSize returns the space reserved for the stub of a hook.
func EstimateSize(mode Mode, displace int) uint32 {
	var n uint32
	switch mode {
	case Replace:
		n = replaceStubSize
	case Before:
		n = uint32(displace) + beforeStubExtra
	default:
		n = uint32(displace) + filterStubExtra
	}
	return (n + stubAlign - 1) &^ (stubAlign - 1)
}

// Zone is a bump allocator over an inclusive flash address range.
type Zone struct {
	start, end uint32
	next       uint64
}

// NewZone creates a Zone covering start through end (inclusive).
func NewZone(start, end uint32) (*Zone, error) {
	if end < start {
		return nil, fmt.Errorf("invalid patch zone 0x%08X-0x%08X", start, end)
	}
	if start == 0 && end == math.MaxUint32 {
		return nil, fmt.Errorf("patch zone 0x%08X-0x%08X covers the whole address space", start, end)
	}
	if start%stubAlign != 0 {
		return nil, fmt.Errorf("patch zone start 0x%08X is not %d-byte aligned", start, stubAlign)
	}
	return &Zone{start, end, uint64(start)}, nil
}

// Start returns the first address of the zone.
func (z *Zone) Start() uint32 { return z.start }

// End returns the last address of the zone.
func (z *Zone) End() uint32 { return z.end }

// Size returns the capacity in bytes.
func (z *Zone) Size() uint32 { return z.end - z.start + 1 }

// Used returns the number of bytes allocated.
func (z *Zone) Used() uint32 { return uint32(z.next - uint64(z.start)) }

// Contains checks whether addr is inside the zone.
func (z *Zone) Contains(addr uint32) bool {
	return addr >= z.start && addr <= z.end
}

// Alloc reserves size bytes and returns their address. The zone is left
// unchanged if it does not have enough space.
func (z *Zone) Alloc(size uint32) (uint32, error) {
	next := z.next + uint64(size)
	if next > uint64(z.end)+1 {
		return 0, &ZoneExhaustedError{Need: next - uint64(z.start), Have: z.Size()}
	}
	addr := uint32(z.next)
	z.next = next
	return addr, nil
}
