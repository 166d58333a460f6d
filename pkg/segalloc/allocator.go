// Package segalloc implements the Seglet Allocator consumed by the segment
// manager: a pool of fixed-size byte buffers ("seglets") that segments draw
// from on construction and return on release.
package segalloc

import (
	"fmt"
	"sync"
	"unsafe"

	"kvlog/pkg/segment"
	"kvlog/pkg/types"
)

// Allocator is a fixed-capacity pool of seglets. It is the reference
// implementation of the external Seglet Allocator the segment manager
// consumes; its internal layout is not part of the segment manager's
// contract.
type Allocator struct {
	mu sync.Mutex

	segletSize  uint32
	segmentSize uint32
	segletsPer  uint32

	free  [][]byte
	total uint64
	base  []byte
}

// New creates an Allocator with numSeglets seglets of segletSize bytes each.
// segmentSize must be a multiple of segletSize; it determines how many
// seglets one segment draws from the pool.
func New(numSeglets, segletSize, segmentSize uint32) (*Allocator, error) {
	if segletSize == 0 || segmentSize == 0 {
		return nil, fmt.Errorf("segalloc: seglet and segment size must be > 0")
	}
	if segmentSize%segletSize != 0 {
		return nil, fmt.Errorf("segalloc: segmentSize %d not a multiple of segletSize %d", segmentSize, segletSize)
	}

	backing := make([]byte, uint64(numSeglets)*uint64(segletSize))
	free := make([][]byte, 0, numSeglets)
	for i := uint32(0); i < numSeglets; i++ {
		start := uint64(i) * uint64(segletSize)
		free = append(free, backing[start:start+uint64(segletSize)])
	}

	return &Allocator{
		segletSize:  segletSize,
		segmentSize: segmentSize,
		segletsPer:  segmentSize / segletSize,
		free:        free,
		total:       uint64(len(backing)),
		base:        backing,
	}, nil
}

// FreeSegmentCount returns how many full segments' worth of seglets remain
// free, i.e. floor(len(free) / segletsPerSegment).
func (a *Allocator) FreeSegmentCount() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint32(len(a.free)) / a.segletsPer
}

// SegletSize returns the size in bytes of a single seglet.
func (a *Allocator) SegletSize() uint32 { return a.segletSize }

// SegmentSize returns the size in bytes of a full segment.
func (a *Allocator) SegmentSize() uint32 { return a.segmentSize }

// TotalBytes returns the total capacity of the pool in bytes.
func (a *Allocator) TotalBytes() uint64 { return a.total }

// BaseAddress returns a stable handle to the pool's backing storage, used by
// the registry package to publish the allocator's footprint.
func (a *Allocator) BaseAddress() uintptr {
	if len(a.base) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&a.base[0]))
}

// NewSegment draws the seglets a full segment needs and wraps them in a new
// segment.Segment. A segment ties up seglets on creation and releases them
// on destruction; the segment manager never touches seglets directly.
func (a *Allocator) NewSegment(id types.SegmentID, slot types.Slot, isEmergencyHead bool) (*segment.Segment, error) {
	seglets, ok := a.takeSeglets(a.segletsPer)
	if !ok {
		return nil, fmt.Errorf("segalloc: exhausted constructing segment %d", id)
	}

	return segment.New(seglets, a.segletSize, id, slot, isEmergencyHead, func() {
		a.releaseSeglets(seglets)
	}), nil
}

// takeSeglets draws n seglets from the free list. It returns ok=false if the
// pool is exhausted; callers that reach this after mayAlloc approved the
// allocation indicate an accounting bug.
func (a *Allocator) takeSeglets(n uint32) ([][]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if uint32(len(a.free)) < n {
		return nil, false
	}

	idx := uint32(len(a.free)) - n
	taken := a.free[idx:]
	out := make([][]byte, n)
	copy(out, taken)
	a.free = a.free[:idx]
	return out, true
}

// releaseSeglets returns seglets to the free list.
func (a *Allocator) releaseSeglets(seglets [][]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, seglets...)
}

// SegletsPerSegment returns how many seglets a full segment draws.
func (a *Allocator) SegletsPerSegment() uint32 { return a.segletsPer }
