// Package segment implements LogSegment: the fixed-size unit of the log
// that the segment manager allocates, replicates, and eventually reclaims.
package segment

import (
	"sync"

	"kvlog/pkg/types"
)

// ReplicatedSegment is the per-segment handle returned by the replica
// manager. The segment manager calls Close/Sync on the previous head's
// handle during head turnover.
type ReplicatedSegment interface {
	Close() error
	Sync(appendedLength uint32) error
}

// Segment is a single log segment: an id, a slot, an appendable buffer drawn
// from the seglet allocator, and a handle to its replicated twin. Segments
// are always constructed by a SegletAllocator (pkg/segalloc), never
// directly, since only the allocator knows how to carve seglets out of its
// pool and reclaim them later.
type Segment struct {
	mu sync.Mutex

	id              types.SegmentID
	slot            types.Slot
	isEmergencyHead bool

	cleanedEpoch    types.Epoch
	cleanedEpochSet bool

	seglets    [][]byte
	segletSize uint32
	capacity   uint32
	release    func()

	appended        uint32
	appendsDisabled bool

	// Replicated is the segment's replicated twin, set by the segment
	// manager once the replica manager has allocated it.
	Replicated ReplicatedSegment
}

// New wraps seglets already drawn from an allocator into a Segment. release
// is called once, by Release, to return the seglets to their allocator.
func New(seglets [][]byte, segletSize uint32, id types.SegmentID, slot types.Slot, isEmergencyHead bool, release func()) *Segment {
	return &Segment{
		id:              id,
		slot:            slot,
		isEmergencyHead: isEmergencyHead,
		seglets:         seglets,
		segletSize:      segletSize,
		capacity:        uint32(len(seglets)) * segletSize,
		release:         release,
	}
}

// Release returns the segment's seglets to the allocator. The segment
// manager calls it from free() and from Close, once a segment has left
// every state list.
func (s *Segment) Release() {
	if s.release != nil {
		s.release()
	}
	s.seglets = nil
}

func (s *Segment) ID() types.SegmentID   { return s.id }
func (s *Segment) Slot() types.Slot      { return s.slot }
func (s *Segment) IsEmergencyHead() bool { return s.isEmergencyHead }

// CleanedEpoch returns the epoch recorded when this segment was marked
// freeable, and whether one has been recorded at all.
func (s *Segment) CleanedEpoch() (types.Epoch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanedEpoch, s.cleanedEpochSet
}

// SetCleanedEpoch is called by cleaningComplete when a segment is marked
// FREEABLE_PENDING_DIGEST_AND_REFERENCES.
func (s *Segment) SetCleanedEpoch(e types.Epoch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanedEpoch = e
	s.cleanedEpochSet = true
}

// DisableAppends makes the segment immutable. Used for emergency heads as
// soon as their header and log digest have been written.
func (s *Segment) DisableAppends() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendsDisabled = true
}

// AppendedLength returns the number of bytes appended so far.
func (s *Segment) AppendedLength() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appended
}

// RawBytes returns a copy of the appended byte range, suitable for
// DecodeEntries. It exists for inspection, not the append-time hot path.
func (s *Segment) RawBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, s.appended)
	s.readAt(0, out)
	return out
}

// readAt copies data out of the segment's seglets starting at byte offset
// off, the read-side mirror of writeAt.
func (s *Segment) readAt(off uint32, dst []byte) {
	for len(dst) > 0 {
		segletIdx := off / s.segletSize
		within := off % s.segletSize
		n := s.segletSize - within
		if n > uint32(len(dst)) {
			n = uint32(len(dst))
		}
		copy(dst[:n], s.seglets[segletIdx][within:within+n])
		dst = dst[n:]
		off += n
	}
}

// SegletsAllocated returns how many seglets this segment holds.
func (s *Segment) SegletsAllocated() uint32 {
	return uint32(len(s.seglets))
}

// Append writes one wire-encoded entry (type + length-prefixed payload) to
// the segment's buffer. It returns false if the segment is out of capacity
// or appends have been disabled; it never partially writes an entry.
func (s *Segment) Append(entryType types.EntryType, payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.appendsDisabled {
		return false
	}

	encoded := encodeEntry(entryType, payload)
	if s.appended+uint32(len(encoded)) > s.capacity {
		return false
	}

	s.writeAt(s.appended, encoded)
	s.appended += uint32(len(encoded))
	return true
}

// writeAt copies data into the segment's seglets starting at byte offset
// off, which may span a seglet boundary.
func (s *Segment) writeAt(off uint32, data []byte) {
	for len(data) > 0 {
		segletIdx := off / s.segletSize
		within := off % s.segletSize
		n := s.segletSize - within
		if n > uint32(len(data)) {
			n = uint32(len(data))
		}
		copy(s.seglets[segletIdx][within:within+n], data[:n])
		data = data[n:]
		off += n
	}
}
