package segmgr

import (
	"fmt"

	"kvlog/pkg/digest"
	"kvlog/pkg/segerrors"
	"kvlog/pkg/segment"
	"kvlog/pkg/segstate"
	"kvlog/pkg/types"
)

// writeHeader appends the segment-header entry every segment gets as its
// first write. headSegmentIDDuringCleaning is types.InvalidSegmentID for
// anything but a survivor segment.
func (m *Manager) writeHeader(s *segment.Segment, headSegmentIDDuringCleaning types.SegmentID) error {
	h := digest.Header{
		LogID:                       m.logID,
		SegmentID:                   s.ID(),
		SegmentSize:                 m.alloc.SegmentSize(),
		HeadSegmentIDDuringCleaning: headSegmentIDDuringCleaning,
	}
	if !s.Append(types.EntryTypeSegHeader, h.Encode()) {
		return fmt.Errorf("segmgr: writing header for segment %d: %w", s.ID(), segerrors.ErrAppendInvariantViolated)
	}
	return nil
}

// writeDigest composes and appends a log digest to newHead. The
// digest always names CLEANABLE, NEWLY_CLEANABLE, the previous head (if
// includePrev is non-nil), and the new head itself. CLEANING_INTO (the
// cleaner's current-pass survivors) is never included.
//
// FREEABLE_PENDING_DIGEST_AND_REFERENCES is handled differently depending on
// whether a log iterator is active. With no iterator active, those segments
// are leaving the log this same call: they drain straight to
// FREEABLE_PENDING_REFERENCES without ever being named in the digest, since
// by the time any reader could see this digest they are no longer part of
// it. With an iterator active, the drain is suppressed — a log iterator
// still needs to see them — so they are named in the digest instead, and
// keep being named in every subsequent digest until iteration ends.
func (m *Manager) writeDigest(newHead *segment.Segment, includePrev *segment.Segment) error {
	// Only new survivor segments become part of the log if no iteration is
	// in progress.
	if m.logIteratorCount == 0 {
		m.byState[segstate.CleanablePendingDigest].DrainInto(func(slot types.Slot) {
			m.states[slot] = segstate.NewlyCleanable
			m.byState[segstate.NewlyCleanable].PushBack(slot)
		})
	}

	d := digest.New()
	m.byState[segstate.Cleanable].Each(func(slot types.Slot) bool {
		d.Add(m.segments[slot].ID())
		return true
	})
	m.byState[segstate.NewlyCleanable].Each(func(slot types.Slot) bool {
		d.Add(m.segments[slot].ID())
		return true
	})
	if includePrev != nil {
		d.Add(includePrev.ID())
	}
	d.Add(newHead.ID())

	if m.logIteratorCount == 0 {
		// No iterator needs these segments named: drain them straight to
		// FREEABLE_PENDING_REFERENCES without adding them to the digest.
		m.byState[segstate.FreeablePendingDigestAndReferences].DrainInto(func(slot types.Slot) {
			m.states[slot] = segstate.FreeablePendingReferences
			m.byState[segstate.FreeablePendingReferences].PushBack(slot)
		})
	} else {
		m.byState[segstate.FreeablePendingDigestAndReferences].Each(func(slot types.Slot) bool {
			d.Add(m.segments[slot].ID())
			return true
		})
	}

	if !newHead.Append(types.EntryTypeLogDigest, d.Encode()) {
		return fmt.Errorf("segmgr: writing digest to segment %d: %w", newHead.ID(), segerrors.ErrAppendInvariantViolated)
	}

	return nil
}
