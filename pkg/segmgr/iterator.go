package segmgr

import (
	"fmt"

	"kvlog/pkg/segerrors"
	"kvlog/pkg/segment"
	"kvlog/pkg/segstate"
	"kvlog/pkg/types"
)

// LogIteratorCreated registers that a log iterator (recovery, or a scan for
// tablet migration) is now active. While any iterator is active, segments
// that finish cleaning are held in FreeablePendingDigestAndReferences /
// FreeablePendingReferences rather than reclaimed, so the iterator sees a
// consistent view.
func (m *Manager) LogIteratorCreated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logIteratorCount++
}

// LogIteratorDestroyed unregisters one active iterator. Once the count
// drops to zero, segments freed while iterators were active become eligible
// for reclamation again.
func (m *Manager) LogIteratorDestroyed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logIteratorCount == 0 {
		panic("segmgr: LogIteratorDestroyed called with no active iterator")
	}
	m.logIteratorCount--
	if m.logIteratorCount == 0 {
		m.freeUnreferencedSegments()
	}
}

// GetActiveSegments returns every segment in NewlyCleanable, Cleanable,
// FreeablePendingDigestAndReferences, or the current Head (the states that
// still count as "in the log" from a reader's perspective) whose id is >=
// minSegmentID, in ascending id order. It is only valid while at least one
// log iterator is active, since that's the only time this set is guaranteed
// stable across the call.
func (m *Manager) GetActiveSegments(minSegmentID types.SegmentID) ([]*segment.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.logIteratorCount == 0 {
		return nil, fmt.Errorf("segmgr: %w: GetActiveSegments called with no active log iterator", segerrors.ErrIterationInvariantViolated)
	}

	var out []*segment.Segment
	collect := func(slot types.Slot) bool {
		s := m.segments[slot]
		if s.ID() >= minSegmentID {
			out = append(out, s)
		}
		return true
	}
	m.byState[segstate.NewlyCleanable].Each(collect)
	m.byState[segstate.Cleanable].Each(collect)
	m.byState[segstate.FreeablePendingDigestAndReferences].Each(collect)
	m.byState[segstate.Head].Each(collect)

	sortSegmentsByID(out)
	return out, nil
}

func sortSegmentsByID(segs []*segment.Segment) {
	for i := 1; i < len(segs); i++ {
		for j := i; j > 0 && segs[j-1].ID() > segs[j].ID(); j-- {
			segs[j-1], segs[j] = segs[j], segs[j-1]
		}
	}
}
