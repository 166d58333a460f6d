package segmgr

import (
	"fmt"

	"kvlog/pkg/segment"
	"kvlog/pkg/segstate"
	"kvlog/pkg/types"
)

// CleanableSegments drains the NewlyCleanable list into Cleanable and
// returns every segment that just made that transition. The cleaner
// calls this once per cleaning pass to pick up work that became available
// since the last call; segments already Cleanable from a prior call that the
// cleaner didn't get to are not returned again.
func (m *Manager) CleanableSegments() []*segment.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*segment.Segment
	m.byState[segstate.NewlyCleanable].DrainInto(func(slot types.Slot) {
		m.states[slot] = segstate.Cleanable
		m.byState[segstate.Cleanable].PushBack(slot)
		out = append(out, m.segments[slot])
	})
	return out
}

// CleaningComplete marks a batch of segments as cleaned. Every
// segment in clean must currently be Cleanable. Each moves to
// FreeablePendingDigestAndReferences and is stamped with the epoch current
// at the moment of the call, so freeUnreferencedSegments knows when it's
// safe to reclaim.
//
// The survivor segments the cleaner allocated for this pass (CleaningInto)
// first drain into CleanablePendingDigest: they don't become part of the log
// until the next digest names them, but they stop belonging to the current
// pass the moment it completes. The seglets those survivors hold
// (segletsUsed) must never exceed the seglets clean's segments give back
// (segletsFreed), or cleaning made no progress.
func (m *Manager) CleaningComplete(clean []*segment.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var segletsUsed uint32
	m.byState[segstate.CleaningInto].DrainInto(func(slot types.Slot) {
		segletsUsed += m.segments[slot].SegletsAllocated()
		m.states[slot] = segstate.CleanablePendingDigest
		m.byState[segstate.CleanablePendingDigest].PushBack(slot)
	})

	// Record the epoch as of just before this increment: any RPC already in
	// flight could still reference these segments, but nothing started after
	// this point can.
	epoch := types.Epoch(m.epochs.IncrementCurrentEpoch() - 1)

	var segletsFreed uint32
	for _, s := range clean {
		segletsFreed += s.SegletsAllocated()
		s.SetCleanedEpoch(epoch)
		m.changeState(s, segstate.FreeablePendingDigestAndReferences)
	}

	if segletsUsed > segletsFreed {
		panic(fmt.Sprintf("segmgr: invariant violated: cleaning used %d seglets to free only %d", segletsUsed, segletsFreed))
	}
	m.log.Debug("cleaning complete", "segletsUsed", segletsUsed, "segletsFreed", segletsFreed)

	m.freeUnreferencedSegments()
	return nil
}

// IncreaseSurvivorReserve sets the survivor-segment reserve to n, the
// cleaner's usual way of sizing its working set before a pass. It
// only ever takes effect, and reports false otherwise, when n does not
// shrink the existing reserve and leaves the emergency-head reserve intact:
// n >= the current reserve, and n <= freeSegmentCount - numEmergencyHeads.
func (m *Manager) IncreaseSurvivorReserve(n uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.freeUnreferencedSegments()

	if n < m.numSurvivorSegments {
		return false
	}

	free := m.alloc.FreeSegmentCount()
	if free < m.numEmergencyHeads || n > free-m.numEmergencyHeads {
		return false
	}

	m.numSurvivorSegments = n
	return true
}
