package segmgr

import (
	"context"
	"fmt"

	"kvlog/pkg/segment"
	"kvlog/pkg/segstate"
	"kvlog/pkg/types"
)

// allocationType identifies which reserve (if any) an alloc() draw should
// be checked against.
type allocationType int

const (
	allocHead allocationType = iota
	allocEmergencyHead
	allocSurvivor
)

// AllocHead allocates a new segment that will serve as the head of the log,
// handling the transition between the previous and next head and writing
// the segment header and log digest. If mustNotFail is true, an emergency
// head is drawn rather than returning nil on exhaustion.
func (m *Manager) AllocHead(ctx context.Context, mustNotFail bool) (*segment.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.freeUnreferencedSegments()

	prevHead := m.getHeadSegment()
	newHead, err := m.allocateSegment(allocHead)
	if err != nil {
		return nil, err
	}
	if newHead == nil {
		if mustNotFail || m.byState[segstate.FreeablePendingDigestAndReferences].Len() > 0 {
			newHead, err = m.allocateSegment(allocEmergencyHead)
			if err != nil {
				return nil, err
			}
		} else {
			return nil, nil
		}
	}

	if err := m.writeHeader(newHead, types.InvalidSegmentID); err != nil {
		return nil, err
	}

	// The previous head is still named in the digest as long as it isn't
	// about to be reclaimed outright: an emergency head never outlives its
	// successor, so including it would point readers at a segment that's
	// gone the instant this call returns.
	var includePrev *segment.Segment
	if prevHead != nil && !prevHead.IsEmergencyHead() {
		includePrev = prevHead
	}
	if err := m.writeDigest(newHead, includePrev); err != nil {
		return nil, err
	}

	if newHead.IsEmergencyHead() {
		newHead.DisableAppends()
	}

	var prevReplicated segment.ReplicatedSegment
	if prevHead != nil {
		prevReplicated = prevHead.Replicated
	}

	replicated, err := m.replicas.AllocateHead(ctx, newHead.ID(), newHead, prevReplicated)
	if err != nil {
		return nil, fmt.Errorf("segmgr: replicating new head %d: %w", newHead.ID(), err)
	}
	newHead.Replicated = replicated

	// Close the old head only after the new one is durable. This ensures an
	// open segment always exists on backups barring coordinated failure.
	if prevHead != nil {
		if prevHead.Replicated != nil {
			if err := prevHead.Replicated.Close(); err != nil {
				return nil, fmt.Errorf("segmgr: closing previous head %d replica: %w", prevHead.ID(), err)
			}
			if err := prevHead.Replicated.Sync(prevHead.AppendedLength()); err != nil {
				return nil, fmt.Errorf("segmgr: syncing previous head %d replica: %w", prevHead.ID(), err)
			}
		}

		if prevHead.IsEmergencyHead() {
			m.free(prevHead)
		} else {
			m.changeState(prevHead, segstate.NewlyCleanable)
		}
	}

	m.log.Debug("allocated new head", "segmentID", newHead.ID(), "emergency", newHead.IsEmergencyHead())
	return newHead, nil
}

// AllocSurvivor allocates a new segment for the cleaner to write survivor
// data into. headSegmentIDDuringCleaning stamps the segment so recovery can
// order it relative to the pre-cleaning head.
func (m *Manager) AllocSurvivor(ctx context.Context, headSegmentIDDuringCleaning types.SegmentID) (*segment.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.allocateSegment(allocSurvivor)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}

	if err := m.writeHeader(s, headSegmentIDDuringCleaning); err != nil {
		return nil, err
	}

	replicated, err := m.replicas.AllocateNonHead(ctx, s.ID(), s)
	if err != nil {
		return nil, fmt.Errorf("segmgr: replicating survivor %d: %w", s.ID(), err)
	}
	s.Replicated = replicated

	return s, nil
}

// mayAlloc decides whether an allocation of the given type can currently be
// fulfilled. Must be called with mu held.
func (m *Manager) mayAlloc(t allocationType) bool {
	if m.numEmergencyHeadsAlloced > m.numEmergencyHeads {
		panic("segmgr: invariant violated: numEmergencyHeadsAlloced > numEmergencyHeads")
	}
	if m.numSurvivorSegmentsAlloced > m.numSurvivorSegments {
		panic("segmgr: invariant violated: numSurvivorSegmentsAlloced > numSurvivorSegments")
	}

	emergencyReserved := m.numEmergencyHeads - m.numEmergencyHeadsAlloced
	survivorReserved := m.numSurvivorSegments - m.numSurvivorSegmentsAlloced
	totalReserved := emergencyReserved + survivorReserved

	free := m.alloc.FreeSegmentCount()
	if free < totalReserved {
		panic("segmgr: invariant violated: freeSegmentCount < totalReserved")
	}

	switch t {
	case allocEmergencyHead:
		if emergencyReserved == 0 {
			panic("segmgr: invariant violated: emergency head requested with no emergency reserve left")
		}
		return true
	case allocSurvivor:
		return survivorReserved > 0
	default: // allocHead
		return free > totalReserved
	}
}

// allocateSegment draws a new segment of the given type, if admission allows it. It
// returns (nil, nil) — not an error — when admission declines.
func (m *Manager) allocateSegment(t allocationType) (*segment.Segment, error) {
	m.freeUnreferencedSegments()

	if !m.mayAlloc(t) {
		return nil, nil
	}

	if len(m.freeSlots) == 0 {
		panic("segmgr: invariant violated: mayAlloc approved a draw with no free slots")
	}

	id := m.nextSegmentID
	m.nextSegmentID++

	slot := m.freeSlots[len(m.freeSlots)-1]
	m.freeSlots = m.freeSlots[:len(m.freeSlots)-1]

	isEmergency := t == allocEmergencyHead
	s, err := m.alloc.NewSegment(id, slot, isEmergency)
	if err != nil {
		return nil, fmt.Errorf("segmgr: constructing segment %d: %w", id, err)
	}

	initialState := segstate.Head
	if t == allocSurvivor {
		initialState = segstate.CleaningInto
	}

	m.segments[slot] = s
	m.states[slot] = initialState
	m.occupied[slot] = true
	m.idToSlot[id] = slot
	m.addToLists(slot, initialState)

	switch t {
	case allocSurvivor:
		m.numSurvivorSegmentsAlloced++
	case allocEmergencyHead:
		m.numEmergencyHeadsAlloced++
	}

	m.metrics.IncCounter("segmgr_allocations_total", map[string]string{"type": allocTypeLabel(t)}, 1)
	m.refreshGauges()

	return s, nil
}

func allocTypeLabel(t allocationType) string {
	switch t {
	case allocHead:
		return "head"
	case allocEmergencyHead:
		return "emergency_head"
	case allocSurvivor:
		return "survivor"
	default:
		return "unknown"
	}
}

// free returns a segment's slot, releases its seglets, and removes it from
// every list. Must be called with mu held, and only once a segment has left
// the log for good (an emergency head, or FreeablePendingReferences).
func (m *Manager) free(s *segment.Segment) {
	slot := s.Slot()
	id := s.ID()
	isEmergencyHead := s.IsEmergencyHead()

	m.removeFromLists(slot)
	m.occupied[slot] = false
	m.segments[slot] = nil
	delete(m.idToSlot, id)
	m.freeSlots = append(m.freeSlots, slot)

	s.Release()

	// Updated after the segment/seglets are freed, to avoid racing the
	// mayAlloc assertion that total free segments >= total reserved.
	if isEmergencyHead {
		m.numEmergencyHeadsAlloced--
	} else if m.numSurvivorSegmentsAlloced > 0 {
		m.numSurvivorSegmentsAlloced--
	}

	m.metrics.IncCounter("segmgr_frees_total", nil, 1)
	m.refreshGauges()
}

// freeUnreferencedSegments frees every segment in FreeablePendingReferences
// whose cleanedEpoch is strictly less than the earliest epoch any
// outstanding RPC could still reference. That list only fills while no
// iterator is active, but a segment already on it is still held while one
// becomes active, so this also bails out whenever logIteratorCount > 0.
func (m *Manager) freeUnreferencedSegments() {
	if m.logIteratorCount > 0 {
		return
	}

	list := m.byState[segstate.FreeablePendingReferences]
	if list.Len() == 0 {
		return
	}

	earliest := types.Epoch(m.epochs.GetEarliestOutstandingEpoch())

	var toFree []*segment.Segment
	list.Each(func(slot types.Slot) bool {
		s := m.segments[slot]
		cleanedEpoch, ok := s.CleanedEpoch()
		if ok && cleanedEpoch < earliest {
			toFree = append(toFree, s)
		}
		return true
	})

	for _, s := range toFree {
		m.free(s)
	}
}

// addToLists adds slot to the all-segments list and the list for its
// current state. The state must already be recorded in m.states[slot].
func (m *Manager) addToLists(slot types.Slot, state segstate.State) {
	m.all.PushBack(slot)
	m.byState[state].PushBack(slot)
}

// removeFromLists removes slot from the all-segments list and its current
// per-state list.
func (m *Manager) removeFromLists(slot types.Slot) {
	state := m.states[slot]
	m.byState[state].Remove(slot)
	m.all.Remove(slot)
}

// changeState transitions a segment to a new state, moving it between the
// appropriate per-state lists in O(1).
func (m *Manager) changeState(s *segment.Segment, newState segstate.State) {
	slot := s.Slot()
	m.byState[m.states[slot]].Remove(slot)
	m.states[slot] = newState
	m.byState[newState].PushBack(slot)

	m.metrics.IncCounter("segmgr_transitions_total", map[string]string{"to": newState.String()}, 1)
}

func (m *Manager) refreshGauges() {
	m.metrics.SetGauge("segmgr_allocated_segments", nil, float64(m.all.Len()))
	m.metrics.SetGauge("segmgr_free_segments", nil, float64(m.alloc.FreeSegmentCount()))
}
