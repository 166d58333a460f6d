// Package segmgr implements the segment manager: the component that owns
// every segment's lifecycle on one master. It allocates heads and
// survivor segments, drives the per-slot state machine, composes log
// digests, coordinates with an off-box replica manager, and reclaims
// segments once the cleaner and the RPC-epoch oracle agree it's safe.
package segmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"kvlog/pkg/metrics"
	"kvlog/pkg/segerrors"
	"kvlog/pkg/segment"
	"kvlog/pkg/segstate"
	"kvlog/pkg/types"
)

// SegletAllocator is the external seglet allocator the segment manager
// draws segment-sized buffers from. pkg/segalloc.Allocator is the
// implementation used in production.
type SegletAllocator interface {
	FreeSegmentCount() uint32
	SegmentSize() uint32
	SegletSize() uint32
	TotalBytes() uint64
	BaseAddress() uintptr
	NewSegment(id types.SegmentID, slot types.Slot, isEmergencyHead bool) (*segment.Segment, error)
}

// ReplicaManager is the external replica manager the segment manager
// coordinates segment allocation and turnover with. pkg/replica.Manager is
// the implementation used in production.
type ReplicaManager interface {
	AllocateHead(ctx context.Context, id types.SegmentID, seg *segment.Segment, prev segment.ReplicatedSegment) (segment.ReplicatedSegment, error)
	AllocateNonHead(ctx context.Context, id types.SegmentID, seg *segment.Segment) (segment.ReplicatedSegment, error)
}

// EpochOracle is the external RPC-epoch oracle the segment manager consults
// before reclaiming a cleaned segment. pkg/epoch.Oracle is the
// implementation used in production.
type EpochOracle interface {
	IncrementCurrentEpoch() uint64
	GetEarliestOutstandingEpoch() uint64
}

// MemoryRegistrar publishes the allocator's backing memory footprint so the
// replication layer can locate it. It is optional: a nil registrar simply
// skips registration.
type MemoryRegistrar interface {
	RegisterMemory(baseAddress uintptr, totalBytes uint64) error
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithNumEmergencyHeads overrides the default emergency-head reserve of 2.
// n must be >= 2.
func WithNumEmergencyHeads(n uint32) Option {
	return func(m *Manager) { m.numEmergencyHeads = n }
}

// WithMetrics wires a metrics.Collector; the default is a no-op collector.
func WithMetrics(c metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithLogger overrides the default slog.Logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithMemoryRegistrar wires a MemoryRegistrar to call at construction time.
func WithMemoryRegistrar(r MemoryRegistrar) Option {
	return func(m *Manager) { m.registrar = r }
}

// Manager owns every segment's lifecycle for one log. Every method except
// At, GetMaximumSegmentCount, GetSegletSize, and GetSegmentSize takes the
// manager-wide lock for its full duration.
type Manager struct {
	mu sync.Mutex

	logID    types.LogID
	alloc    SegletAllocator
	replicas ReplicaManager
	epochs   EpochOracle

	metrics   metrics.Collector
	log       *slog.Logger
	registrar MemoryRegistrar

	maxSegments uint32

	numEmergencyHeads          uint32
	numEmergencyHeadsAlloced   uint32
	numSurvivorSegments        uint32
	numSurvivorSegmentsAlloced uint32

	nextSegmentID types.SegmentID
	freeSlots     []types.Slot

	segments []*segment.Segment
	states   []segstate.State
	occupied []bool

	idToSlot map[types.SegmentID]types.Slot

	byState [segstate.NumStates]*segstate.List
	all     *segstate.List

	logIteratorCount int
}

// New constructs a segment manager for the given log, allocator, and
// replica manager. diskExpansionFactor must be >= 1.0, and the allocator
// must start with at least as many free segments as the emergency-head
// reserve (2 by default).
func New(logID types.LogID, alloc SegletAllocator, replicas ReplicaManager, epochs EpochOracle, diskExpansionFactor float64, opts ...Option) (*Manager, error) {
	m := &Manager{
		logID:             logID,
		alloc:             alloc,
		replicas:          replicas,
		epochs:            epochs,
		metrics:           noopCollector{},
		log:               slog.Default(),
		numEmergencyHeads: 2,
	}
	for _, opt := range opts {
		opt(m)
	}

	if diskExpansionFactor < 1.0 {
		return nil, fmt.Errorf("segmgr: %w: diskExpansionFactor %.2f < 1.0", segerrors.ErrConfigurationInvalid, diskExpansionFactor)
	}
	if m.numEmergencyHeads < 2 {
		return nil, fmt.Errorf("segmgr: %w: numEmergencyHeads %d < 2", segerrors.ErrConfigurationInvalid, m.numEmergencyHeads)
	}

	free := alloc.FreeSegmentCount()
	if free < m.numEmergencyHeads {
		return nil, fmt.Errorf("segmgr: %w: allocator has only %d free segments, need >= %d emergency heads",
			segerrors.ErrConfigurationInvalid, free, m.numEmergencyHeads)
	}

	m.maxSegments = uint32(float64(free) * diskExpansionFactor)
	if m.maxSegments < free {
		m.maxSegments = free
	}

	if m.registrar != nil {
		if err := m.registrar.RegisterMemory(alloc.BaseAddress(), alloc.TotalBytes()); err != nil {
			return nil, fmt.Errorf("segmgr: registering allocator memory: %w", err)
		}
	}

	m.segments = make([]*segment.Segment, m.maxSegments)
	m.states = make([]segstate.State, m.maxSegments)
	m.occupied = make([]bool, m.maxSegments)
	m.idToSlot = make(map[types.SegmentID]types.Slot, m.maxSegments)
	m.all = segstate.NewList(int(m.maxSegments))
	for i := range m.byState {
		m.byState[i] = segstate.NewList(int(m.maxSegments))
	}

	m.freeSlots = make([]types.Slot, m.maxSegments)
	for i := uint32(0); i < m.maxSegments; i++ {
		m.freeSlots[i] = types.Slot(i)
	}

	return m, nil
}

// At returns the segment in the given slot. It takes no lock: callers
// promise not to dereference a slot number the manager has already freed,
// and taking a lock here would not change that contract.
func (m *Manager) At(slot types.Slot) (*segment.Segment, error) {
	if uint32(slot) >= m.maxSegments || !m.occupied[slot] {
		return nil, fmt.Errorf("segmgr: slot %d: %w", slot, segerrors.ErrSlotInvalid)
	}
	return m.segments[slot], nil
}

// DoesIDExist reports whether a segment with the given id currently exists.
func (m *Manager) DoesIDExist(id types.SegmentID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.idToSlot[id]
	return ok
}

// GetAllocatedSegmentCount returns the number of segments currently live.
func (m *Manager) GetAllocatedSegmentCount() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(m.all.Len())
}

// GetFreeSegmentCount returns the allocator's free segment count.
func (m *Manager) GetFreeSegmentCount() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alloc.FreeSegmentCount()
}

// GetFreeSurvivorCount returns how many more times AllocSurvivor is
// guaranteed to succeed against the current reserve.
func (m *Manager) GetFreeSurvivorCount() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numSurvivorSegments - m.numSurvivorSegmentsAlloced
}

// GetMaximumSegmentCount returns the fixed ceiling on live segments.
func (m *Manager) GetMaximumSegmentCount() uint32 { return m.maxSegments }

// GetSegletSize returns the allocator's seglet size in bytes.
func (m *Manager) GetSegletSize() uint32 { return m.alloc.SegletSize() }

// GetSegmentSize returns the allocator's segment size in bytes.
func (m *Manager) GetSegmentSize() uint32 { return m.alloc.SegmentSize() }

// Close tears the manager down, freeing every still-occupied slot without
// running the normal state-transition checks that govern reclamation
// during ordinary operation. It is a one-shot teardown path, not a variant
// of the reclamation scan in freeUnreferencedSegments, and it does not
// consult the epoch oracle or the log-iterator count.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for slot := types.Slot(0); uint32(slot) < m.maxSegments; slot++ {
		if !m.occupied[slot] {
			continue
		}
		s := m.segments[slot]
		m.removeFromLists(slot)
		m.occupied[slot] = false
		m.segments[slot] = nil
		delete(m.idToSlot, s.ID())
		s.Release()
	}
	m.freeSlots = m.freeSlots[:0]
	for i := uint32(0); i < m.maxSegments; i++ {
		m.freeSlots = append(m.freeSlots, types.Slot(i))
	}
	m.numEmergencyHeadsAlloced = 0
	m.numSurvivorSegmentsAlloced = 0

	return nil
}

// getHeadSegment returns the current head, or nil if there isn't one. At
// most one segment is ever in Head; this panics if that invariant has
// somehow been violated.
func (m *Manager) getHeadSegment() *segment.Segment {
	list := m.byState[segstate.Head]
	if list.Len() == 0 {
		return nil
	}
	if list.Len() != 1 {
		panic(fmt.Sprintf("segmgr: invariant violated: %d segments in HEAD", list.Len()))
	}
	slot, _ := list.Front()
	return m.segments[slot]
}

type noopCollector struct{}

func (noopCollector) IncCounter(string, map[string]string, float64)       {}
func (noopCollector) SetGauge(string, map[string]string, float64)         {}
func (noopCollector) ObserveHistogram(string, map[string]string, float64) {}
