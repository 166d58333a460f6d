package segmgr

import (
	"context"

	"kvlog/pkg/epoch"
	"kvlog/pkg/segalloc"
	"kvlog/pkg/segment"
	"kvlog/pkg/types"
)

// fakeReplica is a ReplicaManager that never talks to the network: it hands
// back a fakeReplicated for every allocation and records what it was asked
// to do, so tests can assert on head-turnover ordering.
type fakeReplica struct {
	closed []types.SegmentID
	synced []types.SegmentID
}

type fakeReplicated struct {
	id types.SegmentID
	r  *fakeReplica
}

func (f *fakeReplicated) Close() error {
	f.r.closed = append(f.r.closed, f.id)
	return nil
}

func (f *fakeReplicated) Sync(uint32) error {
	f.r.synced = append(f.r.synced, f.id)
	return nil
}

func (r *fakeReplica) AllocateHead(_ context.Context, id types.SegmentID, _ *segment.Segment, _ segment.ReplicatedSegment) (segment.ReplicatedSegment, error) {
	return &fakeReplicated{id: id, r: r}, nil
}

func (r *fakeReplica) AllocateNonHead(_ context.Context, id types.SegmentID, _ *segment.Segment) (segment.ReplicatedSegment, error) {
	return &fakeReplicated{id: id, r: r}, nil
}

// newTestManager builds a Manager over a small in-memory allocator:
// numSegments segments' worth of seglets, 1 seglet per segment, disk
// expansion factor 1.0 so maxSegments == free segments at construction.
func newTestManager(numSegments uint32) (*Manager, *fakeReplica, error) {
	alloc, err := segalloc.New(numSegments, 256, 256)
	if err != nil {
		return nil, nil, err
	}
	replicas := &fakeReplica{}
	oracle := epoch.New()
	m, err := New(types.LogID(1), alloc, replicas, oracle, 1.0)
	if err != nil {
		return nil, nil, err
	}
	return m, replicas, nil
}
