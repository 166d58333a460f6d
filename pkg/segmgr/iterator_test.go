package segmgr

import (
	"context"
	"errors"
	"testing"

	"kvlog/pkg/segerrors"
	"kvlog/pkg/types"
)

func TestGetActiveSegmentsRequiresActiveIterator(t *testing.T) {
	m, _, err := newTestManager(4)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetActiveSegments(types.SegmentID(0)); !errors.Is(err, segerrors.ErrIterationInvariantViolated) {
		t.Fatalf("err = %v, want ErrIterationInvariantViolated", err)
	}
}

func TestGetActiveSegmentsFiltersByMinID(t *testing.T) {
	m, _, err := newTestManager(4)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := m.AllocHead(ctx, false); err != nil {
		t.Fatal(err)
	}
	second, err := m.AllocHead(ctx, false)
	if err != nil {
		t.Fatal(err)
	}

	m.LogIteratorCreated()
	defer m.LogIteratorDestroyed()

	active, err := m.GetActiveSegments(second.ID())
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID() != second.ID() {
		t.Fatalf("GetActiveSegments(%d) = %v, want [%d]", second.ID(), ids(active), second.ID())
	}
}

func TestLogIteratorDestroyedPanicsWithoutActiveIterator(t *testing.T) {
	m, _, err := newTestManager(4)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected LogIteratorDestroyed to panic with no active iterator")
		}
	}()
	m.LogIteratorDestroyed()
}
