package segmgr

import (
	"context"
	"errors"
	"testing"

	"kvlog/pkg/epoch"
	"kvlog/pkg/segalloc"
	"kvlog/pkg/segerrors"
	"kvlog/pkg/types"
)

func TestNewRejectsBadDiskExpansionFactor(t *testing.T) {
	alloc, err := segalloc.New(8, 256, 256)
	if err != nil {
		t.Fatal(err)
	}
	_, err = New(types.LogID(1), alloc, &fakeReplica{}, epoch.New(), 0.5)
	if !errors.Is(err, segerrors.ErrConfigurationInvalid) {
		t.Fatalf("err = %v, want ErrConfigurationInvalid", err)
	}
}

func TestNewRejectsTooFewFreeSegments(t *testing.T) {
	alloc, err := segalloc.New(1, 256, 256)
	if err != nil {
		t.Fatal(err)
	}
	_, err = New(types.LogID(1), alloc, &fakeReplica{}, epoch.New(), 1.0)
	if !errors.Is(err, segerrors.ErrConfigurationInvalid) {
		t.Fatalf("err = %v, want ErrConfigurationInvalid", err)
	}
}

func TestNewComputesMaxSegments(t *testing.T) {
	m, _, err := newTestManager(8)
	if err != nil {
		t.Fatal(err)
	}
	if got := m.GetMaximumSegmentCount(); got != 8 {
		t.Fatalf("GetMaximumSegmentCount = %d, want 8", got)
	}
	if got := m.GetFreeSegmentCount(); got != 8 {
		t.Fatalf("GetFreeSegmentCount = %d, want 8", got)
	}
	if got := m.GetAllocatedSegmentCount(); got != 0 {
		t.Fatalf("GetAllocatedSegmentCount = %d, want 0", got)
	}
}

func TestAtRejectsUnoccupiedSlot(t *testing.T) {
	m, _, err := newTestManager(4)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.At(types.Slot(0)); !errors.Is(err, segerrors.ErrSlotInvalid) {
		t.Fatalf("err = %v, want ErrSlotInvalid", err)
	}
	if _, err := m.At(types.Slot(99)); !errors.Is(err, segerrors.ErrSlotInvalid) {
		t.Fatalf("err = %v, want ErrSlotInvalid", err)
	}
}

func TestDoesIDExist(t *testing.T) {
	m, _, err := newTestManager(4)
	if err != nil {
		t.Fatal(err)
	}
	if m.DoesIDExist(types.SegmentID(0)) {
		t.Fatalf("DoesIDExist(0) = true before any allocation")
	}

	ctx := context.Background()
	head, err := m.AllocHead(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if !m.DoesIDExist(head.ID()) {
		t.Fatalf("DoesIDExist(%d) = false after allocation", head.ID())
	}
}

func TestCloseFreesEveryOccupiedSlot(t *testing.T) {
	m, _, err := newTestManager(4)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	head, err := m.AllocHead(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if !m.IncreaseSurvivorReserve(1) {
		t.Fatal("IncreaseSurvivorReserve(1) unexpectedly declined")
	}
	survivor, err := m.AllocSurvivor(ctx, head.ID())
	if err != nil {
		t.Fatal(err)
	}
	if survivor == nil {
		t.Fatal("AllocSurvivor returned nil after reserving a slot for it")
	}
	if got := m.GetAllocatedSegmentCount(); got != 2 {
		t.Fatalf("GetAllocatedSegmentCount = %d, want 2", got)
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	if got := m.GetAllocatedSegmentCount(); got != 0 {
		t.Fatalf("GetAllocatedSegmentCount after Close = %d, want 0", got)
	}
	if got := m.GetFreeSegmentCount(); got != 4 {
		t.Fatalf("GetFreeSegmentCount after Close = %d, want 4", got)
	}
	if m.DoesIDExist(head.ID()) {
		t.Fatal("DoesIDExist still true for a segment freed by Close")
	}
	if _, err := m.At(head.Slot()); !errors.Is(err, segerrors.ErrSlotInvalid) {
		t.Fatalf("At(%d) after Close err = %v, want ErrSlotInvalid", head.Slot(), err)
	}
}
