package segment_test

import (
	"testing"

	"kvlog/pkg/segalloc"
	"kvlog/pkg/types"
)

func newTestAllocator(t *testing.T) *segalloc.Allocator {
	t.Helper()
	a, err := segalloc.New(8, 64, 256) // 4 seglets per segment, 8 seglets total -> 2 segments
	if err != nil {
		t.Fatalf("segalloc.New failed: %v", err)
	}
	return a
}

func TestAppendAndLength(t *testing.T) {
	a := newTestAllocator(t)
	s, err := a.NewSegment(types.SegmentID(1), types.Slot(0), false)
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}

	if ok := s.Append(types.EntryTypeSegHeader, []byte("hello")); !ok {
		t.Fatal("expected append to succeed")
	}
	if got := s.AppendedLength(); got != 5+5 {
		t.Fatalf("AppendedLength = %d, want %d", got, 10)
	}
}

func TestAppendFailsWhenDisabled(t *testing.T) {
	a := newTestAllocator(t)
	s, err := a.NewSegment(types.SegmentID(1), types.Slot(0), true)
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	s.DisableAppends()

	if ok := s.Append(types.EntryTypeSegHeader, []byte("x")); ok {
		t.Fatal("expected append to fail once appends are disabled")
	}
}

func TestAppendFailsWhenOutOfCapacity(t *testing.T) {
	a := newTestAllocator(t)
	s, err := a.NewSegment(types.SegmentID(1), types.Slot(0), false)
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}

	big := make([]byte, 1024)
	if ok := s.Append(types.EntryTypeLogDigest, big); ok {
		t.Fatal("expected append exceeding capacity to fail")
	}
}

func TestReleaseReturnsSeglets(t *testing.T) {
	a := newTestAllocator(t)
	if a.FreeSegmentCount() != 2 {
		t.Fatalf("expected 2 free segments initially, got %d", a.FreeSegmentCount())
	}

	s, err := a.NewSegment(types.SegmentID(1), types.Slot(0), false)
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	if a.FreeSegmentCount() != 1 {
		t.Fatalf("expected 1 free segment after construction, got %d", a.FreeSegmentCount())
	}

	s.Release()
	if a.FreeSegmentCount() != 2 {
		t.Fatalf("expected 2 free segments after release, got %d", a.FreeSegmentCount())
	}
}
