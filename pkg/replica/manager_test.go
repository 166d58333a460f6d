package replica

import (
	"context"
	"testing"
	"time"

	"kvlog/pkg/types"
)

func newRunningManager(t *testing.T) (*Manager, func()) {
	t.Helper()
	m := New(Config{ID: 1, TickInterval: 5 * time.Millisecond}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()

	return m, func() {
		cancel()
		<-done
	}
}

func TestAllocateHeadCommitsSynchronously(t *testing.T) {
	m, stop := newRunningManager(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	handle, err := m.AllocateHead(ctx, types.SegmentID(1), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if handle == nil {
		t.Fatal("AllocateHead returned a nil handle with no error")
	}

	m.stateMu.Lock()
	_, ok := m.state[types.SegmentID(1)]
	m.stateMu.Unlock()
	if !ok {
		t.Fatal("segment state not recorded after AllocateHead committed")
	}
}

func TestHandleCloseAndSync(t *testing.T) {
	m, stop := newRunningManager(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	handle, err := m.AllocateNonHead(ctx, types.SegmentID(7), nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := handle.Close(); err != nil {
		t.Fatal(err)
	}
	if err := handle.Sync(1024); err != nil {
		t.Fatal(err)
	}

	m.stateMu.Lock()
	s := m.state[types.SegmentID(7)]
	m.stateMu.Unlock()
	if s == nil || !s.closed || s.synced != 1024 {
		t.Fatalf("state = %+v, want closed=true synced=1024", s)
	}
}
