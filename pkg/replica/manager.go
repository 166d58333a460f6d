// Package replica implements a raft-backed replica manager: the external
// collaborator the segment manager calls into to replicate a segment's
// existence before handing it back to the log.
// Each allocation is proposed as a command through raft and the call blocks
// until the proposal commits, modeling the "synchronous initial replication
// wait" the segment manager's locking discipline assumes.
package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"kvlog/pkg/segment"
	"kvlog/pkg/types"
)

// Config configures a Manager's underlying raft group, trimmed to what a
// single-group replica log needs.
type Config struct {
	ID            uint64
	Peers         []Peer
	ElectionTick  int
	HeartbeatTick int
	TickInterval  time.Duration
}

// Peer is one other node participating in the replica log's raft group.
type Peer struct {
	ID      uint64
	Address string
}

// Transport delivers raft messages to other nodes. HTTPTransport in this
// package is one implementation.
type Transport interface {
	Send(msg raftpb.Message) error
}

type opKind int

const (
	opAllocateHead opKind = iota
	opAllocateNonHead
	opClose
	opSync
)

// cmd is the payload proposed through raft for every replication action.
// Segments are identified by id, not by any Go pointer, since the command
// must survive serialization to every replica.
type cmd struct {
	ID             uuid.UUID       `json:"id"`
	Op             opKind          `json:"op"`
	SegmentID      types.SegmentID `json:"segment_id"`
	PrevSegmentID  types.SegmentID `json:"prev_segment_id,omitempty"`
	HasPrev        bool            `json:"has_prev"`
	AppendedLength uint32          `json:"appended_length,omitempty"`
}

type proposeResult struct {
	err error
}

// Manager is the reference Replica Manager: a single raft group whose
// committed log is the durable record of which segments exist and which
// have been closed or synced. It implements segmgr.ReplicaManager.
type Manager struct {
	id         uint64
	underlying raft.Node
	storage    *raft.MemoryStorage
	transport  Transport
	log        *slog.Logger

	tickInterval time.Duration

	ctx  context.Context
	stop context.CancelFunc

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan proposeResult

	stateMu sync.Mutex
	state   map[types.SegmentID]*segmentState
}

type segmentState struct {
	closed bool
	synced uint32
}

// New starts a raft node for the replica log and returns a Manager built
// on top of it. transport may be nil for a single-node deployment where
// every proposal has quorum the instant it's raft-logged locally.
func New(cfg Config, transport Transport, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}

	storage := raft.NewMemoryStorage()
	raftCfg := &raft.Config{
		ID:              cfg.ID,
		ElectionTick:    nonZero(cfg.ElectionTick, 10),
		HeartbeatTick:   nonZero(cfg.HeartbeatTick, 1),
		Storage:         storage,
		MaxSizePerMsg:   1024 * 1024,
		MaxInflightMsgs: 256,
	}

	peers := make([]raft.Peer, 0, len(cfg.Peers)+1)
	peers = append(peers, raft.Peer{ID: cfg.ID})
	for _, p := range cfg.Peers {
		peers = append(peers, raft.Peer{ID: p.ID, Context: []byte(p.Address)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		id:           cfg.ID,
		underlying:   raft.StartNode(raftCfg, peers),
		storage:      storage,
		transport:    transport,
		log:          log,
		tickInterval: nonZeroDuration(cfg.TickInterval, 100*time.Millisecond),
		ctx:          ctx,
		stop:         cancel,
		proposals:    make(map[uuid.UUID]chan proposeResult),
		state:        make(map[types.SegmentID]*segmentState),
	}
	return m
}

func nonZero(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func nonZeroDuration(v, fallback time.Duration) time.Duration {
	if v == 0 {
		return fallback
	}
	return v
}

// Run drives the raft event loop until ctx is canceled or Stop is called.
// It must be running for any proposal to ever commit.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return m.ctx.Err()
		case <-ctx.Done():
			m.Stop()
			return ctx.Err()
		case <-ticker.C:
			m.underlying.Tick()
		case rd := <-m.underlying.Ready():
			if err := m.handleReady(rd); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) handleReady(rd raft.Ready) error {
	if err := m.storage.Append(rd.Entries); err != nil {
		return fmt.Errorf("replica: append entries: %w", err)
	}

	if m.transport != nil {
		for _, msg := range rd.Messages {
			if msg.To == m.id {
				continue
			}
			go func(msg raftpb.Message) {
				if err := m.transport.Send(msg); err != nil {
					m.log.Warn("replica: failed to send raft message", "to", msg.To, "error", err)
				}
			}(msg)
		}
	}

	for _, entry := range rd.CommittedEntries {
		if err := m.applyEntry(entry); err != nil {
			return fmt.Errorf("replica: apply entry: %w", err)
		}
	}

	m.underlying.Advance()
	return nil
}

func (m *Manager) applyEntry(entry raftpb.Entry) error {
	if entry.Type != raftpb.EntryNormal || len(entry.Data) == 0 {
		return nil
	}

	var c cmd
	if err := json.Unmarshal(entry.Data, &c); err != nil {
		return fmt.Errorf("unmarshal replication command: %w", err)
	}

	m.stateMu.Lock()
	switch c.Op {
	case opAllocateHead, opAllocateNonHead:
		m.state[c.SegmentID] = &segmentState{}
	case opClose:
		if s, ok := m.state[c.SegmentID]; ok {
			s.closed = true
		}
	case opSync:
		if s, ok := m.state[c.SegmentID]; ok {
			s.synced = c.AppendedLength
		}
	}
	m.stateMu.Unlock()

	return m.notify(c.ID, proposeResult{})
}

func (m *Manager) notify(id uuid.UUID, result proposeResult) error {
	m.proposalsMu.RLock()
	ch, ok := m.proposals[id]
	m.proposalsMu.RUnlock()
	if !ok {
		return nil
	}
	select {
	case ch <- result:
	default:
	}
	return nil
}

// propose submits c through raft and blocks until it commits (or ctx is
// done). This is the synchronous replication wait AllocHead holds the
// segment manager's lock across.
func (m *Manager) propose(ctx context.Context, c cmd) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("replica: marshal command: %w", err)
	}

	ch := make(chan proposeResult, 1)
	m.proposalsMu.Lock()
	m.proposals[c.ID] = ch
	m.proposalsMu.Unlock()
	defer func() {
		m.proposalsMu.Lock()
		delete(m.proposals, c.ID)
		m.proposalsMu.Unlock()
	}()

	if err := m.underlying.Propose(ctx, data); err != nil {
		return fmt.Errorf("replica: propose: %w", err)
	}

	select {
	case res := <-ch:
		return res.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle processes an incoming raft message from a peer.
func (m *Manager) Handle(ctx context.Context, msg raftpb.Message) error {
	return m.underlying.Step(ctx, msg)
}

// Stop shuts the raft node down, unblocking any proposal in flight with an
// error.
func (m *Manager) Stop() {
	m.underlying.Stop()
	m.stop()

	m.proposalsMu.Lock()
	for _, ch := range m.proposals {
		select {
		case ch <- proposeResult{err: fmt.Errorf("replica: manager stopped")}:
		default:
		}
		close(ch)
	}
	m.proposalsMu.Unlock()
}

// AllocateHead proposes the existence of a new head segment. If prev is a
// *Handle, its segment id is recorded in the proposed command as the
// previous head; the replica log otherwise tracks segments independently by
// id. It implements kvlog/pkg/segmgr.ReplicaManager.
func (m *Manager) AllocateHead(ctx context.Context, id types.SegmentID, _ *segment.Segment, prev segment.ReplicatedSegment) (segment.ReplicatedSegment, error) {
	c := cmd{ID: uuid.New(), Op: opAllocateHead, SegmentID: id}
	if prevHandle, ok := prev.(*Handle); ok && prevHandle != nil {
		c.PrevSegmentID = prevHandle.id
		c.HasPrev = true
	}
	if err := m.propose(ctx, c); err != nil {
		return nil, err
	}
	return &Handle{id: id, mgr: m}, nil
}

// AllocateNonHead proposes the existence of a new survivor segment. It
// implements kvlog/pkg/segmgr.ReplicaManager.
func (m *Manager) AllocateNonHead(ctx context.Context, id types.SegmentID, _ *segment.Segment) (segment.ReplicatedSegment, error) {
	c := cmd{ID: uuid.New(), Op: opAllocateNonHead, SegmentID: id}
	if err := m.propose(ctx, c); err != nil {
		return nil, err
	}
	return &Handle{id: id, mgr: m}, nil
}

// Handle is the per-segment replicated twin returned to the segment
// manager. It implements kvlog/pkg/segment.ReplicatedSegment.
type Handle struct {
	id  types.SegmentID
	mgr *Manager
}

// Close proposes that this segment's replica be marked closed: no further
// appends will be replicated to it.
func (h *Handle) Close() error {
	return h.mgr.propose(context.Background(), cmd{ID: uuid.New(), Op: opClose, SegmentID: h.id})
}

// Sync proposes the final appended length for this segment's replica,
// matching what the segment manager last observed locally.
func (h *Handle) Sync(appendedLength uint32) error {
	return h.mgr.propose(context.Background(), cmd{ID: uuid.New(), Op: opSync, SegmentID: h.id, AppendedLength: appendedLength})
}
