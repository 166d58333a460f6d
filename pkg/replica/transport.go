package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	raftEndpoint     = "/internal/replica/raft"
	transportTimeout = 3 * time.Second
	maxRetries       = 3
	retryDelay       = 100 * time.Millisecond
)

// HTTPTransport ships raft messages between replica-log peers over HTTP,
// addressing peers by a node-ID-to-base-URL table and retrying sends with
// backoff.
type HTTPTransport struct {
	peersMu    sync.RWMutex
	peers      map[uint64]string
	httpClient *http.Client
}

// NewHTTPTransport returns a Transport that addresses peers by the map of
// node ID to base URL (e.g. "http://10.0.0.2:8090").
func NewHTTPTransport(peers map[uint64]string) *HTTPTransport {
	if peers == nil {
		peers = make(map[uint64]string)
	}
	return &HTTPTransport{
		peers:      peers,
		httpClient: &http.Client{Timeout: transportTimeout},
	}
}

func (t *HTTPTransport) AddPeer(nodeID uint64, addr string) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[nodeID] = addr
}

func (t *HTTPTransport) RemovePeer(nodeID uint64) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	delete(t.peers, nodeID)
}

// Send implements replica.Transport.
func (t *HTTPTransport) Send(msg raftpb.Message) error {
	t.peersMu.RLock()
	target, ok := t.peers[msg.To]
	t.peersMu.RUnlock()
	if !ok {
		return fmt.Errorf("replica: unknown peer node %d", msg.To)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("replica: marshal message: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := t.sendHTTP(target+raftEndpoint, body); err != nil {
			lastErr = err
			slog.Warn("replica: failed to send raft message, retrying",
				"attempt", attempt+1, "to", msg.To, "type", msg.Type, "error", err)
			time.Sleep(retryDelay * time.Duration(attempt+1))
			continue
		}
		return nil
	}
	return fmt.Errorf("replica: send after %d attempts: %w", maxRetries, lastErr)
}

func (t *HTTPTransport) sendHTTP(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), transportTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("replica: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("replica: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("replica: unexpected status %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

// ServeHTTP decodes an inbound raft message and steps it into mgr. Wire
// this at HTTPTransport's raftEndpoint path on every peer.
func ServeHTTP(mgr *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg raftpb.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := mgr.Handle(r.Context(), msg); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// RaftEndpointPath is the path HTTPTransport posts raft messages to.
const RaftEndpointPath = raftEndpoint
