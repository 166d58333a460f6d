// Package adminhttp implements a read-only introspection server over a
// running segment manager: a chi router exposing segmgr.Manager's
// accessors as JSON, with graceful Start/Stop.
package adminhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"kvlog/pkg/segerrors"
	"kvlog/pkg/segment"
	"kvlog/pkg/types"
)

const defaultShutdownTimeout = 5 * time.Second

// SegmentManager is the subset of segmgr.Manager's accessors adminhttp
// consumes. None of these take the manager's write lock for longer than a
// single accessor call.
type SegmentManager interface {
	At(slot types.Slot) (*segment.Segment, error)
	DoesIDExist(id types.SegmentID) bool
	GetAllocatedSegmentCount() uint32
	GetFreeSegmentCount() uint32
	GetFreeSurvivorCount() uint32
	GetMaximumSegmentCount() uint32
	GetSegletSize() uint32
	GetSegmentSize() uint32
}

// Server exposes a SegmentManager's state over read-only HTTP endpoints.
type Server struct {
	mgr        SegmentManager
	log        *slog.Logger
	addr       string
	httpServer *http.Server
}

// NewServer returns a Server that will listen on addr (e.g. ":8090") once
// Start is called.
func NewServer(mgr SegmentManager, addr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{mgr: mgr, log: log, addr: addr}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/segments", s.handleListSegments)
	r.Get("/segments/{slot}", s.handleGetSegment)
	return r
}

// Start begins serving in the background. Stop shuts it down gracefully.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router(),
		ReadHeaderTimeout: time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("adminhttp: server error", "error", err)
		}
	}()
	s.log.Info("adminhttp: listening", "addr", s.addr)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("adminhttp: shutdown: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("adminhttp: encode response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

type statsResponse struct {
	Allocated     uint32 `json:"allocated"`
	Free          uint32 `json:"free"`
	FreeSurvivor  uint32 `json:"free_survivor"`
	MaxSegments   uint32 `json:"max_segments"`
	SegletSize    uint32 `json:"seglet_size"`
	SegmentSize   uint32 `json:"segment_size"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statsResponse{
		Allocated:    s.mgr.GetAllocatedSegmentCount(),
		Free:         s.mgr.GetFreeSegmentCount(),
		FreeSurvivor: s.mgr.GetFreeSurvivorCount(),
		MaxSegments:  s.mgr.GetMaximumSegmentCount(),
		SegletSize:   s.mgr.GetSegletSize(),
		SegmentSize:  s.mgr.GetSegmentSize(),
	})
}

type segmentResponse struct {
	Slot             types.Slot      `json:"slot"`
	ID               types.SegmentID `json:"id"`
	IsEmergencyHead  bool            `json:"is_emergency_head"`
}

func (s *Server) handleListSegments(w http.ResponseWriter, r *http.Request) {
	var out []segmentResponse
	for slot := types.Slot(0); uint32(slot) < s.mgr.GetMaximumSegmentCount(); slot++ {
		seg, err := s.mgr.At(slot)
		if err != nil {
			continue
		}
		out = append(out, segmentResponse{Slot: slot, ID: seg.ID(), IsEmergencyHead: seg.IsEmergencyHead()})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSegment(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "slot")
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("invalid slot"))
		return
	}

	seg, err := s.mgr.At(types.Slot(n))
	if err != nil {
		if errors.Is(err, segerrors.ErrSlotInvalid) {
			s.writeJSON(w, http.StatusNotFound, NewErrorResponse(err.Error()))
			return
		}
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, segmentResponse{Slot: types.Slot(n), ID: seg.ID(), IsEmergencyHead: seg.IsEmergencyHead()})
}
