// Command logd wires together the segment manager and its external
// collaborators into a runnable process: an allocator-backed log with raft
// replication, ZooKeeper memory registration, and a read-only admin HTTP
// surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kvlog/internal/adminhttp"
	"kvlog/pkg/epoch"
	"kvlog/pkg/metrics"
	"kvlog/pkg/registry"
	"kvlog/pkg/replica"
	"kvlog/pkg/segalloc"
	"kvlog/pkg/segmgr"
	"kvlog/pkg/types"
)

func main() {
	configPath := flag.String("config", "logd.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logd: load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	alloc, err := segalloc.New(
		cfg.Allocator.NumSegments*cfg.Allocator.SegletsPerSegment,
		cfg.Allocator.SegletBytes,
		cfg.Allocator.SegletsPerSegment*cfg.Allocator.SegletBytes,
	)
	if err != nil {
		slog.Error("logd: init allocator", "error", err)
		os.Exit(1)
	}

	oracle := epoch.New()

	peers := make([]replica.Peer, 0, len(cfg.Replication.Peers))
	peerAddrs := make(map[uint64]string, len(cfg.Replication.Peers))
	for _, p := range cfg.Replication.Peers {
		peers = append(peers, replica.Peer{ID: p.NodeID, Address: p.Address})
		peerAddrs[p.NodeID] = p.Address
	}
	transport := replica.NewHTTPTransport(peerAddrs)
	replicas := replica.New(replica.Config{
		ID:           cfg.Replication.NodeID,
		Peers:        peers,
		TickInterval: time.Duration(cfg.Replication.TickIntervalMS) * time.Millisecond,
	}, transport, slog.Default())

	go func() {
		if err := replicas.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("logd: replica manager stopped", "error", err)
		}
	}()

	raftMux := http.NewServeMux()
	raftMux.Handle(replica.RaftEndpointPath, replica.ServeHTTP(replicas))
	raftServer := &http.Server{Addr: cfg.Replication.ListenAddress, Handler: raftMux, ReadHeaderTimeout: time.Second}
	go func() {
		if err := raftServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("logd: raft transport server error", "error", err)
		}
	}()

	opts := []segmgr.Option{
		segmgr.WithNumEmergencyHeads(cfg.Log.NumEmergencyHeads),
		segmgr.WithMetrics(metrics.NewLogCollector(slog.Default())),
		segmgr.WithLogger(slog.Default()),
	}

	if len(cfg.Registry.Servers) > 0 {
		reg, err := registry.New(cfg.Registry.Servers, cfg.Registry.RootPath, cfg.Node.NodeID)
		if err != nil {
			slog.Error("logd: connect registry", "error", err)
			os.Exit(1)
		}
		defer reg.Close()
		opts = append(opts, segmgr.WithMemoryRegistrar(reg))
	}

	mgr, err := segmgr.New(
		types.LogID(cfg.Log.LogID),
		alloc,
		replicas,
		oracle,
		cfg.Log.DiskExpansionFactor,
		opts...,
	)
	if err != nil {
		slog.Error("logd: init segment manager", "error", err)
		os.Exit(1)
	}

	admin := adminhttp.NewServer(mgr, cfg.Admin.ListenAddress, slog.Default())
	if err := admin.Start(); err != nil {
		slog.Error("logd: start admin http", "error", err)
		os.Exit(1)
	}

	go runAppender(ctx, mgr)
	go runCleaner(ctx, mgr)

	slog.Info("logd started", "node", cfg.Node.NodeID, "admin_addr", cfg.Admin.ListenAddress)
	<-ctx.Done()

	if err := admin.Stop(); err != nil {
		slog.Error("logd: stop admin http", "error", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := raftServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("logd: stop raft transport server", "error", err)
	}
	shutdownCancel()
	replicas.Stop()
	if err := mgr.Close(); err != nil {
		slog.Error("logd: close segment manager", "error", err)
	}
	slog.Info("logd stopped")
}

// runAppender periodically turns over the head segment, exercising
// AllocHead the way a real log appender would as it fills segments.
func runAppender(ctx context.Context, mgr *segmgr.Manager) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seg, err := mgr.AllocHead(ctx, false)
			if err != nil {
				slog.Warn("logd: appender allocHead failed", "error", err)
				continue
			}
			if seg == nil {
				slog.Debug("logd: appender out of capacity for a new head")
			}
		}
	}
}

// runCleaner periodically drains newly-cleanable segments and marks them
// clean, exercising CleanableSegments/CleaningComplete the way the real
// log cleaner would once it has rewritten their live entries elsewhere.
func runCleaner(ctx context.Context, mgr *segmgr.Manager) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			candidates := mgr.CleanableSegments()
			if len(candidates) == 0 {
				continue
			}
			if err := mgr.CleaningComplete(candidates); err != nil {
				slog.Warn("logd: cleaningComplete failed", "error", err)
			}
		}
	}
}
