package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	internalhttp "spankv/internal/http"
	"spankv/pkg/clock"
	"spankv/pkg/metrics"
	"spankv/pkg/mvcc"
	"spankv/pkg/raftadapter"
	"spankv/pkg/txn"
	"spankv/pkg/wal"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	journal, err := wal.New(cfg.Storage.WALDir)
	if err != nil {
		slog.Error("failed to open WAL", "dir", cfg.Storage.WALDir, "error", err)
		os.Exit(1)
	}
	journal.Start(ctx)

	store := mvcc.New()

	node, err := raftadapter.NewNode(&cfg.Raft, store, journal)
	if err != nil {
		slog.Error("failed to create raft node", "error", err)
		os.Exit(1)
	}

	oracle := clock.NewOracle(cfg.Clock)
	collector := metrics.NewInMem()
	coordinator := txn.NewCoordinator(oracle, store, node, cfg.Txn, collector)

	server := internalhttp.NewServer(node, coordinator, collector, strconv.Itoa(cfg.Server.Port))
	if err := server.Start(); err != nil {
		slog.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	slog.Info("spankv node started",
		"id", cfg.Raft.ID,
		"peers", len(cfg.Raft.Peers),
		"epsilon", cfg.Clock.Epsilon,
		"wal_dir", cfg.Storage.WALDir)

	go watchClockHealth(ctx, oracle)
	if cfg.Storage.GCInterval > 0 {
		go runGC(ctx, store, oracle, cfg.Storage.GCInterval)
	}

	<-ctx.Done()

	slog.Info("shutting down")
	if err := server.Stop(); err != nil {
		slog.Error("failed to stop server", "error", err)
	}
	journal.Stop()
	if err := journal.Close(); err != nil {
		slog.Error("failed to close WAL", "error", err)
	}
}

// watchClockHealth halts the process if the oracle's uncertainty bound stops
// holding. Serving commits with a broken clock would violate consistency.
func watchClockHealth(ctx context.Context, oracle *clock.Oracle) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := oracle.Healthy(); err != nil {
				slog.Error("clock oracle unhealthy, halting", "error", err)
				os.Exit(1)
			}
		}
	}
}

// runGC periodically compacts versions no longer visible below the current
// uncertainty interval. Active snapshots stay pinned regardless of the floor.
func runGC(ctx context.Context, store *mvcc.Store, oracle *clock.Oracle, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			iv, err := oracle.Now()
			if err != nil {
				// The health watchdog halts the process shortly.
				slog.Error("skipping compaction, clock unhealthy", "error", err)
				continue
			}
			removed := store.Compact(iv.Earliest)
			if removed > 0 {
				slog.Debug("compacted old versions", "removed", removed)
			}
		}
	}
}
