package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/mellow-hype/sfuzz/internal/config"
	"github.com/mellow-hype/sfuzz/internal/logging"
	"github.com/mellow-hype/sfuzz/internal/orchestrator"
	"github.com/mellow-hype/sfuzz/internal/stats"
)

// exitCoder lets a returned error carry a specific process exit code
// (configError -> 1, loadError -> 2) distinct from the catch-all 1 any
// other error gets.
type exitCoder interface{ ExitCode() int }

// statusInterval is how often the run loop logs an aggregate snapshot and
// refreshes the coverage profile on disk.
const statusInterval = 5 * time.Second

// run parses argv, executes the fuzzer, and returns the process exit
// code the CLI contract specifies.
func run(argv []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(argv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	fmt.Fprintln(os.Stderr, "sfuzz:", err)
	var ec exitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return 1
}

// runFuzzer loads the target, builds a worker fleet, seeds it from the
// on-disk corpus, and runs every worker's fuzz loop until ctx is
// cancelled (Ctrl-C) or the target fails to load.
func runFuzzer(ctx context.Context, cfg *config.Config) error {
	fleetCfg := orchestrator.Config{
		TargetPath:  cfg.Target,
		Jobs:        cfg.Jobs,
		InstrBudget: cfg.InstrBudget,
		HasSnapshot: cfg.HasSnapshotPC,
		SnapshotPC:  cfg.SnapshotPC,
		OutDir:      cfg.OutDir,
	}
	fleet, err := orchestrator.NewFleet(fleetCfg)
	if err != nil {
		return &loadError{err}
	}
	defer fleet.Close()

	seeds, err := loadCorpus(cfg.InDir)
	if err != nil {
		return &configError{err}
	}
	if len(seeds) == 0 {
		seeds = [][]byte{{}}
	}

	dict, err := loadDictionary(cfg.DictFile)
	if err != nil {
		return &configError{err}
	}

	queueDir := filepath.Join(cfg.OutDir, "queue")
	if err := os.MkdirAll(queueDir, 0o755); err != nil {
		return fmt.Errorf("create queue directory: %w", err)
	}

	corpus := newCorpus(seeds, queueDir)
	agg := stats.NewAggregator(cfg.Jobs)

	done := make(chan struct{}, cfg.Jobs)
	for i := 0; i < cfg.Jobs; i++ {
		w := &worker{
			id:      i,
			fleet:   fleet,
			corpus:  corpus,
			mutator: newMutator(int64(i), dict),
			counts:  agg.Counters(i),
		}
		go func() {
			w.loop(ctx)
			done <- struct{}{}
		}()
	}

	reportLoop(ctx, agg, fleet, cfg.OutDir)

	for i := 0; i < cfg.Jobs; i++ {
		<-done
	}
	return nil
}

// reportLoop periodically logs an aggregate snapshot and refreshes the
// coverage profile on disk, until ctx is cancelled.
func reportLoop(ctx context.Context, agg *stats.Aggregator, fleet *orchestrator.Fleet, outDir string) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logSnapshot(agg.Sample(), fleet)
			return
		case <-ticker.C:
			logSnapshot(agg.Sample(), fleet)
			profilePath := filepath.Join(outDir, "coverage.pb.gz")
			if err := stats.WriteCoverageProfile(profilePath, fleet.Cov); err != nil {
				logging.Log.WithError(err).Warn("write coverage profile")
			}
		}
	}
}

func logSnapshot(s stats.Snapshot, fleet *orchestrator.Fleet) {
	logging.Log.WithFields(map[string]interface{}{
		"execs":        s.Executions,
		"exec_per_sec": fmt.Sprintf("%.1f", s.ExecPerSec),
		"crashes":      fleet.Crashes.Count(),
		"new_edges":    s.NewEdges,
		"timeouts":     s.Timeouts,
		"uptime":       s.Uptime.Round(time.Second).String(),
	}).Info("status")
}
