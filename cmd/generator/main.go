// Command generator runs the Signal Generator side of the pipeline: it
// streams ticks from a market feed, evaluates the mean-reversion strategy
// per symbol, and publishes intents onto each symbol's intents log while
// reconciling fills tailed back off the corresponding fills log.
//
// Flag/config/reload/recovery wiring follows cmd/trader/main.go's shape.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/grafana/pyroscope-go"

	"meanrev/internal/feed"
	"meanrev/internal/ops"
	"meanrev/internal/runtime"
	"meanrev/internal/state"
)

type runtimeConfig struct {
	v   atomic.Value
	gen atomic.Value // *runtime.Generator, set once Run is about to start
}

func newRuntimeConfig(loaded ops.Loaded) *runtimeConfig {
	var rc runtimeConfig
	rc.v.Store(loaded)
	return &rc
}

func (r *runtimeConfig) Load() ops.Loaded { return r.v.Load().(ops.Loaded) }

// Update stores the reloaded config and, once the generator exists, pushes
// its strategy section straight into every running lane so a reload
// actually changes evaluation instead of only updating r.v.
func (r *runtimeConfig) Update(loaded ops.Loaded) {
	r.v.Store(loaded)
	if gen := r.gen.Load(); gen != nil {
		gen.(*runtime.Generator).UpdateStrategy(loaded.Strategy)
	}
}

func (r *runtimeConfig) bindGenerator(gen *runtime.Generator) {
	r.gen.Store(gen)
}

func main() {
	configPath := flag.String("config", "", "Path to JSON config")
	configReload := flag.Duration("config-reload-interval", 2*time.Second, "Config reload interval (0=disable)")
	snapshotPath := flag.String("snapshot-path", "", "Per-symbol state snapshot path (default: <bus.baseDir>/snapshot.json)")
	recoverEnabled := flag.Bool("recover", false, "Recover state from snapshot + bus-tail replay before streaming")
	recoverPrefix := flag.String("recover-prefix", "", "Bus log file prefix for recovery (default: sig)")
	recoverNoChecksum := flag.Bool("recover-no-checksum", false, "Disable checksum validation for recovery")
	recoverMaxPayload := flag.Int("recover-max-payload", 0, "Max payload size in bytes for recovery (0=use the bus's default cap)")
	flag.Parse()

	ctx := context.Background()

	if *configPath == "" {
		log.Fatalf("-config is required")
	}
	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	cfg := newRuntimeConfig(loaded)
	if *configPath != "" && *configReload > 0 {
		go watchConfig(ctx, *configPath, *configReload, cfg.Update)
	}

	if loaded.Features.EnableProfiling {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "signal-generator",
			ServerAddress:   "http://localhost:4040",
			Tags:            map[string]string{"component": "generator"},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() { _ = profiler.Stop() }()
	}

	store := state.New(loaded.Strategy, loaded.Symbols)
	snapPath := resolveSnapshotPath(loaded.BusBaseDir, *snapshotPath)

	recoverCfg := state.RecoverConfig{
		IntentsBaseDir:  filepath.Join(loaded.BusBaseDir, "intents"),
		FillsBaseDir:    filepath.Join(loaded.BusBaseDir, "fills"),
		FilePrefix:      *recoverPrefix,
		DisableChecksum: *recoverNoChecksum,
		MaxPayloadSize:  *recoverMaxPayload,
	}
	if *recoverEnabled {
		recoverCfg.SnapshotPath = snapPath
	}

	pendingBySymbol, err := state.Recover(ctx, store, recoverCfg, loaded.Symbols, loaded.Strategy)
	if err != nil {
		log.Fatalf("recovery failed: %v", err)
	}

	f, err := feed.Dial(ctx, loaded.FeedURL)
	if err != nil {
		log.Fatalf("feed dial failed: %v", err)
	}

	gen, err := runtime.NewGenerator(ctx, loaded, f, store, pendingBySymbol)
	if err != nil {
		log.Fatalf("generator setup failed: %v", err)
	}
	cfg.bindGenerator(gen)

	if err := gen.Run(ctx); err != nil {
		log.Fatalf("generator run failed: %v", err)
	}

	if err := state.WriteSnapshot(snapPath, gen.Snapshot()); err != nil {
		log.Printf("snapshot write failed: %v", err)
	}

	snap := gen.Metrics().Snapshot()
	log.Printf("metrics: decisions=%v errors=%v drops=%d fill_latency=%+v eval_latency=%+v",
		snap.DecisionCounts, snap.ErrorCounts, snap.QueueDrops, snap.FillLatency, snap.StrategyLatency)
}

func resolveSnapshotPath(baseDir, path string) string {
	if path != "" {
		return path
	}
	return filepath.Join(baseDir, "snapshot.json")
}

func watchConfig(ctx context.Context, path string, interval time.Duration, update func(ops.Loaded)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastMod time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				log.Printf("config stat failed: %v", err)
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			loaded, err := ops.Load(path)
			if err != nil {
				log.Printf("config reload failed: %v", err)
				continue
			}
			update(loaded)
			lastMod = info.ModTime()
			log.Printf("config reloaded: %s", path)
		}
	}
}
