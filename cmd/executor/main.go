// Command executor runs the Executor side of the pipeline: it joins a
// named consumer group reading each symbol's intents log, submits every
// delivery to a Broker, and republishes the Broker's fill stream onto each
// symbol's fills log for the generator to tail back.
//
// Flag/config wiring follows cmd/generator's shape, which in turn follows
// cmd/trader/main.go's.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/yanun0323/decimal"

	"meanrev/internal/broker"
	"meanrev/internal/bus"
	"meanrev/internal/ops"
	"meanrev/internal/runtime"
	"meanrev/pkg/conn"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config")
	memoryGroupStore := flag.Bool("memory-group-store", false, "Use an in-process group store instead of Postgres (local/dev only)")
	paperLotSize := flag.String("paper-lot-size", "1", "PaperBroker fill size per intent")
	paperDelay := flag.Duration("paper-delay", 200*time.Millisecond, "PaperBroker fill delay after submit")
	flag.Parse()

	ctx := context.Background()

	if *configPath == "" {
		log.Fatalf("-config is required")
	}
	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	if loaded.Features.EnableProfiling {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "signal-executor",
			ServerAddress:   "http://localhost:4040",
			Tags:            map[string]string{"component": "executor"},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() { _ = profiler.Stop() }()
	}

	groupStore, closeGroupStore, err := buildGroupStore(loaded, *memoryGroupStore)
	if err != nil {
		log.Fatalf("group store setup failed: %v", err)
	}
	defer closeGroupStore()

	lotSize, err := decimal.NewFromString(*paperLotSize)
	if err != nil {
		log.Fatalf("invalid -paper-lot-size: %v", err)
	}
	b := broker.NewPaperBroker(broker.PaperBrokerConfig{LotSize: lotSize, Delay: *paperDelay})

	exec, err := runtime.NewExecutor(ctx, loaded, b, groupStore)
	if err != nil {
		log.Fatalf("executor setup failed: %v", err)
	}

	if err := exec.Run(ctx); err != nil {
		log.Fatalf("executor run failed: %v", err)
	}

	snap := exec.Metrics().Snapshot()
	log.Printf("metrics: decisions=%v errors=%v drops=%d",
		snap.DecisionCounts, snap.ErrorCounts, snap.QueueDrops)
}

// buildGroupStore wires the consumer-group durability backend: Postgres by
// default, so group membership survives an executor restart, or an
// in-process store for local runs where standing up Postgres isn't worth
// it.
func buildGroupStore(loaded ops.Loaded, useMemory bool) (bus.GroupStore, func(), error) {
	if useMemory {
		return bus.NewMemoryGroupStore(), func() {}, nil
	}

	client, err := conn.New(loaded.Postgres)
	if err != nil {
		return nil, nil, err
	}
	store, err := bus.NewPostgresGroupStore(client)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = client.Close() }, nil
}
