// Package runtime wires the process-wide collaborators for each entry
// point — Signal Generator and Executor — into a single struct constructed
// at startup and torn down on shutdown, with no ambient singletons.
// cmd/trader/main.go builds its equivalent collaborators
// (recorder.Writer, state.PositionReducer, obs.Metrics, obs.TraceGenerator,
// risk.Engine) inline in main rather than as a struct; here they're
// factored into Generator/Executor so each has its own lifecycle and both
// entry points stay thin.
package runtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"meanrev/internal/bus"
	"meanrev/internal/candle"
	"meanrev/internal/dispatch"
	"meanrev/internal/feed"
	"meanrev/internal/obs"
	"meanrev/internal/ops"
	"meanrev/internal/schema"
	"meanrev/internal/state"
	"meanrev/internal/strategy"
)

// Generator drives the Signal Generator side of the pipeline: one dispatch
// lane per symbol fed by a market feed, publishing intents to the
// per-symbol intents log and consuming fills back off the corresponding
// fills log.
type Generator struct {
	cfg     ops.Loaded
	store   *state.Store
	feed    feed.Feed
	metrics *obs.Metrics
	trace   *obs.TraceGenerator

	lanes   map[string]*dispatch.Lane
	writers []*bus.LogWriter
}

// NewGenerator builds a Generator for every symbol in cfg.Symbols,
// starting each symbol's intents log writer and seeding its dispatch lane
// with any intent state.Recover found still outstanding.
func NewGenerator(ctx context.Context, cfg ops.Loaded, f feed.Feed, store *state.Store, pending map[string]schema.Intent) (*Generator, error) {
	g := &Generator{
		cfg:     cfg,
		store:   store,
		feed:    f,
		metrics: obs.NewMetrics(),
		trace:   obs.NewTraceGenerator(0),
		lanes:   make(map[string]*dispatch.Lane, len(cfg.Symbols)),
	}

	for _, symbol := range cfg.Symbols {
		w, err := bus.NewLogWriter(cfg.IntentLogConfig(symbol))
		if err != nil {
			return nil, err
		}
		if err := w.Start(ctx); err != nil {
			return nil, err
		}
		g.writers = append(g.writers, w)

		var pendingIntent *schema.Intent
		if p, ok := pending[symbol]; ok {
			pendingIntent = &p
		}

		g.lanes[symbol] = dispatch.New(dispatch.Config{
			Symbol:        symbol,
			Cfg:           cfg.Strategy,
			Candles:       candle.New(cfg.Strategy.CandlePeriod),
			Indicators:    store.Indicator,
			Book:          store.Book(symbol),
			Cooldowns:     store.Cooldowns,
			Evaluator:     strategy.New(),
			Producer:      bus.NewProducer(symbol, w),
			Metrics:       g.metrics,
			Trace:         g.trace,
			PendingIntent: pendingIntent,
		})
	}
	return g, nil
}

// Metrics exposes the generator's counters for a status endpoint or
// periodic log line.
func (g *Generator) Metrics() *obs.Metrics { return g.metrics }

// UpdateStrategy pushes a reloaded strategy configuration into every
// running lane (cmd/generator's watchConfig callback), taking effect on
// each lane's next tick.
func (g *Generator) UpdateStrategy(cfg schema.Config) {
	for _, lane := range g.lanes {
		lane.SetConfig(cfg)
	}
}

// Snapshot captures the generator's current per-symbol state for
// persistence.
func (g *Generator) Snapshot() state.Snapshot { return g.store.Snapshot() }

// Run drives every symbol's dispatch lane, the feed-to-lane tick fan-out,
// and each symbol's fills tail until ctx is cancelled or a shutdown signal
// arrives, then closes the feed and every intents log writer before
// returning.
func (g *Generator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, lane := range g.lanes {
		lane := lane
		wg.Add(1)
		go func() {
			defer wg.Done()
			lane.Run(ctx)
		}()
	}
	for symbol, lane := range g.lanes {
		symbol, lane := symbol, lane
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.tailFills(ctx, symbol, lane)
		}()
	}

	g.pump(ctx)

	cancel()
	g.feed.Close()
	wg.Wait()
	return g.closeWriters()
}

func (g *Generator) pump(ctx context.Context) {
	ticks := g.feed.Ticks()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sys.Shutdown():
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			lane, ok := g.lanes[tick.Symbol]
			if !ok {
				continue
			}
			if err := lane.SubmitTick(tick); err != nil {
				logs.Warnf("runtime: generator dropped tick for %s: %v", tick.Symbol, err)
			}
		}
	}
}

// tailFills follows a symbol's fills log from its last-applied offset,
// handing each fill to the symbol's lane for reconciliation (spec.md §9's
// "Reconciler posts ApplyFill messages onto the same lane that processes
// ticks").
func (g *Generator) tailFills(ctx context.Context, symbol string, lane *dispatch.Lane) {
	fillCfg := g.cfg.FillLogConfig(symbol)
	t := bus.NewTail(bus.TailConfig{Dir: fillCfg.Dir, FilePrefix: fillCfg.FilePrefix})
	offset := g.store.Offset("fills", symbol)

	err := t.Run(ctx, offset, func(header bus.RecordHeader, payload []byte) error {
		if header.Kind != bus.KindFill {
			return nil
		}
		var fill schema.Fill
		if err := json.Unmarshal(payload, &fill); err != nil {
			return err
		}
		if err := lane.SubmitFill(fill); err != nil {
			logs.Warnf("runtime: generator dropped fill for %s: %v", symbol, err)
		}
		g.store.SetOffset("fills", symbol, header.Seq)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		logs.Errorf("runtime: fill tail for %s stopped: %v", symbol, err)
	}
}

func (g *Generator) closeWriters() error {
	var firstErr error
	for _, w := range g.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
