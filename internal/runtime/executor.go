package runtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"meanrev/internal/broker"
	"meanrev/internal/bus"
	"meanrev/internal/obs"
	"meanrev/internal/ops"
	"meanrev/internal/schema"
)

// Executor drives the Executor side of the pipeline: one named consumer
// group member per symbol reading the intents log, translating each
// delivery into a broker order, and a single fill-reporting loop that
// republishes the broker's fill stream onto each symbol's fills log.
type Executor struct {
	cfg        ops.Loaded
	broker     broker.Broker
	groupStore bus.GroupStore
	metrics    *obs.Metrics

	producers map[string]*bus.Producer
	writers   []*bus.LogWriter
}

// NewExecutor builds an Executor for every symbol in cfg.Symbols, starting
// each symbol's fills log writer.
func NewExecutor(ctx context.Context, cfg ops.Loaded, b broker.Broker, groupStore bus.GroupStore) (*Executor, error) {
	e := &Executor{
		cfg:        cfg,
		broker:     b,
		groupStore: groupStore,
		metrics:    obs.NewMetrics(),
		producers:  make(map[string]*bus.Producer, len(cfg.Symbols)),
	}

	for _, symbol := range cfg.Symbols {
		w, err := bus.NewLogWriter(cfg.FillLogConfig(symbol))
		if err != nil {
			return nil, err
		}
		if err := w.Start(ctx); err != nil {
			return nil, err
		}
		e.writers = append(e.writers, w)
		e.producers[symbol] = bus.NewProducer(symbol, w)
	}
	return e, nil
}

// Metrics exposes the executor's counters for a status endpoint or
// periodic log line.
func (e *Executor) Metrics() *obs.Metrics { return e.metrics }

// Run drives every symbol's consumer group member and the fill-reporting
// loop until ctx is cancelled or a shutdown signal arrives, then closes
// the broker session and every fills log writer before returning.
func (e *Executor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, symbol := range e.cfg.Symbols {
		symbol := symbol
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.consume(ctx, symbol)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.reportFills(ctx)
	}()

	select {
	case <-ctx.Done():
	case <-sys.Shutdown():
	}

	cancel()
	_ = e.broker.Close()
	wg.Wait()
	return e.closeWriters()
}

// consume drives one symbol's named consumer group member (spec.md §4.G):
// deliveries are forwarded to the broker and acked on successful
// submission; a submit failure leaves the delivery unacked so the next
// claim-idle scan retries it. Submissions are not deduplicated by event
// id: a delivery replayed after a stop between Submit and ack is submitted
// to the broker again.
func (e *Executor) consume(ctx context.Context, symbol string) {
	intentCfg := e.cfg.IntentLogConfig(symbol)
	c := bus.NewConsumer(bus.ConsumerConfig{
		Group:              e.cfg.Group,
		Symbol:             symbol,
		Dir:                intentCfg.Dir,
		FilePrefix:         intentCfg.FilePrefix,
		ClaimInterval:      e.cfg.ClaimInterval,
		ClaimIdleThreshold: e.cfg.ClaimIdleThreshold,
	}, e.groupStore)

	err := c.Run(ctx, func(ctx context.Context, d bus.Delivery) (bool, error) {
		var intent schema.Intent
		if err := json.Unmarshal(d.Payload, &intent); err != nil {
			logs.Errorf("runtime: executor %s dropping unparseable intent: %v", symbol, err)
			return true, nil
		}
		if err := e.broker.Submit(ctx, intent); err != nil {
			logs.Warnf("runtime: executor %s submit failed, leaving unacked: %v", symbol, err)
			return false, nil
		}
		e.metrics.IncDecision(intent.Action)
		return true, nil
	})
	if err != nil && ctx.Err() == nil {
		logs.Errorf("runtime: consumer for %s stopped: %v", symbol, err)
	}
}

// reportFills republishes every fill the broker reports onto the fill's
// symbol's fills log, the sole writer relationship the Signal Bus's
// two-log split depends on.
func (e *Executor) reportFills(ctx context.Context) {
	fills := e.broker.Fills()
	for {
		select {
		case <-ctx.Done():
			return
		case fill, ok := <-fills:
			if !ok {
				return
			}
			e.publishFill(ctx, fill)
		}
	}
}

func (e *Executor) publishFill(ctx context.Context, fill schema.Fill) {
	producer, ok := e.producers[fill.Symbol]
	if !ok {
		logs.Warnf("runtime: executor got fill for untracked symbol %s", fill.Symbol)
		return
	}
	payload, err := json.Marshal(fill)
	if err != nil {
		logs.Errorf("runtime: executor marshal fill for %s: %v", fill.Symbol, err)
		return
	}
	if err := producer.Publish(ctx, bus.KindFill, fill.EventID, payload); err != nil {
		logs.Errorf("runtime: executor publish fill for %s: %v", fill.Symbol, err)
		e.metrics.IncError("bus_unavailable")
	}
}

func (e *Executor) closeWriters() error {
	var firstErr error
	for _, w := range e.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
