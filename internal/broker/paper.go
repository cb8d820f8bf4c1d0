package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"meanrev/internal/obs"
	"meanrev/internal/schema"
)

// PaperBroker simulates a venue for local runs and integration tests: every
// submitted intent is accepted and reported filled at its reference price
// after a fixed delay, the same "SIM" session shape
// internal/og/gateway.go's GatewayConfig{Session: "SIM"} models for
// simulated order flow. It exists so cmd/executor has a working default
// Broker without depending on a real venue integration.
type PaperBroker struct {
	lotSize schema.Decimal
	delay   time.Duration
	trace   *obs.TraceGenerator

	fills  chan schema.Fill
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// PaperBrokerConfig configures the simulated fill behavior.
type PaperBrokerConfig struct {
	// LotSize is the fixed size reported on every simulated entry fill.
	LotSize schema.Decimal
	// Delay is how long Submit waits before reporting a fill, simulating
	// venue round-trip latency. Zero reports the fill without waiting, from
	// the goroutine Submit starts.
	Delay time.Duration
}

// NewPaperBroker creates a PaperBroker.
func NewPaperBroker(cfg PaperBrokerConfig) *PaperBroker {
	return &PaperBroker{
		lotSize: cfg.LotSize,
		delay:   cfg.Delay,
		trace:   obs.NewTraceGenerator(0),
		fills:   make(chan schema.Fill, 256),
		closed:  make(chan struct{}),
	}
}

// Submit always succeeds immediately; the simulated fill arrives later on
// Fills.
func (b *PaperBroker) Submit(ctx context.Context, intent schema.Intent) error {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if b.delay > 0 {
			timer := time.NewTimer(b.delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return
			case <-b.closed:
				return
			}
		}
		select {
		case b.fills <- b.buildFill(intent):
		case <-b.closed:
		}
	}()
	return nil
}

func (b *PaperBroker) buildFill(intent schema.Intent) schema.Fill {
	lotID := intent.TargetLotID
	if intent.Action.IsEntry() {
		lotID = fmt.Sprintf("%s-lot-%d", intent.Symbol, b.trace.Next())
	}
	return schema.Fill{
		EventID:    fmt.Sprintf("%s-fill-%d", intent.Symbol, b.trace.Next()),
		IntentID:   intent.EventID,
		Symbol:     intent.Symbol,
		LotID:      lotID,
		FillPrice:  intent.ReferencePrice,
		FilledSize: b.lotSize,
		TS:         time.Now().UTC(),
		Status:     schema.FillStatusFilled,
	}
}

// Fills is the simulated fill stream.
func (b *PaperBroker) Fills() <-chan schema.Fill { return b.fills }

// Close stops accepting new fills and waits for in-flight Submit calls to
// unwind.
func (b *PaperBroker) Close() error {
	b.once.Do(func() { close(b.closed) })
	b.wg.Wait()
	return nil
}
