// Package dispatch implements the Tick Dispatcher: one serial execution
// lane per symbol carrying Tick → Candle update → on-close indicator
// refresh → Evaluator → Producer, plus enqueued fill-apply messages from
// the Reconciler onto the same lane, so the Evaluator always sees a
// consistent book between ticks.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"meanrev/internal/book"
	"meanrev/internal/bus"
	"meanrev/internal/candle"
	"meanrev/internal/cooldown"
	"meanrev/internal/indicator"
	"meanrev/internal/obs"
	"meanrev/internal/reconcile"
	"meanrev/internal/schema"
	"meanrev/internal/strategy"
	"meanrev/pkg/exception"
)

const inboxCapacity = 256

// tombstoneRetention bounds how long a timed-out intent stays retrievable
// after expirePendingIntent clears its cooldown. A fill that arrives inside
// this window still finds its intent and goes through reconcile.Apply's
// invariant check instead of being quarantined outright; one that arrives
// after it is treated as referencing an unknown intent.
const tombstoneRetention = 10 * time.Minute

// laneMessage is the lane inbox's single wire type: a tick to fold into the
// pipeline, or a fill to apply to the book.
type laneMessage struct {
	tick *schema.Tick
	fill *schema.Fill
}

// Config bundles a Lane's collaborators. Book, Cooldowns and Indicators are
// owned by the shared state.Store; a Lane is the only goroutine allowed to
// mutate them for its symbol.
type Config struct {
	Symbol     string
	Cfg        schema.Config
	Candles    *candle.Aggregator
	Indicators *indicator.Cache
	Book       *book.Book
	Cooldowns  *cooldown.Registry
	Evaluator  *strategy.Evaluator
	Producer   *bus.Producer
	Metrics    *obs.Metrics
	Trace      *obs.TraceGenerator
	// PendingIntent seeds the lane with an intent left outstanding by a
	// prior run (state.Recover's trailing-intent result), so a late fill
	// or timeout is still resolvable after a restart.
	PendingIntent *schema.Intent
}

// Lane serializes all decision-affecting work for one symbol.
type Lane struct {
	symbol string
	cfg    atomic.Pointer[schema.Config]

	candles    *candle.Aggregator
	indicators *indicator.Cache
	book       *book.Book
	cooldowns  *cooldown.Registry
	evaluator  *strategy.Evaluator
	producer   *bus.Producer
	metrics    *obs.Metrics
	trace      *obs.TraceGenerator

	inbox chan laneMessage

	lastTickTS time.Time
	pending    map[string]schema.Intent // event id -> intent awaiting a fill
	expired    map[string]expiredIntent // event id -> intent whose pending_intent cooldown already timed out
}

// expiredIntent is a tombstone left by expirePendingIntent so a late fill
// can still be reconciled against the intent it names.
type expiredIntent struct {
	intent    schema.Intent
	expiresAt time.Time
}

// New creates a Lane for one symbol.
func New(cfg Config) *Lane {
	l := &Lane{
		symbol:     cfg.Symbol,
		candles:    cfg.Candles,
		indicators: cfg.Indicators,
		book:       cfg.Book,
		cooldowns:  cfg.Cooldowns,
		evaluator:  cfg.Evaluator,
		producer:   cfg.Producer,
		metrics:    cfg.Metrics,
		trace:      cfg.Trace,
		inbox:      make(chan laneMessage, inboxCapacity),
		pending:    make(map[string]schema.Intent),
		expired:    make(map[string]expiredIntent),
	}
	l.cfg.Store(&cfg.Cfg)
	if cfg.PendingIntent != nil {
		l.pending[cfg.PendingIntent.EventID] = *cfg.PendingIntent
	}
	return l
}

// SetConfig swaps the strategy configuration the lane evaluates against,
// taking effect on the next tick (see cmd/generator's watchConfig). Safe
// to call from any goroutine; the lane never blocks to pick it up.
func (l *Lane) SetConfig(cfg schema.Config) {
	l.cfg.Store(&cfg)
}

func (l *Lane) loadCfg() schema.Config {
	return *l.cfg.Load()
}

// SubmitTick enqueues a tick for processing, dropping it (and counting the
// drop) if the lane's inbox is saturated rather than blocking the feed.
func (l *Lane) SubmitTick(tick schema.Tick) error {
	select {
	case l.inbox <- laneMessage{tick: &tick}:
		return nil
	default:
		l.metrics.IncQueueDrop()
		return exception.ErrBusUnavailable
	}
}

// SubmitFill enqueues a fill for reconciliation against this symbol's book,
// posted by the Reconciler onto the same lane that processes ticks.
func (l *Lane) SubmitFill(fill schema.Fill) error {
	select {
	case l.inbox <- laneMessage{fill: &fill}:
		return nil
	default:
		l.metrics.IncQueueDrop()
		return exception.ErrBusUnavailable
	}
}

// Run drives the lane until ctx is cancelled or a shutdown signal arrives.
// It always finishes the message already pulled off the inbox before
// exiting.
func (l *Lane) Run(ctx context.Context) {
	logs.Infof("dispatch: lane %s starting", l.symbol)
	defer logs.Infof("dispatch: lane %s stopped", l.symbol)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sys.Shutdown():
			return
		case m := <-l.inbox:
			l.handle(ctx, m)
		}
	}
}

func (l *Lane) handle(ctx context.Context, m laneMessage) {
	switch {
	case m.tick != nil:
		l.handleTick(ctx, *m.tick)
	case m.fill != nil:
		l.handleFill(*m.fill)
	}
}

func (l *Lane) handleTick(ctx context.Context, tick schema.Tick) {
	if !l.lastTickTS.IsZero() && !tick.TS.After(l.lastTickTS) {
		l.metrics.IncError("stale_tick")
		return
	}
	l.lastTickTS = tick.TS

	l.expirePendingIntent(ctx, tick.TS)

	closed := l.candles.Update(tick)
	for _, c := range closed {
		snap := l.indicators.OnCandleClose(l.symbol, c)
		logs.Infof("dispatch: %s candle closed close=%s ma100_ready=%t mom3_ready=%t",
			l.symbol, c.Close.String(), snap.MA100Ready, snap.Mom3Ready)
	}

	snap := l.indicators.Snapshot(l.symbol)
	cfg := l.loadCfg()
	start := time.Now()
	intent, ok := l.evaluator.Evaluate(strategy.EvalInput{
		Symbol:    l.symbol,
		Price:     tick.Price,
		Indicator: snap,
		Book:      l.book,
		Cooldowns: l.cooldowns,
		Cfg:       cfg,
		Now:       tick.TS,
	})
	l.metrics.ObserveStrategyEval(time.Since(start))
	if !ok {
		return
	}

	l.emit(ctx, intent)
}

// expirePendingIntent clears a pending_intent cooldown that has run past
// its timeout without a fill, so the next tick's Evaluate call is free to
// re-propose. The timed-out intent moves into l.expired rather than being
// dropped outright: a fill that shows up late still needs to reach
// reconcile.Apply's invariant check in handleFill, not be quarantined just
// because the cooldown already cleared. It also appends an IntentExpiry
// tombstone to the intents log, so a restart's recovery replay (see
// internal/state.Recover) can tell this event id was resolved by timeout
// rather than leaving it stuck in the replayed pending set forever.
func (l *Lane) expirePendingIntent(ctx context.Context, now time.Time) {
	l.sweepExpired(now)

	eventID, ok := l.cooldowns.PendingIntentID(l.symbol)
	if !ok {
		return
	}
	exp, ok := l.cooldowns.ExpiresAt(l.symbol, cooldown.KindPendingIntent)
	if !ok || now.Before(exp) {
		return
	}
	l.cooldowns.Clear(l.symbol, cooldown.KindPendingIntent)
	if intent, ok := l.pending[eventID]; ok {
		delete(l.pending, eventID)
		l.expired[eventID] = expiredIntent{intent: intent, expiresAt: now.Add(tombstoneRetention)}
		l.recordExpiry(ctx, eventID, now)
	}
	l.metrics.IncError("intent_timeout")
	logs.Warnf("dispatch: %s intent %s timed out unfilled", l.symbol, eventID)
}

// recordExpiry appends an IntentExpiry tombstone for eventID. A publish
// failure here is logged, not fatal: the live process already moved the
// intent into l.expired, so only a restart before the next successful
// tombstone append would re-see it as ambiguously pending.
func (l *Lane) recordExpiry(ctx context.Context, eventID string, now time.Time) {
	payload, err := json.Marshal(schema.IntentExpiry{EventID: eventID, Symbol: l.symbol, TS: now})
	if err != nil {
		logs.Errorf("dispatch: %s marshal intent expiry %s: %v", l.symbol, eventID, err)
		return
	}
	if err := l.producer.Publish(ctx, bus.KindIntentExpired, "expire:"+eventID, payload); err != nil {
		logs.Errorf("dispatch: %s publish intent expiry %s: %v", l.symbol, eventID, err)
	}
}

// sweepExpired drops tombstones whose retention window has passed, bounding
// l.expired's growth for lanes that see repeated timeouts.
func (l *Lane) sweepExpired(now time.Time) {
	for id, e := range l.expired {
		if now.After(e.expiresAt) {
			delete(l.expired, id)
		}
	}
}

func (l *Lane) emit(ctx context.Context, intent schema.Intent) {
	intent.EventID = fmt.Sprintf("%s-%d", l.symbol, l.trace.Next())

	payload, err := json.Marshal(intent)
	if err != nil {
		logs.Errorf("dispatch: %s marshal intent: %v", l.symbol, err)
		return
	}

	if err := l.producer.Publish(ctx, bus.KindIntent, intent.DedupeKey, payload); err != nil {
		logs.Errorf("dispatch: %s publish intent: %v",
			l.symbol, errors.Wrap(err, "publish intent").With("symbol", l.symbol).With("event_id", intent.EventID))
		l.metrics.IncError("bus_unavailable")
		return
	}

	l.cooldowns.ArmPending(l.symbol, intent.EventID, intent.TS, l.loadCfg().IntentPendingTimeout)
	l.pending[intent.EventID] = intent
	l.metrics.IncDecision(intent.Action)
	logs.Infof("dispatch: %s emitted %s event_id=%s dedupe_key=%s", l.symbol, intent.Action, intent.EventID, intent.DedupeKey)
}

func (l *Lane) handleFill(fill schema.Fill) {
	intent, ok := l.pending[fill.IntentID]
	fromTombstone := false
	if !ok {
		if e, found := l.expired[fill.IntentID]; found {
			intent, ok, fromTombstone = e.intent, true, true
		}
	}
	if !ok {
		logs.Warnf("dispatch: %s fill %s references unknown intent %s, quarantining", l.symbol, fill.EventID, fill.IntentID)
		l.metrics.IncError("fill_quarantined")
		return
	}

	if err := reconcile.Apply(l.book, l.cooldowns, l.loadCfg(), intent, fill); err != nil {
		logs.Warnf("dispatch: %s quarantining fill %s: %v", l.symbol, fill.EventID, err)
		l.metrics.IncError("fill_quarantined")
		return
	}
	delete(l.pending, fill.IntentID)
	if fromTombstone {
		delete(l.expired, fill.IntentID)
	}
	l.metrics.ObserveFillLatency(fill.TS.Sub(intent.TS))
	logs.Infof("dispatch: %s applied fill %s for intent %s status=%s", l.symbol, fill.EventID, fill.IntentID, fill.Status)
}
