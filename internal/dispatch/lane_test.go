package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/decimal"

	"meanrev/internal/book"
	"meanrev/internal/bus"
	"meanrev/internal/candle"
	"meanrev/internal/cooldown"
	"meanrev/internal/indicator"
	"meanrev/internal/obs"
	"meanrev/internal/schema"
	"meanrev/internal/strategy"
)

func newTestLane(t *testing.T, symbol string) (*Lane, *bus.LogWriter, string) {
	t.Helper()
	cfg := schema.Config{
		MAPeriod:             4,
		MomentumWindow:       3,
		MomentumThreshold:    decimal.NewFromFloat(0.005),
		MAThrEff:             decimal.NewFromFloat(0.001),
		MaxLots:              4,
		InitWindow:           15 * time.Minute,
		ScaleInCooldown:      30 * time.Minute,
		ScaleOutCooldown:     30 * time.Minute,
		RiskControlThreshold: decimal.NewFromFloat(0.003),
		IntentPendingTimeout: time.Minute,
	}

	dir := t.TempDir()
	w, err := bus.NewLogWriter(bus.DefaultLogConfig(dir))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = w.Close()
	})

	ind := indicator.New(cfg.MAPeriod, cfg.MomentumWindow)
	closes := []schema.Decimal{
		decimal.NewFromFloat(101),
		decimal.NewFromFloat(100.5),
		decimal.NewFromFloat(100.2),
		decimal.NewFromFloat(100),
	}
	ind.Restore(symbol, closes)

	l := New(Config{
		Symbol:     symbol,
		Cfg:        cfg,
		Candles:    candle.New(cfg.CandlePeriod),
		Indicators: ind,
		Book:       book.New(symbol, cfg.MaxLots),
		Cooldowns:  cooldown.New(),
		Evaluator:  strategy.New(),
		Producer:   bus.NewProducer(symbol, w),
		Metrics:    obs.NewMetrics(),
		Trace:      obs.NewTraceGenerator(1),
	})
	return l, w, dir
}

func TestLaneEmitsIntentOnEntryTrigger(t *testing.T) {
	symbol := "BTC"
	l, w, dir := newTestLane(t, symbol)

	now := time.Now()
	l.handleTick(context.Background(), schema.Tick{Symbol: symbol, Price: decimal.NewFromFloat(99), TS: now})

	require.Len(t, l.pending, 1)
	assert.True(t, l.cooldowns.Active(symbol, cooldown.KindPendingIntent, now))

	require.NoError(t, w.Close())

	pb, err := bus.NewPlayback(bus.PlaybackConfig{Dir: dir, FilePrefix: "sig"})
	require.NoError(t, err)

	var count int
	require.NoError(t, pb.Run(context.Background(), func(header bus.RecordHeader, payload []byte) error {
		if header.Kind == bus.KindIntent {
			count++
		}
		return nil
	}))
	assert.Equal(t, 1, count)
}

func TestLaneAppliesFillAndClearsPendingCooldown(t *testing.T) {
	symbol := "BTC"
	l, _, _ := newTestLane(t, symbol)

	now := time.Now()
	l.handleTick(context.Background(), schema.Tick{Symbol: symbol, Price: decimal.NewFromFloat(99), TS: now})
	require.Len(t, l.pending, 1)

	var eventID string
	for id := range l.pending {
		eventID = id
	}

	l.handleFill(schema.Fill{
		EventID:    "fill-1",
		IntentID:   eventID,
		Symbol:     symbol,
		LotID:      "lot-1",
		FillPrice:  decimal.NewFromFloat(99),
		FilledSize: decimal.NewFromFloat(1),
		TS:         now.Add(time.Second),
		Status:     schema.FillStatusFilled,
	})

	assert.Equal(t, 1, l.book.Len())
	assert.Empty(t, l.pending)
	assert.False(t, l.cooldowns.Active(symbol, cooldown.KindPendingIntent, now.Add(time.Second)))
}

func TestLaneDropsStaleTick(t *testing.T) {
	symbol := "BTC"
	l, _, _ := newTestLane(t, symbol)

	now := time.Now()
	l.handleTick(context.Background(), schema.Tick{Symbol: symbol, Price: decimal.NewFromFloat(100), TS: now})
	l.handleTick(context.Background(), schema.Tick{Symbol: symbol, Price: decimal.NewFromFloat(100), TS: now.Add(-time.Second)})

	snap := l.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.ErrorCounts["stale_tick"])
}

func TestLaneExpiresPendingIntentAfterTimeout(t *testing.T) {
	symbol := "BTC"
	l, _, _ := newTestLane(t, symbol)

	now := time.Now()
	l.handleTick(context.Background(), schema.Tick{Symbol: symbol, Price: decimal.NewFromFloat(99), TS: now})
	require.Len(t, l.pending, 1)

	later := now.Add(2 * time.Minute)
	l.expirePendingIntent(context.Background(), later)

	assert.Empty(t, l.pending)
	assert.False(t, l.cooldowns.Active(symbol, cooldown.KindPendingIntent, later))

	snap := l.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.ErrorCounts["intent_timeout"])
}

func TestLaneAppliesLateFillAfterIntentTimeout(t *testing.T) {
	symbol := "BTC"
	l, _, _ := newTestLane(t, symbol)

	now := time.Now()
	l.handleTick(context.Background(), schema.Tick{Symbol: symbol, Price: decimal.NewFromFloat(99), TS: now})
	require.Len(t, l.pending, 1)

	var eventID string
	for id := range l.pending {
		eventID = id
	}

	later := now.Add(2 * time.Minute)
	l.expirePendingIntent(context.Background(), later)
	require.Empty(t, l.pending)
	require.Contains(t, l.expired, eventID)

	l.handleFill(schema.Fill{
		EventID:    "fill-late",
		IntentID:   eventID,
		Symbol:     symbol,
		LotID:      "lot-1",
		FillPrice:  decimal.NewFromFloat(99),
		FilledSize: decimal.NewFromFloat(1),
		TS:         later.Add(time.Second),
		Status:     schema.FillStatusFilled,
	})

	assert.Equal(t, 1, l.book.Len())
	assert.NotContains(t, l.expired, eventID)
	snap := l.metrics.Snapshot()
	assert.Equal(t, uint64(0), snap.ErrorCounts["fill_quarantined"])
}

func TestLaneQuarantinesFillAfterTombstoneRetentionExpires(t *testing.T) {
	symbol := "BTC"
	l, _, _ := newTestLane(t, symbol)

	now := time.Now()
	l.handleTick(context.Background(), schema.Tick{Symbol: symbol, Price: decimal.NewFromFloat(99), TS: now})
	require.Len(t, l.pending, 1)

	var eventID string
	for id := range l.pending {
		eventID = id
	}

	later := now.Add(2 * time.Minute)
	l.expirePendingIntent(context.Background(), later)
	require.Contains(t, l.expired, eventID)

	wayLater := later.Add(tombstoneRetention + time.Minute)
	l.expirePendingIntent(context.Background(), wayLater)
	require.NotContains(t, l.expired, eventID)

	l.handleFill(schema.Fill{
		EventID:  "fill-toolate",
		IntentID: eventID,
		Symbol:   symbol,
		Status:   schema.FillStatusFilled,
	})

	assert.Equal(t, 0, l.book.Len())
	snap := l.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.ErrorCounts["fill_quarantined"])
}

func TestLaneQuarantinesFillWithNoMatchingIntent(t *testing.T) {
	symbol := "BTC"
	l, _, _ := newTestLane(t, symbol)

	l.handleFill(schema.Fill{EventID: "fill-x", IntentID: "unknown-intent", Symbol: symbol, Status: schema.FillStatusFilled})

	assert.Equal(t, 0, l.book.Len())
	snap := l.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.ErrorCounts["fill_quarantined"])
}
