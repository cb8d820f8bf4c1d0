package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/decimal"

	"meanrev/internal/book"
	"meanrev/internal/cooldown"
	"meanrev/internal/schema"
)

func testCfg() schema.Config {
	cfg := schema.Default()
	cfg.MAThrEff = decimal.NewFromFloat(0.01)
	cfg.MomentumThreshold = decimal.NewFromFloat(0.003)
	return cfg
}

func snap(ma100 float64, mom3 float64) schema.Snapshot {
	return schema.Snapshot{
		MA100:      decimal.NewFromFloat(ma100),
		MA100Ready: true,
		Mom3:       decimal.NewFromFloat(mom3),
		Mom3Ready:  true,
	}
}

func mkLot(id string, dir schema.Direction, price float64, ts time.Time, maThr schema.Decimal, stage schema.Stage) schema.Lot {
	return schema.Lot{
		LotID:        id,
		Symbol:       "BTC",
		Direction:    dir,
		EntryPrice:   decimal.NewFromFloat(price),
		EntryTS:      ts,
		Size:         decimal.NewFromFloat(1),
		Stage:        stage,
		MAThrAtEntry: maThr,
	}
}

func TestInitLongFires(t *testing.T) {
	e := New()
	now := time.Now()
	b := book.New("BTC", 4)
	cfg := testCfg()

	in := EvalInput{
		Symbol:    "BTC",
		Price:     decimal.NewFromFloat(98.9),
		Indicator: snap(100, -0.004),
		Book:      b,
		Cooldowns: cooldown.New(),
		Cfg:       cfg,
		Now:       now,
	}
	intent, ok := e.Evaluate(in)
	require.True(t, ok)
	assert.Equal(t, schema.ActionInit, intent.Action)
	assert.Equal(t, schema.Long, intent.Direction)
	assert.True(t, intent.ReferencePrice.Equal(decimal.NewFromFloat(98.9)))
}

func TestScaleInAfterInitThenCooldownBlocks(t *testing.T) {
	e := New()
	base := time.Now()
	cfg := testCfg()

	b := book.New("BTC", 4)
	require.NoError(t, b.Append(mkLot("1", schema.Long, 98.9, base, cfg.MAThrEff, schema.StageInit)))

	cd := cooldown.New()
	tick1 := base.Add(10 * time.Minute)
	intent, ok := e.Evaluate(EvalInput{
		Symbol:    "BTC",
		Price:     decimal.NewFromFloat(98.4),
		Indicator: snap(100, -0.004),
		Book:      b,
		Cooldowns: cd,
		Cfg:       cfg,
		Now:       tick1,
	})
	require.True(t, ok)
	assert.Equal(t, schema.ActionScaleIn, intent.Action)
	assert.Equal(t, schema.Long, intent.Direction)

	// Simulate the reconciler arming scale_in cooldown on fill.
	cd.Arm("BTC", cooldown.KindScaleIn, tick1, cfg.ScaleInCooldown)

	tick2 := base.Add(25 * time.Minute)
	_, ok = e.Evaluate(EvalInput{
		Symbol:    "BTC",
		Price:     decimal.NewFromFloat(98.2),
		Indicator: snap(100, -0.004),
		Book:      b,
		Cooldowns: cd,
		Cfg:       cfg,
		Now:       tick2,
	})
	assert.False(t, ok)
}

func TestStopLossOldest(t *testing.T) {
	e := New()
	base := time.Now()
	cfg := testCfg()

	b := book.New("BTC", 4)
	require.NoError(t, b.Append(mkLot("1", schema.Long, 99, base.Add(-30*time.Minute), decimal.NewFromFloat(0.01), schema.StageInit)))

	intent, ok := e.Evaluate(EvalInput{
		Symbol:    "BTC",
		Price:     decimal.NewFromFloat(96.02),
		Indicator: snap(100, 0),
		Book:      b,
		Cooldowns: cooldown.New(),
		Cfg:       cfg,
		Now:       base,
	})
	require.True(t, ok)
	assert.Equal(t, schema.ActionStopLoss, intent.Action)
	assert.Equal(t, "1", intent.TargetLotID)
}

func TestRiskControlAtFourLots(t *testing.T) {
	e := New()
	base := time.Now()
	cfg := testCfg()

	b := book.New("BTC", 4)
	prices := []float64{98, 98, 98, 98} // avg = 98.0
	for i, p := range prices {
		require.NoError(t, b.Append(mkLot(string(rune('1'+i)), schema.Long, p, base, cfg.MAThrEff, schema.StageInit)))
	}
	avg, ok := b.AvgEntryPrice()
	require.True(t, ok)
	require.True(t, avg.Equal(decimal.NewFromFloat(98.0)))

	intent, ok := e.Evaluate(EvalInput{
		Symbol:    "BTC",
		Price:     decimal.NewFromFloat(98.3),
		Indicator: snap(100, 0),
		Book:      b,
		Cooldowns: cooldown.New(),
		Cfg:       cfg,
		Now:       base,
	})
	require.True(t, ok)
	assert.Equal(t, schema.ActionRiskControl, intent.Action)
	assert.Len(t, intent.TargetLotIDs, 4)
}

func TestNormalExit(t *testing.T) {
	e := New()
	base := time.Now()
	cfg := testCfg()

	b := book.New("BTC", 4)
	require.NoError(t, b.Append(mkLot("1", schema.Long, 99, base, cfg.MAThrEff, schema.StageInit)))

	intent, ok := e.Evaluate(EvalInput{
		Symbol:    "BTC",
		Price:     decimal.NewFromFloat(101.05),
		Indicator: snap(100, 0),
		Book:      b,
		Cooldowns: cooldown.New(),
		Cfg:       cfg,
		Now:       base,
	})
	require.True(t, ok)
	assert.Equal(t, schema.ActionNormalExit, intent.Action)
	assert.Equal(t, []string{"1"}, intent.TargetLotIDs)
}

func TestDuplicateSuppressionViaPendingIntent(t *testing.T) {
	e := New()
	base := time.Now()
	cfg := testCfg()

	b := book.New("BTC", 4)
	require.NoError(t, b.Append(mkLot("1", schema.Long, 98.9, base, cfg.MAThrEff, schema.StageInit)))

	cd := cooldown.New()
	first, ok := e.Evaluate(EvalInput{
		Symbol:    "BTC",
		Price:     decimal.NewFromFloat(98.4),
		Indicator: snap(100, -0.004),
		Book:      b,
		Cooldowns: cd,
		Cfg:       cfg,
		Now:       base,
	})
	require.True(t, ok)

	// Emission of the intent arms the pending_intent cooldown.
	cd.ArmPending("BTC", first.DedupeKey, base, cfg.IntentPendingTimeout)

	_, ok = e.Evaluate(EvalInput{
		Symbol:    "BTC",
		Price:     decimal.NewFromFloat(98.4),
		Indicator: snap(100, -0.004),
		Book:      b,
		Cooldowns: cd,
		Cfg:       cfg,
		Now:       base.Add(time.Second),
	})
	assert.False(t, ok, "second tick within pending_intent window must be suppressed")
}

func TestSuppressedUntilMA100Ready(t *testing.T) {
	e := New()
	b := book.New("BTC", 4)
	cfg := testCfg()

	unready := schema.Snapshot{MA100Ready: false, Mom3Ready: true}
	_, ok := e.Evaluate(EvalInput{
		Symbol:    "BTC",
		Price:     decimal.NewFromFloat(98.9),
		Indicator: unready,
		Book:      b,
		Cooldowns: cooldown.New(),
		Cfg:       cfg,
		Now:       time.Now(),
	})
	assert.False(t, ok)
}

func TestAgeFactorHalfOpenAtOneHour(t *testing.T) {
	assert.True(t, ageFactor(59*time.Minute).Equal(decimal.NewFromFloat(3.0)))
	assert.True(t, ageFactor(time.Hour).Equal(decimal.NewFromFloat(2.5)))
	assert.True(t, ageFactor(2*time.Hour).Equal(decimal.NewFromFloat(2.0)))
	assert.True(t, ageFactor(12*time.Hour).Equal(decimal.NewFromFloat(1.5)))
	assert.True(t, ageFactor(24*time.Hour).Equal(decimal.NewFromFloat(1.0)))
}

func TestInit2UnreachableAfterFifteenMinutes(t *testing.T) {
	e := New()
	base := time.Now()
	cfg := testCfg()

	b := book.New("BTC", 4)
	require.NoError(t, b.Append(mkLot("1", schema.Long, 100, base.Add(-16*time.Minute), cfg.MAThrEff, schema.StageInit)))

	// Price low enough to trigger INIT2 if the window were still open.
	intent, ok := e.Evaluate(EvalInput{
		Symbol:    "BTC",
		Price:     decimal.NewFromFloat(98.9),
		Indicator: snap(100, 0),
		Book:      b,
		Cooldowns: cooldown.New(),
		Cfg:       cfg,
		Now:       base,
	})
	if ok {
		assert.NotEqual(t, schema.ActionInit2, intent.Action)
	}
}

func TestInit2FiresWithinWindow(t *testing.T) {
	e := New()
	base := time.Now()
	cfg := testCfg()

	b := book.New("BTC", 4)
	require.NoError(t, b.Append(mkLot("1", schema.Long, 100, base.Add(-5*time.Minute), cfg.MAThrEff, schema.StageInit)))

	intent, ok := e.Evaluate(EvalInput{
		Symbol:    "BTC",
		Price:     decimal.NewFromFloat(98.9), // <= 100*(1-0.01)=99
		Indicator: snap(100, 0),
		Book:      b,
		Cooldowns: cooldown.New(),
		Cfg:       cfg,
		Now:       base,
	})
	require.True(t, ok)
	assert.Equal(t, schema.ActionInit2, intent.Action)
	assert.Equal(t, 2, intent.SequenceInBook)
}

func TestNoIntentWhenNothingTriggers(t *testing.T) {
	e := New()
	base := time.Now()
	cfg := testCfg()
	b := book.New("BTC", 4)

	_, ok := e.Evaluate(EvalInput{
		Symbol:    "BTC",
		Price:     decimal.NewFromFloat(100),
		Indicator: snap(100, 0),
		Book:      b,
		Cooldowns: cooldown.New(),
		Cfg:       cfg,
		Now:       base,
	})
	assert.False(t, ok)
}
