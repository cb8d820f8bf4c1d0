package candle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/decimal"

	"meanrev/internal/schema"
)

func tick(sym string, price float64, ts time.Time) schema.Tick {
	return schema.Tick{Symbol: sym, Price: decimal.NewFromFloat(price), TS: ts}
}

func TestAggregatorSingleBucket(t *testing.T) {
	a := New(time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	closed := a.Update(tick("BTC", 100, base))
	assert.Empty(t, closed)

	closed = a.Update(tick("BTC", 105, base.Add(10*time.Second)))
	assert.Empty(t, closed)

	closed = a.Update(tick("BTC", 95, base.Add(20*time.Second)))
	assert.Empty(t, closed)

	open, ok := a.Open("BTC")
	require.True(t, ok)
	assert.True(t, open.High.Equal(decimal.NewFromFloat(105)))
	assert.True(t, open.Low.Equal(decimal.NewFromFloat(95)))
	assert.True(t, open.Close.Equal(decimal.NewFromFloat(95)))
	assert.Equal(t, 3, open.NTicks)
}

func TestAggregatorCloseOnBoundary(t *testing.T) {
	a := New(time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a.Update(tick("BTC", 100, base))
	closed := a.Update(tick("BTC", 110, base.Add(70*time.Second)))
	require.Len(t, closed, 1)
	assert.True(t, closed[0].Close.Equal(decimal.NewFromFloat(100)))

	open, ok := a.Open("BTC")
	require.True(t, ok)
	assert.True(t, open.Open.Equal(decimal.NewFromFloat(110)))
	assert.Equal(t, 1, open.NTicks)
}

func TestAggregatorSkippedMinutesFlat(t *testing.T) {
	a := New(time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a.Update(tick("BTC", 100, base))
	closed := a.Update(tick("BTC", 120, base.Add(185*time.Second)))
	require.Len(t, closed, 3)

	assert.True(t, closed[0].Close.Equal(decimal.NewFromFloat(100)))
	assert.True(t, closed[1].Open.Equal(decimal.NewFromFloat(100)))
	assert.True(t, closed[1].Close.Equal(decimal.NewFromFloat(100)))
	assert.True(t, closed[2].Open.Equal(decimal.NewFromFloat(100)))
	assert.True(t, closed[2].Close.Equal(decimal.NewFromFloat(100)))

	open, ok := a.Open("BTC")
	require.True(t, ok)
	assert.True(t, open.Open.Equal(decimal.NewFromFloat(120)))
}

func TestAggregatorIndependentSymbols(t *testing.T) {
	a := New(time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a.Update(tick("BTC", 100, base))
	a.Update(tick("ETH", 3000, base))

	bc, _ := a.Open("BTC")
	ec, _ := a.Open("ETH")
	assert.True(t, bc.Close.Equal(decimal.NewFromFloat(100)))
	assert.True(t, ec.Close.Equal(decimal.NewFromFloat(3000)))
}
