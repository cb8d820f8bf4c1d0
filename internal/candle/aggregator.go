// Package candle folds market ticks into 1-minute OHLC candles, one open
// bucket per symbol (spec §4.A).
package candle

import (
	"time"

	"meanrev/internal/schema"
)

// Aggregator maintains the open candle for every symbol it has seen.
// It is not safe for concurrent use across symbols sharing the same
// Aggregator value from more than one goroutine; spec §5 dedicates one
// lane per symbol, so callers keep one Aggregator per symbol lane.
type Aggregator struct {
	period time.Duration
	open   map[string]*schema.Candle
}

// New creates an Aggregator bucketing on the given period (spec default 60s).
func New(period time.Duration) *Aggregator {
	if period <= 0 {
		period = 60 * time.Second
	}
	return &Aggregator{period: period, open: make(map[string]*schema.Candle)}
}

// Update folds a tick into the open candle for its symbol. It returns the
// candles that closed as a result (normally zero or one; more than one when
// the tick skips whole minutes, each skipped minute closing flat at the
// previous close per spec §4.A).
func (a *Aggregator) Update(tick schema.Tick) []schema.Candle {
	cur := a.open[tick.Symbol]
	if cur == nil {
		bucket := bucketStart(tick.TS, a.period)
		a.open[tick.Symbol] = &schema.Candle{
			Symbol:      tick.Symbol,
			BucketStart: bucket,
			Open:        tick.Price,
			High:        tick.Price,
			Low:         tick.Price,
			Close:       tick.Price,
			NTicks:      1,
		}
		return nil
	}

	if tick.TS.Before(cur.BucketStart.Add(a.period)) {
		if tick.Price.GreaterThan(cur.High) {
			cur.High = tick.Price
		}
		if tick.Price.LessThan(cur.Low) {
			cur.Low = tick.Price
		}
		cur.Close = tick.Price
		cur.NTicks++
		return nil
	}

	tickBucket := bucketStart(tick.TS, a.period)

	closed := []schema.Candle{*cur}
	flat := cur.Close
	for b := cur.BucketStart.Add(a.period); b.Before(tickBucket); b = b.Add(a.period) {
		closed = append(closed, schema.Candle{
			Symbol:      tick.Symbol,
			BucketStart: b,
			Open:        flat,
			High:        flat,
			Low:         flat,
			Close:       flat,
			NTicks:      0,
		})
	}

	cur = &schema.Candle{
		Symbol:      tick.Symbol,
		BucketStart: tickBucket,
		Open:        tick.Price,
		High:        tick.Price,
		Low:         tick.Price,
		Close:       tick.Price,
		NTicks:      1,
	}
	a.open[tick.Symbol] = cur

	return closed
}

// Open returns the currently open candle for a symbol, if any.
func (a *Aggregator) Open(symbol string) (schema.Candle, bool) {
	cur := a.open[symbol]
	if cur == nil {
		return schema.Candle{}, false
	}
	return *cur, true
}

func bucketStart(ts time.Time, period time.Duration) time.Time {
	return ts.Truncate(period)
}
