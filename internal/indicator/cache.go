// Package indicator maintains MA100 and 3-minute momentum incrementally
// from closed candles, one ring per symbol (spec §4.B).
package indicator

import (
	"github.com/yanun0323/decimal"

	"meanrev/internal/schema"
)

// Cache holds, per symbol, the ring of the last N closed 1-minute closes
// and the derived MA/momentum snapshot.
type Cache struct {
	maPeriod int
	momWindow int
	rings    map[string]*ring
}

type ring struct {
	closes []schema.Decimal // oldest first, capped at maPeriod
}

// New creates a Cache for the given MA period and momentum window
// (spec defaults: 100, 3).
func New(maPeriod, momWindow int) *Cache {
	if maPeriod <= 0 {
		maPeriod = 100
	}
	if momWindow <= 0 {
		momWindow = 3
	}
	return &Cache{maPeriod: maPeriod, momWindow: momWindow, rings: make(map[string]*ring)}
}

// OnCandleClose pushes a newly closed candle's close price and returns the
// refreshed snapshot for the symbol.
func (c *Cache) OnCandleClose(symbol string, candle schema.Candle) schema.Snapshot {
	r := c.rings[symbol]
	if r == nil {
		r = &ring{}
		c.rings[symbol] = r
	}
	r.closes = append(r.closes, candle.Close)
	if len(r.closes) > c.maPeriod {
		r.closes = r.closes[len(r.closes)-c.maPeriod:]
	}
	return c.snapshot(r)
}

// Snapshot returns the current indicator state for a symbol without
// mutating it (used for intra-minute evaluation against the working price).
func (c *Cache) Snapshot(symbol string) schema.Snapshot {
	r := c.rings[symbol]
	if r == nil {
		return schema.Snapshot{}
	}
	return c.snapshot(r)
}

// Closes returns a copy of the raw close ring for a symbol, oldest first —
// used to persist and later rehydrate indicator state across restarts,
// since MA100/mom3 cannot be recomputed from the signal bus alone (it logs
// intents and fills, not candle closes).
func (c *Cache) Closes(symbol string) []schema.Decimal {
	r := c.rings[symbol]
	if r == nil {
		return nil
	}
	out := make([]schema.Decimal, len(r.closes))
	copy(out, r.closes)
	return out
}

// Restore replaces a symbol's close ring wholesale, e.g. from a snapshot
// taken before a restart.
func (c *Cache) Restore(symbol string, closes []schema.Decimal) {
	r := &ring{closes: append([]schema.Decimal(nil), closes...)}
	if len(r.closes) > c.maPeriod {
		r.closes = r.closes[len(r.closes)-c.maPeriod:]
	}
	c.rings[symbol] = r
}

func (c *Cache) snapshot(r *ring) schema.Snapshot {
	snap := schema.Snapshot{ClosedCount: len(r.closes)}
	if len(r.closes) == 0 {
		return snap
	}
	snap.LastClose = r.closes[len(r.closes)-1]

	if len(r.closes) >= c.maPeriod {
		sum := r.closes[0]
		for _, v := range r.closes[1:] {
			sum = sum.Add(v)
		}
		snap.MA100 = sum.Div(decimal.NewFromInt(int64(len(r.closes))))
		snap.MA100Ready = true
	}

	if len(r.closes) >= c.momWindow+1 {
		cur := r.closes[len(r.closes)-1]
		prior := r.closes[len(r.closes)-1-c.momWindow]
		if !prior.IsZero() {
			snap.Mom3 = cur.Sub(prior).Div(prior)
			snap.Mom3Ready = true
		}
	}

	return snap
}
