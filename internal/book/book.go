// Package book implements the per-symbol Position Book: an ordered,
// single-direction sequence of lots (spec §4.C).
//
// Mutations are not internally synchronized; spec §5 serializes all book
// access through a single per-symbol lane, so a Book is owned by exactly
// one goroutine at a time (the dispatch lane, with fills enqueued onto the
// same lane rather than applied from a separate goroutine).
package book

import (
	"time"

	"github.com/yanun0323/decimal"
	"github.com/yanun0323/errors"

	"meanrev/internal/schema"
	"meanrev/pkg/exception"
)

// Book is the ordered lot list for one (symbol, direction) pair. An empty
// Book has no fixed direction; it takes on the direction of its first lot.
type Book struct {
	symbol    string
	maxLots   int
	direction schema.Direction
	lots      []schema.Lot
}

// New creates an empty book for a symbol with the given lot cap.
func New(symbol string, maxLots int) *Book {
	if maxLots <= 0 {
		maxLots = 4
	}
	return &Book{symbol: symbol, maxLots: maxLots}
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() string { return b.symbol }

// Direction returns the book's current direction; DirectionUnknown if empty.
func (b *Book) Direction() schema.Direction { return b.direction }

// Len returns the number of open lots.
func (b *Book) Len() int { return len(b.lots) }

// Empty reports whether the book holds no lots.
func (b *Book) Empty() bool { return len(b.lots) == 0 }

// Lots returns a copy of the open lots in entry order (oldest first).
func (b *Book) Lots() []schema.Lot {
	out := make([]schema.Lot, len(b.lots))
	copy(out, b.lots)
	return out
}

// Oldest returns the oldest open lot.
func (b *Book) Oldest() (schema.Lot, bool) {
	if len(b.lots) == 0 {
		return schema.Lot{}, false
	}
	return b.lots[0], true
}

// Newest returns the newest open lot.
func (b *Book) Newest() (schema.Lot, bool) {
	if len(b.lots) == 0 {
		return schema.Lot{}, false
	}
	return b.lots[len(b.lots)-1], true
}

// Append adds a new lot to the book, validating direction and capacity.
// Entry order is maintained by insertion position, not a re-sort, per
// spec §4.C's "for i<j: lot[i].entry_ts <= lot[j].entry_ts" invariant —
// callers append lots in arrival order.
func (b *Book) Append(lot schema.Lot) error {
	if len(b.lots) >= b.maxLots {
		return errors.Wrap(exception.ErrMaxLotsExceeded, "append lot").
			With("symbol", b.symbol).With("max_lots", b.maxLots)
	}
	if len(b.lots) > 0 && lot.Direction != b.direction {
		return errors.Wrap(exception.ErrDirectionConflict, "append lot").
			With("symbol", b.symbol).With("book_direction", b.direction.String()).
			With("lot_direction", lot.Direction.String())
	}
	if len(b.lots) == 0 {
		b.direction = lot.Direction
	}
	b.lots = append(b.lots, lot)
	return nil
}

// CloseOldest removes and returns the oldest lot.
func (b *Book) CloseOldest() (schema.Lot, bool) {
	if len(b.lots) == 0 {
		return schema.Lot{}, false
	}
	lot := b.lots[0]
	b.lots = b.lots[1:]
	b.resetDirectionIfEmpty()
	return lot, true
}

// CloseNewest removes and returns the newest lot.
func (b *Book) CloseNewest() (schema.Lot, bool) {
	if len(b.lots) == 0 {
		return schema.Lot{}, false
	}
	last := len(b.lots) - 1
	lot := b.lots[last]
	b.lots = b.lots[:last]
	b.resetDirectionIfEmpty()
	return lot, true
}

// CloseOldestN removes and returns the oldest n lots (n capped to book size).
func (b *Book) CloseOldestN(n int) []schema.Lot {
	if n <= 0 {
		return nil
	}
	if n > len(b.lots) {
		n = len(b.lots)
	}
	out := make([]schema.Lot, n)
	copy(out, b.lots[:n])
	b.lots = b.lots[n:]
	b.resetDirectionIfEmpty()
	return out
}

// CloseAll removes and returns every open lot, oldest first.
func (b *Book) CloseAll() []schema.Lot {
	out := b.lots
	b.lots = nil
	b.direction = schema.DirectionUnknown
	return out
}

// CloseByID removes and returns a specific lot by id, wherever it sits.
func (b *Book) CloseByID(lotID string) (schema.Lot, error) {
	for i, l := range b.lots {
		if l.LotID == lotID {
			lot := l
			b.lots = append(b.lots[:i], b.lots[i+1:]...)
			b.resetDirectionIfEmpty()
			return lot, nil
		}
	}
	return schema.Lot{}, errors.Wrap(exception.ErrLotNotFound, "close by id").
		With("symbol", b.symbol).With("lot_id", lotID)
}

// AvgEntryPrice returns the size-weighted mean entry price across open lots.
func (b *Book) AvgEntryPrice() (decimal.Decimal, bool) {
	if len(b.lots) == 0 {
		return decimal.Decimal{}, false
	}
	totalValue := b.lots[0].EntryPrice.Mul(b.lots[0].Size)
	totalSize := b.lots[0].Size
	for _, l := range b.lots[1:] {
		totalValue = totalValue.Add(l.EntryPrice.Mul(l.Size))
		totalSize = totalSize.Add(l.Size)
	}
	if totalSize.IsZero() {
		return decimal.Decimal{}, false
	}
	return totalValue.Div(totalSize), true
}

// PrevEntryPrice returns the entry price of the most recent *remaining*
// lot, used by the SCALE_OUT trigger (spec §9 open question, resolved:
// most-recent-remaining, not most-recent-ever-created).
func (b *Book) PrevEntryPrice() (decimal.Decimal, bool) {
	lot, ok := b.Newest()
	if !ok {
		return decimal.Decimal{}, false
	}
	return lot.EntryPrice, true
}

// Age returns how long a lot has been open.
func Age(lot schema.Lot, now time.Time) time.Duration {
	return now.Sub(lot.EntryTS)
}

// RestoreLots replaces the book's contents wholesale from persisted state,
// bypassing the direction/capacity checks Append applies — used only during
// startup recovery, where the lots were already validated when they were
// first appended.
func (b *Book) RestoreLots(lots []schema.Lot) {
	b.lots = append([]schema.Lot(nil), lots...)
	if len(b.lots) > 0 {
		b.direction = b.lots[0].Direction
	} else {
		b.direction = schema.DirectionUnknown
	}
}

func (b *Book) resetDirectionIfEmpty() {
	if len(b.lots) == 0 {
		b.direction = schema.DirectionUnknown
	}
}

// UnrealizedPnL computes the book's aggregate unrealized profit at a given
// mark price (SPEC_FULL.md supplemented feature; not used by decision
// logic, exposed for an operator-facing notifier per original_source's
// format_position_lines).
func (b *Book) UnrealizedPnL(markPrice decimal.Decimal) decimal.Decimal {
	var total decimal.Decimal
	for i, l := range b.lots {
		var diff decimal.Decimal
		switch l.Direction {
		case schema.Long:
			diff = markPrice.Sub(l.EntryPrice)
		case schema.Short:
			diff = l.EntryPrice.Sub(markPrice)
		}
		pnl := diff.Mul(l.Size)
		if i == 0 {
			total = pnl
		} else {
			total = total.Add(pnl)
		}
	}
	return total
}
