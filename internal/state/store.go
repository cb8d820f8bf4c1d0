// Package state owns the per-symbol state bundle shared by the dispatch
// lane, the Strategy Evaluator, and the Fill Reconciler: indicator rings,
// position books, cooldown registries, and each symbol's last-applied bus
// sequence number (spec §4, §7).
package state

import (
	"meanrev/internal/book"
	"meanrev/internal/cooldown"
	"meanrev/internal/indicator"
	"meanrev/internal/schema"
)

// Store bundles every symbol's live state. The map keys are fixed at
// startup (one entry per configured symbol) before any dispatch lane
// starts; thereafter each symbol's lane only mutates the value behind its
// own key, so no additional locking is required (mirrors Book's
// single-owner-goroutine contract).
type Store struct {
	Indicator *indicator.Cache
	Cooldowns *cooldown.Registry
	books     map[string]*book.Book
	offsets   map[string]uint64 // keyed "<stream>/<symbol>", stream is "intents" or "fills"
	maxLots   int
}

// New creates an empty Store for the given symbols.
func New(cfg schema.Config, symbols []string) *Store {
	s := &Store{
		Indicator: indicator.New(cfg.MAPeriod, cfg.MomentumWindow),
		Cooldowns: cooldown.New(),
		books:     make(map[string]*book.Book, len(symbols)),
		offsets:   make(map[string]uint64, len(symbols)),
		maxLots:   cfg.MaxLots,
	}
	for _, sym := range symbols {
		s.books[sym] = book.New(sym, cfg.MaxLots)
	}
	return s
}

// Book returns the position book for a symbol, creating one if the symbol
// was not in the startup set.
func (s *Store) Book(symbol string) *book.Book {
	b, ok := s.books[symbol]
	if !ok {
		b = book.New(symbol, s.maxLots)
		s.books[symbol] = b
	}
	return b
}

// Offset returns the last sequence number applied from the named stream
// ("intents" or "fills") for a symbol. The intents and fills logs are
// independent per-symbol durable logs (one sole writer each), so their
// sequence numbers are tracked separately.
func (s *Store) Offset(stream, symbol string) uint64 {
	return s.offsets[offsetKey(stream, symbol)]
}

// SetOffset records the last sequence number applied from the named stream
// for a symbol.
func (s *Store) SetOffset(stream, symbol string, seq uint64) {
	key := offsetKey(stream, symbol)
	if seq > s.offsets[key] {
		s.offsets[key] = seq
	}
}

func offsetKey(stream, symbol string) string {
	return stream + "/" + symbol
}

// Symbols returns the set of symbols currently tracked.
func (s *Store) Symbols() []string {
	out := make([]string, 0, len(s.books))
	for sym := range s.books {
		out = append(out, sym)
	}
	return out
}
