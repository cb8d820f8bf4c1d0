// Package feed defines the market-data collaborator boundary (spec.md §6):
// an opaque push source of (symbol, price, ts) ticks. Decoding a real
// exchange's wire protocol is out of scope — callers depend on the Feed
// interface, not on any one implementation.
package feed

import "meanrev/internal/schema"

// Feed is a push source of ticks for every symbol it has been told to
// stream. Ticks is closed once the feed has shut down for good.
type Feed interface {
	Ticks() <-chan schema.Tick
	Close()
}
