// Package broker defines the order-execution collaborator boundary
// (spec.md §1/§6): a black-box order sink (e.g. MT5) that emits fill
// events. Real venue connectivity is out of scope — Executors depend on
// this interface, not on any concrete adapter.
package broker

import (
	"context"

	"meanrev/internal/schema"
)

// Broker translates intents into broker-side orders and reports fills.
// Each executor acquires a Broker session and must Close it on every exit
// path, including consumer-group claim-timeout (spec.md §9 "Scoped broker
// connection").
type Broker interface {
	// Submit sends one intent as a broker order, returning once the broker
	// has acknowledged receipt. The resulting fill arrives later on Fills,
	// correlated by EventID.
	Submit(ctx context.Context, intent schema.Intent) error
	// Fills is the broker's fill event stream, closed once the session
	// ends.
	Fills() <-chan schema.Fill
	// Close releases the session.
	Close() error
}
