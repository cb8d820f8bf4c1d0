// Package exception collects the sentinel error kinds named in spec §7.
// Call sites wrap these with github.com/yanun0323/errors to attach context
// (.With("symbol", ...), .With("lot_id", ...)) rather than formatting
// context into the message string.
package exception

import "github.com/yanun0323/errors"

var (
	// ErrBadInput marks a malformed tick or fill; the caller drops it and
	// increments a counter.
	ErrBadInput = errors.New("bad input")

	// ErrStaleTick marks a tick whose timestamp does not advance the
	// symbol's monotonic clock; dropped.
	ErrStaleTick = errors.New("stale tick")

	// ErrDuplicateIntent marks a dedupe-key hit within the sliding window;
	// swallowed as success by the producer.
	ErrDuplicateIntent = errors.New("duplicate intent")

	// ErrDirectionConflict marks an attempt to append a lot whose direction
	// disagrees with the book's current direction.
	ErrDirectionConflict = errors.New("direction conflict")

	// ErrMaxLotsExceeded marks an attempt to append a lot to a full book.
	ErrMaxLotsExceeded = errors.New("max lots exceeded")

	// ErrBusUnavailable marks a transient durable-log I/O failure; retried
	// locally with backoff.
	ErrBusUnavailable = errors.New("signal bus unavailable")

	// ErrBrokerRejected marks a fill whose status is REJECTED.
	ErrBrokerRejected = errors.New("broker rejected")

	// ErrIntentTimeout marks a pending intent that expired unfilled.
	ErrIntentTimeout = errors.New("intent pending timeout")

	// ErrFatalConfig marks an invalid configuration at startup; the only
	// error kind that aborts the process.
	ErrFatalConfig = errors.New("fatal config")

	// ErrLotNotFound marks a fill or close operation that targets a lot id
	// no longer present in the book.
	ErrLotNotFound = errors.New("lot not found")

	// ErrUnknownGroup marks a consumer-group operation against a group
	// that has not joined.
	ErrUnknownGroup = errors.New("unknown consumer group")
)
