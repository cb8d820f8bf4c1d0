package bus

import (
	"context"
	"sync"
	"time"
)

const dedupeWindow = 5 * time.Minute

// Producer publishes intent/fill records onto one symbol's durable log,
// enforcing the dedupe-key window and per-symbol append ordering (spec
// §4.F). One Producer instance is owned by a single symbol's dispatch lane;
// it is not safe to share across symbols.
type Producer struct {
	symbol string
	writer *LogWriter
	clock  func() time.Time

	mu     sync.Mutex
	seq    uint64
	recent map[string]time.Time
}

// NewProducer wraps a started LogWriter with dedupe-window enforcement.
func NewProducer(symbol string, writer *LogWriter) *Producer {
	return &Producer{
		symbol: symbol,
		writer: writer,
		clock:  time.Now,
		recent: make(map[string]time.Time),
	}
}

// Publish appends a record if its dedupe_key has not been seen within the
// sliding window; a duplicate is reported as accepted without a second
// append, matching the spec's "returns success, no second event" rule.
func (p *Producer) Publish(ctx context.Context, kind RecordKind, dedupeKey string, payload []byte) error {
	p.mu.Lock()
	now := p.clock()
	p.evictStale(now)
	if _, dup := p.recent[dedupeKey]; dup {
		p.mu.Unlock()
		return nil
	}
	p.seq++
	seq := p.seq
	p.recent[dedupeKey] = now
	p.mu.Unlock()

	header := RecordHeader{
		Kind:    kind,
		Seq:     seq,
		TsEvent: now.UnixNano(),
		TsRecv:  now.UnixNano(),
	}

	return p.appendDurable(ctx, header, payload)
}

// appendDurable retries TryAppend until the queue accepts the record or the
// context is cancelled. It returns as soon as the record is queued; the
// LogWriter's own goroutine writes, flushes and fsyncs it later, and
// appendDurable does not wait for that, so a nil return does not mean the
// record is on disk yet.
func (p *Producer) appendDurable(ctx context.Context, header RecordHeader, payload []byte) error {
	for {
		err := p.writer.TryAppend(header, payload)
		switch err {
		case nil:
			return nil
		case ErrQueueFull:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		default:
			return err
		}
	}
}

func (p *Producer) evictStale(now time.Time) {
	for key, seen := range p.recent {
		if now.Sub(seen) > dedupeWindow {
			delete(p.recent, key)
		}
	}
}
