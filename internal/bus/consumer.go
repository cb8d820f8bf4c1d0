package bus

import (
	"context"
	"time"
)

// Delivery is one record handed to a consumer group member.
type Delivery struct {
	Header  RecordHeader
	Payload []byte
}

// PendingEntry is a delivered-but-unacknowledged record tracked for one
// (group, symbol) pair.
type PendingEntry struct {
	Seq       uint64
	Header    RecordHeader
	Payload   []byte
	ClaimedAt time.Time
}

// GroupStore persists a named consumer group's per-symbol delivery
// high-water mark and pending (delivered, unacknowledged) entries, so group
// membership survives restarts (spec §4.G). Implementations must serialize
// Claim/Ack/ReclaimIdle per (group, symbol).
type GroupStore interface {
	// LastDelivered returns the highest Seq ever delivered to this group for
	// this symbol, or 0 if the group has never read from it.
	LastDelivered(ctx context.Context, group, symbol string) (uint64, error)
	// Claim records a delivery as pending and advances the group's
	// high-water mark for this symbol.
	Claim(ctx context.Context, group, symbol string, entry PendingEntry) error
	// Ack removes a pending entry.
	Ack(ctx context.Context, group, symbol string, seq uint64) error
	// Pending returns the group's currently unacknowledged entries for a
	// symbol, oldest first.
	Pending(ctx context.Context, group, symbol string) ([]PendingEntry, error)
	// ReclaimIdle re-stamps and returns pending entries whose ClaimedAt is
	// older than idleThreshold, for re-delivery.
	ReclaimIdle(ctx context.Context, group, symbol string, idleThreshold time.Duration, now time.Time) ([]PendingEntry, error)
}

const (
	// DefaultClaimInterval is how often a consumer scans for idle pending
	// entries to re-claim.
	DefaultClaimInterval = 30 * time.Second
	// DefaultClaimIdleThreshold is how long a pending entry may sit
	// unacknowledged before it is re-delivered.
	DefaultClaimIdleThreshold = 2 * DefaultClaimInterval
)

// ConsumerConfig configures one named consumer group member reading one
// symbol's log.
type ConsumerConfig struct {
	Group              string
	Symbol             string
	Dir                string
	FilePrefix         string
	PollInterval       time.Duration
	ClaimInterval      time.Duration
	ClaimIdleThreshold time.Duration
	DisableChecksum    bool
	MaxPayloadSize     int
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = DefaultClaimInterval
	}
	if c.ClaimIdleThreshold <= 0 {
		c.ClaimIdleThreshold = 2 * c.ClaimInterval
	}
	return c
}

// Handler processes one delivery idempotently (keyed by the event_id inside
// its payload) and reports whether it should be acknowledged. A false,nil
// return means "leave unacked" — a transient failure the next claim-idle
// scan will retry. A non-nil error aborts Run.
type Handler func(ctx context.Context, d Delivery) (ack bool, err error)

// Consumer implements one named consumer group's read protocol against a
// symbol's durable log (spec §4.G): resume pending entries, then tail new
// records, idempotent per-event processing, and periodic re-claim of
// entries idle longer than ClaimIdleThreshold.
type Consumer struct {
	cfg   ConsumerConfig
	store GroupStore
	tail  *tailer
}

// NewConsumer creates a consumer group member for one symbol.
func NewConsumer(cfg ConsumerConfig, store GroupStore) *Consumer {
	cfg = cfg.withDefaults()
	return &Consumer{
		cfg:   cfg,
		store: store,
		tail: newTailer(TailConfig{
			Dir:             cfg.Dir,
			FilePrefix:      cfg.FilePrefix,
			PollInterval:    cfg.PollInterval,
			DisableChecksum: cfg.DisableChecksum,
			MaxPayloadSize:  cfg.MaxPayloadSize,
		}),
	}
}

// Run drives the consumer until ctx is cancelled or an unrecoverable error
// occurs. On entry it first resumes the group's pending list (in-flight
// items from a prior run), then reads only new records — the startup
// replay policy from spec §4.G never rewinds past the group's high-water
// mark.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	if err := c.replayPending(ctx, handler); err != nil {
		return err
	}

	lastDelivered, err := c.store.LastDelivered(ctx, c.cfg.Group, c.cfg.Symbol)
	if err != nil {
		return err
	}

	tailCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	records := make(chan Delivery)
	tailErr := make(chan error, 1)
	go func() {
		tailErr <- c.tail.run(tailCtx, lastDelivered, func(header RecordHeader, payload []byte) error {
			select {
			case records <- Delivery{Header: header, Payload: payload}:
				return nil
			case <-tailCtx.Done():
				return tailCtx.Err()
			}
		})
	}()

	claimTicker := time.NewTicker(c.cfg.ClaimInterval)
	defer claimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-tailErr:
			return err
		case <-claimTicker.C:
			if err := c.reclaimIdle(ctx, handler); err != nil {
				return err
			}
		case d := <-records:
			if err := c.process(ctx, handler, d); err != nil {
				return err
			}
		}
	}
}

func (c *Consumer) replayPending(ctx context.Context, handler Handler) error {
	entries, err := c.store.Pending(ctx, c.cfg.Group, c.cfg.Symbol)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := c.deliver(ctx, handler, e.Seq, Delivery{Header: e.Header, Payload: e.Payload}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) reclaimIdle(ctx context.Context, handler Handler) error {
	entries, err := c.store.ReclaimIdle(ctx, c.cfg.Group, c.cfg.Symbol, c.cfg.ClaimIdleThreshold, time.Now())
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := c.deliver(ctx, handler, e.Seq, Delivery{Header: e.Header, Payload: e.Payload}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, handler Handler, d Delivery) error {
	entry := PendingEntry{Seq: d.Header.Seq, Header: d.Header, Payload: d.Payload, ClaimedAt: time.Now()}
	if err := c.store.Claim(ctx, c.cfg.Group, c.cfg.Symbol, entry); err != nil {
		return err
	}
	return c.deliver(ctx, handler, d.Header.Seq, d)
}

func (c *Consumer) deliver(ctx context.Context, handler Handler, seq uint64, d Delivery) error {
	ack, err := handler(ctx, d)
	if err != nil {
		return err
	}
	if !ack {
		return nil
	}
	return c.store.Ack(ctx, c.cfg.Group, c.cfg.Symbol, seq)
}
