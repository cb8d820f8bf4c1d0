package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeRecords(t *testing.T, dir string, n int) {
	t.Helper()
	w := newTestWriter(t, dir)
	for i := 0; i < n; i++ {
		require.NoError(t, w.TryAppend(RecordHeader{Kind: KindIntent, Seq: uint64(i + 1)}, []byte("payload")))
	}
	require.Eventually(t, func() bool {
		files, err := listSegmentFiles(dir, defaultFilePrefix)
		return err == nil && len(files) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestConsumerDeliversNewRecordsAndAcks(t *testing.T) {
	dir := t.TempDir()
	writeRecords(t, dir, 2)

	store := NewMemoryGroupStore()
	consumer := NewConsumer(ConsumerConfig{
		Group: "executors", Symbol: "BTC", Dir: dir,
		PollInterval: 5 * time.Millisecond,
	}, store)

	var mu sync.Mutex
	var seen []uint64
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		_ = consumer.Run(ctx, func(_ context.Context, d Delivery) (bool, error) {
			mu.Lock()
			seen = append(seen, d.Header.Seq)
			done := len(seen) == 2
			mu.Unlock()
			if done {
				cancel()
			}
			return true, nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)

	last, err := store.LastDelivered(context.Background(), "executors", "BTC")
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)

	pending, err := store.Pending(context.Background(), "executors", "BTC")
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestConsumerReplaysPendingOnStartup(t *testing.T) {
	dir := t.TempDir()

	store := NewMemoryGroupStore()
	require.NoError(t, store.Claim(context.Background(), "executors", "BTC", PendingEntry{
		Seq: 5, Header: RecordHeader{Kind: KindFill, Seq: 5}, Payload: []byte("stale"), ClaimedAt: time.Now(),
	}))

	consumer := NewConsumer(ConsumerConfig{
		Group: "executors", Symbol: "BTC", Dir: dir,
		PollInterval: 5 * time.Millisecond,
	}, store)

	var mu sync.Mutex
	var replayed []uint64
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = consumer.Run(ctx, func(_ context.Context, d Delivery) (bool, error) {
			mu.Lock()
			replayed = append(replayed, d.Header.Seq)
			mu.Unlock()
			return true, nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(replayed) == 1 && replayed[0] == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConsumerLeavesUnackedEntryPending(t *testing.T) {
	dir := t.TempDir()
	writeRecords(t, dir, 1)

	store := NewMemoryGroupStore()
	consumer := NewConsumer(ConsumerConfig{
		Group: "executors", Symbol: "BTC", Dir: dir,
		PollInterval: 5 * time.Millisecond,
	}, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delivered := make(chan struct{}, 1)
	go func() {
		_ = consumer.Run(ctx, func(_ context.Context, d Delivery) (bool, error) {
			select {
			case delivered <- struct{}{}:
			default:
			}
			return false, nil
		})
	}()

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	require.Eventually(t, func() bool {
		pending, err := store.Pending(context.Background(), "executors", "BTC")
		return err == nil && len(pending) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestConsumerReclaimsIdlePendingEntries(t *testing.T) {
	// Entry was claimed by some other group member that never acked it —
	// inserted after Run starts so it's only ever observed via the idle
	// reclaim ticker, not the startup pending replay.
	store := NewMemoryGroupStore()

	consumer := NewConsumer(ConsumerConfig{
		Group: "executors", Symbol: "BTC", Dir: t.TempDir(),
		PollInterval: 5 * time.Millisecond, ClaimInterval: 20 * time.Millisecond, ClaimIdleThreshold: 50 * time.Millisecond,
	}, store)

	reclaimed := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = consumer.Run(ctx, func(_ context.Context, d Delivery) (bool, error) {
			select {
			case reclaimed <- struct{}{}:
			default:
			}
			return true, nil
		})
	}()

	time.Sleep(10 * time.Millisecond)
	stale := time.Now().Add(-time.Hour)
	require.NoError(t, store.Claim(context.Background(), "executors", "BTC", PendingEntry{
		Seq: 1, Header: RecordHeader{Kind: KindFill, Seq: 1}, ClaimedAt: stale,
	}))

	select {
	case <-reclaimed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for idle reclaim")
	}
}
