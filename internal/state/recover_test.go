package state

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yanun0323/decimal"

	"meanrev/internal/bus"
	"meanrev/internal/schema"
)

func newTestLogWriter(t *testing.T, dir string) *bus.LogWriter {
	t.Helper()
	w, err := bus.NewLogWriter(bus.DefaultLogConfig(dir))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = w.Close()
	})
	return w
}

func appendJSON(t *testing.T, w *bus.LogWriter, kind bus.RecordKind, seq uint64, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, w.TryAppend(bus.RecordHeader{Kind: kind, Seq: seq}, payload))
}

func waitForSegment(t *testing.T, dir string) {
	t.Helper()
	require.Eventually(t, func() bool {
		entries, err := filepath.Glob(filepath.Join(dir, "*.seg"))
		return err == nil && len(entries) > 0
	}, time.Second, 5*time.Millisecond)
}

func testRuntimeConfig() schema.Config {
	return schema.Config{
		MaxLots:              4,
		ScaleInCooldown:       30 * time.Minute,
		ScaleOutCooldown:      30 * time.Minute,
		IntentPendingTimeout:  time.Minute,
	}
}

// An intent that timed out unfilled leaves an IntentExpiry tombstone on the
// intents log. Recovery must treat that as resolved, not as an
// outstanding intent to resurrect.
func TestRecoverSymbolExcludesExpiredIntentFromPending(t *testing.T) {
	base := t.TempDir()
	intentsDir := filepath.Join(base, "intents", "BTC")
	w := newTestLogWriter(t, intentsDir)

	now := time.Now()
	intent := schema.Intent{EventID: "evt-1", Symbol: "BTC", Action: schema.ActionInit, TS: now}
	appendJSON(t, w, bus.KindIntent, 1, intent)
	appendJSON(t, w, bus.KindIntentExpired, 2, schema.IntentExpiry{EventID: "evt-1", Symbol: "BTC", TS: now.Add(time.Minute)})
	waitForSegment(t, intentsDir)

	store := New(testRuntimeConfig(), []string{"BTC"})
	trailing, err := recoverSymbol(context.Background(), store, RecoverConfig{
		IntentsBaseDir: filepath.Join(base, "intents"),
		FillsBaseDir:   filepath.Join(base, "fills"),
	}, "BTC", testRuntimeConfig())
	require.NoError(t, err)
	require.Nil(t, trailing)
}

// A fill resolves its intent the same way an expiry tombstone does.
func TestRecoverSymbolResolvesIntentViaFill(t *testing.T) {
	base := t.TempDir()
	intentsDir := filepath.Join(base, "intents", "BTC")
	fillsDir := filepath.Join(base, "fills", "BTC")
	intentsW := newTestLogWriter(t, intentsDir)
	fillsW := newTestLogWriter(t, fillsDir)

	now := time.Now()
	intent := schema.Intent{
		EventID:        "evt-2",
		Symbol:         "BTC",
		Action:         schema.ActionInit,
		Direction:      schema.Long,
		ReferencePrice: decimal.NewFromFloat(100),
		TS:             now,
		MAThrEff:       decimal.NewFromFloat(0.01),
	}
	appendJSON(t, intentsW, bus.KindIntent, 1, intent)
	waitForSegment(t, intentsDir)

	fill := schema.Fill{
		EventID:    "fill-1",
		IntentID:   "evt-2",
		Symbol:     "BTC",
		FillPrice:  decimal.NewFromFloat(100),
		FilledSize: decimal.NewFromFloat(1),
		TS:         now.Add(time.Second),
		Status:     schema.FillStatusFilled,
	}
	appendJSON(t, fillsW, bus.KindFill, 1, fill)
	waitForSegment(t, fillsDir)

	store := New(testRuntimeConfig(), []string{"BTC"})
	trailing, err := recoverSymbol(context.Background(), store, RecoverConfig{
		IntentsBaseDir: filepath.Join(base, "intents"),
		FillsBaseDir:   filepath.Join(base, "fills"),
	}, "BTC", testRuntimeConfig())
	require.NoError(t, err)
	require.Nil(t, trailing)
	require.Equal(t, 1, store.Book("BTC").Len())
}

// The one genuinely-unresolved intent survives replay and is returned as
// trailing; if more than one somehow survives, the latest by TS wins
// rather than whichever map iteration lands first.
func TestRecoverSymbolPicksLatestSurvivingIntentDeterministically(t *testing.T) {
	base := t.TempDir()
	intentsDir := filepath.Join(base, "intents", "BTC")
	w := newTestLogWriter(t, intentsDir)

	older := time.Now()
	newer := older.Add(time.Hour)
	appendJSON(t, w, bus.KindIntent, 1, schema.Intent{EventID: "evt-old", Symbol: "BTC", Action: schema.ActionInit, TS: older})
	appendJSON(t, w, bus.KindIntent, 2, schema.Intent{EventID: "evt-new", Symbol: "BTC", Action: schema.ActionInit, TS: newer})
	waitForSegment(t, intentsDir)

	store := New(testRuntimeConfig(), []string{"BTC"})
	trailing, err := recoverSymbol(context.Background(), store, RecoverConfig{
		IntentsBaseDir: filepath.Join(base, "intents"),
		FillsBaseDir:   filepath.Join(base, "fills"),
	}, "BTC", testRuntimeConfig())
	require.NoError(t, err)
	require.NotNil(t, trailing)
	require.Equal(t, "evt-new", trailing.EventID)
}

func TestRecoverRestoresSnapshotThenReplaysFills(t *testing.T) {
	base := t.TempDir()
	snapPath := filepath.Join(base, "snap.json")
	snap := Snapshot{
		Symbols: map[string]SymbolState{
			"BTC": {
				Lots: []schema.Lot{{
					LotID:      "lot-1",
					Symbol:     "BTC",
					Direction:  schema.Long,
					EntryPrice: decimal.NewFromFloat(99),
					EntryTS:    time.Now(),
					Size:       decimal.NewFromFloat(1),
					Stage:      schema.StageInit,
				}},
			},
		},
	}
	require.NoError(t, WriteSnapshot(snapPath, snap))

	store := New(testRuntimeConfig(), []string{"BTC"})
	pending, err := Recover(context.Background(), store, RecoverConfig{
		IntentsBaseDir: filepath.Join(base, "intents"),
		FillsBaseDir:   filepath.Join(base, "fills"),
		SnapshotPath:   snapPath,
	}, []string{"BTC"}, testRuntimeConfig())
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Equal(t, 1, store.Book("BTC").Len())
}
