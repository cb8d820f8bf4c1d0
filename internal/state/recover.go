package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"meanrev/internal/bus"
	"meanrev/internal/reconcile"
	"meanrev/internal/schema"
)

// RecoverConfig controls snapshot + bus-tail recovery. IntentsBaseDir and
// FillsBaseDir root the two independent per-symbol logs (sole writer:
// generator for intents, executor for fills) — see internal/ops's
// IntentLogConfig/FillLogConfig.
type RecoverConfig struct {
	IntentsBaseDir  string
	FillsBaseDir    string
	SnapshotPath    string
	FilePrefix      string
	DisableChecksum bool
	MaxPayloadSize  int
}

// Recover loads the last snapshot (if any) into store, then replays each
// symbol's whole intents log and its fills log past the snapshotted fill
// offset, reconciling fills against the book the same way the live Reconciler
// would (a snapshot+log-tail recovery pattern).
//
// Recover returns the one outstanding (unfilled) intent left per symbol at
// the end of replay, if any — the same intent a live Lane's pending_intent
// cooldown is guarding. The caller seeds each symbol's dispatch lane with
// it so a fill or timeout arriving after startup can still be resolved.
func Recover(ctx context.Context, store *Store, cfg RecoverConfig, symbols []string, runtimeCfg schema.Config) (map[string]schema.Intent, error) {
	if cfg.SnapshotPath != "" {
		if _, err := os.Stat(cfg.SnapshotPath); err == nil {
			snap, err := ReadSnapshot(cfg.SnapshotPath)
			if err != nil {
				return nil, err
			}
			store.Restore(snap)
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	pendingBySymbol := make(map[string]schema.Intent)
	for _, symbol := range symbols {
		pending, err := recoverSymbol(ctx, store, cfg, symbol, runtimeCfg)
		if err != nil {
			return nil, err
		}
		if pending != nil {
			pendingBySymbol[symbol] = *pending
		}
	}
	return pendingBySymbol, nil
}

// recoverSymbol replays one symbol's entire intents log (there is no
// consumer-group ack state to respect here — the generator that will
// re-read this map is the same process rebuilding it), then replays the
// fills log past its own snapshotted offset, applying each fill against
// the intent it names, and returns the trailing unresolved intent (if
// any). A fill at or below that offset is already in the restored book and
// is not applied again; it only resolves the intent it names.
//
// A fill whose IntentID is not found in the replayed intents (e.g. the
// intent predates the snapshot but its fill does not) is skipped rather
// than treated as fatal — recovery favors staying up over perfect
// reconstruction of a window that should have been captured by the
// snapshot already.
func recoverSymbol(ctx context.Context, store *Store, cfg RecoverConfig, symbol string, runtimeCfg schema.Config) (*schema.Intent, error) {
	pending, err := loadIntents(ctx, cfg, symbol)
	if err != nil {
		return nil, err
	}

	fillsDir := filepath.Join(cfg.FillsBaseDir, symbol)
	if _, err := os.Stat(fillsDir); err == nil {
		pb, err := bus.NewPlayback(bus.PlaybackConfig{
			Dir:             fillsDir,
			FilePrefix:      cfg.FilePrefix,
			DisableChecksum: cfg.DisableChecksum,
			MaxPayloadSize:  cfg.MaxPayloadSize,
		})
		if err != nil {
			return nil, err
		}

		book := store.Book(symbol)
		cooldowns := store.Cooldowns
		offset := store.Offset("fills", symbol)

		err = pb.Run(ctx, func(header bus.RecordHeader, payload []byte) error {
			if header.Kind == bus.KindFill {
				var fill schema.Fill
				if err := json.Unmarshal(payload, &fill); err != nil {
					return err
				}
				if intent, ok := pending[fill.IntentID]; ok {
					if header.Seq > offset {
						_ = reconcile.Apply(book, cooldowns, runtimeCfg, intent, fill)
					}
					delete(pending, fill.IntentID)
				}
			}
			if header.Seq > offset {
				offset = header.Seq
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		store.SetOffset("fills", symbol, offset)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// Every intent that ever timed out unfilled left an IntentExpiry
	// tombstone in the same log (see dispatch.Lane.recordExpiry), and every
	// intent that was filled or rejected was already removed by the fills
	// pass above. So in the steady state pending holds at most the one
	// intent genuinely still outstanding when the process last stopped.
	// Pick deterministically by latest TS rather than by map iteration
	// order in case more than one somehow survives (e.g. a tombstone that
	// failed to publish before a crash).
	var trailing *schema.Intent
	for _, intent := range pending {
		v := intent
		if trailing == nil || v.TS.After(trailing.TS) {
			trailing = &v
		}
	}
	return trailing, nil
}

// loadIntents replays a symbol's entire intents log (there is no
// snapshotted cutoff for this stream — see SymbolState's comment) and
// returns every intent still unresolved at the end of the scan, keyed by
// event id, for the fills pass to resolve against. An intent is resolved
// by either a KindFill on the fills log (handled by recoverSymbol's fills
// pass) or a KindIntentExpired tombstone seen here: dispatch.Lane writes
// one whenever a pending_intent cooldown times out unfilled, so a
// long-timed-out intent does not linger in the returned map the way it
// would if only KindIntent records were tracked.
func loadIntents(ctx context.Context, cfg RecoverConfig, symbol string) (map[string]schema.Intent, error) {
	pending := make(map[string]schema.Intent)

	dir := filepath.Join(cfg.IntentsBaseDir, symbol)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return pending, nil
	} else if err != nil {
		return nil, err
	}

	pb, err := bus.NewPlayback(bus.PlaybackConfig{
		Dir:             dir,
		FilePrefix:      cfg.FilePrefix,
		DisableChecksum: cfg.DisableChecksum,
		MaxPayloadSize:  cfg.MaxPayloadSize,
	})
	if err != nil {
		return nil, err
	}

	err = pb.Run(ctx, func(header bus.RecordHeader, payload []byte) error {
		switch header.Kind {
		case bus.KindIntent:
			var intent schema.Intent
			if err := json.Unmarshal(payload, &intent); err != nil {
				return err
			}
			pending[intent.EventID] = intent
		case bus.KindIntentExpired:
			var expiry schema.IntentExpiry
			if err := json.Unmarshal(payload, &expiry); err != nil {
				return err
			}
			delete(pending, expiry.EventID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}
