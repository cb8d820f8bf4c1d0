package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"meanrev/internal/cooldown"
	"meanrev/internal/schema"
)

// Snapshot is the JSON-persisted point-in-time view of a Store, so recovery
// only has to apply fills past the snapshot's offset rather than the whole
// fills log (spec §7's snapshot+WAL-tail pattern). cmd/generator writes one
// when the generator shuts down cleanly; no timer writes one while it runs.
type Snapshot struct {
	Timestamp time.Time                `json:"timestamp"`
	Symbols   map[string]SymbolState   `json:"symbols"`
}

// SymbolState is one symbol's serialized state. FillOffset lets recovery
// skip fills already folded into this snapshot. The intents log is always
// replayed from the start on recovery — unlike FillOffset there is no
// snapshotted cutoff for it, since the live generator's outstanding-intent
// bookkeeping lives in each dispatch.Lane's in-memory pending/expired maps,
// not in the Store a snapshot captures. Replay correctness does not depend
// on a cutoff: every intent is resolved by either a fill or an
// IntentExpiry tombstone (see state.loadIntents), so only the genuinely
// still-outstanding intent, if any, survives to the end of the scan.
type SymbolState struct {
	FillOffset      uint64              `json:"fillOffset"`
	IndicatorCloses []schema.Decimal    `json:"indicatorCloses"`
	Lots            []schema.Lot        `json:"lots"`
	Cooldowns       []cooldown.Entry    `json:"cooldowns"`
}

// Snapshot captures the Store's current state for every tracked symbol.
func (s *Store) Snapshot() Snapshot {
	symbols := make(map[string]SymbolState, len(s.books))
	cooldownsBySymbol := make(map[string][]cooldown.Entry)
	for _, e := range s.Cooldowns.Entries() {
		cooldownsBySymbol[e.Symbol] = append(cooldownsBySymbol[e.Symbol], e)
	}
	for sym, b := range s.books {
		symbols[sym] = SymbolState{
			FillOffset:      s.offsets[offsetKey("fills", sym)],
			IndicatorCloses: s.Indicator.Closes(sym),
			Lots:            b.Lots(),
			Cooldowns:       cooldownsBySymbol[sym],
		}
	}
	return Snapshot{Timestamp: time.Now().UTC(), Symbols: symbols}
}

// Restore replaces the Store's live state with a previously-taken snapshot.
// Symbols present in the snapshot but not in the Store's startup set are
// added; symbols in the Store but absent from the snapshot are left empty.
func (s *Store) Restore(snap Snapshot) {
	for sym, st := range snap.Symbols {
		s.Book(sym).RestoreLots(st.Lots)
		s.Indicator.Restore(sym, st.IndicatorCloses)
		for _, e := range st.Cooldowns {
			s.Cooldowns.Restore(e)
		}
		s.offsets[offsetKey("fills", sym)] = st.FillOffset
	}
}

// WriteSnapshot writes a snapshot to disk as JSON, creating parent
// directories as needed.
func WriteSnapshot(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadSnapshot loads a snapshot from disk.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
