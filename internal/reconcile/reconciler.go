// Package reconcile applies broker fill reports to a symbol's Position
// Book and Cooldown Registry (spec §4.H). It is pure with respect to its
// inputs: the caller supplies the book/cooldowns/config for the fill's
// symbol and owns serializing calls through that symbol's dispatch lane.
package reconcile

import (
	"strings"

	"github.com/yanun0323/errors"

	"meanrev/internal/book"
	"meanrev/internal/cooldown"
	"meanrev/internal/schema"
	"meanrev/pkg/exception"
)

// Apply reconciles one fill against the book/cooldowns it targets. A
// returned error means the fill could not be applied without violating a
// book invariant (spec §9 open question #3: apply unless it would violate
// book invariants, otherwise quarantine) — the caller decides whether to
// quarantine the fill or treat it as fatal.
func Apply(b *book.Book, cd *cooldown.Registry, cfg schema.Config, intent schema.Intent, fill schema.Fill) error {
	clearMatchingPendingIntent(cd, intent)

	if fill.Status == schema.FillStatusRejected {
		return nil
	}

	if intent.Action.IsEntry() {
		return applyEntry(b, cd, cfg, intent, fill)
	}
	return applyExit(b, cd, cfg, intent, fill)
}

func clearMatchingPendingIntent(cd *cooldown.Registry, intent schema.Intent) {
	pendingID, ok := cd.PendingIntentID(intent.Symbol)
	if !ok {
		return
	}
	if pendingID == intent.EventID || pendingID == intent.DedupeKey {
		cd.Clear(intent.Symbol, cooldown.KindPendingIntent)
	}
}

func applyEntry(b *book.Book, cd *cooldown.Registry, cfg schema.Config, intent schema.Intent, fill schema.Fill) error {
	stage := stageForEntry(intent)
	lot := schema.Lot{
		LotID:        fill.LotID,
		Symbol:       intent.Symbol,
		Direction:    intent.Direction,
		EntryPrice:   fill.FillPrice,
		EntryTS:      fill.TS,
		Size:         fill.FilledSize,
		Stage:        stage,
		MAThrAtEntry: intent.MAThrEff,
	}
	if err := b.Append(lot); err != nil {
		return errors.Wrap(err, "reconcile apply entry").
			With("symbol", intent.Symbol).With("action", string(intent.Action))
	}
	if intent.Action == schema.ActionScaleIn {
		cd.Arm(intent.Symbol, cooldown.KindScaleIn, fill.TS, cfg.ScaleInCooldown)
	}
	return nil
}

func stageForEntry(intent schema.Intent) schema.Stage {
	switch intent.Action {
	case schema.ActionInit:
		return schema.StageInit
	case schema.ActionInit2:
		return schema.StageInit2
	case schema.ActionInit3:
		return schema.StageInit3
	case schema.ActionScaleIn:
		return schema.ScaleInStage(intent.SequenceInBook - 1)
	default:
		return schema.StageInit
	}
}

func applyExit(b *book.Book, cd *cooldown.Registry, cfg schema.Config, intent schema.Intent, fill schema.Fill) error {
	ids := intent.TargetLotIDs
	if len(ids) == 0 && intent.TargetLotID != "" {
		ids = []string{intent.TargetLotID}
	}
	if len(ids) == 0 {
		return errors.Wrap(exception.ErrBadInput, "reconcile apply exit").
			With("symbol", intent.Symbol).With("action", string(intent.Action)).
			With("reason", "no target lots on exit intent")
	}

	var failed []string
	for _, id := range ids {
		if _, err := b.CloseByID(id); err != nil {
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		return errors.Wrap(exception.ErrLotNotFound, "reconcile apply exit").
			With("symbol", intent.Symbol).With("action", string(intent.Action)).
			With("lot_ids", strings.Join(failed, ","))
	}
	if intent.Action == schema.ActionScaleOut {
		cd.Arm(intent.Symbol, cooldown.KindScaleOut, fill.TS, cfg.ScaleOutCooldown)
	}
	return nil
}
