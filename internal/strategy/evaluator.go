// Package strategy implements the Strategy Evaluator: a pure, deterministic
// function over (market state, position book, cooldowns, configuration)
// producing zero or one decision per tick.
//
// The shape mirrors risk.Engine.Evaluate: an ordered chain of guard checks,
// each an early return of a decision once its condition holds, rather than
// scoring every rule and picking a winner.
package strategy

import (
	"fmt"
	"hash/crc32"
	"time"

	"github.com/yanun0323/decimal"

	"meanrev/internal/book"
	"meanrev/internal/cooldown"
	"meanrev/internal/schema"
)

// EvalInput bundles everything the Evaluator reads for one tick.
type EvalInput struct {
	Symbol     string
	Price      decimal.Decimal
	Indicator  schema.Snapshot
	Book       *book.Book
	Cooldowns  *cooldown.Registry
	Cfg        schema.Config
	Now        time.Time
}

// Evaluator is stateless; all state it reads is passed in via EvalInput.
type Evaluator struct{}

// New creates an Evaluator.
func New() *Evaluator { return &Evaluator{} }

// Evaluate returns at most one intent for the tick, or ok=false if no rule
// fires (including when the precondition in spec §4.E is not met).
func (e *Evaluator) Evaluate(in EvalInput) (schema.Intent, bool) {
	if !in.Indicator.MA100Ready || !in.Indicator.Mom3Ready {
		return schema.Intent{}, false
	}
	if in.Cooldowns != nil && in.Cooldowns.Active(in.Symbol, cooldown.KindPendingIntent, in.Now) {
		return schema.Intent{}, false
	}

	maThrEff := in.Cfg.EffectiveMAThr()
	half := maThrEff.Div(two)

	if intent, ok := e.stopLoss(in); ok {
		return e.finish(in, intent), true
	}
	if intent, ok := e.takeProfit(in); ok {
		return e.finish(in, intent), true
	}
	if intent, ok := e.normalExit(in, maThrEff); ok {
		return e.finish(in, intent), true
	}
	if intent, ok := e.riskControl(in); ok {
		return e.finish(in, intent), true
	}
	if intent, ok := e.nearTouch(in); ok {
		return e.finish(in, intent), true
	}
	if intent, ok := e.scaleOut(in, half); ok {
		return e.finish(in, intent), true
	}
	if intent, ok := e.initOut(in, half); ok {
		return e.finish(in, intent), true
	}
	if intent, ok := e.scaleIn(in, half); ok {
		return e.finish(in, intent), true
	}
	if intent, ok := e.init2Init3(in, maThrEff); ok {
		return e.finish(in, intent), true
	}
	if intent, ok := e.initEntry(in, maThrEff); ok {
		return e.finish(in, intent), true
	}

	return schema.Intent{}, false
}

var two = decimal.NewFromInt(2)

// ageFactor implements spec §4.E.1's piecewise SL/TP width multiplier.
// Bucket boundaries are half-open at the lower bound (age==1h -> 2.5).
func ageFactor(age time.Duration) decimal.Decimal {
	switch {
	case age < time.Hour:
		return decimal.NewFromFloat(3.0)
	case age < 2*time.Hour:
		return decimal.NewFromFloat(2.5)
	case age < 12*time.Hour:
		return decimal.NewFromFloat(2.0)
	case age < 24*time.Hour:
		return decimal.NewFromFloat(1.5)
	default:
		return decimal.NewFromFloat(1.0)
	}
}

func (e *Evaluator) stopLoss(in EvalInput) (schema.Intent, bool) {
	l, ok := in.Book.Oldest()
	if !ok {
		return schema.Intent{}, false
	}
	factor := ageFactor(l.Age(in.Now))
	slPct := l.MAThrAtEntry.Mul(factor)

	triggered := false
	switch l.Direction {
	case schema.Long:
		triggered = in.Price.LessThanOrEqual(l.EntryPrice.Mul(one.Sub(slPct)))
	case schema.Short:
		triggered = in.Price.GreaterThanOrEqual(l.EntryPrice.Mul(one.Add(slPct)))
	}
	if !triggered {
		return schema.Intent{}, false
	}
	return schema.Intent{
		Action:         schema.ActionStopLoss,
		Direction:      l.Direction,
		ReferencePrice: in.Price,
		TargetLotID:    l.LotID,
		TargetLotIDs:   []string{l.LotID},
		Reasons:        []string{fmt.Sprintf("oldest lot %s breached stop at age_factor=%s", l.LotID, factor.String())},
	}, true
}

func (e *Evaluator) takeProfit(in EvalInput) (schema.Intent, bool) {
	l, ok := in.Book.Oldest()
	if !ok {
		return schema.Intent{}, false
	}
	factor := ageFactor(l.Age(in.Now))
	tpPct := l.MAThrAtEntry.Mul(factor)

	triggered := false
	switch l.Direction {
	case schema.Long:
		triggered = in.Price.GreaterThanOrEqual(l.EntryPrice.Mul(one.Add(tpPct)))
	case schema.Short:
		triggered = in.Price.LessThanOrEqual(l.EntryPrice.Mul(one.Sub(tpPct)))
	}
	if !triggered {
		return schema.Intent{}, false
	}
	return schema.Intent{
		Action:         schema.ActionTakeProfit,
		Direction:      l.Direction,
		ReferencePrice: in.Price,
		TargetLotID:    l.LotID,
		TargetLotIDs:   []string{l.LotID},
		Reasons:        []string{fmt.Sprintf("oldest lot %s reached target at age_factor=%s", l.LotID, factor.String())},
	}, true
}

func (e *Evaluator) normalExit(in EvalInput, maThrEff decimal.Decimal) (schema.Intent, bool) {
	if in.Book.Empty() {
		return schema.Intent{}, false
	}
	dir := in.Book.Direction()
	triggered := false
	switch dir {
	case schema.Long:
		triggered = in.Price.GreaterThanOrEqual(in.Indicator.MA100.Mul(one.Add(maThrEff)))
	case schema.Short:
		triggered = in.Price.LessThanOrEqual(in.Indicator.MA100.Mul(one.Sub(maThrEff)))
	}
	if !triggered {
		return schema.Intent{}, false
	}
	ids := lotIDs(in.Book.Lots())
	return schema.Intent{
		Action:         schema.ActionNormalExit,
		Direction:      dir,
		ReferencePrice: in.Price,
		TargetLotIDs:   ids,
		Reasons:        []string{fmt.Sprintf("price %s crossed ma100 %s by ma_thr_eff", in.Price.String(), in.Indicator.MA100.String())},
	}, true
}

func (e *Evaluator) riskControl(in EvalInput) (schema.Intent, bool) {
	n := in.Book.Len()
	if n != 3 && n != 4 {
		return schema.Intent{}, false
	}
	avg, ok := in.Book.AvgEntryPrice()
	if !ok {
		return schema.Intent{}, false
	}
	dir := in.Book.Direction()
	favourable := false
	switch dir {
	case schema.Long:
		favourable = in.Price.GreaterThanOrEqual(avg.Mul(one.Add(in.Cfg.RiskControlThreshold)))
	case schema.Short:
		favourable = in.Price.LessThanOrEqual(avg.Mul(one.Sub(in.Cfg.RiskControlThreshold)))
	}
	if !favourable {
		return schema.Intent{}, false
	}
	lots := in.Book.Lots()
	var ids []string
	if n == 3 {
		ids = []string{lots[0].LotID}
	} else {
		ids = lotIDs(lots)
	}
	return schema.Intent{
		Action:         schema.ActionRiskControl,
		Direction:      dir,
		ReferencePrice: in.Price,
		TargetLotIDs:   ids,
		Reasons:        []string{fmt.Sprintf("book of %d favourable by risk_control_threshold against avg %s", n, avg.String())},
	}, true
}

func (e *Evaluator) nearTouch(in EvalInput) (schema.Intent, bool) {
	newest, ok := in.Book.Newest()
	if !ok {
		return schema.Intent{}, false
	}
	if in.Cfg.NearTouchWindow <= 0 {
		return schema.Intent{}, false
	}
	if newest.Age(in.Now) > in.Cfg.NearTouchWindow {
		return schema.Intent{}, false
	}
	diff := in.Price.Sub(in.Indicator.MA100).Abs()
	bound := in.Cfg.NearTouchEps.Mul(in.Indicator.MA100).Abs()
	if diff.GreaterThan(bound) {
		return schema.Intent{}, false
	}
	return schema.Intent{
		Action:         schema.ActionNearTouch,
		Direction:      in.Book.Direction(),
		ReferencePrice: in.Price,
		TargetLotID:    newest.LotID,
		TargetLotIDs:   []string{newest.LotID},
		Reasons:        []string{fmt.Sprintf("newest lot %s within near_touch_eps of ma100 inside near_touch_window", newest.LotID)},
	}, true
}

func (e *Evaluator) scaleOut(in EvalInput, half decimal.Decimal) (schema.Intent, bool) {
	if in.Book.Empty() {
		return schema.Intent{}, false
	}
	if in.Cooldowns != nil && in.Cooldowns.Active(in.Symbol, cooldown.KindScaleOut, in.Now) {
		return schema.Intent{}, false
	}
	prev, ok := in.Book.PrevEntryPrice()
	if !ok {
		return schema.Intent{}, false
	}
	dir := in.Book.Direction()
	triggered := false
	switch dir {
	case schema.Long:
		triggered = in.Price.GreaterThanOrEqual(prev) &&
			in.Price.GreaterThanOrEqual(in.Indicator.MA100.Mul(one.Add(half)))
	case schema.Short:
		triggered = in.Price.LessThanOrEqual(prev) &&
			in.Price.LessThanOrEqual(in.Indicator.MA100.Mul(one.Sub(half)))
	}
	if !triggered {
		return schema.Intent{}, false
	}
	newest, _ := in.Book.Newest()
	return schema.Intent{
		Action:         schema.ActionScaleOut,
		Direction:      dir,
		ReferencePrice: in.Price,
		TargetLotID:    newest.LotID,
		TargetLotIDs:   []string{newest.LotID},
		Reasons:        []string{fmt.Sprintf("price %s cleared prev entry %s and ma_thr_eff/2 band", in.Price.String(), prev.String())},
	}, true
}

func (e *Evaluator) initOut(in EvalInput, half decimal.Decimal) (schema.Intent, bool) {
	if in.Book.Len() != 1 {
		return schema.Intent{}, false
	}
	lot, _ := in.Book.Oldest()
	triggered := false
	switch lot.Direction {
	case schema.Long:
		triggered = in.Price.GreaterThanOrEqual(in.Indicator.MA100.Mul(one.Add(half))) &&
			in.Indicator.Mom3.GreaterThanOrEqual(in.Cfg.MomentumThreshold)
	case schema.Short:
		triggered = in.Price.LessThanOrEqual(in.Indicator.MA100.Mul(one.Sub(half))) &&
			in.Indicator.Mom3.Neg().GreaterThanOrEqual(in.Cfg.MomentumThreshold)
	}
	if !triggered {
		return schema.Intent{}, false
	}
	return schema.Intent{
		Action:         schema.ActionInitOut,
		Direction:      lot.Direction,
		ReferencePrice: in.Price,
		TargetLotID:    lot.LotID,
		TargetLotIDs:   []string{lot.LotID},
		Reasons:        []string{fmt.Sprintf("lone lot %s: ma_thr_eff/2 band cleared with confirming momentum", lot.LotID)},
	}, true
}

func (e *Evaluator) scaleIn(in EvalInput, half decimal.Decimal) (schema.Intent, bool) {
	n := in.Book.Len()
	if n < 1 || n >= in.Cfg.MaxLots {
		return schema.Intent{}, false
	}
	if in.Cooldowns != nil && in.Cooldowns.Active(in.Symbol, cooldown.KindScaleIn, in.Now) {
		return schema.Intent{}, false
	}
	newest, _ := in.Book.Newest()
	dir := in.Book.Direction()
	triggered := false
	switch dir {
	case schema.Long:
		triggered = in.Price.LessThan(newest.EntryPrice) &&
			in.Indicator.Mom3.Neg().GreaterThanOrEqual(in.Cfg.MomentumThreshold) &&
			in.Price.LessThanOrEqual(in.Indicator.MA100.Mul(one.Sub(half)))
	case schema.Short:
		triggered = in.Price.GreaterThan(newest.EntryPrice) &&
			in.Indicator.Mom3.GreaterThanOrEqual(in.Cfg.MomentumThreshold) &&
			in.Price.GreaterThanOrEqual(in.Indicator.MA100.Mul(one.Add(half)))
	}
	if !triggered {
		return schema.Intent{}, false
	}
	oldest, _ := in.Book.Oldest()
	return schema.Intent{
		Action:         schema.ActionScaleIn,
		Direction:      dir,
		ReferencePrice: in.Price,
		TargetLotID:    oldest.LotID,
		SequenceInBook: n + 1,
		Reasons:        []string{fmt.Sprintf("book of %d: price past newest %s with confirming momentum beyond ma_thr_eff/2", n, newest.EntryPrice.String())},
	}, true
}

func (e *Evaluator) init2Init3(in EvalInput, maThrEff decimal.Decimal) (schema.Intent, bool) {
	n := in.Book.Len()
	if n != 1 && n != 2 {
		return schema.Intent{}, false
	}
	oldest, ok := in.Book.Oldest()
	if !ok || oldest.Stage != schema.StageInit {
		return schema.Intent{}, false
	}
	if oldest.Age(in.Now) > in.Cfg.InitWindow {
		return schema.Intent{}, false
	}

	var action schema.Action
	var mult decimal.Decimal
	if n == 1 {
		action = schema.ActionInit2
		mult = maThrEff
	} else {
		newest, _ := in.Book.Newest()
		if newest.Stage != schema.StageInit2 {
			return schema.Intent{}, false
		}
		action = schema.ActionInit3
		mult = maThrEff.Mul(two)
	}

	triggered := false
	switch oldest.Direction {
	case schema.Long:
		triggered = in.Price.LessThanOrEqual(oldest.EntryPrice.Mul(one.Sub(mult)))
	case schema.Short:
		triggered = in.Price.GreaterThanOrEqual(oldest.EntryPrice.Mul(one.Add(mult)))
	}
	if !triggered {
		return schema.Intent{}, false
	}
	return schema.Intent{
		Action:         action,
		Direction:      oldest.Direction,
		ReferencePrice: in.Price,
		TargetLotID:    oldest.LotID,
		SequenceInBook: n + 1,
		Reasons:        []string{fmt.Sprintf("INIT lot %s aged %s within init_window, price past %s x ma_thr_eff step", oldest.LotID, oldest.Age(in.Now).String(), oldest.EntryPrice.String())},
	}, true
}

func (e *Evaluator) initEntry(in EvalInput, maThrEff decimal.Decimal) (schema.Intent, bool) {
	if !in.Book.Empty() {
		return schema.Intent{}, false
	}
	if in.Price.LessThanOrEqual(in.Indicator.MA100.Mul(one.Sub(maThrEff))) &&
		in.Indicator.Mom3.Neg().GreaterThanOrEqual(in.Cfg.MomentumThreshold) {
		return schema.Intent{
			Action:         schema.ActionInit,
			Direction:      schema.Long,
			ReferencePrice: in.Price,
			SequenceInBook: 1,
			Reasons:        []string{fmt.Sprintf("empty book: price %s below ma100 %s by ma_thr_eff with confirming momentum", in.Price.String(), in.Indicator.MA100.String())},
		}, true
	}
	if in.Price.GreaterThanOrEqual(in.Indicator.MA100.Mul(one.Add(maThrEff))) &&
		in.Indicator.Mom3.GreaterThanOrEqual(in.Cfg.MomentumThreshold) {
		return schema.Intent{
			Action:         schema.ActionInit,
			Direction:      schema.Short,
			ReferencePrice: in.Price,
			SequenceInBook: 1,
			Reasons:        []string{fmt.Sprintf("empty book: price %s above ma100 %s by ma_thr_eff with confirming momentum", in.Price.String(), in.Indicator.MA100.String())},
		}, true
	}
	return schema.Intent{}, false
}

var one = decimal.NewFromInt(1)

// finish stamps the symbol, timestamp, MAThrEff and dedupe key (built from
// the book size at emission) onto an intent built by one of the rule methods.
func (e *Evaluator) finish(in EvalInput, intent schema.Intent) schema.Intent {
	intent.Symbol = in.Symbol
	intent.TS = in.Now
	intent.MAThrEff = in.Cfg.EffectiveMAThr()
	intent.DedupeKey = dedupeKey(in.Symbol, intent.Action, in.Book.Len(), in.Now, referenceLotID(intent))
	return intent
}

func referenceLotID(intent schema.Intent) string {
	if intent.TargetLotID != "" {
		return intent.TargetLotID
	}
	if len(intent.TargetLotIDs) > 0 {
		return intent.TargetLotIDs[0]
	}
	return ""
}

// dedupeKey implements spec §4.E's
// hash(symbol, action, |book|, floor(now/60s), reference_lot_id).
func dedupeKey(symbol string, action schema.Action, bookLen int, now time.Time, refLotID string) string {
	raw := fmt.Sprintf("%s|%s|%d|%d|%s", symbol, action, bookLen, now.Unix()/60, refLotID)
	sum := crc32.ChecksumIEEE([]byte(raw))
	return fmt.Sprintf("%08x", sum)
}

func lotIDs(lots []schema.Lot) []string {
	ids := make([]string, len(lots))
	for i, l := range lots {
		ids[i] = l.LotID
	}
	return ids
}
