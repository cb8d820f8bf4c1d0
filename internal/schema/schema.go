// Package schema defines the data model shared across the signal
// generator and executor: ticks, candles, indicator snapshots, lots,
// intents, fills and the immutable per-run configuration.
package schema

import (
	"time"

	"github.com/yanun0323/decimal"
)

// Direction is the side of a position.
type Direction uint8

const (
	DirectionUnknown Direction = iota
	Long
	Short
)

func (d Direction) String() string {
	switch d {
	case Long:
		return "LONG"
	case Short:
		return "SHORT"
	default:
		return "UNKNOWN"
	}
}

// Opposite returns the mirrored direction, used by symmetric LONG/SHORT rules.
func (d Direction) Opposite() Direction {
	switch d {
	case Long:
		return Short
	case Short:
		return Long
	default:
		return DirectionUnknown
	}
}

// Stage is the lifecycle label a lot was opened under.
type Stage string

const (
	StageInit    Stage = "INIT"
	StageInit2   Stage = "INIT2"
	StageInit3   Stage = "INIT3"
	StageScaleIn Stage = "SCALE_IN"
)

// ScaleInStage returns the SCALE_IN stage label for the k-th scale-in lot.
func ScaleInStage(k int) Stage {
	if k <= 0 {
		return StageScaleIn
	}
	return Stage("SCALE_IN_" + itoa(k))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Action is the kind of intent the Strategy Evaluator may emit.
type Action string

const (
	ActionInit        Action = "INIT"
	ActionInit2       Action = "INIT2"
	ActionInit3       Action = "INIT3"
	ActionScaleIn     Action = "SCALE_IN"
	ActionStopLoss    Action = "STOP_LOSS"
	ActionTakeProfit  Action = "TAKE_PROFIT"
	ActionRiskControl Action = "RISK_CONTROL"
	ActionNormalExit  Action = "NORMAL_EXIT"
	ActionScaleOut    Action = "SCALE_OUT"
	ActionInitOut     Action = "INIT_OUT"
	ActionNearTouch   Action = "NEAR_TOUCH"
)

// IsEntry reports whether the action opens a new lot.
func (a Action) IsEntry() bool {
	switch a {
	case ActionInit, ActionInit2, ActionInit3, ActionScaleIn:
		return true
	default:
		return false
	}
}

// FillStatus is the outcome of a broker fill attempt.
type FillStatus string

const (
	FillStatusFilled   FillStatus = "FILLED"
	FillStatusPartial  FillStatus = "PARTIAL"
	FillStatusRejected FillStatus = "REJECTED"
)

// Decimal is the exact-arithmetic type used for every price, size and
// threshold in the domain model.
type Decimal = decimal.Decimal

// Tick is a single market data update for a symbol.
type Tick struct {
	Symbol string
	Price  Decimal
	TS     time.Time
}

// Candle is a single 1-minute OHLC bucket for a symbol.
type Candle struct {
	Symbol      string
	BucketStart time.Time
	Open        Decimal
	High        Decimal
	Low         Decimal
	Close       Decimal
	NTicks      int
}

// Snapshot is the indicator state for a symbol, refreshed on candle close.
type Snapshot struct {
	MA100       Decimal
	MA100Ready  bool
	Mom3        Decimal
	Mom3Ready   bool
	LastClose   Decimal
	ClosedCount int
}

// Lot is a single filled entry within a symbol's Position Book.
type Lot struct {
	LotID        string
	Symbol       string
	Direction    Direction
	EntryPrice   Decimal
	EntryTS      time.Time
	Size         Decimal
	Stage        Stage
	MAThrAtEntry Decimal
}

// Age returns how long the lot has been open as of now.
func (l Lot) Age(now time.Time) time.Duration {
	return now.Sub(l.EntryTS)
}

// Intent is a tagged decision emitted by the Strategy Evaluator.
// Fields not relevant to Action are left zero.
type Intent struct {
	EventID        string
	Symbol         string
	Action         Action
	Direction      Direction
	ReferencePrice Decimal
	TS             time.Time

	// TargetLotID names the lot closed by STOP_LOSS, TAKE_PROFIT, NEAR_TOUCH,
	// SCALE_OUT and INIT_OUT, and the book's oldest lot for SCALE_IN, INIT2
	// and INIT3. NORMAL_EXIT and RISK_CONTROL leave it empty.
	TargetLotID string
	// TargetLotIDs lists every lot an exit closes; it is set for every exit
	// action, including the single-lot ones.
	TargetLotIDs []string
	// MAThrEff is the threshold in effect at emission time; copied onto the
	// created Lot's MAThrAtEntry for entry actions.
	MAThrEff Decimal

	DedupeKey string

	// SequenceInBook and Reasons are operator-facing audit fields, populated
	// by the rule that fired in internal/strategy's Evaluator; no entry or
	// exit rule reads them (see SPEC_FULL.md supplemented features). The
	// reconciler uses SequenceInBook only to label a SCALE_IN lot's stage.
	SequenceInBook int
	Reasons        []string
}

// Fill is a broker's report of an intent's execution.
type Fill struct {
	EventID     string
	IntentID    string
	Symbol      string
	LotID       string
	FillPrice   Decimal
	FilledSize  Decimal
	TS          time.Time
	Status      FillStatus
}

// IntentExpiry is the tombstone a dispatch lane appends to the intents log
// when a pending_intent cooldown times out unfilled (spec §4.D, §8's "every
// intent is either acknowledged by a fill ... or cleared by
// intent_pending_timeout"). Recovery replay treats it as resolving
// EventID the same way a fill would, so a symbol's history never leaves
// more than its one genuinely-outstanding intent in the replayed pending
// set.
type IntentExpiry struct {
	EventID string
	Symbol  string
	TS      time.Time
}
