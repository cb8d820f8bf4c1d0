package schema

import (
	"time"

	"github.com/yanun0323/decimal"
)

// Config is the immutable-per-run configuration surface (spec §3, §6).
type Config struct {
	MAPeriod      int
	CandlePeriod  time.Duration
	MomentumWindow int

	MomentumThreshold Decimal
	MAThrEff          Decimal
	// ThresholdEasing is subtracted from MAThrEff to produce the effective
	// threshold used by every rule (SPEC_FULL.md supplemented feature,
	// grounded on original_source's quantize_thr/easing_from_thr). Zero by
	// default, which makes the effective threshold equal to MAThrEff.
	ThresholdEasing Decimal

	MaxLots int

	InitWindow         time.Duration
	ScaleInCooldown    time.Duration
	ScaleOutCooldown   time.Duration
	NearTouchWindow    time.Duration
	NearTouchEps       Decimal
	RiskControlThreshold Decimal
	IntentPendingTimeout time.Duration
}

// EffectiveMAThr returns MAThrEff eased by ThresholdEasing, clamped to
// [0, MAThrEff].
func (c Config) EffectiveMAThr() Decimal {
	eff := c.MAThrEff.Sub(c.ThresholdEasing)
	if eff.IsNegative() {
		return decimalZero
	}
	if eff.GreaterThan(c.MAThrEff) {
		return c.MAThrEff
	}
	return eff
}

// Default returns the spec's documented defaults (§3, §6) where a field is
// left unset by the loaded configuration.
func Default() Config {
	return Config{
		MAPeriod:             100,
		CandlePeriod:         60 * time.Second,
		MomentumWindow:       3,
		MaxLots:              4,
		InitWindow:           15 * time.Minute,
		ScaleInCooldown:      30 * time.Minute,
		RiskControlThreshold: decimal.NewFromFloat(0.003),
		IntentPendingTimeout: 60 * time.Second,
	}
}

var decimalZero = decimal.NewFromInt(0)
