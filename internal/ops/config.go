// Package ops loads the generator/executor process configuration: the
// tracked symbol set, the Signal Bus's on-disk layout, the Postgres
// connection backing the consumer-group store, the strategy's decision
// parameters, and a small set of feature flags. Mirrors
// `internal/ops/config.go`'s FileConfig/Loaded split.
package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yanun0323/decimal"

	"meanrev/internal/bus"
	"meanrev/internal/schema"
	"meanrev/pkg/conn"
)

// FileConfig is the wire shape unmarshalled from the JSON config file.
type FileConfig struct {
	Symbols  []string       `json:"symbols"`
	Bus      BusConfig      `json:"bus"`
	Postgres PostgresConfig `json:"postgres"`
	Group    GroupConfig    `json:"group"`
	Strategy StrategyConfig `json:"strategy"`
	Feed     FeedConfig     `json:"feed"`
	Features FeatureFlagsConfig `json:"features"`
}

// BusConfig describes the durable per-symbol log's on-disk layout. Each
// symbol gets its own subdirectory under BaseDir (bus.Producer/Consumer
// both operate one symbol at a time).
type BusConfig struct {
	BaseDir            string `json:"baseDir"`
	FilePrefix         string `json:"filePrefix"`
	SegmentMaxBytes    int64  `json:"segmentMaxBytes"`
	SegmentMaxDuration string `json:"segmentMaxDuration"`
}

// PostgresConfig configures the consumer-group store's backing database.
type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"sslMode"`
}

// GroupConfig names the consumer group an executor process joins and its
// claim/reclaim cadence (spec.md §4.G).
type GroupConfig struct {
	Name               string `json:"name"`
	ClaimInterval      string `json:"claimInterval"`
	ClaimIdleThreshold string `json:"claimIdleThreshold"`
}

// StrategyConfig is the JSON form of spec.md §6's configuration surface,
// recognised field names matching the spec table verbatim.
type StrategyConfig struct {
	MAPeriod             int     `json:"ma_period"`
	CandlePeriodSec      int     `json:"candle_period"`
	MomentumWindow       int     `json:"momentum_window"`
	MomentumThreshold    string  `json:"momentum_threshold"`
	MAThrEff             string  `json:"ma_thr_eff"`
	ThresholdEasing      string  `json:"threshold_easing"`
	MaxLots              int     `json:"max_lots"`
	InitWindowSec        int     `json:"init_window"`
	ScaleInCooldownSec   int     `json:"scale_in_cooldown"`
	ScaleOutCooldownSec  int     `json:"scaleout_cooldown"`
	NearTouchWindowSec   int     `json:"near_touch_window_sec"`
	NearTouchEps         string  `json:"near_touch_eps"`
	RiskControlThreshold string  `json:"risk_control_threshold"`
	IntentPendingTimeoutSec int  `json:"intent_pending_timeout"`
}

// FeedConfig configures the market-data collaborator (spec.md §6).
type FeedConfig struct {
	URL string `json:"url"`
}

// FeatureFlagsConfig captures optional runtime flags as JSON.
type FeatureFlagsConfig struct {
	EnableProfiling *bool `json:"enableProfiling"`
}

// FeatureFlags are resolved runtime flags.
type FeatureFlags struct {
	EnableProfiling bool
}

// Loaded is the resolved, validated configuration ready for use by either
// entry point.
type Loaded struct {
	Symbols    []string
	BusBaseDir string
	// IntentLogConfig and FillLogConfig each root a distinct per-symbol
	// durable log so the generator (sole writer of intents) and the
	// executor (sole writer of fills) never contend for the same segment
	// files (spec.md §6's "signal stream" and "fill stream" are two
	// separate append-only logs, not one process's log read back by
	// itself).
	IntentLogConfig func(symbol string) bus.LogConfig
	FillLogConfig   func(symbol string) bus.LogConfig
	Postgres        conn.Option
	Group           string
	ClaimInterval      time.Duration
	ClaimIdleThreshold time.Duration
	Strategy   schema.Config
	FeedURL    string
	Features   FeatureFlags
}

// Load reads a JSON config file and resolves it into a Loaded value. Any
// validation failure is a spec.md §7 FatalConfig condition — the caller
// aborts the process.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, fmt.Errorf("fatal config: read %s: %w", path, err)
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, fmt.Errorf("fatal config: parse %s: %w", path, err)
	}
	return resolve(cfg)
}

func resolve(cfg FileConfig) (Loaded, error) {
	if len(cfg.Symbols) == 0 {
		return Loaded{}, fmt.Errorf("fatal config: symbols must not be empty")
	}
	if cfg.Bus.BaseDir == "" {
		return Loaded{}, fmt.Errorf("fatal config: bus.baseDir must not be empty")
	}

	strategy, err := resolveStrategy(cfg.Strategy)
	if err != nil {
		return Loaded{}, fmt.Errorf("fatal config: strategy: %w", err)
	}

	group := cfg.Group.Name
	if group == "" {
		group = "executor"
	}
	claimInterval, err := parseDurationOrDefault(cfg.Group.ClaimInterval, bus.DefaultClaimInterval)
	if err != nil {
		return Loaded{}, fmt.Errorf("fatal config: group.claimInterval: %w", err)
	}
	claimIdleThreshold, err := parseDurationOrDefault(cfg.Group.ClaimIdleThreshold, 2*claimInterval)
	if err != nil {
		return Loaded{}, fmt.Errorf("fatal config: group.claimIdleThreshold: %w", err)
	}

	filePrefix := cfg.Bus.FilePrefix
	segmentMaxDuration, err := parseDurationOrDefault(cfg.Bus.SegmentMaxDuration, 0)
	if err != nil {
		return Loaded{}, fmt.Errorf("fatal config: bus.segmentMaxDuration: %w", err)
	}
	baseDir := cfg.Bus.BaseDir
	segmentMaxBytes := cfg.Bus.SegmentMaxBytes

	logConfig := func(stream, symbol string) bus.LogConfig {
		base := bus.DefaultLogConfig(symbolDir(filepath.Join(baseDir, stream), symbol))
		if filePrefix != "" {
			base.FilePrefix = filePrefix
		}
		if segmentMaxBytes > 0 {
			base.SegmentMaxBytes = segmentMaxBytes
		}
		if segmentMaxDuration > 0 {
			base.SegmentMaxDuration = segmentMaxDuration
		}
		return base
	}

	return Loaded{
		Symbols:         cfg.Symbols,
		BusBaseDir:      baseDir,
		IntentLogConfig: func(symbol string) bus.LogConfig { return logConfig("intents", symbol) },
		FillLogConfig:   func(symbol string) bus.LogConfig { return logConfig("fills", symbol) },
		Postgres: conn.Option{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
			SSLMode:  cfg.Postgres.SSLMode,
		},
		Group:              group,
		ClaimInterval:      claimInterval,
		ClaimIdleThreshold: claimIdleThreshold,
		Strategy:           strategy,
		FeedURL:            cfg.Feed.URL,
		Features:           resolveFeatures(cfg.Features),
	}, nil
}

func symbolDir(baseDir, symbol string) string {
	return filepath.Join(baseDir, symbol)
}

func resolveStrategy(cfg StrategyConfig) (schema.Config, error) {
	out := schema.Default()

	if cfg.MAPeriod > 0 {
		out.MAPeriod = cfg.MAPeriod
	}
	if cfg.CandlePeriodSec > 0 {
		out.CandlePeriod = time.Duration(cfg.CandlePeriodSec) * time.Second
	}
	if cfg.MomentumWindow > 0 {
		out.MomentumWindow = cfg.MomentumWindow
	}
	if cfg.MaxLots > 0 {
		out.MaxLots = cfg.MaxLots
	}
	if cfg.InitWindowSec > 0 {
		out.InitWindow = time.Duration(cfg.InitWindowSec) * time.Second
	}
	if cfg.ScaleInCooldownSec > 0 {
		out.ScaleInCooldown = time.Duration(cfg.ScaleInCooldownSec) * time.Second
	}
	if cfg.ScaleOutCooldownSec > 0 {
		out.ScaleOutCooldown = time.Duration(cfg.ScaleOutCooldownSec) * time.Second
	}
	if cfg.NearTouchWindowSec > 0 {
		out.NearTouchWindow = time.Duration(cfg.NearTouchWindowSec) * time.Second
	}
	if cfg.IntentPendingTimeoutSec > 0 {
		out.IntentPendingTimeout = time.Duration(cfg.IntentPendingTimeoutSec) * time.Second
	}

	var err error
	if out.MomentumThreshold, err = decimalOrDefault(cfg.MomentumThreshold, out.MomentumThreshold); err != nil {
		return schema.Config{}, fmt.Errorf("momentum_threshold: %w", err)
	}
	if out.MAThrEff, err = decimalOrDefault(cfg.MAThrEff, out.MAThrEff); err != nil {
		return schema.Config{}, fmt.Errorf("ma_thr_eff: %w", err)
	}
	if out.ThresholdEasing, err = decimalOrDefault(cfg.ThresholdEasing, out.ThresholdEasing); err != nil {
		return schema.Config{}, fmt.Errorf("threshold_easing: %w", err)
	}
	if out.NearTouchEps, err = decimalOrDefault(cfg.NearTouchEps, out.NearTouchEps); err != nil {
		return schema.Config{}, fmt.Errorf("near_touch_eps: %w", err)
	}
	if out.RiskControlThreshold, err = decimalOrDefault(cfg.RiskControlThreshold, out.RiskControlThreshold); err != nil {
		return schema.Config{}, fmt.Errorf("risk_control_threshold: %w", err)
	}

	if out.MaxLots <= 0 {
		return schema.Config{}, fmt.Errorf("max_lots must be > 0")
	}
	return out, nil
}

func decimalOrDefault(raw string, fallback schema.Decimal) (schema.Decimal, error) {
	if raw == "" {
		return fallback, nil
	}
	return decimal.NewFromString(raw)
}

func parseDurationOrDefault(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}

func resolveFeatures(cfg FeatureFlagsConfig) FeatureFlags {
	flags := FeatureFlags{EnableProfiling: false}
	if cfg.EnableProfiling != nil {
		flags.EnableProfiling = *cfg.EnableProfiling
	}
	return flags
}
