// Package config loads and validates the vesta YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"vesta/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the vesta trading engine.
type Config struct {
	Storage  Storage        `yaml:"storage"`
	Server   Server         `yaml:"server"`
	Alpaca   Alpaca         `yaml:"alpaca"`
	Logging  Logging        `yaml:"logging"`
	Trading  TradingConfig  `yaml:"trading"`
	Data     DataConfig     `yaml:"data"`
	Backtest BacktestConfig `yaml:"backtest"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds the control/status HTTP listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TradingConfig defines the instrument, risk parameters, and execution
// behaviour. The risk fields map directly onto domain.RiskParams.
type TradingConfig struct {
	Symbol             string  `yaml:"symbol"`
	RiskPct            float64 `yaml:"risk_pct"`
	ATRStopMultiplier  float64 `yaml:"atr_stop_multiplier"`
	ATRTrailMultiplier float64 `yaml:"atr_trail_multiplier"`
	MaxLeverage        float64 `yaml:"max_leverage"`
	MaxRiskDollars     float64 `yaml:"max_risk_dollars"`

	// Signal parameters. EntryThreshold is the Williams %R level at or
	// below which an entry sets up; ReversalThreshold the level above which
	// a trend-reversal exit can trigger; StructureLookback the number of
	// completed bars whose lowest low defines the structural level.
	EntryThreshold    float64 `yaml:"entry_threshold"`
	ReversalThreshold float64 `yaml:"reversal_threshold"`
	StructureLookback int     `yaml:"structure_lookback"`

	// Execution behaviour.
	CommissionPerShare float64 `yaml:"commission_per_share"`
	FillTiming         string  `yaml:"fill_timing"` // "next_open" or "close"
	AckTimeoutSec      int     `yaml:"ack_timeout_sec"`
	PartialFillWaitSec int     `yaml:"partial_fill_wait_sec"`

	PaperMode bool `yaml:"paper_mode"`
}

// DataConfig controls the historical bar fetch job.
type DataConfig struct {
	StartDate       string `yaml:"start_date"`
	Feed            string `yaml:"feed"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// BacktestConfig controls backtest replay.
type BacktestConfig struct {
	StartDate     string  `yaml:"start_date"`
	EndDate       string  `yaml:"end_date"`
	InitialEquity float64 `yaml:"initial_equity"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and defaults, and
// validates the result. An invalid configuration is fatal at startup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (highest priority — canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// applyDefaults fills zero-valued optional fields with their defaults.
// Risk parameters are deliberately not defaulted: a run with no explicit
// risk configuration must refuse to start.
func applyDefaults(cfg *Config) {
	t := &cfg.Trading
	if t.EntryThreshold == 0 {
		t.EntryThreshold = -80
	}
	if t.ReversalThreshold == 0 {
		t.ReversalThreshold = -20
	}
	if t.StructureLookback == 0 {
		t.StructureLookback = 20
	}
	if t.CommissionPerShare == 0 {
		t.CommissionPerShare = 0.005
	}
	if t.FillTiming == "" {
		t.FillTiming = "next_open"
	}
	if t.AckTimeoutSec == 0 {
		t.AckTimeoutSec = 10
	}
	if t.PartialFillWaitSec == 0 {
		t.PartialFillWaitSec = 30
	}
	if cfg.Data.Feed == "" {
		cfg.Data.Feed = "sip"
	}
	if cfg.Data.RateLimitPerMin == 0 {
		cfg.Data.RateLimitPerMin = 200
	}
	if cfg.Backtest.InitialEquity == 0 {
		cfg.Backtest.InitialEquity = 100000
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks the configuration for fatal errors.
func (c *Config) Validate() error {
	t := c.Trading
	if t.Symbol == "" {
		return fmt.Errorf("trading.symbol is required")
	}
	if err := c.RiskParams().Validate(); err != nil {
		return err
	}
	if t.FillTiming != "next_open" && t.FillTiming != "close" {
		return fmt.Errorf("trading.fill_timing must be \"next_open\" or \"close\", got %q", t.FillTiming)
	}
	if t.EntryThreshold > 0 || t.EntryThreshold < -100 {
		return fmt.Errorf("trading.entry_threshold must be in [-100, 0], got %v", t.EntryThreshold)
	}
	if t.ReversalThreshold > 0 || t.ReversalThreshold < -100 {
		return fmt.Errorf("trading.reversal_threshold must be in [-100, 0], got %v", t.ReversalThreshold)
	}
	if t.StructureLookback < 1 {
		return fmt.Errorf("trading.structure_lookback must be >= 1, got %d", t.StructureLookback)
	}
	if t.CommissionPerShare < 0 {
		return fmt.Errorf("trading.commission_per_share must be >= 0, got %v", t.CommissionPerShare)
	}
	return nil
}

// RiskParams maps the trading section onto the immutable risk parameter
// value handed to the runner at construction.
func (c *Config) RiskParams() domain.RiskParams {
	return domain.RiskParams{
		RiskPct:            c.Trading.RiskPct,
		ATRStopMultiplier:  c.Trading.ATRStopMultiplier,
		ATRTrailMultiplier: c.Trading.ATRTrailMultiplier,
		MaxLeverage:        c.Trading.MaxLeverage,
		MaxRiskDollars:     c.Trading.MaxRiskDollars,
	}
}

// AckTimeout returns the acknowledgement timeout as a duration.
func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.Trading.AckTimeoutSec) * time.Second
}

// PartialFillWait returns the bounded wait for entry remainders as a
// duration.
func (c *Config) PartialFillWait() time.Duration {
	return time.Duration(c.Trading.PartialFillWaitSec) * time.Second
}
