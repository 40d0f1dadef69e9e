package config

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `
storage:
  data_dir: "/tmp/vesta/data"
  sqlite_path: "/tmp/vesta/vesta.db"
server:
  host: "0.0.0.0"
  port: 8080
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  base_url: "https://paper-api.alpaca.markets"
  data_url: "https://data.alpaca.markets"
logging:
  level: "info"
  format: "json"
trading:
  symbol: "QQQ"
  risk_pct: 0.02
  atr_stop_multiplier: 10
  atr_trail_multiplier: 10
  max_leverage: 4
  max_risk_dollars: 30000
  paper_mode: true
data:
  start_date: "2022-01-01"
backtest:
  start_date: "2022-01-01"
  end_date: "2023-12-31"
  initial_equity: 100000
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vesta.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ALPACA_API_KEY", "ALPACA_API_SECRET", "APCA_API_KEY_ID",
		"APCA_API_SECRET_KEY", "DATA_DIR", "SQLITE_PATH", "LOG_LEVEL",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadValid(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Storage.DataDir != "/tmp/vesta/data" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/tmp/vesta/data")
	}
	if cfg.Trading.Symbol != "QQQ" {
		t.Errorf("Trading.Symbol = %q, want %q", cfg.Trading.Symbol, "QQQ")
	}
	if cfg.Alpaca.BaseURL != "https://paper-api.alpaca.markets" {
		t.Errorf("Alpaca.BaseURL = %q", cfg.Alpaca.BaseURL)
	}

	// Defaults for fields the YAML omits.
	if cfg.Trading.EntryThreshold != -80 {
		t.Errorf("EntryThreshold default = %v, want -80", cfg.Trading.EntryThreshold)
	}
	if cfg.Trading.ReversalThreshold != -20 {
		t.Errorf("ReversalThreshold default = %v, want -20", cfg.Trading.ReversalThreshold)
	}
	if cfg.Trading.StructureLookback != 20 {
		t.Errorf("StructureLookback default = %d, want 20", cfg.Trading.StructureLookback)
	}
	if cfg.Trading.CommissionPerShare != 0.005 {
		t.Errorf("CommissionPerShare default = %v, want 0.005", cfg.Trading.CommissionPerShare)
	}
	if cfg.Trading.FillTiming != "next_open" {
		t.Errorf("FillTiming default = %q, want next_open", cfg.Trading.FillTiming)
	}

	rp := cfg.RiskParams()
	if rp.RiskPct != 0.02 || rp.MaxLeverage != 4 || rp.MaxRiskDollars != 30000 {
		t.Errorf("RiskParams() = %+v", rp)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	os.Setenv("APCA_API_KEY_ID", "env-key")
	os.Setenv("APCA_API_SECRET_KEY", "env-secret")
	os.Setenv("DATA_DIR", "/override/data")
	defer clearEnv(t)

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want env-key", cfg.Alpaca.APIKey)
	}
	if cfg.Alpaca.APISecret != "env-secret" {
		t.Errorf("Alpaca.APISecret = %q, want env-secret", cfg.Alpaca.APISecret)
	}
	if cfg.Storage.DataDir != "/override/data" {
		t.Errorf("Storage.DataDir = %q, want /override/data", cfg.Storage.DataDir)
	}
}

func TestLoadRejectsInvalidRisk(t *testing.T) {
	clearEnv(t)
	cases := []struct {
		name    string
		trading string
	}{
		{"zero risk_pct", `
trading:
  symbol: "QQQ"
  risk_pct: 0
  atr_stop_multiplier: 10
  atr_trail_multiplier: 10
  max_leverage: 4
`},
		{"leverage below one", `
trading:
  symbol: "QQQ"
  risk_pct: 0.02
  atr_stop_multiplier: 10
  atr_trail_multiplier: 10
  max_leverage: 0.5
`},
		{"missing symbol", `
trading:
  risk_pct: 0.02
  atr_stop_multiplier: 10
  atr_trail_multiplier: 10
  max_leverage: 4
`},
		{"bad fill timing", `
trading:
  symbol: "QQQ"
  risk_pct: 0.02
  atr_stop_multiplier: 10
  atr_trail_multiplier: 10
  max_leverage: 4
  fill_timing: "midpoint"
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.trading))
			if err == nil {
				t.Error("Load() accepted invalid configuration")
			}
		})
	}
}
