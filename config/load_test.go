package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"grid-trader-go/exchange"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeTempConfig(t, `
env: dev
trading:
  exchange: aster
  ticker: ETH
  quantity: 0.1
  direction: buy
  maxOrders: 20
  waitTime: 450s
  gridStep: 0.5
  takeProfit: 0.02
  stopPrice: 1500
  pausePrice: 2000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Trading.Exchange != "aster" || cfg.Trading.Ticker != "ETH" {
		t.Fatalf("unexpected cfg values: %+v", cfg.Trading)
	}
	if !cfg.Trading.Quantity.Equal(decimal.NewFromFloat(0.1)) {
		t.Fatalf("quantity not parsed: %s", cfg.Trading.Quantity)
	}
	if cfg.Trading.WaitTime != 450*time.Second {
		t.Fatalf("waitTime not parsed: %s", cfg.Trading.WaitTime)
	}
	if !cfg.Trading.StopEnabled() || !cfg.Trading.PauseEnabled() {
		t.Fatalf("price switches should be enabled: %+v", cfg.Trading)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeTempConfig(t, `
trading:
  exchange: grvt
  ticker: BTC
  quantity: 0.01
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Trading.Direction != exchange.SideBuy {
		t.Fatalf("default direction should be buy, got %s", cfg.Trading.Direction)
	}
	if cfg.Trading.StopEnabled() || cfg.Trading.PauseEnabled() {
		t.Fatalf("price switches should default to disabled")
	}
	if cfg.Trading.GridStepEnabled() {
		t.Fatalf("grid step should default to disabled")
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(AppConfig{}); err == nil {
		t.Fatalf("expected error for empty config")
	}

	cfg := Defaults()
	cfg.Trading.Exchange = "aster"
	cfg.Trading.Ticker = "ETH"
	cfg.Trading.Quantity = decimal.NewFromFloat(0.1)
	if err := Validate(cfg); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := cfg
	bad.Trading.Direction = "long"
	if err := Validate(bad); err == nil {
		t.Fatalf("invalid direction accepted")
	}

	bad = cfg
	bad.Trading.StopPrice = decimal.Zero
	if err := Validate(bad); err == nil {
		t.Fatalf("zero stopPrice accepted")
	}
}
