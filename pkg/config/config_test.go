// 文件: pkg/config/config_test.go

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.PriceFeed.Mode != "sim" {
		t.Errorf("default feed mode = %s, want sim", cfg.PriceFeed.Mode)
	}
	if cfg.Margin.LiquidationThreshold != 50 {
		t.Errorf("liquidation threshold = %v, want 50", cfg.Margin.LiquidationThreshold)
	}
	if cfg.Trading.MaxLeverage != 500 {
		t.Errorf("max leverage = %v, want 500", cfg.Trading.MaxLeverage)
	}
	if cfg.Challenge.TiePrizeDistribution != "split_equally" {
		t.Errorf("tie distribution = %s, want split_equally", cfg.Challenge.TiePrizeDistribution)
	}
	if cfg.Scan.StopTakeSeconds <= 0 {
		t.Error("scan intervals must be backfilled")
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
price_feed:
  mode: api
  update_interval_ms: 500
margin:
  liquidation_threshold: 40
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	// 环境变量覆盖 YAML
	t.Setenv("PRICE_FEED_MODE", "both")
	t.Setenv("MYSQL_DSN", "user:pass@tcp(db:3306)/arena")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.PriceFeed.Mode != "both" {
		t.Errorf("env override lost: mode = %s, want both", cfg.PriceFeed.Mode)
	}
	if cfg.PriceFeed.UpdateIntervalMs != 500 {
		t.Errorf("yaml value lost: interval = %d, want 500", cfg.PriceFeed.UpdateIntervalMs)
	}
	if cfg.Margin.LiquidationThreshold != 40 {
		t.Errorf("yaml value lost: liq threshold = %v, want 40", cfg.Margin.LiquidationThreshold)
	}
	if cfg.Database.DSN != "user:pass@tcp(db:3306)/arena" {
		t.Errorf("env DSN override lost: %s", cfg.Database.DSN)
	}

	// 未指定的键仍要回填默认值
	if cfg.Margin.SafeThreshold != 200 {
		t.Errorf("defaults not backfilled: safe = %v", cfg.Margin.SafeThreshold)
	}
}
