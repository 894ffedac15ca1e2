package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("默认配置应可加载: %v", err)
	}

	if cfg.Market.Symbol != "KRW-BTC" {
		t.Fatalf("默认交易对应为 KRW-BTC, 实际 %s", cfg.Market.Symbol)
	}
	if cfg.Barrier.DecisionInterval != 5*time.Second {
		t.Fatalf("默认决策间隔应为 5s, 实际 %s", cfg.Barrier.DecisionInterval)
	}
	if cfg.Barrier.Horizon != 120*time.Second {
		t.Fatalf("默认地平线应为 120s, 实际 %s", cfg.Barrier.Horizon)
	}
	if cfg.Trading.Profile != "strict" {
		t.Fatalf("默认 profile 应为 strict, 实际 %s", cfg.Trading.Profile)
	}
	if cfg.Execution.TradeMode != "shadow" {
		t.Fatalf("默认执行模式应为 shadow, 实际 %s", cfg.Execution.TradeMode)
	}
	if cfg.Execution.LiveTradingEnabled {
		t.Fatal("实盘开关默认必须关闭")
	}
	if cfg.Exchange.BaseURL != "https://api.upbit.com" {
		t.Fatalf("默认交易所地址不正确: %s", cfg.Exchange.BaseURL)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
market:
  symbol: KRW-ETH
barrier:
  decision_interval: 10s
trading:
  profile: test
  initial_cash: 2000000
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("写临时配置失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Market.Symbol != "KRW-ETH" {
		t.Fatalf("应覆盖交易对, 实际 %s", cfg.Market.Symbol)
	}
	if cfg.Barrier.DecisionInterval != 10*time.Second {
		t.Fatalf("应覆盖决策间隔, 实际 %s", cfg.Barrier.DecisionInterval)
	}
	if cfg.Trading.Profile != "test" {
		t.Fatalf("应覆盖 profile, 实际 %s", cfg.Trading.Profile)
	}
	if cfg.Trading.InitialCash != 2000000 {
		t.Fatalf("应覆盖初始资金, 实际 %.0f", cfg.Trading.InitialCash)
	}
	// 未覆盖的字段保持默认。
	if cfg.Barrier.RMax != 0.02 {
		t.Fatalf("未覆盖字段应保持默认: %.4f", cfg.Barrier.RMax)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("默认配置应可加载: %v", err)
		}
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"空交易对", func(c *Config) { c.Market.Symbol = "" }},
		{"非法 profile", func(c *Config) { c.Trading.Profile = "yolo" }},
		{"非法执行模式", func(c *Config) { c.Execution.TradeMode = "real" }},
		{"r_max 小于 r_min", func(c *Config) { c.Barrier.RMax = 0.0001 }},
		{"alpha 越界", func(c *Config) { c.Barrier.EwmaAlpha = 1.5 }},
		{"回撤上限为零", func(c *Config) { c.Risk.MaxDrawdownPct = 0 }},
		{"重试次数为零", func(c *Config) { c.Exchange.MaxRetry = 0 }},
		{"负的初始资金", func(c *Config) { c.Trading.InitialCash = -1 }},
	}

	for _, tc := range cases {
		cfg := base()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: 应校验失败", tc.name)
		}
	}
}

func TestThresholdsByProfile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("默认配置应可加载: %v", err)
	}

	strict := cfg.Trading.Thresholds()
	if strict.EnterPNoneMax != cfg.Trading.Strict.EnterPNoneMax {
		t.Fatal("strict profile 应返回 strict 阈值")
	}

	cfg.Trading.Profile = "test"
	test := cfg.Trading.Thresholds()
	if test.EnterPNoneMax != cfg.Trading.Test.EnterPNoneMax {
		t.Fatal("test profile 应返回 test 阈值")
	}
	if test.EnterEVRateTh >= strict.EnterEVRateTh {
		t.Fatal("test 档的 EV 闸门应更宽松")
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 1000}}
	if got := cfg.ResolveMaxPoints(0); got != 1000 {
		t.Fatalf("无覆盖时应取配置默认: %d", got)
	}
	if got := cfg.ResolveMaxPoints(50); got != 50 {
		t.Fatalf("覆盖值应生效: %d", got)
	}
}
