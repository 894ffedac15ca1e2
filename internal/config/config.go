package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"barrierbot/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Market    MarketConfig    `mapstructure:"market"`
	Barrier   BarrierConfig   `mapstructure:"barrier"`
	Model     ModelConfig     `mapstructure:"model"`
	Cost      CostConfig      `mapstructure:"cost"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Evaluator EvaluatorConfig `mapstructure:"evaluator"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// MarketConfig identifies the traded market and the in-process handoff.
type MarketConfig struct {
	Symbol        string        `mapstructure:"symbol"`
	DataLagMax    time.Duration `mapstructure:"data_lag_max"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
}

// BarrierConfig governs adaptive barrier sizing and its feedback loop.
type BarrierConfig struct {
	DecisionInterval time.Duration `mapstructure:"decision_interval"`
	Horizon          time.Duration `mapstructure:"horizon"`
	VolWindow        time.Duration `mapstructure:"vol_window"`
	VolDt            time.Duration `mapstructure:"vol_dt"`
	CostLookback     time.Duration `mapstructure:"cost_lookback"`
	RMin             float64       `mapstructure:"r_min"`
	RMax             float64       `mapstructure:"r_max"`
	RMinCostMult     float64       `mapstructure:"r_min_cost_mult"`
	KVol             float64       `mapstructure:"k_vol"`
	KVolMin          float64       `mapstructure:"k_vol_min"`
	KVolMax          float64       `mapstructure:"k_vol_max"`
	TargetNone       float64       `mapstructure:"target_none"`
	EwmaAlpha        float64       `mapstructure:"ewma_alpha"`
	EwmaEta          float64       `mapstructure:"ewma_eta"`
}

// ModelConfig tunes the baseline prediction model.
type ModelConfig struct {
	Lookback          time.Duration `mapstructure:"lookback"`
	ScoreMomZ         float64       `mapstructure:"score_mom_z"`
	ScoreImbalance    float64       `mapstructure:"score_imbalance"`
	ScoreSpread       float64       `mapstructure:"score_spread"`
	PHitCZ            float64       `mapstructure:"p_hit_cz"`
	PNoneMaxForSignal float64       `mapstructure:"p_none_max_for_signal"`
}

// CostConfig parameterises the round-trip cost model.
type CostConfig struct {
	FeeRate     float64 `mapstructure:"fee_rate"`
	SlippageBps float64 `mapstructure:"slippage_bps"`
	CostMult    float64 `mapstructure:"cost_mult"`
}

// ProfileThresholds are the entry gates that vary by policy profile.
type ProfileThresholds struct {
	EnterEVRateTh   float64 `mapstructure:"enter_ev_rate_th"`
	EnterPNoneMax   float64 `mapstructure:"enter_p_none_max"`
	EnterPDirMargin float64 `mapstructure:"enter_p_dir_margin"`
	CostRMinMult    float64 `mapstructure:"cost_r_min_mult"`
	MaxPositionFrac float64 `mapstructure:"max_position_frac"`
}

// TradingConfig governs the paper trading policy and state machine.
type TradingConfig struct {
	Profile           string            `mapstructure:"profile"`
	InitialCash       float64           `mapstructure:"initial_cash"`
	MinOrderCash      float64           `mapstructure:"min_order_cash"`
	EnterSpreadBpsMax float64           `mapstructure:"enter_spread_bps_max"`
	ExitEVRateTh      float64           `mapstructure:"exit_ev_rate_th"`
	Strict            ProfileThresholds `mapstructure:"strict"`
	Test              ProfileThresholds `mapstructure:"test"`
	TestMaxEntriesHr  int               `mapstructure:"test_max_entries_per_hour"`
	TestCooldown      time.Duration     `mapstructure:"test_cooldown"`
}

// RiskConfig sets the sticky halt limits.
type RiskConfig struct {
	MaxDrawdownPct    float64 `mapstructure:"max_drawdown_pct"`
	DailyLossLimitPct float64 `mapstructure:"daily_loss_limit_pct"`
}

// ExchangeConfig covers authenticated REST access to Upbit.
type ExchangeConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	AccessKey      string        `mapstructure:"access_key"`
	SecretKey      string        `mapstructure:"secret_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetry       int           `mapstructure:"max_retry"`
}

// ExecutionConfig resolves the execution realism tier and its guards.
type ExecutionConfig struct {
	TradeMode          string        `mapstructure:"trade_mode"`
	OrderTestEnabled   bool          `mapstructure:"order_test_enabled"`
	LiveTradingEnabled bool          `mapstructure:"live_trading_enabled"`
	LiveConfirmPhrase  string        `mapstructure:"live_confirm_phrase"`
	ThrottleMinRemain  int           `mapstructure:"throttle_min_remaining"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	MaxPolls           int           `mapstructure:"max_polls"`
	OrderTestCash      float64       `mapstructure:"order_test_cash"`
}

// EvaluatorConfig bounds settlement batches and metric windows.
type EvaluatorConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	EntryStaleMax   time.Duration `mapstructure:"entry_stale_max"`
	MetricsWindow   int           `mapstructure:"metrics_window"`
	CalibrationBins int           `mapstructure:"calibration_bins"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BARRIERBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "barrierbot")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("market.symbol", "KRW-BTC")
	v.SetDefault("market.data_lag_max", "3s")
	v.SetDefault("market.queue_capacity", 256)

	v.SetDefault("barrier.decision_interval", "5s")
	v.SetDefault("barrier.horizon", "120s")
	v.SetDefault("barrier.vol_window", "600s")
	v.SetDefault("barrier.vol_dt", "1s")
	v.SetDefault("barrier.cost_lookback", "120s")
	v.SetDefault("barrier.r_min", 0.0010)
	v.SetDefault("barrier.r_max", 0.0200)
	v.SetDefault("barrier.r_min_cost_mult", 1.0)
	v.SetDefault("barrier.k_vol", 1.0)
	v.SetDefault("barrier.k_vol_min", 0.25)
	v.SetDefault("barrier.k_vol_max", 4.0)
	v.SetDefault("barrier.target_none", 0.55)
	v.SetDefault("barrier.ewma_alpha", 0.97)
	v.SetDefault("barrier.ewma_eta", 0.05)

	v.SetDefault("model.lookback", "120s")
	v.SetDefault("model.score_mom_z", 0.8)
	v.SetDefault("model.score_imbalance", 0.5)
	v.SetDefault("model.score_spread", 0.3)
	v.SetDefault("model.p_hit_cz", 0.5)
	v.SetDefault("model.p_none_max_for_signal", 0.9)

	v.SetDefault("cost.fee_rate", 0.0005)
	v.SetDefault("cost.slippage_bps", 1.0)
	v.SetDefault("cost.cost_mult", 1.0)

	v.SetDefault("trading.profile", "strict")
	v.SetDefault("trading.initial_cash", 1000000.0)
	v.SetDefault("trading.min_order_cash", 5000.0)
	v.SetDefault("trading.enter_spread_bps_max", 8.0)
	v.SetDefault("trading.exit_ev_rate_th", 0.0)
	v.SetDefault("trading.strict.enter_ev_rate_th", 0.0000005)
	v.SetDefault("trading.strict.enter_p_none_max", 0.70)
	v.SetDefault("trading.strict.enter_p_dir_margin", 0.10)
	v.SetDefault("trading.strict.cost_r_min_mult", 1.5)
	v.SetDefault("trading.strict.max_position_frac", 0.30)
	v.SetDefault("trading.test.enter_ev_rate_th", -0.0000010)
	v.SetDefault("trading.test.enter_p_none_max", 0.95)
	v.SetDefault("trading.test.enter_p_dir_margin", 0.01)
	v.SetDefault("trading.test.cost_r_min_mult", 0.5)
	v.SetDefault("trading.test.max_position_frac", 0.05)
	v.SetDefault("trading.test_max_entries_per_hour", 6)
	v.SetDefault("trading.test_cooldown", "300s")

	v.SetDefault("risk.max_drawdown_pct", 0.05)
	v.SetDefault("risk.daily_loss_limit_pct", 0.03)

	v.SetDefault("exchange.base_url", "https://api.upbit.com")
	v.SetDefault("exchange.request_timeout", "10s")
	v.SetDefault("exchange.max_retry", 3)

	v.SetDefault("execution.trade_mode", "shadow")
	v.SetDefault("execution.order_test_enabled", false)
	v.SetDefault("execution.live_trading_enabled", false)
	v.SetDefault("execution.throttle_min_remaining", 3)
	v.SetDefault("execution.poll_interval", "2s")
	v.SetDefault("execution.max_polls", 30)
	v.SetDefault("execution.order_test_cash", 5000.0)

	v.SetDefault("evaluator.batch_size", 50)
	v.SetDefault("evaluator.entry_stale_max", "5s")
	v.SetDefault("evaluator.metrics_window", 500)
	v.SetDefault("evaluator.calibration_bins", 10)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9108")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Market.Symbol == "" {
		return fmt.Errorf("market.symbol must be set")
	}
	if c.Market.QueueCapacity <= 0 {
		return fmt.Errorf("market.queue_capacity must be greater than zero")
	}
	if c.Barrier.DecisionInterval <= 0 {
		return fmt.Errorf("barrier.decision_interval must be greater than zero")
	}
	if c.Barrier.Horizon <= 0 {
		return fmt.Errorf("barrier.horizon must be greater than zero")
	}
	if c.Barrier.VolDt <= 0 || c.Barrier.VolWindow < c.Barrier.VolDt {
		return fmt.Errorf("barrier.vol_window/vol_dt are inconsistent")
	}
	if c.Barrier.RMin <= 0 || c.Barrier.RMax < c.Barrier.RMin {
		return fmt.Errorf("barrier.r_min/r_max are inconsistent")
	}
	if c.Barrier.KVolMin <= 0 || c.Barrier.KVolMax < c.Barrier.KVolMin {
		return fmt.Errorf("barrier.k_vol_min/k_vol_max are inconsistent")
	}
	if c.Barrier.EwmaAlpha <= 0 || c.Barrier.EwmaAlpha >= 1 {
		return fmt.Errorf("barrier.ewma_alpha must be in (0,1)")
	}
	if c.Trading.Profile != "strict" && c.Trading.Profile != "test" {
		return fmt.Errorf("trading.profile must be strict or test")
	}
	if c.Trading.InitialCash <= 0 {
		return fmt.Errorf("trading.initial_cash must be greater than zero")
	}
	if c.Risk.MaxDrawdownPct <= 0 || c.Risk.DailyLossLimitPct <= 0 {
		return fmt.Errorf("risk limits must be greater than zero")
	}
	if mode := c.Execution.TradeMode; mode != "shadow" && mode != "test" && mode != "live" {
		return fmt.Errorf("execution.trade_mode must be shadow, test, or live")
	}
	if c.Execution.PollInterval <= 0 || c.Execution.MaxPolls <= 0 {
		return fmt.Errorf("execution.poll_interval/max_polls must be greater than zero")
	}
	if c.Exchange.MaxRetry <= 0 {
		return fmt.Errorf("exchange.max_retry must be greater than zero")
	}
	if c.Evaluator.BatchSize <= 0 || c.Evaluator.CalibrationBins <= 0 {
		return fmt.Errorf("evaluator.batch_size/calibration_bins must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// Thresholds returns the entry thresholds for the active policy profile.
func (c *TradingConfig) Thresholds() ProfileThresholds {
	if c.Profile == "test" {
		return c.Test
	}
	return c.Strict
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
