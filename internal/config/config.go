// Package config defines all configuration for the pipeline.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via FLOW_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Mode       string                     `mapstructure:"mode"` // "paper" or "live"
	Exchanges  []ExchangeConfig           `mapstructure:"exchanges"`
	Bus        BusConfig                  `mapstructure:"bus"`
	Aggregator AggregatorConfig           `mapstructure:"aggregator"`
	TSDB       TSDBConfig                 `mapstructure:"tsdb"`
	Strategies map[string]StrategyConfig  `mapstructure:"strategies"`
	Grid       GridConfig                 `mapstructure:"grid"`
	Trend      TrendConfig                `mapstructure:"trend"`
	Broker     BrokerConfig               `mapstructure:"broker"`
	Risk       RiskConfig                 `mapstructure:"risk"`
	Live       LiveConfig                 `mapstructure:"live"`
	Control    ControlConfig              `mapstructure:"control"`
	Logging    LoggingConfig              `mapstructure:"logging"`
}

// ExchangeConfig describes one WebSocket market-data session.
type ExchangeConfig struct {
	Name           string        `mapstructure:"name"` // "binance", "coinbase"
	URL            string        `mapstructure:"url"`
	Symbols        []string      `mapstructure:"symbols"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// BusConfig selects and tunes the tick stream bus.
type BusConfig struct {
	Kind              string        `mapstructure:"kind"` // "redis" or "memory"
	RedisAddr         string        `mapstructure:"redis_addr"`
	RedisPassword     string        `mapstructure:"redis_password"`
	RedisDB           int           `mapstructure:"redis_db"`
	MaxStreamLen      int64         `mapstructure:"max_stream_len"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	LagWatermark      int64         `mapstructure:"lag_watermark"`
}

// AggregatorConfig lists the bar timeframes to build.
type AggregatorConfig struct {
	Timeframes []string `mapstructure:"timeframes"` // e.g. 1s, 1m, 5m, 15m, 1h, 4h, 1d
}

// TSDBConfig tunes the time-series writer and its two stores.
//
//   - PrimaryDSN / FallbackDSN: Postgres/Timescale connection strings. The
//     fallback is attempted when a primary flush errors or times out.
//   - BatchSize / FlushInterval: flush fires on whichever trigger comes first.
//   - MaxQueueSize: hard buffer cap; overflow drops oldest records.
type TSDBConfig struct {
	PrimaryDSN    string        `mapstructure:"primary_dsn"`
	FallbackDSN   string        `mapstructure:"fallback_dsn"`
	WriteTicks    bool          `mapstructure:"write_ticks"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	FlushTimeout  time.Duration `mapstructure:"flush_timeout"`
	MaxQueueSize  int           `mapstructure:"max_queue_size"`
}

// StrategyConfig binds a registered strategy to symbols.
type StrategyConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Symbols []string `mapstructure:"symbols"`
}

// GridConfig parameterizes the grid market-making strategy.
type GridConfig struct {
	BaseQuantityUSD    float64       `mapstructure:"base_quantity_usd"`
	GridStepPct        float64       `mapstructure:"grid_step_pct"`
	GridLevels         int           `mapstructure:"grid_levels"`
	TakeProfitPct      float64       `mapstructure:"take_profit_pct"`
	MaxInventory       float64       `mapstructure:"max_inventory"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
	RebalanceThreshold float64       `mapstructure:"rebalance_threshold"`
}

// TrendConfig parameterizes the EMA-crossover trend strategy.
type TrendConfig struct {
	FastMA            int     `mapstructure:"fast_ma"`
	SlowMA            int     `mapstructure:"slow_ma"`
	VolFilterPeriod   int     `mapstructure:"vol_filter_period"`
	StopPct           float64 `mapstructure:"stop_pct"`
	TrailingPct       float64 `mapstructure:"trailing_pct"`
	ATRMultiplier     float64 `mapstructure:"atr_multiplier"`
	RegimeThreshold   float64 `mapstructure:"regime_threshold"`
	KellyFraction     float64 `mapstructure:"kelly_fraction"`
	MinWinProbability float64 `mapstructure:"min_win_probability"`
	MaxPositionUSD    float64 `mapstructure:"max_position_usd"`
}

// BrokerConfig tunes the paper broker's cost model.
type BrokerConfig struct {
	InitialBalance  float64 `mapstructure:"initial_balance"`
	MakerFeeBps     float64 `mapstructure:"maker_fee_bps"`
	TakerFeeBps     float64 `mapstructure:"taker_fee_bps"`
	BaseSlippageBps float64 `mapstructure:"base_slippage_bps"`
	MaxSlippageBps  float64 `mapstructure:"max_slippage_bps"`
	ImpactFactor    float64 `mapstructure:"impact_factor"`
	BookDepthUSD    float64 `mapstructure:"book_depth_usd"`
	SnapshotAddr    string  `mapstructure:"snapshot_addr"` // Redis for account snapshot cache, empty = disabled
}

// RiskConfig sets the pre-trade limits enforced by the guard.
type RiskConfig struct {
	DailyLossLimitPct  float64 `mapstructure:"daily_loss_limit_pct"`
	PositionLimit      int     `mapstructure:"position_limit"`
	MaxPositionSizePct float64 `mapstructure:"max_position_size_pct"`
	NotionalCap        float64 `mapstructure:"notional_cap"`
	TotalExposurePct   float64 `mapstructure:"total_exposure_pct"`
}

// LiveConfig holds live-exchange execution credentials and endpoint.
// The router refuses to switch to live mode when ApiKey is empty.
type LiveConfig struct {
	BaseURL            string `mapstructure:"base_url"`
	ApiKey             string `mapstructure:"api_key"`
	Secret             string `mapstructure:"secret"`
	AllowSwitchWithOpen bool  `mapstructure:"allow_switch_with_open"`
}

// ControlConfig tunes the control-plane HTTP server.
type ControlConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: FLOW_LIVE_API_KEY, FLOW_LIVE_SECRET,
// FLOW_REDIS_ADDR, FLOW_PRIMARY_DSN, FLOW_FALLBACK_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("FLOW_LIVE_API_KEY"); key != "" {
		cfg.Live.ApiKey = key
	}
	if secret := os.Getenv("FLOW_LIVE_SECRET"); secret != "" {
		cfg.Live.Secret = secret
	}
	if addr := os.Getenv("FLOW_REDIS_ADDR"); addr != "" {
		cfg.Bus.RedisAddr = addr
	}
	if dsn := os.Getenv("FLOW_PRIMARY_DSN"); dsn != "" {
		cfg.TSDB.PrimaryDSN = dsn
	}
	if dsn := os.Getenv("FLOW_FALLBACK_DSN"); dsn != "" {
		cfg.TSDB.FallbackDSN = dsn
	}

	return &cfg, nil
}

// setDefaults applies the documented defaults so a minimal YAML file works.
func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "paper")
	v.SetDefault("bus.kind", "redis")
	v.SetDefault("bus.max_stream_len", 100000)
	v.SetDefault("bus.visibility_timeout", "30s")
	v.SetDefault("bus.lag_watermark", 10000)
	v.SetDefault("aggregator.timeframes", []string{"1s", "1m", "5m", "15m", "1h", "4h", "1d"})
	v.SetDefault("tsdb.batch_size", 500)
	v.SetDefault("tsdb.flush_interval", "5s")
	v.SetDefault("tsdb.flush_timeout", "10s")
	v.SetDefault("tsdb.max_queue_size", 50000)
	v.SetDefault("broker.initial_balance", 10000.0)
	v.SetDefault("broker.maker_fee_bps", 10.0)
	v.SetDefault("broker.taker_fee_bps", 20.0)
	v.SetDefault("broker.base_slippage_bps", 5.0)
	v.SetDefault("broker.max_slippage_bps", 50.0)
	v.SetDefault("broker.impact_factor", 1.0)
	v.SetDefault("broker.book_depth_usd", 1000000.0)
	v.SetDefault("risk.daily_loss_limit_pct", 2.0)
	v.SetDefault("risk.position_limit", 10)
	v.SetDefault("risk.max_position_size_pct", 20.0)
	v.SetDefault("risk.notional_cap", 100000.0)
	v.SetDefault("risk.total_exposure_pct", 100.0)
	v.SetDefault("control.addr", ":8090")
	v.SetDefault("control.shutdown_timeout", "15s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Mode != "paper" && c.Mode != "live" {
		return fmt.Errorf("mode must be \"paper\" or \"live\"")
	}
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange is required")
	}
	for _, ex := range c.Exchanges {
		if ex.Name == "" || ex.URL == "" {
			return fmt.Errorf("exchange name and url are required")
		}
		if len(ex.Symbols) == 0 {
			return fmt.Errorf("exchange %s: at least one symbol is required", ex.Name)
		}
	}
	switch c.Bus.Kind {
	case "redis":
		if c.Bus.RedisAddr == "" {
			return fmt.Errorf("bus.redis_addr is required (set FLOW_REDIS_ADDR)")
		}
	case "memory":
	default:
		return fmt.Errorf("bus.kind must be \"redis\" or \"memory\"")
	}
	if len(c.Aggregator.Timeframes) == 0 {
		return fmt.Errorf("aggregator.timeframes must not be empty")
	}
	if c.TSDB.BatchSize <= 0 {
		return fmt.Errorf("tsdb.batch_size must be > 0")
	}
	if c.Broker.InitialBalance <= 0 {
		return fmt.Errorf("broker.initial_balance must be > 0")
	}
	if c.Risk.DailyLossLimitPct <= 0 {
		return fmt.Errorf("risk.daily_loss_limit_pct must be > 0")
	}
	if c.Risk.PositionLimit <= 0 {
		return fmt.Errorf("risk.position_limit must be > 0")
	}
	if c.Mode == "live" && c.Live.ApiKey == "" {
		return fmt.Errorf("live.api_key is required in live mode (set FLOW_LIVE_API_KEY)")
	}
	return nil
}
