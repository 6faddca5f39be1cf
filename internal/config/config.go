// Package config defines all configuration for the trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// broker credentials overridable via KIS_* environment variables.
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
	DryRun    bool            `mapstructure:"dry_run"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Exits     ExitConfig      `mapstructure:"exits"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Store     StoreConfig     `mapstructure:"store"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// BrokerConfig holds KIS endpoints and credentials. AppKey/AppSecret sign
// every request; the bearer token is derived at runtime and cached in
// TokenCachePath. Paper selects the mock trading environment (ws :31000,
// execution channel H0STCNI9).
type BrokerConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	WSURL          string `mapstructure:"ws_url"`
	AppKey         string `mapstructure:"app_key"`
	AppSecret      string `mapstructure:"app_secret"`
	AccountNo      string `mapstructure:"account_no"`
	HtsID          string `mapstructure:"hts_id"`
	Paper          bool   `mapstructure:"paper"`
	TokenCachePath string `mapstructure:"token_cache_path"`

	// RequestsPerSecond feeds the process-wide token bucket (broker hard
	// limit is 20/s).
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// PipelineConfig bounds the hybrid data pipeline.
//
//   - MaxSubscriptions: broker hard cap on realtime subscription slots.
//   - PollBatchSize / PollBatchPause: REST poller batching, sized to stay
//     under the broker rate limit.
//   - RebalanceInterval: how often the allocator swaps underperforming
//     realtime slots for better-scoring polled candidates.
type PipelineConfig struct {
	MaxSubscriptions  int           `mapstructure:"max_subscriptions"`
	PollBatchSize     int           `mapstructure:"poll_batch_size"`
	PollBatchPause    time.Duration `mapstructure:"poll_batch_pause"`
	RebalanceInterval time.Duration `mapstructure:"rebalance_interval"`

	PriceCacheSize int           `mapstructure:"price_cache_size"`
	PriceCacheTTL  time.Duration `mapstructure:"price_cache_ttl"`
	BookCacheSize  int           `mapstructure:"book_cache_size"`
	BookCacheTTL   time.Duration `mapstructure:"book_cache_ttl"`
	BarsCacheSize  int           `mapstructure:"bars_cache_size"`
	BarsCacheTTL   time.Duration `mapstructure:"bars_cache_ttl"`
}

// DiscoveryConfig tunes candidate screening thresholds. All thresholds are
// lower bounds; the hard profit filters (one-day move cap, liquidity
// floor) apply to every strategy.
type DiscoveryConfig struct {
	ScanInterval     time.Duration `mapstructure:"scan_interval"`
	MaxPerStrategy   int           `mapstructure:"max_per_strategy"`
	MaxDayMovePct    float64       `mapstructure:"max_day_move_pct"`
	MinVolumeRatio   float64       `mapstructure:"min_volume_ratio"`
	MinPrice         float64       `mapstructure:"min_price"`
	MaxPrice         float64       `mapstructure:"max_price"`
	ExcludeRiskyType bool          `mapstructure:"exclude_risky_type"`
}

// TradingConfig holds the executor's sizing and signal thresholds.
//
//   - BaseRatio: fraction of cash considered per order before multipliers.
//   - MaxRatio: hard fraction-of-cash ceiling per order.
//   - MaxInvest / MinInvest: absolute per-order bounds in KRW.
//   - SafetyDiscount: haircut applied to reported cash before sizing.
//   - StrategyMultipliers: per-strategy sizing adjustment.
type TradingConfig struct {
	BaseRatio           float64            `mapstructure:"base_ratio"`
	MaxRatio            float64            `mapstructure:"max_ratio"`
	MaxInvest           float64            `mapstructure:"max_invest"`
	MinInvest           float64            `mapstructure:"min_invest"`
	SafetyDiscount      float64            `mapstructure:"safety_discount"`
	MinStrength         float64            `mapstructure:"min_strength"`
	StrategyMultipliers map[string]float64 `mapstructure:"strategy_multipliers"`
	OrderTimeout        time.Duration      `mapstructure:"order_timeout"`
	SignalCooldown      time.Duration      `mapstructure:"signal_cooldown"`
	SignalHardBlock     time.Duration      `mapstructure:"signal_hard_block"`
}

// ExitConfig holds the position manager's exit-rule parameters. Stop and
// take levels are derived from measured volatility at runtime; these are
// the clamps and fallbacks.
type ExitConfig struct {
	StopLossPct     float64       `mapstructure:"stop_loss_pct"`     // fallback, negative
	TakeProfitPct   float64       `mapstructure:"take_profit_pct"`   // fallback, positive
	TrailingTrigger float64       `mapstructure:"trailing_trigger"`  // fallback, positive
	EarlyStopPct    float64       `mapstructure:"early_stop_pct"`    // time-gated early stop
	EarlyMinutes    time.Duration `mapstructure:"early_minutes"`     // hold before early stop applies
	MinHold         time.Duration `mapstructure:"min_hold"`          // hold before normal exits apply
	MarkInterval    time.Duration `mapstructure:"mark_interval"`     // position re-mark cadence
	VolatilityDays  int           `mapstructure:"volatility_days"`   // KOSPI window for sigma
}

// ScheduleConfig declares the trading-day partition. Slot times are
// "HH:MM" strings in exchange-local time.
type ScheduleConfig struct {
	PreparationOffset time.Duration    `mapstructure:"preparation_offset"`
	OffHoursRecheck   time.Duration    `mapstructure:"off_hours_recheck"`
	DiscoveryBudget   time.Duration    `mapstructure:"discovery_budget"`
	Slots             []TimeSlotConfig `mapstructure:"slots"`
}

// TimeSlotConfig is one wall-clock slot with strategy weights.
type TimeSlotConfig struct {
	Name      string             `mapstructure:"name"`
	Start     string             `mapstructure:"start"`
	End       string             `mapstructure:"end"`
	Primary   map[string]float64 `mapstructure:"primary"`
	Secondary map[string]float64 `mapstructure:"secondary"`
}

// JournalConfig sets where journal streams are persisted and the optional
// Redis stream mirror.
type JournalConfig struct {
	DataDir       string        `mapstructure:"data_dir"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	RedisAddr     string        `mapstructure:"redis_addr"` // empty disables the mirror
	RedisStream   string        `mapstructure:"redis_stream"`
}

// StoreConfig sets where open positions are persisted across restarts.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Credentials use env vars: KIS_APP_KEY, KIS_APP_SECRET, KIS_ACCOUNT_NO,
// KIS_HTS_ID, KIS_BASE_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override credentials from env
	if key := os.Getenv("KIS_APP_KEY"); key != "" {
		cfg.Broker.AppKey = key
	}
	if secret := os.Getenv("KIS_APP_SECRET"); secret != "" {
		cfg.Broker.AppSecret = secret
	}
	if acct := os.Getenv("KIS_ACCOUNT_NO"); acct != "" {
		cfg.Broker.AccountNo = acct
	}
	if hts := os.Getenv("KIS_HTS_ID"); hts != "" {
		cfg.Broker.HtsID = hts
	}
	if base := os.Getenv("KIS_BASE_URL"); base != "" {
		cfg.Broker.BaseURL = base
	}
	if os.Getenv("KIS_DRY_RUN") == "true" || os.Getenv("KIS_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Broker.TokenCachePath == "" {
		cfg.Broker.TokenCachePath = "token_info.json"
	}
	if cfg.Broker.RequestsPerSecond == 0 {
		cfg.Broker.RequestsPerSecond = 20
	}
	if cfg.Pipeline.MaxSubscriptions == 0 {
		cfg.Pipeline.MaxSubscriptions = 41
	}
	if cfg.Pipeline.PollBatchSize == 0 {
		cfg.Pipeline.PollBatchSize = 5
	}
	if cfg.Pipeline.PollBatchPause == 0 {
		cfg.Pipeline.PollBatchPause = 500 * time.Millisecond
	}
	if cfg.Pipeline.RebalanceInterval == 0 {
		cfg.Pipeline.RebalanceInterval = 5 * time.Minute
	}
	if cfg.Pipeline.PriceCacheSize == 0 {
		cfg.Pipeline.PriceCacheSize = 500
	}
	if cfg.Pipeline.PriceCacheTTL == 0 {
		cfg.Pipeline.PriceCacheTTL = 10 * time.Second
	}
	if cfg.Pipeline.BookCacheSize == 0 {
		cfg.Pipeline.BookCacheSize = 200
	}
	if cfg.Pipeline.BookCacheTTL == 0 {
		cfg.Pipeline.BookCacheTTL = 30 * time.Second
	}
	if cfg.Pipeline.BarsCacheSize == 0 {
		cfg.Pipeline.BarsCacheSize = 100
	}
	if cfg.Pipeline.BarsCacheTTL == 0 {
		cfg.Pipeline.BarsCacheTTL = 300 * time.Second
	}
	if cfg.Trading.BaseRatio == 0 {
		cfg.Trading.BaseRatio = 0.20
	}
	if cfg.Trading.MaxRatio == 0 {
		cfg.Trading.MaxRatio = 0.5
	}
	if cfg.Trading.MaxInvest == 0 {
		cfg.Trading.MaxInvest = 2_000_000
	}
	if cfg.Trading.MinInvest == 0 {
		cfg.Trading.MinInvest = 300_000
	}
	if cfg.Trading.SafetyDiscount == 0 {
		cfg.Trading.SafetyDiscount = 0.10
	}
	if cfg.Trading.MinStrength == 0 {
		cfg.Trading.MinStrength = 0.3
	}
	if cfg.Trading.OrderTimeout == 0 {
		cfg.Trading.OrderTimeout = 300 * time.Second
	}
	if cfg.Trading.SignalCooldown == 0 {
		cfg.Trading.SignalCooldown = 300 * time.Second
	}
	if cfg.Trading.SignalHardBlock == 0 {
		cfg.Trading.SignalHardBlock = 60 * time.Second
	}
	if len(cfg.Trading.StrategyMultipliers) == 0 {
		cfg.Trading.StrategyMultipliers = map[string]float64{
			"gap_trading":        0.7,
			"volume_breakout":    0.9,
			"momentum":           1.2,
			"existing_holding":   0.5,
			"disparity_reversal": 0.8,
		}
	}
	if cfg.Exits.StopLossPct == 0 {
		cfg.Exits.StopLossPct = -3.0
	}
	if cfg.Exits.TakeProfitPct == 0 {
		cfg.Exits.TakeProfitPct = 5.0
	}
	if cfg.Exits.TrailingTrigger == 0 {
		cfg.Exits.TrailingTrigger = 3.0
	}
	if cfg.Exits.EarlyStopPct == 0 {
		cfg.Exits.EarlyStopPct = -2.0
	}
	if cfg.Exits.EarlyMinutes == 0 {
		cfg.Exits.EarlyMinutes = 10 * time.Minute
	}
	if cfg.Exits.MinHold == 0 {
		cfg.Exits.MinHold = 30 * time.Minute
	}
	if cfg.Exits.MarkInterval == 0 {
		cfg.Exits.MarkInterval = 5 * time.Second
	}
	if cfg.Exits.VolatilityDays == 0 {
		cfg.Exits.VolatilityDays = 20
	}
	if cfg.Schedule.PreparationOffset == 0 {
		cfg.Schedule.PreparationOffset = 15 * time.Minute
	}
	if cfg.Schedule.OffHoursRecheck == 0 {
		cfg.Schedule.OffHoursRecheck = 30 * time.Minute
	}
	if cfg.Schedule.DiscoveryBudget == 0 {
		cfg.Schedule.DiscoveryBudget = 60 * time.Second
	}
	if cfg.Discovery.ScanInterval == 0 {
		cfg.Discovery.ScanInterval = 5 * time.Minute
	}
	if cfg.Discovery.MaxPerStrategy == 0 {
		cfg.Discovery.MaxPerStrategy = 20
	}
	if cfg.Discovery.MaxDayMovePct == 0 {
		cfg.Discovery.MaxDayMovePct = 15.0
	}
	if cfg.Discovery.MinVolumeRatio == 0 {
		cfg.Discovery.MinVolumeRatio = 1.5
	}
	if cfg.Discovery.MinPrice == 0 {
		cfg.Discovery.MinPrice = 1_000
	}
	if cfg.Discovery.MaxPrice == 0 {
		cfg.Discovery.MaxPrice = 300_000
	}
	if cfg.Journal.DataDir == "" {
		cfg.Journal.DataDir = "data/journal"
	}
	if cfg.Journal.QueueCapacity == 0 {
		cfg.Journal.QueueCapacity = 10_000
	}
	if cfg.Journal.BatchSize == 0 {
		cfg.Journal.BatchSize = 100
	}
	if cfg.Journal.FlushInterval == 0 {
		cfg.Journal.FlushInterval = 30 * time.Second
	}
	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = "data/positions"
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Broker.AppKey == "" {
		return fmt.Errorf("broker.app_key is required (set KIS_APP_KEY)")
	}
	if c.Broker.AppSecret == "" {
		return fmt.Errorf("broker.app_secret is required (set KIS_APP_SECRET)")
	}
	if c.Broker.AccountNo == "" {
		return fmt.Errorf("broker.account_no is required (set KIS_ACCOUNT_NO)")
	}
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required (set KIS_BASE_URL)")
	}
	if c.Broker.WSURL == "" {
		return fmt.Errorf("broker.ws_url is required")
	}
	if c.Pipeline.MaxSubscriptions <= 0 {
		return fmt.Errorf("pipeline.max_subscriptions must be > 0")
	}
	if c.Trading.BaseRatio <= 0 || c.Trading.BaseRatio > 1 {
		return fmt.Errorf("trading.base_ratio must be in (0, 1]")
	}
	if c.Trading.MinInvest > c.Trading.MaxInvest {
		return fmt.Errorf("trading.min_invest must not exceed trading.max_invest")
	}
	if c.Exits.StopLossPct >= 0 {
		return fmt.Errorf("exits.stop_loss_pct must be negative")
	}
	if c.Exits.TakeProfitPct <= 0 {
		return fmt.Errorf("exits.take_profit_pct must be positive")
	}
	for i, slot := range c.Schedule.Slots {
		start, err := ParseClock(slot.Start)
		if err != nil {
			return fmt.Errorf("schedule.slots[%d].start: %w", i, err)
		}
		end, err := ParseClock(slot.End)
		if err != nil {
			return fmt.Errorf("schedule.slots[%d].end: %w", i, err)
		}
		if start >= end {
			return fmt.Errorf("schedule.slots[%d]: start must precede end", i)
		}
		for j := 0; j < i; j++ {
			prevStart, _ := ParseClock(c.Schedule.Slots[j].Start)
			prevEnd, _ := ParseClock(c.Schedule.Slots[j].End)
			if start < prevEnd && prevStart < end {
				return fmt.Errorf("schedule.slots[%d] overlaps slots[%d]", i, j)
			}
		}
	}
	return nil
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q out of range", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}
