package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log         LoggingConfig   `yaml:"log"`
	Feed        FeedConfig      `yaml:"feed"`
	Detector    DetectorConfig  `yaml:"detector"`
	Risk        RiskConfig      `yaml:"risk"`
	Execution   ExecutionConfig `yaml:"execution"`
	State       StateConfig     `yaml:"state"`
	History     HistoryConfig   `yaml:"history"`
	Telegram    TelegramConfig  `yaml:"telegram"`
	Metrics     MetricsConfig   `yaml:"metrics"`
	Venues      []VenueConfig   `yaml:"venues"`
	Instruments []string        `yaml:"instruments"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type FeedConfig struct {
	StalenessThreshold time.Duration `yaml:"staleness_threshold"`
	PollInterval       time.Duration `yaml:"poll_interval"`
}

type DetectorConfig struct {
	MinProfitThreshold float64       `yaml:"min_profit_threshold"`
	SlippageFraction   float64       `yaml:"slippage_fraction"`
	MaxSpreadFraction  float64       `yaml:"max_spread_fraction"`
	TopN               int           `yaml:"top_n"`
	ScanInterval       time.Duration `yaml:"scan_interval"`
	FingerprintBucket  time.Duration `yaml:"fingerprint_bucket"`
}

type RiskConfig struct {
	StartingBalanceUSD    float64 `yaml:"starting_balance_usd"`
	MaxPositionUSD        float64 `yaml:"max_position_usd"`
	MaxDailyLossUSD       float64 `yaml:"max_daily_loss_usd"`
	MaxConcurrentTrades   int     `yaml:"max_concurrent_trades"`
	MaxDrawdown           float64 `yaml:"max_drawdown"`
	MaxInstrumentExposure float64 `yaml:"max_instrument_exposure_usd"`
	MaxTotalExposure      float64 `yaml:"max_total_exposure_usd"`
	RiskPerTrade          float64 `yaml:"risk_per_trade"`
	StopLossPct           float64 `yaml:"stop_loss_pct"`
}

type ExecutionConfig struct {
	LegTimeout        time.Duration `yaml:"leg_timeout"`
	SlippageTolerance float64       `yaml:"slippage_tolerance"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type HistoryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type VenueConfig struct {
	Name           string        `yaml:"name"`
	Type           string        `yaml:"type"`
	TakerFeeRate   float64       `yaml:"taker_fee_rate"`
	QuoteWSURL     string        `yaml:"quote_ws_url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

func (m MetricsConfig) EnabledValue() bool {
	if m.Enabled == nil {
		return false
	}
	return *m.Enabled
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

// ApplyDefaults fills zero-valued fields with production defaults, for
// configs assembled in code rather than loaded from a file.
func ApplyDefaults(cfg *Config) {
	applyDefaults(cfg)
}

// Validate checks the invariants Load enforces.
func Validate(cfg *Config) error {
	return validate(cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Feed.StalenessThreshold == 0 {
		cfg.Feed.StalenessThreshold = 5 * time.Second
	}
	if cfg.Feed.PollInterval == 0 {
		cfg.Feed.PollInterval = time.Second
	}
	if cfg.Detector.MinProfitThreshold == 0 {
		cfg.Detector.MinProfitThreshold = 0.001
	}
	if cfg.Detector.SlippageFraction == 0 {
		cfg.Detector.SlippageFraction = 0.0005
	}
	if cfg.Detector.MaxSpreadFraction == 0 {
		cfg.Detector.MaxSpreadFraction = 0.05
	}
	if cfg.Detector.TopN == 0 {
		cfg.Detector.TopN = 3
	}
	if cfg.Detector.ScanInterval == 0 {
		cfg.Detector.ScanInterval = 5 * time.Second
	}
	if cfg.Detector.FingerprintBucket == 0 {
		cfg.Detector.FingerprintBucket = 30 * time.Second
	}
	if cfg.Risk.StartingBalanceUSD == 0 {
		cfg.Risk.StartingBalanceUSD = 10000
	}
	if cfg.Risk.MaxPositionUSD == 0 {
		cfg.Risk.MaxPositionUSD = 1000
	}
	if cfg.Risk.MaxDailyLossUSD == 0 {
		cfg.Risk.MaxDailyLossUSD = 100
	}
	if cfg.Risk.MaxConcurrentTrades == 0 {
		cfg.Risk.MaxConcurrentTrades = 5
	}
	if cfg.Risk.MaxDrawdown == 0 {
		cfg.Risk.MaxDrawdown = 0.10
	}
	if cfg.Risk.MaxTotalExposure == 0 {
		cfg.Risk.MaxTotalExposure = cfg.Risk.MaxPositionUSD * float64(cfg.Risk.MaxConcurrentTrades)
	}
	if cfg.Risk.MaxInstrumentExposure == 0 {
		cfg.Risk.MaxInstrumentExposure = cfg.Risk.MaxPositionUSD
	}
	if cfg.Risk.RiskPerTrade == 0 {
		cfg.Risk.RiskPerTrade = 0.02
	}
	if cfg.Risk.StopLossPct == 0 {
		cfg.Risk.StopLossPct = 0.02
	}
	if cfg.Execution.LegTimeout == 0 {
		cfg.Execution.LegTimeout = 30 * time.Second
	}
	if cfg.Execution.SlippageTolerance == 0 {
		cfg.Execution.SlippageTolerance = 0.0005
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/cross-arb-bot.db"
	}
	if cfg.History.Schema == "" {
		cfg.History.Schema = "public"
	}
	if cfg.History.QueueSize == 0 {
		cfg.History.QueueSize = 256
	}
	if cfg.Metrics.Enabled == nil {
		enabled := false
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	for i := range cfg.Venues {
		if cfg.Venues[i].Type == "" {
			cfg.Venues[i].Type = "paper"
		}
		if cfg.Venues[i].TakerFeeRate == 0 {
			cfg.Venues[i].TakerFeeRate = 0.001
		}
		if cfg.Venues[i].ReconnectDelay == 0 {
			cfg.Venues[i].ReconnectDelay = 3 * time.Second
		}
		if cfg.Venues[i].PingInterval == 0 {
			cfg.Venues[i].PingInterval = 30 * time.Second
		}
	}
}

func validate(cfg *Config) error {
	if len(cfg.Venues) < 2 {
		return errors.New("at least two venues are required")
	}
	seen := make(map[string]struct{}, len(cfg.Venues))
	for _, v := range cfg.Venues {
		if v.Name == "" {
			return errors.New("venue name is required")
		}
		if _, dup := seen[v.Name]; dup {
			return fmt.Errorf("duplicate venue name: %s", v.Name)
		}
		seen[v.Name] = struct{}{}
	}
	if len(cfg.Instruments) == 0 {
		return errors.New("at least one instrument is required")
	}
	if cfg.Detector.MinProfitThreshold < 0 {
		return errors.New("detector.min_profit_threshold must be >= 0")
	}
	if cfg.Risk.MaxPositionUSD <= 0 {
		return errors.New("risk.max_position_usd must be > 0")
	}
	if cfg.Risk.MaxDailyLossUSD <= 0 {
		return errors.New("risk.max_daily_loss_usd must be > 0")
	}
	if cfg.Risk.MaxConcurrentTrades <= 0 {
		return errors.New("risk.max_concurrent_trades must be > 0")
	}
	if cfg.Risk.MaxDrawdown <= 0 || cfg.Risk.MaxDrawdown >= 1 {
		return errors.New("risk.max_drawdown must be in (0, 1)")
	}
	if cfg.History.Enabled && cfg.History.DSN == "" {
		return errors.New("history.dsn is required when history is enabled")
	}
	return nil
}
