package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config captures runtime configuration for fundd.
type Config struct {
	ListenAddress string              `yaml:"listen" toml:"listen"`
	DataDir       string              `yaml:"data_dir" toml:"data_dir"`
	History       HistoryConfig       `yaml:"history" toml:"history"`
	Log           LogConfig           `yaml:"log" toml:"log"`
	Fund          FundConfig          `yaml:"fund" toml:"fund"`
	PrimaryMarket PrimaryMarketConfig `yaml:"primary_market" toml:"primary_market"`
	Oracle        OracleConfig        `yaml:"oracle" toml:"oracle"`
	Scheduler     SchedulerConfig     `yaml:"scheduler" toml:"scheduler"`
	Admin         AdminConfig         `yaml:"admin" toml:"admin"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit" toml:"rate_limit"`
}

// HistoryConfig selects the SQL store that keeps settlement history.
type HistoryConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver" toml:"driver"`
	// DSN is a postgres connection string or a sqlite file path.
	DSN string `yaml:"dsn" toml:"dsn"`
}

// LogConfig mirrors logging.Options.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// FundConfig holds the engine parameters.
type FundConfig struct {
	UnderlyingAsset    string   `yaml:"underlying_asset" toml:"underlying_asset"`
	UnderlyingDecimals uint8    `yaml:"underlying_decimals" toml:"underlying_decimals"`
	EpochLength        Duration `yaml:"epoch_length" toml:"epoch_length"`
	SettlementOffset   Duration `yaml:"settlement_offset" toml:"settlement_offset"`
	UpperThreshold     Decimal  `yaml:"upper_threshold" toml:"upper_threshold"`
	LowerThreshold     Decimal  `yaml:"lower_threshold" toml:"lower_threshold"`
	FixedThreshold     Decimal  `yaml:"fixed_threshold" toml:"fixed_threshold"`
	ManagementFeeBps   uint64   `yaml:"management_fee_bps" toml:"management_fee_bps"`
	WeightA            uint64   `yaml:"weight_a" toml:"weight_a"`
	WeightB            uint64   `yaml:"weight_b" toml:"weight_b"`
	RebalanceCooldown  Duration `yaml:"rebalance_cooldown" toml:"rebalance_cooldown"`
	PrimaryCutoff      Duration `yaml:"primary_cutoff" toml:"primary_cutoff"`
	InitialNav         Decimal  `yaml:"initial_nav" toml:"initial_nav"`
	FundAccount        string   `yaml:"fund_account" toml:"fund_account"`
	FeeCollector       string   `yaml:"fee_collector" toml:"fee_collector"`
	StrategyAccount    string   `yaml:"strategy_account" toml:"strategy_account"`
}

// PrimaryMarketConfig holds the primary market parameters. Fees are
// fractions, e.g. 0.001 for ten basis points.
type PrimaryMarketConfig struct {
	Account               string  `yaml:"account" toml:"account"`
	CreationFee           Decimal `yaml:"creation_fee" toml:"creation_fee"`
	RedemptionFee         Decimal `yaml:"redemption_fee" toml:"redemption_fee"`
	SplitFee              Decimal `yaml:"split_fee" toml:"split_fee"`
	MergeFee              Decimal `yaml:"merge_fee" toml:"merge_fee"`
	MinCreation           Amount  `yaml:"min_creation" toml:"min_creation"`
	DelayedRedemption     bool    `yaml:"delayed_redemption" toml:"delayed_redemption"`
	MaxRequestsPerEpoch   uint32  `yaml:"max_requests_per_epoch" toml:"max_requests_per_epoch"`
	MaxUnderlyingPerEpoch Amount  `yaml:"max_underlying_per_epoch" toml:"max_underlying_per_epoch"`
}

// OracleConfig tunes the price sampler and the TWAP derived from it.
type OracleConfig struct {
	Interval   Duration `yaml:"interval" toml:"interval"`
	MaxAge     Duration `yaml:"max_age" toml:"max_age"`
	TwapWindow Duration `yaml:"twap_window" toml:"twap_window"`
	MinSamples int      `yaml:"min_samples" toml:"min_samples"`
	Sources    []Source `yaml:"sources" toml:"sources"`
	// InterestRate is the per-epoch rate accrued by tranche A.
	InterestRate Decimal `yaml:"interest_rate" toml:"interest_rate"`
}

// Source describes one upstream price feed.
type Source struct {
	Name string `yaml:"name" toml:"name"`
	// Type is "static" or "http".
	Type     string  `yaml:"type" toml:"type"`
	Endpoint string  `yaml:"endpoint" toml:"endpoint"`
	Price    Decimal `yaml:"price" toml:"price"`
}

// SchedulerConfig drives automatic settlement.
type SchedulerConfig struct {
	Disabled bool `yaml:"disabled" toml:"disabled"`
	// Schedule is a six field cron expression (with seconds).
	Schedule string `yaml:"schedule" toml:"schedule"`
	// MaxCatchUp bounds the epochs settled by one run. Zero settles all.
	MaxCatchUp int `yaml:"max_catch_up" toml:"max_catch_up"`
}

// AdminConfig protects the admin endpoints with HS256 bearer tokens.
type AdminConfig struct {
	Secret    string   `yaml:"secret" toml:"secret"`
	Issuer    string   `yaml:"issuer" toml:"issuer"`
	Audience  string   `yaml:"audience" toml:"audience"`
	ClockSkew Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// RateLimitConfig bounds requests per client address.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// Option adjusts a loaded configuration before validation.
type Option func(*Config)

// WithAdminSecret overrides the admin secret, typically from FUNDD_ADMIN_SECRET.
func WithAdminSecret(secret string) Option {
	return func(cfg *Config) {
		if trimmed := strings.TrimSpace(secret); trimmed != "" {
			cfg.Admin.Secret = trimmed
		}
	}
}

// WithHistoryDSN overrides the history DSN, typically from FUNDD_HISTORY_DSN.
func WithHistoryDSN(dsn string) Option {
	return func(cfg *Config) {
		if trimmed := strings.TrimSpace(dsn); trimmed != "" {
			cfg.History.DSN = trimmed
		}
	}
}

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string, opts ...Option) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	if err := Decode(data, strings.EqualFold(filepath.Ext(path), ".toml"), &cfg); err != nil {
		return cfg, err
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Decode parses raw configuration bytes without defaults or validation.
func Decode(data []byte, isTOML bool, cfg *Config) error {
	if isTOML {
		meta, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("decode config: unknown key %q", undecoded[0].String())
		}
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/data/fundd"
	}
	if cfg.History.Driver == "" {
		cfg.History.Driver = "sqlite"
	}
	if cfg.History.DSN == "" && cfg.History.Driver == "sqlite" {
		cfg.History.DSN = filepath.Join(cfg.DataDir, "history.sqlite")
	}
	if cfg.Fund.UnderlyingAsset == "" {
		cfg.Fund.UnderlyingAsset = "underlying"
	}
	if cfg.Fund.UnderlyingDecimals == 0 {
		cfg.Fund.UnderlyingDecimals = 18
	}
	if cfg.Fund.EpochLength.Duration == 0 {
		cfg.Fund.EpochLength.Duration = 24 * time.Hour
	}
	if cfg.Fund.WeightA == 0 && cfg.Fund.WeightB == 0 {
		cfg.Fund.WeightA, cfg.Fund.WeightB = 1, 1
	}
	if cfg.Fund.UpperThreshold.IsZero() {
		cfg.Fund.UpperThreshold = MustDecimal("2")
	}
	if cfg.Fund.LowerThreshold.IsZero() {
		cfg.Fund.LowerThreshold = MustDecimal("0.5")
	}
	if cfg.Fund.InitialNav.IsZero() {
		cfg.Fund.InitialNav = MustDecimal("1")
	}
	if cfg.Oracle.Interval.Duration == 0 {
		cfg.Oracle.Interval.Duration = time.Minute
	}
	if cfg.Oracle.MaxAge.Duration == 0 {
		cfg.Oracle.MaxAge.Duration = 5 * time.Minute
	}
	if cfg.Oracle.TwapWindow.Duration == 0 {
		cfg.Oracle.TwapWindow.Duration = 30 * time.Minute
	}
	if cfg.Oracle.MinSamples <= 0 {
		cfg.Oracle.MinSamples = 1
	}
	if cfg.Scheduler.Schedule == "" {
		cfg.Scheduler.Schedule = "0 */5 * * * *"
	}
	if cfg.Admin.ClockSkew.Duration == 0 {
		cfg.Admin.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 50
	}
}

// Validate checks the configuration after defaults were applied.
func (cfg Config) Validate() error {
	switch cfg.History.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("history driver %q not supported", cfg.History.Driver)
	}
	if strings.TrimSpace(cfg.History.DSN) == "" {
		return fmt.Errorf("history dsn must be configured")
	}
	if len(cfg.Oracle.Sources) == 0 {
		return fmt.Errorf("at least one oracle source must be configured")
	}
	for _, src := range cfg.Oracle.Sources {
		switch strings.ToLower(src.Type) {
		case "static":
			if src.Price.IsZero() {
				return fmt.Errorf("static source %q requires a price", src.Name)
			}
		case "http":
			if strings.TrimSpace(src.Endpoint) == "" {
				return fmt.Errorf("http source %q requires an endpoint", src.Name)
			}
		default:
			return fmt.Errorf("source %q has unknown type %q", src.Name, src.Type)
		}
	}
	if cfg.Oracle.TwapWindow.Duration > cfg.Fund.EpochLength.Duration {
		return fmt.Errorf("twap window must not exceed the epoch length")
	}
	if strings.TrimSpace(cfg.Admin.Secret) == "" {
		return fmt.Errorf("admin secret must be configured")
	}
	if len(cfg.Admin.Secret) < 32 {
		return fmt.Errorf("admin secret must be at least 32 bytes")
	}
	if _, err := cfg.FundParams(); err != nil {
		return err
	}
	if _, err := cfg.PrimaryMarketParams(); err != nil {
		return err
	}
	return nil
}
