// Package config loads and validates the engine configuration from a YAML
// file, with environment-variable overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/openperp/perp-engine/internal/model"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Oracle   OracleConfig   `mapstructure:"oracle" yaml:"oracle"`
	Impact   ImpactConfig   `mapstructure:"impact" yaml:"impact"`
	Orders   OrdersConfig   `mapstructure:"orders" yaml:"orders"`
	Fees     FeesConfig     `mapstructure:"fees" yaml:"fees"`
	Pairs    []PairConfig   `mapstructure:"pairs" yaml:"pairs"`
	Groups   []GroupConfig  `mapstructure:"groups" yaml:"groups"`
	Admin    AdminConfig    `mapstructure:"admin" yaml:"admin"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port" yaml:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type PostgresConfig struct {
	// URL is the full connection string; overridden by DATABASE_URL.
	// Empty means the in-memory ledger.
	URL string `mapstructure:"url" yaml:"url"`
}

type RedisConfig struct {
	// URL enables the read-through cache; overridden by REDIS_URL.
	URL string `mapstructure:"url" yaml:"url"`
}

type OracleConfig struct {
	MinAnswers              int      `mapstructure:"min_answers" yaml:"min_answers"`
	Reporters               []string `mapstructure:"reporters" yaml:"reporters"`
	MaxDeviationMarketPct   float64  `mapstructure:"max_deviation_market_pct" yaml:"max_deviation_market_pct"`
	MaxDeviationLookbackPct float64  `mapstructure:"max_deviation_lookback_pct" yaml:"max_deviation_lookback_pct"`
	MarketJob               string   `mapstructure:"market_job" yaml:"market_job"`
	LookbackJobs            []string `mapstructure:"lookback_jobs" yaml:"lookback_jobs"`
	ReporterFeeUSD          float64  `mapstructure:"reporter_fee_usd" yaml:"reporter_fee_usd"`
}

type ImpactConfig struct {
	WindowDuration        time.Duration      `mapstructure:"window_duration" yaml:"window_duration"`
	WindowsCount          int                `mapstructure:"windows_count" yaml:"windows_count"`
	LosingCloseMultiplier float64            `mapstructure:"losing_close_multiplier" yaml:"losing_close_multiplier"`
	Pairs                 []ImpactPairConfig `mapstructure:"pairs" yaml:"pairs"`
}

type ImpactPairConfig struct {
	Symbol                string        `mapstructure:"symbol" yaml:"symbol"`
	DepthAboveUSD         float64       `mapstructure:"depth_above_usd" yaml:"depth_above_usd"`
	DepthBelowUSD         float64       `mapstructure:"depth_below_usd" yaml:"depth_below_usd"`
	ProtectionCloseFactor float64       `mapstructure:"protection_close_factor" yaml:"protection_close_factor"`
	ProtectionCloseWindow time.Duration `mapstructure:"protection_close_window" yaml:"protection_close_window"`
	CumulativeFactor      float64       `mapstructure:"cumulative_factor" yaml:"cumulative_factor"`
	ExemptOnOpen          bool          `mapstructure:"exempt_on_open" yaml:"exempt_on_open"`
	ExemptAfterProtection bool          `mapstructure:"exempt_after_protection" yaml:"exempt_after_protection"`
}

type OrdersConfig struct {
	MarketOrderTimeout      time.Duration `mapstructure:"market_order_timeout" yaml:"market_order_timeout"`
	MaxNegativePnlOnOpenPct float64       `mapstructure:"max_negative_pnl_on_open_pct" yaml:"max_negative_pnl_on_open_pct"`
	MaxGainPct              float64       `mapstructure:"max_gain_pct" yaml:"max_gain_pct"`
}

type FeesConfig struct {
	TradingFeePct      float64 `mapstructure:"trading_fee_pct" yaml:"trading_fee_pct"`
	MinFeeUSD          float64 `mapstructure:"min_fee_usd" yaml:"min_fee_usd"`
	ReferralSharePct   float64 `mapstructure:"referral_share_pct" yaml:"referral_share_pct"`
	GovernanceSharePct float64 `mapstructure:"governance_share_pct" yaml:"governance_share_pct"`
	TriggerSharePct    float64 `mapstructure:"trigger_share_pct" yaml:"trigger_share_pct"`
}

type PairConfig struct {
	Symbol             string  `mapstructure:"symbol" yaml:"symbol"`
	Group              string  `mapstructure:"group" yaml:"group"`
	MinLeverage        float64 `mapstructure:"min_leverage" yaml:"min_leverage"`
	MaxLeverage        float64 `mapstructure:"max_leverage" yaml:"max_leverage"`
	MaxOpenInterestUSD float64 `mapstructure:"max_open_interest_usd" yaml:"max_open_interest_usd"`
	DefaultSlippagePct float64 `mapstructure:"default_slippage_pct" yaml:"default_slippage_pct"`
}

type GroupConfig struct {
	Name               string  `mapstructure:"name" yaml:"name"`
	MaxOpenInterestUSD float64 `mapstructure:"max_open_interest_usd" yaml:"max_open_interest_usd"`
}

type AdminConfig struct {
	// Token guards the admin endpoints; overridden by PERP_ADMIN_TOKEN.
	// Empty disables the admin surface.
	Token string `mapstructure:"token" yaml:"token"`
}

// Load reads the YAML file at path, applies environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	v.SetEnvPrefix("PERP")
	v.AutomaticEnv()
	if url := os.Getenv("DATABASE_URL"); url != "" {
		v.Set("postgres.url", url)
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		v.Set("redis.url", url)
	}
	if token := os.Getenv("PERP_ADMIN_TOKEN"); token != "" {
		v.Set("admin.token", token)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns the baseline configuration the file overlays.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 5 * time.Second,
		},
		Oracle: OracleConfig{
			MinAnswers:              3,
			MaxDeviationMarketPct:   1.5,
			MaxDeviationLookbackPct: 5,
			MarketJob:               "market",
		},
		Impact: ImpactConfig{
			WindowDuration:        time.Hour,
			WindowsCount:          3,
			LosingCloseMultiplier: 0.5,
		},
		Orders: OrdersConfig{
			MarketOrderTimeout:      30 * time.Second,
			MaxNegativePnlOnOpenPct: 40,
			MaxGainPct:              900,
		},
		Fees: FeesConfig{
			TradingFeePct:      0.08,
			MinFeeUSD:          2,
			GovernanceSharePct: 25,
			TriggerSharePct:    10,
		},
	}
}

// Validate checks cross-field consistency. Pair and group names must match
// between the trading, impact, and exposure sections.
func (c *Config) Validate() error {
	if c.Oracle.MinAnswers < 1 {
		return fmt.Errorf("oracle.min_answers must be at least 1")
	}
	if len(c.Oracle.Reporters) < c.Oracle.MinAnswers {
		return fmt.Errorf("oracle needs at least %d reporters, have %d",
			c.Oracle.MinAnswers, len(c.Oracle.Reporters))
	}
	if c.Impact.WindowDuration <= 0 || c.Impact.WindowsCount < 1 {
		return fmt.Errorf("impact windows misconfigured: duration %s count %d",
			c.Impact.WindowDuration, c.Impact.WindowsCount)
	}
	if c.Orders.MarketOrderTimeout <= 0 {
		return fmt.Errorf("orders.market_order_timeout must be positive")
	}
	if c.Fees.TradingFeePct < 0 || c.Fees.MinFeeUSD < 0 {
		return fmt.Errorf("fees must be non-negative")
	}
	if c.Fees.ReferralSharePct+c.Fees.GovernanceSharePct+c.Fees.TriggerSharePct > 100 {
		return fmt.Errorf("fee shares exceed 100%%")
	}
	if len(c.Pairs) == 0 {
		return fmt.Errorf("at least one pair must be configured")
	}

	groups := make(map[string]bool, len(c.Groups))
	for _, g := range c.Groups {
		groups[g.Name] = true
	}
	impactPairs := make(map[string]bool, len(c.Impact.Pairs))
	for _, p := range c.Impact.Pairs {
		if err := model.ValidatePairSymbol(p.Symbol); err != nil {
			return err
		}
		impactPairs[p.Symbol] = true
	}
	for _, p := range c.Pairs {
		if err := model.ValidatePairSymbol(p.Symbol); err != nil {
			return err
		}
		if p.MinLeverage <= 0 || p.MaxLeverage < p.MinLeverage {
			return fmt.Errorf("pair %s: leverage bounds [%v, %v] invalid",
				p.Symbol, p.MinLeverage, p.MaxLeverage)
		}
		if p.Group != "" && len(c.Groups) > 0 && !groups[p.Group] {
			return fmt.Errorf("pair %s references unknown group %q", p.Symbol, p.Group)
		}
		if !impactPairs[p.Symbol] {
			return fmt.Errorf("pair %s has no impact depth configured", p.Symbol)
		}
	}
	return nil
}

// Dump renders the config as YAML for the admin surface. Secrets are
// cleared first.
func (c *Config) Dump() ([]byte, error) {
	sanitized := *c
	sanitized.Postgres.URL = ""
	sanitized.Redis.URL = ""
	sanitized.Admin.Token = ""
	return yaml.Marshal(&sanitized)
}
