// Package config loads engine configuration from YAML and environment
// variables. Environment variables use the TRADECORE_ prefix with dots
// replaced by underscores, e.g. TRADECORE_RISK_MAX_DAILY_LOSS.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/sportex/tradecore/internal/risk"
)

// Config is the full engine configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	CommissionRate float64 `mapstructure:"commission_rate"`

	Risk     risk.RiskLimits `mapstructure:"risk"`
	Executor ExecutorConfig  `mapstructure:"executor"`
	Audit    AuditConfig     `mapstructure:"audit"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	Paper    PaperConfig     `mapstructure:"paper"`
}

// ExecutorConfig bounds what the executor accepts per order.
type ExecutorConfig struct {
	MaxOrderSize       float64       `mapstructure:"max_order_size"`
	MinOrderPrice      float64       `mapstructure:"min_order_price"`
	MaxOrderPrice      float64       `mapstructure:"max_order_price"`
	MaxOrdersPerMinute int           `mapstructure:"max_orders_per_minute"`
	MaxOrdersPerMarket int           `mapstructure:"max_orders_per_market"`
	DefaultTimeInForce time.Duration `mapstructure:"default_time_in_force"`
}

// AuditConfig locates the audit database.
type AuditConfig struct {
	Path             string        `mapstructure:"path"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// PaperConfig seeds the simulated exchange used when no real provider is
// configured.
type PaperConfig struct {
	StartingBalance float64 `mapstructure:"starting_balance"`
	FillRatio       float64 `mapstructure:"fill_ratio"`
}

// Load reads configuration from path (optional) and the environment,
// applying defaults for everything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TRADECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decimalDecodeHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.CommissionRate < 0 || c.CommissionRate >= 1 {
		return fmt.Errorf("commission_rate %v out of range [0, 1)", c.CommissionRate)
	}
	if c.Executor.MaxOrderSize <= 0 {
		return fmt.Errorf("executor.max_order_size must be positive")
	}
	if c.Executor.MinOrderPrice < 1 {
		return fmt.Errorf("executor.min_order_price must be at least 1")
	}
	if c.Executor.MaxOrderPrice <= c.Executor.MinOrderPrice {
		return fmt.Errorf("executor.max_order_price must exceed min_order_price")
	}
	if err := c.Risk.Validate(); err != nil {
		return fmt.Errorf("risk limits: %w", err)
	}
	return nil
}

// Commission returns the commission rate as a decimal.
func (c *Config) Commission() decimal.Decimal {
	return decimal.NewFromFloat(c.CommissionRate)
}

// decimalDecodeHook converts numeric and string config values into
// decimal.Decimal fields.
func decimalDecodeHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(decimal.Decimal{}) {
		return data, nil
	}
	switch v := data.(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case string:
		return decimal.NewFromString(v)
	default:
		return data, nil
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("commission_rate", 0.02)

	v.SetDefault("risk.max_total_exposure", 1000)
	v.SetDefault("risk.max_market_exposure", 200)
	v.SetDefault("risk.max_daily_loss", 100)
	v.SetDefault("risk.max_position_count", 25)
	v.SetDefault("risk.max_single_bet_size", 100)
	v.SetDefault("risk.min_available_funds", 50)
	v.SetDefault("risk.max_concentration_pct", 30)

	v.SetDefault("executor.max_order_size", 100)
	v.SetDefault("executor.min_order_price", 1.01)
	v.SetDefault("executor.max_order_price", 1000)
	v.SetDefault("executor.max_orders_per_minute", 10)
	v.SetDefault("executor.max_orders_per_market", 50)
	v.SetDefault("executor.default_time_in_force", 0)

	v.SetDefault("audit.path", "tradecore.db")
	v.SetDefault("audit.snapshot_interval", time.Minute)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9100")

	v.SetDefault("paper.starting_balance", 1000)
	v.SetDefault("paper.fill_ratio", 1.0)
}
