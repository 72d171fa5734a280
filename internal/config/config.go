// Package config loads coordinator configuration from a YAML file and
// environment overrides via viper, layered over the subsystem defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/meridian-desk/coordinator/internal/capital"
	"github.com/meridian-desk/coordinator/internal/correlation"
	"github.com/meridian-desk/coordinator/internal/events"
	"github.com/meridian-desk/coordinator/internal/exchange"
	"github.com/meridian-desk/coordinator/internal/quality"
	"github.com/meridian-desk/coordinator/internal/regime"
	"github.com/meridian-desk/coordinator/internal/risk"
	"github.com/meridian-desk/coordinator/internal/transition"
)

// Config is the full coordinator configuration.
type Config struct {
	Instruments []string

	MasterInterval     time.Duration
	InstrumentInterval time.Duration
	SnapshotInterval   time.Duration
	StatePath          string

	Server ServerConfig

	Regime      regime.Config
	Capital     capital.PoolConfig
	Risk        risk.Config
	Quality     quality.Config
	Transition  transition.Config
	Correlation correlation.Config
	Events      events.Config
	Paper       exchange.PaperConfig
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
}

// Load reads the named config file (optional) plus COORDINATOR_* env vars
// and returns the merged configuration.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("COORDINATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Instruments:        v.GetStringSlice("instruments"),
		MasterInterval:     v.GetDuration("loops.master_interval"),
		InstrumentInterval: v.GetDuration("loops.instrument_interval"),
		SnapshotInterval:   v.GetDuration("loops.snapshot_interval"),
		StatePath:          v.GetString("state.path"),
		Server: ServerConfig{
			Host:           v.GetString("server.host"),
			Port:           v.GetInt("server.port"),
			AllowedOrigins: v.GetStringSlice("server.allowed_origins"),
		},
		Regime:      regime.DefaultConfig(),
		Quality:     quality.DefaultConfig(),
		Transition:  transition.DefaultConfig(),
		Correlation: correlation.DefaultConfig(),
		Events:      events.DefaultConfig(),
		Paper:       exchange.DefaultPaperConfig(),
	}

	cfg.Regime.ConfirmationsRequired = v.GetInt("regime.confirmations")
	cfg.Regime.MinDwell = v.GetDuration("regime.min_dwell")
	cfg.Transition.Deadline = v.GetDuration("transition.deadline")

	total := decimal.NewFromFloat(v.GetFloat64("capital.total"))
	cfg.Capital = capital.DefaultPoolConfig()
	cfg.Capital.TotalCapital = total
	cfg.Capital.ReserveFraction = v.GetFloat64("capital.reserve_fraction")
	cfg.Capital.MaxUtilization = v.GetFloat64("capital.max_utilization")
	cfg.Capital.IncludeUnrealizedPnL = v.GetBool("capital.include_unrealized_pnl")

	cfg.Risk = risk.DefaultConfig(total, cfg.Capital.ActivePool())

	if groups := v.GetStringMapStringSlice("correlation.groups"); len(groups) > 0 {
		cfg.Correlation.Groups = groups
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("instruments", []string{"BTC/USDT", "ETH/USDT"})
	v.SetDefault("loops.master_interval", time.Minute)
	v.SetDefault("loops.instrument_interval", 2*time.Second)
	v.SetDefault("loops.snapshot_interval", 30*time.Second)
	v.SetDefault("state.path", "data/coordinator.json")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("regime.confirmations", 3)
	v.SetDefault("regime.min_dwell", 4*time.Hour)
	v.SetDefault("transition.deadline", 2*time.Hour)
	v.SetDefault("capital.total", 100000.0)
	v.SetDefault("capital.reserve_fraction", 0.15)
	v.SetDefault("capital.max_utilization", 1.0)
	v.SetDefault("capital.include_unrealized_pnl", false)
}

func (c *Config) validate() error {
	if len(c.Instruments) == 0 {
		return fmt.Errorf("config: no instruments")
	}
	if c.Capital.TotalCapital.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("config: total capital must be positive")
	}
	if c.InstrumentInterval < time.Second || c.InstrumentInterval > 5*time.Second {
		return fmt.Errorf("config: instrument interval must be 1s to 5s")
	}
	if c.MasterInterval <= 0 {
		return fmt.Errorf("config: master interval must be positive")
	}
	return nil
}
