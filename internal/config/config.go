// Package config defines all configuration for the exchange simulator.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// database credentials overridable via POSTGRES_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"paper-exchange/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Backfill BackfillConfig `mapstructure:"backfill"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	StreamEnabled bool          `mapstructure:"stream_enabled"`
}

// DatabaseConfig holds Postgres connection settings. Every field can be
// overridden by the matching POSTGRES_* environment variable.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// DSN builds the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, sslMode)
}

// ExchangeConfig tunes the per-user simulation.
//
//   - Assets: symbols every engine replays (the first one anchors the
//     simulated clock).
//   - BaseAsset: the cash currency balances are quoted in.
//   - Timeframe: candle timeframe of the simulated tick (1h, 4h, 1d).
//   - MultiTimeframes: with a 1h base tick, also refresh 4h candles every
//     4th tick and 1d candles every 24th tick.
//   - TicksForTest: length of a replay in days; with the timeframe it fixes
//     the exact number of candles a session covers.
//   - InitialBalance: cash granted to a freshly minted user.
//   - DefaultMultiplier / DefaultCommission: engine settings used when no
//     snapshot exists for the user.
//   - IdleTimeout / ReaperInterval: idle-engine eviction policy.
type ExchangeConfig struct {
	Assets            []string      `mapstructure:"assets"`
	BaseAsset         string        `mapstructure:"base_asset"`
	Timeframe         string        `mapstructure:"timeframe"`
	MultiTimeframes   bool          `mapstructure:"multi_timeframes"`
	TicksForTest      int           `mapstructure:"ticks_for_test"`
	InitialBalance    float64       `mapstructure:"initial_balance"`
	DefaultMultiplier float64       `mapstructure:"default_multiplier"`
	DefaultCommission float64       `mapstructure:"default_commission"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ReaperInterval    time.Duration `mapstructure:"reaper_interval"`
}

// BackfillConfig controls one-shot candle ingestion at startup.
type BackfillConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Source  string `mapstructure:"source"` // "csv" or "binance"
	CSVDir  string `mapstructure:"csv_dir"`

	BinanceBaseURL string `mapstructure:"binance_base_url"`
	FromMillis     int64  `mapstructure:"from_millis"`
	ToMillis       int64  `mapstructure:"to_millis"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Database credentials use env vars: POSTGRES_DB, POSTGRES_HOST,
// POSTGRES_PASSWORD, POSTGRES_PORT, POSTGRES_USER.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override database settings from env
	if db := os.Getenv("POSTGRES_DB"); db != "" {
		cfg.Database.Name = db
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		cfg.Database.Host = host
	}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}
	if port := os.Getenv("POSTGRES_PORT"); port != "" {
		cfg.Database.Port = port
	}
	if user := os.Getenv("POSTGRES_USER"); user != "" {
		cfg.Database.User = user
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port is required")
	}
	if c.Database.Host == "" || c.Database.Name == "" || c.Database.User == "" {
		return fmt.Errorf("database.host, database.name and database.user are required (or set POSTGRES_*)")
	}
	if len(c.Exchange.Assets) == 0 {
		return fmt.Errorf("exchange.assets must list at least one symbol")
	}
	if c.Exchange.BaseAsset == "" {
		return fmt.Errorf("exchange.base_asset is required")
	}
	if _, err := types.ParseTimeframe(c.Exchange.Timeframe); err != nil {
		return fmt.Errorf("exchange.timeframe: %w", err)
	}
	if c.Exchange.MultiTimeframes && c.Exchange.Timeframe != string(types.H1) {
		return fmt.Errorf("exchange.multi_timeframes requires a 1h base timeframe")
	}
	if c.Exchange.TicksForTest <= 0 {
		return fmt.Errorf("exchange.ticks_for_test must be > 0")
	}
	if c.Exchange.InitialBalance <= 0 {
		return fmt.Errorf("exchange.initial_balance must be > 0")
	}
	if c.Exchange.DefaultMultiplier <= 0 {
		return fmt.Errorf("exchange.default_multiplier must be > 0")
	}
	if c.Exchange.DefaultCommission < 0 || c.Exchange.DefaultCommission >= 1 {
		return fmt.Errorf("exchange.default_commission must be in [0, 1)")
	}
	if c.Exchange.IdleTimeout <= 0 {
		return fmt.Errorf("exchange.idle_timeout must be > 0")
	}
	if c.Exchange.ReaperInterval <= 0 {
		return fmt.Errorf("exchange.reaper_interval must be > 0")
	}
	return nil
}
