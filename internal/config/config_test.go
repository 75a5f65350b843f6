package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validYAML = `
server:
  port: 8080
  read_timeout: 15s
  write_timeout: 15s
database:
  host: localhost
  port: "5432"
  user: exchange
  password: secret
  name: exchange
exchange:
  assets: [btc, eth]
  base_asset: usdt
  timeframe: 1h
  multi_timeframes: true
  ticks_for_test: 200
  initial_balance: 100000
  default_multiplier: 1.0
  default_commission: 0.001
  idle_timeout: 5m
  reaper_interval: 60s
logging:
  level: info
  format: text
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Exchange.IdleTimeout != 5*time.Minute {
		t.Errorf("idle timeout = %v, want 5m", cfg.Exchange.IdleTimeout)
	}
	if len(cfg.Exchange.Assets) != 2 {
		t.Errorf("assets = %v, want [btc eth]", cfg.Exchange.Assets)
	}
}

func TestEnvOverridesDatabase(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("POSTGRES_PASSWORD", "hunter2")

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Host != "db.internal" {
		t.Errorf("host = %s, want db.internal", cfg.Database.Host)
	}
	if cfg.Database.Password != "hunter2" {
		t.Errorf("password not overridden")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no assets", func(c *Config) { c.Exchange.Assets = nil }},
		{"bad timeframe", func(c *Config) { c.Exchange.Timeframe = "15m" }},
		{"multi timeframes off 1h", func(c *Config) { c.Exchange.Timeframe = "1d" }},
		{"zero ticks", func(c *Config) { c.Exchange.TicksForTest = 0 }},
		{"commission out of range", func(c *Config) { c.Exchange.DefaultCommission = 1.5 }},
		{"zero multiplier", func(c *Config) { c.Exchange.DefaultMultiplier = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validYAML))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "h", Port: "5432", User: "u", Password: "p", Name: "n"}
	want := "host=h port=5432 user=u password=p dbname=n sslmode=disable"
	if got := d.DSN(); got != want {
		t.Errorf("DSN = %q, want %q", got, want)
	}
}
