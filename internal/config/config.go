// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config loads terminal settings from a YAML file, an optional .env
// file and POS_* environment variables, in that order of precedence (last wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/davitacols/supawave-sub002/checkout"
	"github.com/davitacols/supawave-sub002/pos"
	"github.com/davitacols/supawave-sub002/possync"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POS_"

// Config holds all configuration for a terminal process.
type Config struct {
	Terminal TerminalConfig    `yaml:"terminal"`
	Server   ServerConfig      `yaml:"server"`
	Sync     SyncConfig        `yaml:"sync"`
	Sales    SalesConfig       `yaml:"sales"`
	Business checkout.Business `yaml:"business"`
	Printer  PrinterConfig     `yaml:"printer"`
	Logger   LoggerConfig      `yaml:"logger"`
}

type TerminalConfig struct {
	ID       string `yaml:"id"`
	NodeID   int64  `yaml:"node_id"` // snowflake node, 0..1023
	DataDir  string `yaml:"data_dir"`
	Backend  string `yaml:"backend"` // sqlite or bolt
	Location string `yaml:"location"`
}

type ServerConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Token      string        `yaml:"token"`      // static bearer token
	JWTSecret  string        `yaml:"jwt_secret"` // mint tokens locally instead
	MerchantID string        `yaml:"merchant_id"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	Timeout    time.Duration `yaml:"timeout"`
}

type SyncConfig struct {
	ProbeInterval   time.Duration `yaml:"probe_interval"`
	DrainSchedule   string        `yaml:"drain_schedule"`
	CatalogSchedule string        `yaml:"catalog_schedule"`
	Workers         int           `yaml:"workers"`
	BatchSize       int           `yaml:"batch_size"`
	BackoffMin      time.Duration `yaml:"backoff_min"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	MaxAttempts     int           `yaml:"max_attempts"`
	StrictOrder     bool          `yaml:"strict_order"`
	SendTimeout     time.Duration `yaml:"send_timeout"`
}

type SalesConfig struct {
	TaxRate string `yaml:"tax_rate"` // decimal fraction, "0.05" is 5%
}

type PrinterConfig struct {
	Device string `yaml:"device"` // empty prints to stdout
	Cut    bool   `yaml:"cut"`
}

type LoggerConfig struct {
	Level      string `yaml:"level"`
	Mode       string `yaml:"mode"` // development or production
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

// DefaultConfig returns a configuration suitable for a single local terminal.
func DefaultConfig() *Config {
	engine := possync.DefaultConfig()
	return &Config{
		Terminal: TerminalConfig{
			ID:       "terminal-1",
			NodeID:   1,
			DataDir:  "./data",
			Backend:  "sqlite",
			Location: "Local",
		},
		Server: ServerConfig{
			BaseURL:    "http://localhost:8080",
			MerchantID: "merchant-1",
			TokenTTL:   time.Hour,
			Timeout:    30 * time.Second,
		},
		Sync: SyncConfig{
			ProbeInterval:   engine.ProbeInterval,
			DrainSchedule:   engine.DrainSchedule,
			CatalogSchedule: engine.CatalogSchedule,
			Workers:         engine.Workers,
			BatchSize:       engine.Retry.BatchSize,
			BackoffMin:      engine.Retry.BackoffMin,
			BackoffMax:      engine.Retry.BackoffMax,
			MaxAttempts:     engine.Retry.MaxAttempts,
			StrictOrder:     engine.Retry.StrictOrder,
			SendTimeout:     engine.Retry.SendTimeout,
		},
		Sales: SalesConfig{TaxRate: pos.DefaultTaxRate.String()},
		Business: checkout.Business{
			Name:     "SupaWave Store",
			Cashier:  "POS",
			Currency: "₦",
		},
		Logger: LoggerConfig{
			Level:    "info",
			Mode:     "development",
			Filename: "./data/pos.log",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// empty), a .env file in the working directory and POS_* variables.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type override struct {
	key   string
	apply func(v string) error
}

func (c *Config) overrides() []override {
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	dur := func(dst *time.Duration) func(string) error {
		return func(v string) (err error) { *dst, err = cast.ToDurationE(v); return }
	}
	integer := func(dst *int) func(string) error {
		return func(v string) (err error) { *dst, err = cast.ToIntE(v); return }
	}
	boolean := func(dst *bool) func(string) error {
		return func(v string) (err error) { *dst, err = cast.ToBoolE(v); return }
	}
	return []override{
		{"TERMINAL_ID", str(&c.Terminal.ID)},
		{"NODE_ID", func(v string) (err error) { c.Terminal.NodeID, err = cast.ToInt64E(v); return }},
		{"DATA_DIR", str(&c.Terminal.DataDir)},
		{"BACKEND", str(&c.Terminal.Backend)},
		{"LOCATION", str(&c.Terminal.Location)},
		{"SERVER_URL", str(&c.Server.BaseURL)},
		{"SERVER_TOKEN", str(&c.Server.Token)},
		{"JWT_SECRET", str(&c.Server.JWTSecret)},
		{"MERCHANT_ID", str(&c.Server.MerchantID)},
		{"SERVER_TIMEOUT", dur(&c.Server.Timeout)},
		{"PROBE_INTERVAL", dur(&c.Sync.ProbeInterval)},
		{"DRAIN_SCHEDULE", str(&c.Sync.DrainSchedule)},
		{"CATALOG_SCHEDULE", str(&c.Sync.CatalogSchedule)},
		{"SYNC_WORKERS", integer(&c.Sync.Workers)},
		{"BATCH_SIZE", integer(&c.Sync.BatchSize)},
		{"BACKOFF_MIN", dur(&c.Sync.BackoffMin)},
		{"BACKOFF_MAX", dur(&c.Sync.BackoffMax)},
		{"MAX_ATTEMPTS", integer(&c.Sync.MaxAttempts)},
		{"STRICT_ORDER", boolean(&c.Sync.StrictOrder)},
		{"SEND_TIMEOUT", dur(&c.Sync.SendTimeout)},
		{"TAX_RATE", str(&c.Sales.TaxRate)},
		{"CURRENCY", str(&c.Business.Currency)},
		{"PRINTER_DEVICE", str(&c.Printer.Device)},
		{"LOG_LEVEL", str(&c.Logger.Level)},
		{"LOG_MODE", str(&c.Logger.Mode)},
		{"LOG_FILE_ENABLE", boolean(&c.Logger.FileEnable)},
		{"LOG_FILE", str(&c.Logger.Filename)},
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, o := range c.overrides() {
		v, ok := lookup(EnvPrefix + o.key)
		if !ok {
			continue
		}
		if err := o.apply(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("env %s%s: %w", EnvPrefix, o.key, err)
		}
	}
	return nil
}

// Validate rejects values the terminal cannot run with.
func (c *Config) Validate() error {
	if c.Terminal.ID == "" {
		return fmt.Errorf("terminal.id is required")
	}
	if c.Terminal.NodeID < 0 || c.Terminal.NodeID > 1023 {
		return fmt.Errorf("terminal.node_id %d out of range 0..1023", c.Terminal.NodeID)
	}
	switch c.Terminal.Backend {
	case "sqlite", "bolt":
	default:
		return fmt.Errorf("terminal.backend %q must be sqlite or bolt", c.Terminal.Backend)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	rate, err := c.TaxRate()
	if err != nil {
		return err
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("sales.tax_rate %s must be in [0, 1)", rate)
	}
	if c.Sync.ProbeInterval <= 0 {
		return fmt.Errorf("sync.probe_interval must be positive")
	}
	if c.Sync.BackoffMin <= 0 || c.Sync.BackoffMax < c.Sync.BackoffMin {
		return fmt.Errorf("sync backoff range %s..%s is invalid", c.Sync.BackoffMin, c.Sync.BackoffMax)
	}
	if c.Sync.MaxAttempts < 0 {
		return fmt.Errorf("sync.max_attempts must not be negative")
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync.workers must be positive")
	}
	switch strings.ToLower(c.Logger.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logger.level %q is not one of debug, info, warn, error", c.Logger.Level)
	}
	return nil
}

// TaxRate parses sales.tax_rate.
func (c *Config) TaxRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(c.Sales.TaxRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sales.tax_rate %q: %w", c.Sales.TaxRate, err)
	}
	return rate, nil
}

// Location resolves terminal.location; empty means the system zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Terminal.Location == "" || c.Terminal.Location == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Terminal.Location)
	if err != nil {
		return nil, fmt.Errorf("terminal.location: %w", err)
	}
	return loc, nil
}

// EngineConfig converts the sync section into engine settings.
func (c *Config) EngineConfig() (*possync.Config, error) {
	loc, err := c.Location()
	if err != nil {
		return nil, err
	}
	return &possync.Config{
		ProbeInterval:   c.Sync.ProbeInterval,
		DrainSchedule:   c.Sync.DrainSchedule,
		CatalogSchedule: c.Sync.CatalogSchedule,
		Workers:         c.Sync.Workers,
		Location:        loc,
		Retry: possync.RetryPolicy{
			BackoffMin:  c.Sync.BackoffMin,
			BackoffMax:  c.Sync.BackoffMax,
			MaxAttempts: c.Sync.MaxAttempts,
			StrictOrder: c.Sync.StrictOrder,
			BatchSize:   c.Sync.BatchSize,
			SendTimeout: c.Sync.SendTimeout,
		},
	}, nil
}
