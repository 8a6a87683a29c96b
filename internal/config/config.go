// Package config loads the daemon configuration from HCL.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/stackhaven/warden/internal/logging"
	"github.com/stackhaven/warden/internal/notify"
)

// Config is the top-level daemon configuration.
type Config struct {
	Listen        string             `hcl:"listen,optional"`
	Database      *DatabaseConfig    `hcl:"database,block"`
	Enforcement   *EnforcementConfig `hcl:"enforcement,block"`
	Logging       *LoggingConfig     `hcl:"logging,block"`
	Notifications *notify.Config     `hcl:"notifications,block"`
}

// DatabaseConfig locates the entity store.
type DatabaseConfig struct {
	Path string `hcl:"path"`
}

// EnforcementConfig selects and parameterizes the enforcement driver.
type EnforcementConfig struct {
	Driver      string `hcl:"driver,optional"` // "nftables" or "mock"
	Table       string `hcl:"table,optional"`
	MaxAttempts int    `hcl:"max_attempts,optional"`
}

// LoggingConfig controls the daemon logger.
type LoggingConfig struct {
	Level string `hcl:"level,optional"`
	JSON  bool   `hcl:"json,optional"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:      "127.0.0.1:8440",
		Database:    &DatabaseConfig{Path: "/var/lib/warden/warden.db"},
		Enforcement: &EnforcementConfig{Driver: "nftables", Table: "warden"},
		Logging:     &LoggingConfig{Level: "info"},
	}
}

// LoadFile loads and validates a config file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadHCL(data, path)
}

// LoadHCL parses HCL bytes into a validated Config. Missing blocks fall back
// to defaults.
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}

	cfg := &Config{}
	if diags := gohcl.DecodeBody(file.Body, evalContext(), cfg); diags.HasErrors() {
		return nil, fmt.Errorf("config decode error: %s", diags.Error())
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// evalContext exposes process environment variables to config expressions
// as env.NAME, so secrets like webhook URLs can stay out of the file.
func evalContext() *hcl.EvalContext {
	env := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(env),
		},
	}
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Listen == "" {
		cfg.Listen = def.Listen
	}
	if cfg.Database == nil {
		cfg.Database = def.Database
	}
	if cfg.Enforcement == nil {
		cfg.Enforcement = def.Enforcement
	}
	if cfg.Enforcement.Driver == "" {
		cfg.Enforcement.Driver = "nftables"
	}
	if cfg.Enforcement.Table == "" {
		cfg.Enforcement.Table = "warden"
	}
	if cfg.Logging == nil {
		cfg.Logging = def.Logging
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Database == nil || c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	switch c.Enforcement.Driver {
	case "nftables", "mock":
	default:
		return fmt.Errorf("unknown enforcement driver %q", c.Enforcement.Driver)
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a config level string onto the logger's level type.
func ParseLevel(s string) (logging.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return logging.LevelDebug, nil
	case "info", "":
		return logging.LevelInfo, nil
	case "warn", "warning":
		return logging.LevelWarn, nil
	case "error":
		return logging.LevelError, nil
	}
	return logging.LevelInfo, fmt.Errorf("unknown log level %q", s)
}
