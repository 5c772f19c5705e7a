// Package config holds the substrate's tunable parameters.
//
// Everything has a working default; a YAML file overrides individual
// fields. Validation catches values that would silently break the
// compression trigger or the storage tiering rather than letting them
// propagate.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Default and for zero fields after Load.
const (
	DefaultInlineThreshold   = 4 * 1024
	DefaultOverflowThreshold = 256 * 1024
	DefaultModelTokenLimit   = 200_000
	DefaultCompressionRatio  = 0.7
	DefaultPreserveFraction  = 0.3
	DefaultApprovalTimeout   = 24 * time.Hour
	DefaultSweepInterval     = time.Minute
	DefaultSweepGrace        = 5 * time.Minute
)

// Duration is a time.Duration that accepts "90s" / "1h30m" YAML strings as
// well as plain integer nanoseconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the substrate configuration.
type Config struct {
	// DBPath is the SQLite database location.
	DBPath string `yaml:"db_path"`

	// InlineThreshold is the max payload size in bytes stored inline in an
	// event row; larger payloads go through the content store.
	InlineThreshold int `yaml:"inline_threshold"`

	// OverflowThreshold is the content size in bytes at which entries are
	// compressed into the overflow tier.
	OverflowThreshold int `yaml:"overflow_threshold"`

	// ModelTokenLimit is the context window of the target model.
	ModelTokenLimit int `yaml:"model_token_limit"`

	// CompressionRatio is the fraction of the model limit at which the
	// compression trigger fires.
	CompressionRatio float64 `yaml:"compression_ratio"`

	// PreserveFraction is the fraction of the assembled view kept verbatim
	// by a compression pass; the oldest remainder is summarized.
	PreserveFraction float64 `yaml:"preserve_fraction"`

	// ApprovalTimeout is the deadline applied to approval requests created
	// without an explicit one.
	ApprovalTimeout Duration `yaml:"approval_timeout"`

	// SweepInterval is how often the content sweeper runs.
	SweepInterval Duration `yaml:"sweep_interval"`

	// SweepGrace is how long a zero-reference content entry must sit
	// untouched before the sweep collects it.
	SweepGrace Duration `yaml:"sweep_grace"`
}

// Default returns the configuration with every field at its default.
func Default() Config {
	return Config{
		DBPath:            "substrate.db",
		InlineThreshold:   DefaultInlineThreshold,
		OverflowThreshold: DefaultOverflowThreshold,
		ModelTokenLimit:   DefaultModelTokenLimit,
		CompressionRatio:  DefaultCompressionRatio,
		PreserveFraction:  DefaultPreserveFraction,
		ApprovalTimeout:   Duration(DefaultApprovalTimeout),
		SweepInterval:     Duration(DefaultSweepInterval),
		SweepGrace:        Duration(DefaultSweepGrace),
	}
}

// Load reads a YAML config file over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field ranges and cross-field constraints.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.InlineThreshold <= 0 {
		return fmt.Errorf("inline_threshold must be positive, got %d", c.InlineThreshold)
	}
	if c.OverflowThreshold <= c.InlineThreshold {
		return fmt.Errorf("overflow_threshold (%d) must exceed inline_threshold (%d)",
			c.OverflowThreshold, c.InlineThreshold)
	}
	if c.ModelTokenLimit <= 0 {
		return fmt.Errorf("model_token_limit must be positive, got %d", c.ModelTokenLimit)
	}
	if c.CompressionRatio <= 0 || c.CompressionRatio >= 1 {
		return fmt.Errorf("compression_ratio must be in (0, 1), got %g", c.CompressionRatio)
	}
	if c.PreserveFraction <= 0 || c.PreserveFraction >= 1 {
		return fmt.Errorf("preserve_fraction must be in (0, 1), got %g", c.PreserveFraction)
	}
	if c.ApprovalTimeout <= 0 {
		return fmt.Errorf("approval_timeout must be positive, got %s", c.ApprovalTimeout.Std())
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %s", c.SweepInterval.Std())
	}
	if c.SweepGrace < 0 {
		return fmt.Errorf("sweep_grace must not be negative, got %s", c.SweepGrace.Std())
	}
	return nil
}
