// Package config loads the registry's YAML configuration file and applies
// environment overrides. Durations are Go duration strings ("30s", "10m");
// accessor methods supply defaults for unset or invalid values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"biomarkerkb/pkg/registry"
)

// Config is the top-level configuration for the registry service.
type Config struct {
	// Listen is the HTTP listen address, e.g. ":8080".
	Listen string `yaml:"listen,omitempty"`

	// RequestTimeout bounds each service operation. Default 10s.
	RequestTimeout string `yaml:"request_timeout,omitempty"`

	Storage    StorageConfig              `yaml:"storage,omitempty"`
	Sweep      SweepConfig                `yaml:"sweep,omitempty"`
	Archive    ArchiveConfig              `yaml:"archive,omitempty"`
	Namespaces []registry.NamespaceFormat `yaml:"namespaces"`
}

// StorageConfig selects and parameterizes the ledger backend.
type StorageConfig struct {
	// Driver is memory|sqlite|postgres. Default sqlite.
	Driver      string `yaml:"driver,omitempty"`
	SQLitePath  string `yaml:"sqlite_path,omitempty"`
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
}

// SweepConfig tunes the reconciliation sweep.
type SweepConfig struct {
	// Disabled turns the background sweep off; the standalone sweep command
	// still works against the same configuration.
	Disabled bool `yaml:"disabled,omitempty"`
	// Staleness is the minimum reservation age before the sweep acts.
	// Default 10m.
	Staleness string `yaml:"staleness,omitempty"`
	// Interval is the pause between sweep passes. Default 5m.
	Interval string `yaml:"interval,omitempty"`
}

// ArchiveConfig selects where sweep reports go.
type ArchiveConfig struct {
	// Driver is fs|s3|memory. Empty disables report archiving.
	Driver string `yaml:"driver,omitempty"`
	// Root is the directory for the fs driver.
	Root string `yaml:"root,omitempty"`
	S3   S3ArchiveConfig `yaml:"s3,omitempty"`
}

// S3ArchiveConfig parameterizes the s3 archive driver.
type S3ArchiveConfig struct {
	Bucket    string `yaml:"bucket,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	PathStyle bool   `yaml:"path_style,omitempty"`
}

// Defaults applied by the accessor methods.
const (
	DefaultListen         = ":8080"
	DefaultRequestTimeout = 10 * time.Second
	DefaultStaleness      = 10 * time.Minute
	DefaultSweepInterval  = 5 * time.Minute
)

// Load reads, parses, and validates a configuration file, then applies
// environment overrides. An empty path yields the defaults with overrides
// applied.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Environment overrides take precedence over file values:
//
//	BIOMARKERKB_LISTEN
//	BIOMARKERKB_STORAGE_DRIVER
//	BIOMARKERKB_SQLITE_PATH
//	BIOMARKERKB_POSTGRES_DSN
//	BIOMARKERKB_ARCHIVE_DRIVER
//	BIOMARKERKB_ARCHIVE_FS_ROOT
func (c *Config) applyEnv() {
	if v := os.Getenv("BIOMARKERKB_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("BIOMARKERKB_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("BIOMARKERKB_SQLITE_PATH"); v != "" {
		c.Storage.SQLitePath = v
	}
	if v := os.Getenv("BIOMARKERKB_POSTGRES_DSN"); v != "" {
		c.Storage.PostgresDSN = v
	}
	if v := os.Getenv("BIOMARKERKB_ARCHIVE_DRIVER"); v != "" {
		c.Archive.Driver = v
	}
	if v := os.Getenv("BIOMARKERKB_ARCHIVE_FS_ROOT"); v != "" {
		c.Archive.Root = v
	}
}

// Validate rejects configurations the service could not start with. Format
// details (prefix uniqueness, width bounds) are enforced when the formatter
// is built; this catches what YAML parsing alone would let through.
func (c *Config) Validate() error {
	if len(c.Namespaces) == 0 {
		return fmt.Errorf("config: at least one namespace is required")
	}
	for _, f := range c.Namespaces {
		if f.Namespace == "" {
			return fmt.Errorf("config: namespace entry missing name")
		}
	}
	for field, v := range map[string]string{
		"request_timeout": c.RequestTimeout,
		"sweep.staleness": c.Sweep.Staleness,
		"sweep.interval":  c.Sweep.Interval,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("config: invalid %s %q: %w", field, v, err)
		}
	}
	return nil
}

// GetListen returns the HTTP listen address.
func (c *Config) GetListen() string {
	if c.Listen == "" {
		return DefaultListen
	}
	return c.Listen
}

// GetRequestTimeout returns the per-operation deadline.
func (c *Config) GetRequestTimeout() time.Duration {
	return parseDuration(c.RequestTimeout, DefaultRequestTimeout)
}

// GetStaleness returns the sweep staleness threshold.
func (c *SweepConfig) GetStaleness() time.Duration {
	return parseDuration(c.Staleness, DefaultStaleness)
}

// GetInterval returns the pause between sweep passes.
func (c *SweepConfig) GetInterval() time.Duration {
	return parseDuration(c.Interval, DefaultSweepInterval)
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
