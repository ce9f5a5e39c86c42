// Package config loads receiptscout settings from defaults, an optional YAML
// file and RECEIPTSCOUT_ environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dshills/receiptscout/pkg/types"
)

// EnvPrefix is prepended to every environment override, e.g. RECEIPTSCOUT_DATABASE_PATH
const EnvPrefix = "RECEIPTSCOUT"

// EnvConfigPath names the environment variable holding the config file path
const EnvConfigPath = EnvPrefix + "_CONFIG"

// ErrInvalidConfig is wrapped by every Validate failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full receiptscout configuration
type Config struct {
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Retrieval RetrievalConfig `yaml:"retrieval" mapstructure:"retrieval"`
	Pool      PoolConfig      `yaml:"pool" mapstructure:"pool"`
	Parser    ParserConfig    `yaml:"parser" mapstructure:"parser"`
	Render    RenderConfig    `yaml:"render" mapstructure:"render"`
	Delivery  DeliveryConfig  `yaml:"delivery" mapstructure:"delivery"`
	Backends  BackendsConfig  `yaml:"backends" mapstructure:"backends"`
}

// LogConfig configures the zap logger. An empty File logs to stderr.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
}

// DatabaseConfig locates the credential database
type DatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// RetrievalConfig bounds a single retrieval request
type RetrievalConfig struct {
	RequestTTL     time.Duration `yaml:"request_ttl" mapstructure:"request_ttl"`
	BackendTimeout time.Duration `yaml:"backend_timeout" mapstructure:"backend_timeout"`
	PageSize       int           `yaml:"page_size" mapstructure:"page_size"`
	MaxCount       int           `yaml:"max_count" mapstructure:"max_count"`
	MatchThreshold float64       `yaml:"match_threshold" mapstructure:"match_threshold"`
}

// PoolConfig configures connection pooling and construction retries
type PoolConfig struct {
	TTL           time.Duration `yaml:"ttl" mapstructure:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	MaxAttempts   int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseBackoff   time.Duration `yaml:"base_backoff" mapstructure:"base_backoff"`
}

// ParserConfig configures the parsed-document cache and timestamp zone
type ParserConfig struct {
	CacheTTL      time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	CacheSize     int           `yaml:"cache_size" mapstructure:"cache_size"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	Timezone      string        `yaml:"timezone" mapstructure:"timezone"`
}

// RenderConfig sets where temporary artifacts are written. Empty uses os.TempDir.
type RenderConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// DeliveryConfig configures the outbound dispatcher
type DeliveryConfig struct {
	Concurrency int     `yaml:"concurrency" mapstructure:"concurrency"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	OutboxDir   string  `yaml:"outbox_dir" mapstructure:"outbox_dir"`
}

// BackendsConfig holds one section per backend family
type BackendsConfig struct {
	Gmail    GmailConfig `yaml:"gmail" mapstructure:"gmail"`
	Fastmail IMAPConfig  `yaml:"fastmail" mapstructure:"fastmail"`
}

// GmailConfig configures the Gmail API backend
type GmailConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	Credential string `yaml:"credential" mapstructure:"credential"`
	Sender     string `yaml:"sender" mapstructure:"sender"`
	TextFilter bool   `yaml:"text_filter" mapstructure:"text_filter"`
}

// IMAPConfig configures an IMAP backend
type IMAPConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	Credential string `yaml:"credential" mapstructure:"credential"`
	Sender     string `yaml:"sender" mapstructure:"sender"`
	TextFilter bool   `yaml:"text_filter" mapstructure:"text_filter"`
	Host       string `yaml:"host" mapstructure:"host"`
	Port       int    `yaml:"port" mapstructure:"port"`
	Mailbox    string `yaml:"mailbox" mapstructure:"mailbox"`
}

// Load reads configuration. path may be empty, in which case RECEIPTSCOUT_CONFIG
// is consulted and then receiptscout.yaml in the working directory and
// ~/.receiptscout. A missing default file is not an error; a missing explicit
// file is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	if path != "" {
		v.SetConfigFile(ExpandHome(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("receiptscout")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".receiptscout"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Database.Path = ExpandHome(cfg.Database.Path)
	cfg.Delivery.OutboxDir = ExpandHome(cfg.Delivery.OutboxDir)
	cfg.Log.File = ExpandHome(cfg.Log.File)
	cfg.Render.Dir = ExpandHome(cfg.Render.Dir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with
func (c *Config) Validate() error {
	positive := []struct {
		key string
		ok  bool
	}{
		{"retrieval.request_ttl", c.Retrieval.RequestTTL > 0},
		{"retrieval.backend_timeout", c.Retrieval.BackendTimeout > 0},
		{"retrieval.page_size", c.Retrieval.PageSize > 0},
		{"retrieval.max_count", c.Retrieval.MaxCount > 0},
		{"pool.ttl", c.Pool.TTL > 0},
		{"pool.sweep_interval", c.Pool.SweepInterval > 0},
		{"pool.max_attempts", c.Pool.MaxAttempts > 0},
		{"pool.base_backoff", c.Pool.BaseBackoff > 0},
		{"parser.cache_ttl", c.Parser.CacheTTL > 0},
		{"parser.cache_size", c.Parser.CacheSize > 0},
		{"parser.sweep_interval", c.Parser.SweepInterval > 0},
		{"delivery.concurrency", c.Delivery.Concurrency > 0},
		{"delivery.rate_per_sec", c.Delivery.RatePerSec > 0},
	}
	for _, p := range positive {
		if !p.ok {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, p.key)
		}
	}

	if c.Retrieval.MatchThreshold <= 0 || c.Retrieval.MatchThreshold > 1 {
		return fmt.Errorf("%w: retrieval.match_threshold must be in (0, 1]", ErrInvalidConfig)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("%w: database.path is required", ErrInvalidConfig)
	}
	if c.Delivery.OutboxDir == "" {
		return fmt.Errorf("%w: delivery.outbox_dir is required", ErrInvalidConfig)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("%w: parser.timezone: %v", ErrInvalidConfig, err)
	}

	if g := c.Backends.Gmail; g.Enabled {
		if g.Credential == "" || g.Sender == "" {
			return fmt.Errorf("%w: backends.gmail needs credential and sender", ErrInvalidConfig)
		}
	}
	if f := c.Backends.Fastmail; f.Enabled {
		if f.Credential == "" || f.Sender == "" {
			return fmt.Errorf("%w: backends.fastmail needs credential and sender", ErrInvalidConfig)
		}
		if f.Host == "" || f.Port <= 0 || f.Port > 65535 {
			return fmt.Errorf("%w: backends.fastmail needs a host and a valid port", ErrInvalidConfig)
		}
	}
	return nil
}

// Location resolves parser.timezone
func (c *Config) Location() (*time.Location, error) {
	if c.Parser.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Parser.Timezone)
}

// EnabledBackends lists the enabled backends in scan preference order
func (c *Config) EnabledBackends() []types.Backend {
	var out []types.Backend
	if c.Backends.Gmail.Enabled {
		out = append(out, types.BackendGmail)
	}
	if c.Backends.Fastmail.Enabled {
		out = append(out, types.BackendFastmail)
	}
	return out
}

// ExpandHome replaces a leading ~ with the user's home directory
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
