package config

import (
	"os"
	"time"

	"github.com/spf13/viper"
)

// Default values. Every key must have a default so environment overrides
// reach Unmarshal.
var defaults = map[string]interface{}{
	"log.level":       "info",
	"log.file":        "",
	"log.max_size_mb": 10,
	"log.max_backups": 5,

	"database.path": "~/.receiptscout/receiptscout.db",

	"retrieval.request_ttl":     30 * time.Second,
	"retrieval.backend_timeout": 2 * time.Minute,
	"retrieval.page_size":       50,
	"retrieval.max_count":       20,
	"retrieval.match_threshold": 0.6,

	"pool.ttl":            5 * time.Minute,
	"pool.sweep_interval": 30 * time.Minute,
	"pool.max_attempts":   3,
	"pool.base_backoff":   time.Second,

	"parser.cache_ttl":      24 * time.Hour,
	"parser.cache_size":     10000,
	"parser.sweep_interval": time.Hour,
	"parser.timezone":       "Asia/Shanghai",

	"render.dir": "",

	"delivery.concurrency":  5,
	"delivery.rate_per_sec": 10.0,
	"delivery.outbox_dir":   "~/.receiptscout/outbox",

	"backends.gmail.enabled":     false,
	"backends.gmail.credential":  "gmail",
	"backends.gmail.sender":      "",
	"backends.gmail.text_filter": false,

	"backends.fastmail.enabled":     false,
	"backends.fastmail.credential":  "fastmail",
	"backends.fastmail.sender":      "",
	"backends.fastmail.text_filter": false,
	"backends.fastmail.host":        "imap.fastmail.com",
	"backends.fastmail.port":        993,
	"backends.fastmail.mailbox":     "INBOX",
}

func setDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Default returns the configuration produced by defaults alone
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Defaults always decode
	_ = v.Unmarshal(cfg)
	cfg.Database.Path = ExpandHome(cfg.Database.Path)
	cfg.Delivery.OutboxDir = ExpandHome(cfg.Delivery.OutboxDir)
	return cfg
}

// WriteDefault writes a commented starter configuration to path
func WriteDefault(path string) error {
	content := `# receiptscout configuration
log:
  level: info
  file: ""            # empty logs to stderr
  max_size_mb: 10
  max_backups: 5

database:
  path: ~/.receiptscout/receiptscout.db

retrieval:
  request_ttl: 30s
  backend_timeout: 2m
  page_size: 50
  max_count: 20
  match_threshold: 0.6

pool:
  ttl: 5m
  sweep_interval: 30m
  max_attempts: 3
  base_backoff: 1s

parser:
  cache_ttl: 24h
  cache_size: 10000
  sweep_interval: 1h
  timezone: Asia/Shanghai

delivery:
  concurrency: 5
  rate_per_sec: 10
  outbox_dir: ~/.receiptscout/outbox

backends:
  gmail:
    enabled: false
    credential: gmail
    sender: ""
  fastmail:
    enabled: false
    credential: fastmail
    sender: ""
    host: imap.fastmail.com
    port: 993
    mailbox: INBOX
`
	return os.WriteFile(path, []byte(content), 0600)
}
