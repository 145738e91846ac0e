// CLAUDE:SUMMARY Defines fragnav config structs and parses YAML configuration files with defaults.
// Package config handles fragnav configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level fragnav configuration.
type Config struct {
	Session SessionConfig `yaml:"session"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Cache   CacheConfig   `yaml:"cache"`
	History HistoryConfig `yaml:"history"`
	Sinks   []SinkConfig  `yaml:"sinks"`
	Server  ServerConfig  `yaml:"server"`
}

// SessionConfig controls rendering.
type SessionConfig struct {
	// Main lists the selectors :main expands to, most specific first.
	Main []string `yaml:"main"`
	// Sanitize names a response sanitizer policy: "" (off) | ugc | strict.
	Sanitize string `yaml:"sanitize"`
	// CopyAttributes lists attributes a content render copies onto the
	// preserved target element.
	CopyAttributes []string `yaml:"copy_attributes"`
	// StartURL is visited when the session starts.
	StartURL string `yaml:"start_url"`
}

// FetchConfig controls the HTTP client.
type FetchConfig struct {
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxBytes  int64         `yaml:"max_bytes"`
	// BlockPrivate refuses URLs that reach loopback or private networks.
	BlockPrivate bool `yaml:"block_private"`
}

// CacheConfig controls the request cache.
type CacheConfig struct {
	Capacity       int           `yaml:"capacity"`
	Expiry         time.Duration `yaml:"expiry"`
	Concurrency    int           `yaml:"concurrency"`
	KeepOnMutation bool          `yaml:"keep_on_mutation"`
}

// HistoryConfig selects the history store.
type HistoryConfig struct {
	Store string `yaml:"store"` // memory | sqlite
	Path  string `yaml:"path"`  // for sqlite
	Max   int    `yaml:"max"`   // for memory
}

// SinkConfig defines an event output backend.
type SinkConfig struct {
	Type    string        `yaml:"type"` // stdout | webhook | sqlite
	URL     string        `yaml:"url"`  // for webhook
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
	Types   []string      `yaml:"types"`  // for webhook; empty forwards all
	Path    string        `yaml:"path"`   // for sqlite
	Buffer  int           `yaml:"buffer"` // for sqlite
}

// ServerConfig controls the HTTP control API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.Session.Main) == 0 {
		c.Session.Main = []string{"main", "[up-main]", "body"}
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "Mozilla/5.0 (compatible; fragnav/1.0)"
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 10 << 20
	}
	if c.Cache.Capacity <= 0 {
		c.Cache.Capacity = 70
	}
	if c.Cache.Expiry <= 0 {
		c.Cache.Expiry = 15 * time.Second
	}
	if c.Cache.Concurrency <= 0 {
		c.Cache.Concurrency = 6
	}
	if c.History.Store == "" {
		c.History.Store = "memory"
	}
	if c.History.Store == "sqlite" && c.History.Path == "" {
		c.History.Path = "fragnav-history.db"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8470"
	}
	for i := range c.Sinks {
		if c.Sinks[i].Retries <= 0 {
			c.Sinks[i].Retries = 3
		}
		if c.Sinks[i].Backoff <= 0 {
			c.Sinks[i].Backoff = 500 * time.Millisecond
		}
	}
}

func (c *Config) validate() error {
	switch c.Session.Sanitize {
	case "", "ugc", "strict":
	default:
		return fmt.Errorf("config: unknown sanitize policy %q", c.Session.Sanitize)
	}
	switch c.History.Store {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("config: unknown history store %q", c.History.Store)
	}
	for i, s := range c.Sinks {
		switch s.Type {
		case "stdout":
		case "webhook":
			if s.URL == "" {
				return fmt.Errorf("config: sink %d: webhook needs a url", i)
			}
		case "sqlite":
			if s.Path == "" {
				return fmt.Errorf("config: sink %d: sqlite needs a path", i)
			}
		default:
			return fmt.Errorf("config: sink %d: unknown type %q", i, s.Type)
		}
	}
	return nil
}
