// Package config loads the server configuration from an optional YAML file
// overlaid with environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/stylehive/stylist/pkg/upstream"
)

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

type UpstreamConfig struct {
	BaseURL           string `yaml:"base_url"`
	APIKey            string `yaml:"api_key"`
	Model             string `yaml:"model"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
}

type CatalogConfig struct {
	BaseURL         string `yaml:"base_url"`
	LookupTimeoutMs int    `yaml:"lookup_timeout_ms"`
	CacheTTLHours   int    `yaml:"cache_ttl_hours"`
	CacheMaxEntries int    `yaml:"cache_max_entries"`
}

type SessionConfig struct {
	HardTimeoutSec   int `yaml:"hard_timeout_sec"`
	IdleEvictSec     int `yaml:"idle_evict_sec"`
	EvictIntervalSec int `yaml:"evict_interval_sec"`
}

type QueueConfig struct {
	MaxRetries     int `yaml:"max_retries"`
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	HTTP     HTTPConfig             `yaml:"http"`
	Redis    RedisConfig            `yaml:"redis"`
	Upstream UpstreamConfig         `yaml:"upstream"`
	Catalog  CatalogConfig          `yaml:"catalog"`
	Session  SessionConfig          `yaml:"session"`
	Queue    QueueConfig            `yaml:"queue"`
	Store    StoreConfig            `yaml:"store"`
	Log      LogConfig              `yaml:"log"`
	Stages   []upstream.StageConfig `yaml:"stages"`
}

// Default returns the built-in configuration: in-memory transports, the
// standard three-stage advisory plan, 300s session deadline.
func Default() *Config {
	return &Config{
		HTTP:  HTTPConfig{Addr: ":8080"},
		Redis: RedisConfig{Addr: "localhost:6379", Group: "stylist", Consumer: "stylist-1"},
		Upstream: UpstreamConfig{
			Model:             "gpt-4o-mini",
			RequestTimeoutSec: 120,
		},
		Catalog: CatalogConfig{
			LookupTimeoutMs: 10_000,
			CacheTTLHours:   10,
			CacheMaxEntries: 4096,
		},
		Session: SessionConfig{
			HardTimeoutSec:   300,
			IdleEvictSec:     1800,
			EvictIntervalSec: 60,
		},
		Queue: QueueConfig{MaxRetries: 3, PollIntervalMs: 500},
		Log:   LogConfig{Level: "info"},
		Stages: []upstream.StageConfig{
			{ID: 0, Name: "style"},
			{ID: 1, Name: "color"},
			{ID: 2, Name: "fit"},
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies env
// overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "config: read file")
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, errors.Wrap(err, "config: parse yaml")
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.HTTP.Addr, "STYLIST_HTTP_ADDR")
	setBool(&c.Redis.Enabled, "STYLIST_REDIS_ENABLED")
	setString(&c.Redis.Addr, "STYLIST_REDIS_ADDR")
	setString(&c.Redis.Group, "STYLIST_REDIS_GROUP")
	setString(&c.Redis.Consumer, "STYLIST_REDIS_CONSUMER")
	setString(&c.Upstream.BaseURL, "STYLIST_UPSTREAM_BASE_URL")
	setString(&c.Upstream.APIKey, "STYLIST_UPSTREAM_API_KEY")
	setString(&c.Upstream.Model, "STYLIST_UPSTREAM_MODEL")
	setString(&c.Catalog.BaseURL, "STYLIST_CATALOG_BASE_URL")
	setString(&c.Store.SQLitePath, "STYLIST_SQLITE_PATH")
	setString(&c.Log.Level, "STYLIST_LOG_LEVEL")
	setInt(&c.Session.HardTimeoutSec, "STYLIST_SESSION_TIMEOUT_SEC")
	setInt(&c.Queue.MaxRetries, "STYLIST_QUEUE_MAX_RETRIES")
	setInt(&c.Queue.PollIntervalMs, "STYLIST_QUEUE_POLL_INTERVAL_MS")
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("config: http.addr is empty")
	}
	if len(c.Stages) == 0 {
		return errors.New("config: at least one stage is required")
	}
	seen := map[string]struct{}{}
	for i, st := range c.Stages {
		if strings.TrimSpace(st.Name) == "" {
			return errors.Errorf("config: stage %d has no name", i)
		}
		if _, dup := seen[st.Name]; dup {
			return errors.Errorf("config: duplicate stage name %q", st.Name)
		}
		seen[st.Name] = struct{}{}
		c.Stages[i].ID = i
	}
	if c.Session.HardTimeoutSec <= 0 {
		return errors.New("config: session.hard_timeout_sec must be positive")
	}
	if c.Queue.MaxRetries < 0 {
		return errors.New("config: queue.max_retries must not be negative")
	}
	if c.Redis.Enabled && strings.TrimSpace(c.Redis.Addr) == "" {
		return errors.New("config: redis.addr is empty while redis is enabled")
	}
	return nil
}

func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Session.HardTimeoutSec) * time.Second
}

func (c *Config) QueuePollInterval() time.Duration {
	return time.Duration(c.Queue.PollIntervalMs) * time.Millisecond
}

func (c *Config) CatalogCacheTTL() time.Duration {
	return time.Duration(c.Catalog.CacheTTLHours) * time.Hour
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}

func setInt(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		*dst = n
	}
}
