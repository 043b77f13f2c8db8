// Package config loads talemon configuration from a YAML file, applies
// defaults, environment overrides, and validates the result. Unknown keys
// are rejected rather than silently accepted.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level talemon configuration shared by all processes.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Store     StoreConfig     `yaml:"store"`
	ObjStore  ObjStoreConfig  `yaml:"objstore"`
	Hasher    HasherConfig    `yaml:"hasher"`
	Browser   BrowserConfig   `yaml:"browser"`
	Admin     AdminConfig     `yaml:"admin"`
	Log       LogConfig       `yaml:"log"`
}

// SchedulerConfig controls the dispatch loop.
type SchedulerConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	ZombieTimeout time.Duration `yaml:"zombie_timeout"`
	BatchSize     int           `yaml:"batch_size"`
}

// WorkerConfig controls the capture loop.
type WorkerConfig struct {
	Concurrency        int           `yaml:"concurrency"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	PageTimeout        time.Duration `yaml:"page_timeout"`
	NetworkIdleTimeout time.Duration `yaml:"network_idle_timeout"`
	BatchSize          int           `yaml:"batch_size"`
	PollInterval       time.Duration `yaml:"poll_interval"`
}

// RateLimitConfig is the per-domain admission policy.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
	Burst    int           `yaml:"burst"`
}

// ExtractorConfig controls the extraction loop.
type ExtractorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	Version      string        `yaml:"version"`
}

// StoreConfig locates the state store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ObjStoreConfig selects and parameterises the blob backend.
type ObjStoreConfig struct {
	Backend       string        `yaml:"backend"` // local | gcs
	RootDir       string        `yaml:"root_dir"`
	Bucket        string        `yaml:"bucket"`
	Prefix        string        `yaml:"prefix"`
	UploadTimeout time.Duration `yaml:"upload_timeout"`
}

// HasherConfig parameterises the fingerprinter. Changing any of these fields
// invalidates comparisons against stored clean hashes.
type HasherConfig struct {
	StripTags    []string `yaml:"strip_tags"`
	AdSelectors  []string `yaml:"ad_selectors"`
	ExtractAttrs []string `yaml:"extract_attrs"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	UserDataDir   string        `yaml:"user_data_dir"`
	ExtensionsDir string        `yaml:"extensions_dir"`
	Headless      *bool         `yaml:"headless"`
	WindowWidth   int           `yaml:"window_width"`
	WindowHeight  int           `yaml:"window_height"`
	MaxMemoryMB   int           `yaml:"max_memory_mb"`
	MaxAge        time.Duration `yaml:"max_age"`
}

// AdminConfig controls the admin HTTP surface.
type AdminConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

// LogConfig controls process logging.
type LogConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
}

// Load reads the YAML file at path (skipped when path is empty), applies
// defaults, environment overrides and validation. Unknown YAML keys are
// an error.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Scheduler.PollInterval <= 0 {
		c.Scheduler.PollInterval = 10 * time.Second
	}
	if c.Scheduler.ZombieTimeout <= 0 {
		c.Scheduler.ZombieTimeout = 5 * time.Minute
	}
	if c.Scheduler.BatchSize <= 0 {
		c.Scheduler.BatchSize = 100
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.HeartbeatInterval <= 0 {
		c.Worker.HeartbeatInterval = 30 * time.Second
	}
	if c.Worker.PageTimeout <= 0 {
		c.Worker.PageTimeout = 60 * time.Second
	}
	if c.Worker.NetworkIdleTimeout <= 0 {
		c.Worker.NetworkIdleTimeout = 5 * time.Second
	}
	if c.Worker.BatchSize <= 0 {
		c.Worker.BatchSize = 100
	}
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = 10 * time.Second
	}
	if c.RateLimit.Requests <= 0 {
		c.RateLimit.Requests = 1
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = 5 * time.Second
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 2
	}
	if c.Extractor.PollInterval <= 0 {
		c.Extractor.PollInterval = 5 * time.Second
	}
	if c.Extractor.BatchSize <= 0 {
		c.Extractor.BatchSize = 50
	}
	if c.Extractor.Version == "" {
		c.Extractor.Version = "v1"
	}
	if c.Store.Path == "" {
		c.Store.Path = "./data/talemon.db"
	}
	if c.ObjStore.Backend == "" {
		c.ObjStore.Backend = "local"
	}
	if c.ObjStore.RootDir == "" {
		c.ObjStore.RootDir = "./data/oss"
	}
	if c.ObjStore.Bucket == "" {
		c.ObjStore.Bucket = "talemon-data"
	}
	if c.ObjStore.Prefix == "" {
		c.ObjStore.Prefix = "data"
	}
	if c.ObjStore.UploadTimeout <= 0 {
		c.ObjStore.UploadTimeout = 120 * time.Second
	}
	if len(c.Hasher.StripTags) == 0 {
		c.Hasher.StripTags = []string{"script", "style", "iframe", "noscript", "meta", "link", "svg"}
	}
	if len(c.Hasher.AdSelectors) == 0 {
		c.Hasher.AdSelectors = []string{
			".ad", ".ads", ".advertisement",
			"[id*='ad-']", "[class*='ad-']",
			".sponsored", ".promo",
		}
	}
	if len(c.Hasher.ExtractAttrs) == 0 {
		c.Hasher.ExtractAttrs = []string{"href", "src", "alt", "title"}
	}
	if c.Browser.UserDataDir == "" {
		c.Browser.UserDataDir = "./data/browser_profile"
	}
	if c.Browser.ExtensionsDir == "" {
		c.Browser.ExtensionsDir = "./config/extensions"
	}
	if c.Browser.Headless == nil {
		headless := true
		c.Browser.Headless = &headless
	}
	if c.Browser.WindowWidth <= 0 {
		c.Browser.WindowWidth = 1920
	}
	if c.Browser.WindowHeight <= 0 {
		c.Browser.WindowHeight = 1080
	}
	if c.Browser.MaxMemoryMB <= 0 {
		c.Browser.MaxMemoryMB = 1024
	}
	if c.Browser.MaxAge <= 0 {
		c.Browser.MaxAge = 4 * time.Hour
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = ":8700"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TALEMON_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		c.Admin.Token = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate enforces cross-field constraints, in particular the lease
// correctness condition: a zombie lease must outlive at least two missed
// heartbeats plus the slowest heartbeat write.
func (c *Config) Validate() error {
	if c.Scheduler.ZombieTimeout <= 2*c.Worker.HeartbeatInterval {
		return fmt.Errorf("config: scheduler.zombie_timeout (%s) must exceed 2x worker.heartbeat_interval (%s)",
			c.Scheduler.ZombieTimeout, c.Worker.HeartbeatInterval)
	}
	switch c.ObjStore.Backend {
	case "local", "gcs":
	default:
		return fmt.Errorf("config: objstore.backend %q must be local or gcs", c.ObjStore.Backend)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log.level %q must be debug, info, warn or error", c.Log.Level)
	}
	return nil
}
