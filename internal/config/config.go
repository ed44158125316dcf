package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrNoConfig is returned when no config file is found.
var ErrNoConfig = errors.New("no popper-badge config file found")

// Badge modes for GET /{org}/{repo}.
const (
	BadgeModeRedirect = "redirect"
	BadgeModeSVG      = "svg"
)

// DefaultDatabase is the storage location used when none is configured.
const DefaultDatabase = "badges.db"

// Config is the server configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr" toml:"addr" json:"addr"`

	// Database is a SQLite path or a postgres:// DSN.
	Database string `yaml:"database" toml:"database" json:"database"`

	BranchFilter BranchFilter `yaml:"branch_filter" toml:"branch_filter" json:"branch_filter"`
	Badge        Badge        `yaml:"badge" toml:"badge" json:"badge"`
	Cache        Cache        `yaml:"cache" toml:"cache" json:"cache"`
	Archive      Archive      `yaml:"archive" toml:"archive" json:"archive"`
}

// BranchFilter limits persisted records to a primary branch.
type BranchFilter struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Primary string `yaml:"primary" toml:"primary" json:"primary"`
}

// Badge controls how badges are served.
type Badge struct {
	// Mode is "redirect" (to ShieldsURL) or "svg" (inline image).
	Mode       string `yaml:"mode" toml:"mode" json:"mode"`
	Label      string `yaml:"label" toml:"label" json:"label"`
	ShieldsURL string `yaml:"shields_url" toml:"shields_url" json:"shields_url"`
}

// Cache configures the current-status cache.
// An empty RedisURL keeps the cache in process. An unset TTL defaults to
// 30s; an explicit 0 disables caching.
type Cache struct {
	RedisURL string    `yaml:"redis_url" toml:"redis_url" json:"redis_url"`
	TTL      *Duration `yaml:"ttl" toml:"ttl" json:"ttl"`
}

// Enabled reports whether a status cache should be used.
func (c Cache) Enabled() bool {
	return c.TTL == nil || *c.TTL > 0
}

// Archive configures where `export` writes history snapshots.
type Archive struct {
	Dir             string `yaml:"dir" toml:"dir" json:"dir"`
	Bucket          string `yaml:"bucket" toml:"bucket" json:"bucket"`
	Endpoint        string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	Region          string `yaml:"region" toml:"region" json:"region"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key" json:"secret_access_key"`
}

// Duration wraps time.Duration for custom parsing.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

var candidates = []string{
	".popper-badge.yaml",
	".popper-badge.yml",
	".popper-badge.toml",
	".popper-badge.json",
	"popper-badge.yaml",
	"popper-badge.yml",
	"popper-badge.toml",
	"popper-badge.json",
}

// Load finds and parses a config file from the given directory.
func Load(dir string) (*Config, string, error) {
	for _, name := range candidates {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue // File doesn't exist, try next
		}
		cfg, err := LoadFile(path)
		return cfg, name, err
	}
	return nil, "", ErrNoConfig
}

// LoadFile parses the config file at path; the format follows the extension.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var parser func([]byte, *Config) error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = parseYAML
	case ".toml":
		parser = parseTOML
	case ".json":
		parser = parseJSON
	default:
		return nil, fmt.Errorf("unsupported config format: %s", filepath.Base(path))
	}

	cfg := &Config{}
	if err := parser(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", filepath.Base(path), err)
	}

	return cfg, nil
}

func parseYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Strict: error on unknown fields
	return decoder.Decode(cfg)
}

func parseTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func parseJSON(data []byte, cfg *Config) error {
	return json.Unmarshal(data, cfg)
}

// ApplyEnv overrides fields from POPPER_* variables looked up with getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := map[string]*string{
		"POPPER_ADDR":                      &c.Addr,
		"POPPER_DATABASE":                  &c.Database,
		"POPPER_PRIMARY_BRANCH":            &c.BranchFilter.Primary,
		"POPPER_BADGE_MODE":                &c.Badge.Mode,
		"POPPER_BADGE_LABEL":               &c.Badge.Label,
		"POPPER_SHIELDS_URL":               &c.Badge.ShieldsURL,
		"POPPER_REDIS_URL":                 &c.Cache.RedisURL,
		"POPPER_ARCHIVE_DIR":               &c.Archive.Dir,
		"POPPER_ARCHIVE_BUCKET":            &c.Archive.Bucket,
		"POPPER_ARCHIVE_ENDPOINT":          &c.Archive.Endpoint,
		"POPPER_ARCHIVE_REGION":            &c.Archive.Region,
		"POPPER_ARCHIVE_ACCESS_KEY_ID":     &c.Archive.AccessKeyID,
		"POPPER_ARCHIVE_SECRET_ACCESS_KEY": &c.Archive.SecretAccessKey,
	}
	for name, dst := range str {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}

	if v := getenv("POPPER_BRANCH_FILTER"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("POPPER_BRANCH_FILTER: %w", err)
		}
		c.BranchFilter.Enabled = enabled
	}
	if v := getenv("POPPER_CACHE_TTL"); v != "" {
		var ttl Duration
		if err := ttl.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("POPPER_CACHE_TTL: %w", err)
		}
		c.Cache.TTL = &ttl
	}

	c.applyDefaults()
	return c.Validate()
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	if c.Database == "" {
		return errors.New("database is required")
	}

	switch c.Badge.Mode {
	case BadgeModeRedirect, BadgeModeSVG:
	default:
		return fmt.Errorf("badge.mode %q: must be %q or %q", c.Badge.Mode, BadgeModeRedirect, BadgeModeSVG)
	}

	if c.Cache.TTL != nil && *c.Cache.TTL < 0 {
		return errors.New("cache.ttl must not be negative")
	}

	if c.Archive.Bucket != "" && c.Archive.Dir != "" {
		return errors.New("archive: set either dir or bucket, not both")
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.BranchFilter.Primary == "" {
		c.BranchFilter.Primary = "master"
	}
	if c.Badge.Mode == "" {
		c.Badge.Mode = BadgeModeRedirect
	}
	if c.Badge.Label == "" {
		c.Badge.Label = "Popper"
	}
	if c.Badge.ShieldsURL == "" {
		c.Badge.ShieldsURL = "https://img.shields.io/badge"
	}
	c.Badge.ShieldsURL = strings.TrimSuffix(c.Badge.ShieldsURL, "/")
	if c.Cache.TTL == nil {
		ttl := Duration(30 * time.Second)
		c.Cache.TTL = &ttl
	}
	if c.Archive.Region == "" {
		c.Archive.Region = "auto"
	}
}
