package replacer

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/docreplace/connectivity"
	"github.com/hazyhaar/docreplace/engine"
	"github.com/hazyhaar/docreplace/shield"
	"github.com/hazyhaar/docreplace/source"
)

// Config holds all replacer configuration.
type Config struct {
	// DBPath is the SQLite file holding merge records and routes. Empty
	// keeps both in memory.
	DBPath string `yaml:"db_path"`

	Listen   string                `yaml:"listen"`
	Merge    MergeConfig           `yaml:"merge"`
	Dispatch DispatchConfig        `yaml:"dispatch"`
	Fetch    FetchConfig           `yaml:"fetch"`
	Pattern  PatternConfig         `yaml:"pattern"`
	Shield   shield.Config         `yaml:"shield"`
	Editors  []engine.EditorConfig `yaml:"editors"`
	Routes   []connectivity.Route  `yaml:"routes"`
}

// MergeConfig controls the result merge coordinator.
type MergeConfig struct {
	WaitTimeout   time.Duration `yaml:"wait_timeout"`
	RecordTTL     time.Duration `yaml:"record_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DispatchConfig controls the isolated sub-document fan-out.
type DispatchConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	FrameTimeout time.Duration `yaml:"frame_timeout"`
	MaxDepth     int           `yaml:"max_depth"`
	RouteRefresh time.Duration `yaml:"route_refresh"`

	// Retries re-sends a failed count to a sub-document. Replaces are
	// never retried.
	Retries      int           `yaml:"retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// FetchConfig controls page acquisition.
type FetchConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	UserAgent    string        `yaml:"user_agent"`
	MaxBody      int64         `yaml:"max_body"`
	AllowPrivate bool          `yaml:"allow_private"`

	// AllowFiles lets targets and frames name local files. Only the CLI
	// should enable it.
	AllowFiles bool `yaml:"allow_files"`

	// Browser loads remote pages through a headless browser instead of a
	// plain HTTP fetch. RemoteURL attaches to a running browser.
	Browser   bool   `yaml:"browser"`
	RemoteURL string `yaml:"remote_url"`
}

// PatternConfig controls the compiled pattern cache.
type PatternConfig struct {
	CacheSize int `yaml:"cache_size"`
}

func (c *Config) defaults() {
	if c.Listen == "" {
		c.Listen = ":8086"
	}
	if c.Merge.WaitTimeout <= 0 {
		c.Merge.WaitTimeout = 10 * time.Second
	}
	if c.Merge.RecordTTL <= 0 {
		c.Merge.RecordTTL = 10 * time.Minute
	}
	if c.Merge.SweepInterval <= 0 {
		c.Merge.SweepInterval = time.Minute
	}
	if c.Dispatch.Concurrency <= 0 {
		c.Dispatch.Concurrency = 4
	}
	if c.Dispatch.FrameTimeout <= 0 {
		c.Dispatch.FrameTimeout = 15 * time.Second
	}
	if c.Dispatch.MaxDepth <= 0 {
		c.Dispatch.MaxDepth = 4
	}
	if c.Dispatch.RouteRefresh <= 0 {
		c.Dispatch.RouteRefresh = 2 * time.Second
	}
	if c.Dispatch.RetryBackoff <= 0 {
		c.Dispatch.RetryBackoff = 200 * time.Millisecond
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "docreplace/1.0"
	}
	if c.Fetch.MaxBody <= 0 {
		c.Fetch.MaxBody = source.DefaultMaxBody
	}
	if c.Pattern.CacheSize <= 0 {
		c.Pattern.CacheSize = 256
	}
	c.Shield.Defaults()
}

// editorShapes converts the configured editor shapes.
func (c *Config) editorShapes() ([]engine.EditorShape, error) {
	out := make([]engine.EditorShape, 0, len(c.Editors))
	for i, ec := range c.Editors {
		s, err := ec.Shape()
		if err != nil {
			return nil, fmt.Errorf("replacer: editors[%d]: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("replacer: read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("replacer: parse config %s: %w", path, err)
	}
	return cfg, nil
}
