package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Trim policy names accepted in configuration.
const (
	TrimRandom      = "random"
	TrimRandomIfOld = "random-if-old"
	TrimReject      = "reject"
)

// Config holds all configuration for a Kademlia node
type Config struct {
	// Transport endpoint
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// HTTP status API
	HTTPPort int `yaml:"http_port"`

	// Bootstrap
	PeerFile       string   `yaml:"peer_file"`       // one base64 address per line
	BootstrapPeers []string `yaml:"bootstrap_peers"` // extra addresses tried before the peer file

	// Authentication
	AuthToken string `yaml:"auth_token"` // Shared secret for node-to-node requests

	// Routing table
	K                    int           `yaml:"k"`                      // bucket capacity
	S                    int           `yaml:"s"`                      // sibling list size and lookup result size
	Alpha                int           `yaml:"alpha"`                  // concurrent requests per lookup
	B                    int           `yaml:"b"`                      // sub-ranges per distance bit are 2^(B-1)
	UseSiblingList       bool          `yaml:"use_sibling_list"`       // keep the S closest peers outside the buckets
	TrimPolicy           string        `yaml:"trim_policy"`            // random, random-if-old, reject
	TrimIdleThreshold    time.Duration `yaml:"trim_idle_threshold"`    // random-if-old guard
	ReplacementCacheSize int           `yaml:"replacement_cache_size"` // per bucket
	StaleThreshold       int           `yaml:"stale_threshold"`        // consecutive timeouts before a peer is stale
	SplitLockTimeout     time.Duration `yaml:"split_lock_timeout"`

	// Lookup and retrieval
	RequestTimeout time.Duration `yaml:"request_timeout"`
	LookupTimeout  time.Duration `yaml:"lookup_timeout"`
	FindOneTimeout time.Duration `yaml:"find_one_timeout"`
	FindAllWindow  time.Duration `yaml:"find_all_window"`

	// Maintenance
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	BucketIdleAge   time.Duration `yaml:"bucket_idle_age"`
	BootstrapRetry  time.Duration `yaml:"bootstrap_retry"`

	// Logging
	LogLevel  string `yaml:"log_level"`  // trace, debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, console
	LogFile   string `yaml:"log_file"`   // empty disables file output
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:                 "127.0.0.1",
		Port:                 7440,
		HTTPPort:             8080,
		PeerFile:             "peers.txt",
		K:                    20,
		S:                    3,
		Alpha:                3,
		B:                    1,
		UseSiblingList:       true,
		TrimPolicy:           TrimRandomIfOld,
		TrimIdleThreshold:    5 * time.Minute,
		ReplacementCacheSize: 20,
		StaleThreshold:       5,
		SplitLockTimeout:     3 * time.Second,
		RequestTimeout:       30 * time.Second,
		LookupTimeout:        120 * time.Second,
		FindOneTimeout:       30 * time.Second,
		FindAllWindow:        60 * time.Second,
		RefreshInterval:      15 * time.Minute,
		BucketIdleAge:        15 * time.Minute,
		BootstrapRetry:       time.Minute,
		LogLevel:             "info",
		LogFormat:            "console",
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Address returns the host:port the transport listens on.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.K < 1 {
		return fmt.Errorf("K must be at least 1, got %d", c.K)
	}
	if c.S < 1 {
		return fmt.Errorf("S must be at least 1, got %d", c.S)
	}
	if c.Alpha < 1 {
		return fmt.Errorf("alpha must be at least 1, got %d", c.Alpha)
	}
	if c.B < 1 || c.B > 8 {
		return fmt.Errorf("B must be between 1 and 8, got %d", c.B)
	}
	switch c.TrimPolicy {
	case TrimRandom, TrimRandomIfOld, TrimReject:
	default:
		return fmt.Errorf("unknown trim policy %q", c.TrimPolicy)
	}
	if c.ReplacementCacheSize < 0 {
		return fmt.Errorf("replacement cache size cannot be negative")
	}
	if c.StaleThreshold < 1 {
		return fmt.Errorf("stale threshold must be at least 1, got %d", c.StaleThreshold)
	}

	durations := map[string]time.Duration{
		"request_timeout":    c.RequestTimeout,
		"lookup_timeout":     c.LookupTimeout,
		"find_one_timeout":   c.FindOneTimeout,
		"find_all_window":    c.FindAllWindow,
		"split_lock_timeout": c.SplitLockTimeout,
		"refresh_interval":   c.RefreshInterval,
		"bootstrap_retry":    c.BootstrapRetry,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	// Zero is allowed: every bucket counts as idle
	idle := map[string]time.Duration{
		"bucket_idle_age":     c.BucketIdleAge,
		"trim_idle_threshold": c.TrimIdleThreshold,
	}
	for name, d := range idle {
		if d < 0 {
			return fmt.Errorf("%s cannot be negative, got %s", name, d)
		}
	}
	return nil
}
