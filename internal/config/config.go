package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/dyluth/ccss/pkg/critical"
	"gopkg.in/yaml.v3"
)

// Limits mirrored from the settings screen of the content system
const (
	MaxRules      = 10
	MaxDimensions = 10
)

// DefaultExcludedSelectors are sent to the generation service when none are configured
var DefaultExcludedSelectors = []string{
	"style#critical-css",
	"link[rel='stylesheet'][href^='//cloud.typography.com/']",
}

// Config represents the top-level ccss.yml configuration
type Config struct {
	Version    string           `yaml:"version"`
	Namespace  string           `yaml:"namespace,omitempty"` // Redis key namespace, one per site
	Redis      RedisConfig      `yaml:"redis"`
	Server     ServerConfig     `yaml:"server"`
	Generation GenerationConfig `yaml:"generation"`
	Callback   CallbackConfig   `yaml:"callback"`
	Shared     SharedConfig     `yaml:"shared"`
	Deferral   DeferralConfig   `yaml:"deferral"`
	Rules      critical.RuleSet `yaml:"rules"`
}

// RedisConfig specifies the Redis connection
type RedisConfig struct {
	URL string `yaml:"url,omitempty"`
}

// ServerConfig specifies the HTTP listener for callbacks and save events
type ServerConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// GenerationConfig specifies how jobs are sent to the external generation service
type GenerationConfig struct {
	Enabled           bool                 `yaml:"enabled"`
	ServiceURL        string               `yaml:"service_url"`
	APIKey            string               `yaml:"api_key,omitempty"`
	APIKeyHeader      string               `yaml:"api_key_header,omitempty"`
	FetchTimeout      string               `yaml:"fetch_timeout,omitempty"`  // Go duration, default 15s
	PostTimeout       string               `yaml:"post_timeout,omitempty"`   // Go duration, default 15s
	MaxHTMLBytes      int                  `yaml:"max_html_bytes,omitempty"` // default 64000
	Dimensions        []critical.Dimension `yaml:"dimensions"`
	ExcludedSelectors []string             `yaml:"excluded_selectors"`

	fetchTimeout time.Duration
	postTimeout  time.Duration
}

// CallbackConfig specifies the callback token protocol
type CallbackConfig struct {
	PublicURL   string `yaml:"public_url,omitempty"` // base URL the generation service calls back on
	TokenTTL    string `yaml:"token_ttl,omitempty"`  // Go duration, default 1200s
	TokenSecret string `yaml:"token_secret,omitempty"`
	TokenStore  string `yaml:"token_store,omitempty"` // "redis" (default) or "memory"

	tokenTTL time.Duration
}

// SharedConfig specifies shared critical CSS expiration and the refresh sweep
type SharedConfig struct {
	ExpirationMinutes int    `yaml:"expiration_minutes,omitempty"` // default 1440
	CronEnabled       bool   `yaml:"cron_enabled"`
	Interval          string `yaml:"interval,omitempty"` // Go duration, default 1h

	interval time.Duration
}

// DeferralConfig specifies stylesheet deferral
type DeferralConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Exceptions []string `yaml:"exceptions,omitempty"` // style handles that are never deferred
}

// FetchTimeoutDuration returns the parsed page fetch timeout.
func (g *GenerationConfig) FetchTimeoutDuration() time.Duration {
	return g.fetchTimeout
}

// PostTimeoutDuration returns the parsed job post timeout.
func (g *GenerationConfig) PostTimeoutDuration() time.Duration {
	return g.postTimeout
}

// TokenTTLDuration returns the parsed callback token lifetime.
func (c *CallbackConfig) TokenTTLDuration() time.Duration {
	return c.tokenTTL
}

// IntervalDuration returns the parsed sweep interval.
func (s *SharedConfig) IntervalDuration() time.Duration {
	return s.interval
}

// Expiration returns the shared critical CSS lifetime.
func (s *SharedConfig) Expiration() time.Duration {
	return time.Duration(s.ExpirationMinutes) * time.Minute
}

// Validate performs strict validation on the configuration and fills defaults
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379/0"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}

	if err := c.Generation.validate(); err != nil {
		return err
	}
	if err := c.Callback.validate(); err != nil {
		return err
	}
	if err := c.Shared.validate(); err != nil {
		return err
	}

	if len(c.Rules.Rules) == 0 {
		return fmt.Errorf("no rules defined")
	}
	if len(c.Rules.Rules) > MaxRules {
		return fmt.Errorf("too many rules: %d (maximum %d)", len(c.Rules.Rules), MaxRules)
	}
	for i, rule := range c.Rules.Rules {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i+1, err)
		}
	}

	return nil
}

func (g *GenerationConfig) validate() error {
	if g.Enabled {
		if g.ServiceURL == "" {
			return fmt.Errorf("generation.service_url is required when generation is enabled")
		}
	}
	if g.ServiceURL != "" {
		if err := validateHTTPURL(g.ServiceURL); err != nil {
			return fmt.Errorf("generation.service_url: %w", err)
		}
	}

	if g.APIKeyHeader == "" {
		g.APIKeyHeader = "X-Api-Key"
	}

	if g.FetchTimeout == "" {
		g.FetchTimeout = "15s"
	}
	d, err := time.ParseDuration(g.FetchTimeout)
	if err != nil {
		return fmt.Errorf("generation.fetch_timeout: invalid duration '%s'", g.FetchTimeout)
	}
	if d <= 0 {
		return fmt.Errorf("generation.fetch_timeout must be positive, got %s", g.FetchTimeout)
	}
	g.fetchTimeout = d

	if g.PostTimeout == "" {
		g.PostTimeout = "15s"
	}
	d, err = time.ParseDuration(g.PostTimeout)
	if err != nil {
		return fmt.Errorf("generation.post_timeout: invalid duration '%s'", g.PostTimeout)
	}
	if d <= 0 {
		return fmt.Errorf("generation.post_timeout must be positive, got %s", g.PostTimeout)
	}
	g.postTimeout = d

	if g.MaxHTMLBytes == 0 {
		g.MaxHTMLBytes = 64000
	}
	if g.MaxHTMLBytes < 0 {
		return fmt.Errorf("generation.max_html_bytes must be positive, got %d", g.MaxHTMLBytes)
	}

	if len(g.Dimensions) == 0 {
		return fmt.Errorf("generation.dimensions requires at least one viewport")
	}
	if len(g.Dimensions) > MaxDimensions {
		return fmt.Errorf("too many generation.dimensions: %d (maximum %d)", len(g.Dimensions), MaxDimensions)
	}
	for i, dim := range g.Dimensions {
		if dim.Width <= 0 || dim.Height <= 0 {
			return fmt.Errorf("generation.dimensions[%d]: width and height must be positive", i)
		}
	}

	// nil means "not configured"; an explicit empty list disables exclusions
	if g.ExcludedSelectors == nil {
		g.ExcludedSelectors = append([]string(nil), DefaultExcludedSelectors...)
	}

	return nil
}

func (c *CallbackConfig) validate() error {
	if c.PublicURL != "" {
		if err := validateHTTPURL(c.PublicURL); err != nil {
			return fmt.Errorf("callback.public_url: %w", err)
		}
	}

	if c.TokenTTL == "" {
		c.TokenTTL = "1200s"
	}
	d, err := time.ParseDuration(c.TokenTTL)
	if err != nil {
		return fmt.Errorf("callback.token_ttl: invalid duration '%s'", c.TokenTTL)
	}
	if d <= 0 {
		return fmt.Errorf("callback.token_ttl must be positive, got %s", c.TokenTTL)
	}
	c.tokenTTL = d

	switch c.TokenStore {
	case "":
		c.TokenStore = "redis"
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid callback.token_store: %s (must be 'memory' or 'redis')", c.TokenStore)
	}

	return nil
}

func (s *SharedConfig) validate() error {
	if s.ExpirationMinutes == 0 {
		s.ExpirationMinutes = 1440
	}
	if s.ExpirationMinutes < 0 {
		return fmt.Errorf("shared.expiration_minutes must be positive, got %d", s.ExpirationMinutes)
	}

	if s.Interval == "" {
		s.Interval = "1h"
	}
	d, err := time.ParseDuration(s.Interval)
	if err != nil {
		return fmt.Errorf("shared.interval: invalid duration '%s'", s.Interval)
	}
	if d <= 0 {
		return fmt.Errorf("shared.interval must be positive, got %s", s.Interval)
	}
	s.interval = d

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL '%s': %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL '%s' must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("URL '%s' has no host", raw)
	}
	return nil
}

// ApplyEnv overrides connection settings and secrets from the environment.
// Secrets are expected to come from the environment rather than ccss.yml in production.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := getenv("CCSS_NAMESPACE"); v != "" {
		c.Namespace = v
	}
	if v := getenv("CCSS_SERVICE_API_KEY"); v != "" {
		c.Generation.APIKey = v
	}
	if v := getenv("CCSS_TOKEN_SECRET"); v != "" {
		c.Callback.TokenSecret = v
	}
}

// Load reads ccss.yml from the specified path, applies environment overrides and validates it
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.ApplyEnv(os.Getenv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
