// Package config provides configuration management for the router.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"llmrouter/internal/crypto"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig              `toml:"server"`
	Telemetry TelemetryConfig           `toml:"telemetry"`
	Router    RouterConfig              `toml:"router"`
	Guard     GuardConfig               `toml:"guard"`
	Cache     CacheConfig               `toml:"cache"`
	Breaker   BreakerConfig             `toml:"breaker"`
	Predictor PredictorConfig           `toml:"predictor"`
	Catalog   CatalogConfig             `toml:"catalog"`
	Upstreams map[string]UpstreamConfig `toml:"upstreams"`
	Feedback  FeedbackConfig            `toml:"feedback"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	HTTPPort       int           `toml:"http_port"`
	BindAddress    string        `toml:"bind_address"`
	ReadTimeout    time.Duration `toml:"read_timeout"`
	WriteTimeout   time.Duration `toml:"write_timeout"`
	MaxRequestSize int64         `toml:"max_request_size"`
	ShutdownGrace  time.Duration `toml:"shutdown_grace"`

	// APIKeys are bcrypt hashes of accepted bearer keys. Empty list
	// disables ingress auth.
	APIKeys []string `toml:"api_keys"`

	// Adaptive dispatcher configuration
	DispatcherEnabled  bool    `toml:"dispatcher_enabled"`
	MinWorkers         int     `toml:"min_workers"`
	MaxWorkers         int     `toml:"max_workers"`
	MaxQueuedRequests  int     `toml:"max_queued_requests"`
	ScaleUpThreshold   float64 `toml:"scale_up_threshold"`
	ScaleDownThreshold float64 `toml:"scale_down_threshold"`
}

// ListenAddr joins bind address and port.
func (s *ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.HTTPPort)
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
	LogLevel    string `toml:"log_level"`
	LogFormat   string `toml:"log_format"`
}

// RouterConfig contains pipeline-level settings.
type RouterConfig struct {
	// RoutingTable is the path of the task routing table file. Required.
	RoutingTable string `toml:"routing_table"`

	RequestDeadline time.Duration `toml:"request_deadline"`
	UpstreamTimeout time.Duration `toml:"upstream_timeout"`

	Semantic SemanticClassifierConfig `toml:"semantic"`
}

// SemanticClassifierConfig configures the optional semantic tier of the
// classifier.
type SemanticClassifierConfig struct {
	Enabled      bool          `toml:"enabled"`
	Endpoint     string        `toml:"endpoint"`
	Timeout      time.Duration `toml:"timeout"`
	TriggerBelow float64       `toml:"trigger_below"` // consult when rule confidence is below this
	MinOverride  float64       `toml:"min_override"`  // semantic result supersedes above this
}

// GuardConfig contains prompt safety settings.
type GuardConfig struct {
	MaxPromptLength  int     `toml:"max_prompt_length"`
	BlockAt          string  `toml:"block_at"` // risk level that blocks: low|medium|high|critical
	NonAlnumRatio    float64 `toml:"non_alnum_ratio"`
	FuzzyThreshold   float64 `toml:"fuzzy_threshold"`
	Sensitivity      string  `toml:"sensitivity"` // low|medium|high

	RateLimitEnabled  bool `toml:"rate_limit_enabled"`
	RequestsPerMinute int  `toml:"requests_per_minute"`
	Burst             int  `toml:"burst"`
}

// CacheConfig contains response cache settings. MaxBytes and MaxEntries
// are required.
type CacheConfig struct {
	Enabled           bool          `toml:"enabled"`
	MaxBytes          int64         `toml:"max_bytes"`
	MaxEntries        int           `toml:"max_entries"`
	DefaultTTL        time.Duration `toml:"default_ttl"`
	Strategy          string        `toml:"strategy"` // lru|lfu|fifo|adaptive
	SemanticThreshold float64       `toml:"semantic_threshold"`
	SemanticScanCap   int           `toml:"semantic_scan_cap"`
}

// BreakerConfig contains circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `toml:"failure_threshold"`
	SuccessThreshold int           `toml:"success_threshold"`
	Timeout          time.Duration `toml:"timeout"`
	Window           time.Duration `toml:"window"`
	MinRequestCount  int           `toml:"min_request_count"`
	MaxTimeout       time.Duration `toml:"max_timeout"`
}

// PredictorConfig contains performance predictor settings.
type PredictorConfig struct {
	MaxSamples int     `toml:"max_samples"`
	Decay      float64 `toml:"decay"`
}

// CatalogConfig contains model inventory settings.
type CatalogConfig struct {
	StalenessWindow time.Duration          `toml:"staleness_window"`
	Models          map[string]ModelSeed   `toml:"models"`
	RateSheet       map[string]SheetPrice  `toml:"rate_sheet"`
	Bedrock         BedrockDiscoveryConfig `toml:"bedrock"`
}

// ModelSeed is a statically-configured catalog entry.
type ModelSeed struct {
	Name            string   `toml:"name"`
	Upstream        string   `toml:"upstream"` // key into [upstreams]
	Provider        string   `toml:"provider"`
	Capabilities    []string `toml:"capabilities"`
	ContextWindow   int      `toml:"context_window"`
	OutputLimit     int      `toml:"output_limit"`
	InputCostPer1K  float64  `toml:"input_cost_per_1k"`
	OutputCostPer1K float64  `toml:"output_cost_per_1k"`
	QualityScore    float64  `toml:"quality_score"`
	AvgLatencyMs    float64  `toml:"avg_latency_ms"`
	FallbackID      string   `toml:"fallback_id"`
	Enabled         bool     `toml:"enabled"`
}

// SheetPrice is one rate-sheet row.
type SheetPrice struct {
	InputPer1K  float64 `toml:"input_per_1k"`
	OutputPer1K float64 `toml:"output_per_1k"`
	Currency    string  `toml:"currency"`
}

// BedrockDiscoveryConfig configures the Bedrock catalog source.
type BedrockDiscoveryConfig struct {
	Enabled bool   `toml:"enabled"`
	Region  string `toml:"region"`
}

// UpstreamConfig configures one upstream adapter.
type UpstreamConfig struct {
	Type       string        `toml:"type"` // openai|anthropic|bedrock
	BaseURL    string        `toml:"base_url"`
	APIKey     string        `toml:"api_key"`
	Region     string        `toml:"region"`
	MaxRetries int           `toml:"max_retries"`
	Timeout    time.Duration `toml:"timeout"`
	Enabled    bool          `toml:"enabled"`
}

// FeedbackConfig contains background refresh intervals.
type FeedbackConfig struct {
	Enabled         bool          `toml:"enabled"`
	CatalogRefresh  time.Duration `toml:"catalog_refresh"`
	PricingRefresh  time.Duration `toml:"pricing_refresh"`
	HealthRecompute time.Duration `toml:"health_recompute"`
	BreakerCleanup  time.Duration `toml:"breaker_cleanup"`
	BreakerMaxIdle  time.Duration `toml:"breaker_max_idle"`
	CacheCleanup    time.Duration `toml:"cache_cleanup"`
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:           8080,
			BindAddress:        "0.0.0.0",
			ReadTimeout:        2 * time.Minute,
			WriteTimeout:       2 * time.Minute,
			MaxRequestSize:     32 * 1024 * 1024, // attachments included
			ShutdownGrace:      20 * time.Second,
			DispatcherEnabled:  true,
			MinWorkers:         4,
			MaxWorkers:         64,
			MaxQueuedRequests:  512,
			ScaleUpThreshold:   0.75,
			ScaleDownThreshold: 0.25,
		},
		Telemetry: TelemetryConfig{
			Enabled:     true,
			ServiceName: "llmrouter",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Router: RouterConfig{
			RoutingTable:    "routing.toml",
			RequestDeadline: 30 * time.Second,
			UpstreamTimeout: 15 * time.Second,
			Semantic: SemanticClassifierConfig{
				Enabled:      false,
				Timeout:      2 * time.Second,
				TriggerBelow: 0.6,
				MinOverride:  0.7,
			},
		},
		Guard: GuardConfig{
			MaxPromptLength:   100000,
			BlockAt:           "high",
			NonAlnumRatio:     0.45,
			FuzzyThreshold:    0.85,
			Sensitivity:       "medium",
			RateLimitEnabled:  true,
			RequestsPerMinute: 120,
			Burst:             20,
		},
		Cache: CacheConfig{
			Enabled:           true,
			MaxBytes:          256 * 1024 * 1024,
			MaxEntries:        10000,
			DefaultTTL:        30 * time.Minute,
			Strategy:          "adaptive",
			SemanticThreshold: 0.8,
			SemanticScanCap:   200,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			Window:           60 * time.Second,
			MinRequestCount:  10,
			MaxTimeout:       10 * time.Minute,
		},
		Predictor: PredictorConfig{
			MaxSamples: 200,
			Decay:      0.95,
		},
		Catalog: CatalogConfig{
			StalenessWindow: 24 * time.Hour,
			Models:          make(map[string]ModelSeed),
			RateSheet:       make(map[string]SheetPrice),
		},
		Upstreams: make(map[string]UpstreamConfig),
		Feedback: FeedbackConfig{
			Enabled:         true,
			CatalogRefresh:  5 * time.Minute,
			PricingRefresh:  time.Hour,
			HealthRecompute: time.Minute,
			BreakerCleanup:  time.Hour,
			BreakerMaxIdle:  6 * time.Hour,
			CacheCleanup:    30 * time.Second,
		},
	}
}

// Load loads configuration from a file. A missing file yields defaults;
// decode errors are returned. Environment overrides apply last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg.substituteEnvVars()

	if err := cfg.decryptSecrets(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// substituteEnvVars expands ${VAR} patterns and applies LLMROUTER_*
// environment overrides.
func (c *Config) substituteEnvVars() {
	for name, u := range c.Upstreams {
		u.APIKey = expandEnv(u.APIKey)
		u.BaseURL = expandEnv(u.BaseURL)
		c.Upstreams[name] = u
	}

	if v := os.Getenv("LLMROUTER_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.HTTPPort = port
		}
	}
	if v := os.Getenv("LLMROUTER_BIND_ADDRESS"); v != "" {
		c.Server.BindAddress = v
	}
	if v := os.Getenv("LLMROUTER_LOG_LEVEL"); v != "" {
		c.Telemetry.LogLevel = v
	}
	if v := os.Getenv("LLMROUTER_ROUTING_TABLE"); v != "" {
		c.Router.RoutingTable = v
	}
	if v := os.Getenv("LLMROUTER_REQUEST_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Router.RequestDeadline = d
		}
	}
	if v := os.Getenv("LLMROUTER_UPSTREAM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Router.UpstreamTimeout = d
		}
	}
	if v := os.Getenv("LLMROUTER_CACHE_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Cache.MaxBytes = n
		}
	}
	if v := os.Getenv("LLMROUTER_CACHE_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.MaxEntries = n
		}
	}
	if v := os.Getenv("LLMROUTER_SEMANTIC_ENDPOINT"); v != "" {
		c.Router.Semantic.Endpoint = v
		c.Router.Semantic.Enabled = true
	}
	if v := os.Getenv("LLMROUTER_AWS_REGION"); v != "" {
		c.Catalog.Bedrock.Region = v
	}

	// Per-upstream credential overrides by convention:
	// LLMROUTER_<UPSTREAM>_API_KEY where <UPSTREAM> is the upper-cased key.
	for name, u := range c.Upstreams {
		env := "LLMROUTER_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_API_KEY"
		if v := os.Getenv(env); v != "" {
			u.APIKey = v
			c.Upstreams[name] = u
		}
	}
}

// decryptSecrets resolves encrypted: values using the master key.
func (c *Config) decryptSecrets() error {
	master := os.Getenv("LLMROUTER_MASTER_KEY")
	for name, u := range c.Upstreams {
		if !crypto.IsEncrypted(u.APIKey) {
			continue
		}
		if master == "" {
			return fmt.Errorf("upstream %s: encrypted api_key but LLMROUTER_MASTER_KEY is not set", name)
		}
		plain, err := crypto.DecryptString(u.APIKey, master)
		if err != nil {
			return fmt.Errorf("upstream %s: decrypting api_key: %w", name, err)
		}
		u.APIKey = plain
		c.Upstreams[name] = u
	}
	return nil
}

// expandEnv expands ${VAR} or $VAR patterns.
func expandEnv(s string) string {
	if s == "" {
		return s
	}
	return os.ExpandEnv(s)
}

// Validate checks required values.
func (c *Config) Validate() error {
	if c.Router.RoutingTable == "" {
		return fmt.Errorf("router.routing_table is required")
	}
	if c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("cache.max_bytes must be positive")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive")
	}
	switch c.Cache.Strategy {
	case "lru", "lfu", "fifo", "adaptive":
	default:
		return fmt.Errorf("cache.strategy %q is not one of lru, lfu, fifo, adaptive", c.Cache.Strategy)
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker thresholds must be positive")
	}
	if c.Router.RequestDeadline <= 0 {
		return fmt.Errorf("router.request_deadline must be positive")
	}
	for name, u := range c.Upstreams {
		switch u.Type {
		case "openai", "anthropic", "bedrock":
		default:
			return fmt.Errorf("upstream %s: type %q is not one of openai, anthropic, bedrock", name, u.Type)
		}
	}
	return nil
}

// EnabledUpstreams returns the names of enabled upstreams.
func (c *Config) EnabledUpstreams() []string {
	var names []string
	for name, u := range c.Upstreams {
		if u.Enabled {
			names = append(names, name)
		}
	}
	return names
}
