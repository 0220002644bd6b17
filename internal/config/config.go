// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from a config.yaml file plus environment variables;
// environment variables take precedence. A .env file in the working directory
// is loaded into the environment first when present.
//
// Provider API keys may be given inline or resolved from <PROVIDER>_API_KEY
// environment variables (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...). A provider
// with no resolvable key is skipped at startup unless it targets a local
// OpenAI-compatible endpoint.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/inference-gateway/internal/routing"
	"github.com/nulpointcorp/inference-gateway/internal/scoring"
	"github.com/nulpointcorp/inference-gateway/internal/weights"
)

// Provider kinds select the adapter implementation.
const (
	KindOpenAI       = "openai"
	KindAnthropic    = "anthropic"
	KindGemini       = "gemini"
	KindOpenAICompat = "openai_compat"
)

// Checkpoint modes for the weight manager's EMA store.
const (
	CheckpointNone  = "none"
	CheckpointFile  = "file"
	CheckpointRedis = "redis"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int `mapstructure:"port"`

	// LogLevel controls the minimum log level. One of: debug, info, warn,
	// error. Default: info.
	LogLevel string `mapstructure:"log_level"`

	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Health     HealthConfig     `mapstructure:"health"`
	Weights    WeightsConfig    `mapstructure:"weights"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`

	// ScoreWeights are the composite-score weights. They must sum to 1;
	// an all-zero block selects the stock profile.
	ScoreWeights scoring.Weights `mapstructure:"score_weights"`

	// Providers holds per-provider settings keyed by provider name.
	Providers map[string]ProviderConfig `mapstructure:"providers"`

	// ModelAliases maps symbolic names ("fastest", "cheapest", ...) to ranked
	// provider/model targets.
	ModelAliases map[string][]routing.Entry `mapstructure:"model_aliases"`

	// TaskRouting maps task_type → complexity → alias.
	TaskRouting map[string]map[string]string `mapstructure:"task_routing"`
}

// GatewayConfig controls dispatch behaviour.
type GatewayConfig struct {
	// FallbackEnabled rolls upstream failures over to the next candidate.
	// Default: true.
	FallbackEnabled bool `mapstructure:"fallback_enabled"`

	// Timeout bounds a single upstream attempt. Default: 60s.
	Timeout time.Duration `mapstructure:"timeout"`

	// MaxRetries caps how many fallback candidates are tried after the
	// first attempt fails. Default: 3.
	MaxRetries int `mapstructure:"max_retries"`

	// PerformanceTracking enables the asynchronous per-request log used for
	// performance analysis. Default: true.
	PerformanceTracking bool `mapstructure:"performance_tracking"`

	// CostOptimization steers simple requests to "cheapest" and complex ones
	// to "best" when no task-routing rule applies. Default: false.
	CostOptimization bool `mapstructure:"cost_optimization"`

	// LatencyProbing enables the out-of-band latency prober. Default: false.
	LatencyProbing bool `mapstructure:"latency_probing"`

	// ProbeInterval is the latency prober period. Default: 300s.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// HealthConfig tunes the health monitor and circuit breaker.
type HealthConfig struct {
	// CheckInterval is the probe loop period. Default: 30s.
	CheckInterval time.Duration `mapstructure:"check_interval"`

	// ProbeTimeout bounds a single health probe. Default: 5s.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`

	// CircuitBreakerThreshold is the failure count that opens a circuit.
	// Default: 5.
	CircuitBreakerThreshold int `mapstructure:"circuit_breaker_threshold"`

	// CircuitBreakerTimeout is how long an open circuit stays open.
	// Default: 300s.
	CircuitBreakerTimeout time.Duration `mapstructure:"circuit_breaker_timeout"`

	// FailureThreshold separates degraded from unhealthy. Default: 3.
	FailureThreshold int `mapstructure:"failure_threshold"`
}

// WeightsConfig tunes the adaptive weight manager.
type WeightsConfig struct {
	// MinWeight / MaxWeight clamp every provider weight. Defaults: 0.1 / 10.
	MinWeight float64 `mapstructure:"min_weight"`
	MaxWeight float64 `mapstructure:"max_weight"`

	// RebalanceInterval is the periodic rebalance period. Default: 60s.
	RebalanceInterval time.Duration `mapstructure:"rebalance_interval"`

	// RebalanceThreshold is the traffic-share deviation that triggers a
	// global nudge. Default: 0.3.
	RebalanceThreshold float64 `mapstructure:"rebalance_threshold"`

	// Rebalance weighs the rebalance sub-scores. An all-zero block selects
	// the stock profile.
	Rebalance weights.RebalanceWeights `mapstructure:"rebalance"`
}

// CheckpointConfig selects the EMA checkpoint backend.
type CheckpointConfig struct {
	// Mode is one of: none, file, redis. Default: none.
	Mode string `mapstructure:"mode"`

	// Path is the checkpoint file location (file mode).
	Path string `mapstructure:"path"`

	// RedisURL is a redis:// or rediss:// URL (redis mode). Falls back to
	// the REDIS_URL environment variable.
	RedisURL string `mapstructure:"redis_url"`
}

// ProviderConfig holds settings for a single provider.
type ProviderConfig struct {
	// Enabled gates the provider entirely. Default: true for listed providers.
	Enabled *bool `mapstructure:"enabled"`

	// Kind selects the adapter: openai, anthropic, gemini, or openai_compat.
	// Defaults to the provider name when that names a kind, else openai_compat.
	Kind string `mapstructure:"kind"`

	// Priority orders this provider ahead of others when a bare model id
	// matches several providers. Lower sorts first. Default: 0.
	Priority int `mapstructure:"priority"`

	// Temperature is the default sampling temperature for requests that do
	// not specify one. In [0, 2]. Nil leaves the upstream default.
	Temperature *float64 `mapstructure:"temperature"`

	// APIKey is the provider credential. Empty resolves <PROVIDER>_API_KEY
	// from the environment.
	APIKey string `mapstructure:"api_key"`

	// BaseURL overrides the provider's default endpoint. Required for
	// openai_compat providers.
	BaseURL string `mapstructure:"base_url"`

	// BaseWeight is the configured routing weight. Default: 1.0.
	BaseWeight float64 `mapstructure:"base_weight"`

	// HighQuality grants the provider the router's quality boost.
	HighQuality bool `mapstructure:"high_quality"`

	// MaxConnections caps concurrent in-flight requests. Default: 100.
	MaxConnections int `mapstructure:"max_connections"`

	// Models is the provider's model catalog. At least one entry is required.
	Models []ModelConfig `mapstructure:"models"`
}

// IsEnabled reports whether the provider should be initialized.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ModelConfig describes one model in a provider's catalog.
type ModelConfig struct {
	ID              string   `mapstructure:"id"`
	Name            string   `mapstructure:"name"`
	Capabilities    []string `mapstructure:"capabilities"`
	ContextLength   int      `mapstructure:"context_length"`
	MaxOutputTokens int      `mapstructure:"max_output_tokens"`
	CostPer1KTokens float64  `mapstructure:"cost_per_1k_tokens"`

	SupportsSystemMessages *bool `mapstructure:"supports_system_messages"`
	SupportsTemperature    *bool `mapstructure:"supports_temperature"`
}

// SystemMessages reports the supports_system_messages flag, defaulting true.
func (m ModelConfig) SystemMessages() bool {
	return m.SupportsSystemMessages == nil || *m.SupportsSystemMessages
}

// Temperature reports the supports_temperature flag, defaulting true.
func (m ModelConfig) Temperature() bool {
	return m.SupportsTemperature == nil || *m.SupportsTemperature
}

// Load reads configuration from config.yaml in the given search paths (the
// working directory when none are given) and from environment variables.
// A .env file is loaded first when present.
func Load(configPaths ...string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(configPaths) == 0 {
		configPaths = []string{"."}
	}
	for _, p := range configPaths {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config.yaml: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")

	v.SetDefault("gateway.fallback_enabled", true)
	v.SetDefault("gateway.timeout", "60s")
	v.SetDefault("gateway.max_retries", 3)
	v.SetDefault("gateway.performance_tracking", true)
	v.SetDefault("gateway.cost_optimization", false)
	v.SetDefault("gateway.latency_probing", false)
	v.SetDefault("gateway.probe_interval", "300s")

	v.SetDefault("health.check_interval", "30s")
	v.SetDefault("health.probe_timeout", "5s")
	v.SetDefault("health.circuit_breaker_threshold", 5)
	v.SetDefault("health.circuit_breaker_timeout", "300s")
	v.SetDefault("health.failure_threshold", 3)

	v.SetDefault("weights.min_weight", 0.1)
	v.SetDefault("weights.max_weight", 10.0)
	v.SetDefault("weights.rebalance_interval", "60s")
	v.SetDefault("weights.rebalance_threshold", 0.3)

	v.SetDefault("checkpoint.mode", CheckpointNone)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.resolveProviders()
	if cfg.Checkpoint.Mode == CheckpointRedis && cfg.Checkpoint.RedisURL == "" {
		cfg.Checkpoint.RedisURL = os.Getenv("REDIS_URL")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveProviders fills per-provider defaults and environment API keys.
func (c *Config) resolveProviders() {
	for name, p := range c.Providers {
		if p.Kind == "" {
			switch name {
			case KindOpenAI, KindAnthropic, KindGemini:
				p.Kind = name
			default:
				p.Kind = KindOpenAICompat
			}
		}
		if p.APIKey == "" {
			p.APIKey = os.Getenv(EnvKeyName(name))
		}
		if p.BaseWeight == 0 {
			p.BaseWeight = 1.0
		}
		c.Providers[name] = p
	}
}

// EnvKeyName returns the environment variable holding a provider's API key,
// e.g. "openai" → "OPENAI_API_KEY".
func EnvKeyName(provider string) string {
	s := strings.ToUpper(provider)
	s = strings.NewReplacer("-", "_", ".", "_").Replace(s)
	return s + "_API_KEY"
}

// EnabledProviders returns the names of providers that are enabled and have a
// usable credential (openai_compat endpoints with a base_url need no key).
func (c *Config) EnabledProviders() []string {
	var out []string
	for name, p := range c.Providers {
		if !p.IsEnabled() {
			continue
		}
		if p.APIKey == "" && !(p.Kind == KindOpenAICompat && p.BaseURL != "") {
			continue
		}
		out = append(out, name)
	}
	return out
}

// validate checks the semantic constraints that cannot be expressed as
// defaults. Invalid configuration aborts startup.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Gateway.MaxRetries < 0 {
		return fmt.Errorf("config: gateway.max_retries must be >= 0, got %d", c.Gateway.MaxRetries)
	}

	if len(c.Providers) == 0 {
		return errors.New("config: no providers configured")
	}
	if len(c.EnabledProviders()) == 0 {
		return errors.New("config: no provider is enabled with a usable API key; " +
			"set api_key inline or export <PROVIDER>_API_KEY")
	}
	for name, p := range c.Providers {
		if err := p.validate(name); err != nil {
			return err
		}
	}

	if s := c.ScoreWeights.Sum(); s != 0 && math.Abs(s-1) > 1e-3 {
		return fmt.Errorf("config: score_weights must sum to 1, got %.4f", s)
	}
	if c.Weights.MinWeight < 0 || (c.Weights.MaxWeight != 0 && c.Weights.MaxWeight <= c.Weights.MinWeight) {
		return fmt.Errorf("config: weights bounds invalid: min %.3f, max %.3f",
			c.Weights.MinWeight, c.Weights.MaxWeight)
	}

	switch c.Checkpoint.Mode {
	case CheckpointNone:
	case CheckpointFile:
		if c.Checkpoint.Path == "" {
			return errors.New("config: checkpoint.path is required when checkpoint.mode=file")
		}
	case CheckpointRedis:
		if c.Checkpoint.RedisURL == "" {
			return errors.New("config: checkpoint.redis_url (or REDIS_URL) is required when checkpoint.mode=redis")
		}
	default:
		return fmt.Errorf("config: invalid checkpoint.mode %q; must be one of: none, file, redis", c.Checkpoint.Mode)
	}

	for alias, targets := range c.ModelAliases {
		if len(targets) == 0 {
			return fmt.Errorf("config: model_aliases.%s has no targets", alias)
		}
		for i, tgt := range targets {
			if tgt.Provider == "" || tgt.Model == "" {
				return fmt.Errorf("config: model_aliases.%s[%d] needs provider and model", alias, i)
			}
		}
	}

	for task, rules := range c.TaskRouting {
		for complexity := range rules {
			switch complexity {
			case "simple", "medium", "complex":
			default:
				return fmt.Errorf("config: task_routing.%s has invalid complexity %q", task, complexity)
			}
		}
	}

	return nil
}

func (p ProviderConfig) validate(name string) error {
	switch p.Kind {
	case KindOpenAI, KindAnthropic, KindGemini, KindOpenAICompat:
	default:
		return fmt.Errorf("config: providers.%s has invalid kind %q", name, p.Kind)
	}
	if !p.IsEnabled() {
		return nil
	}
	if p.Kind == KindOpenAICompat && p.BaseURL == "" {
		return fmt.Errorf("config: providers.%s needs base_url for kind openai_compat", name)
	}
	if p.BaseWeight < 0 {
		return fmt.Errorf("config: providers.%s base_weight must be >= 0, got %.3f", name, p.BaseWeight)
	}
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return fmt.Errorf("config: providers.%s temperature must be in [0, 2], got %.2f", name, *p.Temperature)
	}
	if p.MaxConnections < 0 {
		return fmt.Errorf("config: providers.%s max_connections must be >= 0", name)
	}
	if len(p.Models) == 0 {
		return fmt.Errorf("config: providers.%s lists no models", name)
	}
	for i, m := range p.Models {
		if m.ID == "" {
			return fmt.Errorf("config: providers.%s models[%d] has no id", name, i)
		}
		if m.CostPer1KTokens < 0 {
			return fmt.Errorf("config: providers.%s model %s has negative cost", name, m.ID)
		}
	}
	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}
