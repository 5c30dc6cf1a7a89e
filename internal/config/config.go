// Package config handles YAML configuration loading with environment variable
// expansion, plus flat environment-variable overrides for deployments that
// carry no config file at all.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"

	proxy "github.com/lassohq/lasso/internal"
)

// Config is the top-level proxy configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Features   FeatureFlags     `yaml:"features"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Cache      CacheConfig      `yaml:"cache"`
	Moderation ModerationConfig `yaml:"moderation"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Providers  []ProviderEntry  `yaml:"providers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	PortProbes      int           `yaml:"port_probes"` // successive ports tried on EADDRINUSE
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
}

// DatabaseConfig holds SQLite settings for the audit log.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// FeatureFlags gates the pipeline security stages. All default to true.
type FeatureFlags struct {
	DataSanitization  *bool `yaml:"data_sanitization"`
	TimeBasedBlocking *bool `yaml:"time_based_blocking"`
	Caching           *bool `yaml:"caching"`
	PolicyEnforcement *bool `yaml:"policy_enforcement"`
	RateLimiting      *bool `yaml:"rate_limiting"`
}

func flag(b *bool) bool { return b == nil || *b }

// SanitizationEnabled reports whether the sanitisation stage runs.
func (f FeatureFlags) SanitizationEnabled() bool { return flag(f.DataSanitization) }

// TimeBlockingEnabled reports whether the time gate runs.
func (f FeatureFlags) TimeBlockingEnabled() bool { return flag(f.TimeBasedBlocking) }

// CachingEnabled reports whether cache lookup and insertion run.
func (f FeatureFlags) CachingEnabled() bool { return flag(f.Caching) }

// PolicyEnabled reports whether the financial-content stage runs.
func (f FeatureFlags) PolicyEnabled() bool { return flag(f.PolicyEnforcement) }

// RateLimitingEnabled reports whether the rate-limit stage runs.
func (f FeatureFlags) RateLimitingEnabled() bool { return flag(f.RateLimiting) }

// RateLimitConfig holds token-bucket parameters.
type RateLimitConfig struct {
	MaxTokens      float64       `yaml:"max_tokens"`
	RefillRate     float64       `yaml:"refill_rate"` // tokens added per interval
	RefillInterval time.Duration `yaml:"refill_interval"`
	SweepIdleAfter time.Duration `yaml:"sweep_idle_after"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	MaxSize int           `yaml:"max_size"`
	TTL     time.Duration `yaml:"ttl"`
}

// ModerationConfig points at the LLM used for sensitive-data detection and
// financial classification. When URL or key are empty they fall back to the
// openai provider binding.
type ModerationConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Strict  bool   `yaml:"strict"` // borderline second pass
	Mode    string `yaml:"mode"`   // "reject" (default) or "redact"
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ProviderEntry is a provider binding in the config file.
type ProviderEntry struct {
	Name      string `yaml:"name"`
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	AuthStyle string `yaml:"auth_style"` // "bearer" or "header_pair"
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns the built-in configuration: both stock providers bound to
// their public APIs, every security feature on.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3000,
			PortProbes:      10,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			UpstreamTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{DSN: "lasso.db"},
		RateLimit: RateLimitConfig{
			MaxTokens:      100,
			RefillRate:     10,
			RefillInterval: time.Second,
			SweepIdleAfter: 24 * time.Hour,
		},
		Cache: CacheConfig{
			MaxSize: 10_000,
			TTL:     5 * time.Minute,
		},
		Moderation: ModerationConfig{
			Model: "gpt-4o-mini",
			Mode:  "reject",
		},
		Providers: []ProviderEntry{
			{Name: "openai", BaseURL: "https://api.openai.com", AuthStyle: "bearer"},
			{Name: "anthropic", BaseURL: "https://api.anthropic.com", AuthStyle: "header_pair"},
		},
	}
}

// Load reads and parses a YAML config file, expanding environment variables
// and applying flat env-var overrides. An empty path skips the file and
// builds the config from defaults + environment alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv layers the flat environment-variable surface over the config.
// These keys exist so the proxy can run with no config file at all.
func (c *Config) applyEnv() {
	if v, ok := envInt("PORT"); ok {
		c.Server.Port = v
	}
	if v, ok := envDuration("UPSTREAM_TIMEOUT"); ok {
		c.Server.UpstreamTimeout = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.Database.DSN = v
	}

	envFlag("ENABLE_DATA_SANITIZATION", &c.Features.DataSanitization)
	envFlag("ENABLE_TIME_BASED_BLOCKING", &c.Features.TimeBasedBlocking)
	envFlag("ENABLE_CACHING", &c.Features.Caching)
	envFlag("ENABLE_POLICY_ENFORCEMENT", &c.Features.PolicyEnforcement)
	envFlag("ENABLE_RATE_LIMITING", &c.Features.RateLimiting)

	if v, ok := envInt("CACHE_TTL"); ok {
		c.Cache.TTL = time.Duration(v) * time.Second
	}
	if v, ok := envFloat("RATE_LIMIT_MAX_TOKENS"); ok {
		c.RateLimit.MaxTokens = v
	}
	if v, ok := envFloat("RATE_LIMIT_REFILL_RATE"); ok {
		c.RateLimit.RefillRate = v
	}
	if v, ok := envInt("RATE_LIMIT_REFILL_INTERVAL"); ok {
		c.RateLimit.RefillInterval = time.Duration(v) * time.Millisecond
	}

	if v := os.Getenv("MODERATION_API_URL"); v != "" {
		c.Moderation.BaseURL = v
	}
	if v := os.Getenv("MODERATION_API_KEY"); v != "" {
		c.Moderation.APIKey = v
	}
	if v := os.Getenv("MODERATION_MODEL"); v != "" {
		c.Moderation.Model = v
	}
	if v, ok := envBool("FINANCIAL_DETECTION_STRICT"); ok {
		c.Moderation.Strict = v
	}
	if v := os.Getenv("SANITIZATION_MODE"); v != "" {
		c.Moderation.Mode = v
	}

	// Per-provider overrides: <PROVIDER>_API_URL / <PROVIDER>_API_KEY.
	for i := range c.Providers {
		prefix := envKey(c.Providers[i].Name)
		if v := os.Getenv(prefix + "_API_URL"); v != "" {
			c.Providers[i].BaseURL = v
		}
		if v := os.Getenv(prefix + "_API_KEY"); v != "" {
			c.Providers[i].APIKey = v
		}
	}
}

// Bindings resolves the provider entries into immutable domain bindings.
// Entries with an unrecognised auth style are rejected.
func (c *Config) Bindings() ([]proxy.ProviderBinding, error) {
	out := make([]proxy.ProviderBinding, 0, len(c.Providers))
	for _, p := range c.Providers {
		b := proxy.ProviderBinding{Name: p.Name, BaseURL: p.BaseURL, APIKey: p.APIKey}
		switch p.AuthStyle {
		case "", "bearer":
			b.AuthStyle = proxy.AuthBearer
		case "header_pair":
			b.AuthStyle = proxy.AuthHeaderPair
		default:
			return nil, fmt.Errorf("provider %q: unknown auth style %q", p.Name, p.AuthStyle)
		}
		out = append(out, b)
	}
	return out, nil
}

// ModerationBinding resolves the moderation backend, falling back to the
// first bearer-auth provider (in practice, openai) when unset.
func (c *Config) ModerationBinding() ModerationConfig {
	m := c.Moderation
	if m.BaseURL == "" {
		for _, p := range c.Providers {
			if p.AuthStyle == "" || p.AuthStyle == "bearer" {
				m.BaseURL = p.BaseURL + "/v1"
				if m.APIKey == "" {
					m.APIKey = p.APIKey
				}
				break
			}
		}
	}
	return m
}

func envKey(name string) string {
	up := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		ch := name[i]
		if ch >= 'a' && ch <= 'z' {
			ch -= 'a' - 'A'
		}
		if (ch < 'A' || ch > 'Z') && (ch < '0' || ch > '9') {
			ch = '_'
		}
		up[i] = ch
	}
	return string(up)
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, true
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// envFlag parses a boolean env var into a feature-flag pointer, leaving the
// flag untouched (default true) when the variable is absent or malformed.
func envFlag(key string, dst **bool) {
	if v, ok := envBool(key); ok {
		*dst = &v
	}
}
