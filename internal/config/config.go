// Package config loads gateway settings from built-in defaults, an optional
// YAML file and CHATGW_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "CHATGW_"

type Config struct {
	Addr     string `koanf:"addr"`
	LogLevel string `koanf:"log_level"`
	RedisURL string `koanf:"redis_url"`

	UpstreamBaseURL         string        `koanf:"upstream_base_url"`
	UpstreamAPIKey          string        `koanf:"upstream_api_key"`
	UpstreamAPIKeySecretID  string        `koanf:"upstream_api_key_secret_id"`
	UpstreamReferer         string        `koanf:"upstream_referer"`
	UpstreamTitle           string        `koanf:"upstream_title"`
	UpstreamTimeout         time.Duration `koanf:"upstream_timeout"`
	StreamDeadline          time.Duration `koanf:"stream_deadline"`
	AWSRegion               string        `koanf:"aws_region"`
	DefaultModel            string        `koanf:"default_model"`
	SeedModels              []string      `koanf:"seed_models"`
	AllowedModels           []string      `koanf:"allowed_models"`
	ExtraFreeModels         []string      `koanf:"extra_free_models"`
	CatalogRefreshInterval  time.Duration `koanf:"catalog_refresh_interval"`
	AllowedOrigins          []string      `koanf:"allowed_origins"`
	RateLimitPerMinute      int           `koanf:"rate_limit_per_minute"`
	RateLimitWindow         time.Duration `koanf:"rate_limit_window"`
	MaxConcurrentStreams    int           `koanf:"max_concurrent_streams"`
	DailyBudget             int64         `koanf:"daily_budget"`
	BudgetUnit              string        `koanf:"budget_unit"`
	ReplayWindow            time.Duration `koanf:"replay_window"`
	RequireTimestamp        bool          `koanf:"require_timestamp"`
	RequireNonce            bool          `koanf:"require_nonce"`
	ClientKeySecret         string        `koanf:"client_key_secret"`
	TrustProxyHeaders       bool          `koanf:"trust_proxy_headers"`
	OTLPEndpoint            string        `koanf:"otlp_endpoint"`
	BudgetAlertTopicARN     string        `koanf:"budget_alert_topic_arn"`
	AuditQueueURL           string        `koanf:"audit_queue_url"`
	AuditBufferSize         int           `koanf:"audit_buffer_size"`

	// Graceful shutdown
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	DrainTimeout    time.Duration `koanf:"drain_timeout"`
}

var defaults = map[string]interface{}{
	"addr":                     ":8080",
	"log_level":                "info",
	"upstream_base_url":        "https://openrouter.ai/api/v1",
	"upstream_timeout":         60 * time.Second,
	"stream_deadline":          120 * time.Second,
	"default_model":            "meta-llama/llama-3.3-70b-instruct:free",
	"catalog_refresh_interval": 10 * time.Minute,
	"allowed_origins":          []string{"https://disaai.de", "https://www.disaai.de"},
	"rate_limit_per_minute":    60,
	"rate_limit_window":        60 * time.Second,
	"max_concurrent_streams":   3,
	"daily_budget":             int64(20000),
	"budget_unit":              "requests",
	"replay_window":            5 * time.Minute,
	"require_timestamp":        true,
	"require_nonce":            false,
	"trust_proxy_headers":      false,
	"audit_buffer_size":        1024,
	"shutdown_timeout":         30 * time.Second,
	"drain_timeout":            5 * time.Second,
}

var listKeys = map[string]bool{
	"seed_models":       true,
	"allowed_models":    true,
	"extra_free_models": true,
	"allowed_origins":   true,
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	k := koanf.New(".")

	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("setting default %s: %w", key, err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// CHATGW_RATE_LIMIT_PER_MINUTE -> rate_limit_per_minute
	if err := k.Load(env.ProviderWithValue(envPrefix, ".", func(key, value string) (string, interface{}) {
		key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
		if listKeys[key] {
			return key, splitList(value)
		}
		return key, value
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	if u, err := url.Parse(c.UpstreamBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("upstream_base_url %q is not an absolute URL", c.UpstreamBaseURL))
	}
	if c.UpstreamAPIKey == "" && c.UpstreamAPIKeySecretID == "" {
		errs = append(errs, errors.New("one of upstream_api_key or upstream_api_key_secret_id is required"))
	}
	if c.DefaultModel == "" {
		errs = append(errs, errors.New("default_model is required"))
	}
	if len(c.AllowedOrigins) == 0 {
		errs = append(errs, errors.New("allowed_origins must list at least one origin"))
	}
	for _, o := range c.AllowedOrigins {
		if u, err := url.Parse(o); err != nil || u.Scheme == "" || u.Host == "" || (u.Path != "" && u.Path != "/") {
			errs = append(errs, fmt.Errorf("allowed origin %q must be scheme://host[:port]", o))
		}
	}
	if c.RateLimitPerMinute < 1 {
		errs = append(errs, errors.New("rate_limit_per_minute must be positive"))
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("rate_limit_window must be positive"))
	}
	if c.MaxConcurrentStreams < 1 {
		errs = append(errs, errors.New("max_concurrent_streams must be positive"))
	}
	if c.DailyBudget < 0 {
		errs = append(errs, errors.New("daily_budget must not be negative"))
	}
	if c.BudgetUnit != "requests" && c.BudgetUnit != "tokens" {
		errs = append(errs, fmt.Errorf("budget_unit %q is not requests or tokens", c.BudgetUnit))
	}
	for name, d := range map[string]time.Duration{
		"upstream_timeout":         c.UpstreamTimeout,
		"stream_deadline":          c.StreamDeadline,
		"replay_window":            c.ReplayWindow,
		"catalog_refresh_interval": c.CatalogRefreshInterval,
		"shutdown_timeout":         c.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.DrainTimeout < 0 {
		errs = append(errs, errors.New("drain_timeout must not be negative"))
	}

	return errors.Join(errs...)
}

// UpstreamHeaders are the attribution headers sent with every upstream call.
func (c *Config) UpstreamHeaders() map[string]string {
	return map[string]string{
		"HTTP-Referer": c.UpstreamReferer,
		"X-Title":      c.UpstreamTitle,
	}
}
