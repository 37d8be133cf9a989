package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	Environment     string        `mapstructure:"environment"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// TrustedProxies are the CIDRs whose X-Forwarded-For header is believed.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// ProviderConfig is one upstream LLM API. The credential is read from the
// environment variable named by APIKeyEnv so it never sits in the file.
type ProviderConfig struct {
	Name       string        `mapstructure:"name"`
	URL        string        `mapstructure:"url"`
	APIKeyEnv  string        `mapstructure:"api_key_env"`
	AuthHeader string        `mapstructure:"auth_header"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// AgentConfig routes an agent to a provider.
type AgentConfig struct {
	ID       string `mapstructure:"id"`
	Provider string `mapstructure:"provider"`
}

type CircuitBreakerConfig struct {
	Policy             string        `mapstructure:"policy"`
	FailureThreshold   int           `mapstructure:"failure_threshold"`
	FailureRatio       float64       `mapstructure:"failure_ratio"`
	WindowSize         int           `mapstructure:"window_size"`
	MinCalls           int           `mapstructure:"min_calls"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
	MaxCooldown        time.Duration `mapstructure:"max_cooldown"`
	CooldownMultiplier float64       `mapstructure:"cooldown_multiplier"`
	HalfOpenProbes     int           `mapstructure:"half_open_probes"`
	Accounting         string        `mapstructure:"accounting"`
}

type RuleConfig struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

type RateLimitConfig struct {
	FailureMode     string                `mapstructure:"failure_mode"`
	IdleTTL         time.Duration         `mapstructure:"idle_ttl"`
	CleanupInterval time.Duration         `mapstructure:"cleanup_interval"`
	Rules           map[string]RuleConfig `mapstructure:"rules"`
}

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	JitterFactor   float64       `mapstructure:"jitter_factor"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

type DedupConfig struct {
	CancelAbandoned bool `mapstructure:"cancel_abandoned"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type MetricsConfig struct {
	BufferSize int  `mapstructure:"buffer_size"`
	Prometheus bool `mapstructure:"prometheus"`
}

type AdminConfig struct {
	Token string `mapstructure:"token"`
}

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Providers      []ProviderConfig     `mapstructure:"providers"`
	Agents         []AgentConfig        `mapstructure:"agents"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"`
	Retry          RetryConfig          `mapstructure:"retry"`
	Dedup          DedupConfig          `mapstructure:"dedup"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	Admin          AdminConfig          `mapstructure:"admin"`

	// File is the config file that was read, empty when running on defaults.
	File string `mapstructure:"-"`
}

// Load reads the config file at path, or config.yaml in ./config or the
// working directory when path is empty. Environment variables override file
// values with dots replaced by underscores (RETRY_MAX_ATTEMPTS).
func Load(path string) (*Config, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Warn("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	return decode(v)
}

// Watch re-reads the config file whenever it changes and hands every valid
// result to onChange until ctx is done. Invalid edits are logged and skipped.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			logger.Warn("Ignoring invalid config change",
				slog.String("file", e.Name),
				slog.Any("error", err))
			return
		}
		logger.Info("Config changed", slog.String("file", e.Name), slog.String("op", e.Op.String()))
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.write_timeout", "2m")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("logging.level", LogLevelInfo)

	v.SetDefault("circuit_breaker.policy", "consecutive")
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.failure_ratio", 0.5)
	v.SetDefault("circuit_breaker.window_size", 20)
	v.SetDefault("circuit_breaker.min_calls", 10)
	v.SetDefault("circuit_breaker.cooldown", "30s")
	v.SetDefault("circuit_breaker.max_cooldown", "5m")
	v.SetDefault("circuit_breaker.cooldown_multiplier", 2.0)
	v.SetDefault("circuit_breaker.half_open_probes", 1)
	v.SetDefault("circuit_breaker.accounting", "per_call")

	v.SetDefault("rate_limit.failure_mode", "open")
	v.SetDefault("rate_limit.idle_ttl", "15m")
	v.SetDefault("rate_limit.cleanup_interval", "2m")

	v.SetDefault("retry.max_attempts", 2)
	v.SetDefault("retry.base_delay", "250ms")
	v.SetDefault("retry.max_delay", "5s")
	v.SetDefault("retry.jitter_factor", 0.2)
	v.SetDefault("retry.attempt_timeout", "30s")

	v.SetDefault("dedup.cancel_abandoned", false)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "llmgw:ratelimit")

	v.SetDefault("metrics.buffer_size", 1000)
	v.SetDefault("metrics.prometheus", true)

	v.SetDefault("admin.token", "")
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	cfg.File = v.ConfigFileUsed()
	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server),
		validation.Field(&c.Logging),
		validation.Field(&c.Providers,
			validation.Required,
			validation.Length(1, 0),
		),
		validation.Field(&c.Agents,
			validation.Required,
			validation.Length(1, 0),
			validation.By(c.validateAgentProviders),
		),
		validation.Field(&c.CircuitBreaker),
		validation.Field(&c.RateLimit),
		validation.Field(&c.Retry),
		validation.Field(&c.Redis),
		validation.Field(&c.Metrics),
	)
}

func (sc ServerConfig) Validate() error {
	return validation.ValidateStruct(&sc,
		validation.Field(&sc.Environment,
			validation.Required,
			validation.In(EnvDev, EnvStaging, EnvProd),
		),
		validation.Field(&sc.Address,
			validation.Required,
			validation.By(validateHostPort),
		),
		validation.Field(&sc.MaxBodyBytes, validation.Min(int64(1))),
		validation.Field(&sc.WriteTimeout, validation.Min(time.Duration(0))),
		validation.Field(&sc.ShutdownTimeout, validation.Min(time.Duration(0))),
		validation.Field(&sc.TrustedProxies, validation.Each(validation.Required, is.CIDR)),
	)
}

func (lc LoggingConfig) Validate() error {
	return validation.ValidateStruct(&lc,
		validation.Field(&lc.Level,
			validation.Required,
			validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
		),
	)
}

func (pc ProviderConfig) Validate() error {
	return validation.ValidateStruct(&pc,
		validation.Field(&pc.Name, validation.Required),
		validation.Field(&pc.URL, validation.Required, validation.By(validateServerURL)),
		validation.Field(&pc.Timeout, validation.Min(time.Duration(0))),
	)
}

func (ac AgentConfig) Validate() error {
	return validation.ValidateStruct(&ac,
		validation.Field(&ac.ID, validation.Required),
		validation.Field(&ac.Provider, validation.Required),
	)
}

func (c *Config) validateAgentProviders(value interface{}) error {
	known := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		known[p.Name] = true
	}

	for _, agent := range c.Agents {
		if agent.Provider != "" && !known[agent.Provider] {
			return validation.NewError("validation_unknown_provider",
				fmt.Sprintf("agent %q uses unknown provider %q", agent.ID, agent.Provider))
		}
	}
	return nil
}

func (cc CircuitBreakerConfig) Validate() error {
	return validation.ValidateStruct(&cc,
		validation.Field(&cc.Policy, validation.Required, validation.In("consecutive", "ratio")),
		validation.Field(&cc.FailureThreshold, validation.Required, validation.Min(1)),
		validation.Field(&cc.FailureRatio, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&cc.WindowSize, validation.Min(1)),
		validation.Field(&cc.MinCalls, validation.Min(1)),
		validation.Field(&cc.Cooldown, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&cc.MaxCooldown, validation.Min(cc.Cooldown)),
		validation.Field(&cc.CooldownMultiplier, validation.Min(1.0)),
		validation.Field(&cc.HalfOpenProbes, validation.Required, validation.Min(1)),
		validation.Field(&cc.Accounting, validation.Required, validation.In("per_call", "per_attempt")),
	)
}

func (rc RateLimitConfig) Validate() error {
	return validation.ValidateStruct(&rc,
		validation.Field(&rc.FailureMode, validation.Required, validation.In("open", "closed")),
		validation.Field(&rc.IdleTTL,
			validation.Min(time.Duration(0)),
			validation.When(rc.IdleTTL > 0, validation.Min(rc.longestWindow())),
		),
		validation.Field(&rc.CleanupInterval, validation.Min(time.Duration(0))),
		validation.Field(&rc.Rules),
	)
}

func (rc RateLimitConfig) longestWindow() time.Duration {
	var longest time.Duration
	for _, rule := range rc.Rules {
		longest = max(longest, rule.Window)
	}
	return longest
}

func (rc RuleConfig) Validate() error {
	return validation.ValidateStruct(&rc,
		validation.Field(&rc.MaxRequests, validation.Min(0)),
		validation.Field(&rc.Window, validation.Min(time.Duration(0))),
	)
}

func (rc RetryConfig) Validate() error {
	return validation.ValidateStruct(&rc,
		validation.Field(&rc.MaxAttempts, validation.Min(0), validation.Max(10)),
		validation.Field(&rc.BaseDelay, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&rc.MaxDelay, validation.Min(rc.BaseDelay)),
		validation.Field(&rc.JitterFactor, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&rc.AttemptTimeout, validation.Min(time.Duration(0))),
	)
}

func (rc RedisConfig) Validate() error {
	return validation.ValidateStruct(&rc,
		validation.Field(&rc.Address,
			validation.When(rc.Enabled, validation.Required, validation.By(validateHostPort)),
		),
		validation.Field(&rc.DB, validation.Min(0)),
	)
}

func (mc MetricsConfig) Validate() error {
	return validation.ValidateStruct(&mc,
		validation.Field(&mc.BufferSize, validation.Required, validation.Min(1)),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateServerURL(value interface{}) error {
	serverURL, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	return nil
}
