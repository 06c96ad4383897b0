package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/traffic-router/internal/history"
	"github.com/tributary-ai/traffic-router/internal/middleware"
	"github.com/tributary-ai/traffic-router/internal/narrator"
	"github.com/tributary-ai/traffic-router/internal/providers"
	"github.com/tributary-ai/traffic-router/internal/providers/anthropic"
	"github.com/tributary-ai/traffic-router/internal/providers/openai"
	"github.com/tributary-ai/traffic-router/internal/providers/tomtom"
	"github.com/tributary-ai/traffic-router/internal/resilience"
	"github.com/tributary-ai/traffic-router/internal/security"
	"github.com/tributary-ai/traffic-router/internal/server"
	"github.com/tributary-ai/traffic-router/internal/traffic"
)

// DefaultEnvFile is read before the environment overrides are applied
const DefaultEnvFile = ".env"

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig            `yaml:"server"`
	TomTom     *tomtom.Config          `yaml:"tomtom"`
	Narrator   NarratorConfig          `yaml:"narrator"`
	Traffic    TrafficConfig           `yaml:"traffic"`
	Resilience ResilienceConfig        `yaml:"resilience"`
	Redis      *resilience.RedisConfig `yaml:"redis"`
	History    history.Config          `yaml:"history"`
	Security   SecurityConfig          `yaml:"security"`
	Logging    LoggingConfig           `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port              string        `yaml:"port"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	ValidateRequests  bool          `yaml:"validate_requests"`
	HealthCheckPeriod time.Duration `yaml:"health_check_period"`
}

// NarratorConfig selects the narration backend and carries the LLM credentials
type NarratorConfig struct {
	Backend   string                     `yaml:"backend"`
	OpenAI    *openai.OpenAIConfig       `yaml:"openai"`
	Anthropic *anthropic.AnthropicConfig `yaml:"anthropic"`
}

// TrafficConfig tunes the segment sampler
type TrafficConfig struct {
	Margin         float64 `yaml:"margin"`
	MaxConcurrency int     `yaml:"max_concurrency"`
}

// ResilienceConfig holds executor policies. Retry and breaker maps are keyed by
// component, rate limits by provider name.
type ResilienceConfig struct {
	DefaultRetry   resilience.RetryPolicy                `yaml:"default_retry"`
	DefaultBreaker resilience.BreakerSettings            `yaml:"default_breaker"`
	Retry          map[string]resilience.RetryPolicy     `yaml:"retry"`
	Breakers       map[string]resilience.BreakerSettings `yaml:"breakers"`
	RateLimits     map[string]ProviderRateLimit          `yaml:"rate_limits"`
}

// ProviderRateLimit is the outbound call ceiling for one provider
type ProviderRateLimit struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	Auth       security.Config           `yaml:"auth"`
	RateLimit  security.RateLimitConfig  `yaml:"rate_limit"`
	Validation security.ValidationConfig `yaml:"validation"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// LoadConfig loads configuration from .env, the YAML file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	return LoadConfigWithEnvFile(configPath, DefaultEnvFile)
}

// LoadConfigWithEnvFile is LoadConfig with an explicit dotenv path. A missing env file is ignored.
func LoadConfigWithEnvFile(configPath, envFile string) (*Config, error) {
	config := &Config{}

	config.setDefaults()

	if err := loadDotEnv(envFile); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	config.loadFromEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:              "8080",
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
		AllowedOrigins:    []string{"*"},
		ValidateRequests:  true,
		HealthCheckPeriod: 30 * time.Second,
	}

	c.TomTom = &tomtom.Config{
		BaseURL:  tomtom.DefaultBaseURL,
		Timeout:  15 * time.Second,
		FlowZoom: 10,
	}

	c.Narrator = NarratorConfig{
		Backend: narrator.BackendTemplate,
		OpenAI: &openai.OpenAIConfig{
			Model:     "gpt-4o-mini",
			MaxTokens: 300,
			Timeout:   30 * time.Second,
		},
		Anthropic: &anthropic.AnthropicConfig{
			Model:     "claude-3-5-haiku-latest",
			MaxTokens: 300,
			Timeout:   30 * time.Second,
		},
	}

	c.Traffic = TrafficConfig{
		Margin:         traffic.DefaultMargin,
		MaxConcurrency: 0,
	}

	c.Resilience = ResilienceConfig{
		DefaultRetry:   resilience.DefaultRetryPolicy(),
		DefaultBreaker: resilience.DefaultBreakerSettings(),
		Retry: map[string]resilience.RetryPolicy{
			providers.ComponentRouting: {
				MaxRetries:     3,
				AttemptTimeout: 10 * time.Second,
				BaseDelay:      time.Second,
				MaxDelay:       30 * time.Second,
				MaxJitter:      500 * time.Millisecond,
			},
			providers.ComponentTrafficFlow: {
				MaxRetries:     2,
				AttemptTimeout: 5 * time.Second,
				BaseDelay:      500 * time.Millisecond,
				MaxDelay:       5 * time.Second,
				MaxJitter:      250 * time.Millisecond,
			},
			providers.ComponentNarrator: {
				MaxRetries:     1,
				AttemptTimeout: 20 * time.Second,
				BaseDelay:      time.Second,
				MaxDelay:       5 * time.Second,
				MaxJitter:      500 * time.Millisecond,
			},
		},
		Breakers: map[string]resilience.BreakerSettings{
			providers.ComponentRouting: {Threshold: 10, Cooldown: 120 * time.Second},
		},
		RateLimits: map[string]ProviderRateLimit{
			providers.TomTom:    {Limit: 10, Window: time.Second},
			providers.OpenAI:    {Limit: 5, Window: time.Second},
			providers.Anthropic: {Limit: 5, Window: time.Second},

			// Flow sampling fans out one call per segment
			resilience.LimiterKey(providers.TomTom, providers.ComponentTrafficFlow): {Limit: 50, Window: time.Second},
		},
	}

	c.History = history.Config{
		Enabled:         true,
		BufferSize:      1000,
		FlushInterval:   5 * time.Second,
		WriteTimeout:    5 * time.Second,
		SensitiveFields: []string{"api_key", "token", "authorization"},
		Postgres:        history.PostgresConfig{Table: "request_history"},
		AMQP:            history.AMQPConfig{Exchange: "traffic_router.history"},
	}

	c.Security = SecurityConfig{
		Auth: security.Config{
			APIKeys:        []string{},
			JWTExpiry:      24 * time.Hour,
			AllowedOrigins: []string{"*"},
		},
		RateLimit: security.RateLimitConfig{
			Enabled:           false,
			RequestsPerWindow: 60,
			Window:            time.Minute,
			KeyBy:             security.KeyByClient,
		},
		Validation: security.ValidationConfig{
			MaxRequestSize: 8 << 20, // 8MB
			ContentTypes:   []string{"application/json"},
			MaxJSONDepth:   16,
		},
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}
}

// loadDotEnv exports variables from path without overriding ones already set
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() {
	if port := os.Getenv("TRAFFIC_ROUTER_PORT"); port != "" {
		c.Server.Port = port
	}

	if c.TomTom == nil {
		c.TomTom = &tomtom.Config{}
	}
	if key := os.Getenv("TOMTOM_API_KEY"); key != "" {
		c.TomTom.APIKey = key
	}
	if baseURL := os.Getenv("TOMTOM_BASE_URL"); baseURL != "" {
		c.TomTom.BaseURL = baseURL
	}

	if backend := os.Getenv("TRAFFIC_ROUTER_NARRATOR"); backend != "" {
		c.Narrator.Backend = strings.ToLower(backend)
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if c.Narrator.OpenAI == nil {
			c.Narrator.OpenAI = &openai.OpenAIConfig{}
		}
		c.Narrator.OpenAI.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		if c.Narrator.Anthropic == nil {
			c.Narrator.Anthropic = &anthropic.AnthropicConfig{}
		}
		c.Narrator.Anthropic.APIKey = key
	}

	if addr := os.Getenv("TRAFFIC_ROUTER_REDIS_ADDR"); addr != "" {
		if c.Redis == nil {
			c.Redis = &resilience.RedisConfig{}
		}
		c.Redis.Addr = addr
	}

	if dsn := os.Getenv("TRAFFIC_ROUTER_HISTORY_DSN"); dsn != "" {
		c.History.Postgres.DSN = dsn
	}
	if url := os.Getenv("TRAFFIC_ROUTER_HISTORY_AMQP_URL"); url != "" {
		c.History.AMQP.URL = url
	}

	if keys := os.Getenv("TRAFFIC_ROUTER_API_KEYS"); keys != "" {
		c.Security.Auth.APIKeys = splitList(keys)
		c.Security.Auth.RequireAuth = true
	}
	if secret := os.Getenv("TRAFFIC_ROUTER_JWT_SECRET"); secret != "" {
		c.Security.Auth.JWTSecret = secret
	}

	if level := os.Getenv("TRAFFIC_ROUTER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("TRAFFIC_ROUTER_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.TomTom == nil || c.TomTom.APIKey == "" {
		return fmt.Errorf("TomTom API key is required")
	}

	switch c.Narrator.Backend {
	case narrator.BackendTemplate:
	case narrator.BackendOpenAI:
		if c.Narrator.OpenAI == nil || c.Narrator.OpenAI.APIKey == "" {
			return fmt.Errorf("OpenAI API key is required when the openai narrator is selected")
		}
	case narrator.BackendAnthropic:
		if c.Narrator.Anthropic == nil || c.Narrator.Anthropic.APIKey == "" {
			return fmt.Errorf("Anthropic API key is required when the anthropic narrator is selected")
		}
	default:
		return fmt.Errorf("invalid narrator backend: %s", c.Narrator.Backend)
	}

	if c.Traffic.Margin < 0 {
		return fmt.Errorf("traffic margin cannot be negative")
	}
	if c.Traffic.MaxConcurrency < 0 {
		return fmt.Errorf("traffic max_concurrency cannot be negative")
	}

	if err := validateRetry("default", c.Resilience.DefaultRetry); err != nil {
		return err
	}
	for component, policy := range c.Resilience.Retry {
		if err := validateRetry(component, policy); err != nil {
			return err
		}
	}
	if err := validateBreaker("default", c.Resilience.DefaultBreaker); err != nil {
		return err
	}
	for component, settings := range c.Resilience.Breakers {
		if err := validateBreaker(component, settings); err != nil {
			return err
		}
	}
	for provider, limit := range c.Resilience.RateLimits {
		if limit.Limit > 0 && limit.Window <= 0 {
			return fmt.Errorf("rate limit for %s needs a positive window", provider)
		}
	}

	if _, err := security.KeyExtractorFor(&c.Security.RateLimit); err != nil {
		return err
	}

	if c.Security.Auth.RequireAuth && len(c.Security.Auth.APIKeys) == 0 &&
		len(c.Security.Auth.AdminKeys) == 0 && c.Security.Auth.JWTSecret == "" {
		return fmt.Errorf("authentication is required but no API keys or JWT secret are configured")
	}

	return nil
}

func validateRetry(component string, policy resilience.RetryPolicy) error {
	if policy.MaxRetries < 0 {
		return fmt.Errorf("retry policy %s: max_retries cannot be negative", component)
	}
	if policy.AttemptTimeout <= 0 {
		return fmt.Errorf("retry policy %s: attempt_timeout must be positive", component)
	}
	if policy.MaxDelay > 0 && policy.MaxDelay < policy.BaseDelay {
		return fmt.Errorf("retry policy %s: max_delay is below base_delay", component)
	}
	return nil
}

func validateBreaker(component string, settings resilience.BreakerSettings) error {
	if settings.Threshold <= 0 {
		return fmt.Errorf("breaker %s: threshold must be positive", component)
	}
	if settings.Cooldown <= 0 {
		return fmt.Errorf("breaker %s: cooldown must be positive", component)
	}
	return nil
}

// ToServerConfig converts to server.ServerConfig
func (c *Config) ToServerConfig() *server.ServerConfig {
	return &server.ServerConfig{
		Port:           c.Server.Port,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		MaxHeaderBytes: c.Server.MaxHeaderBytes,
		AllowedOrigins: c.Server.AllowedOrigins,
		Validation:     &middleware.ValidationConfig{Enabled: c.Server.ValidateRequests},
		Security:       c.ToSecurityMiddlewareConfig(),
	}
}

// ToSecurityMiddlewareConfig converts to middleware.SecurityMiddlewareConfig
func (c *Config) ToSecurityMiddlewareConfig() *middleware.SecurityMiddlewareConfig {
	auth := c.Security.Auth
	if len(auth.AllowedOrigins) == 0 {
		auth.AllowedOrigins = c.Server.AllowedOrigins
	}
	rateLimit := c.Security.RateLimit
	validation := c.Security.Validation

	return &middleware.SecurityMiddlewareConfig{
		Auth:       &auth,
		RateLimit:  &rateLimit,
		Validation: &validation,
	}
}

// RetryPolicy returns the policy for component, falling back to the default
func (c *Config) RetryPolicy(component string) resilience.RetryPolicy {
	if policy, ok := c.Resilience.Retry[component]; ok {
		return policy
	}
	return c.Resilience.DefaultRetry
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetEnabledProviders returns the upstream providers the configuration calls
func (c *Config) GetEnabledProviders() []string {
	var enabled []string

	if c.TomTom != nil && c.TomTom.APIKey != "" {
		enabled = append(enabled, providers.TomTom)
	}
	if c.Narrator.Backend != narrator.BackendTemplate {
		enabled = append(enabled, c.Narrator.Backend)
	}

	return enabled
}
