package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration.
type Config struct {
	Environment string          `json:"environment"`
	Server      ServerConfig    `json:"server"`
	Database    DatabaseConfig  `json:"database"`
	Security    SecurityConfig  `json:"security"`
	RateLimit   RateLimitConfig `json:"rate_limit"`
	Auth        AuthConfig      `json:"auth"`
	Redis       RedisConfig     `json:"redis"`
	Kafka       KafkaConfig     `json:"kafka"`
	Tracing     TracingConfig   `json:"tracing"`
	Logging     LoggingConfig   `json:"logging"`
	Ledger      LedgerConfig    `json:"ledger"`
	Rules       RulesConfig     `json:"rules"`
	Stats       StatsConfig     `json:"stats"`
	Features    map[string]bool `json:"features"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port            string `json:"port"`
	Host            string `json:"host"`
	EnableTLS       bool   `json:"enable_tls"`
	CertFile        string `json:"cert_file"`
	KeyFile         string `json:"key_file"`
	ShutdownTimeout int    `json:"shutdown_timeout"` // in seconds
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	// Max request body size in bytes (default: 1MB)
	MaxRequestBodySize int64 `json:"max_request_body_size"`
	// Allowed CORS origins (comma-separated)
	AllowedOrigins string `json:"allowed_origins"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `json:"enabled"`
	Rate    int  `json:"rate"`
	Window  int  `json:"window"` // in seconds
	Burst   int  `json:"burst"`
}

// AuthConfig holds bearer token verification settings.
type AuthConfig struct {
	Enabled  bool   `json:"enabled"`
	Secret   string `json:"secret"`
	Issuer   string `json:"issuer"`
	Audience string `json:"audience"`
}

// RedisConfig holds the rule cache connection. An empty address selects the in-memory cache.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
	TTL      int    `json:"ttl"` // in seconds
}

// KafkaConfig holds the committed-transaction stream settings.
type KafkaConfig struct {
	Brokers      []string `json:"brokers"`
	Topic        string   `json:"topic"`
	BatchTimeout int      `json:"batch_timeout"` // in milliseconds
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint"`
	SampleRatio float64 `json:"sample_ratio"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `json:"level"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// LedgerConfig holds commit retry and token settings.
type LedgerConfig struct {
	RetryAttempts int `json:"retry_attempts"`
	RetryBackoff  int `json:"retry_backoff"` // in milliseconds
	TokenWindow   int `json:"token_window"`  // in seconds
	ClockSkew     int `json:"clock_skew"`    // in seconds
}

// RulesConfig holds the default accrual rule and the seed file.
type RulesConfig struct {
	DefaultRate     string `json:"default_rate"`
	DefaultMinimum  string `json:"default_minimum"`
	DefaultIsActive bool   `json:"default_is_active"`
	SeedFile        string `json:"seed_file"`
}

// StatsConfig holds venue statistics settings.
type StatsConfig struct {
	TopItems int `json:"top_items"` // spend items ranked per report
}

// LoadConfig loads configuration from a .env file, environment variables and/or a config file.
// Environment variables take precedence over config file values.
func LoadConfig(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := Default()

	// Load from config file if provided
	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with environment variables (they take precedence)
	overrideFromEnv(cfg)

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 15,
		},
		Database: DatabaseConfig{
			Path: "./bar_loyalty.db",
		},
		Security: SecurityConfig{
			MaxRequestBodySize: 1 << 20,
			AllowedOrigins:     "*",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Rate:    100,
			Window:  60,
			Burst:   20,
		},
		Auth: AuthConfig{
			Enabled: true,
			Issuer:  "bar-loyalty",
		},
		Redis: RedisConfig{
			Prefix: "loyalty:",
			TTL:    300,
		},
		Kafka: KafkaConfig{
			Topic:        "loyalty.transactions",
			BatchTimeout: 50,
		},
		Tracing: TracingConfig{
			Endpoint:    "http://localhost:14268/api/traces",
			SampleRatio: 1,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Ledger: LedgerConfig{
			RetryAttempts: 3,
			RetryBackoff:  20,
			TokenWindow:   300,
			ClockSkew:     60,
		},
		Rules: RulesConfig{
			DefaultRate:     "0.01",
			DefaultMinimum:  "0",
			DefaultIsActive: true,
		},
		Stats: StatsConfig{
			TopItems: 10,
		},
		Features: map[string]bool{},
	}
}

// loadFromFile loads configuration from a JSON file.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, cfg)
}

// overrideFromEnv overrides configuration with environment variables.
func overrideFromEnv(cfg *Config) {
	setString(&cfg.Environment, "APP_ENV")

	setString(&cfg.Server.Port, "SERVER_PORT")
	setString(&cfg.Server.Host, "SERVER_HOST")
	setBool(&cfg.Server.EnableTLS, "SERVER_ENABLE_TLS")
	setString(&cfg.Server.CertFile, "SERVER_CERT_FILE")
	setString(&cfg.Server.KeyFile, "SERVER_KEY_FILE")
	setInt(&cfg.Server.ShutdownTimeout, "SERVER_SHUTDOWN_TIMEOUT")

	setString(&cfg.Database.Path, "DATABASE_PATH")

	if maxBodySize := os.Getenv("MAX_REQUEST_BODY_SIZE"); maxBodySize != "" {
		if size, err := strconv.ParseInt(maxBodySize, 10, 64); err == nil {
			cfg.Security.MaxRequestBodySize = size
		}
	}
	setString(&cfg.Security.AllowedOrigins, "ALLOWED_ORIGINS")

	setBool(&cfg.RateLimit.Enabled, "RATE_LIMIT_ENABLED")
	setInt(&cfg.RateLimit.Rate, "RATE_LIMIT_RATE")
	setInt(&cfg.RateLimit.Window, "RATE_LIMIT_WINDOW")
	setInt(&cfg.RateLimit.Burst, "RATE_LIMIT_BURST")

	setBool(&cfg.Auth.Enabled, "AUTH_ENABLED")
	setString(&cfg.Auth.Secret, "AUTH_JWT_SECRET")
	setString(&cfg.Auth.Issuer, "AUTH_JWT_ISSUER")
	setString(&cfg.Auth.Audience, "AUTH_JWT_AUDIENCE")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setString(&cfg.Redis.Prefix, "REDIS_PREFIX")
	setInt(&cfg.Redis.TTL, "REDIS_TTL")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = splitList(brokers)
	}
	setString(&cfg.Kafka.Topic, "KAFKA_TOPIC")
	setInt(&cfg.Kafka.BatchTimeout, "KAFKA_BATCH_TIMEOUT")

	setBool(&cfg.Tracing.Enabled, "TRACING_ENABLED")
	setString(&cfg.Tracing.Endpoint, "TRACING_ENDPOINT")
	if ratio := os.Getenv("TRACING_SAMPLE_RATIO"); ratio != "" {
		if r, err := strconv.ParseFloat(ratio, 64); err == nil {
			cfg.Tracing.SampleRatio = r
		}
	}

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.File, "LOG_FILE")

	setInt(&cfg.Ledger.RetryAttempts, "LEDGER_RETRY_ATTEMPTS")
	setInt(&cfg.Ledger.RetryBackoff, "LEDGER_RETRY_BACKOFF")
	setInt(&cfg.Ledger.TokenWindow, "TOKEN_WINDOW")
	setInt(&cfg.Ledger.ClockSkew, "TOKEN_CLOCK_SKEW")

	setString(&cfg.Rules.DefaultRate, "RULES_DEFAULT_RATE")
	setString(&cfg.Rules.DefaultMinimum, "RULES_DEFAULT_MINIMUM")
	setBool(&cfg.Rules.DefaultIsActive, "RULES_DEFAULT_ACTIVE")
	setString(&cfg.Rules.SeedFile, "RULES_SEED_FILE")

	setInt(&cfg.Stats.TopItems, "STATS_TOP_ITEMS")

	// FEATURE_<NAME>=true|false toggles a feature flag
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "FEATURE_") || value == "" {
			continue
		}
		if cfg.Features == nil {
			cfg.Features = map[string]bool{}
		}
		cfg.Features[strings.ToLower(strings.TrimPrefix(key, "FEATURE_"))] = parseBool(value)
	}
}

func setString(dst *string, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func setBool(dst *bool, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = parseBool(value)
	}
}

func setInt(dst *int, key string) {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			*dst = i
		}
	}
}

func parseBool(value string) bool {
	return strings.ToLower(value) == "true" || value == "1"
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

// Addr returns the listen address.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

// TokenWindow returns the token lifetime.
func (c *Config) TokenWindow() time.Duration {
	return time.Duration(c.Ledger.TokenWindow) * time.Second
}

// DefaultRule parses the default accrual rule values.
func (c *Config) DefaultRule() (rate, minimum decimal.Decimal, err error) {
	rate, err = decimal.NewFromString(c.Rules.DefaultRate)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("invalid default rate %q: %w", c.Rules.DefaultRate, err)
	}
	minimum, err = decimal.NewFromString(c.Rules.DefaultMinimum)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("invalid default minimum %q: %w", c.Rules.DefaultMinimum, err)
	}
	return rate, minimum, nil
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Server.EnableTLS && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		return fmt.Errorf("tls requires cert_file and key_file")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate limit rate must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}
	if c.Auth.Enabled && len(c.Auth.Secret) < 32 {
		return fmt.Errorf("auth secret must be at least 32 bytes")
	}
	if c.Ledger.RetryAttempts <= 0 {
		return fmt.Errorf("ledger retry attempts must be positive")
	}
	if c.Ledger.TokenWindow <= 0 {
		return fmt.Errorf("token window must be positive")
	}
	if c.Stats.TopItems <= 0 {
		return fmt.Errorf("stats top items must be positive")
	}

	rate, minimum, err := c.DefaultRule()
	if err != nil {
		return err
	}
	if !rate.IsPositive() {
		return fmt.Errorf("default rate must be positive")
	}
	if minimum.IsNegative() {
		return fmt.Errorf("default minimum must not be negative")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample ratio must be between 0 and 1")
	}
	return nil
}
