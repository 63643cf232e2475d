package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// State store backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type Config struct {
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	ClientID    string `mapstructure:"CLIENT_ID"`
	RedirectURI string `mapstructure:"REDIRECT_URI"`
	Locale      string `mapstructure:"LOCALE"`

	StateStore  string        `mapstructure:"STATE_STORE"`
	StateTTL    time.Duration `mapstructure:"STATE_TTL"`
	RedisURL    string        `mapstructure:"REDIS_URL"`
	RedisPrefix string        `mapstructure:"REDIS_KEY_PREFIX"`
	DatabaseURL string        `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32         `mapstructure:"DB_MIN_CONNS"`

	HTTPTimeout         time.Duration `mapstructure:"HTTP_TIMEOUT"`
	PageSize            int           `mapstructure:"PAGE_SIZE"`
	MaxResourcesPerType int           `mapstructure:"MAX_RESOURCES_PER_TYPE"`
	FetchRetries        int           `mapstructure:"FETCH_RETRIES"`
	FetchRetryDelay     time.Duration `mapstructure:"FETCH_RETRY_DELAY"`
	RefreshLeeway       time.Duration `mapstructure:"REFRESH_LEEWAY"`

	CallbackAddr string `mapstructure:"CALLBACK_ADDR"`
	MetricsAddr  string `mapstructure:"METRICS_ADDR"`

	SandboxAddr           string  `mapstructure:"SANDBOX_ADDR"`
	SandboxIssuer         string  `mapstructure:"SANDBOX_ISSUER"`
	SandboxSeed           int64   `mapstructure:"SANDBOX_SEED"`
	SandboxPatients       int     `mapstructure:"SANDBOX_PATIENTS"`
	SandboxSigningKey     string  `mapstructure:"SANDBOX_SIGNING_KEY"`
	SandboxRateLimitRPS   float64 `mapstructure:"SANDBOX_RATE_LIMIT_RPS"`
	SandboxRateLimitBurst int     `mapstructure:"SANDBOX_RATE_LIMIT_BURST"`
}

var defaults = map[string]any{
	"ENV":                      "production",
	"LOG_LEVEL":                "info",
	"CLIENT_ID":                "fhir-import",
	"REDIRECT_URI":             "http://localhost:8765/callback",
	"LOCALE":                   "en",
	"STATE_STORE":              StoreMemory,
	"STATE_TTL":                "10m",
	"REDIS_KEY_PREFIX":         "fhir-import:pkce:",
	"DB_MAX_CONNS":             4,
	"DB_MIN_CONNS":             0,
	"HTTP_TIMEOUT":             "30s",
	"PAGE_SIZE":                50,
	"MAX_RESOURCES_PER_TYPE":   1000,
	"FETCH_RETRIES":            2,
	"FETCH_RETRY_DELAY":        "500ms",
	"REFRESH_LEEWAY":           "60s",
	"CALLBACK_ADDR":            "localhost:8765",
	"SANDBOX_ADDR":             ":8095",
	"SANDBOX_ISSUER":           "http://localhost:8095",
	"SANDBOX_SEED":             1,
	"SANDBOX_PATIENTS":         3,
	"SANDBOX_RATE_LIMIT_RPS":   0,
	"SANDBOX_RATE_LIMIT_BURST": 20,
}

// unset keys have no default but must still be bound for Unmarshal.
var unset = []string{"REDIS_URL", "DATABASE_URL", "METRICS_ADDR", "SANDBOX_SIGNING_KEY"}

// Load reads ./.env, if present, overlaid by the environment.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit dotenv path. A missing file is not an
// error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	for k, d := range defaults {
		v.SetDefault(k, d)
		v.BindEnv(k)
	}
	for _, k := range unset {
		v.BindEnv(k)
	}

	// Try reading the .env file, but don't fail if missing.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StateStore = strings.ToLower(strings.TrimSpace(cfg.StateStore))
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Level parses LOG_LEVEL, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// SigningKey decodes SANDBOX_SIGNING_KEY. Empty returns nil so the sandbox
// generates a key per run.
func (c *Config) SigningKey() ([]byte, error) {
	if c.SandboxSigningKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.SandboxSigningKey)
	if err != nil {
		return nil, fmt.Errorf("SANDBOX_SIGNING_KEY is not valid hex: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("SANDBOX_SIGNING_KEY must be at least 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	return key, nil
}

// Validate checks everything an import needs.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.ClientID) == "" {
		problems = append(problems, "CLIENT_ID is required")
	}
	if u, err := url.Parse(c.RedirectURI); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, "REDIRECT_URI must be an absolute URL")
	}

	switch c.StateStore {
	case StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			problems = append(problems, "REDIS_URL is required when STATE_STORE is \"redis\"")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required when STATE_STORE is \"postgres\"")
		}
	default:
		problems = append(problems, fmt.Sprintf("STATE_STORE must be \"memory\", \"redis\", or \"postgres\", got %q", c.StateStore))
	}

	if c.StateTTL <= 0 {
		problems = append(problems, "STATE_TTL must be positive")
	}
	if c.PageSize <= 0 {
		problems = append(problems, "PAGE_SIZE must be positive")
	}
	if c.MaxResourcesPerType <= 0 {
		problems = append(problems, "MAX_RESOURCES_PER_TYPE must be positive")
	}
	if c.FetchRetries < 0 {
		problems = append(problems, "FETCH_RETRIES must not be negative")
	}
	if c.DBMinConns > c.DBMaxConns {
		problems = append(problems, "DB_MIN_CONNS must not exceed DB_MAX_CONNS")
	}
	if _, err := c.SigningKey(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
