package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config stores all configuration for the application.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`
	LogFormat  string `mapstructure:"LOG_FORMAT"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	PostgresURL string `mapstructure:"POSTGRES_URL"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	LeaseBackend         string        `mapstructure:"LEASE_BACKEND"`
	LeaseTTL             time.Duration `mapstructure:"LEASE_TTL"`
	ProgressStream       string        `mapstructure:"PROGRESS_STREAM"`
	ProgressStreamMaxLen int64         `mapstructure:"PROGRESS_STREAM_MAXLEN"`

	PageSize            int           `mapstructure:"PAGE_SIZE"`
	MaxPages            int           `mapstructure:"MAX_PAGES"`
	FetchMaxRetries     int           `mapstructure:"FETCH_MAX_RETRIES"`
	FetchInitialBackoff time.Duration `mapstructure:"FETCH_INITIAL_BACKOFF"`
	MinPageDelay        time.Duration `mapstructure:"MIN_PAGE_DELAY"`
	MaxPageDelay        time.Duration `mapstructure:"MAX_PAGE_DELAY"`
	PauseTimeout        time.Duration `mapstructure:"PAUSE_TIMEOUT"`
	MaxCredentialAge    time.Duration `mapstructure:"MAX_CREDENTIAL_AGE"`

	CredentialsFile   string        `mapstructure:"CREDENTIALS_FILE"`
	PageLoadTimeout   time.Duration `mapstructure:"PAGE_LOAD_TIMEOUT"`
	FetchRateInterval time.Duration `mapstructure:"FETCH_RATE_INTERVAL"`
	Proxies           []string      `mapstructure:"PROXIES"`
	Timezone          string        `mapstructure:"TIMEZONE"`
	Headless          bool          `mapstructure:"HEADLESS"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `mapstructure:"SERVICE_NAME"`
}

var defaults = map[string]any{
	"SERVER_PORT": "8080",
	"LOG_LEVEL":   "info",
	"LOG_FORMAT":  "json",

	"STORE_DRIVER": "sqlite",
	"POSTGRES_URL": "",
	"SQLITE_PATH":  "harvester.db",

	"REDIS_ADDR":     "",
	"REDIS_PASSWORD": "",
	"REDIS_DB":       0,

	"LEASE_BACKEND":          "memory",
	"LEASE_TTL":              "2m",
	"PROGRESS_STREAM":        "harvester:progress",
	"PROGRESS_STREAM_MAXLEN": 10000,

	"PAGE_SIZE":             20,
	"MAX_PAGES":             50,
	"FETCH_MAX_RETRIES":     3,
	"FETCH_INITIAL_BACKOFF": "5s",
	"MIN_PAGE_DELAY":        "3s",
	"MAX_PAGE_DELAY":        "8s",
	"PAUSE_TIMEOUT":         "30s",
	"MAX_CREDENTIAL_AGE":    "72h",

	"CREDENTIALS_FILE":    "cookies.yaml",
	"PAGE_LOAD_TIMEOUT":   "60s",
	"FETCH_RATE_INTERVAL": "2s",
	"PROXIES":             []string{},
	"TIMEZONE":            "Asia/Shanghai",
	"HEADLESS":            true,

	"OTEL_EXPORTER_OTLP_ENDPOINT": "",
	"SERVICE_NAME":                "weibo-harvester",
}

// Load reads configuration from envFile (if present) and the environment.
// Environment variables win over the file.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		// The file is optional; production is configured through the environment.
		_ = v.ReadInConfig()
	}
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite store"))
		}
	case "postgres":
		if c.PostgresURL == "" {
			errs = append(errs, errors.New("POSTGRES_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	switch c.LeaseBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis lease backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LEASE_BACKEND %q", c.LeaseBackend))
	}
	if c.PageSize <= 0 || c.MaxPages <= 0 {
		errs = append(errs, errors.New("PAGE_SIZE and MAX_PAGES must be positive"))
	}
	if c.FetchMaxRetries < 1 {
		errs = append(errs, errors.New("FETCH_MAX_RETRIES must be at least 1"))
	}
	if c.MinPageDelay > c.MaxPageDelay {
		errs = append(errs, errors.New("MIN_PAGE_DELAY is greater than MAX_PAGE_DELAY"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE: %w", err))
	}
	return errors.Join(errs...)
}
