package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
)

type Config struct {
	HTTPAddr string
	LogLevel string

	AccessSecret     []byte
	RefreshSecret    []byte
	AccessTTLMinutes int
	RefreshTTLDays   int

	TokenStore    string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers []string
	KafkaTopic   string

	CookieSecure       bool
	CSRFEnabled        bool
	RateLimitPerSecond int

	GCIntervalMinutes int
	GCRetentionDays   int
}

func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.AccessTTLMinutes) * time.Minute
}

func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTTLDays) * 24 * time.Hour
}

func (c *Config) GCInterval() time.Duration {
	return time.Duration(c.GCIntervalMinutes) * time.Minute
}

func (c *Config) GCRetention() time.Duration {
	return time.Duration(c.GCRetentionDays) * 24 * time.Hour
}

// Load reads the configuration from the environment, optionally seeded from
// a .env file. Missing secrets and malformed numbers are reported together.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		slog.Debug("env_file_not_found", "error", err)
	}

	var errs []error
	intVar := func(key string, def int) int {
		n, err := EnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return n
	}
	boolVar := func(key string, def bool) bool {
		b, err := EnvBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return b
	}

	cfg := &Config{
		HTTPAddr: EnvDefault("HTTP_ADDR", ":8080"),
		LogLevel: EnvDefault("LOG_LEVEL", "info"),

		AccessSecret:     []byte(os.Getenv("JWT_ACCESS_SECRET")),
		RefreshSecret:    []byte(os.Getenv("JWT_REFRESH_SECRET")),
		AccessTTLMinutes: intVar("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTTLDays:   intVar("REFRESH_TOKEN_TTL_DAYS", 7),

		TokenStore:    EnvDefault("TOKEN_STORE", StorePostgres),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     EnvDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       intVar("REDIS_DB", 0),

		KafkaBrokers: CSV(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   EnvDefault("KAFKA_TOPIC", "auth_events"),

		CookieSecure:       boolVar("COOKIE_SECURE", true),
		CSRFEnabled:        boolVar("CSRF_ENABLED", false),
		RateLimitPerSecond: intVar("RATE_LIMIT_PER_SECOND", 5),

		GCIntervalMinutes: intVar("GC_INTERVAL_MINUTES", 60),
		GCRetentionDays:   intVar("GC_RETENTION_DAYS", 7),
	}

	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func (c *Config) validate() []error {
	var errs []error
	if err := RequireBytes(c.AccessSecret, "JWT_ACCESS_SECRET"); err != nil {
		errs = append(errs, err)
	}
	if err := RequireBytes(c.RefreshSecret, "JWT_REFRESH_SECRET"); err != nil {
		errs = append(errs, err)
	}
	if c.AccessTTLMinutes <= 0 {
		errs = append(errs, fmt.Errorf("ACCESS_TOKEN_TTL_MINUTES must be positive, got %d", c.AccessTTLMinutes))
	}
	if c.RefreshTTLDays <= 0 {
		errs = append(errs, fmt.Errorf("REFRESH_TOKEN_TTL_DAYS must be positive, got %d", c.RefreshTTLDays))
	}
	if c.GCIntervalMinutes < 0 || c.GCRetentionDays < 0 {
		errs = append(errs, errors.New("GC_INTERVAL_MINUTES and GC_RETENTION_DAYS must not be negative"))
	}

	// Users always live in the database, even when tokens go to redis.
	if err := Require(c.DatabaseURL, "DATABASE_URL"); err != nil {
		errs = append(errs, err)
	}
	switch c.TokenStore {
	case StorePostgres, StoreSQLite:
	case StoreRedis:
		if err := Require(c.RedisAddr, "REDIS_ADDR"); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("unknown TOKEN_STORE %q", c.TokenStore))
	}
	return errs
}
