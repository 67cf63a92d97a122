package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration for the application
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Dispatch DispatchConfig
	Cache    CacheConfig
	MinIO    MinIOConfig
	CORS     CORSConfig
	OTEL     OTELConfig
	Log      LogConfig
}

type AppConfig struct {
	Env      string
	Port     string
	Timezone string
	// Requests per second allowed per tenant user (or client IP); 0 disables the limiter
	RateLimit float64
	RateBurst int
}

// Location resolves the service time zone used for calendar-day boundaries.
// Falls back to UTC when the zone is unknown.
func (a AppConfig) Location() *time.Location {
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type DBConfig struct {
	Driver   string // postgres | sqlite
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	Timezone string
	// Path of the database file when Driver is sqlite
	SQLitePath string
}

// DSN returns the PostgreSQL connection string
func (d DBConfig) DSN() string {
	return "host=" + d.Host +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.Name +
		" port=" + d.Port +
		" sslmode=" + d.SSLMode +
		" TimeZone=" + d.Timezone
}

// URL returns the PostgreSQL connection URL (for golang-migrate)
func (d DBConfig) URL() string {
	return "postgres://" + d.User + ":" + d.Password +
		"@" + d.Host + ":" + d.Port +
		"/" + d.Name + "?sslmode=" + d.SSLMode
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Addr returns the Redis address
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// DispatchConfig bounds how many identifiers a user/device may obtain
type DispatchConfig struct {
	LimitPerDay  int64 // per user/device per calendar day
	LimitTotal   int64 // lifetime cap per user/device; 0 disables it
	ClaimRetries int
	ClaimBackoff time.Duration
	// AllocatedTodayOnly limits allocated-id fetches to the current day
	AllocatedTodayOnly bool
}

type CacheConfig struct {
	Timeout     time.Duration
	RefillBatch int
	CounterTTL  time.Duration
}

type MinIOConfig struct {
	Endpoint  string
	PublicURL string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Enabled   bool
}

type CORSConfig struct {
	Origins []string
}

type OTELConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	Insecure    bool
	SampleRatio float64
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads configuration from .env file and environment variables
func Load() *Config {
	// Load .env file (ignore error if not exists - e.g. in Docker)
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("no .env file found, reading from environment variables")
	}

	tz := getEnv("APP_TIMEZONE", "Asia/Ho_Chi_Minh")

	return &Config{
		App: AppConfig{
			Env:       getEnv("APP_ENV", "development"),
			Port:      getEnv("APP_PORT", "8080"),
			Timezone:  tz,
			RateLimit: getEnvFloat("RATE_LIMIT_RPS", 50),
			RateBurst: getEnvInt("RATE_LIMIT_BURST", 100),
		},
		DB: DBConfig{
			Driver:     strings.ToLower(getEnv("DB_DRIVER", "postgres")),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnv("DB_PORT", "5432"),
			User:       getEnv("DB_USER", "idpool"),
			Password:   getEnv("DB_PASSWORD", "idpool"),
			Name:       getEnv("DB_NAME", "idpool"),
			SSLMode:    getEnv("DB_SSLMODE", "disable"),
			Timezone:   tz,
			SQLitePath: getEnv("DB_SQLITE_PATH", "idpool.db"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Dispatch: DispatchConfig{
			LimitPerDay:  int64(getEnvInt("DISPATCH_LIMIT_PER_DAY", 100)),
			LimitTotal:   int64(getEnvInt("DISPATCH_LIMIT_TOTAL", 0)),
			ClaimRetries: getEnvInt("DISPATCH_CLAIM_RETRIES", 3),
			ClaimBackoff: getEnvDuration("DISPATCH_CLAIM_BACKOFF", 20*time.Millisecond),

			AllocatedTodayOnly: getEnv("DISPATCH_ALLOCATED_TODAY_ONLY", "true") == "true",
		},
		Cache: CacheConfig{
			Timeout:     getEnvDuration("CACHE_TIMEOUT", 150*time.Millisecond),
			RefillBatch: getEnvInt("CACHE_REFILL_BATCH", 500),
			CounterTTL:  getEnvDuration("CACHE_COUNTER_TTL", 48*time.Hour),
		},
		MinIO: MinIOConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			PublicURL: getEnv("MINIO_PUBLIC_URL", ""),
			AccessKey: getEnv("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: getEnv("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    getEnv("MINIO_BUCKET", "idpool-audit"),
			UseSSL:    getEnv("MINIO_USE_SSL", "false") == "true",
			Enabled:   getEnv("MINIO_ENABLED", "true") == "true",
		},
		CORS: CORSConfig{
			Origins: strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000"), ","),
		},
		OTEL: OTELConfig{
			Enabled:     getEnv("OTEL_ENABLED", "false") == "true",
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "idpool"),
			Insecure:    getEnv("OTEL_INSECURE", "true") == "true",
			SampleRatio: getEnvFloat("OTEL_SAMPLE_RATIO", 1.0),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Pretty: getEnv("LOG_PRETTY", "false") == "true",
		},
	}
}

// Validate checks the values that would otherwise fail late at runtime
func (c *Config) Validate() error {
	var errs []error

	if c.App.Port == "" {
		errs = append(errs, errors.New("APP_PORT is required"))
	}
	if _, err := time.LoadLocation(c.App.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("APP_TIMEZONE: %w", err))
	}
	switch c.DB.Driver {
	case "postgres":
		if c.DB.Host == "" || c.DB.Name == "" {
			errs = append(errs, errors.New("DB_HOST and DB_NAME are required for postgres"))
		}
	case "sqlite":
		if c.DB.SQLitePath == "" {
			errs = append(errs, errors.New("DB_SQLITE_PATH is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER %q is not supported", c.DB.Driver))
	}
	if c.Dispatch.LimitPerDay <= 0 {
		errs = append(errs, errors.New("DISPATCH_LIMIT_PER_DAY must be positive"))
	}
	if c.Dispatch.LimitTotal < 0 {
		errs = append(errs, errors.New("DISPATCH_LIMIT_TOTAL must not be negative"))
	}
	if c.Dispatch.ClaimRetries < 1 {
		errs = append(errs, errors.New("DISPATCH_CLAIM_RETRIES must be at least 1"))
	}
	if c.Cache.Timeout <= 0 {
		errs = append(errs, errors.New("CACHE_TIMEOUT must be positive"))
	}
	if c.OTEL.SampleRatio < 0 || c.OTEL.SampleRatio > 1 {
		errs = append(errs, errors.New("OTEL_SAMPLE_RATIO must be within [0, 1]"))
	}
	if c.Cache.RefillBatch < 0 {
		errs = append(errs, errors.New("CACHE_REFILL_BATCH must not be negative"))
	}

	return errors.Join(errs...)
}

// IsProduction reports whether the app runs in production mode
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid integer, using default")
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid number, using default")
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid duration, using default")
		return fallback
	}
	return d
}
