package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")

	cfg := Load()

	assert.Equal(t, "8080", cfg.App.Port)
	assert.Equal(t, int64(100), cfg.Dispatch.LimitPerDay)
	assert.Equal(t, int64(0), cfg.Dispatch.LimitTotal)
	assert.Equal(t, 150*time.Millisecond, cfg.Cache.Timeout)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	require.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("DISPATCH_LIMIT_PER_DAY", "25")
	t.Setenv("DISPATCH_LIMIT_TOTAL", "1000")
	t.Setenv("CACHE_TIMEOUT", "75ms")
	t.Setenv("APP_TIMEZONE", "UTC")

	cfg := Load()

	assert.Equal(t, "sqlite", cfg.DB.Driver)
	assert.Equal(t, int64(25), cfg.Dispatch.LimitPerDay)
	assert.Equal(t, int64(1000), cfg.Dispatch.LimitTotal)
	assert.Equal(t, 75*time.Millisecond, cfg.Cache.Timeout)
	assert.Equal(t, time.UTC, cfg.App.Location())
	require.NoError(t, cfg.Validate())
}

func TestLoad_InvalidNumberFallsBack(t *testing.T) {
	t.Setenv("DISPATCH_CLAIM_RETRIES", "many")
	t.Setenv("CACHE_TIMEOUT", "soon")

	cfg := Load()

	assert.Equal(t, 3, cfg.Dispatch.ClaimRetries)
	assert.Equal(t, 150*time.Millisecond, cfg.Cache.Timeout)
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Load()
	cfg.DB.Driver = "mysql"
	cfg.Dispatch.LimitPerDay = 0
	cfg.App.Timezone = "Mars/Olympus"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_DRIVER")
	assert.Contains(t, err.Error(), "DISPATCH_LIMIT_PER_DAY")
	assert.Contains(t, err.Error(), "APP_TIMEZONE")
}

func TestDBConfig_DSN(t *testing.T) {
	d := DBConfig{Host: "db", Port: "5432", User: "u", Password: "p", Name: "n", SSLMode: "disable", Timezone: "UTC"}

	assert.Equal(t, "host=db user=u password=p dbname=n port=5432 sslmode=disable TimeZone=UTC", d.DSN())
	assert.Equal(t, "postgres://u:p@db:5432/n?sslmode=disable", d.URL())
}

func TestLoad_OTELAndAllocatedDefaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("OTEL_SAMPLE_RATIO", "1.5")
	t.Setenv("DISPATCH_ALLOCATED_TODAY_ONLY", "false")

	cfg := Load()

	assert.False(t, cfg.Dispatch.AllocatedTodayOnly)
	assert.Equal(t, 1.5, cfg.OTEL.SampleRatio)
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OTEL_SAMPLE_RATIO")
}
