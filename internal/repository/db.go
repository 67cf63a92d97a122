package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/quocanhngo/idpool/internal/config"
	"github.com/quocanhngo/idpool/internal/model"
)

// Open connects to the configured database and installs the tracing plugin
func Open(cfg config.DBConfig, production bool) (*gorm.DB, error) {
	gormCfg := &gorm.Config{}
	if production {
		gormCfg.Logger = logger.Default.LogMode(logger.Warn)
	} else {
		gormCfg.Logger = logger.Default.LogMode(logger.Info)
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DSN()), gormCfg)
	case "sqlite":
		db, err = OpenSQLite(cfg.SQLitePath, gormCfg)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, fmt.Errorf("install tracing plugin: %w", err)
	}
	return db, nil
}

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs.
// Used for local development and tests; claims fall back to compare-and-swap.
func OpenSQLite(path string, gormCfg *gorm.Config) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}
	if gormCfg == nil {
		gormCfg = &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	}

	db, err := gorm.Open(sqlite.Open(path), gormCfg)
	if err != nil {
		return nil, err
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA busy_timeout=5000;")

	// SQLite allows a single writer; serialize connections so concurrent
	// claims queue instead of failing with SQLITE_BUSY.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	}

	return db, nil
}

// AutoMigrate creates the pool and transaction log tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.IDRecord{},
		&model.IDTransactionLog{},
	)
}

// supportsSkipLocked reports whether the dialect can claim rows with
// FOR UPDATE SKIP LOCKED
func supportsSkipLocked(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}
