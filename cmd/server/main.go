package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/quocanhngo/idpool/internal/cache"
	"github.com/quocanhngo/idpool/internal/config"
	"github.com/quocanhngo/idpool/internal/handler"
	"github.com/quocanhngo/idpool/internal/observability"
	"github.com/quocanhngo/idpool/internal/repository"
	"github.com/quocanhngo/idpool/internal/service"
	"github.com/quocanhngo/idpool/migrations"
	"github.com/quocanhngo/idpool/pkg/storage"
)

// @title           ID Pool API
// @version         1.0
// @description     Dispatches pre-generated identifiers from a shared pool with per user/device quotas.

// @contact.name   API Support
// @contact.email  support@idpool.local

// @license.name  MIT
// @license.url   https://opensource.org/licenses/MIT

// @host      api.localhost
// @BasePath  /api/v1

var version = "dev"

func main() {
	// ==================== Load Config ====================
	cfg := config.Load()
	observability.SetupLogger(cfg.Log, os.Stdout)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	log.Info().Str("env", cfg.App.Env).Str("version", version).Msg("starting idpool server")

	ctx := context.Background()

	// ==================== Tracing ====================
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up tracing")
	}

	// ==================== Database ====================
	db, err := repository.Open(cfg.DB, cfg.IsProduction())
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DB.Driver).Msg("failed to connect to database")
	}
	log.Info().Str("driver", cfg.DB.Driver).Msg("connected to database")

	// ==================== Run Migrations ====================
	migrate(db, cfg.DB)

	// ==================== Redis ====================
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	idCache := cache.New(rdb, cfg.Cache.Timeout, cfg.Cache.CounterTTL, cfg.App.Location())
	// Redis is an accelerator only, so a failed ping is not fatal
	if err := idCache.Ping(ctx); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr()).Msg("redis not reachable, dispatch will use the database until it recovers")
	} else {
		log.Info().Str("addr", cfg.Redis.Addr()).Msg("connected to redis")
	}

	// ==================== MinIO Archive ====================
	var archive storage.Archive
	if cfg.MinIO.Enabled {
		minioStorage, err := storage.NewMinIO(ctx, storage.Config{
			Endpoint:  cfg.MinIO.Endpoint,
			PublicURL: cfg.MinIO.PublicURL,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
		})
		if err != nil {
			log.Warn().Err(err).Msg("minio not available, transaction export disabled")
		} else {
			archive = minioStorage
			log.Info().Str("bucket", cfg.MinIO.Bucket).Msg("connected to minio")
		}
	}

	// ==================== Initialize Layers ====================
	poolRepo := repository.NewIDPoolRepository(db)
	logRepo := repository.NewTransactionLogRepository(db)

	dispatchService := service.NewDispatchService(poolRepo, logRepo, idCache, archive, service.Options{
		LimitPerDay:        cfg.Dispatch.LimitPerDay,
		LimitTotal:         cfg.Dispatch.LimitTotal,
		ClaimRetries:       cfg.Dispatch.ClaimRetries,
		ClaimBackoff:       cfg.Dispatch.ClaimBackoff,
		RefillBatch:        cfg.Cache.RefillBatch,
		AllocatedTodayOnly: cfg.Dispatch.AllocatedTodayOnly,
		Location:           cfg.App.Location(),
	})

	idpoolHandler := handler.NewIDPoolHandler(dispatchService)

	// ==================== Gin Router ====================
	router := handler.NewRouter(cfg, idpoolHandler, map[string]handler.HealthCheck{
		"database": {Check: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}},
		// Dispatch falls back to the database without Redis
		"redis": {Check: idCache.Ping, Optional: true},
	})

	// ==================== Start Server ====================
	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", srv.Addr).Msg("idpool API listening")
	log.Info().Msgf("API docs: http://0.0.0.0:%s/swagger/index.html", cfg.App.Port)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	// Give ongoing requests 5 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := rdb.Close(); err != nil {
		log.Warn().Err(err).Msg("redis close")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("tracer shutdown")
	}
	log.Info().Msg("server exited gracefully")
}

// migrate applies the embedded SQL migrations on postgres and falls back to
// GORM AutoMigrate when they fail. SQLite always uses AutoMigrate.
func migrate(db *gorm.DB, cfg config.DBConfig) {
	if cfg.Driver == "postgres" {
		err := migrations.Run(cfg.URL())
		if err == nil {
			return
		}
		log.Warn().Err(err).Msg("migration failed, falling back to GORM AutoMigrate")
	}
	if err := repository.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}
	log.Info().Msg("database migrated")
}
