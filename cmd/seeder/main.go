package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quocanhngo/idpool/internal/cache"
	"github.com/quocanhngo/idpool/internal/config"
	"github.com/quocanhngo/idpool/internal/model"
	"github.com/quocanhngo/idpool/internal/observability"
	"github.com/quocanhngo/idpool/internal/repository"
)

// inserter is the slice of the pool repository the seeder writes through
type inserter interface {
	Insert(ctx context.Context, records []model.IDRecord) (int64, error)
}

// warmer preloads seeded ids into the redis cache
type warmer interface {
	AddUnassigned(ctx context.Context, tenantID string, records []model.IDRecord) error
}

func main() {
	tenant := flag.String("tenant", "default", "tenant to seed")
	count := flag.Int("count", 1000, "number of identifiers to insert")
	batch := flag.Int("batch", 500, "insert batch size")
	warm := flag.Bool("warm-cache", false, "also push the new ids into the redis cache")
	flag.Parse()

	// Load config
	cfg := config.Load()
	observability.SetupLogger(cfg.Log, os.Stdout)

	// Quiet DB logging, the seeder reports its own progress
	db, err := repository.Open(cfg.DB, true)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := repository.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	ctx := context.Background()

	var w warmer
	if *warm {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr(), Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		w = cache.New(rdb, 5*time.Second, cfg.Cache.CounterTTL, cfg.App.Location())
	}

	inserted, err := seed(ctx, repository.NewIDPoolRepository(db), w, *tenant, *count, *batch)
	if err != nil {
		log.Fatal().Err(err).Int64("inserted", inserted).Msg("seeding failed")
	}
	log.Info().Str("tenant", *tenant).Int64("inserted", inserted).Msg("seeding completed")
}

// seed inserts n fresh UNASSIGNED identifiers for the tenant in batches and
// returns how many rows were written.
func seed(ctx context.Context, repo inserter, w warmer, tenantID string, n, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	var total int64
	for done := 0; done < n; {
		size := min(batchSize, n-done)
		now := model.NowMillis()

		records := make([]model.IDRecord, size)
		for i := range records {
			records[i] = model.IDRecord{
				ID:         uuid.NewString(),
				TenantID:   tenantID,
				Status:     model.IDStatusUnassigned,
				RowVersion: 1,
				AuditDetails: model.AuditDetails{
					CreatedBy:        "seeder",
					CreatedTime:      now,
					LastModifiedBy:   "seeder",
					LastModifiedTime: now,
				},
			}
		}

		inserted, err := repo.Insert(ctx, records)
		total += inserted
		if err != nil {
			return total, err
		}
		if w != nil {
			if err := w.AddUnassigned(ctx, tenantID, records); err != nil {
				log.Warn().Err(err).Msg("cache warm-up failed, continuing without it")
				w = nil
			}
		}

		done += size
		log.Info().Int("done", done).Int("of", n).Msg("seeded batch")
	}
	return total, nil
}
