//go:build integration

package repository

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quocanhngo/idpool/internal/model"
)

// Run with:
//
//	IDPOOL_TEST_POSTGRES_DSN="host=localhost user=postgres password=postgres dbname=idpool_test sslmode=disable" \
//	  go test -tags integration ./internal/repository/...
func newPostgresDB(t *testing.T) (*gorm.DB, string) {
	t.Helper()

	dsn := os.Getenv("IDPOOL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("IDPOOL_TEST_POSTGRES_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.True(t, supportsSkipLocked(db))
	require.NoError(t, AutoMigrate(db))

	// A fresh tenant keeps runs against a shared database independent
	tenantID := fmt.Sprintf("it-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		db.Where("tenant_id = ?", tenantID).Delete(&model.IDRecord{})
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db, tenantID
}

func TestPostgresClaimUnassigned_ConcurrentClaimsAreDisjoint(t *testing.T) {
	ctx := context.Background()
	db, tenantID := newPostgresDB(t)
	repo := NewIDPoolRepository(db)
	ids := seedPool(t, repo, tenantID, 200)

	const workers = 10
	results := make([][]model.IDRecord, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			actor := fmt.Sprintf("user-%d", w)
			if w%2 == 0 {
				results[w], errs[w] = repo.ClaimUnassigned(ctx, tenantID, actor, 15)
				return
			}
			// Odd workers race for the same cached candidates
			results[w], errs[w] = repo.ClaimByIDs(ctx, tenantID, actor, ids[:40])
		}(w)
	}
	wg.Wait()

	seen := make(map[string]string)
	total := 0
	for w := 0; w < workers; w++ {
		require.NoError(t, errs[w])
		actor := fmt.Sprintf("user-%d", w)
		for _, r := range results[w] {
			prev, dup := seen[r.ID]
			assert.False(t, dup, "id %s claimed by %s and %s", r.ID, actor, prev)
			seen[r.ID] = actor
			total++

			assert.Equal(t, model.IDStatusDispatched, r.Status)
			assert.Equal(t, actor, r.LastModifiedBy)
			assert.Equal(t, 2, r.RowVersion)
		}
	}
	assert.NotZero(t, total)

	left, err := repo.CountUnassigned(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), int64(total)+left)
}

func TestPostgresClaimUnassigned_ShortPool(t *testing.T) {
	ctx := context.Background()
	db, tenantID := newPostgresDB(t)
	repo := NewIDPoolRepository(db)
	seedPool(t, repo, tenantID, 3)

	got, err := repo.ClaimUnassigned(ctx, tenantID, "u1", 5)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].ID < got[1].ID && got[1].ID < got[2].ID, "ordered by id")

	none, err := repo.ClaimUnassigned(ctx, tenantID, "u1", 1)
	require.NoError(t, err)
	assert.Empty(t, none)
}
