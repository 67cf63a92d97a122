package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/quocanhngo/idpool/internal/model"
)

const (
	defaultCASRounds  = 5
	defaultCASBackoff = 5 * time.Millisecond
)

// claimSkipLockedSQL flips up to N unassigned rows of a tenant to DISPATCHED in
// one statement. Rows locked by a concurrent claimer are skipped, not waited on.
const claimSkipLockedSQL = `
UPDATE id_pool
SET status = ?, row_version = row_version + 1, last_modified_by = ?, last_modified_time = ?
WHERE id IN (
	SELECT id FROM id_pool
	WHERE tenant_id = ? AND status = ?
	ORDER BY id
	LIMIT ?
	FOR UPDATE SKIP LOCKED
)
RETURNING *`

// claimByIDsSkipLockedSQL is claimSkipLockedSQL restricted to a candidate set
const claimByIDsSkipLockedSQL = `
UPDATE id_pool
SET status = ?, row_version = row_version + 1, last_modified_by = ?, last_modified_time = ?
WHERE id IN (
	SELECT id FROM id_pool
	WHERE tenant_id = ? AND status = ? AND id IN ?
	ORDER BY id
	FOR UPDATE SKIP LOCKED
)
RETURNING *`

// IDPoolRepository handles database operations for the identifier pool
type IDPoolRepository struct {
	db         *gorm.DB
	casRounds  int
	casBackoff time.Duration
}

func NewIDPoolRepository(db *gorm.DB) *IDPoolRepository {
	return &IDPoolRepository{
		db:         db,
		casRounds:  defaultCASRounds,
		casBackoff: defaultCASBackoff,
	}
}

// ClaimUnassigned atomically moves up to count UNASSIGNED records of a tenant
// to DISPATCHED and returns them ordered by id. Concurrent callers never
// receive the same record. Fewer than count rows means the pool ran short or
// the remaining rows were held by other claimers.
func (r *IDPoolRepository) ClaimUnassigned(ctx context.Context, tenantID, actorID string, count int) ([]model.IDRecord, error) {
	if count <= 0 {
		return []model.IDRecord{}, nil
	}
	if supportsSkipLocked(r.db) {
		var records []model.IDRecord
		err := r.db.WithContext(ctx).
			Raw(claimSkipLockedSQL,
				model.IDStatusDispatched, actorID, model.NowMillis(),
				tenantID, model.IDStatusUnassigned, count).
			Scan(&records).Error
		if err != nil {
			return nil, fmt.Errorf("claim unassigned: %w", err)
		}
		sortByID(records)
		return records, nil
	}
	return r.claimCAS(ctx, tenantID, actorID, count, nil)
}

// ClaimByIDs claims the given candidates, keeping only those still UNASSIGNED
// in the store. Candidates usually come from the cache and may be stale.
func (r *IDPoolRepository) ClaimByIDs(ctx context.Context, tenantID, actorID string, ids []string) ([]model.IDRecord, error) {
	if len(ids) == 0 {
		return []model.IDRecord{}, nil
	}
	if supportsSkipLocked(r.db) {
		var records []model.IDRecord
		err := r.db.WithContext(ctx).
			Raw(claimByIDsSkipLockedSQL,
				model.IDStatusDispatched, actorID, model.NowMillis(),
				tenantID, model.IDStatusUnassigned, ids).
			Scan(&records).Error
		if err != nil {
			return nil, fmt.Errorf("claim by ids: %w", err)
		}
		sortByID(records)
		return records, nil
	}
	return r.claimCAS(ctx, tenantID, actorID, len(ids), ids)
}

// claimCAS is the claim path for engines without SKIP LOCKED. Each candidate
// is taken with a conditional update on (status, row_version); a record
// belongs to this caller only when its update affected exactly one row.
func (r *IDPoolRepository) claimCAS(ctx context.Context, tenantID, actorID string, count int, ids []string) ([]model.IDRecord, error) {
	claimed := make([]model.IDRecord, 0, count)

	for round := 0; round < r.casRounds && len(claimed) < count; round++ {
		need := count - len(claimed)

		var candidates []model.IDRecord
		q := r.db.WithContext(ctx).
			Where("tenant_id = ? AND status = ?", tenantID, model.IDStatusUnassigned)
		if ids != nil {
			q = q.Where("id IN ?", ids)
		}
		// Over-read so rows lost to other claimers can be replaced in the same round
		if err := q.Order("id").Limit(need * 2).Find(&candidates).Error; err != nil {
			return claimed, fmt.Errorf("claim candidates: %w", err)
		}
		if len(candidates) == 0 {
			break
		}

		lost := 0
		for _, c := range candidates {
			if len(claimed) >= count {
				break
			}
			now := model.NowMillis()
			res := r.db.WithContext(ctx).
				Model(&model.IDRecord{}).
				Where("id = ? AND status = ? AND row_version = ?", c.ID, model.IDStatusUnassigned, c.RowVersion).
				Updates(map[string]any{
					"status":             model.IDStatusDispatched,
					"row_version":        gorm.Expr("row_version + 1"),
					"last_modified_by":   actorID,
					"last_modified_time": now,
				})
			if res.Error != nil {
				return claimed, fmt.Errorf("claim %s: %w", c.ID, res.Error)
			}
			if res.RowsAffected != 1 {
				lost++
				continue
			}
			c.Status = model.IDStatusDispatched
			c.RowVersion++
			c.LastModifiedBy = actorID
			c.LastModifiedTime = now
			claimed = append(claimed, c)
		}

		// Nothing lost means the candidate window was simply too small
		if lost == 0 {
			break
		}
		if err := sleepCtx(ctx, r.casBackoff*time.Duration(round+1)); err != nil {
			return claimed, err
		}
	}

	sortByID(claimed)
	return claimed, nil
}

// ListUnassigned returns up to limit UNASSIGNED records without locking them
func (r *IDPoolRepository) ListUnassigned(ctx context.Context, tenantID string, limit int) ([]model.IDRecord, error) {
	records := []model.IDRecord{}
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, model.IDStatusUnassigned).
		Order("id").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// CountUnassigned returns how many records of a tenant are still UNASSIGNED
func (r *IDPoolRepository) CountUnassigned(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&model.IDRecord{}).
		Where("tenant_id = ? AND status = ?", tenantID, model.IDStatusUnassigned).
		Count(&n).Error
	return n, err
}

// FindByIDsAndStatus returns tenant records filtered by ids and/or status,
// oldest first. An empty ids slice or status means no filter on that field.
// A limit of 0 returns every match.
func (r *IDPoolRepository) FindByIDsAndStatus(ctx context.Context, tenantID string, ids []string, status model.IDStatus, limit int) ([]model.IDRecord, error) {
	records := []model.IDRecord{}
	q := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Order("created_time ASC, id ASC").Find(&records).Error
	return records, err
}

// FindDispatchedWithoutLog returns DISPATCHED records that have no DISPATCHED
// transaction log row, which happens when a dispatch failed after its claim.
// Only records last modified before the given time (epoch millis) qualify, so
// dispatches still in flight are left alone.
func (r *IDPoolRepository) FindDispatchedWithoutLog(ctx context.Context, tenantID string, before int64, limit int) ([]model.IDRecord, error) {
	records := []model.IDRecord{}
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ? AND last_modified_time < ?", tenantID, model.IDStatusDispatched, before).
		Where("NOT EXISTS (SELECT 1 FROM id_transaction_log l WHERE l.id = id_pool.id AND l.status = ?)",
			model.IDStatusDispatched).
		Order("last_modified_time ASC, id ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// UpdateStatus moves the given records from one status to the next and
// returns the records that actually changed. Records not currently in from
// are left untouched.
func (r *IDPoolRepository) UpdateStatus(ctx context.Context, tenantID, actorID string, ids []string, from, to model.IDStatus) ([]model.IDRecord, error) {
	if len(ids) == 0 {
		return []model.IDRecord{}, nil
	}

	var updated []model.IDRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []model.IDRecord
		// Locking is dropped by dialects that do not support it
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND status = ? AND id IN ?", tenantID, from, ids).
			Order("id").
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		matched := make([]string, len(rows))
		for i := range rows {
			matched[i] = rows[i].ID
		}
		now := model.NowMillis()
		if err := tx.Model(&model.IDRecord{}).
			Where("status = ? AND id IN ?", from, matched).
			Updates(map[string]any{
				"status":             to,
				"row_version":        gorm.Expr("row_version + 1"),
				"last_modified_by":   actorID,
				"last_modified_time": now,
			}).Error; err != nil {
			return err
		}

		for i := range rows {
			rows[i].Status = to
			rows[i].RowVersion++
			rows[i].LastModifiedBy = actorID
			rows[i].LastModifiedTime = now
		}
		updated = rows
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if updated == nil {
		updated = []model.IDRecord{}
	}
	return updated, nil
}

// Insert adds new UNASSIGNED records, skipping ids that already exist.
// A decoded AdditionalFields bag is serialized unless the raw column is set.
func (r *IDPoolRepository) Insert(ctx context.Context, records []model.IDRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	for i := range records {
		if records[i].AdditionalFieldsRaw == "" {
			if err := records[i].EncodeAdditionalFields(); err != nil {
				return 0, fmt.Errorf("insert %s: %w", records[i].ID, err)
			}
		}
		if records[i].Status == "" {
			records[i].Status = model.IDStatusUnassigned
		}
		if records[i].RowVersion == 0 {
			records[i].RowVersion = 1
		}
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&records, 500)
	return res.RowsAffected, res.Error
}

func sortByID(records []model.IDRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
