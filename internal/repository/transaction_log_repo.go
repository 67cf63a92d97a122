package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/quocanhngo/idpool/internal/model"
)

// TransactionSearchCriteria filters transaction log reads.
// Zero values mean no filter on that field.
type TransactionSearchCriteria struct {
	TenantID   string
	DeviceUUID string
	UserUUID   string
	Status     model.IDStatus
	Since      int64 // created_time lower bound, inclusive (epoch millis)
	Until      int64 // created_time upper bound, exclusive (epoch millis)
	Limit      int
	Offset     int
}

// TransactionLogRepository handles database operations for IDTransactionLog
type TransactionLogRepository struct {
	db *gorm.DB
}

func NewTransactionLogRepository(db *gorm.DB) *TransactionLogRepository {
	return &TransactionLogRepository{db: db}
}

// Append inserts log rows. A row for an (id, status) pair that is already
// logged is ignored, so retried appends never duplicate history.
func (r *TransactionLogRepository) Append(ctx context.Context, logs []model.IDTransactionLog) (int64, error) {
	if len(logs) == 0 {
		return 0, nil
	}
	for i := range logs {
		if logs[i].LogID == "" {
			logs[i].LogID = uuid.NewString()
		}
		if logs[i].RowVersion == 0 {
			logs[i].RowVersion = 1
		}
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&logs, 500)
	if res.Error != nil {
		return 0, fmt.Errorf("append transaction logs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Search returns matching log rows newest first, with the total match count
func (r *TransactionLogRepository) Search(ctx context.Context, c TransactionSearchCriteria) ([]model.IDTransactionLog, int64, error) {
	q := r.filtered(ctx, c)

	var total int64
	if err := q.Session(&gorm.Session{}).Model(&model.IDTransactionLog{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count transaction logs: %w", err)
	}

	logs := []model.IDTransactionLog{}
	if c.Limit > 0 {
		q = q.Limit(c.Limit)
	}
	if c.Offset > 0 {
		q = q.Offset(c.Offset)
	}
	if err := q.Order("created_time DESC, id DESC").Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("search transaction logs: %w", err)
	}
	return logs, total, nil
}

// Count returns the number of rows matching the criteria
func (r *TransactionLogRepository) Count(ctx context.Context, c TransactionSearchCriteria) (int64, error) {
	var n int64
	err := r.filtered(ctx, c).Model(&model.IDTransactionLog{}).Count(&n).Error
	return n, err
}

// Walk pages through matching rows oldest first, handing each page to fn
func (r *TransactionLogRepository) Walk(ctx context.Context, c TransactionSearchCriteria, pageSize int, fn func([]model.IDTransactionLog) error) error {
	if pageSize <= 0 {
		pageSize = 500
	}
	for offset := 0; ; offset += pageSize {
		var page []model.IDTransactionLog
		err := r.filtered(ctx, c).
			Order("created_time ASC, log_id ASC").
			Limit(pageSize).
			Offset(offset).
			Find(&page).Error
		if err != nil {
			return fmt.Errorf("walk transaction logs: %w", err)
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

func (r *TransactionLogRepository) filtered(ctx context.Context, c TransactionSearchCriteria) *gorm.DB {
	q := r.db.WithContext(ctx).Where("tenant_id = ?", c.TenantID)
	if c.DeviceUUID != "" {
		q = q.Where("device_uuid = ?", c.DeviceUUID)
	}
	if c.UserUUID != "" {
		q = q.Where("user_uuid = ?", c.UserUUID)
	}
	if c.Status != "" {
		q = q.Where("status = ?", c.Status)
	}
	if c.Since > 0 {
		q = q.Where("created_time >= ?", c.Since)
	}
	if c.Until > 0 {
		q = q.Where("created_time < ?", c.Until)
	}
	return q
}
