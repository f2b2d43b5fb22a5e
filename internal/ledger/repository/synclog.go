package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/tair/rxsync/internal/ledger/domain"
)

// AppendSyncLog inserts one audit row. Sync logs are never updated or deleted.
func (r *GormLedger) AppendSyncLog(ctx context.Context, log *domain.SyncLog) error {
	if err := r.conn(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("failed to append sync log: %w", err)
	}
	return nil
}

func (r *GormLedger) ListSyncLogs(ctx context.Context, filter domain.SyncLogFilter) ([]domain.SyncLog, error) {
	var logs []domain.SyncLog
	q := r.filterSyncLogs(ctx, filter).Order("created_at DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	return logs, nil
}

func (r *GormLedger) CountSyncLogs(ctx context.Context, filter domain.SyncLogFilter) ([]domain.SyncLogCount, error) {
	var counts []domain.SyncLogCount
	err := r.filterSyncLogs(ctx, filter).
		Select("sync_type, status, COUNT(*) AS count").
		Group("sync_type, status").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count sync logs: %w", err)
	}
	return counts, nil
}

func (r *GormLedger) filterSyncLogs(ctx context.Context, filter domain.SyncLogFilter) *gorm.DB {
	q := r.conn(ctx).Model(&domain.SyncLog{})
	if filter.PharmacyID != nil {
		q = q.Where("pharmacy_id = ?", *filter.PharmacyID)
	}
	if filter.EntityID != "" {
		q = q.Where("entity_id = ?", filter.EntityID)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since)
	}
	return q
}
