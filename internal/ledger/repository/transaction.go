package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tair/rxsync/internal/ledger/domain"
)

func (r *GormLedger) CreateTransaction(ctx context.Context, txn *domain.Transaction) error {
	err := r.conn(ctx).
		Omit("Pharmacy", "Prescription").
		Create(txn).Error
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (r *GormLedger) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	var txn domain.Transaction
	err := r.conn(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("created_at") }).
		Preload("Items.Drug").
		Preload("Prescription").
		Preload("Pharmacy").
		First(&txn, "id = ?", id).Error
	if err != nil {
		return nil, findErr(err, "transaction")
	}
	return &txn, nil
}

func (r *GormLedger) FindDispenseTransaction(ctx context.Context, prescriptionID uuid.UUID) (*domain.Transaction, error) {
	var txn domain.Transaction
	err := r.conn(ctx).
		Where("prescription_id = ? AND transaction_type = ?", prescriptionID, domain.TypeAuthorityDispense).
		Order("created_at").
		First(&txn).Error
	if err != nil {
		return nil, findErr(err, "dispense transaction")
	}
	return &txn, nil
}

func (r *GormLedger) ListPendingSync(ctx context.Context, budget, limit int) ([]domain.Transaction, error) {
	var txns []domain.Transaction
	err := r.conn(ctx).
		Where("sync_status = ? AND sync_attempts < ?", domain.SyncPending, budget).
		Order("created_at").
		Limit(limit).
		Find(&txns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending transactions: %w", err)
	}
	return txns, nil
}

func (r *GormLedger) ClaimForSync(ctx context.Context, id uuid.UUID, budget int, at time.Time) (bool, error) {
	result := r.conn(ctx).Model(&domain.Transaction{}).
		Where("id = ? AND sync_status = ? AND sync_attempts < ?", id, domain.SyncPending, budget).
		Updates(map[string]interface{}{
			"sync_status": domain.SyncInProgress,
			"updated_at":  at,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim transaction: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *GormLedger) CompleteSync(ctx context.Context, id uuid.UUID, authorityTxID string, at time.Time) error {
	return r.settleClaim(ctx, id, map[string]interface{}{
		"sync_status":              domain.SyncCompleted,
		"authority_transaction_id": authorityTxID,
		"last_sync_at":             at,
		"error_message":            "",
		"updated_at":               at,
	})
}

func (r *GormLedger) FailSync(ctx context.Context, id uuid.UUID, attempts int, status domain.SyncStatus, message string, at time.Time) error {
	return r.settleClaim(ctx, id, map[string]interface{}{
		"sync_status":   status,
		"sync_attempts": attempts,
		"error_message": message,
		"updated_at":    at,
	})
}

// settleClaim writes the outcome of an attempt. Only the holder of the
// in_progress claim may settle it.
func (r *GormLedger) settleClaim(ctx context.Context, id uuid.UUID, values map[string]interface{}) error {
	result := r.conn(ctx).Model(&domain.Transaction{}).
		Where("id = ? AND sync_status = ?", id, domain.SyncInProgress).
		Updates(values)
	if result.Error != nil {
		return fmt.Errorf("failed to update sync state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("transaction %s: %w", id, domain.ErrStatusChanged)
	}
	return nil
}

func (r *GormLedger) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.conn(ctx).Model(&domain.Transaction{}).
		Where("sync_status = ? AND updated_at < ?", domain.SyncInProgress, olderThan).
		Update("sync_status", domain.SyncPending)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *GormLedger) ResetFailedSync(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	result := r.conn(ctx).Model(&domain.Transaction{}).
		Where("id = ? AND sync_status = ?", id, domain.SyncFailed).
		Updates(map[string]interface{}{
			"sync_status":   domain.SyncPending,
			"sync_attempts": 0,
			"error_message": "",
			"updated_at":    at,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to reset transaction sync: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}
