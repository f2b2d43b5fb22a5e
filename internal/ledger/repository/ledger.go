package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/tair/rxsync/internal/ledger/domain"
)

// GormLedger implements domain.Ledger on GORM. A GormLedger created by InTx
// is bound to that database transaction.
type GormLedger struct {
	db *gorm.DB
}

var _ domain.Ledger = (*GormLedger)(nil)

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

// AutoMigrate creates or updates every ledger table.
func (r *GormLedger) AutoMigrate() error {
	if err := r.db.AutoMigrate(domain.AllModels()...); err != nil {
		return fmt.Errorf("failed to migrate ledger: %w", err)
	}
	return nil
}

// InTx runs fn inside one database transaction. Returning an error from fn
// rolls everything back.
func (r *GormLedger) InTx(ctx context.Context, fn func(tx domain.Ledger) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewGormLedger(tx))
	})
}

func (r *GormLedger) conn(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

func findErr(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return fmt.Errorf("failed to find %s: %w", what, err)
}
