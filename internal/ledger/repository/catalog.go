package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tair/rxsync/internal/ledger/domain"
)

func (r *GormLedger) CreatePharmacy(ctx context.Context, pharmacy *domain.Pharmacy) error {
	if err := r.conn(ctx).Create(pharmacy).Error; err != nil {
		return fmt.Errorf("failed to create pharmacy: %w", err)
	}
	return nil
}

func (r *GormLedger) GetPharmacy(ctx context.Context, id uuid.UUID) (*domain.Pharmacy, error) {
	var pharmacy domain.Pharmacy
	if err := r.conn(ctx).First(&pharmacy, "id = ?", id).Error; err != nil {
		return nil, findErr(err, "pharmacy")
	}
	return &pharmacy, nil
}

func (r *GormLedger) FindPharmacyByAuthorityID(ctx context.Context, authorityID string) (*domain.Pharmacy, error) {
	var pharmacy domain.Pharmacy
	if err := r.conn(ctx).Where("authority_id = ?", authorityID).First(&pharmacy).Error; err != nil {
		return nil, findErr(err, "pharmacy")
	}
	return &pharmacy, nil
}

func (r *GormLedger) CreateDrug(ctx context.Context, drug *domain.Drug) error {
	if err := r.conn(ctx).Create(drug).Error; err != nil {
		return fmt.Errorf("failed to create drug: %w", err)
	}
	return nil
}

func (r *GormLedger) GetDrug(ctx context.Context, id uuid.UUID) (*domain.Drug, error) {
	var drug domain.Drug
	if err := r.conn(ctx).First(&drug, "id = ?", id).Error; err != nil {
		return nil, findErr(err, "drug")
	}
	return &drug, nil
}

func (r *GormLedger) FindDrugByBarcode(ctx context.Context, barcode string) (*domain.Drug, error) {
	return r.findDrug(ctx, "barcode = ?", barcode)
}

func (r *GormLedger) FindDrugByPOSID(ctx context.Context, posDrugID string) (*domain.Drug, error) {
	return r.findDrug(ctx, "pos_drug_id = ?", posDrugID)
}

func (r *GormLedger) FindDrugByAuthorityID(ctx context.Context, authorityDrugID string) (*domain.Drug, error) {
	return r.findDrug(ctx, "authority_drug_id = ?", authorityDrugID)
}

func (r *GormLedger) findDrug(ctx context.Context, query string, arg string) (*domain.Drug, error) {
	var drug domain.Drug
	if err := r.conn(ctx).Where(query, arg).Order("created_at").First(&drug).Error; err != nil {
		return nil, findErr(err, "drug")
	}
	return &drug, nil
}

func (r *GormLedger) CreateInventoryItem(ctx context.Context, item *domain.InventoryItem) error {
	if err := r.conn(ctx).Omit("Drug").Create(item).Error; err != nil {
		return fmt.Errorf("failed to create inventory item: %w", err)
	}
	return nil
}

func (r *GormLedger) GetInventoryItem(ctx context.Context, id uuid.UUID) (*domain.InventoryItem, error) {
	var item domain.InventoryItem
	if err := r.conn(ctx).First(&item, "id = ?", id).Error; err != nil {
		return nil, findErr(err, "inventory item")
	}
	return &item, nil
}

func (r *GormLedger) ListInventory(ctx context.Context, pharmacyID, drugID uuid.UUID) ([]domain.InventoryItem, error) {
	var items []domain.InventoryItem
	err := r.conn(ctx).
		Where("pharmacy_id = ? AND drug_id = ?", pharmacyID, drugID).
		Order("CASE WHEN expiry_date IS NULL THEN 1 ELSE 0 END").
		Order("expiry_date").
		Order("created_at").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list inventory: %w", err)
	}
	return items, nil
}

func (r *GormLedger) FindInventoryBatch(ctx context.Context, pharmacyID, drugID uuid.UUID, batch string) (*domain.InventoryItem, error) {
	var item domain.InventoryItem
	err := r.conn(ctx).
		Where("pharmacy_id = ? AND drug_id = ? AND batch_number = ?", pharmacyID, drugID, batch).
		First(&item).Error
	if err != nil {
		return nil, findErr(err, "inventory batch")
	}
	return &item, nil
}

func (r *GormLedger) DecrementStock(ctx context.Context, itemID uuid.UUID, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("invalid decrement quantity %d", qty)
	}
	result := r.conn(ctx).Model(&domain.InventoryItem{}).
		Where("id = ? AND current_stock >= ?", itemID, qty).
		Updates(map[string]interface{}{
			"current_stock": gorm.Expr("current_stock - ?", qty),
			"sync_status":   domain.SyncPending,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to decrement stock: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("inventory item %s: %w", itemID, domain.ErrInsufficientStock)
	}
	return nil
}

func (r *GormLedger) ListPendingInventory(ctx context.Context, limit int) ([]domain.InventoryItem, error) {
	var items []domain.InventoryItem
	err := r.conn(ctx).
		Preload("Drug").
		Where("sync_status = ?", domain.SyncPending).
		Order("pharmacy_id").
		Order("updated_at").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending inventory: %w", err)
	}
	return items, nil
}

func (r *GormLedger) MarkInventorySynced(ctx context.Context, id uuid.UUID, reportedStock int, at time.Time) (bool, error) {
	result := r.conn(ctx).Model(&domain.InventoryItem{}).
		Where("id = ? AND sync_status = ? AND current_stock = ?", id, domain.SyncPending, reportedStock).
		Updates(map[string]interface{}{
			"sync_status":  domain.SyncCompleted,
			"last_sync_at": at,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark inventory synced: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}
