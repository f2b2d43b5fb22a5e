// Package ledgertest opens throwaway SQLite-backed ledgers and seeds fixture
// rows for package tests.
package ledgertest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tair/rxsync/internal/ledger/domain"
	"github.com/tair/rxsync/internal/ledger/repository"
)

// Open returns a migrated ledger on a per-test SQLite file.
func Open(t *testing.T) (*repository.GormLedger, *gorm.DB) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection serializes writers the way row locks would.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Exec("PRAGMA busy_timeout=5000").Error)

	ledger := repository.NewGormLedger(db)
	require.NoError(t, ledger.AutoMigrate())
	return ledger, db
}

// Pharmacy seeds an active pharmacy.
func Pharmacy(t *testing.T, l domain.Ledger) *domain.Pharmacy {
	t.Helper()
	remote := "PH-" + uuid.NewString()[:8]
	p := &domain.Pharmacy{
		Name:          "Central Pharmacy",
		LicenseNumber: "LIC-" + uuid.NewString()[:8],
		AuthorityID:   &remote,
		IsActive:      true,
	}
	require.NoError(t, l.CreatePharmacy(context.Background(), p))
	return p
}

// DrugOption customises a seeded drug.
type DrugOption func(*domain.Drug)

func WithBarcode(barcode string) DrugOption {
	return func(d *domain.Drug) { d.Barcode = &barcode }
}

func WithAuthorityID(id string) DrugOption {
	return func(d *domain.Drug) { d.AuthorityDrugID = &id }
}

func WithPOSID(id string) DrugOption {
	return func(d *domain.Drug) { d.POSDrugID = id }
}

func OverTheCounter() DrugOption {
	return func(d *domain.Drug) { d.PrescriptionRequired = false }
}

// Drug seeds a drug priced at 12.50.
func Drug(t *testing.T, l domain.Ledger, name string, opts ...DrugOption) *domain.Drug {
	t.Helper()
	d := &domain.Drug{
		Name:                 name,
		UnitPrice:            decimal.RequireFromString("12.50"),
		PrescriptionRequired: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	require.NoError(t, l.CreateDrug(context.Background(), d))
	return d
}

// Stock seeds an inventory row.
func Stock(t *testing.T, l domain.Ledger, pharmacy *domain.Pharmacy, drug *domain.Drug, batch string, qty int, expiry *time.Time) *domain.InventoryItem {
	t.Helper()
	item := &domain.InventoryItem{
		PharmacyID:   pharmacy.ID,
		DrugID:       drug.ID,
		BatchNumber:  batch,
		CurrentStock: qty,
		MinimumStock: 2,
		MaximumStock: 100,
		ExpiryDate:   expiry,
		CostPrice:    decimal.RequireFromString("8.00"),
		SellingPrice: drug.UnitPrice,
	}
	require.NoError(t, l.CreateInventoryItem(context.Background(), item))
	return item
}

// StockOf reads the current stock of an inventory row.
func StockOf(t *testing.T, l domain.Ledger, id uuid.UUID) int {
	t.Helper()
	item, err := l.GetInventoryItem(context.Background(), id)
	require.NoError(t, err)
	return item.CurrentStock
}

// Sale seeds a committed pos_sale transaction pending sync.
func Sale(t *testing.T, l domain.Ledger, pharmacy *domain.Pharmacy, drug *domain.Drug, qty int) *domain.Transaction {
	t.Helper()
	total := drug.UnitPrice.Mul(decimal.NewFromInt(int64(qty)))
	txn := &domain.Transaction{
		TransactionNumber: domain.NewTransactionNumber(domain.PrefixSale, pharmacy.ID, time.Now()),
		PharmacyID:        pharmacy.ID,
		Type:              domain.TypePOSSale,
		Status:            domain.TransactionCompleted,
		Subtotal:          total,
		TotalAmount:       total,
		PaymentMethod:     "cash",
		SyncStatus:        domain.SyncPending,
		Items: []domain.TransactionItem{{
			DrugID:      drug.ID,
			Quantity:    qty,
			UnitPrice:   drug.UnitPrice,
			TotalPrice:  total,
			BatchNumber: "B1",
		}},
	}
	require.NoError(t, l.CreateTransaction(context.Background(), txn))
	return txn
}
