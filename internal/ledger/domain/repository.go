package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PharmacyRepository defines the contract for pharmacy data access
type PharmacyRepository interface {
	CreatePharmacy(ctx context.Context, pharmacy *Pharmacy) error
	GetPharmacy(ctx context.Context, id uuid.UUID) (*Pharmacy, error)
	FindPharmacyByAuthorityID(ctx context.Context, authorityID string) (*Pharmacy, error)
}

// DrugRepository defines the contract for drug master data access
type DrugRepository interface {
	CreateDrug(ctx context.Context, drug *Drug) error
	GetDrug(ctx context.Context, id uuid.UUID) (*Drug, error)
	FindDrugByBarcode(ctx context.Context, barcode string) (*Drug, error)
	FindDrugByPOSID(ctx context.Context, posDrugID string) (*Drug, error)
	FindDrugByAuthorityID(ctx context.Context, authorityDrugID string) (*Drug, error)
}

// InventoryRepository defines the contract for stock rows
type InventoryRepository interface {
	CreateInventoryItem(ctx context.Context, item *InventoryItem) error
	GetInventoryItem(ctx context.Context, id uuid.UUID) (*InventoryItem, error)
	// ListInventory returns every batch of a drug at a pharmacy ordered by
	// earliest expiry first, undated batches last.
	ListInventory(ctx context.Context, pharmacyID, drugID uuid.UUID) ([]InventoryItem, error)
	FindInventoryBatch(ctx context.Context, pharmacyID, drugID uuid.UUID, batch string) (*InventoryItem, error)
	// DecrementStock subtracts qty only when the row holds at least qty and
	// marks it for sync. It returns ErrInsufficientStock otherwise.
	DecrementStock(ctx context.Context, itemID uuid.UUID, qty int) error
	ListPendingInventory(ctx context.Context, limit int) ([]InventoryItem, error)
	// MarkInventorySynced completes a pending row only if its stock still
	// equals what was reported, so a sale landing mid-push stays pending.
	MarkInventorySynced(ctx context.Context, id uuid.UUID, reportedStock int, at time.Time) (bool, error)
}

// PrescriptionRepository defines the contract for prescription data access
type PrescriptionRepository interface {
	CreatePrescription(ctx context.Context, prescription *Prescription) error
	GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error)
	FindPrescriptionByAuthorityID(ctx context.Context, authorityID string) (*Prescription, error)
	// UpdatePrescriptionMetadata rewrites patient, doctor, date and amount
	// columns. Status and dispensing columns are never touched.
	UpdatePrescriptionMetadata(ctx context.Context, prescription *Prescription) error
	SetDispensedQuantities(ctx context.Context, prescriptionID uuid.UUID) error
	// MarkPrescriptionDispensed flips active to dispensed. It returns
	// ErrStatusChanged when the row was no longer active.
	MarkPrescriptionDispensed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// TransactionRepository defines the contract for the transaction ledger and
// its sync state machine.
type TransactionRepository interface {
	CreateTransaction(ctx context.Context, txn *Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error)
	FindDispenseTransaction(ctx context.Context, prescriptionID uuid.UUID) (*Transaction, error)
	ListPendingSync(ctx context.Context, budget, limit int) ([]Transaction, error)
	// ClaimForSync moves a pending row with attempts below budget to
	// in_progress. It reports false when another worker holds it or it is
	// not eligible.
	ClaimForSync(ctx context.Context, id uuid.UUID, budget int, at time.Time) (bool, error)
	CompleteSync(ctx context.Context, id uuid.UUID, authorityTxID string, at time.Time) error
	FailSync(ctx context.Context, id uuid.UUID, attempts int, status SyncStatus, message string, at time.Time) error
	ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int64, error)
	// ResetFailedSync moves a failed row back to pending with zero attempts.
	ResetFailedSync(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

// SyncLogFilter selects audit rows.
type SyncLogFilter struct {
	PharmacyID *uuid.UUID
	EntityID   string
	Since      time.Time
	Limit      int
}

// SyncLogCount is one (sync_type, status) bucket.
type SyncLogCount struct {
	SyncType string
	Status   SyncStatus
	Count    int64
}

// SyncLogRepository is append-only.
type SyncLogRepository interface {
	AppendSyncLog(ctx context.Context, log *SyncLog) error
	ListSyncLogs(ctx context.Context, filter SyncLogFilter) ([]SyncLog, error)
	CountSyncLogs(ctx context.Context, filter SyncLogFilter) ([]SyncLogCount, error)
}

// Ledger is the system of record. InTx runs fn against a ledger bound to a
// single database transaction that commits when fn returns nil.
type Ledger interface {
	PharmacyRepository
	DrugRepository
	InventoryRepository
	PrescriptionRepository
	TransactionRepository
	SyncLogRepository

	InTx(ctx context.Context, fn func(tx Ledger) error) error
}

// SyncDispatcher hands a committed transaction to the remote sync path.
// Implementations never block on the remote call.
type SyncDispatcher interface {
	Dispatch(ctx context.Context, transactionID uuid.UUID) error
}
