package domain

import (
	"context"
	"time"

	"github.com/google/uuid"

	ledger "github.com/tair/rxsync/internal/ledger/domain"
)

// Outcome is what one sync attempt did to a transaction.
type Outcome string

const (
	// OutcomeCompleted: the authority acknowledged the transaction.
	OutcomeCompleted Outcome = "completed"
	// OutcomeRetry: the attempt failed and the row stays pending.
	OutcomeRetry Outcome = "retry"
	// OutcomeFailed: the row reached the budget or was rejected outright.
	OutcomeFailed Outcome = "failed"
	// OutcomeSkipped: another worker holds the row or it is not eligible.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeBackoff: authentication is backing off; no request was sent
	// and no attempt was consumed.
	OutcomeBackoff Outcome = "backoff"
)

// AttemptResult describes one call of TransactionSyncer.SyncTransaction.
type AttemptResult struct {
	TransactionID          uuid.UUID `json:"transaction_id"`
	Outcome                Outcome   `json:"outcome"`
	Attempt                int       `json:"attempt"`
	AuthorityTransactionID string    `json:"authority_transaction_id,omitempty"`
	Error                  string    `json:"error,omitempty"`
}

// InventoryPushResult summarises one pass over pending stock rows.
type InventoryPushResult struct {
	Pharmacies int  `json:"pharmacies"`
	Pushed     int  `json:"pushed"`
	Marked     int  `json:"marked"`
	Failed     int  `json:"failed"`
	BackedOff  bool `json:"backed_off,omitempty"`
}

// TransactionSyncer performs single sync attempts against the authority.
type TransactionSyncer interface {
	SyncTransaction(ctx context.Context, id uuid.UUID) (*AttemptResult, error)
	SyncInventory(ctx context.Context, limit int) (*InventoryPushResult, error)
}

// SweepError is one per-transaction failure of a sweep.
type SweepError struct {
	TransactionID string `json:"transaction_id,omitempty"`
	Error         string `json:"error"`
}

// SweepResult is the outcome of a reconciliation sweep.
type SweepResult struct {
	Processed       int                  `json:"processed"`
	Successful      int                  `json:"successful"`
	Failed          int                  `json:"failed"`
	Skipped         int                  `json:"skipped"`
	ReleasedClaims  int64                `json:"released_claims"`
	Inventory       *InventoryPushResult `json:"inventory,omitempty"`
	Errors          []SweepError         `json:"errors"`
	StartedAt       time.Time            `json:"started_at"`
	DurationSeconds float64              `json:"duration_seconds"`
}

// TransactionStatus is the sync view of one transaction.
type TransactionStatus struct {
	TransactionID          uuid.UUID                `json:"transaction_id"`
	TransactionNumber      string                   `json:"transaction_number"`
	Type                   ledger.TransactionType   `json:"transaction_type"`
	Status                 ledger.TransactionStatus `json:"status"`
	SyncStatus             ledger.SyncStatus        `json:"sync_status"`
	SyncAttempts           int                      `json:"sync_attempts"`
	LastSyncAt             *time.Time               `json:"last_sync_at,omitempty"`
	AuthorityTransactionID string                   `json:"authority_transaction_id,omitempty"`
	ErrorMessage           string                   `json:"error_message,omitempty"`
	CreatedAt              time.Time                `json:"created_at"`
	RecentAttempts         []ledger.SyncLog         `json:"recent_attempts"`
}

// TypeCounts is one sync type's share of a report.
type TypeCounts struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
}

// SyncReport aggregates sync log rows over a trailing window.
type SyncReport struct {
	ReportPeriodHours int                   `json:"report_period_hours"`
	PharmacyID        *uuid.UUID            `json:"pharmacy_id,omitempty"`
	TotalSyncs        int64                 `json:"total_syncs"`
	SuccessfulSyncs   int64                 `json:"successful_syncs"`
	FailedSyncs       int64                 `json:"failed_syncs"`
	PendingSyncs      int64                 `json:"pending_syncs"`
	SuccessRate       float64               `json:"success_rate"`
	SyncTypes         map[string]TypeCounts `json:"sync_types"`
	GeneratedAt       time.Time             `json:"generated_at"`
}
