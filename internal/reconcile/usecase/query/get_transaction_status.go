package query

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	ledger "github.com/tair/rxsync/internal/ledger/domain"
	"github.com/tair/rxsync/internal/reconcile/domain"
)

var tracer = otel.Tracer("reconcile-query")

const recentAttemptLimit = 10

// GetTransactionStatusQuery represents a query for a transaction's sync state
type GetTransactionStatusQuery struct {
	TransactionID uuid.UUID
}

// GetTransactionStatusHandler handles GetTransactionStatusQuery
type GetTransactionStatusHandler struct {
	repo ledger.Ledger
}

// NewGetTransactionStatusHandler creates a new handler
func NewGetTransactionStatusHandler(repo ledger.Ledger) *GetTransactionStatusHandler {
	return &GetTransactionStatusHandler{repo: repo}
}

// Handle reads the transaction and its latest sync log rows. It never
// triggers a sync.
func (h *GetTransactionStatusHandler) Handle(ctx context.Context, q GetTransactionStatusQuery) (*domain.TransactionStatus, error) {
	ctx, span := tracer.Start(ctx, "query.GetTransactionStatus")
	defer span.End()

	txn, err := h.repo.GetTransaction(ctx, q.TransactionID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ledger.ValidationError(ledger.CodeNotFound, "transaction not found")
	}
	if err != nil {
		return nil, ledger.ProcessingError("failed to load transaction", err)
	}

	logs, err := h.repo.ListSyncLogs(ctx, ledger.SyncLogFilter{
		EntityID: txn.ID.String(),
		Limit:    recentAttemptLimit,
	})
	if err != nil {
		return nil, ledger.ProcessingError("failed to load sync history", err)
	}
	if logs == nil {
		logs = []ledger.SyncLog{}
	}

	return &domain.TransactionStatus{
		TransactionID:          txn.ID,
		TransactionNumber:      txn.TransactionNumber,
		Type:                   txn.Type,
		Status:                 txn.Status,
		SyncStatus:             txn.SyncStatus,
		SyncAttempts:           txn.SyncAttempts,
		LastSyncAt:             txn.LastSyncAt,
		AuthorityTransactionID: txn.AuthorityTransactionID,
		ErrorMessage:           txn.ErrorMessage,
		CreatedAt:              txn.CreatedAt,
		RecentAttempts:         logs,
	}, nil
}
