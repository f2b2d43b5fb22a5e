package command

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	ledger "github.com/tair/rxsync/internal/ledger/domain"
	"github.com/tair/rxsync/internal/reconcile/domain"
	"github.com/tair/rxsync/pkg/logger"
)

// RetryFailedCommand represents an operator's request to retry a
// transaction whose sync gave up.
type RetryFailedCommand struct {
	TransactionID uuid.UUID
}

// RetryFailedHandler handles RetryFailedCommand
type RetryFailedHandler struct {
	ledger ledger.Ledger
	syncer domain.TransactionSyncer
	now    func() time.Time
}

// NewRetryFailedHandler creates a new retry handler
func NewRetryFailedHandler(l ledger.Ledger, syncer domain.TransactionSyncer) *RetryFailedHandler {
	return &RetryFailedHandler{ledger: l, syncer: syncer, now: time.Now}
}

// Handle resets the transaction to pending with a fresh budget and makes
// one attempt immediately.
func (h *RetryFailedHandler) Handle(ctx context.Context, cmd RetryFailedCommand) (*domain.AttemptResult, error) {
	ctx, span := tracer.Start(ctx, "command.RetryFailed")
	defer span.End()

	if cmd.TransactionID == uuid.Nil {
		return nil, ledger.ValidationError(ledger.CodeInvalidRequest, "transaction id is required")
	}

	txn, err := h.ledger.GetTransaction(ctx, cmd.TransactionID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ledger.ValidationError(ledger.CodeNotFound, "transaction not found")
	}
	if err != nil {
		return nil, ledger.ProcessingError("failed to load transaction", err)
	}
	if txn.SyncStatus != ledger.SyncFailed {
		return nil, ledger.ValidationError(ledger.CodeNotFailed,
			"only failed transactions can be retried", "sync_status is "+string(txn.SyncStatus))
	}

	reset, err := h.ledger.ResetFailedSync(ctx, txn.ID, h.now())
	if err != nil {
		return nil, ledger.ProcessingError("failed to reset transaction", err)
	}
	if !reset {
		return nil, ledger.ValidationError(ledger.CodeNotFailed, "transaction is no longer failed")
	}

	logger.Info(ctx).
		Str("transaction_id", txn.ID.String()).
		Int("previous_attempts", txn.SyncAttempts).
		Msg("Failed transaction reset for retry")

	result, err := h.syncer.SyncTransaction(ctx, txn.ID)
	if err != nil {
		span.RecordError(err)
		return nil, ledger.ProcessingError("retry attempt failed", err)
	}
	return result, nil
}
