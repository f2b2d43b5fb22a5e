package command

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	ledger "github.com/tair/rxsync/internal/ledger/domain"
	"github.com/tair/rxsync/internal/reconcile"
	"github.com/tair/rxsync/internal/reconcile/domain"
	"github.com/tair/rxsync/pkg/logger"
)

var tracer = otel.Tracer("reconcile-command")

// Locker keeps two instances from sweeping at once.
type Locker interface {
	TryLock(ctx context.Context) (unlock func(), ok bool, err error)
}

// SweepOptions tunes a sweep.
type SweepOptions struct {
	Budget    int
	BatchSize int
	// ClaimLease is how long an in_progress claim may live before the
	// sweep returns it to pending.
	ClaimLease time.Duration
}

// SyncPendingHandler handles a reconciliation sweep over pending
// transactions and stock rows.
type SyncPendingHandler struct {
	ledger  ledger.Ledger
	syncer  domain.TransactionSyncer
	metrics *reconcile.Metrics
	lock    Locker
	opts    SweepOptions
	now     func() time.Time
}

// NewSyncPendingHandler creates a new sweep handler. lock may be nil.
func NewSyncPendingHandler(l ledger.Ledger, syncer domain.TransactionSyncer, metrics *reconcile.Metrics, lock Locker, opts SweepOptions) *SyncPendingHandler {
	if opts.Budget <= 0 {
		opts.Budget = 3
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = 5 * time.Minute
	}
	if metrics == nil {
		metrics = reconcile.NewMetrics(nil)
	}
	return &SyncPendingHandler{
		ledger:  l,
		syncer:  syncer,
		metrics: metrics,
		lock:    lock,
		opts:    opts,
		now:     time.Now,
	}
}

// Handle runs one sweep. Each transaction gets at most one attempt; rows
// at the budget are never selected.
func (h *SyncPendingHandler) Handle(ctx context.Context) (result *domain.SweepResult, err error) {
	ctx, span := tracer.Start(ctx, "command.SyncPending")
	defer span.End()

	started := h.now()
	result = &domain.SweepResult{StartedAt: started.UTC(), Errors: []domain.SweepError{}}
	defer func() {
		result.DurationSeconds = h.now().Sub(started).Seconds()
		h.metrics.ObserveSweep(result.DurationSeconds, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if h.lock != nil {
		unlock, ok, lockErr := h.lock.TryLock(ctx)
		if lockErr != nil {
			logger.Warn(ctx).Err(lockErr).Msg("Sweep lock unavailable, relying on row claims")
		} else if !ok {
			logger.Info(ctx).Msg("Another instance is sweeping, skipping")
			return result, nil
		} else {
			defer unlock()
		}
	}

	released, err := h.ledger.ReleaseStaleClaims(ctx, started.Add(-h.opts.ClaimLease))
	if err != nil {
		return result, err
	}
	result.ReleasedClaims = released

	pending, err := h.ledger.ListPendingSync(ctx, h.opts.Budget, h.opts.BatchSize)
	if err != nil {
		return result, err
	}

	for i, txn := range pending {
		if ctx.Err() != nil {
			result.Skipped += len(pending) - i
			break
		}

		attempt, syncErr := h.syncer.SyncTransaction(ctx, txn.ID)
		if syncErr != nil {
			result.Processed++
			result.Failed++
			result.Errors = append(result.Errors, domain.SweepError{
				TransactionID: txn.ID.String(),
				Error:         syncErr.Error(),
			})
			continue
		}

		switch attempt.Outcome {
		case domain.OutcomeCompleted:
			result.Processed++
			result.Successful++
		case domain.OutcomeRetry, domain.OutcomeFailed:
			result.Processed++
			result.Failed++
			result.Errors = append(result.Errors, domain.SweepError{
				TransactionID: txn.ID.String(),
				Error:         attempt.Error,
			})
		case domain.OutcomeSkipped:
			result.Skipped++
		case domain.OutcomeBackoff:
			// every remaining call would be refused the same way
			result.Skipped += len(pending) - i
			result.Errors = append(result.Errors, domain.SweepError{Error: attempt.Error})
			logger.Warn(ctx).Str("error", attempt.Error).Msg("Authority auth backing off, ending sweep early")
			return result, nil
		}
	}

	inventory, invErr := h.syncer.SyncInventory(ctx, h.opts.BatchSize)
	if invErr != nil {
		result.Errors = append(result.Errors, domain.SweepError{Error: invErr.Error()})
	}
	result.Inventory = inventory

	span.SetAttributes(
		attribute.Int("sweep.processed", result.Processed),
		attribute.Int("sweep.successful", result.Successful),
		attribute.Int("sweep.failed", result.Failed),
	)
	logger.Info(ctx).
		Int("processed", result.Processed).
		Int("successful", result.Successful).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Int64("released_claims", result.ReleasedClaims).
		Msg("Sync sweep completed")
	return result, nil
}
