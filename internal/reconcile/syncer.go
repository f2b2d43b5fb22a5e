package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/tair/rxsync/internal/authority"
	ledger "github.com/tair/rxsync/internal/ledger/domain"
	"github.com/tair/rxsync/internal/reconcile/domain"
	"github.com/tair/rxsync/pkg/logger"
)

var tracer = otel.Tracer("reconcile")

// Remote is the subset of the authority client the syncer calls.
type Remote interface {
	ReportPOSTransaction(ctx context.Context, report authority.POSTransactionReport) (*authority.Acknowledgement, error)
	MarkPrescriptionDispensed(ctx context.Context, prescriptionID string, req authority.DispenseRequest) (*authority.Acknowledgement, error)
	SyncInventoryUpdate(ctx context.Context, pharmacyID string, updates []authority.InventoryUpdate) (*authority.Acknowledgement, error)
}

// Syncer makes single sync attempts. A transaction is only touched while
// this syncer holds its in_progress claim, so concurrent callers (queue
// workers, sweeps, other instances) never race on one row.
type Syncer struct {
	ledger  ledger.Ledger
	remote  Remote
	metrics *Metrics
	budget  int
	now     func() time.Time
}

var _ domain.TransactionSyncer = (*Syncer)(nil)

// NewSyncer creates a syncer with the given retry budget.
func NewSyncer(l ledger.Ledger, remote Remote, metrics *Metrics, budget int) *Syncer {
	if budget <= 0 {
		budget = 3
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Syncer{ledger: l, remote: remote, metrics: metrics, budget: budget, now: time.Now}
}

// Budget is the attempt ceiling for a transaction.
func (s *Syncer) Budget() int { return s.budget }

// SyncTransaction claims id and reports it to the authority once.
func (s *Syncer) SyncTransaction(ctx context.Context, id uuid.UUID) (*domain.AttemptResult, error) {
	ctx, span := tracer.Start(ctx, "reconcile.SyncTransaction",
		trace.WithAttributes(attribute.String("transaction.id", id.String())))
	defer span.End()

	claimed, err := s.ledger.ClaimForSync(ctx, id, s.budget, s.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !claimed {
		span.SetAttributes(attribute.String("sync.outcome", string(domain.OutcomeSkipped)))
		return &domain.AttemptResult{TransactionID: id, Outcome: domain.OutcomeSkipped}, nil
	}

	txn, err := s.ledger.GetTransaction(ctx, id)
	if err != nil {
		// the claim expires with the lease and the next sweep releases it
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load claimed transaction: %w", err)
	}

	syncType := syncTypeOf(txn.Type)
	attempt := txn.SyncAttempts + 1
	started := s.now()
	request, ack, callErr := s.push(ctx, txn)
	elapsed := s.now().Sub(started)
	s.metrics.attemptLatency.WithLabelValues(syncType).Observe(elapsed.Seconds())

	result := &domain.AttemptResult{TransactionID: id, Attempt: attempt}
	var settleErr error
	switch {
	case callErr == nil:
		authorityID := ack.AuthorityTransactionID
		if authorityID == "" {
			authorityID = txn.AuthorityTransactionID
		}
		settleErr = s.ledger.CompleteSync(ctx, id, authorityID, s.now())
		result.Outcome = domain.OutcomeCompleted
		result.AuthorityTransactionID = authorityID

	case authority.IsBackoff(callErr):
		// nothing left the process, so the attempt is handed back unspent
		if err := s.ledger.FailSync(ctx, id, txn.SyncAttempts, ledger.SyncPending, txn.ErrorMessage, s.now()); err != nil {
			return nil, err
		}
		result.Outcome = domain.OutcomeBackoff
		result.Attempt = txn.SyncAttempts
		result.Error = callErr.Error()
		s.metrics.attempts.WithLabelValues(syncType, string(result.Outcome)).Inc()
		span.SetAttributes(attribute.String("sync.outcome", string(result.Outcome)))
		return result, nil

	default:
		status := ledger.SyncPending
		result.Outcome = domain.OutcomeRetry
		if attempt >= s.budget || !authority.IsRetryable(callErr) {
			status = ledger.SyncFailed
			result.Outcome = domain.OutcomeFailed
		}
		settleErr = s.ledger.FailSync(ctx, id, attempt, status, callErr.Error(), s.now())
		result.Error = callErr.Error()
		span.RecordError(callErr)
		span.SetStatus(codes.Error, callErr.Error())
	}

	// the remote call happened, so it is logged even if the claim cannot be
	// settled; the lease then expires and the sweep retries the row
	s.audit(ctx, txn, syncType, attempt, request, ack, callErr, started, elapsed)
	if settleErr != nil {
		span.RecordError(settleErr)
		span.SetStatus(codes.Error, settleErr.Error())
		return nil, fmt.Errorf("failed to settle sync claim: %w", settleErr)
	}
	s.metrics.attempts.WithLabelValues(syncType, string(result.Outcome)).Inc()
	span.SetAttributes(
		attribute.String("sync.outcome", string(result.Outcome)),
		attribute.Int("sync.attempt", attempt),
	)

	event := logger.Info(ctx)
	if callErr != nil {
		event = logger.Warn(ctx).Err(callErr).Str("error_category", string(ledger.CategoryOf(callErr)))
	}
	event.
		Str("transaction_id", id.String()).
		Str("sync_type", syncType).
		Int("attempt", attempt).
		Str("outcome", string(result.Outcome)).
		Dur("duration", elapsed).
		Msg("Transaction sync attempt finished")
	return result, nil
}

// push rebuilds the payload from the current rows and makes the call.
func (s *Syncer) push(ctx context.Context, txn *ledger.Transaction) (interface{}, *authority.Acknowledgement, error) {
	if txn.Pharmacy == nil {
		return nil, nil, ledger.NewOpError(ledger.CategoryDataIntegrity, ledger.CodeInvalidPharmacy,
			"transaction has no pharmacy")
	}
	pharmacyID := txn.Pharmacy.RemoteID()

	switch txn.Type {
	case ledger.TypePOSSale:
		report := authority.POSTransactionReport{
			PharmacyID:      pharmacyID,
			TransactionID:   txn.ID.String(),
			TransactionType: string(ledger.TypePOSSale),
			Timestamp:       txn.CreatedAt.UTC(),
			TotalAmount:     txn.TotalAmount.InexactFloat64(),
			PatientPhone:    txn.CustomerPhone,
			Items:           []authority.SaleLine{},
		}
		for _, item := range txn.Items {
			if item.Drug == nil || item.Drug.AuthorityDrugID == nil {
				continue
			}
			report.Items = append(report.Items, authority.SaleLine{
				DrugID:       *item.Drug.AuthorityDrugID,
				QuantitySold: item.Quantity,
				UnitPrice:    item.UnitPrice.InexactFloat64(),
				BatchNumber:  item.BatchNumber,
			})
		}
		ack, err := s.remote.ReportPOSTransaction(ctx, report)
		return report, ack, err

	case ledger.TypeAuthorityDispense:
		if txn.Prescription == nil {
			return nil, nil, ledger.NewOpError(ledger.CategoryDataIntegrity, ledger.CodeNotFound,
				"dispense transaction has no prescription")
		}
		req := authority.DispenseRequest{
			PharmacyID:     pharmacyID,
			TransactionID:  txn.ID.String(),
			DispensedItems: []authority.DispensedItem{},
			DispensedAt:    txn.CreatedAt.UTC(),
		}
		for _, item := range txn.Items {
			if item.Drug == nil || item.Drug.AuthorityDrugID == nil {
				continue
			}
			req.DispensedItems = append(req.DispensedItems, authority.DispensedItem{
				DrugID:            *item.Drug.AuthorityDrugID,
				QuantityDispensed: item.Quantity,
				UnitPrice:         item.UnitPrice.InexactFloat64(),
				BatchNumber:       item.BatchNumber,
			})
		}
		ack, err := s.remote.MarkPrescriptionDispensed(ctx, txn.Prescription.AuthorityPrescriptionID, req)
		return req, ack, err
	}

	return nil, nil, ledger.NewOpError(ledger.CategoryDataIntegrity, ledger.CodeInvalidRequest,
		"unknown transaction type "+string(txn.Type))
}

func (s *Syncer) audit(ctx context.Context, txn *ledger.Transaction, syncType string, attempt int, request interface{}, ack *authority.Acknowledgement, callErr error, started time.Time, elapsed time.Duration) {
	finished := started.Add(elapsed)
	pharmacyID := txn.PharmacyID
	entry := &ledger.SyncLog{
		PharmacyID:       &pharmacyID,
		SyncType:         syncType,
		EntityType:       ledger.EntityTransaction,
		EntityID:         txn.ID.String(),
		Direction:        ledger.DirectionLocalToRemote,
		Status:           ledger.SyncCompleted,
		RequestData:      snapshot(request),
		ProcessingTimeMs: elapsed.Milliseconds(),
		Attempt:          attempt,
		CompletedAt:      &finished,
	}
	if ack != nil {
		entry.ResponseData = snapshot(ack)
	}
	if callErr != nil {
		entry.Status = ledger.SyncFailed
		entry.ErrorCategory = ledger.CategoryOf(callErr)
		entry.ErrorMessage = callErr.Error()
		var apiErr *authority.APIError
		if errors.As(callErr, &apiErr) && json.Valid(apiErr.Body) {
			entry.ResponseData = datatypes.JSON(apiErr.Body)
		}
	}
	if err := s.ledger.AppendSyncLog(ctx, entry); err != nil {
		logger.Error(ctx).Err(err).
			Str("transaction_id", txn.ID.String()).
			Msg("Failed to append sync log")
	}
}

// SyncInventory pushes pending stock rows, one call per pharmacy. A row is
// only marked synced when its stock still equals what was pushed.
func (s *Syncer) SyncInventory(ctx context.Context, limit int) (*domain.InventoryPushResult, error) {
	ctx, span := tracer.Start(ctx, "reconcile.SyncInventory")
	defer span.End()

	rows, err := s.ledger.ListPendingInventory(ctx, limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	result := &domain.InventoryPushResult{}
	if len(rows) == 0 {
		return result, nil
	}

	var order []uuid.UUID
	byPharmacy := make(map[uuid.UUID][]ledger.InventoryItem)
	for _, row := range rows {
		if _, ok := byPharmacy[row.PharmacyID]; !ok {
			order = append(order, row.PharmacyID)
		}
		byPharmacy[row.PharmacyID] = append(byPharmacy[row.PharmacyID], row)
	}

	for _, pharmacyID := range order {
		batch := byPharmacy[pharmacyID]
		pharmacy, err := s.ledger.GetPharmacy(ctx, pharmacyID)
		if err != nil {
			result.Failed += len(batch)
			logger.Warn(ctx).Err(err).Str("pharmacy_id", pharmacyID.String()).Msg("Skipping inventory push")
			continue
		}

		updates := make([]authority.InventoryUpdate, 0, len(batch))
		for _, row := range batch {
			update := authority.InventoryUpdate{
				DrugID:       row.DrugID.String(),
				BatchNumber:  row.BatchNumber,
				CurrentStock: row.CurrentStock,
				ExpiryDate:   row.ExpiryDate,
			}
			if row.Drug != nil {
				update.DrugName = row.Drug.Name
				if row.Drug.Barcode != nil {
					update.Barcode = *row.Drug.Barcode
				}
				if row.Drug.AuthorityDrugID != nil {
					update.RemoteDrugID = *row.Drug.AuthorityDrugID
				}
			}
			updates = append(updates, update)
		}

		started := s.now()
		ack, callErr := s.remote.SyncInventoryUpdate(ctx, pharmacy.RemoteID(), updates)
		elapsed := s.now().Sub(started)
		s.metrics.attemptLatency.WithLabelValues(ledger.SyncTypeInventoryUpdate).Observe(elapsed.Seconds())

		if authority.IsBackoff(callErr) {
			result.BackedOff = true
			break
		}
		result.Pharmacies++
		s.auditInventory(ctx, pharmacy.ID, updates, ack, callErr, started, elapsed)
		if callErr != nil {
			result.Failed += len(batch)
			s.metrics.inventoryRows.WithLabelValues("failed").Add(float64(len(batch)))
			s.metrics.attempts.WithLabelValues(ledger.SyncTypeInventoryUpdate, string(domain.OutcomeRetry)).Inc()
			logger.Warn(ctx).Err(callErr).
				Str("pharmacy_id", pharmacy.ID.String()).
				Int("rows", len(batch)).
				Msg("Inventory push failed")
			continue
		}

		result.Pushed += len(batch)
		s.metrics.attempts.WithLabelValues(ledger.SyncTypeInventoryUpdate, string(domain.OutcomeCompleted)).Inc()
		for _, row := range batch {
			marked, err := s.ledger.MarkInventorySynced(ctx, row.ID, row.CurrentStock, s.now())
			if err != nil {
				return result, err
			}
			if marked {
				result.Marked++
			}
		}
		s.metrics.inventoryRows.WithLabelValues("pushed").Add(float64(len(batch)))
	}

	span.SetAttributes(
		attribute.Int("inventory.pushed", result.Pushed),
		attribute.Int("inventory.failed", result.Failed),
	)
	return result, nil
}

func (s *Syncer) auditInventory(ctx context.Context, pharmacyID uuid.UUID, updates []authority.InventoryUpdate, ack *authority.Acknowledgement, callErr error, started time.Time, elapsed time.Duration) {
	finished := started.Add(elapsed)
	entry := &ledger.SyncLog{
		PharmacyID:       &pharmacyID,
		SyncType:         ledger.SyncTypeInventoryUpdate,
		EntityType:       ledger.EntityInventory,
		EntityID:         pharmacyID.String(),
		Direction:        ledger.DirectionLocalToRemote,
		Status:           ledger.SyncCompleted,
		RequestData:      snapshot(updates),
		ProcessingTimeMs: elapsed.Milliseconds(),
		Attempt:          1,
		CompletedAt:      &finished,
	}
	if ack != nil {
		entry.ResponseData = snapshot(ack)
	}
	if callErr != nil {
		entry.Status = ledger.SyncFailed
		entry.ErrorCategory = ledger.CategoryOf(callErr)
		entry.ErrorMessage = callErr.Error()
	}
	if err := s.ledger.AppendSyncLog(ctx, entry); err != nil {
		logger.Error(ctx).Err(err).Str("pharmacy_id", pharmacyID.String()).Msg("Failed to append sync log")
	}
}

func syncTypeOf(t ledger.TransactionType) string {
	if t == ledger.TypeAuthorityDispense {
		return ledger.SyncTypeDispense
	}
	return ledger.SyncTypePOSSale
}

func snapshot(v interface{}) datatypes.JSON {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
