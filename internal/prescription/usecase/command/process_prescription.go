package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/tair/rxsync/internal/authority"
	ledger "github.com/tair/rxsync/internal/ledger/domain"
	"github.com/tair/rxsync/internal/prescription/domain"
	"github.com/tair/rxsync/pkg/logger"
)

// RemoteValidator is the authority call that gates ingestion.
type RemoteValidator interface {
	ValidatePrescription(ctx context.Context, prescriptionID, pharmacyID string) (*authority.ValidationResponse, error)
}

// ProcessPrescriptionHandler drives an authority prescription event from
// validation to dispensing
type ProcessPrescriptionHandler struct {
	ledger     ledger.Ledger
	remote     RemoteValidator
	dispatcher ledger.SyncDispatcher
	now        func() time.Time
}

// NewProcessPrescriptionHandler creates a new process prescription handler
func NewProcessPrescriptionHandler(l ledger.Ledger, remote RemoteValidator, dispatcher ledger.SyncDispatcher) *ProcessPrescriptionHandler {
	return &ProcessPrescriptionHandler{ledger: l, remote: remote, dispatcher: dispatcher, now: time.Now}
}

// Handle executes the prescription event. Rejections and shortfalls are
// returned as *ledger.OpError; every event leaves one remote_to_local
// sync log row whatever the outcome.
func (h *ProcessPrescriptionHandler) Handle(ctx context.Context, event domain.PrescriptionEvent) (*domain.PrescriptionResult, error) {
	started := h.now()
	var pharmacyID *uuid.UUID

	result, err := func() (*domain.PrescriptionResult, error) {
		if err := event.Validate(); err != nil {
			return nil, err
		}
		pharmacy, err := h.resolvePharmacy(ctx, event.PharmacyID)
		if err != nil {
			return nil, err
		}
		pharmacyID = &pharmacy.ID
		return h.process(ctx, pharmacy, event)
	}()

	h.audit(ctx, event, pharmacyID, result, err, started)
	if err != nil {
		logger.Warn(ctx).Err(err).
			Str("authority_prescription_id", event.PrescriptionID).
			Str("error_category", string(ledger.CategoryOf(err))).
			Msg("Prescription event not dispensed")
		return nil, err
	}

	if !result.AlreadyDispensed {
		result.SyncDispatched = h.dispatch(ctx, result.TransactionID)
	}
	return result, nil
}

func (h *ProcessPrescriptionHandler) process(ctx context.Context, pharmacy *ledger.Pharmacy, event domain.PrescriptionEvent) (*domain.PrescriptionResult, error) {
	if err := h.validate(ctx, pharmacy, event); err != nil {
		return nil, err
	}
	logState(ctx, event, domain.StateValidated)

	rx, warnings, err := h.record(ctx, pharmacy, event)
	if err != nil {
		var op *ledger.OpError
		if errors.As(err, &op) {
			return nil, op
		}
		return nil, ledger.ProcessingError("failed to record prescription", err)
	}
	logState(ctx, event, domain.StateRecorded)

	switch rx.Status {
	case ledger.PrescriptionDispensed:
		return h.alreadyDispensed(ctx, rx, warnings)
	case ledger.PrescriptionActive:
	default:
		return nil, ledger.ValidationError(ledger.CodePrescriptionInvalid,
			"prescription cannot be dispensed", "status is "+string(rx.Status))
	}
	if len(rx.Items) == 0 {
		return nil, ledger.ValidationError(ledger.CodeNoItems, "no prescription item matches a known drug")
	}

	result, err := h.dispense(ctx, rx, event)
	if errors.Is(err, ledger.ErrStatusChanged) {
		// another delivery of the same prescription dispensed it first
		return h.alreadyDispensed(ctx, rx, warnings)
	}
	if err != nil {
		return nil, err
	}
	result.Warnings = append(warnings, result.Warnings...)
	logState(ctx, event, domain.StateDispensed)
	return result, nil
}

// validate runs the pending-validation step: the authority's verdict, then
// expiry, then the item list.
func (h *ProcessPrescriptionHandler) validate(ctx context.Context, pharmacy *ledger.Pharmacy, event domain.PrescriptionEvent) error {
	verdict, err := h.remote.ValidatePrescription(ctx, event.PrescriptionID, pharmacy.RemoteID())
	if err != nil {
		return fmt.Errorf("authority validation failed: %w", err)
	}
	if !verdict.IsValid {
		reason := verdict.Reason
		if reason == "" {
			reason = verdict.Message
		}
		if reason == "" {
			reason = "prescription not valid in authority system"
		}
		return ledger.ValidationError(ledger.CodePrescriptionInvalid, "prescription rejected by authority", reason)
	}
	if !event.ExpiryDate.After(h.now()) {
		return ledger.ValidationError(ledger.CodePrescriptionExpired, "prescription has expired",
			"expired at "+event.ExpiryDate.UTC().Format(time.RFC3339))
	}
	if len(event.Items) == 0 {
		return ledger.ValidationError(ledger.CodeNoItems, "prescription has no items")
	}
	return nil
}

func (h *ProcessPrescriptionHandler) resolvePharmacy(ctx context.Context, ref string) (*ledger.Pharmacy, error) {
	pharmacy, err := h.ledger.FindPharmacyByAuthorityID(ctx, ref)
	if errors.Is(err, ledger.ErrNotFound) {
		if id, perr := uuid.Parse(ref); perr == nil {
			pharmacy, err = h.ledger.GetPharmacy(ctx, id)
		}
	}
	if errors.Is(err, ledger.ErrNotFound) || (err == nil && !pharmacy.IsActive) {
		return nil, ledger.ValidationError(ledger.CodeInvalidPharmacy, "pharmacy does not exist or is inactive", ref)
	}
	if err != nil {
		return nil, ledger.ProcessingError("failed to load pharmacy", err)
	}
	return pharmacy, nil
}

func (h *ProcessPrescriptionHandler) alreadyDispensed(ctx context.Context, rx *ledger.Prescription, warnings []ledger.Warning) (*domain.PrescriptionResult, error) {
	result := &domain.PrescriptionResult{
		State:            domain.StateDispensed,
		PrescriptionID:   rx.ID,
		AlreadyDispensed: true,
		Warnings:         warnings,
	}
	txn, err := h.ledger.FindDispenseTransaction(ctx, rx.ID)
	switch {
	case err == nil:
		result.TransactionID = txn.ID
		result.TransactionNumber = txn.TransactionNumber
	case !errors.Is(err, ledger.ErrNotFound):
		return nil, ledger.ProcessingError("failed to load dispense transaction", err)
	}
	logger.Info(ctx).
		Str("authority_prescription_id", rx.AuthorityPrescriptionID).
		Str("transaction_id", result.TransactionID.String()).
		Msg("Prescription already dispensed, metadata refreshed")
	return result, nil
}

func (h *ProcessPrescriptionHandler) dispatch(ctx context.Context, id uuid.UUID) bool {
	if h.dispatcher == nil {
		return false
	}
	if err := h.dispatcher.Dispatch(ctx, id); err != nil {
		logger.Warn(ctx).Err(err).
			Str("transaction_id", id.String()).
			Msg("Sync dispatch refused, leaving transaction for the scheduler")
		return false
	}
	return true
}

func (h *ProcessPrescriptionHandler) audit(ctx context.Context, event domain.PrescriptionEvent, pharmacyID *uuid.UUID, result *domain.PrescriptionResult, err error, started time.Time) {
	finished := h.now()
	entry := &ledger.SyncLog{
		PharmacyID:       pharmacyID,
		SyncType:         ledger.SyncTypePrescriptionEvent,
		EntityType:       ledger.EntityPrescription,
		EntityID:         event.PrescriptionID,
		Direction:        ledger.DirectionRemoteToLocal,
		Status:           ledger.SyncCompleted,
		RequestData:      snapshot(event),
		ProcessingTimeMs: finished.Sub(started).Milliseconds(),
		Attempt:          1,
		CompletedAt:      &finished,
	}
	if err != nil {
		entry.Status = ledger.SyncFailed
		entry.ErrorCategory = ledger.CategoryOf(err)
		entry.ErrorMessage = err.Error()
	} else {
		entry.ResponseData = snapshot(result)
	}
	if err := h.ledger.AppendSyncLog(ctx, entry); err != nil {
		logger.Error(ctx).Err(err).
			Str("authority_prescription_id", event.PrescriptionID).
			Msg("Failed to append sync log")
	}
}

func snapshot(v interface{}) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

func logState(ctx context.Context, event domain.PrescriptionEvent, state domain.State) {
	logger.Debug(ctx).
		Str("authority_prescription_id", event.PrescriptionID).
		Str("state", string(state)).
		Msg("Prescription event advanced")
}
