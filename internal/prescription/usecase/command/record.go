package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	ledger "github.com/tair/rxsync/internal/ledger/domain"
	"github.com/tair/rxsync/internal/prescription/domain"
	"github.com/tair/rxsync/pkg/logger"
)

// record upserts the prescription keyed by its authority id. A known
// prescription only has its metadata refreshed; status and items are left
// as they are. A known prescription never changes pharmacy.
func (h *ProcessPrescriptionHandler) record(ctx context.Context, pharmacy *ledger.Pharmacy, event domain.PrescriptionEvent) (*ledger.Prescription, []ledger.Warning, error) {
	var (
		rx       *ledger.Prescription
		warnings []ledger.Warning
	)
	upsert := func(tx ledger.Ledger) error {
		found, err := tx.FindPrescriptionByAuthorityID(ctx, event.PrescriptionID)
		switch {
		case err == nil:
			if found.PharmacyID != pharmacy.ID {
				return ledger.ValidationError(ledger.CodePharmacyMismatch,
					"prescription is recorded for another pharmacy",
					"recorded for "+found.PharmacyID.String())
			}
			h.applyMetadata(found, event)
			if err := tx.UpdatePrescriptionMetadata(ctx, found); err != nil {
				return err
			}
			rx, warnings = found, nil
			return nil
		case !errors.Is(err, ledger.ErrNotFound):
			return err
		}

		created := &ledger.Prescription{
			AuthorityPrescriptionID: event.PrescriptionID,
			PharmacyID:              pharmacy.ID,
			Status:                  ledger.PrescriptionActive,
		}
		h.applyMetadata(created, event)
		items, skipped, err := mirrorItems(ctx, tx, event.Items)
		if err != nil {
			return err
		}
		created.Items = items
		if err := tx.CreatePrescription(ctx, created); err != nil {
			return err
		}
		rx, warnings = created, skipped
		return nil
	}

	err := h.ledger.InTx(ctx, upsert)
	if errors.Is(err, ledger.ErrDuplicate) {
		// a concurrent delivery inserted the row first; take the update path
		err = h.ledger.InTx(ctx, upsert)
	}
	if err != nil {
		return nil, nil, err
	}

	// reload for the item drugs
	stored, err := h.ledger.GetPrescription(ctx, rx.ID)
	if err != nil {
		return nil, nil, err
	}
	return stored, warnings, nil
}

func (h *ProcessPrescriptionHandler) applyMetadata(rx *ledger.Prescription, event domain.PrescriptionEvent) {
	validated := h.now().UTC()
	rx.PatientID = event.PatientID
	rx.PatientName = event.PatientName
	rx.PatientPhone = event.PatientPhone
	rx.DoctorName = event.DoctorName
	rx.DoctorLicense = event.DoctorLicense
	rx.PrescriptionDate = event.PrescriptionDate.Time
	rx.ExpiryDate = event.ExpiryDate.Time
	rx.TotalAmount = event.TotalAmount
	rx.CopayAmount = event.CopayAmount
	rx.InsuranceAmount = event.InsuranceAmount
	rx.Notes = event.Notes
	rx.IsValidated = true
	rx.ValidationDate = &validated
}

// mirrorItems resolves event items by authority drug id. Unknown drugs are
// skipped and reported.
func mirrorItems(ctx context.Context, tx ledger.Ledger, items []domain.EventItem) ([]ledger.PrescriptionItem, []ledger.Warning, error) {
	var (
		out      []ledger.PrescriptionItem
		warnings []ledger.Warning
	)
	for _, item := range items {
		drug, err := tx.FindDrugByAuthorityID(ctx, item.DrugID)
		if errors.Is(err, ledger.ErrNotFound) {
			logger.Warn(ctx).
				Str("authority_drug_id", item.DrugID).
				Msg("Skipping prescription item with unknown drug")
			warnings = append(warnings, ledger.Warning{
				Category: ledger.CategoryDataIntegrity,
				Code:     ledger.CodeDrugNotFound,
				Message:  "no drug matches authority id " + item.DrugID,
			})
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to resolve drug: %w", err)
		}

		price := drug.UnitPrice
		if item.UnitPrice != nil {
			price = *item.UnitPrice
		}
		out = append(out, ledger.PrescriptionItem{
			DrugID:             drug.ID,
			PrescribedQuantity: item.Quantity,
			UnitPrice:          price,
			TotalPrice:         price.Mul(decimal.NewFromInt(int64(item.Quantity))),
			DosageInstructions: item.DosageInstructions,
			IsSubstitutable:    item.IsSubstitutable,
		})
	}
	return out, warnings, nil
}
