package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	ledger "github.com/tair/rxsync/internal/ledger/domain"
	"github.com/tair/rxsync/internal/pos/domain"
)

// ValidateSaleQuery represents a read-only precondition check of a sale
type ValidateSaleQuery struct {
	PharmacyID uuid.UUID
	Sale       domain.SaleRequest
}

// ValidateSaleHandler handles validate sale query
type ValidateSaleHandler struct {
	repo ledger.Ledger
	now  func() time.Time
}

// NewValidateSaleHandler creates a new validate sale handler
func NewValidateSaleHandler(repo ledger.Ledger) *ValidateSaleHandler {
	return &ValidateSaleHandler{repo: repo, now: time.Now}
}

// Handle executes the validate sale query. Findings accumulate; the sale is
// valid only when no errors were found.
func (h *ValidateSaleHandler) Handle(ctx context.Context, q ValidateSaleQuery) (*domain.ValidationResult, error) {
	result := &domain.ValidationResult{Errors: []domain.Issue{}, Warnings: []domain.Issue{}}

	pharmacy, err := h.repo.GetPharmacy(ctx, q.PharmacyID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("failed to get pharmacy: %w", err)
	}
	if pharmacy == nil || !pharmacy.IsActive {
		result.Errors = append(result.Errors, domain.Issue{
			Line:    -1,
			Code:    ledger.CodeInvalidPharmacy,
			Message: "pharmacy does not exist or is inactive",
		})
		return result, nil
	}
	if len(q.Sale.Items) == 0 {
		result.Errors = append(result.Errors, domain.Issue{
			Line:    -1,
			Code:    ledger.CodeNoItems,
			Message: "sale has no items",
		})
	}

	picker := ledger.NewPicker(h.repo, h.now())
	for i, line := range q.Sale.Items {
		drug, err := domain.ResolveDrug(ctx, h.repo, line)
		if errors.Is(err, ledger.ErrNotFound) {
			result.Errors = append(result.Errors, domain.Issue{
				Line:    i,
				Code:    ledger.CodeDrugNotFound,
				Message: "no drug matches " + line.Ref(),
			})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve drug: %w", err)
		}

		row, available, err := picker.Pick(ctx, pharmacy.ID, drug.ID, line.BatchNumber, line.Quantity)
		if err != nil {
			return nil, fmt.Errorf("failed to load inventory: %w", err)
		}
		switch {
		case row == nil:
			result.Warnings = append(result.Warnings, domain.Issue{
				Line:    i,
				Code:    "no-inventory",
				Message: fmt.Sprintf("%s is not stocked", drug.Name),
			})
		case available < line.Quantity:
			result.Warnings = append(result.Warnings, domain.Issue{
				Line:    i,
				Code:    ledger.CodeInsufficientStock,
				Message: fmt.Sprintf("%s: requested %d, available %d", drug.Name, line.Quantity, available),
			})
		}

		if drug.PrescriptionRequired && q.Sale.PrescriptionID == nil {
			result.Errors = append(result.Errors, domain.Issue{
				Line:    i,
				Code:    ledger.CodePrescriptionRequired,
				Message: drug.Name + " requires a prescription",
			})
		}
	}

	result.Valid = len(result.Errors) == 0
	return result, nil
}
