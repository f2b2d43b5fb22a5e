package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	ledger "github.com/tair/rxsync/internal/ledger/domain"
	"github.com/tair/rxsync/internal/pos/domain"
	"github.com/tair/rxsync/pkg/logger"
)

// ProcessSaleCommand represents a completed POS sale to commit
type ProcessSaleCommand struct {
	PharmacyID uuid.UUID
	Sale       domain.SaleRequest
}

// ProcessSaleHandler commits sales to the ledger and hands them off for
// remote reporting
type ProcessSaleHandler struct {
	ledger     ledger.Ledger
	dispatcher ledger.SyncDispatcher
	now        func() time.Time
}

// NewProcessSaleHandler creates a new process sale handler
func NewProcessSaleHandler(l ledger.Ledger, dispatcher ledger.SyncDispatcher) *ProcessSaleHandler {
	return &ProcessSaleHandler{ledger: l, dispatcher: dispatcher, now: time.Now}
}

// saleLine is a request line resolved against the ledger.
type saleLine struct {
	req       domain.SaleLine
	drug      *ledger.Drug
	row       *ledger.InventoryItem
	available int
}

// Handle executes the process sale command
func (h *ProcessSaleHandler) Handle(ctx context.Context, cmd ProcessSaleCommand) (*domain.SaleResult, error) {
	if cmd.PharmacyID == uuid.Nil {
		return nil, ledger.ValidationError(ledger.CodeInvalidPharmacy, "pharmacy_id is required")
	}
	sale := cmd.Sale
	if err := sale.Validate(); err != nil {
		return nil, err
	}
	sale.Normalize()

	pharmacy, err := h.ledger.GetPharmacy(ctx, cmd.PharmacyID)
	if errors.Is(err, ledger.ErrNotFound) || (err == nil && !pharmacy.IsActive) {
		return nil, ledger.ValidationError(ledger.CodeInvalidPharmacy, "pharmacy does not exist or is inactive")
	}
	if err != nil {
		return nil, ledger.ProcessingError("failed to load pharmacy", err)
	}

	result := &domain.SaleResult{SyncStatus: ledger.SyncPending}
	err = h.ledger.InTx(ctx, func(tx ledger.Ledger) error {
		lines, warnings, err := h.resolve(ctx, tx, ledger.NewPicker(tx, h.now()), pharmacy.ID, sale.Items)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return ledger.ValidationError(ledger.CodeDrugNotFound, "no sale line matches a known drug")
		}
		result.Warnings = warnings
		result.SkippedLines = len(sale.Items) - len(lines)

		if shortfalls := shortfalls(lines); len(shortfalls) > 0 {
			return ledger.ConflictError("insufficient inventory for sale", shortfalls...)
		}

		txn := h.buildTransaction(pharmacy.ID, sale, lines)
		if err := tx.CreateTransaction(ctx, txn); err != nil {
			return fmt.Errorf("failed to create transaction: %w", err)
		}

		remaining := make(map[uuid.UUID]int)
		for _, line := range lines {
			if line.row == nil {
				continue
			}
			if _, ok := remaining[line.row.ID]; !ok {
				remaining[line.row.ID] = line.row.CurrentStock
			}
			if err := tx.DecrementStock(ctx, line.row.ID, line.req.Quantity); err != nil {
				if errors.Is(err, ledger.ErrInsufficientStock) {
					return ledger.ConflictError("insufficient inventory for sale",
						fmt.Sprintf("%s batch %s: stock changed concurrently", line.drug.Name, line.row.BatchNumber))
				}
				return fmt.Errorf("failed to decrement stock: %w", err)
			}
			result.InventoryUpdates = append(result.InventoryUpdates, domain.InventoryUpdate{
				InventoryItemID: line.row.ID,
				DrugID:          line.drug.ID,
				DrugName:        line.drug.Name,
				Barcode:         deref(line.drug.Barcode),
				BatchNumber:     line.row.BatchNumber,
				OldStock:        remaining[line.row.ID],
				NewStock:        remaining[line.row.ID] - line.req.Quantity,
				QuantitySold:    line.req.Quantity,
			})
			remaining[line.row.ID] -= line.req.Quantity
		}

		result.TransactionID = txn.ID
		result.TransactionNumber = txn.TransactionNumber
		return nil
	})
	if err != nil {
		var op *ledger.OpError
		if errors.As(err, &op) {
			return nil, op
		}
		return nil, ledger.ProcessingError("failed to commit sale", err)
	}
	result.InventoryLinesUpdated = len(result.InventoryUpdates)

	logger.Info(ctx).
		Str("transaction_id", result.TransactionID.String()).
		Str("transaction_number", result.TransactionNumber).
		Str("pharmacy_id", pharmacy.ID.String()).
		Int("inventory_lines", result.InventoryLinesUpdated).
		Int("skipped_lines", result.SkippedLines).
		Msg("POS sale committed")

	result.SyncDispatched = h.dispatch(ctx, result.TransactionID)
	return result, nil
}

func (h *ProcessSaleHandler) resolve(ctx context.Context, tx ledger.Ledger, picker *ledger.Picker, pharmacyID uuid.UUID, items []domain.SaleLine) ([]saleLine, []ledger.Warning, error) {
	var (
		lines    []saleLine
		warnings []ledger.Warning
	)
	for _, item := range items {
		drug, err := domain.ResolveDrug(ctx, tx, item)
		if errors.Is(err, ledger.ErrNotFound) {
			logger.Warn(ctx).
				Str("pharmacy_id", pharmacyID.String()).
				Str("barcode", item.Barcode).
				Str("pos_drug_id", item.DrugID).
				Msg("Skipping sale line with unknown drug")
			warnings = append(warnings, ledger.Warning{
				Category: ledger.CategoryDataIntegrity,
				Code:     ledger.CodeDrugNotFound,
				Message:  "no drug matches " + item.Ref(),
			})
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to resolve drug: %w", err)
		}

		row, available, err := picker.Pick(ctx, pharmacyID, drug.ID, item.BatchNumber, item.Quantity)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load inventory: %w", err)
		}
		if row == nil {
			logger.Warn(ctx).
				Str("pharmacy_id", pharmacyID.String()).
				Str("drug_id", drug.ID.String()).
				Msg("No inventory row for sale line, decrement skipped")
		}
		lines = append(lines, saleLine{req: item, drug: drug, row: row, available: available})
	}
	return lines, warnings, nil
}

// shortfalls lists every line whose chosen row cannot cover it. Earlier
// lines on the same row and expired batches are already netted out of
// the available figure.
func shortfalls(lines []saleLine) []string {
	var out []string
	for _, line := range lines {
		if line.row == nil || line.available >= line.req.Quantity {
			continue
		}
		out = append(out, fmt.Sprintf("%s batch %s: requested %d, available %d",
			line.drug.Name, line.row.BatchNumber, line.req.Quantity, line.available))
	}
	return out
}

func (h *ProcessSaleHandler) buildTransaction(pharmacyID uuid.UUID, sale domain.SaleRequest, lines []saleLine) *ledger.Transaction {
	txn := &ledger.Transaction{
		TransactionNumber: ledger.NewTransactionNumber(ledger.PrefixSale, pharmacyID, h.now()),
		PharmacyID:        pharmacyID,
		PrescriptionID:    sale.PrescriptionID,
		Type:              ledger.TypePOSSale,
		Status:            ledger.TransactionCompleted,
		CustomerName:      sale.CustomerName,
		CustomerPhone:     sale.CustomerPhone,
		Subtotal:          sale.Subtotal,
		TaxAmount:         sale.TaxAmount,
		DiscountAmount:    sale.DiscountAmount,
		TotalAmount:       sale.TotalAmount,
		PaymentMethod:     sale.PaymentMethod,
		PaymentReference:  sale.PaymentReference,
		CashierID:         sale.CashierID,
		POSTransactionID:  sale.POSTransactionID,
		SyncStatus:        ledger.SyncPending,
	}
	for _, line := range lines {
		item := ledger.TransactionItem{
			DrugID:      line.drug.ID,
			Quantity:    line.req.Quantity,
			UnitPrice:   line.req.UnitPrice,
			TotalPrice:  line.req.TotalPrice,
			BatchNumber: line.req.BatchNumber,
		}
		if line.row != nil {
			id := line.row.ID
			item.InventoryItemID = &id
			item.BatchNumber = line.row.BatchNumber
			item.ExpiryDate = line.row.ExpiryDate
		}
		txn.Items = append(txn.Items, item)
	}
	return txn
}

// dispatch hands the committed sale to the sync queue. A refusal is not an
// error: the row stays pending and the next sweep picks it up.
func (h *ProcessSaleHandler) dispatch(ctx context.Context, id uuid.UUID) bool {
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
