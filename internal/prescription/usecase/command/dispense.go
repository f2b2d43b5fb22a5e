package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	ledger "github.com/tair/rxsync/internal/ledger/domain"
	"github.com/tair/rxsync/internal/prescription/domain"
	"github.com/tair/rxsync/pkg/logger"
)

// allocation is the stock row a prescription item draws from.
type allocation struct {
	item      ledger.PrescriptionItem
	row       *ledger.InventoryItem
	available int
}

// checkAvailability walks every item. Stock an earlier item draws from a
// row is not offered to a later one, and expired batches count as empty.
func checkAvailability(ctx context.Context, tx ledger.Ledger, rx *ledger.Prescription, now time.Time) ([]allocation, domain.Availability, error) {
	var (
		allocs []allocation
		avail  domain.Availability
	)
	picker := ledger.NewPicker(tx, now)
	for _, item := range rx.Items {
		row, available, err := picker.Pick(ctx, rx.PharmacyID, item.DrugID, "", item.PrescribedQuantity)
		if err != nil {
			return nil, avail, fmt.Errorf("failed to load inventory: %w", err)
		}
		allocs = append(allocs, allocation{item: item, row: row, available: available})
	}

	for _, a := range allocs {
		level := domain.StockLevel{
			DrugID:   a.item.DrugID,
			DrugName: drugName(a.item),
			Required: a.item.PrescribedQuantity,
		}
		if a.row == nil {
			avail.Shortfalls = append(avail.Shortfalls, level)
			continue
		}
		level.Available = a.available
		level.Minimum = a.row.MinimumStock
		switch {
		case a.available < a.item.PrescribedQuantity:
			avail.Shortfalls = append(avail.Shortfalls, level)
		case a.row.CurrentStock <= a.row.MinimumStock:
			avail.LowStock = append(avail.LowStock, level)
		}
	}
	return allocs, avail, nil
}

// dispense commits the dispensing transaction, the decrements and finally
// the prescription status flip as one unit. Stock and transaction both
// belong to the prescription's own pharmacy.
func (h *ProcessPrescriptionHandler) dispense(ctx context.Context, rx *ledger.Prescription, event domain.PrescriptionEvent) (*domain.PrescriptionResult, error) {
	result := &domain.PrescriptionResult{State: domain.StateDispensed, PrescriptionID: rx.ID}

	err := h.ledger.InTx(ctx, func(tx ledger.Ledger) error {
		now := h.now()
		allocs, avail, err := checkAvailability(ctx, tx, rx, now)
		if err != nil {
			return err
		}
		if !avail.Available() {
			logState(ctx, event, domain.StateInsufficientInventory)
			return ledger.ConflictError("insufficient inventory to dispense prescription", avail.Details()...)
		}
		logState(ctx, event, domain.StateAvailable)
		result.LowStock = avail.LowStock

		txn := &ledger.Transaction{
			TransactionNumber:      ledger.NewTransactionNumber(ledger.PrefixDispense, rx.PharmacyID, now),
			PharmacyID:             rx.PharmacyID,
			PrescriptionID:         &rx.ID,
			Type:                   ledger.TypeAuthorityDispense,
			Status:                 ledger.TransactionCompleted,
			CustomerName:           rx.PatientName,
			CustomerPhone:          rx.PatientPhone,
			PaymentMethod:          "insurance",
			AuthorityTransactionID: event.TransactionID,
			SyncStatus:             ledger.SyncPending,
		}
		total := decimal.Zero
		for _, a := range allocs {
			id := a.row.ID
			txn.Items = append(txn.Items, ledger.TransactionItem{
				DrugID:          a.item.DrugID,
				InventoryItemID: &id,
				Quantity:        a.item.PrescribedQuantity,
				UnitPrice:       a.item.UnitPrice,
				TotalPrice:      a.item.TotalPrice,
				BatchNumber:     a.row.BatchNumber,
				ExpiryDate:      a.row.ExpiryDate,
			})
			total = total.Add(a.item.TotalPrice)
		}
		if rx.TotalAmount.IsPositive() {
			total = rx.TotalAmount
		}
		txn.Subtotal = total
		txn.TotalAmount = total

		if err := tx.CreateTransaction(ctx, txn); err != nil {
			return fmt.Errorf("failed to create dispense transaction: %w", err)
		}
		if err := tx.SetDispensedQuantities(ctx, rx.ID); err != nil {
			return err
		}

		remaining := make(map[uuid.UUID]int)
		for _, a := range allocs {
			if _, ok := remaining[a.row.ID]; !ok {
				remaining[a.row.ID] = a.row.CurrentStock
			}
			if err := tx.DecrementStock(ctx, a.row.ID, a.item.PrescribedQuantity); err != nil {
				if errors.Is(err, ledger.ErrInsufficientStock) {
					return ledger.ConflictError("insufficient inventory to dispense prescription",
						drugName(a.item)+": stock changed concurrently")
				}
				return fmt.Errorf("failed to decrement stock: %w", err)
			}
			old := remaining[a.row.ID]
			remaining[a.row.ID] = old - a.item.PrescribedQuantity
			result.InventoryUpdates = append(result.InventoryUpdates, domain.InventoryUpdate{
				InventoryItemID:   a.row.ID,
				DrugID:            a.item.DrugID,
				DrugName:          drugName(a.item),
				BatchNumber:       a.row.BatchNumber,
				OldStock:          old,
				NewStock:          old - a.item.PrescribedQuantity,
				QuantityDispensed: a.item.PrescribedQuantity,
			})
		}

		// the status flip is last so dispensed is only ever derived from
		// durable stock and transaction rows
		if err := tx.MarkPrescriptionDispensed(ctx, rx.ID, now); err != nil {
			return err
		}

		result.TransactionID = txn.ID
		result.TransactionNumber = txn.TransactionNumber
		return nil
	})
	if err != nil {
		var op *ledger.OpError
		switch {
		case errors.As(err, &op):
			return nil, op
		case errors.Is(err, ledger.ErrStatusChanged):
			return nil, err
		}
		return nil, ledger.ProcessingError("failed to dispense prescription", err)
	}

	for _, low := range result.LowStock {
		logger.Warn(ctx).
			Str("pharmacy_id", rx.PharmacyID.String()).
			Str("drug_name", low.DrugName).
			Int("current_stock", low.Available).
			Int("minimum_stock", low.Minimum).
			Msg("Stock at or below minimum after dispense check")
	}
	logger.Info(ctx).
		Str("authority_prescription_id", rx.AuthorityPrescriptionID).
		Str("transaction_id", result.TransactionID.String()).
		Int("inventory_updates", len(result.InventoryUpdates)).
		Msg("Prescription dispensed")
	return result, nil
}

func drugName(item ledger.PrescriptionItem) string {
	if item.Drug != nil {
		return item.Drug.Name
	}
	return item.DrugID.String()
}
