package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	ledger "github.com/tair/rxsync/internal/ledger/domain"
)

// SaleRequest is a completed sale as reported by the point of sale.
type SaleRequest struct {
	POSTransactionID string          `json:"pos_transaction_id,omitempty"`
	CustomerName     string          `json:"customer_name,omitempty"`
	CustomerPhone    string          `json:"customer_phone,omitempty"`
	PaymentMethod    string          `json:"payment_method"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	CashierID        string          `json:"cashier_id,omitempty"`
	PrescriptionID   *uuid.UUID      `json:"prescription_id,omitempty"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	TaxAmount        decimal.Decimal `json:"tax_amount"`
	DiscountAmount   decimal.Decimal `json:"discount_amount"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	Items            []SaleLine      `json:"items"`
}

// SaleLine identifies a drug by barcode or by the POS's own drug id.
type SaleLine struct {
	Barcode     string          `json:"barcode,omitempty"`
	DrugID      string          `json:"drug_id,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalPrice  decimal.Decimal `json:"total_price"`
	BatchNumber string          `json:"batch_number,omitempty"`
}

// Ref is how the line is named in messages.
func (l SaleLine) Ref() string {
	if l.Barcode != "" {
		return "barcode " + l.Barcode
	}
	return "drug " + l.DrugID
}

// Validate checks the request shape before it reaches the ledger.
func (r *SaleRequest) Validate() error {
	var details []string
	if len(r.Items) == 0 {
		details = append(details, "items: at least one line is required")
	}
	for i, line := range r.Items {
		if strings.TrimSpace(line.Barcode) == "" && strings.TrimSpace(line.DrugID) == "" {
			details = append(details, fmt.Sprintf("items[%d]: barcode or drug_id is required", i))
		}
		if line.Quantity <= 0 {
			details = append(details, fmt.Sprintf("items[%d]: quantity must be positive", i))
		}
		if line.UnitPrice.IsNegative() || line.TotalPrice.IsNegative() {
			details = append(details, fmt.Sprintf("items[%d]: prices cannot be negative", i))
		}
	}
	if r.TaxAmount.IsNegative() || r.DiscountAmount.IsNegative() || r.TotalAmount.IsNegative() {
		details = append(details, "amounts cannot be negative")
	}
	if len(details) > 0 {
		return ledger.ValidationError(ledger.CodeInvalidRequest, "invalid sale request", details...)
	}
	return nil
}

// Normalize fills derived money fields the POS left empty.
func (r *SaleRequest) Normalize() {
	subtotal := decimal.Zero
	for i := range r.Items {
		line := &r.Items[i]
		if line.TotalPrice.IsZero() {
			line.TotalPrice = line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
		}
		subtotal = subtotal.Add(line.TotalPrice)
	}
	if r.Subtotal.IsZero() {
		r.Subtotal = subtotal
	}
	if r.TotalAmount.IsZero() {
		r.TotalAmount = r.Subtotal.Add(r.TaxAmount).Sub(r.DiscountAmount)
	}
	if r.PaymentMethod == "" {
		r.PaymentMethod = "cash"
	}
}

// InventoryUpdate describes one stock row changed by a sale.
type InventoryUpdate struct {
	InventoryItemID uuid.UUID `json:"inventory_item_id"`
	DrugID          uuid.UUID `json:"drug_id"`
	DrugName        string    `json:"drug_name"`
	Barcode         string    `json:"barcode,omitempty"`
	BatchNumber     string    `json:"batch_number,omitempty"`
	OldStock        int       `json:"old_stock"`
	NewStock        int       `json:"new_stock"`
	QuantitySold    int       `json:"quantity_sold"`
}

// SaleResult is returned once the sale is durable locally.
type SaleResult struct {
	TransactionID         uuid.UUID         `json:"transaction_id"`
	TransactionNumber     string            `json:"transaction_number"`
	SyncStatus            ledger.SyncStatus `json:"sync_status"`
	InventoryLinesUpdated int               `json:"inventory_lines_updated"`
	InventoryUpdates      []InventoryUpdate `json:"inventory_updates"`
	SkippedLines          int               `json:"skipped_lines"`
	Warnings              []ledger.Warning  `json:"warnings,omitempty"`
	SyncDispatched        bool              `json:"sync_dispatched"`
}

// Issue is one finding of a read-only sale validation.
type Issue struct {
	Line    int    `json:"line"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult is valid only when Errors is empty.
type ValidationResult struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}
