package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	ledger "github.com/tair/rxsync/internal/ledger/domain"
)

// Date accepts the ISO-8601 forms the authority sends, with or without a
// zone and with or without a time part. Values without a zone are UTC.
type Date struct {
	time.Time
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseDate parses s with the layouts Date accepts.
func ParseDate(s string) (Date, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Date{t.UTC()}, nil
		}
	}
	return Date{}, fmt.Errorf("invalid ISO-8601 date %q", s)
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(d.UTC().Format(time.RFC3339))
}

// PrescriptionEvent is a prescription pushed by the authority for
// dispensing at one of our pharmacies.
type PrescriptionEvent struct {
	PrescriptionID   string          `json:"prescription_id"`
	PharmacyID       string          `json:"pharmacy_id"`
	PatientID        string          `json:"patient_id,omitempty"`
	PatientName      string          `json:"patient_name,omitempty"`
	PatientPhone     string          `json:"patient_phone,omitempty"`
	DoctorName       string          `json:"doctor_name,omitempty"`
	DoctorLicense    string          `json:"doctor_license,omitempty"`
	PrescriptionDate Date            `json:"prescription_date"`
	ExpiryDate       Date            `json:"expiry_date"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	CopayAmount      decimal.Decimal `json:"copay_amount"`
	InsuranceAmount  decimal.Decimal `json:"insurance_amount"`
	Notes            string          `json:"notes,omitempty"`
	TransactionID    string          `json:"transaction_id,omitempty"`
	Items            []EventItem     `json:"items"`
}

// EventItem names a drug by its authority id.
type EventItem struct {
	DrugID             string           `json:"wasfaty_drug_id"`
	Quantity           int              `json:"quantity"`
	UnitPrice          *decimal.Decimal `json:"unit_price,omitempty"`
	DosageInstructions string           `json:"dosage_instructions,omitempty"`
	IsSubstitutable    bool             `json:"is_substitutable,omitempty"`
}

// Validate checks required fields. An empty item list is not a shape error;
// it is rejected after remote validation.
func (e *PrescriptionEvent) Validate() error {
	var details []string
	if strings.TrimSpace(e.PrescriptionID) == "" {
		details = append(details, "prescription_id is required")
	}
	if strings.TrimSpace(e.PharmacyID) == "" {
		details = append(details, "pharmacy_id is required")
	}
	if e.PrescriptionDate.IsZero() {
		details = append(details, "prescription_date is required")
	}
	if e.ExpiryDate.IsZero() {
		details = append(details, "expiry_date is required")
	}
	for i, item := range e.Items {
		if strings.TrimSpace(item.DrugID) == "" {
			details = append(details, fmt.Sprintf("items[%d]: wasfaty_drug_id is required", i))
		}
		if item.Quantity <= 0 {
			details = append(details, fmt.Sprintf("items[%d]: quantity must be positive", i))
		}
		if item.UnitPrice != nil && item.UnitPrice.IsNegative() {
			details = append(details, fmt.Sprintf("items[%d]: unit_price cannot be negative", i))
		}
	}
	if len(details) > 0 {
		return ledger.ValidationError(ledger.CodeInvalidRequest, "invalid prescription event", details...)
	}
	return nil
}

// State is a step of the prescription event state machine.
type State string

const (
	StatePendingValidation     State = "pending-validation"
	StateValidated             State = "validated"
	StateRejected              State = "rejected"
	StateRecorded              State = "recorded"
	StateAvailable             State = "available"
	StateInsufficientInventory State = "insufficient-inventory"
	StateDispensed             State = "dispensed"
)

// StockLevel is one item's availability.
type StockLevel struct {
	DrugID    uuid.UUID `json:"drug_id"`
	DrugName  string    `json:"drug_name"`
	Required  int       `json:"required_quantity"`
	Available int       `json:"available_quantity"`
	Minimum   int       `json:"minimum_stock,omitempty"`
}

// Availability is the outcome of checking every prescription item.
type Availability struct {
	Shortfalls []StockLevel `json:"missing_items"`
	LowStock   []StockLevel `json:"low_stock_items"`
}

// Available reports whether nothing blocks dispensing.
func (a Availability) Available() bool { return len(a.Shortfalls) == 0 }

// Details renders shortfalls for an error detail list.
func (a Availability) Details() []string {
	out := make([]string, 0, len(a.Shortfalls))
	for _, s := range a.Shortfalls {
		out = append(out, fmt.Sprintf("%s: required %d, available %d", s.DrugName, s.Required, s.Available))
	}
	return out
}

// InventoryUpdate describes a stock row changed by a dispense.
type InventoryUpdate struct {
	InventoryItemID   uuid.UUID `json:"inventory_item_id"`
	DrugID            uuid.UUID `json:"drug_id"`
	DrugName          string    `json:"drug_name"`
	BatchNumber       string    `json:"batch_number,omitempty"`
	OldStock          int       `json:"old_stock"`
	NewStock          int       `json:"new_stock"`
	QuantityDispensed int       `json:"quantity_dispensed"`
}

// PrescriptionResult is returned when an event ends dispensed, including the
// case where it had already been dispensed by an earlier delivery.
type PrescriptionResult struct {
	State             State             `json:"state"`
	PrescriptionID    uuid.UUID         `json:"prescription_id"`
	TransactionID     uuid.UUID         `json:"transaction_id"`
	TransactionNumber string            `json:"transaction_number"`
	AlreadyDispensed  bool              `json:"already_dispensed"`
	InventoryUpdates  []InventoryUpdate `json:"inventory_updates"`
	LowStock          []StockLevel      `json:"low_stock_items,omitempty"`
	Warnings          []ledger.Warning  `json:"warnings,omitempty"`
	SyncDispatched    bool              `json:"sync_dispatched"`
}
