package authority

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tair/rxsync/pkg/logger"
)

// ValidatePrescriptionRequest is the body of prescriptions/validate.
type ValidatePrescriptionRequest struct {
	PrescriptionID      string    `json:"prescription_id" authority:"sensitive"`
	PharmacyID          string    `json:"pharmacy_id"`
	ValidationTimestamp time.Time `json:"validation_timestamp"`
}

// ValidationResponse is the authority's verdict on a prescription.
type ValidationResponse struct {
	IsValid        bool   `json:"is_valid"`
	Status         string `json:"status,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Message        string `json:"message,omitempty"`
	PrescriptionID string `json:"prescription_id,omitempty"`
	PatientID      string `json:"patient_id,omitempty"`
}

// PrescriptionDetails is the full prescription as the authority holds it.
type PrescriptionDetails struct {
	PrescriptionID   string                   `json:"prescription_id"`
	PatientID        string                   `json:"patient_id,omitempty"`
	PatientName      string                   `json:"patient_name,omitempty"`
	PatientPhone     string                   `json:"patient_phone,omitempty"`
	DoctorName       string                   `json:"doctor_name,omitempty"`
	DoctorLicense    string                   `json:"doctor_license,omitempty"`
	PrescriptionDate string                   `json:"prescription_date,omitempty"`
	ExpiryDate       string                   `json:"expiry_date,omitempty"`
	Status           string                   `json:"status,omitempty"`
	Items            []PrescriptionDetailItem `json:"items,omitempty"`
}

type PrescriptionDetailItem struct {
	DrugID             string  `json:"wasfaty_drug_id"`
	Quantity           int     `json:"quantity"`
	UnitPrice          float64 `json:"unit_price,omitempty"`
	DosageInstructions string  `json:"dosage_instructions,omitempty"`
	IsSubstitutable    bool    `json:"is_substitutable,omitempty"`
}

// DispensedItem is one line reported as dispensed.
type DispensedItem struct {
	DrugID            string  `json:"wasfaty_drug_id"`
	QuantityDispensed int     `json:"quantity_dispensed"`
	UnitPrice         float64 `json:"unit_price"`
	BatchNumber       string  `json:"batch_number,omitempty"`
}

// DispenseRequest is the body of prescriptions/{id}/dispense.
type DispenseRequest struct {
	PharmacyID     string          `json:"pharmacy_id"`
	TransactionID  string          `json:"transaction_id"`
	DispensedItems []DispensedItem `json:"dispensed_items"`
	DispensedAt    time.Time       `json:"dispensed_at"`
}

// Acknowledgement is the common shape of write responses.
type Acknowledgement struct {
	Success                bool   `json:"success"`
	Status                 string `json:"status,omitempty"`
	Message                string `json:"message,omitempty"`
	AuthorityTransactionID string `json:"wasfaty_transaction_id,omitempty"`
}

// InventoryUpdate is the current state of one stock row.
type InventoryUpdate struct {
	DrugID       string     `json:"drug_id"`
	RemoteDrugID string     `json:"wasfaty_drug_id,omitempty"`
	DrugName     string     `json:"drug_name"`
	Barcode      string     `json:"barcode,omitempty"`
	BatchNumber  string     `json:"batch_number,omitempty"`
	CurrentStock int        `json:"current_stock"`
	ExpiryDate   *time.Time `json:"expiry_date,omitempty"`
}

// InventorySyncRequest is the body of inventory/sync.
type InventorySyncRequest struct {
	PharmacyID    string            `json:"pharmacy_id"`
	Updates       []InventoryUpdate `json:"updates"`
	SyncTimestamp time.Time         `json:"sync_timestamp"`
}

// DrugInfo is the authority's catalogue entry for a drug.
type DrugInfo struct {
	DrugID               string  `json:"wasfaty_drug_id"`
	Name                 string  `json:"name"`
	GenericName          string  `json:"generic_name,omitempty"`
	BrandName            string  `json:"brand_name,omitempty"`
	Barcode              string  `json:"barcode,omitempty"`
	UnitPrice            float64 `json:"unit_price,omitempty"`
	PrescriptionRequired bool    `json:"prescription_required"`
	ControlledSubstance  bool    `json:"controlled_substance"`
}

// SaleLine is one line of a reported POS sale.
type SaleLine struct {
	DrugID       string  `json:"wasfaty_drug_id"`
	QuantitySold int     `json:"quantity_sold"`
	UnitPrice    float64 `json:"unit_price"`
	BatchNumber  string  `json:"batch_number,omitempty"`
}

// POSTransactionReport is the body of transactions/report.
type POSTransactionReport struct {
	PharmacyID      string     `json:"pharmacy_id"`
	TransactionID   string     `json:"transaction_id"`
	TransactionType string     `json:"transaction_type"`
	Timestamp       time.Time  `json:"timestamp"`
	TotalAmount     float64    `json:"total_amount"`
	PatientPhone    string     `json:"patient_phone,omitempty" authority:"sensitive"`
	Items           []SaleLine `json:"items"`
}

// Health is the response of the health endpoint.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// SystemStatus reports authority availability and maintenance windows.
type SystemStatus struct {
	Status      string            `json:"status"`
	Maintenance bool              `json:"maintenance"`
	Message     string            `json:"message,omitempty"`
	Services    map[string]string `json:"services,omitempty"`
}

// ValidatePrescription asks the authority whether a prescription may be
// dispensed at pharmacyID.
func (c *Client) ValidatePrescription(ctx context.Context, prescriptionID, pharmacyID string) (*ValidationResponse, error) {
	var resp ValidationResponse
	err := c.Request(ctx, http.MethodPost, "prescriptions/validate", ValidatePrescriptionRequest{
		PrescriptionID:      prescriptionID,
		PharmacyID:          pharmacyID,
		ValidationTimestamp: time.Now().UTC(),
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to validate prescription: %w", err)
	}
	logger.Info(ctx).
		Str("authority_prescription_id", prescriptionID).
		Bool("is_valid", resp.IsValid).
		Msg("Prescription validated")
	return &resp, nil
}

// GetPrescriptionDetails fetches the authority's copy of a prescription.
func (c *Client) GetPrescriptionDetails(ctx context.Context, prescriptionID string) (*PrescriptionDetails, error) {
	var resp PrescriptionDetails
	if err := c.Request(ctx, http.MethodGet, "prescriptions/"+url.PathEscape(prescriptionID), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get prescription details: %w", err)
	}
	return &resp, nil
}

// MarkPrescriptionDispensed records a dispense with the authority.
func (c *Client) MarkPrescriptionDispensed(ctx context.Context, prescriptionID string, req DispenseRequest) (*Acknowledgement, error) {
	var resp Acknowledgement
	endpoint := "prescriptions/" + url.PathEscape(prescriptionID) + "/dispense"
	if err := c.Request(ctx, http.MethodPost, endpoint, req, &resp); err != nil {
		return nil, fmt.Errorf("failed to mark prescription dispensed: %w", err)
	}
	logger.Info(ctx).
		Str("authority_prescription_id", prescriptionID).
		Str("transaction_id", req.TransactionID).
		Msg("Prescription marked dispensed")
	return &resp, nil
}

// SyncInventoryUpdate pushes stock levels for one pharmacy.
func (c *Client) SyncInventoryUpdate(ctx context.Context, pharmacyID string, updates []InventoryUpdate) (*Acknowledgement, error) {
	var resp Acknowledgement
	err := c.Request(ctx, http.MethodPost, "inventory/sync", InventorySyncRequest{
		PharmacyID:    pharmacyID,
		Updates:       updates,
		SyncTimestamp: time.Now().UTC(),
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to sync inventory: %w", err)
	}
	logger.Info(ctx).
		Str("pharmacy_id", pharmacyID).
		Int("updates", len(updates)).
		Msg("Inventory synced")
	return &resp, nil
}

// LookupDrug resolves a barcode, NDC or authority drug id.
func (c *Client) LookupDrug(ctx context.Context, identifier string) (*DrugInfo, error) {
	var resp DrugInfo
	if err := c.Request(ctx, http.MethodGet, "drugs/lookup/"+url.PathEscape(identifier), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to look up drug: %w", err)
	}
	return &resp, nil
}

// ReportPOSTransaction reports a completed sale.
func (c *Client) ReportPOSTransaction(ctx context.Context, report POSTransactionReport) (*Acknowledgement, error) {
	var resp Acknowledgement
	if err := c.Request(ctx, http.MethodPost, "transactions/report", report, &resp); err != nil {
		return nil, fmt.Errorf("failed to report transaction: %w", err)
	}
	logger.Info(ctx).
		Str("transaction_id", report.TransactionID).
		Str("authority_transaction_id", resp.AuthorityTransactionID).
		Msg("POS transaction reported")
	return &resp, nil
}

// HealthCheck probes the authority API.
func (c *Client) HealthCheck(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.Request(ctx, http.MethodGet, "health", nil, &resp); err != nil {
		return nil, fmt.Errorf("authority health check failed: %w", err)
	}
	return &resp, nil
}

// GetSystemStatus returns the authority's status and maintenance info.
func (c *Client) GetSystemStatus(ctx context.Context) (*SystemStatus, error) {
	var resp SystemStatus
	if err := c.Request(ctx, http.MethodGet, "system/status", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get system status: %w", err)
	}
	return &resp, nil
}
