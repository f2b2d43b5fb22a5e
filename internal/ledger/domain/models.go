package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Pharmacy is the root aggregate for all operational data.
type Pharmacy struct {
	ID            uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	Name          string         `json:"name" gorm:"not null"`
	LicenseNumber string         `json:"license_number" gorm:"not null;uniqueIndex"`
	AuthorityID   *string        `json:"authority_id,omitempty" gorm:"uniqueIndex"`
	POSSystemID   string         `json:"pos_system_id,omitempty"`
	IsActive      bool           `json:"is_active" gorm:"not null"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName specifies the table name
func (Pharmacy) TableName() string { return "pharmacies" }

func (p *Pharmacy) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// RemoteID is the identifier the authority knows this pharmacy by. Unlinked
// pharmacies fall back to the local id.
func (p *Pharmacy) RemoteID() string {
	if p.AuthorityID != nil && *p.AuthorityID != "" {
		return *p.AuthorityID
	}
	return p.ID.String()
}

// Drug is immutable master data maintained by the catalog sync.
type Drug struct {
	ID                   uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	Name                 string          `json:"name" gorm:"not null;index"`
	GenericName          string          `json:"generic_name,omitempty"`
	BrandName            string          `json:"brand_name,omitempty"`
	Barcode              *string         `json:"barcode,omitempty" gorm:"uniqueIndex"`
	POSDrugID            string          `json:"pos_drug_id,omitempty" gorm:"index"`
	AuthorityDrugID      *string         `json:"authority_drug_id,omitempty" gorm:"uniqueIndex"`
	UnitPrice            decimal.Decimal `json:"unit_price" gorm:"type:numeric(12,2);not null;default:0"`
	PrescriptionRequired bool            `json:"prescription_required" gorm:"not null"`
	ControlledSubstance  bool            `json:"controlled_substance" gorm:"not null;default:false"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// TableName specifies the table name
func (Drug) TableName() string { return "drugs" }

func (d *Drug) BeforeCreate(*gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// InventoryItem is one stock row keyed by (pharmacy, drug, batch).
// ReservedStock is persisted for a future reservation workflow and is not
// read or written by the sync engine.
type InventoryItem struct {
	ID            uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	PharmacyID    uuid.UUID       `json:"pharmacy_id" gorm:"type:uuid;not null;uniqueIndex:ux_inventory_pharmacy_drug_batch,priority:1"`
	DrugID        uuid.UUID       `json:"drug_id" gorm:"type:uuid;not null;uniqueIndex:ux_inventory_pharmacy_drug_batch,priority:2"`
	BatchNumber   string          `json:"batch_number" gorm:"not null;default:'';uniqueIndex:ux_inventory_pharmacy_drug_batch,priority:3"`
	CurrentStock  int             `json:"current_stock" gorm:"not null;default:0;check:chk_inventory_stock_non_negative,current_stock >= 0"`
	ReservedStock int             `json:"reserved_stock" gorm:"not null;default:0"`
	MinimumStock  int             `json:"minimum_stock" gorm:"not null;default:0"`
	MaximumStock  int             `json:"maximum_stock" gorm:"not null;default:0"`
	ExpiryDate    *time.Time      `json:"expiry_date,omitempty"`
	CostPrice     decimal.Decimal `json:"cost_price" gorm:"type:numeric(12,2);not null;default:0"`
	SellingPrice  decimal.Decimal `json:"selling_price" gorm:"type:numeric(12,2);not null;default:0"`
	SyncStatus    SyncStatus      `json:"sync_status" gorm:"type:varchar(20);not null;default:'completed';index"`
	LastSyncAt    *time.Time      `json:"last_sync_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`

	Drug *Drug `json:"drug,omitempty" gorm:"foreignKey:DrugID"`
}

// TableName specifies the table name
func (InventoryItem) TableName() string { return "inventory_items" }

func (i *InventoryItem) BeforeCreate(*gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	if i.SyncStatus == "" {
		i.SyncStatus = SyncCompleted
	}
	return nil
}

// Prescription mirrors a prescription issued by the authority.
type Prescription struct {
	ID                      uuid.UUID          `json:"id" gorm:"type:uuid;primaryKey"`
	AuthorityPrescriptionID string             `json:"authority_prescription_id" gorm:"not null;uniqueIndex"`
	PharmacyID              uuid.UUID          `json:"pharmacy_id" gorm:"type:uuid;not null;index"`
	PatientID               string             `json:"patient_id,omitempty" gorm:"index"`
	PatientName             string             `json:"patient_name,omitempty"`
	PatientPhone            string             `json:"patient_phone,omitempty"`
	DoctorName              string             `json:"doctor_name,omitempty"`
	DoctorLicense           string             `json:"doctor_license,omitempty"`
	PrescriptionDate        time.Time          `json:"prescription_date" gorm:"not null"`
	ExpiryDate              time.Time          `json:"expiry_date" gorm:"not null"`
	Status                  PrescriptionStatus `json:"status" gorm:"type:varchar(20);not null;default:'active';index"`
	IsValidated             bool               `json:"is_validated" gorm:"not null;default:false"`
	ValidationDate          *time.Time         `json:"validation_date,omitempty"`
	DispensedDate           *time.Time         `json:"dispensed_date,omitempty"`
	TotalAmount             decimal.Decimal    `json:"total_amount" gorm:"type:numeric(12,2);not null;default:0"`
	CopayAmount             decimal.Decimal    `json:"copay_amount" gorm:"type:numeric(12,2);not null;default:0"`
	InsuranceAmount         decimal.Decimal    `json:"insurance_amount" gorm:"type:numeric(12,2);not null;default:0"`
	Notes                   string             `json:"notes,omitempty"`
	CreatedAt               time.Time          `json:"created_at"`
	UpdatedAt               time.Time          `json:"updated_at"`

	Items []PrescriptionItem `json:"items,omitempty" gorm:"foreignKey:PrescriptionID"`
}

// TableName specifies the table name
func (Prescription) TableName() string { return "prescriptions" }

func (p *Prescription) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// PrescriptionItem is one prescribed drug line.
type PrescriptionItem struct {
	ID                 uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	PrescriptionID     uuid.UUID       `json:"prescription_id" gorm:"type:uuid;not null;index"`
	DrugID             uuid.UUID       `json:"drug_id" gorm:"type:uuid;not null"`
	PrescribedQuantity int             `json:"prescribed_quantity" gorm:"not null"`
	DispensedQuantity  int             `json:"dispensed_quantity" gorm:"not null;default:0"`
	UnitPrice          decimal.Decimal `json:"unit_price" gorm:"type:numeric(12,2);not null;default:0"`
	TotalPrice         decimal.Decimal `json:"total_price" gorm:"type:numeric(12,2);not null;default:0"`
	DosageInstructions string          `json:"dosage_instructions,omitempty"`
	IsSubstitutable    bool            `json:"is_substitutable" gorm:"not null;default:false"`
	SubstitutedDrugID  *uuid.UUID      `json:"substituted_drug_id,omitempty" gorm:"type:uuid"`
	CreatedAt          time.Time       `json:"created_at"`

	Drug *Drug `json:"drug,omitempty" gorm:"foreignKey:DrugID"`
}

// TableName specifies the table name
func (PrescriptionItem) TableName() string { return "prescription_items" }

func (i *PrescriptionItem) BeforeCreate(*gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// Transaction is a committed sale or dispense and its authority sync state.
type Transaction struct {
	ID                     uuid.UUID         `json:"id" gorm:"type:uuid;primaryKey"`
	TransactionNumber      string            `json:"transaction_number" gorm:"not null;uniqueIndex"`
	PharmacyID             uuid.UUID         `json:"pharmacy_id" gorm:"type:uuid;not null;index"`
	PrescriptionID         *uuid.UUID        `json:"prescription_id,omitempty" gorm:"type:uuid;index"`
	Type                   TransactionType   `json:"transaction_type" gorm:"column:transaction_type;type:varchar(30);not null;index"`
	Status                 TransactionStatus `json:"status" gorm:"type:varchar(20);not null;default:'pending'"`
	CustomerName           string            `json:"customer_name,omitempty"`
	CustomerPhone          string            `json:"customer_phone,omitempty"`
	Subtotal               decimal.Decimal   `json:"subtotal" gorm:"type:numeric(12,2);not null;default:0"`
	TaxAmount              decimal.Decimal   `json:"tax_amount" gorm:"type:numeric(12,2);not null;default:0"`
	DiscountAmount         decimal.Decimal   `json:"discount_amount" gorm:"type:numeric(12,2);not null;default:0"`
	TotalAmount            decimal.Decimal   `json:"total_amount" gorm:"type:numeric(12,2);not null;default:0"`
	PaymentMethod          string            `json:"payment_method,omitempty"`
	PaymentReference       string            `json:"payment_reference,omitempty"`
	CashierID              string            `json:"cashier_id,omitempty"`
	POSTransactionID       string            `json:"pos_transaction_id,omitempty"`
	AuthorityTransactionID string            `json:"authority_transaction_id,omitempty"`
	SyncStatus             SyncStatus        `json:"sync_status" gorm:"type:varchar(20);not null;default:'pending';index"`
	SyncAttempts           int               `json:"sync_attempts" gorm:"not null;default:0"`
	LastSyncAt             *time.Time        `json:"last_sync_at,omitempty"`
	ErrorMessage           string            `json:"error_message,omitempty"`
	CreatedAt              time.Time         `json:"created_at" gorm:"index"`
	UpdatedAt              time.Time         `json:"updated_at"`

	Items        []TransactionItem `json:"items,omitempty" gorm:"foreignKey:TransactionID"`
	Prescription *Prescription     `json:"prescription,omitempty" gorm:"foreignKey:PrescriptionID"`
	Pharmacy     *Pharmacy         `json:"-" gorm:"foreignKey:PharmacyID"`
}

// TableName specifies the table name
func (Transaction) TableName() string { return "transactions" }

func (t *Transaction) BeforeCreate(*gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// TransactionItem is one sold or dispensed line.
type TransactionItem struct {
	ID              uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	TransactionID   uuid.UUID       `json:"transaction_id" gorm:"type:uuid;not null;index"`
	DrugID          uuid.UUID       `json:"drug_id" gorm:"type:uuid;not null"`
	InventoryItemID *uuid.UUID      `json:"inventory_item_id,omitempty" gorm:"type:uuid"`
	Quantity        int             `json:"quantity" gorm:"not null"`
	UnitPrice       decimal.Decimal `json:"unit_price" gorm:"type:numeric(12,2);not null"`
	TotalPrice      decimal.Decimal `json:"total_price" gorm:"type:numeric(12,2);not null"`
	BatchNumber     string          `json:"batch_number,omitempty"`
	ExpiryDate      *time.Time      `json:"expiry_date,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`

	Drug *Drug `json:"drug,omitempty" gorm:"foreignKey:DrugID"`
}

// TableName specifies the table name
func (TransactionItem) TableName() string { return "transaction_items" }

func (i *TransactionItem) BeforeCreate(*gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// SyncLog is the append-only audit record of one synchronization attempt.
// Rows reference their subject by id only and are never updated.
type SyncLog struct {
	ID               uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	PharmacyID       *uuid.UUID     `json:"pharmacy_id,omitempty" gorm:"type:uuid;index"`
	SyncType         string         `json:"sync_type" gorm:"type:varchar(50);not null;index"`
	EntityType       string         `json:"entity_type" gorm:"type:varchar(50);not null"`
	EntityID         string         `json:"entity_id" gorm:"type:varchar(100);index"`
	Direction        SyncDirection  `json:"direction" gorm:"type:varchar(20);not null"`
	Status           SyncStatus     `json:"status" gorm:"type:varchar(20);not null;index"`
	ErrorCategory    ErrorCategory  `json:"error_category,omitempty" gorm:"type:varchar(30)"`
	RequestData      datatypes.JSON `json:"request_data,omitempty"`
	ResponseData     datatypes.JSON `json:"response_data,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
	Attempt          int            `json:"attempt"`
	CreatedAt        time.Time      `json:"created_at" gorm:"index"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// TableName specifies the table name
func (SyncLog) TableName() string { return "sync_logs" }

func (l *SyncLog) BeforeCreate(*gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

// AllModels lists every entity for AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{
		&Pharmacy{},
		&Drug{},
		&InventoryItem{},
		&Prescription{},
		&PrescriptionItem{},
		&Transaction{},
		&TransactionItem{},
		&SyncLog{},
	}
}
