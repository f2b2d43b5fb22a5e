package domain

// TransactionType distinguishes how a ledger transaction entered the system.
type TransactionType string

const (
	TypePOSSale           TransactionType = "pos_sale"
	TypeAuthorityDispense TransactionType = "authority_dispense"
)

// TransactionStatus is the local lifecycle of a transaction.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
	TransactionCancelled TransactionStatus = "cancelled"
)

// SyncStatus tracks whether the authority mirror of a row is up to date.
type SyncStatus string

const (
	SyncPending    SyncStatus = "pending"
	SyncInProgress SyncStatus = "in_progress"
	SyncCompleted  SyncStatus = "completed"
	SyncFailed     SyncStatus = "failed"
)

// PrescriptionStatus is the lifecycle of a prescription.
type PrescriptionStatus string

const (
	PrescriptionActive    PrescriptionStatus = "active"
	PrescriptionDispensed PrescriptionStatus = "dispensed"
	PrescriptionExpired   PrescriptionStatus = "expired"
	PrescriptionCancelled PrescriptionStatus = "cancelled"
)

// SyncDirection is recorded on every SyncLog row.
type SyncDirection string

const (
	DirectionLocalToRemote SyncDirection = "local_to_remote"
	DirectionRemoteToLocal SyncDirection = "remote_to_local"
)

// Sync types written to SyncLog.sync_type.
const (
	SyncTypePOSSale           = "pos_sale_sync"
	SyncTypeDispense          = "prescription_dispense_sync"
	SyncTypeInventoryUpdate   = "inventory_update"
	SyncTypePrescriptionEvent = "prescription_ingest"
)

// Entity types written to SyncLog.entity_type.
const (
	EntityTransaction  = "transaction"
	EntityInventory    = "inventory"
	EntityPrescription = "prescription"
)
