package kafka

import "time"

// TransactionCommittedEvent announces a committed transaction that needs an
// authority sync attempt. It carries only the id; consumers rebuild the
// payload from the ledger.
type TransactionCommittedEvent struct {
	EventID         string    `json:"event_id"`
	EventType       string    `json:"event_type"`
	TransactionID   string    `json:"transaction_id"`
	TransactionType string    `json:"transaction_type,omitempty"`
	PharmacyID      string    `json:"pharmacy_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Event types
const (
	EventTypeTransactionCommitted = "transaction.committed"
	EventTypePrescriptionReceived = "prescription.received"
)

// Kafka topics
const (
	TopicTransactionCommitted = "rxsync-transaction-committed"
	TopicPrescriptionEvents   = "authority-prescription-events"
)
