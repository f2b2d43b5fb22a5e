package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory is the machine-readable class of a failed operation.
type ErrorCategory string

const (
	CategoryValidation       ErrorCategory = "validation"
	CategoryResourceConflict ErrorCategory = "resource_conflict"
	CategoryRemoteTransient  ErrorCategory = "remote_transient"
	CategoryRemoteAuth       ErrorCategory = "remote_auth"
	CategoryDataIntegrity    ErrorCategory = "data_integrity"
	CategoryProcessing       ErrorCategory = "processing"
)

// Machine-readable codes carried by OpError.
const (
	CodeInvalidPharmacy      = "invalid-pharmacy"
	CodePharmacyMismatch     = "pharmacy-mismatch"
	CodeDrugNotFound         = "drug-not-found"
	CodePrescriptionRequired = "prescription-required"
	CodeInvalidRequest       = "invalid-request"
	CodePrescriptionInvalid  = "prescription-invalid"
	CodePrescriptionExpired  = "prescription-expired"
	CodeNoItems              = "no-items"
	CodeInsufficientStock    = "insufficient-inventory"
	CodeAlreadyDispensed     = "already-dispensed"
	CodeNotFailed            = "not-failed"
	CodeNotFound             = "not-found"
	CodeRemoteUnavailable    = "remote-unavailable"
	CodeRemoteAuth           = "remote-auth"
	CodeRemoteRejected       = "remote-rejected"
	CodePersistence          = "persistence"
)

var (
	// ErrNotFound is returned by the ledger when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrInsufficientStock is returned when a conditional decrement matched no row.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrStatusChanged is returned when a conditional status flip lost its race.
	ErrStatusChanged = errors.New("status changed concurrently")
	// ErrDuplicate is returned when an insert hits a unique key.
	ErrDuplicate = errors.New("duplicate record")
)

// OpError is a business failure carrying its category and detail list.
type OpError struct {
	Category ErrorCategory `json:"category"`
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Details  []string      `json:"details,omitempty"`
	Err      error         `json:"-"`
}

func (e *OpError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(e.Details, "; "))
}

func (e *OpError) Unwrap() error { return e.Err }

// NewOpError builds an OpError.
func NewOpError(category ErrorCategory, code, message string, details ...string) *OpError {
	return &OpError{Category: category, Code: code, Message: message, Details: details}
}

// ValidationError is shorthand for a validation-category OpError.
func ValidationError(code, message string, details ...string) *OpError {
	return NewOpError(CategoryValidation, code, message, details...)
}

// ConflictError reports an inventory shortfall.
func ConflictError(message string, shortfalls ...string) *OpError {
	return NewOpError(CategoryResourceConflict, CodeInsufficientStock, message, shortfalls...)
}

// ProcessingError wraps a persistence or unexpected failure.
func ProcessingError(message string, err error) *OpError {
	e := NewOpError(CategoryProcessing, CodePersistence, message)
	if err != nil {
		e.Details = []string{err.Error()}
	}
	e.Err = err
	return e
}

// Categorizer is implemented by errors that know their own category, such
// as the authority client's error types.
type Categorizer interface {
	Category() ErrorCategory
}

// CategoryOf classifies any error. Unknown errors are processing failures.
func CategoryOf(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	var op *OpError
	if errors.As(err, &op) {
		return op.Category
	}
	var c Categorizer
	if errors.As(err, &c) {
		return c.Category()
	}
	if errors.Is(err, ErrInsufficientStock) {
		return CategoryResourceConflict
	}
	return CategoryProcessing
}

// Warning is a non-fatal anomaly attached to a result.
type Warning struct {
	Category ErrorCategory `json:"category"`
	Code     string        `json:"code"`
	Message  string        `json:"message"`
}
