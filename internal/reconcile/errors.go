package reconcile

import (
	"errors"
	"fmt"

	"github.com/roach88/factsync/internal/audit"
)

// ErrorCode categorizes a skipped snapshot record.
type ErrorCode string

const (
	// ErrCodeMissingNaturalKey indicates the record has no (or a null) natural key.
	ErrCodeMissingNaturalKey ErrorCode = "MISSING_NATURAL_KEY"

	// ErrCodeMissingTimestamp indicates the record has no (or a null) timestamp.
	ErrCodeMissingTimestamp ErrorCode = "MISSING_TIMESTAMP"

	// ErrCodeUnknownField indicates a field that is not a column of the table.
	ErrCodeUnknownField ErrorCode = "UNKNOWN_FIELD"

	// ErrCodeInvalidValue indicates a value that does not fit its column type.
	ErrCodeInvalidValue ErrorCode = "INVALID_VALUE"

	// ErrCodeDuplicateKey indicates a natural key already seen earlier in the snapshot.
	ErrCodeDuplicateKey ErrorCode = "DUPLICATE_KEY"
)

// ReconciliationError describes one snapshot record that was skipped.
type ReconciliationError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Table is the table being reconciled.
	Table string

	// Index is the record's position in the snapshot.
	Index int

	// Key is the record's natural key, when it had one.
	Key string

	// Message is a human-readable description.
	Message string
}

// Error implements the error interface.
func (e *ReconciliationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: %s (table=%s, index=%d, key=%s)", e.Code, e.Message, e.Table, e.Index, e.Key)
	}
	return fmt.Sprintf("%s: %s (table=%s, index=%d)", e.Code, e.Message, e.Table, e.Index)
}

// AuditLine converts the error to its audit representation.
func (e *ReconciliationError) AuditLine() audit.ErrorLine {
	return audit.ErrorLine{
		Table:   e.Table,
		Code:    string(e.Code),
		Index:   e.Index,
		Key:     e.Key,
		Message: e.Message,
	}
}

// IsReconciliationError reports whether err is or wraps a *ReconciliationError.
func IsReconciliationError(err error) bool {
	var re *ReconciliationError
	return errors.As(err, &re)
}

// HasCode reports whether err is a *ReconciliationError with the given code.
// Uses errors.As to handle wrapped errors.
func HasCode(err error, code ErrorCode) bool {
	var re *ReconciliationError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}
