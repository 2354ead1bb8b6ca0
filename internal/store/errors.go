package store

import (
	"errors"
	"fmt"
)

var (
	// ErrTableNotFound is returned when a table does not exist.
	ErrTableNotFound = errors.New("table not found")

	// ErrNotPersisted is returned when an operation needs a stored identity
	// and the record has none.
	ErrNotPersisted = errors.New("record is not persisted")

	// ErrRowNotFound is returned when an update matches no row.
	ErrRowNotFound = errors.New("row not found")
)

// StorageError wraps every database failure with the operation and table.
// No operation is retried.
type StorageError struct {
	Op    string
	Table string
	Err   error
}

func (e *StorageError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err is or wraps a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageErr(op, table string, err error) error {
	return &StorageError{Op: op, Table: table, Err: err}
}
