package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicate         = errors.New("duplicate natural key")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrChecksumMismatch  = errors.New("snapshot checksum mismatch")
	ErrSnapshotNotFound  = errors.New("snapshot not found")
	ErrUnsupportedSchema = errors.New("unsupported snapshot schema version")
)

// ConnectionError means a store or the platform could not be reached. It is
// fatal to the run that encounters it.
type ConnectionError struct {
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s unreachable: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsFatal reports whether err aborts a run.
func IsFatal(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// RecordError is a recoverable per-record failure.
type RecordError struct {
	Key     string `json:"key"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e RecordError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Key, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Key, e.Message)
}
