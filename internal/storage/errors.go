package storage

import "errors"

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrFixedRule is returned when deleting the protected weekend rule.
var ErrFixedRule = errors.New("credit rule is fixed")

// StoreError wraps an infrastructure failure with the operation that hit it.
// Callers treat it as transient: bounded retry, then skip and log.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
