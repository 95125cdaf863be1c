package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict: the idempotency key was reused with a different
	// payload hash. The key is burned; the caller needs a new one.
	ErrConflict = errors.New("idempotency key reused with a different payload")

	// ErrDuplicateKey: an insert lost the unique-constraint race on
	// idempotency_keys.value. Callers fall back to the existing-key path.
	ErrDuplicateKey = errors.New("idempotency key already exists")
)

// ServiceError wraps any persistence or gateway failure that happens
// before the payment reaches a terminal, externally visible state. It is
// always returned after compensation ran (or was attempted).
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("payment service: %s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }
