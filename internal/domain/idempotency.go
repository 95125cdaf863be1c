package domain

import (
	"time"
)

// IdempotencyKey is the key-ledger record. Value is globally unique; a
// committed record is never mutated, only deleted as a compensating
// action when payment creation or the gateway charge fails.
type IdempotencyKey struct {
	ID          int64
	Value       string
	RequestHash string
	CreatedAt   time.Time
}
