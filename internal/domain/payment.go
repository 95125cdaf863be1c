package domain

import (
	"time"
)

type PaymentStatus string

const (
	// PaymentStatusUnspecified is never persisted; it only shows up in
	// responses when no payment row exists yet for a committed key.
	PaymentStatusUnspecified PaymentStatus = "UNSPECIFIED"
	PaymentStatusPending     PaymentStatus = "PENDING"
	PaymentStatusSucceeded   PaymentStatus = "SUCCEEDED"
	PaymentStatusFailed      PaymentStatus = "FAILED"
)

// ParsePaymentStatus maps a stored status string to the enum, falling back
// to UNSPECIFIED for anything unknown. The fallback is a display concern
// only and must never be written back to the ledger.
func ParsePaymentStatus(s string) PaymentStatus {
	switch PaymentStatus(s) {
	case PaymentStatusPending, PaymentStatusSucceeded, PaymentStatusFailed:
		return PaymentStatus(s)
	default:
		return PaymentStatusUnspecified
	}
}

// Terminal reports whether the status will not change again.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusSucceeded || s == PaymentStatusFailed
}

// Payment is the payment-ledger record. Exactly one payment is linked to
// an idempotency key; amount, currency, order id and metadata are frozen
// at creation. Only the gateway-result update mutates a row, and it runs
// at most once.
type Payment struct {
	ID                int64
	IdempotencyKeyID  int64
	GatewayExternalID string // empty until the gateway result is recorded
	AmountMinor       int64
	Currency          string
	OrderID           string
	Status            PaymentStatus
	Message           string
	Metadata          map[string]string
	CreatedAt         time.Time
}
