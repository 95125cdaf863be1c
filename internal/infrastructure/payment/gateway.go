package payment

import (
	"context"

	"idempotent-payments/internal/domain"
)

// ChargeRequest carries the fields the gateway needs to move money.
type ChargeRequest struct {
	AmountMinor    int64
	Currency       string
	OrderID        string
	IdempotencyKey string
	Metadata       map[string]string
}

// ChargeResult is the gateway's answer to a charge. A business rejection
// (declined card, insufficient funds) is a successful call with status
// FAILED; an error return means the call itself did not complete and the
// money may or may not have moved.
type ChargeResult struct {
	ExternalID string
	Status     domain.PaymentStatus
	Message    string
}

type PaymentGateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)

	// CheckStatus returns the recorded outcome for an idempotency key,
	// or nil if the gateway has no record of it. Used by reconciliation,
	// never by the submit path.
	CheckStatus(ctx context.Context, idempotencyKey string) (*ChargeResult, error)
}
