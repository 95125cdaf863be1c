package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"idempotent-payments/internal/domain"
	"idempotent-payments/internal/infrastructure/payment"
	"idempotent-payments/internal/repo"
)

// SubmitRequest is a validated payment submission. Field validation is the
// transport layer's job; the orchestrator assumes it already holds.
type SubmitRequest struct {
	AmountMinor    int64
	Currency       string
	OrderID        string
	IdempotencyKey string
	Metadata       map[string]string
}

// PaymentResponse is what both Submit and Get return. PaymentID is empty
// and Status is UNSPECIFIED on the degenerate in-flight path, where only
// the idempotency key and its creation time are known.
type PaymentResponse struct {
	PaymentID         string
	IdempotencyKey    string
	Status            domain.PaymentStatus
	GatewayExternalID string
	Message           string
	CreatedAt         time.Time
}

type PaymentService interface {
	// Submit runs the idempotent submission flow: a fresh key charges the
	// gateway exactly once, a replayed key returns the recorded payment
	// verbatim, and a reused key with a drifted payload fails with
	// domain.ErrConflict.
	Submit(ctx context.Context, req SubmitRequest) (*PaymentResponse, error)

	// Get returns the payment for an id, or (nil, nil) when absent.
	// Callers routinely probe for not-yet-visible payments, so not-found
	// is not an error.
	Get(ctx context.Context, paymentID string) (*PaymentResponse, error)
}

type paymentService struct {
	db       *sql.DB
	keys     repo.IdempotencyKeyRepo
	payments repo.PaymentRepo
	gateway  payment.PaymentGateway
	log      *slog.Logger
	now      func() time.Time
}

func NewPaymentService(
	db *sql.DB,
	keys repo.IdempotencyKeyRepo,
	payments repo.PaymentRepo,
	gateway payment.PaymentGateway,
	log *slog.Logger,
) PaymentService {
	return &paymentService{
		db:       db,
		keys:     keys,
		payments: payments,
		gateway:  gateway,
		log:      log,
		now:      time.Now,
	}
}

func (s *paymentService) Submit(ctx context.Context, req SubmitRequest) (*PaymentResponse, error) {
	h := hashRequest(req)

	// One restart is enough: losing the insert race means the winning key
	// is committed and visible to the second lookup.
	for attempt := 0; attempt < 2; attempt++ {
		key, err := s.keys.FindByValue(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, &domain.ServiceError{Op: "lookup idempotency key", Err: err}
		}
		if key != nil {
			return s.replay(ctx, key, h)
		}

		resp, err := s.submitNew(ctx, req, h)
		if errors.Is(err, domain.ErrDuplicateKey) {
			continue
		}
		return resp, err
	}

	// The insert raced and the winning record was compensated away before
	// the second lookup saw it. Safe for the caller to retry.
	return nil, &domain.ServiceError{Op: "submit", Err: errors.New("idempotency key contended")}
}

// replay handles a submission whose key is already on the ledger.
func (s *paymentService) replay(ctx context.Context, key *domain.IdempotencyKey, h string) (*PaymentResponse, error) {
	if key.RequestHash != h {
		return nil, fmt.Errorf("%w: key %q", domain.ErrConflict, key.Value)
	}

	p, err := s.payments.FindByIdempotencyKeyID(ctx, key.ID)
	if err != nil {
		return nil, &domain.ServiceError{Op: "lookup payment for key", Err: err}
	}
	if p == nil {
		// Key committed, payment not yet visible: another submission is
		// (or was) in flight. Not a terminal answer; the caller polls.
		return &PaymentResponse{
			IdempotencyKey: key.Value,
			Status:         domain.PaymentStatusUnspecified,
			CreatedAt:      key.CreatedAt,
		}, nil
	}
	return toResponse(p, key.Value), nil
}

// submitNew runs the fresh-key path: key + payment committed in one
// transaction, the charge outside any transaction, and the gateway result
// recorded after the fact.
func (s *paymentService) submitNew(ctx context.Context, req SubmitRequest, h string) (*PaymentResponse, error) {
	// Postgres keeps microseconds; truncate up front so a later replay
	// read from the ledger reproduces this response byte for byte.
	now := s.now().UTC().Truncate(time.Microsecond)

	key := &domain.IdempotencyKey{
		Value:       req.IdempotencyKey,
		RequestHash: h,
		CreatedAt:   now,
	}
	p := &domain.Payment{
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
		OrderID:     req.OrderID,
		Status:      domain.PaymentStatusPending,
		Metadata:    req.Metadata,
		CreatedAt:   now,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.keys.Insert(ctx, tx, key); err != nil {
			return err
		}
		p.IdempotencyKeyID = key.ID
		return s.payments.Create(ctx, tx, p)
	})
	if errors.Is(err, domain.ErrDuplicateKey) {
		return nil, err
	}
	if err != nil {
		return nil, &domain.ServiceError{Op: "create payment", Err: err}
	}

	res, err := s.gateway.Charge(ctx, payment.ChargeRequest{
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		OrderID:        req.OrderID,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		s.compensate(ctx, key)
		return nil, &domain.ServiceError{Op: "gateway charge", Err: err}
	}

	if err := s.payments.RecordGatewayResult(ctx, nil, p.ID, res.ExternalID, res.Status, res.Message); err != nil {
		// The money already moved; failing the call here would invite a
		// client retry of a completed charge. Return the pre-update state
		// and leave the row for reconciliation.
		s.log.WarnContext(ctx, "recording gateway result failed, payment left pending",
			"payment_id", p.ID,
			"gateway_external_id", res.ExternalID,
			"error", err,
		)
		return toResponse(p, key.Value), nil
	}

	p.GatewayExternalID = res.ExternalID
	p.Status = res.Status
	p.Message = res.Message
	return toResponse(p, key.Value), nil
}

// compensate removes the payment and its key as one rollback unit so a
// retry with the same key is treated as brand-new. Runs detached from the
// caller's cancellation: once we decide to roll back, we finish.
func (s *paymentService) compensate(ctx context.Context, key *domain.IdempotencyKey) {
	ctx = context.WithoutCancel(ctx)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.payments.DeleteByIdempotencyKeyID(ctx, tx, key.ID); err != nil {
			return err
		}
		return s.keys.Delete(ctx, tx, key.ID)
	})
	if err != nil {
		// Reported, not returned: the caller already gets the original
		// ServiceError, and the orphan sweep repairs the leftover key.
		s.log.ErrorContext(ctx, "compensation failed, idempotency key may be orphaned",
			"key", key.Value,
			"error", err,
		)
	}
}

func (s *paymentService) Get(ctx context.Context, paymentID string) (*PaymentResponse, error) {
	id, err := strconv.ParseInt(paymentID, 10, 64)
	if err != nil {
		return nil, nil // non-numeric ids cannot exist on the ledger
	}

	p, err := s.payments.FindByID(ctx, id)
	if err != nil {
		return nil, &domain.ServiceError{Op: "lookup payment", Err: err}
	}
	if p == nil {
		return nil, nil
	}

	key, err := s.keys.FindByID(ctx, p.IdempotencyKeyID)
	if err != nil {
		return nil, &domain.ServiceError{Op: "lookup idempotency key", Err: err}
	}
	value := ""
	if key != nil {
		value = key.Value
	}
	return toResponse(p, value), nil
}

// withTx runs fn inside a transaction. With no database wired (unit tests
// against fake ledgers) fn runs directly and the fakes provide atomicity.
func (s *paymentService) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.db == nil {
		return fn(nil)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func toResponse(p *domain.Payment, keyValue string) *PaymentResponse {
	return &PaymentResponse{
		PaymentID:         strconv.FormatInt(p.ID, 10),
		IdempotencyKey:    keyValue,
		Status:            p.Status,
		GatewayExternalID: p.GatewayExternalID,
		Message:           p.Message,
		CreatedAt:         p.CreatedAt,
	}
}
