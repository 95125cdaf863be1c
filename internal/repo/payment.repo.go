package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"idempotent-payments/internal/domain"
)

// StuckPayment is a pending payment joined with its idempotency key value,
// as needed by the reconciliation worker to interrogate the gateway.
type StuckPayment struct {
	Payment        domain.Payment
	IdempotencyKey string
}

type PaymentRepo interface {
	Create(ctx context.Context, tx *sql.Tx, payment *domain.Payment) error
	FindByID(ctx context.Context, id int64) (*domain.Payment, error)
	FindByIdempotencyKeyID(ctx context.Context, keyID int64) (*domain.Payment, error)
	// RecordGatewayResult attaches the gateway outcome to a payment. It
	// only touches rows that have no gateway identity yet, so it cannot
	// overwrite a previously recorded result.
	RecordGatewayResult(ctx context.Context, tx *sql.Tx, id int64, externalID string, status domain.PaymentStatus, message string) error
	// MarkFailed finalizes a still-pending payment as FAILED without
	// attaching a gateway identity. Used by reconciliation when the
	// gateway has no record of the charge.
	MarkFailed(ctx context.Context, id int64, message string) error
	// DeleteByIdempotencyKeyID removes a payment as a compensating action.
	DeleteByIdempotencyKeyID(ctx context.Context, tx *sql.Tx, keyID int64) error
	// FindStuckPending lists payments still PENDING with no gateway
	// identity created before the cutoff.
	FindStuckPending(ctx context.Context, cutoff time.Time, limit int) ([]StuckPayment, error)
}

type paymentRepo struct {
	db *sql.DB
}

func NewPaymentRepo(db *sql.DB) PaymentRepo {
	return &paymentRepo{db: db}
}

func (r *paymentRepo) Create(ctx context.Context, tx *sql.Tx, payment *domain.Payment) error {
	query := `
		INSERT INTO payments (idempotency_key_id, amount_minor, currency, order_id, status, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	meta, err := marshalMetadata(payment.Metadata)
	if err != nil {
		return err
	}
	return pick(r.db, tx).QueryRowContext(
		ctx, query,
		payment.IdempotencyKeyID,
		payment.AmountMinor,
		payment.Currency,
		payment.OrderID,
		string(payment.Status),
		payment.Message,
		meta,
		payment.CreatedAt,
	).Scan(&payment.ID)
}

func (r *paymentRepo) FindByID(ctx context.Context, id int64) (*domain.Payment, error) {
	query := selectPayment + ` WHERE id = $1`
	return scanPayment(r.db.QueryRowContext(ctx, query, id))
}

func (r *paymentRepo) FindByIdempotencyKeyID(ctx context.Context, keyID int64) (*domain.Payment, error) {
	query := selectPayment + ` WHERE idempotency_key_id = $1`
	return scanPayment(r.db.QueryRowContext(ctx, query, keyID))
}

func (r *paymentRepo) RecordGatewayResult(ctx context.Context, tx *sql.Tx, id int64, externalID string, status domain.PaymentStatus, message string) error {
	query := `
		UPDATE payments
		SET gateway_external_id = $2,
		    status = $3,
		    message = $4
		WHERE id = $1
		AND gateway_external_id IS NULL
	`
	_, err := pick(r.db, tx).ExecContext(ctx, query, id, externalID, string(status), message)
	return err
}

func (r *paymentRepo) MarkFailed(ctx context.Context, id int64, message string) error {
	query := `
		UPDATE payments
		SET status = $2,
		    message = $3
		WHERE id = $1
		AND status = $4
	`
	_, err := r.db.ExecContext(ctx, query, id, string(domain.PaymentStatusFailed), message, string(domain.PaymentStatusPending))
	return err
}

func (r *paymentRepo) DeleteByIdempotencyKeyID(ctx context.Context, tx *sql.Tx, keyID int64) error {
	_, err := pick(r.db, tx).ExecContext(ctx, `DELETE FROM payments WHERE idempotency_key_id = $1`, keyID)
	return err
}

func (r *paymentRepo) FindStuckPending(ctx context.Context, cutoff time.Time, limit int) ([]StuckPayment, error) {
	query := `
		SELECT p.id, p.idempotency_key_id, p.gateway_external_id, p.amount_minor, p.currency,
		       p.order_id, p.status, p.message, p.metadata, p.created_at, k.value
		FROM payments p
		JOIN idempotency_keys k ON k.id = p.idempotency_key_id
		WHERE p.status = $1
		AND p.gateway_external_id IS NULL
		AND p.created_at < $2
		ORDER BY p.created_at
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, string(domain.PaymentStatusPending), cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stuck []StuckPayment
	for rows.Next() {
		var (
			s      StuckPayment
			extID  sql.NullString
			status string
			meta   []byte
		)
		if err := rows.Scan(
			&s.Payment.ID,
			&s.Payment.IdempotencyKeyID,
			&extID,
			&s.Payment.AmountMinor,
			&s.Payment.Currency,
			&s.Payment.OrderID,
			&status,
			&s.Payment.Message,
			&meta,
			&s.Payment.CreatedAt,
			&s.IdempotencyKey,
		); err != nil {
			return nil, err
		}
		s.Payment.GatewayExternalID = extID.String
		s.Payment.Status = domain.ParsePaymentStatus(status)
		if err := unmarshalMetadata(meta, &s.Payment.Metadata); err != nil {
			return nil, err
		}
		stuck = append(stuck, s)
	}
	return stuck, rows.Err()
}

const selectPayment = `
	SELECT id, idempotency_key_id, gateway_external_id, amount_minor, currency,
	       order_id, status, message, metadata, created_at
	FROM payments
`

func scanPayment(row *sql.Row) (*domain.Payment, error) {
	var (
		p      domain.Payment
		extID  sql.NullString
		status string
		meta   []byte
	)
	err := row.Scan(
		&p.ID,
		&p.IdempotencyKeyID,
		&extID,
		&p.AmountMinor,
		&p.Currency,
		&p.OrderID,
		&status,
		&p.Message,
		&meta,
		&p.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil // not found
	}
	if err != nil {
		return nil, err
	}
	p.GatewayExternalID = extID.String
	p.Status = domain.ParsePaymentStatus(status)
	if err := unmarshalMetadata(meta, &p.Metadata); err != nil {
		return nil, err
	}
	return &p, nil
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	return json.Marshal(m)
}

func unmarshalMetadata(b []byte, into *map[string]string) error {
	if len(b) == 0 {
		*into = map[string]string{}
		return nil
	}
	return json.Unmarshal(b, into)
}
