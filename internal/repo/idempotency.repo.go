package repo

import (
	"context"
	"database/sql"
	"time"

	"idempotent-payments/internal/domain"
)

type IdempotencyKeyRepo interface {
	// Insert persists a new key and fills in its id. A lost race on the
	// value uniqueness constraint is reported as domain.ErrDuplicateKey.
	Insert(ctx context.Context, tx *sql.Tx, key *domain.IdempotencyKey) error
	FindByValue(ctx context.Context, value string) (*domain.IdempotencyKey, error)
	FindByID(ctx context.Context, id int64) (*domain.IdempotencyKey, error)
	// Delete removes a key as a compensating action.
	Delete(ctx context.Context, tx *sql.Tx, id int64) error
	// DeleteOrphanedBefore removes keys older than the cutoff that never
	// got a linked payment (the crash window between key commit and
	// payment commit). Returns the number of keys removed.
	DeleteOrphanedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type idempotencyKeyRepo struct {
	db *sql.DB
}

func NewIdempotencyKeyRepo(db *sql.DB) IdempotencyKeyRepo {
	return &idempotencyKeyRepo{db: db}
}

func (r *idempotencyKeyRepo) Insert(ctx context.Context, tx *sql.Tx, key *domain.IdempotencyKey) error {
	query := `INSERT INTO idempotency_keys (value, request_hash, created_at) VALUES ($1, $2, $3) RETURNING id`

	err := pick(r.db, tx).QueryRowContext(ctx, query, key.Value, key.RequestHash, key.CreatedAt).Scan(&key.ID)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateKey
	}
	return err
}

func (r *idempotencyKeyRepo) FindByValue(ctx context.Context, value string) (*domain.IdempotencyKey, error) {
	query := `SELECT id, value, request_hash, created_at FROM idempotency_keys WHERE value = $1`

	var key domain.IdempotencyKey
	err := r.db.QueryRowContext(ctx, query, value).Scan(
		&key.ID,
		&key.Value,
		&key.RequestHash,
		&key.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil // not found
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (r *idempotencyKeyRepo) FindByID(ctx context.Context, id int64) (*domain.IdempotencyKey, error) {
	query := `SELECT id, value, request_hash, created_at FROM idempotency_keys WHERE id = $1`

	var key domain.IdempotencyKey
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&key.ID,
		&key.Value,
		&key.RequestHash,
		&key.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (r *idempotencyKeyRepo) Delete(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := pick(r.db, tx).ExecContext(ctx, `DELETE FROM idempotency_keys WHERE id = $1`, id)
	return err
}

func (r *idempotencyKeyRepo) DeleteOrphanedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM idempotency_keys k
		WHERE k.created_at < $1
		AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.idempotency_key_id = k.id)
	`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
