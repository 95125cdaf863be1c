package repo

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"idempotent-payments/internal/database"
	"idempotent-payments/internal/domain"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("payments"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.Migrate(ctx, db))
	return db
}

func mustKey(t *testing.T, keys IdempotencyKeyRepo, value string, createdAt time.Time) *domain.IdempotencyKey {
	t.Helper()
	key := &domain.IdempotencyKey{Value: value, RequestHash: "h-" + value, CreatedAt: createdAt}
	require.NoError(t, keys.Insert(context.Background(), nil, key))
	require.NotZero(t, key.ID)
	return key
}

func mustPayment(t *testing.T, payments PaymentRepo, keyID int64, createdAt time.Time) *domain.Payment {
	t.Helper()
	p := &domain.Payment{
		IdempotencyKeyID: keyID,
		AmountMinor:      1000,
		Currency:         "USD",
		OrderID:          "O1",
		Status:           domain.PaymentStatusPending,
		Metadata:         map[string]string{"channel": "web"},
		CreatedAt:        createdAt,
	}
	require.NoError(t, payments.Create(context.Background(), nil, p))
	require.NotZero(t, p.ID)
	return p
}

func TestIdempotencyKeyInsertAndFind(t *testing.T) {
	db := setupDB(t)
	keys := NewIdempotencyKeyRepo(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	key := mustKey(t, keys, "K1", now)

	found, err := keys.FindByValue(ctx, "K1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, key.ID, found.ID)
	assert.Equal(t, "h-K1", found.RequestHash)
	assert.True(t, now.Equal(found.CreatedAt))

	byID, err := keys.FindByID(ctx, key.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "K1", byID.Value)

	missing, err := keys.FindByValue(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)

	dup := &domain.IdempotencyKey{Value: "K1", RequestHash: "other", CreatedAt: now}
	err = keys.Insert(ctx, nil, dup)
	assert.ErrorIs(t, err, domain.ErrDuplicateKey)
}

func TestIdempotencyKeyDelete(t *testing.T) {
	db := setupDB(t)
	keys := NewIdempotencyKeyRepo(db)
	ctx := context.Background()

	key := mustKey(t, keys, "K1", time.Now().UTC())
	require.NoError(t, keys.Delete(ctx, nil, key.ID))

	found, err := keys.FindByValue(ctx, "K1")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestConcurrentInsertSingleWinner(t *testing.T) {
	db := setupDB(t)
	keys := NewIdempotencyKeyRepo(db)
	ctx := context.Background()
	now := time.Now().UTC()

	const callers = 10
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := &domain.IdempotencyKey{Value: "contended", RequestHash: "h", CreatedAt: now}
			errs[i] = keys.Insert(ctx, nil, key)
		}(i)
	}
	wg.Wait()

	winners, losers := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, domain.ErrDuplicateKey):
			losers++
		default:
			t.Fatalf("unexpected insert error: %v", err)
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, callers-1, losers)
}

func TestDeleteOrphanedBefore(t *testing.T) {
	db := setupDB(t)
	keys := NewIdempotencyKeyRepo(db)
	payments := NewPaymentRepo(db)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	recent := time.Now().UTC()

	oldOrphan := mustKey(t, keys, "old-orphan", old)
	oldLinked := mustKey(t, keys, "old-linked", old)
	mustPayment(t, payments, oldLinked.ID, old)
	freshOrphan := mustKey(t, keys, "fresh-orphan", recent)

	removed, err := keys.DeleteOrphanedBefore(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	gone, err := keys.FindByID(ctx, oldOrphan.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	for _, id := range []int64{oldLinked.ID, freshOrphan.ID} {
		kept, err := keys.FindByID(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, kept)
	}
}

func TestPaymentCreateAndFind(t *testing.T) {
	db := setupDB(t)
	keys := NewIdempotencyKeyRepo(db)
	payments := NewPaymentRepo(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	key := mustKey(t, keys, "K1", now)
	p := mustPayment(t, payments, key.ID, now)

	found, err := payments.FindByID(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, key.ID, found.IdempotencyKeyID)
	assert.Equal(t, int64(1000), found.AmountMinor)
	assert.Equal(t, domain.PaymentStatusPending, found.Status)
	assert.Empty(t, found.GatewayExternalID)
	assert.Equal(t, map[string]string{"channel": "web"}, found.Metadata)
	assert.True(t, now.Equal(found.CreatedAt))

	byKey, err := payments.FindByIdempotencyKeyID(ctx, key.ID)
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, p.ID, byKey.ID)

	missing, err := payments.FindByID(ctx, 999999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPaymentOnePerKey(t *testing.T) {
	db := setupDB(t)
	keys := NewIdempotencyKeyRepo(db)
	payments := NewPaymentRepo(db)
	now := time.Now().UTC()

	key := mustKey(t, keys, "K1", now)
	mustPayment(t, payments, key.ID, now)

	second := &domain.Payment{
		IdempotencyKeyID: key.ID,
		AmountMinor:      1000,
		Currency:         "USD",
		OrderID:          "O1",
		Status:           domain.PaymentStatusPending,
		CreatedAt:        now,
	}
	err := payments.Create(context.Background(), nil, second)
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))
}

func TestRecordGatewayResultRunsAtMostOnce(t *testing.T) {
	db := setupDB(t)
	keys := NewIdempotencyKeyRepo(db)
	payments := NewPaymentRepo(db)
	ctx := context.Background()
	now := time.Now().UTC()

	key := mustKey(t, keys, "K1", now)
	p := mustPayment(t, payments, key.ID, now)

	require.NoError(t, payments.RecordGatewayResult(ctx, nil, p.ID, "gw-1", domain.PaymentStatusSucceeded, "approved"))

	// A second attempt must not overwrite the recorded result.
	require.NoError(t, payments.RecordGatewayResult(ctx, nil, p.ID, "gw-2", domain.PaymentStatusFailed, "late duplicate"))

	found, err := payments.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "gw-1", found.GatewayExternalID)
	assert.Equal(t, domain.PaymentStatusSucceeded, found.Status)
	assert.Equal(t, "approved", found.Message)
}

func TestMarkFailedOnlyTouchesPending(t *testing.T) {
	db := setupDB(t)
	keys := NewIdempotencyKeyRepo(db)
	payments := NewPaymentRepo(db)
	ctx := context.Background()
	now := time.Now().UTC()

	key := mustKey(t, keys, "K1", now)
	p := mustPayment(t, payments, key.ID, now)

	require.NoError(t, payments.MarkFailed(ctx, p.ID, "no gateway record for charge"))
	found, err := payments.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, found.Status)

	// Already terminal: a second MarkFailed is a no-op.
	require.NoError(t, payments.MarkFailed(ctx, p.ID, "should not apply"))
	found, err = payments.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "no gateway record for charge", found.Message)
}

func TestFindStuckPending(t *testing.T) {
	db := setupDB(t)
	keys := NewIdempotencyKeyRepo(db)
	payments := NewPaymentRepo(db)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	recent := time.Now().UTC()

	stuckKey := mustKey(t, keys, "stuck", old)
	mustPayment(t, payments, stuckKey.ID, old)

	freshKey := mustKey(t, keys, "fresh", recent)
	mustPayment(t, payments, freshKey.ID, recent)

	doneKey := mustKey(t, keys, "done", old)
	done := mustPayment(t, payments, doneKey.ID, old)
	require.NoError(t, payments.RecordGatewayResult(ctx, nil, done.ID, "gw-done", domain.PaymentStatusSucceeded, "approved"))

	stuck, err := payments.FindStuckPending(ctx, time.Now().UTC().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "stuck", stuck[0].IdempotencyKey)
	assert.Equal(t, domain.PaymentStatusPending, stuck[0].Payment.Status)
}

func TestDeleteByIdempotencyKeyID(t *testing.T) {
	db := setupDB(t)
	keys := NewIdempotencyKeyRepo(db)
	payments := NewPaymentRepo(db)
	ctx := context.Background()
	now := time.Now().UTC()

	key := mustKey(t, keys, "K1", now)
	p := mustPayment(t, payments, key.ID, now)

	require.NoError(t, payments.DeleteByIdempotencyKeyID(ctx, nil, key.ID))

	found, err := payments.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, found)
}
