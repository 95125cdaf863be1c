package worker

import (
	"context"
	"log/slog"
	"time"

	"idempotent-payments/internal/infrastructure/payment"
	"idempotent-payments/internal/repo"
)

const stuckBatchSize = 100

// ReconciliationWorker repairs the windows the submit path cannot close on
// its own: payments left PENDING because the post-charge update failed,
// and idempotency keys orphaned by a failed compensation. The gateway is
// the source of truth; the worker asks it what actually happened and
// writes that down. It never charges.
type ReconciliationWorker struct {
	payments   repo.PaymentRepo
	keys       repo.IdempotencyKeyRepo
	gateway    payment.PaymentGateway
	interval   time.Duration
	stuckAfter time.Duration
	log        *slog.Logger
	now        func() time.Time
}

func NewReconciliationWorker(
	payments repo.PaymentRepo,
	keys repo.IdempotencyKeyRepo,
	gateway payment.PaymentGateway,
	interval time.Duration,
	stuckAfter time.Duration,
	log *slog.Logger,
) *ReconciliationWorker {
	return &ReconciliationWorker{
		payments:   payments,
		keys:       keys,
		gateway:    gateway,
		interval:   interval,
		stuckAfter: stuckAfter,
		log:        log,
		now:        time.Now,
	}
}

func (rw *ReconciliationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	rw.log.InfoContext(ctx, "reconciliation worker started", "interval", rw.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rw.Process(ctx); err != nil {
				rw.log.ErrorContext(ctx, "reconciliation pass failed", "error", err)
			}
		}
	}
}

// Process runs one reconciliation pass.
func (rw *ReconciliationWorker) Process(ctx context.Context) error {
	cutoff := rw.now().UTC().Add(-rw.stuckAfter)

	stuck, err := rw.payments.FindStuckPending(ctx, cutoff, stuckBatchSize)
	if err != nil {
		return err
	}

	for _, s := range stuck {
		res, err := rw.gateway.CheckStatus(ctx, s.IdempotencyKey)
		if err != nil {
			// Leave it for the next pass.
			rw.log.WarnContext(ctx, "gateway status check failed",
				"payment_id", s.Payment.ID, "error", err)
			continue
		}

		if res == nil {
			// The gateway never saw this charge; the payment cannot
			// complete on its own.
			if err := rw.payments.MarkFailed(ctx, s.Payment.ID, "no gateway record for charge"); err != nil {
				rw.log.WarnContext(ctx, "marking abandoned payment failed",
					"payment_id", s.Payment.ID, "error", err)
			}
			continue
		}

		if err := rw.payments.RecordGatewayResult(ctx, nil, s.Payment.ID, res.ExternalID, res.Status, res.Message); err != nil {
			rw.log.WarnContext(ctx, "recording reconciled gateway result failed",
				"payment_id", s.Payment.ID, "error", err)
			continue
		}
		rw.log.InfoContext(ctx, "reconciled stuck payment",
			"payment_id", s.Payment.ID, "status", res.Status)
	}

	removed, err := rw.keys.DeleteOrphanedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		rw.log.InfoContext(ctx, "removed orphaned idempotency keys", "count", removed)
	}
	return nil
}
