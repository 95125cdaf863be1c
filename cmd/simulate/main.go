package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"idempotent-payments/internal/database"
	"idempotent-payments/internal/infrastructure/payment"
	"idempotent-payments/internal/repo"
	"idempotent-payments/internal/service"
	"idempotent-payments/internal/worker"
)

// Drives the orchestrator the way misbehaving clients do: every
// submission is sent twice, and every third one is also retried with a
// drifted payload. Afterwards a reconciliation pass cleans up whatever
// the flaky gateway left behind.
func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	db := database.NewPostgres()
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	keyRepo := repo.NewIdempotencyKeyRepo(db)
	paymentRepo := repo.NewPaymentRepo(db)
	gateway := payment.NewStubGateway()
	svc := service.NewPaymentService(db, keyRepo, paymentRepo, gateway, logger)

	fmt.Println("--- STARTING SIMULATION (20 SUBMISSIONS, EACH SENT TWICE) ---")
	for i := 0; i < 20; i++ {
		req := service.SubmitRequest{
			AmountMinor:    int64(1000 + i),
			Currency:       "USD",
			OrderID:        fmt.Sprintf("order-%03d", i),
			IdempotencyKey: fmt.Sprintf("sim-%03d-%d", i, time.Now().UnixNano()),
			Metadata:       map[string]string{"channel": "simulator"},
		}

		first, err := svc.Submit(ctx, req)
		report("first ", req, first, err)

		second, err := svc.Submit(ctx, req)
		report("replay", req, second, err)

		if i%3 == 0 {
			drifted := req
			drifted.AmountMinor += 1
			_, err := svc.Submit(ctx, drifted)
			fmt.Printf("  drift  -> expected conflict: %v\n", err)
		}

		fmt.Println("---------------------------------------------------")
		time.Sleep(100 * time.Millisecond)
	}

	rw := worker.NewReconciliationWorker(paymentRepo, keyRepo, gateway, time.Second, 0, logger)
	if err := rw.Process(ctx); err != nil {
		log.Printf("reconciliation: %v", err)
	}
}

func report(label string, req service.SubmitRequest, resp *service.PaymentResponse, err error) {
	if err != nil {
		fmt.Printf("  %s -> FAILED: %v\n", label, err)
		return
	}
	fmt.Printf("  %s -> payment=%s status=%s gateway=%s key=%s\n",
		label, resp.PaymentID, resp.Status, resp.GatewayExternalID, req.IdempotencyKey)
}
