package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"idempotent-payments/internal/database"
	"idempotent-payments/internal/infrastructure/payment"
	"idempotent-payments/internal/repo"
	"idempotent-payments/internal/server"
	"idempotent-payments/internal/service"
	"idempotent-payments/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	db := database.NewPostgres()
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	keyRepo := repo.NewIdempotencyKeyRepo(db)
	paymentRepo := repo.NewPaymentRepo(db)
	gateway := payment.NewStubGateway()
	paymentService := service.NewPaymentService(db, keyRepo, paymentRepo, gateway, logger)

	reconciler := worker.NewReconciliationWorker(
		paymentRepo,
		keyRepo,
		gateway,
		envDuration("PAYMENTS_RECONCILE_INTERVAL", 30*time.Second),
		envDuration("PAYMENTS_RECONCILE_STUCK_AFTER", time.Minute),
		logger,
	)
	go reconciler.Run(ctx)

	srv := &http.Server{
		Addr:    ":" + envOr("PAYMENTS_PORT", "8080"),
		Handler: server.New(paymentService, database.New(db), logger).Routes(),
	}

	go func() {
		logger.Info("payment service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envDuration(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("%s: %v", name, err)
	}
	return d
}
