package payment

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"idempotent-payments/internal/domain"
)

// StubGateway simulates an external processor. Outcomes are weighted:
// most charges are approved, some are declined, and a few time out on the
// wire after the money has already moved on the gateway side. Results are
// memoized per idempotency key so a repeated charge or a CheckStatus probe
// sees the original outcome.
type StubGateway struct {
	mu      sync.RWMutex
	results map[string]*ChargeResult

	// Percentages out of 100. DeclineRate charges fail as a business
	// rejection; TimeoutRate charges succeed gateway-side but return a
	// transport error to the caller.
	DeclineRate int
	TimeoutRate int
	Latency     time.Duration
}

var ErrGatewayTimeout = errors.New("gateway: connection timeout")

func NewStubGateway() *StubGateway {
	return &StubGateway{
		results:     make(map[string]*ChargeResult),
		DeclineRate: 20,
		TimeoutRate: 10,
		Latency:     100 * time.Millisecond,
	}
}

func (g *StubGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	g.mu.RLock()
	if res, ok := g.results[req.IdempotencyKey]; ok {
		g.mu.RUnlock()
		return res, nil
	}
	g.mu.RUnlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(g.Latency):
	}

	chance := rand.IntN(100)
	switch {
	case chance < g.TimeoutRate:
		// The charge lands gateway-side but the response never makes it
		// back. The caller sees an opaque error; only CheckStatus can
		// reveal what really happened.
		g.record(req.IdempotencyKey, &ChargeResult{
			ExternalID: uuid.NewString(),
			Status:     domain.PaymentStatusSucceeded,
			Message:    "approved",
		})
		return nil, ErrGatewayTimeout

	case chance < g.TimeoutRate+g.DeclineRate:
		res := &ChargeResult{
			ExternalID: uuid.NewString(),
			Status:     domain.PaymentStatusFailed,
			Message:    "card declined",
		}
		g.record(req.IdempotencyKey, res)
		return res, nil

	default:
		res := &ChargeResult{
			ExternalID: uuid.NewString(),
			Status:     domain.PaymentStatusSucceeded,
			Message:    "approved",
		}
		g.record(req.IdempotencyKey, res)
		return res, nil
	}
}

func (g *StubGateway) CheckStatus(ctx context.Context, idempotencyKey string) (*ChargeResult, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if res, ok := g.results[idempotencyKey]; ok {
		return res, nil
	}
	return nil, nil // no record of this charge
}

func (g *StubGateway) record(key string, res *ChargeResult) {
	g.mu.Lock()
	g.results[key] = res
	g.mu.Unlock()
}
