// Package payment charges orders against a payment gateway.
package payment

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Default simulator settings.
const (
	DefaultSuccessRate = 0.95
	DefaultLatency     = 2 * time.Second
)

// Gateway charges an order. It returns false when the charge is declined
// and an error only when the gateway itself could not be reached.
type Gateway interface {
	Charge(ctx context.Context, orderID string, amount decimal.Decimal) (bool, error)
}

// GatewayFunc adapts a function to a Gateway.
type GatewayFunc func(ctx context.Context, orderID string, amount decimal.Decimal) (bool, error)

func (f GatewayFunc) Charge(ctx context.Context, orderID string, amount decimal.Decimal) (bool, error) {
	return f(ctx, orderID, amount)
}

// Simulator approves a fixed fraction of charges after a fixed latency.
type Simulator struct {
	successRate float64
	latency     time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator returns a Simulator. A seed of 0 seeds from the clock.
func NewSimulator(successRate float64, latency time.Duration, seed int64) *Simulator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{
		successRate: successRate,
		latency:     latency,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

func (s *Simulator) Charge(ctx context.Context, orderID string, amount decimal.Decimal) (bool, error) {
	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	roll := s.rng.Float64()
	s.mu.Unlock()

	return roll < s.successRate, nil
}
