package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/example/bank-api/internal/camt"
)

// BreakerConfig tunes the circuit breaker around a Publisher.
type BreakerConfig struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	MaxHalfOpenRequests uint32
}

// Breaker stops calling a failing endpoint for OpenTimeout after
// ConsecutiveFailures failed deliveries. Rejected calls report 503.
type Breaker struct {
	next   Publisher
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

func NewBreaker(next Publisher, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "publisher"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.MaxHalfOpenRequests == 0 {
		cfg.MaxHalfOpenRequests = 1
	}

	b := &Breaker{next: next, logger: logger}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxHalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("publisher_breaker_state", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return b
}

func (b *Breaker) Publish(ctx context.Context, doc *camt.Document) Result {
	var res Result
	_, err := b.cb.Execute(func() (interface{}, error) {
		res = b.next.Publish(ctx, doc)
		if !res.Delivered {
			if res.Err != nil {
				return nil, res.Err
			}
			return nil, fmt.Errorf("delivery failed with status %d", res.HTTPStatus)
		}
		return nil, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Result{HTTPStatus: http.StatusServiceUnavailable, Err: fmt.Errorf("publisher %s unavailable: %w", b.cb.Name(), err)}
	}
	return res
}

// State exposes the breaker state for health reporting.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
