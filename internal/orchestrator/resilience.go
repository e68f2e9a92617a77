package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig configures the pacing between attempts of the same task.
type RetryConfig struct {
	InitialInterval     time.Duration // Delay before the second attempt (default 1s)
	MaxInterval         time.Duration // Cap on the delay (default 30s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry pacing.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     1 * time.Second,
		MaxInterval:         30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// newBackoffPolicy builds an exponential policy for one task's attempt loop.
// MaxElapsedTime is disabled: the attempt count, not wall clock, bounds the
// loop.
func newBackoffPolicy(cfg RetryConfig) *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.Multiplier = cfg.Multiplier
	policy.RandomizationFactor = cfg.RandomizationFactor
	policy.MaxElapsedTime = 0
	return policy
}

// pause sleeps for the policy's next interval, returning early on
// cancellation.
func pause(ctx context.Context, policy backoff.BackOff) error {
	d := policy.NextBackOff()
	if d == backoff.Stop {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BreakerRegistry manages per-agent-kind circuit breakers. A misbehaving
// agent binary trips its own breaker without affecting other agent kinds.
type BreakerRegistry struct {
	mu       sync.Mutex
	log      *slog.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(log *slog.Logger) *BreakerRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &BreakerRegistry{
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the breaker for an agent kind, creating it on first use.
func (r *BreakerRegistry) Get(agentKind string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[agentKind]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agentKind,
		MaxRequests: 3,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn("circuit breaker state change",
				"agent_kind", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is the caller's doing, not the agent's fault.
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[agentKind] = cb
	return cb
}
