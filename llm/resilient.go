package llm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/evalgo/codeatlas/cerrors"
	"github.com/sony/gobreaker"
)

// ResilientClient wraps a Client with exponential-backoff retry and a
// circuit breaker around the endpoint, so every worker gets the same
// failure-handling policy without repeating it at each call site.
type ResilientClient struct {
	inner   Client
	breaker *gobreaker.CircuitBreaker
	backoff func() backoff.BackOff
}

// ResilientConfig tunes the retry/breaker policy.
type ResilientConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// BreakerFailureThreshold is the consecutive-failure count that opens
	// the breaker.
	BreakerFailureThreshold uint32
	// BreakerOpenTimeout is how long the breaker stays open before
	// allowing a single probe request through (half-open).
	BreakerOpenTimeout time.Duration
}

// DefaultResilientConfig matches spec.md §7's "a few retries with backoff,
// then circuit-break" description.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		MaxRetries:              5,
		InitialInterval:         500 * time.Millisecond,
		MaxInterval:             30 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerOpenTimeout:      60 * time.Second,
	}
}

// NewResilientClient wraps inner with the given policy.
func NewResilientClient(inner Client, cfg ResilientConfig) *ResilientClient {
	settings := gobreaker.Settings{
		Name:        "llm-endpoint",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
		},
	}
	return &ResilientClient{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = cfg.InitialInterval
			b.MaxInterval = cfg.MaxInterval
			return backoff.WithMaxRetries(b, uint64(cfg.MaxRetries))
		},
	}
}

// Complete runs req through the breaker, retrying Transient failures with
// exponential backoff inside the breaker call so an open breaker short
// circuits the whole retry loop instead of exhausting it pointlessly.
func (c *ResilientClient) Complete(ctx context.Context, req Request) (string, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		var out string
		op := func() error {
			resp, err := c.inner.Complete(ctx, req)
			if err != nil {
				if cerrors.KindOf(err) != cerrors.Transient {
					return backoff.Permanent(err)
				}
				return err
			}
			out = resp
			return nil
		}
		if err := backoff.Retry(op, backoff.WithContext(c.backoff(), ctx)); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}
