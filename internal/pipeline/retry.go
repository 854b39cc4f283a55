package pipeline

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rendis/lifecycle/pkg/schema"
)

// IsRetryableError classifies whether a failed job should be delivered again.
// Coded errors decide by their code; network faults and timeouts are retried;
// anything else is retried and left to the attempt limit.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Shutting down: the job stays in flight and is recovered on the next start.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var le *schema.LifecycleError
	if errors.As(err, &le) {
		return le.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{"validation failed", "invalid payload", "unauthorized", "forbidden"} {
		if strings.Contains(msg, p) {
			return false
		}
	}
	return true
}

// RedeliveryPolicy bounds job redelivery.
type RedeliveryPolicy struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

// DefaultRedeliveryPolicy returns the policy used when none is configured.
func DefaultRedeliveryPolicy() RedeliveryPolicy {
	return RedeliveryPolicy{
		MaxAttempts:     20,
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2,
	}
}

// Exhausted reports whether a job on its attempt-th delivery may not be retried again.
func (p RedeliveryPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Delay returns the wait before the delivery following attempt (1-based).
func (p RedeliveryPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
