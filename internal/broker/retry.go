package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy is a bounded fixed-delay retry shared by instrument search,
// price fetch, and order placement so the call sites cannot drift apart.
// There is no wall-clock deadline beyond attempts times delay.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Do runs fn until it succeeds or attempts are exhausted. Every failed
// attempt is logged with its ordinal. The inter-attempt sleep respects
// context cancellation.
func (p RetryPolicy) Do(ctx context.Context, logger zerolog.Logger, op string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		logger.Warn().
			Err(err).
			Str("operation", op).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Msg("attempt failed")

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay):
			}
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
}
