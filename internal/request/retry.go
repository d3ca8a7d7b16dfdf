package request

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
)

// Policy bounds how often a logical attempt is repeated after transient
// failures. The zero value performs a single attempt.
type Policy struct {
	MaxRetries int
	// Backoff is the delay before the first retry, doubled for every further
	// retry. Zero retries immediately.
	Backoff    time.Duration
	MaxBackoff time.Duration
	Logger     zerolog.Logger
}

func DefaultPolicy() Policy {
	return Policy{Logger: zerolog.Nop()}
}

// Do runs op until it succeeds, fails with a non-retryable error, or
// MaxRetries+1 attempts have failed. In the last case the returned error is
// of KindRetriesExhausted and wraps the final cause. attempt starts at 1.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 1 {
			if err := p.wait(ctx, attempt-1); err != nil {
				return err
			}
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsRetryable(err) {
			return err
		}

		lastErr = err
		p.Logger.Debug().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Msg("Transient failure, retrying")
	}

	e := &Error{Kind: KindRetriesExhausted, Err: lastErr}
	var cause *Error
	if errors.As(lastErr, &cause) {
		e.Op = cause.Op
		e.URL = cause.URL
	}
	return e
}

func (p Policy) wait(ctx context.Context, retry int) error {
	if p.Backoff <= 0 {
		return nil
	}
	backoff := p.Backoff * time.Duration(1<<uint(min(retry-1, 16)))
	if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	// 0.5x to 1.5x jitter
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}
