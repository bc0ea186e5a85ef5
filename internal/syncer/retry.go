package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/weftlabs/weft/internal/github"
)

// Retry schedule for transient upstream failures: 1s, 2s, 4s, 8s, 16s with
// ±20% jitter, five attempts total.
const (
	retryInitial     = 1 * time.Second
	retryMax         = 16 * time.Second
	retryJitter      = 0.2
	retryMaxAttempts = 5
)

// transient reports whether an upstream error is worth retrying.
// Authorization failures, not-found, and schema errors are permanent;
// everything else (5xx, connection resets, timeouts) is assumed transient.
func transient(err error) bool {
	var apiErr *github.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// withRetry runs op under the standard backoff schedule, counting retry
// attempts in the sync metrics. Permanent errors abort immediately.
func (e *Engine) withRetry(ctx context.Context, upstream string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitial
	bo.MaxInterval = retryMax
	bo.Multiplier = 2
	bo.RandomizationFactor = retryJitter
	bo.MaxElapsedTime = 0 // attempts bound the retry loop, not wall time

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !transient(err) {
			return backoff.Permanent(err)
		}
		if e.Metrics != nil {
			e.Metrics.RecordRetry(ctx, upstream)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, retryMaxAttempts-1), ctx))
}
