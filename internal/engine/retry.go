package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "appcommit.dev/appcommit/internal/errors"
)

const (
	defaultMaxAttempts    = 4
	defaultCallTimeout    = 30 * time.Second
	defaultInitialBackoff = 500 * time.Millisecond
)

// hintedBackOff stretches the next interval to at least the platform's
// Retry-After hint when one was seen on the previous attempt.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	next := h.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if h.hint > next {
		next = h.hint
	}
	h.hint = 0
	return next
}

// withRetry runs op with a per-attempt timeout, retrying only transient
// failures (RemoteRequestError) up to the attempt budget. Credential,
// signing, object graph, and 4xx client failures are never retried.
func (e *Engine) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = e.initialBackoff()
	exp.MaxElapsedTime = 0 // bounded by the attempt count, not wall time

	hinted := &hintedBackOff{BackOff: exp}
	policy := backoff.WithContext(backoff.WithMaxRetries(hinted, uint64(e.maxAttempts()-1)), ctx)

	return backoff.Retry(func() error {
		// Cooperative cancellation: stop before issuing the next call, but
		// let an in-flight call run to completion via its own attempt context.
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.callTimeout())
		defer cancel()

		err := op(attemptCtx)
		if err == nil {
			return nil
		}

		var remote *apperrors.RemoteRequestError
		if errors.As(err, &remote) {
			hinted.hint = remote.RetryAfter
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return apperrors.NewRemoteRequestError(0, err)
		}
		return backoff.Permanent(err)
	}, policy)
}
