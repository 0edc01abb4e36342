package github

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/go-github/v62/github"

	apperrors "appcommit.dev/appcommit/internal/errors"
)

// classify maps go-github errors onto the application's error taxonomy.
// Transient classes (network failures, 5xx, rate limits) become
// RemoteRequestError and are eligible for retry; everything else is a
// non-retryable ClientError.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var rateLimit *github.RateLimitError
	if errors.As(err, &rateLimit) {
		retryAfter := time.Until(rateLimit.Rate.Reset.Time)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return apperrors.NewRemoteRequestError(http.StatusForbidden, err).WithRetryAfter(retryAfter)
	}

	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		var retryAfter time.Duration
		if abuse.RetryAfter != nil {
			retryAfter = *abuse.RetryAfter
		}
		return apperrors.NewRemoteRequestError(http.StatusForbidden, err).WithRetryAfter(retryAfter)
	}

	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) {
		status := 0
		if errResp.Response != nil {
			status = errResp.Response.StatusCode
		}
		if status >= http.StatusInternalServerError {
			return apperrors.NewRemoteRequestError(status, err)
		}
		return apperrors.NewClientError(status, errResp.Message)
	}

	// Anything else is a transport-level failure.
	return apperrors.NewRemoteRequestError(0, err)
}
