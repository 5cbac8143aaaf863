package activities

import (
	"errors"

	"go.temporal.io/sdk/temporal"

	"github.com/helixir/orchestration-service/internal/domain"
)

// Application error types attached to non-retryable activity failures.
const (
	ErrTypeInvalidInput = "InvalidInput"
	ErrTypeUnsupported  = "UnsupportedContent"
	ErrTypeUpstream     = "UpstreamRejected"
)

// classify leaves transient errors retryable and marks known permanent failures
// non-retryable so they do not consume the retry budget.
func classify(err error) error {
	if err == nil || domain.IsTransient(err) {
		return err
	}

	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidInput, err)
	case errors.Is(err, domain.ErrUnsupportedContent), errors.Is(err, domain.ErrEmptyContent):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeUnsupported, err)
	}

	var apiErr *domain.ExternalAPIError
	if errors.As(err, &apiErr) {
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeUpstream, err)
	}

	// Database and broker errors are retried.
	return err
}

// isPermanent reports whether err would not succeed on retry.
func isPermanent(err error) bool {
	var appErr *temporal.ApplicationError
	return errors.As(classify(err), &appErr) && appErr.NonRetryable()
}
