package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrProviderUnavailable is returned once every retry of the model provider has failed
var ErrProviderUnavailable = errors.New("extraction provider unavailable")

// Retrying wraps an Extractor with a per-attempt deadline and exponential
// backoff with jitter between attempts.
type Retrying struct {
	next           Extractor
	maxRetries     uint64
	attemptTimeout time.Duration
	newBackOff     func() backoff.BackOff
}

// NewRetrying creates a Retrying extractor with exponential backoff
func NewRetrying(next Extractor, maxRetries uint64, attemptTimeout time.Duration) *Retrying {
	return NewRetryingWithBackOff(next, maxRetries, attemptTimeout, func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = 10 * time.Second
		b.RandomizationFactor = 0.5
		b.MaxElapsedTime = 0
		return b
	})
}

// NewRetryingWithBackOff creates a Retrying extractor with a custom backoff policy for testing
func NewRetryingWithBackOff(next Extractor, maxRetries uint64, attemptTimeout time.Duration, newBackOff func() backoff.BackOff) *Retrying {
	if attemptTimeout <= 0 {
		attemptTimeout = 60 * time.Second
	}
	return &Retrying{
		next:           next,
		maxRetries:     maxRetries,
		attemptTimeout: attemptTimeout,
		newBackOff:     newBackOff,
	}
}

// ExtractCustomers calls the wrapped extractor until it succeeds, fails permanently, or runs out of attempts
func (r *Retrying) ExtractCustomers(ctx context.Context, imageData []byte, contentType string) (*Extraction, error) {
	var (
		result  *Extraction
		attempt int
	)

	operation := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
		defer cancel()

		extraction, err := r.next.ExtractCustomers(attemptCtx, imageData, contentType)
		if err != nil {
			if isPermanent(ctx, err) {
				return backoff.Permanent(err)
			}
			slog.Warn("Extraction attempt failed", "attempt", attempt, "error", err)
			return err
		}
		result = extraction
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), r.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if isPermanent(ctx, err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrProviderUnavailable, attempt, err)
	}
	return result, nil
}

// Close closes the wrapped extractor
func (r *Retrying) Close() error {
	return r.next.Close()
}

// isPermanent reports whether retrying cannot help
func isPermanent(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(err, ErrParseFailure) || errors.Is(err, ErrMalformedResponse) || errors.Is(err, ErrUnsupportedImage) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return permanentHTTPStatus(statusErr.Code)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return permanentHTTPStatus(apiErr.Code)
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated,
			codes.NotFound, codes.FailedPrecondition, codes.Unimplemented:
			return true
		}
	}
	return false
}

// permanentHTTPStatus reports whether a provider status is a client error other than a timeout or rate limit
func permanentHTTPStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return false
	case code >= 400 && code < 500:
		return true
	}
	return false
}
