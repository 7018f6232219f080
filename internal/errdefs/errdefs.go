// Package errdefs defines the failure taxonomy shared by the pool, the
// generation orchestrator, admission control and the HTTP layer.
// The root pdfgate package re-exports every value declared here.
package errdefs

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for generation and pooling.
var (
	ErrPoolExhausted     = errors.New("session pool exhausted")
	ErrPoolClosed        = errors.New("session pool closed")
	ErrPayloadTooLarge   = errors.New("payload too large")
	ErrGenerationTimeout = errors.New("generation timed out")
	ErrEngine            = errors.New("rendering engine failure")
	ErrPageOpen          = errors.New("failed to open browser page")
	ErrEviction          = errors.New("handle eviction failed")
	ErrShardUnavailable  = errors.New("shard unavailable")
)

// Sentinel errors for request validation.
var (
	ErrInvalidOptions = errors.New("invalid rendering options")
	ErrEmptyDocument  = errors.New("document content cannot be empty")
	ErrMissingTenant  = errors.New("tenant id is required")
)

// Sentinel errors for admission control.
var (
	ErrQuotaExceeded     = errors.New("monthly quota exceeded")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// QuotaError reports a rejected request together with the tenant's quota
// numbers so callers can surface them.
type QuotaError struct {
	Used       int64
	Quota      int64
	Remaining  int64
	Percentage int
	ResetAt    time.Time
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%v: used %d of %d (resets %s)",
		ErrQuotaExceeded, e.Used, e.Quota, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }

// RateLimitError reports a rejected request with retry metadata.
type RateLimitError struct {
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v: retry after %s", ErrRateLimitExceeded, e.RetryAfter.Round(time.Millisecond))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }

// TimeoutError reports a render that lost the race against its deadline.
type TimeoutError struct {
	Elapsed time.Duration
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%v: after %s (limit %s)",
		ErrGenerationTimeout, e.Elapsed.Round(time.Millisecond), e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrGenerationTimeout }

// Retryable reports whether the caller may retry the request later without
// changing it. Quota and rate errors are retryable only after their reset.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrPoolExhausted),
		errors.Is(err, ErrGenerationTimeout),
		errors.Is(err, ErrEngine),
		errors.Is(err, ErrShardUnavailable):
		return true
	}
	return false
}
