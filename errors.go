package pdfgate

import "github.com/alnah/go-pdfgate/internal/errdefs"

// Sentinel errors returned by Service.
var (
	ErrPoolExhausted     = errdefs.ErrPoolExhausted
	ErrPoolClosed        = errdefs.ErrPoolClosed
	ErrPayloadTooLarge   = errdefs.ErrPayloadTooLarge
	ErrGenerationTimeout = errdefs.ErrGenerationTimeout
	ErrEngine            = errdefs.ErrEngine
	ErrPageOpen          = errdefs.ErrPageOpen
	ErrEviction          = errdefs.ErrEviction
	ErrShardUnavailable  = errdefs.ErrShardUnavailable
	ErrInvalidOptions    = errdefs.ErrInvalidOptions
	ErrEmptyDocument     = errdefs.ErrEmptyDocument
	ErrMissingTenant     = errdefs.ErrMissingTenant
	ErrQuotaExceeded     = errdefs.ErrQuotaExceeded
	ErrRateLimitExceeded = errdefs.ErrRateLimitExceeded
)

// Typed errors carrying details for callers.
type (
	QuotaError     = errdefs.QuotaError
	RateLimitError = errdefs.RateLimitError
	TimeoutError   = errdefs.TimeoutError
)

// Retryable reports whether err is worth retrying later.
func Retryable(err error) bool {
	return errdefs.Retryable(err)
}
