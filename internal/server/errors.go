package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alnah/go-pdfgate/internal/errdefs"
	"github.com/alnah/go-pdfgate/internal/hints"
	"github.com/alnah/go-pdfgate/internal/storage"
)

// StatusClientClosed is logged when the caller went away mid-request.
const StatusClientClosed = 499

// Error codes in JSON error bodies.
const (
	CodeInvalidRequest   = "invalid_request"
	CodeMissingTenant    = "missing_tenant"
	CodeQuotaExceeded    = "quota_exceeded"
	CodePayloadTooLarge  = "payload_too_large"
	CodeRateLimited      = "rate_limited"
	CodeEngine           = "engine_error"
	CodePoolExhausted    = "pool_exhausted"
	CodeTimeout          = "generation_timeout"
	CodeUnavailable      = "unavailable"
	CodeNotFound         = "not_found"
	CodeDeliveryDisabled = "delivery_disabled"
	CodeCanceled         = "canceled"
	CodeInternal         = "internal"
)

var errDeliveryDisabled = errors.New("url delivery is not configured")

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string         `json:"error"`
	Code  string         `json:"code"`
	Meta  map[string]any `json:"meta,omitempty"`
	Hint  string         `json:"hint,omitempty"`
}

// classify maps err to an HTTP status and error code.
func classify(err error) (int, string) {
	var mbe *http.MaxBytesError
	switch {
	case errors.Is(err, errdefs.ErrMissingTenant):
		return http.StatusUnauthorized, CodeMissingTenant
	case errors.Is(err, errdefs.ErrQuotaExceeded):
		return http.StatusPaymentRequired, CodeQuotaExceeded
	case errors.Is(err, errdefs.ErrPayloadTooLarge), errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge, CodePayloadTooLarge
	case errors.Is(err, errdefs.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, CodeRateLimited
	case errors.Is(err, errdefs.ErrInvalidOptions), errors.Is(err, errdefs.ErrEmptyDocument):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, errdefs.ErrPoolExhausted):
		return http.StatusServiceUnavailable, CodePoolExhausted
	case errors.Is(err, errdefs.ErrGenerationTimeout):
		return http.StatusGatewayTimeout, CodeTimeout
	case errors.Is(err, errdefs.ErrEngine), errors.Is(err, errdefs.ErrPageOpen):
		return http.StatusBadGateway, CodeEngine
	case errors.Is(err, errdefs.ErrPoolClosed), errors.Is(err, errdefs.ErrShardUnavailable):
		return http.StatusServiceUnavailable, CodeUnavailable
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrInvalidKey):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, errDeliveryDisabled):
		return http.StatusBadRequest, CodeDeliveryDisabled
	case errors.Is(err, context.Canceled):
		return StatusClientClosed, CodeCanceled
	}
	return http.StatusInternalServerError, CodeInternal
}

// writeError writes err as JSON with its status, retry and quota headers.
func writeError(w http.ResponseWriter, err error) int {
	status, code := classify(err)
	body := errorBody{Error: err.Error(), Code: code}

	var (
		qe *errdefs.QuotaError
		rl *errdefs.RateLimitError
		te *errdefs.TimeoutError
	)
	switch {
	case errors.As(err, &qe):
		body.Meta = map[string]any{
			"used":       qe.Used,
			"quota":      qe.Quota,
			"remaining":  qe.Remaining,
			"percentage": qe.Percentage,
			"resetAt":    qe.ResetAt.UTC().Format(time.RFC3339),
		}
		setQuotaHeaders(w.Header(), qe.Quota, qe.Used, qe.Remaining)
	case errors.As(err, &rl):
		retry := retryAfterSeconds(rl.RetryAfter)
		body.Meta = map[string]any{
			"limit":      rl.Limit,
			"remaining":  rl.Remaining,
			"resetAt":    rl.ResetAt.UTC().Format(time.RFC3339),
			"retryAfter": retry,
		}
		setRateHeaders(w.Header(), rl.Limit, rl.Remaining, rl.ResetAt)
		w.Header().Set("Retry-After", strconv.Itoa(retry))
	case errors.As(err, &te):
		body.Meta = map[string]any{
			"elapsedMs": te.Elapsed.Milliseconds(),
			"timeoutMs": te.Timeout.Milliseconds(),
		}
		body.Hint = hintText(hints.ForTimeout())
	case errors.Is(err, errdefs.ErrPoolExhausted):
		w.Header().Set("Retry-After", "1")
		body.Hint = hintText(hints.ForPoolExhausted())
	}

	if status == StatusClientClosed {
		// Nobody is listening; record the status for the access log only.
		w.WriteHeader(status)
		return status
	}
	writeJSON(w, status, body)
	return status
}

// hintText strips the CLI layout from a hint for use in a JSON field.
func hintText(h string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(h), "hint:"))
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

func setRateHeaders(h http.Header, limit, remaining int, reset time.Time) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
}

func setQuotaHeaders(h http.Header, quota, used, remaining int64) {
	h.Set("X-Quota-Limit", strconv.FormatInt(quota, 10))
	h.Set("X-Quota-Used", strconv.FormatInt(used, 10))
	h.Set("X-Quota-Remaining", strconv.FormatInt(remaining, 10))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
