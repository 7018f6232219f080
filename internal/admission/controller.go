// Package admission gates generation requests on a tenant's monthly quota
// and per-minute rate limit before any pool capacity is used.
package admission

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"

	"github.com/alnah/go-pdfgate/internal/errdefs"
	"github.com/alnah/go-pdfgate/internal/metrics"
)

// Rejection reasons, used as metric labels.
const (
	ReasonQuota = "quota"
	ReasonRate  = "rate"
)

// Decision carries both checks of an admitted request, for response headers.
type Decision struct {
	Quota QuotaStatus
	Rate  RateStatus
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// Controller composes a QuotaStore and a RateStore. A nil store disables
// its check.
type Controller struct {
	quotas QuotaStore
	rates  RateStore
	log    logr.Logger
}

// NewController creates a controller.
func NewController(quotas QuotaStore, rates RateStore, opts ...Option) *Controller {
	c := &Controller{
		quotas: quotas,
		rates:  rates,
		log:    logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckQuota reports the tenant's quota without changing it.
func (c *Controller) CheckQuota(ctx context.Context, tenantID string) (QuotaStatus, error) {
	if err := validTenant(tenantID); err != nil {
		return QuotaStatus{}, err
	}
	if c.quotas == nil {
		return QuotaStatus{Allowed: true}, nil
	}
	rec, err := c.quotas.Get(ctx, tenantID)
	if err != nil {
		return QuotaStatus{}, err
	}
	return EvaluateQuota(rec), nil
}

// CheckRate consumes one request slot and reports the result.
func (c *Controller) CheckRate(ctx context.Context, tenantID string) (RateStatus, error) {
	if err := validTenant(tenantID); err != nil {
		return RateStatus{}, err
	}
	if c.rates == nil {
		return RateStatus{Allowed: true}, nil
	}
	return c.rates.Take(ctx, tenantID)
}

// Admit runs the quota check, then the rate check. A request over quota
// does not consume a rate slot. Rejections are *errdefs.QuotaError or
// *errdefs.RateLimitError.
func (c *Controller) Admit(ctx context.Context, tenantID string) (Decision, error) {
	var d Decision

	q, err := c.CheckQuota(ctx, tenantID)
	if err != nil {
		return d, err
	}
	d.Quota = q
	if !q.Allowed {
		metrics.RecordAdmissionRejection(ReasonQuota)
		c.log.V(1).Info("quota exceeded", "tenant", tenantID, "used", q.Used, "quota", q.Quota)
		return d, &errdefs.QuotaError{
			Used:       q.Used,
			Quota:      q.Quota,
			Remaining:  q.Remaining,
			Percentage: q.Percentage,
			ResetAt:    q.ResetAt,
		}
	}

	r, err := c.CheckRate(ctx, tenantID)
	if err != nil {
		return d, err
	}
	d.Rate = r
	if !r.Allowed {
		metrics.RecordAdmissionRejection(ReasonRate)
		c.log.V(1).Info("rate limited", "tenant", tenantID, "retryAfter", r.RetryAfter)
		return d, &errdefs.RateLimitError{
			Limit:      r.Limit,
			Remaining:  r.Remaining,
			ResetAt:    r.ResetAt,
			RetryAfter: r.RetryAfter,
		}
	}
	return d, nil
}

// RecordUsage counts one successful generation against the tenant's quota.
func (c *Controller) RecordUsage(ctx context.Context, tenantID string) (QuotaStatus, error) {
	if err := validTenant(tenantID); err != nil {
		return QuotaStatus{}, err
	}
	if c.quotas == nil {
		return QuotaStatus{Allowed: true}, nil
	}
	rec, err := c.quotas.Increment(ctx, tenantID)
	if err != nil {
		return QuotaStatus{}, err
	}
	return EvaluateQuota(rec), nil
}

func validTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return errdefs.ErrMissingTenant
	}
	if len(tenantID) > 256 {
		return fmt.Errorf("%w: tenant id longer than 256 bytes", errdefs.ErrMissingTenant)
	}
	return nil
}
