package admission

import (
	"context"
	"math"
	"time"
)

// DefaultMonthlyQuota applies to tenants without a stored plan.
const DefaultMonthlyQuota = 100

// QuotaRecord is a tenant's monthly allowance. CurrentUsage only moves
// through QuotaStore.Increment; resets belong to billing.
type QuotaRecord struct {
	TenantID     string
	PlanQuota    int64
	CurrentUsage int64
	PeriodEnd    time.Time
}

// QuotaStatus is the evaluated state of a QuotaRecord.
type QuotaStatus struct {
	Allowed    bool      `json:"allowed"`
	Used       int64     `json:"used"`
	Quota      int64     `json:"quota"`
	Remaining  int64     `json:"remaining"`
	Percentage int       `json:"percentage"`
	ResetAt    time.Time `json:"resetAt"`
}

// QuotaStore reads and increments quota records. Both operations must be
// safe for concurrent callers on the same tenant.
type QuotaStore interface {
	// Get returns the tenant's record, or a default record for an unknown
	// tenant.
	Get(ctx context.Context, tenantID string) (QuotaRecord, error)

	// Increment adds one to the tenant's usage in a single atomic storage
	// operation and returns the updated record.
	Increment(ctx context.Context, tenantID string) (QuotaRecord, error)
}

// EvaluateQuota computes the status of rec. Percentage is not clamped: an
// over-quota tenant reports more than 100. A non-positive quota reports 100
// and is never allowed.
func EvaluateQuota(rec QuotaRecord) QuotaStatus {
	s := QuotaStatus{
		Used:    rec.CurrentUsage,
		Quota:   rec.PlanQuota,
		ResetAt: rec.PeriodEnd,
	}
	if rec.PlanQuota <= 0 {
		s.Percentage = 100
		return s
	}
	s.Allowed = rec.CurrentUsage < rec.PlanQuota
	s.Remaining = max(0, rec.PlanQuota-rec.CurrentUsage)
	s.Percentage = int(math.Round(100 * float64(rec.CurrentUsage) / float64(rec.PlanQuota)))
	return s
}

// NextPeriodEnd returns the start of the calendar month after now, in UTC.
func NextPeriodEnd(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
