package admission

import (
	"context"
	"sync"

	"k8s.io/utils/clock"
)

var _ QuotaStore = (*MemQuotaStore)(nil)

// MemQuotaStore keeps quota records in memory. Used in tests and when no
// database is configured; usage is lost on restart.
type MemQuotaStore struct {
	defaultQuota int64
	clock        clock.PassiveClock

	mu      sync.Mutex
	records map[string]QuotaRecord
}

// NewMemQuotaStore creates an empty store. Unknown tenants get defaultQuota.
func NewMemQuotaStore(defaultQuota int64, clk clock.PassiveClock) *MemQuotaStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MemQuotaStore{
		defaultQuota: defaultQuota,
		clock:        clk,
		records:      make(map[string]QuotaRecord),
	}
}

// Get implements QuotaStore.
func (m *MemQuotaStore) Get(_ context.Context, tenantID string) (QuotaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordLocked(tenantID), nil
}

// Increment implements QuotaStore.
func (m *MemQuotaStore) Increment(_ context.Context, tenantID string) (QuotaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recordLocked(tenantID)
	rec.CurrentUsage++
	m.records[tenantID] = rec
	return rec, nil
}

// SetPlan sets a tenant's quota and usage, creating the record if needed.
func (m *MemQuotaStore) SetPlan(tenantID string, quota, used int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recordLocked(tenantID)
	rec.PlanQuota = quota
	rec.CurrentUsage = used
	m.records[tenantID] = rec
}

func (m *MemQuotaStore) recordLocked(tenantID string) QuotaRecord {
	if rec, ok := m.records[tenantID]; ok {
		return rec
	}
	return QuotaRecord{
		TenantID:  tenantID,
		PlanQuota: m.defaultQuota,
		PeriodEnd: NextPeriodEnd(m.clock.Now()),
	}
}
