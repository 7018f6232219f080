package admission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite" // registers the "sqlite" database/sql driver
	"k8s.io/utils/clock"
)

var _ QuotaStore = (*SQLQuotaStore)(nil)

// ErrStore wraps quota storage failures.
var ErrStore = errors.New("quota store failure")

const quotaSchema = `
CREATE TABLE IF NOT EXISTS tenant_quotas (
	tenant_id     TEXT PRIMARY KEY,
	plan_quota    INTEGER NOT NULL,
	current_usage INTEGER NOT NULL DEFAULT 0,
	period_end    INTEGER NOT NULL
)`

// Period ends are stored as unix seconds.
const (
	selectQuota = `SELECT plan_quota, current_usage, period_end FROM tenant_quotas WHERE tenant_id = ?`

	incrementQuota = `
INSERT INTO tenant_quotas (tenant_id, plan_quota, current_usage, period_end)
VALUES (?, ?, 1, ?)
ON CONFLICT(tenant_id) DO UPDATE SET current_usage = current_usage + 1
RETURNING plan_quota, current_usage, period_end`

	upsertPlan = `
INSERT INTO tenant_quotas (tenant_id, plan_quota, current_usage, period_end)
VALUES (?, ?, 0, ?)
ON CONFLICT(tenant_id) DO UPDATE SET plan_quota = excluded.plan_quota`

	resetPeriod = `
INSERT INTO tenant_quotas (tenant_id, plan_quota, current_usage, period_end)
VALUES (?, ?, 0, ?)
ON CONFLICT(tenant_id) DO UPDATE SET current_usage = 0, period_end = excluded.period_end`
)

// SQLQuotaStore keeps quota records in SQLite. Increment is one upsert
// statement, so concurrent increments never lose updates.
type SQLQuotaStore struct {
	db           *sql.DB
	defaultQuota int64
	clock        clock.PassiveClock
}

// OpenSQLQuotaStore opens (or creates) the database at dsn and ensures the
// schema. Use ":memory:" for a private in-memory database.
func OpenSQLQuotaStore(ctx context.Context, dsn string, defaultQuota int64, clk clock.PassiveClock) (*SQLQuotaStore, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStore, dsn, err)
	}

	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		// Each connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	} else {
		_, _ = db.ExecContext(ctx, "PRAGMA journal_mode=WAL")
		_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout=5000")
	}

	if _, err := db.ExecContext(ctx, quotaSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: create schema: %v", ErrStore, err)
	}

	return &SQLQuotaStore{db: db, defaultQuota: defaultQuota, clock: clk}, nil
}

// Get implements QuotaStore.
func (s *SQLQuotaStore) Get(ctx context.Context, tenantID string) (QuotaRecord, error) {
	rec := QuotaRecord{TenantID: tenantID}
	var periodEnd int64
	err := s.db.QueryRowContext(ctx, selectQuota, tenantID).
		Scan(&rec.PlanQuota, &rec.CurrentUsage, &periodEnd)
	if errors.Is(err, sql.ErrNoRows) {
		rec.PlanQuota = s.defaultQuota
		rec.PeriodEnd = NextPeriodEnd(s.clock.Now())
		return rec, nil
	}
	if err != nil {
		return QuotaRecord{}, fmt.Errorf("%w: get %s: %v", ErrStore, tenantID, err)
	}
	rec.PeriodEnd = time.Unix(periodEnd, 0).UTC()
	return rec, nil
}

// Increment implements QuotaStore.
func (s *SQLQuotaStore) Increment(ctx context.Context, tenantID string) (QuotaRecord, error) {
	rec := QuotaRecord{TenantID: tenantID}
	var periodEnd int64
	err := s.db.QueryRowContext(ctx, incrementQuota,
		tenantID, s.defaultQuota, NextPeriodEnd(s.clock.Now()).Unix()).
		Scan(&rec.PlanQuota, &rec.CurrentUsage, &periodEnd)
	if err != nil {
		return QuotaRecord{}, fmt.Errorf("%w: increment %s: %v", ErrStore, tenantID, err)
	}
	rec.PeriodEnd = time.Unix(periodEnd, 0).UTC()
	return rec, nil
}

// SetPlan sets a tenant's monthly quota, keeping its current usage.
func (s *SQLQuotaStore) SetPlan(ctx context.Context, tenantID string, quota int64) error {
	_, err := s.db.ExecContext(ctx, upsertPlan, tenantID, quota, NextPeriodEnd(s.clock.Now()).Unix())
	if err != nil {
		return fmt.Errorf("%w: set plan %s: %v", ErrStore, tenantID, err)
	}
	return nil
}

// ResetPeriod zeroes a tenant's usage and starts a period ending at end.
func (s *SQLQuotaStore) ResetPeriod(ctx context.Context, tenantID string, end time.Time) error {
	_, err := s.db.ExecContext(ctx, resetPeriod, tenantID, s.defaultQuota, end.Unix())
	if err != nil {
		return fmt.Errorf("%w: reset %s: %v", ErrStore, tenantID, err)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLQuotaStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLQuotaStore) Close() error {
	return s.db.Close()
}
