package admission

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"k8s.io/utils/clock"
)

// Rate limit defaults: 60 requests per minute with 2x burst.
const (
	DefaultRateLimit       = 60
	DefaultRateWindow      = time.Minute
	DefaultBurstMultiplier = 2.0
)

// epsilon absorbs float drift in bucket levels.
const epsilon = 1e-9

// RateConfig configures the per-tenant limiter.
type RateConfig struct {
	Limit           int           // sustained requests per Window
	Window          time.Duration // drain period
	BurstMultiplier float64       // capacity = Limit * BurstMultiplier
}

// DefaultRateConfig returns the default rate limit.
func DefaultRateConfig() RateConfig {
	return RateConfig{
		Limit:           DefaultRateLimit,
		Window:          DefaultRateWindow,
		BurstMultiplier: DefaultBurstMultiplier,
	}
}

// Validate rejects non-positive values.
func (c RateConfig) Validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d", c.Limit)
	}
	if c.Window <= 0 {
		return fmt.Errorf("rate window must be positive, got %s", c.Window)
	}
	if c.BurstMultiplier < 1 {
		return fmt.Errorf("burst multiplier must be at least 1, got %v", c.BurstMultiplier)
	}
	return nil
}

// Capacity is the most requests a tenant can make in one burst.
func (c RateConfig) Capacity() int {
	return int(math.Floor(c.capacity() + epsilon))
}

func (c RateConfig) capacity() float64 {
	return float64(c.Limit) * c.BurstMultiplier
}

// drained returns how much the bucket empties over d.
func (c RateConfig) drained(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) * float64(c.Limit) / float64(c.Window)
}

// timeToDrain returns how long draining amount takes.
func (c RateConfig) timeToDrain(amount float64) time.Duration {
	if amount <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(amount * float64(c.Window) / float64(c.Limit)))
}

// RateLimitState is a tenant's leaky bucket: Count requests were pending at
// WindowStart and drain at Limit per window since then.
type RateLimitState struct {
	WindowStart     time.Time
	Count           float64
	Limit           int
	BurstMultiplier float64
}

// RateStatus is the result of one rate check. Limit is the burst capacity.
type RateStatus struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"resetAt"`
	RetryAfter time.Duration `json:"retryAfter"`
}

// take drains s up to now and admits one request if it fits.
// ResetAt is when the bucket is empty again; RetryAfter, on denial, is
// when one request fits.
func (s RateLimitState) take(cfg RateConfig, now time.Time) (RateLimitState, RateStatus) {
	level := max(0, s.Count-cfg.drained(now.Sub(s.WindowStart)))
	capacity := cfg.capacity()

	st := RateStatus{Limit: cfg.Capacity()}
	if level+1 <= capacity+epsilon {
		level++
		st.Allowed = true
	} else {
		st.RetryAfter = cfg.timeToDrain(level + 1 - capacity)
	}

	st.Remaining = max(0, int(math.Floor(capacity-level+epsilon)))
	st.ResetAt = now.Add(cfg.timeToDrain(level))

	return RateLimitState{
		WindowStart:     now,
		Count:           level,
		Limit:           cfg.Limit,
		BurstMultiplier: cfg.BurstMultiplier,
	}, st
}

// resetAt is when the bucket has fully drained.
func (s RateLimitState) resetAt(cfg RateConfig) time.Time {
	return s.WindowStart.Add(cfg.timeToDrain(s.Count))
}

// RateStore checks and consumes one request slot per call.
type RateStore interface {
	Take(ctx context.Context, tenantID string) (RateStatus, error)
}

var _ RateStore = (*MemRateStore)(nil)

// MemRateStore keeps per-tenant buckets in a ttlcache. Entries carry no TTL:
// ttlcache expires on wall time, while buckets drain on the store's clock.
// Drained buckets are pruned on that clock at most once per window.
type MemRateStore struct {
	cfg   RateConfig
	clock clock.PassiveClock

	mu        sync.Mutex
	states    *ttlcache.Cache[string, RateLimitState]
	lastPrune time.Time
}

// NewMemRateStore creates a store. A nil clock means the real clock.
func NewMemRateStore(cfg RateConfig, clk clock.PassiveClock) (*MemRateStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MemRateStore{
		cfg:   cfg,
		clock: clk,
		states: ttlcache.New(
			ttlcache.WithTTL[string, RateLimitState](ttlcache.NoTTL),
			ttlcache.WithDisableTouchOnHit[string, RateLimitState](),
		),
		lastPrune: clk.Now(),
	}, nil
}

// Config returns the limiter configuration.
func (m *MemRateStore) Config() RateConfig { return m.cfg }

// Take implements RateStore.
func (m *MemRateStore) Take(ctx context.Context, tenantID string) (RateStatus, error) {
	if err := ctx.Err(); err != nil {
		return RateStatus{}, err
	}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(now)

	var state RateLimitState
	if item := m.states.Get(tenantID); item != nil {
		state = item.Value()
	}
	next, st := state.take(m.cfg, now)
	m.states.Set(tenantID, next, ttlcache.NoTTL)
	return st, nil
}

// pruneLocked drops buckets that have drained by now. It runs at most once
// per window.
func (m *MemRateStore) pruneLocked(now time.Time) {
	if now.Sub(m.lastPrune) < m.cfg.Window {
		return
	}
	m.lastPrune = now

	var drained []string
	m.states.Range(func(item *ttlcache.Item[string, RateLimitState]) bool {
		if !item.Value().resetAt(m.cfg).After(now) {
			drained = append(drained, item.Key())
		}
		return true
	})
	for _, k := range drained {
		m.states.Delete(k)
	}
}

// Len returns the number of tracked tenants.
func (m *MemRateStore) Len() int { return m.states.Len() }
