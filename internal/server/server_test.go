package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pdfgate "github.com/alnah/go-pdfgate"
	"github.com/alnah/go-pdfgate/internal/errdefs"
	"github.com/alnah/go-pdfgate/internal/pool"
	"github.com/alnah/go-pdfgate/internal/shard"
	"github.com/alnah/go-pdfgate/internal/storage"
)

// ---------------------------------------------------------------------------
// Fake service
// ---------------------------------------------------------------------------

type fakeService struct {
	mu      sync.Mutex
	reqs    []pdfgate.Request
	result  *pdfgate.Result
	err     error
	usage   pdfgate.QuotaStatus
	pools   []pdfgate.PoolStats
	shards  pdfgate.ShardStats
	pingErr error
	panics  bool
}

var _ Service = (*fakeService)(nil)

var testReset = time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)

func newFakeService() *fakeService {
	return &fakeService{
		result: &pdfgate.Result{
			PDF:         []byte("%PDF-1.7 fake"),
			ContentHash: "cafebabe",
			RequestID:   "req-1",
			ShardID:     1,
			Elapsed:     42 * time.Millisecond,
			Quota:       pdfgate.QuotaStatus{Allowed: true, Used: 3, Quota: 100, Remaining: 97, Percentage: 3, ResetAt: testReset},
			Rate:        pdfgate.RateStatus{Allowed: true, Limit: 120, Remaining: 119, ResetAt: testReset},
		},
	}
}

func (f *fakeService) Generate(_ context.Context, req pdfgate.Request) (*pdfgate.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("boom")
	}
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	if req.RequestID != "" {
		res.RequestID = req.RequestID
	}
	return &res, nil
}

func (f *fakeService) Usage(_ context.Context, tenantID string) (pdfgate.QuotaStatus, error) {
	if tenantID == "" {
		return pdfgate.QuotaStatus{}, errdefs.ErrMissingTenant
	}
	return f.usage, nil
}

func (f *fakeService) PoolStats(context.Context) []pdfgate.PoolStats { return f.pools }

func (f *fakeService) ShardStats(context.Context) pdfgate.ShardStats { return f.shards }

func (f *fakeService) Ping(context.Context) error { return f.pingErr }

func (f *fakeService) requests() []pdfgate.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pdfgate.Request(nil), f.reqs...)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestStore(t *testing.T) *storage.FS {
	t.Helper()
	store, err := storage.NewFS(filepath.Join(t.TempDir(), "pdf"), "http://files.test/v1/files/")
	require.NoError(t, err)
	return store
}

func do(t *testing.T, h http.Handler, method, path, tenant, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if tenant != "" {
		req.Header.Set(HeaderTenant, tenant)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

// ---------------------------------------------------------------------------
// POST /v1/pdf
// ---------------------------------------------------------------------------

func TestGenerate_Inline(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	h := New(svc, Config{}).Handler()

	rec := do(t, h, http.MethodPost, "/v1/pdf", "acme",
		`{"html":"<p>hi</p>","css":"p{}","options":{"format":"a4","orientation":"landscape"},"requestId":"r-9"}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, "%PDF-1.7 fake", rec.Body.String())
	assert.Equal(t, "cafebabe", rec.Header().Get("X-Content-Hash"))
	assert.Equal(t, "42", rec.Header().Get("X-Generation-Time"))
	assert.Equal(t, "r-9", rec.Header().Get(HeaderRequestID))
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Equal(t, "120", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "119", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, fmt.Sprint(testReset.Unix()), rec.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "97", rec.Header().Get("X-Quota-Remaining"))

	reqs := svc.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "acme", reqs[0].TenantID)
	assert.Equal(t, "r-9", reqs[0].RequestID)
	assert.Equal(t, "<p>hi</p>", reqs[0].HTML)
	assert.Equal(t, "p{}", reqs[0].CSS)
	assert.Equal(t, "a4", reqs[0].Options.Format)
	assert.Equal(t, "landscape", reqs[0].Options.Orientation)
}

func TestGenerate_RequestIDFromHeader(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	h := New(svc, Config{}).Handler()

	req := httptest.NewRequest(http.MethodPost, "/v1/pdf", strings.NewReader(`{"markdown":"# Hi"}`))
	req.Header.Set(HeaderTenant, "acme")
	req.Header.Set(HeaderRequestID, "from-header")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "from-header", rec.Header().Get(HeaderRequestID))
	assert.Equal(t, "# Hi", svc.requests()[0].Markdown)
}

func TestGenerate_CacheHeader(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.result.Cached = true
	svc.result.ShardID = pdfgate.CachedShard
	h := New(svc, Config{}).Handler()

	rec := do(t, h, http.MethodPost, "/v1/pdf", "acme", `{"html":"x"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
}

func TestGenerate_RejectedBeforeService(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		tenant   string
		body     string
		maxBody  int64
		wantCode int
		wantErr  string
	}{
		{name: "missing tenant", body: `{"html":"x"}`, wantCode: http.StatusUnauthorized, wantErr: CodeMissingTenant},
		{name: "blank tenant", tenant: "   ", body: `{"html":"x"}`, wantCode: http.StatusUnauthorized, wantErr: CodeMissingTenant},
		{name: "malformed json", tenant: "acme", body: `{"html":`, wantCode: http.StatusBadRequest, wantErr: CodeInvalidRequest},
		{name: "unknown field", tenant: "acme", body: `{"html":"x","engine":"wk"}`, wantCode: http.StatusBadRequest, wantErr: CodeInvalidRequest},
		{name: "unknown option", tenant: "acme", body: `{"html":"x","options":{"dpi":300}}`, wantCode: http.StatusBadRequest, wantErr: CodeInvalidRequest},
		{name: "trailing data", tenant: "acme", body: `{"html":"x"} {}`, wantCode: http.StatusBadRequest, wantErr: CodeInvalidRequest},
		{name: "bad delivery", tenant: "acme", body: `{"html":"x","delivery":"email"}`, wantCode: http.StatusBadRequest, wantErr: CodeInvalidRequest},
		{name: "url without storage", tenant: "acme", body: `{"html":"x","delivery":"url"}`, wantCode: http.StatusBadRequest, wantErr: CodeDeliveryDisabled},
		{name: "body too large", tenant: "acme", body: `{"html":"` + strings.Repeat("a", 128) + `"}`, maxBody: 64, wantCode: http.StatusRequestEntityTooLarge, wantErr: CodePayloadTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := newFakeService()
			h := New(svc, Config{MaxBodyBytes: tt.maxBody}).Handler()
			rec := do(t, h, http.MethodPost, "/v1/pdf", tt.tenant, tt.body)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantErr, decodeError(t, rec).Code)
			assert.Empty(t, svc.requests())
		})
	}
}

func TestGenerate_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"payload", fmt.Errorf("%w: 11 MiB", errdefs.ErrPayloadTooLarge), http.StatusRequestEntityTooLarge, CodePayloadTooLarge},
		{"empty", errdefs.ErrEmptyDocument, http.StatusBadRequest, CodeInvalidRequest},
		{"options", fmt.Errorf("%w: scale", errdefs.ErrInvalidOptions), http.StatusBadRequest, CodeInvalidRequest},
		{"pool exhausted", fmt.Errorf("shard 0: %w", errdefs.ErrPoolExhausted), http.StatusServiceUnavailable, CodePoolExhausted},
		{"pool closed", errdefs.ErrPoolClosed, http.StatusServiceUnavailable, CodeUnavailable},
		{"shard unavailable", errdefs.ErrShardUnavailable, http.StatusServiceUnavailable, CodeUnavailable},
		{"engine", fmt.Errorf("%w: crashed", errdefs.ErrEngine), http.StatusBadGateway, CodeEngine},
		{"page open", errdefs.ErrPageOpen, http.StatusBadGateway, CodeEngine},
		{"canceled", context.Canceled, StatusClientClosed, ""},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := newFakeService()
			svc.err = tt.err
			h := New(svc, Config{}).Handler()
			rec := do(t, h, http.MethodPost, "/v1/pdf", "acme", `{"html":"x"}`)

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantErr == "" {
				assert.Empty(t, rec.Body.String())
				return
			}
			assert.Equal(t, tt.wantErr, decodeError(t, rec).Code)
		})
	}
}

func TestGenerate_PoolExhaustedRetryAfter(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.err = errdefs.ErrPoolExhausted
	rec := do(t, New(svc, Config{}).Handler(), http.MethodPost, "/v1/pdf", "acme", `{"html":"x"}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, decodeError(t, rec).Hint, "pool.size")
}

func TestHintText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "check x", hintText("\n  hint: check x"))
	assert.Empty(t, hintText(""))
}

func TestGenerate_QuotaExceeded(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.err = &errdefs.QuotaError{Used: 100, Quota: 100, Remaining: 0, Percentage: 100, ResetAt: testReset}
	rec := do(t, New(svc, Config{}).Handler(), http.MethodPost, "/v1/pdf", "acme", `{"html":"x"}`)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "100", rec.Header().Get("X-Quota-Used"))
	assert.Equal(t, "0", rec.Header().Get("X-Quota-Remaining"))

	body := decodeError(t, rec)
	assert.Equal(t, CodeQuotaExceeded, body.Code)
	assert.EqualValues(t, 100, body.Meta["percentage"])
	assert.Equal(t, testReset.Format(time.RFC3339), body.Meta["resetAt"])
}

func TestGenerate_RateLimited(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.err = &errdefs.RateLimitError{Limit: 2, Remaining: 0, ResetAt: testReset, RetryAfter: 1500 * time.Millisecond}
	rec := do(t, New(svc, Config{}).Handler(), http.MethodPost, "/v1/pdf", "acme", `{"html":"x"}`)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, CodeRateLimited, decodeError(t, rec).Code)
}

func TestGenerate_Timeout(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.err = &errdefs.TimeoutError{Elapsed: 2 * time.Second, Timeout: 2 * time.Second}
	rec := do(t, New(svc, Config{}).Handler(), http.MethodPost, "/v1/pdf", "acme", `{"html":"x"}`)

	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, CodeTimeout, body.Code)
	assert.EqualValues(t, 2000, body.Meta["timeoutMs"])
	assert.True(t, strings.HasPrefix(body.Hint, "raise render.timeout"), "hint = %q", body.Hint)
}

func TestGenerate_URLDelivery(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	store := newTestStore(t)
	h := New(svc, Config{}, WithStorage(store)).Handler()

	rec := do(t, h, http.MethodPost, "/v1/pdf", "acme", `{"html":"x","delivery":"url"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got urlResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.True(t, strings.HasPrefix(got.URL, "http://files.test/v1/files/"), got.URL)
	assert.Equal(t, storage.ETag(svc.result.PDF), got.ETag)
	assert.EqualValues(t, len(svc.result.PDF), got.Size)
	assert.Equal(t, "cafebabe", got.ContentHash)
	assert.EqualValues(t, 42, got.ElapsedMs)

	key := strings.TrimPrefix(got.URL, "http://files.test/v1/files/")

	t.Run("owner fetches", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/files/"+key, "acme", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
		assert.Equal(t, "cafebabe", rec.Header().Get("X-Content-Hash"))
		assert.NotEmpty(t, rec.Header().Get("ETag"))
		assert.Equal(t, string(svc.result.PDF), rec.Body.String())
	})

	t.Run("conditional get", func(t *testing.T) {
		first := do(t, h, http.MethodGet, "/v1/files/"+key, "", "")
		req := httptest.NewRequest(http.MethodGet, "/v1/files/"+key, nil)
		req.Header.Set("If-None-Match", first.Header().Get("ETag"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotModified, rec.Code)
	})

	t.Run("other tenant", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/files/"+key, "globex", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unknown key", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/files/"+storage.NewKey(), "acme", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestFiles_NotRoutedWithoutStorage(t *testing.T) {
	t.Parallel()

	rec := do(t, New(newFakeService(), Config{}).Handler(), http.MethodGet, "/v1/files/abc.pdf", "acme", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ---------------------------------------------------------------------------
// Read endpoints
// ---------------------------------------------------------------------------

func TestUsage(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.usage = pdfgate.QuotaStatus{Allowed: true, Used: 40, Quota: 100, Remaining: 60, Percentage: 40, ResetAt: testReset}
	h := New(svc, Config{}).Handler()

	rec := do(t, h, http.MethodGet, "/v1/usage", "acme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("X-Quota-Remaining"))

	var got pdfgate.QuotaStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, svc.usage, got)

	rec = do(t, h, http.MethodGet, "/v1/usage", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPoolStats(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.pools = []pdfgate.PoolStats{
		{Name: "shard-0", Size: 4, Total: 3, Available: 2, InUse: 1, AvgAge: 90 * time.Second, AvgIdleTime: 1500 * time.Millisecond},
		{Name: "shard-1", Size: 4},
	}

	rec := do(t, New(svc, Config{}).Handler(), http.MethodGet, "/v1/stats/pools", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got poolStatsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got.Pools, 2)
	assert.Equal(t, poolStats{Name: "shard-0", Size: 4, Total: 3, Available: 2, InUse: 1, AvgAgeSeconds: 90, AvgIdleSecs: 1.5}, got.Pools[0])
	assert.Equal(t, "shard-1", got.Pools[1].Name)
}

func TestShardStats(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.shards = pdfgate.ShardStats{
		TotalGenerated: 7,
		LiveHandles:    3,
		InUseHandles:   1,
		CurrentLoad:    1,
		Healthy:        1,
		Reports: []shard.Report{
			{ShardID: 0, Stats: shard.Stats{ShardID: 0, TotalGenerated: 7, CurrentLoad: 1, Pool: pool.Stats{Total: 3, InUse: 1}}},
			{ShardID: 1, Err: errdefs.ErrPoolClosed},
		},
	}

	rec := do(t, New(svc, Config{}).Handler(), http.MethodGet, "/v1/stats/shards", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got shardStatsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.EqualValues(t, 7, got.TotalGenerated)
	assert.Equal(t, 1, got.Healthy)
	require.Len(t, got.Shards, 2)
	assert.Equal(t, 3, got.Shards[0].LiveHandles)
	assert.Empty(t, got.Shards[0].Error)
	assert.Contains(t, got.Shards[1].Error, "pool closed")
}

func TestHealth(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	h := New(svc, Config{}).Handler()
	rec := do(t, h, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	down := newFakeService()
	down.pingErr = errdefs.ErrShardUnavailable
	rec = do(t, New(down, Config{}).Handler(), http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"unavailable"`)
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "pdfgate_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	rec := do(t, New(newFakeService(), Config{}, WithGatherer(reg)).Handler(), http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pdfgate_test_total 1")

	rec = do(t, New(newFakeService(), Config{}).Handler(), http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ---------------------------------------------------------------------------
// Middleware and lifecycle
// ---------------------------------------------------------------------------

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	rec := do(t, New(newFakeService(), Config{}).Handler(), http.MethodGet, "/v1/pdf", "acme", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRecoverer(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.panics = true
	rec := do(t, New(svc, Config{}).Handler(), http.MethodPost, "/v1/pdf", "acme", `{"html":"x"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, CodeInternal, decodeError(t, rec).Code)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(newFakeService(), Config{ShutdownTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:gosec,noctx // test loopback
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, retryAfterSeconds(0))
	assert.Equal(t, 1, retryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, 1, retryAfterSeconds(time.Second))
	assert.Equal(t, 3, retryAfterSeconds(2100*time.Millisecond))
}
