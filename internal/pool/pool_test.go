package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/alnah/go-pdfgate/internal/engine"
	"github.com/alnah/go-pdfgate/internal/engine/enginetest"
	"github.com/alnah/go-pdfgate/internal/errdefs"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestPool(t *testing.T, eng *enginetest.Engine, cfg Config, opts ...Option) *Pool {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = t.Name()
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}
	p, err := New(eng, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Dispose)
	return p
}

// capturedLog is a thread-safe sink for funcr output.
type capturedLog struct {
	mu    sync.Mutex
	lines []string
}

func (c *capturedLog) logger() logr.Logger {
	return funcr.New(func(prefix, args string) {
		c.mu.Lock()
		c.lines = append(c.lines, args)
		c.mu.Unlock()
	}, funcr.Options{})
}

func (c *capturedLog) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

// ---------------------------------------------------------------------------
// TestNew
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("nil opener rejected", func(t *testing.T) {
		t.Parallel()
		_, err := New(nil, Config{Size: 1})
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("negative duration rejected", func(t *testing.T) {
		t.Parallel()
		_, err := New(enginetest.New(), Config{Size: 1, AcquireTimeout: -time.Second})
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("defaults applied", func(t *testing.T) {
		t.Parallel()
		p := newTestPool(t, enginetest.New(), Config{})
		cfg := p.Config()
		assert.GreaterOrEqual(t, cfg.Size, MinSize)
		assert.LessOrEqual(t, cfg.Size, MaxAutoSize)
		assert.Equal(t, DefaultMaxIdleTime, cfg.MaxIdleTime)
		assert.Equal(t, DefaultMaxPageAge, cfg.MaxPageAge)
		assert.Equal(t, DefaultAcquireTimeout, cfg.AcquireTimeout)
	})

	t.Run("cold start opens nothing", func(t *testing.T) {
		t.Parallel()
		eng := enginetest.New()
		p := newTestPool(t, eng, Config{Size: 4})

		assert.Zero(t, eng.Opened())
		assert.Equal(t, Stats{Name: p.Name(), Size: 4}, p.Stats())
	})
}

func TestResolveSize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 3, ResolveSize(3))
	auto := ResolveSize(0)
	assert.GreaterOrEqual(t, auto, MinSize)
	assert.LessOrEqual(t, auto, MaxAutoSize)
	assert.Equal(t, auto, ResolveSize(-1))
}

// ---------------------------------------------------------------------------
// TestAcquire
// ---------------------------------------------------------------------------

func TestAcquire_ColdStart(t *testing.T) {
	t.Parallel()

	eng := enginetest.New()
	p := newTestPool(t, eng, Config{Size: 2})

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 1, eng.Opened())
	assert.True(t, h.InUse())
	assert.NotEmpty(t, h.ID())
	s := p.Stats()
	assert.Equal(t, 1, s.Total)
	assert.Equal(t, 1, s.InUse)
	assert.Equal(t, 0, s.Available)
}

func TestAcquire_ReusesReleasedHandle(t *testing.T) {
	t.Parallel()

	eng := enginetest.New()
	p := newTestPool(t, eng, Config{Size: 2})

	h1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h1.Release()

	h2, err := p.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, h1.ID(), h2.ID())
	assert.EqualValues(t, 1, eng.Opened())
}

func TestAcquire_Exhausted(t *testing.T) {
	t.Parallel()

	eng := enginetest.New()
	p := newTestPool(t, eng, Config{Size: 2, AcquireTimeout: 50 * time.Millisecond})

	for range 2 {
		_, err := p.Acquire(context.Background())
		require.NoError(t, err)
	}

	start := time.Now()
	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, errdefs.ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.EqualValues(t, 2, eng.Opened())
}

func TestAcquire_WaiterServedOnRelease(t *testing.T) {
	t.Parallel()

	eng := enginetest.New()
	p := newTestPool(t, eng, Config{Size: 1, AcquireTimeout: 5 * time.Second})

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan *Handle, 1)
	go func() {
		h2, err := p.Acquire(context.Background())
		if err != nil {
			got <- nil
			return
		}
		got <- h2
	}()

	time.Sleep(20 * time.Millisecond)
	h.Release()

	select {
	case h2 := <-got:
		require.NotNil(t, h2)
		assert.Equal(t, h.ID(), h2.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not served after release")
	}
}

func TestAcquire_ContextCancelled(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, enginetest.New(), Config{Size: 1, AcquireTimeout: 5 * time.Second})
	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, errdefs.ErrPoolExhausted)
}

func TestAcquire_OpenFailureFreesSlot(t *testing.T) {
	t.Parallel()

	eng := enginetest.New()
	eng.SetOpenErr(errors.New("chrome crashed"))
	p := newTestPool(t, eng, Config{Size: 1, AcquireTimeout: 50 * time.Millisecond})

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, errdefs.ErrPageOpen)

	eng.SetOpenErr(nil)
	h, err := p.Acquire(context.Background())
	require.NoError(t, err, "slot must be returned after a failed open")
	h.Release()
}

func TestAcquire_AfterDispose(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, enginetest.New(), Config{Size: 1})
	p.Dispose()

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, errdefs.ErrPoolClosed)
}

func TestAcquire_DisposeWakesWaiters(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, enginetest.New(), Config{Size: 1, AcquireTimeout: 10 * time.Second})
	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Dispose()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, errdefs.ErrPoolClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter still blocked after Dispose")
	}
}

// ---------------------------------------------------------------------------
// TestConcurrency
// ---------------------------------------------------------------------------

func TestPool_BoundAndExclusionUnderLoad(t *testing.T) {
	t.Parallel()

	const (
		size    = 3
		workers = 16
		rounds  = 25
	)

	eng := enginetest.New()
	p := newTestPool(t, eng, Config{Size: size, AcquireTimeout: 5 * time.Second})

	var (
		wg      sync.WaitGroup
		maxLive atomic.Int64
		holders sync.Map
		shared  atomic.Int64
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range rounds {
				h, err := p.Acquire(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				if _, loaded := holders.LoadOrStore(h.ID(), struct{}{}); loaded {
					shared.Add(1)
				}
				if live := eng.Live(); live > maxLive.Load() {
					maxLive.Store(live)
				}

				ctx := context.Background()
				_ = h.Page().SetContent(ctx, "<p>x</p>", engine.WaitLoad)
				_, _ = h.Page().RenderPDF(ctx, engine.PDFOptions{})

				holders.Delete(h.ID())
				h.Release()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxLive.Load(), int64(size))
	assert.LessOrEqual(t, eng.Opened(), int64(size))
	assert.Zero(t, shared.Load(), "a handle was lent to two callers")
	assert.Zero(t, eng.Violations(), "a page was used concurrently")

	s := p.Stats()
	assert.Zero(t, s.InUse)
	assert.LessOrEqual(t, s.Total, size)
}

// ---------------------------------------------------------------------------
// TestRelease / TestDiscard
// ---------------------------------------------------------------------------

func TestRelease_DoubleReleaseIsNoop(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, enginetest.New(), Config{Size: 1, AcquireTimeout: 50 * time.Millisecond})
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	h.Release()
	h.Release()

	// A second token would let two callers through a size-1 pool.
	h1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, errdefs.ErrPoolExhausted)
	h1.Release()
}

func TestRelease_EvictsAgedHandle(t *testing.T) {
	t.Parallel()

	clk := testclock.NewFakeClock(time.Now())
	eng := enginetest.New()
	p := newTestPool(t, eng, Config{Size: 1, MaxPageAge: time.Minute}, WithClock(clk))

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	clk.Step(2 * time.Minute)
	h.Release()

	assert.EqualValues(t, 1, eng.ClosedPages())
	assert.Zero(t, p.Stats().Total)

	h2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, h.ID(), h2.ID())
}

func TestRelease_ForeignHandleIgnored(t *testing.T) {
	t.Parallel()

	p1 := newTestPool(t, enginetest.New(), Config{Size: 1})
	p2 := newTestPool(t, enginetest.New(), Config{Size: 1})

	h, err := p1.Acquire(context.Background())
	require.NoError(t, err)

	p2.Release(h)
	p2.Release(nil)
	assert.True(t, h.InUse())
}

func TestDiscard(t *testing.T) {
	t.Parallel()

	eng := enginetest.New()
	p := newTestPool(t, eng, Config{Size: 1, AcquireTimeout: 50 * time.Millisecond})

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h.Discard()

	assert.EqualValues(t, 1, eng.ClosedPages())
	assert.Zero(t, p.Stats().Total)

	h2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, h.ID(), h2.ID())
	assert.EqualValues(t, 2, eng.Opened())

	// Release after discard changes nothing.
	h.Release()
	assert.Equal(t, 1, p.Stats().InUse)
}

// ---------------------------------------------------------------------------
// TestDispose
// ---------------------------------------------------------------------------

func TestDispose_ClosesAllAndIsIdempotent(t *testing.T) {
	t.Parallel()

	eng := enginetest.New()
	p := newTestPool(t, eng, Config{Size: 3})

	h1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h2.Release()

	p.Dispose()
	p.Dispose()

	assert.True(t, p.Closed())
	assert.EqualValues(t, 2, eng.ClosedPages())
	assert.Zero(t, eng.Live())
	assert.Zero(t, p.Stats().Total)

	// Releasing a handle that Dispose already closed is a no-op.
	h1.Release()
	assert.EqualValues(t, 2, eng.ClosedPages())
}

func TestDispose_CloseFailuresLoggedNotReturned(t *testing.T) {
	t.Parallel()

	eng := enginetest.New()
	eng.SetPageCloseErr(errors.New("target detached"))
	logs := &capturedLog{}
	p := newTestPool(t, eng, Config{Size: 2}, WithLogger(logs.logger()))

	h1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h1.Release()
	h2.Release()

	p.Dispose()

	assert.Equal(t, 2, logs.count())
	assert.Zero(t, p.Stats().Total)
}
