package pool

import (
	"time"

	"github.com/alnah/go-pdfgate/internal/engine"
)

// state is the lifecycle position of a handle: Idle → InUse → Idle | Closed.
type state uint8

const (
	stateIdle state = iota
	stateInUse
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateInUse:
		return "in_use"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Handle is one warm page owned by a Pool and lent to one caller at a time.
// Fields other than id, page, pool and createdAt are guarded by pool.mu.
type Handle struct {
	id        string
	page      engine.Page
	pool      *Pool
	createdAt time.Time

	lastUsedAt time.Time
	state      state
}

// ID returns the handle's opaque identity.
func (h *Handle) ID() string { return h.id }

// Page returns the engine page. Only the current borrower may use it.
func (h *Handle) Page() engine.Page { return h.page }

// CreatedAt returns when the page was opened.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// LastUsedAt returns when the handle was last acquired or released.
func (h *Handle) LastUsedAt() time.Time {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	return h.lastUsedAt
}

// InUse reports whether the handle is currently lent out.
func (h *Handle) InUse() bool {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	return h.state == stateInUse
}

// Release returns the handle to its pool.
func (h *Handle) Release() { h.pool.Release(h) }

// Discard closes the handle instead of returning it to its pool.
func (h *Handle) Discard() { h.pool.Discard(h) }
