package pool

import (
	"github.com/alnah/go-pdfgate/internal/metrics"
)

// startCleanup runs Sweep every CleanupInterval until Dispose.
func (p *Pool) startCleanup() {
	ticker := p.clock.NewTicker(p.cfg.CleanupInterval)
	go func() {
		defer close(p.cleanupDone)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCleanup:
				return
			case <-ticker.C():
				if n := p.Sweep(); n > 0 {
					p.log.V(1).Info("swept handles", "evicted", n)
				}
			}
		}
	}()
}

// Sweep closes idle handles that exceeded MaxIdleTime or MaxPageAge and
// returns how many it closed. In-use handles are never touched; they are
// checked on release. Pages close outside the pool lock.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}

	now := p.clock.Now()
	var aged, idled []*Handle
	kept := p.idle[:0]
	for _, h := range p.idle {
		switch {
		case p.ageExceeded(h, now):
			p.detachLocked(h)
			aged = append(aged, h)
		case p.idleExceeded(h, now):
			p.detachLocked(h)
			idled = append(idled, h)
		default:
			kept = append(kept, h)
		}
	}
	clear(p.idle[len(kept):])
	p.idle = kept
	p.publishLocked()
	p.mu.Unlock()

	p.closeAll(aged, metrics.EvictAge)
	p.closeAll(idled, metrics.EvictIdle)
	return len(aged) + len(idled)
}
