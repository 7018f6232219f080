// Package cache keeps recently generated PDFs so identical requests from the
// same tenant skip the browser.
package cache

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/alnah/go-pdfgate/internal/metrics"
	"github.com/alnah/go-pdfgate/internal/render"
)

// Defaults.
const (
	DefaultSize          = 256
	DefaultTTL           = 10 * time.Minute
	DefaultMaxEntryBytes = 5 << 20
)

// Config sizes the cache. Size 0 disables it.
type Config struct {
	Size          int
	TTL           time.Duration
	MaxEntryBytes int
}

// Entry is a cached generation.
type Entry struct {
	PDF         []byte
	ContentHash string
	CreatedAt   time.Time
}

// Results is an LRU of generated PDFs with a per-entry TTL. A nil *Results
// is a valid, always-missing cache.
type Results struct {
	lru      *expirable.LRU[string, Entry]
	maxBytes int
}

// New creates a cache, or returns nil when cfg.Size is 0.
func New(cfg Config) *Results {
	if cfg.Size <= 0 {
		return nil
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntryBytes <= 0 {
		cfg.MaxEntryBytes = DefaultMaxEntryBytes
	}
	return &Results{
		lru:      expirable.NewLRU[string, Entry](cfg.Size, nil, cfg.TTL),
		maxBytes: cfg.MaxEntryBytes,
	}
}

// Key identifies a generation: same tenant, same document, same resolved
// options.
func Key(tenantID, contentHash string, opts render.Options) string {
	fp, _ := json.Marshal(opts)
	return tenantID + ":" + contentHash + ":" + strconv.FormatUint(xxhash.Sum64(fp), 16)
}

// Get returns the entry for key.
func (r *Results) Get(key string) (Entry, bool) {
	if r == nil {
		return Entry{}, false
	}
	e, ok := r.lru.Get(key)
	metrics.RecordCacheLookup(ok)
	return e, ok
}

// Add stores e unless it is larger than the entry limit.
func (r *Results) Add(key string, e Entry) bool {
	if r == nil || len(e.PDF) > r.maxBytes {
		return false
	}
	r.lru.Add(key, e)
	return true
}

// Len returns the number of live entries.
func (r *Results) Len() int {
	if r == nil {
		return 0
	}
	return r.lru.Len()
}

// Purge drops every entry.
func (r *Results) Purge() {
	if r != nil {
		r.lru.Purge()
	}
}
