package pdfgate

import (
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/alnah/go-pdfgate/internal/admission"
	"github.com/alnah/go-pdfgate/internal/config"
	"github.com/alnah/go-pdfgate/internal/engine"
	"github.com/alnah/go-pdfgate/internal/pool"
	"github.com/alnah/go-pdfgate/internal/render"
	"github.com/alnah/go-pdfgate/internal/shard"
)

// Aliases for the types callers handle directly.
type (
	Config      = config.Config
	Options     = render.Options
	Margins     = render.Margins
	Engine      = engine.Engine
	Page        = engine.Page
	QuotaStore  = admission.QuotaStore
	QuotaStatus = admission.QuotaStatus
	RateStatus  = admission.RateStatus
	PoolStats   = pool.Stats
	ShardStats  = shard.Aggregate
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return config.DefaultConfig()
}

// LoadConfig reads a YAML config by path or by name.
func LoadConfig(nameOrPath string) (*Config, error) {
	return config.LoadConfig(nameOrPath)
}

// Request is one generation. Exactly one of HTML and Markdown is set.
type Request struct {
	TenantID  string
	RequestID string // generated when empty

	HTML     string
	Markdown string
	CSS      string // injected into <head> after any built-in stylesheet

	Options Options // merged over the configured defaults
}

// Result is a generated PDF.
type Result struct {
	PDF         []byte
	ContentHash string
	RequestID   string
	ShardID     int
	Elapsed     time.Duration
	Cached      bool

	// Admission state after this request was counted.
	Quota QuotaStatus
	Rate  RateStatus
}

// EngineFactory creates the engine for one shard. The shard owns and closes it.
type EngineFactory func(shardID int) (Engine, error)

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	log        logr.Logger
	clock      clock.WithTicker
	engines    EngineFactory
	quotaStore QuotaStore
}

// WithLogger sets the logger passed down to every component.
func WithLogger(log logr.Logger) Option {
	return func(o *serviceOptions) { o.log = log }
}

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.WithTicker) Option {
	return func(o *serviceOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithEngineFactory replaces the headless Chrome engine.
func WithEngineFactory(f EngineFactory) Option {
	return func(o *serviceOptions) {
		if f != nil {
			o.engines = f
		}
	}
}

// WithQuotaStore replaces the configured quota store. The caller keeps
// ownership: Close does not close it.
func WithQuotaStore(s QuotaStore) Option {
	return func(o *serviceOptions) { o.quotaStore = s }
}
