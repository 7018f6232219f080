package pool

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// Pool sizing constants.
const (
	// MinSize ensures at least one page is available.
	MinSize = 1

	// MaxAutoSize caps automatically sized pools (one Chrome tab is ~50-100MB).
	MaxAutoSize = 8

	// cpuDivisor leaves headroom for Chrome renderer processes.
	cpuDivisor = 2
)

// Defaults applied to zero-valued Config fields.
const (
	DefaultMaxIdleTime     = 5 * time.Minute
	DefaultMaxPageAge      = 30 * time.Minute
	DefaultCleanupInterval = time.Minute
	DefaultAcquireTimeout  = 10 * time.Second
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid pool config")

// Config is the immutable configuration of one session pool.
type Config struct {
	Name            string        // label for logs and metrics
	Size            int           // max live handles; 0 = ResolveSize(0)
	MaxIdleTime     time.Duration // unused handles older than this are evicted
	MaxPageAge      time.Duration // hard lifetime cap from creation
	CleanupInterval time.Duration // sweep period
	AcquireTimeout  time.Duration // max wait for a free handle
}

// DefaultConfig returns a config with every default filled in.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

// Validate rejects negative sizes and durations. Zero means "use default".
func (c Config) Validate() error {
	if c.Size < 0 {
		return fmt.Errorf("%w: size %d is negative", ErrInvalidConfig, c.Size)
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"maxIdleTime", c.MaxIdleTime},
		{"maxPageAge", c.MaxPageAge},
		{"cleanupInterval", c.CleanupInterval},
		{"acquireTimeout", c.AcquireTimeout},
	}
	for _, d := range durations {
		if d.d < 0 {
			return fmt.Errorf("%w: %s %s is negative", ErrInvalidConfig, d.name, d.d)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "default"
	}
	c.Size = ResolveSize(c.Size)
	if c.MaxIdleTime == 0 {
		c.MaxIdleTime = DefaultMaxIdleTime
	}
	if c.MaxPageAge == 0 {
		c.MaxPageAge = DefaultMaxPageAge
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	return c
}

// ResolveSize determines the pool size.
// Priority: explicit size > GOMAXPROCS-based calculation.
func ResolveSize(size int) int {
	if size > 0 {
		return size
	}

	// GOMAXPROCS is container-aware once automaxprocs has run
	n := runtime.GOMAXPROCS(0) / cpuDivisor

	if n < MinSize {
		return MinSize
	}
	if n > MaxAutoSize {
		return MaxAutoSize
	}
	return n
}
