// Package metrics provides process health collection for the diagnoser.
package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/pilot-net/netdiag/pkg/types"
)

// Pinger checks a backing service. The reputation cache implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Collector gathers process metrics with caching.
type Collector struct {
	probes []string
	cache  Pinger // may be nil if caching is disabled

	startTime time.Time

	// Cached values with TTL
	mu            sync.RWMutex
	cachedHealth  *types.Health
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewCollector creates a new metrics collector.
func NewCollector(probes []string, cache Pinger, cacheDuration time.Duration) *Collector {
	return &Collector{
		probes:        append([]string(nil), probes...),
		cache:         cache,
		startTime:     time.Now(),
		cacheDuration: cacheDuration,
	}
}

// GetHealth returns the current health. Results are cached for the
// collector's cache duration; CPU sampling is not free.
func (c *Collector) GetHealth(ctx context.Context) *types.Health {
	c.mu.RLock()
	if c.cachedHealth != nil && time.Now().Before(c.cacheExpiry) {
		health := *c.cachedHealth
		c.mu.RUnlock()
		return &health
	}
	c.mu.RUnlock()

	health := c.collectHealth(ctx)

	// Update cache
	c.mu.Lock()
	c.cachedHealth = health
	c.cacheExpiry = time.Now().Add(c.cacheDuration)
	c.mu.Unlock()

	copied := *health
	return &copied
}

func (c *Collector) collectHealth(ctx context.Context) *types.Health {
	health := &types.Health{
		Status:    "healthy",
		Timestamp: time.Now(),
		Process:   c.collectProcessHealth(),
		Probes:    c.probes,
		Cache:     "disabled",
	}

	if c.cache != nil {
		pctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := c.cache.Ping(pctx); err != nil {
			// Lookups fall back to live queries, so this degrades rather than fails.
			health.Cache = "unreachable"
			health.Status = "degraded"
		} else {
			health.Cache = "enabled"
		}
	}

	if health.Process.MemoryPercent > 90 || health.Process.CPUPercent > 90 {
		health.Status = "degraded"
	}

	return health
}

func (c *Collector) collectProcessHealth() types.ProcessHealth {
	health := types.ProcessHealth{
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}

	// Get process metrics using gopsutil
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		// CPU percent (since process start)
		if cpu, err := proc.CPUPercent(); err == nil {
			health.CPUPercent = cpu
		}

		// Memory info
		if mem, err := proc.MemoryInfo(); err == nil {
			health.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}

		// Memory percent
		if memPct, err := proc.MemoryPercent(); err == nil {
			health.MemoryPercent = float64(memPct)
		}
	}

	return health
}
