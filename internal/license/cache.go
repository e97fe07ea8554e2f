package license

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"licensekit/internal/clock"
	"licensekit/pkg/contracts/domain"
)

// DefaultCacheWindow is how long a successful verification is reused.
const DefaultCacheWindow = 30 * time.Minute

// VerificationCache memoizes the most recent successful verification in a
// single slot. The slot is not keyed: any lookup inside the window returns
// the stored result. Failures are never stored. Concurrent misses for the
// same key share one computation.
type VerificationCache struct {
	mu         sync.Mutex
	window     time.Duration
	clock      clock.Clock
	result     *domain.VerificationResult
	computedAt time.Time
	generation uint64
	hitCount   int64
	missCount  int64
	group      singleflight.Group
}

// CacheStats is a point-in-time view of cache usage.
type CacheStats struct {
	Populated  bool          `json:"populated"`
	ComputedAt time.Time     `json:"computedAt,omitempty"`
	Window     time.Duration `json:"window"`
	HitCount   int64         `json:"hitCount"`
	MissCount  int64         `json:"missCount"`
	HitRatio   float64       `json:"hitRatio"`
}

// NewVerificationCache creates a cache. A non-positive window disables
// reuse entirely.
func NewVerificationCache(window time.Duration, clk clock.Clock) *VerificationCache {
	if clk == nil {
		clk = clock.Real()
	}
	return &VerificationCache{window: window, clock: clk}
}

// Get returns a copy of the stored result if it is still inside the window.
func (c *VerificationCache) Get() (*domain.VerificationResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked()
}

func (c *VerificationCache) getLocked() (*domain.VerificationResult, bool) {
	if c.result == nil || c.window <= 0 || c.clock.Now().Sub(c.computedAt) >= c.window {
		c.missCount++
		return nil, false
	}
	c.hitCount++
	return cloneResult(c.result), true
}

// Store records a successful result. Unsuccessful results are ignored.
func (c *VerificationCache) Store(result *domain.VerificationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(result, c.generation)
}

func (c *VerificationCache) storeLocked(result *domain.VerificationResult, generation uint64) {
	if result == nil || !result.Success || c.window <= 0 || generation != c.generation {
		return
	}
	c.result = cloneResult(result)
	c.computedAt = c.clock.Now()
}

// Invalidate empties the slot. A computation already in flight will not
// repopulate it.
func (c *VerificationCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result = nil
	c.computedAt = time.Time{}
	c.generation++
}

// FlightKey identifies one input for collapsing concurrent misses: the hex
// SHA-256 of the envelope text.
func FlightKey(envelopeText string) string {
	sum := sha256.Sum256([]byte(envelopeText))
	return hex.EncodeToString(sum[:])
}

// GetOrCompute returns the cached result or runs compute, storing its
// result on success. cached reports whether compute was skipped. Concurrent
// misses share one computation only when their keys match. A follower whose
// leader was cancelled computes again under its own ctx.
func (c *VerificationCache) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (*domain.VerificationResult, error)) (result *domain.VerificationResult, cached bool, err error) {
	c.mu.Lock()
	if hit, ok := c.getLocked(); ok {
		c.mu.Unlock()
		return hit, true, nil
	}
	generation := c.generation
	c.mu.Unlock()

	run := func(ctx context.Context) flightOutcome {
		res, err := compute(ctx)
		if err == nil {
			c.mu.Lock()
			c.storeLocked(res, generation)
			c.mu.Unlock()
		}
		return flightOutcome{result: res, err: err}
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		return run(ctx), nil
	})

	var out flightOutcome
	select {
	case r := <-ch:
		out = r.Val.(flightOutcome)
		if r.Shared && isContextError(out.err) && ctx.Err() == nil {
			out = run(ctx)
		}
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	return cloneResult(out.result), false, out.err
}

type flightOutcome struct {
	result *domain.VerificationResult
	err    error
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Stats returns usage counters.
func (c *VerificationCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Populated:  c.result != nil,
		ComputedAt: c.computedAt,
		Window:     c.window,
		HitCount:   c.hitCount,
		MissCount:  c.missCount,
	}
	if total := c.hitCount + c.missCount; total > 0 {
		stats.HitRatio = float64(c.hitCount) / float64(total)
	}
	return stats
}

func cloneResult(r *domain.VerificationResult) *domain.VerificationResult {
	if r == nil {
		return nil
	}
	cp := *r
	cp.ActivatedPlugins = slices.Clone(r.ActivatedPlugins)
	cp.Record.Features = slices.Clone(r.Record.Features)
	return &cp
}
