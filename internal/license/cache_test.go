package license

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensekit/internal/clock"
	"licensekit/pkg/contracts/domain"
)

// =============================================================================
// Verification Cache Testing
// =============================================================================

var cacheEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

var cacheCtx = context.Background()

func successResult(tier int, plugins ...string) *domain.VerificationResult {
	return &domain.VerificationResult{
		Success:          true,
		CurrentTier:      tier,
		DaysRemaining:    tier,
		Status:           domain.LicenseStatusActive,
		ActivatedPlugins: plugins,
		Record:           domain.LicenseRecord{LicenseID: "lic-1", PluginID: "p1", Features: []string{"reports"}},
	}
}

func TestVerificationCacheWindow(t *testing.T) {
	clk := clock.Fake(cacheEpoch)
	cache := NewVerificationCache(30*time.Minute, clk)

	_, ok := cache.Get()
	assert.False(t, ok, "empty cache misses")

	cache.Store(successResult(90, "p1"))

	got, ok := cache.Get()
	require.True(t, ok)
	assert.Equal(t, 90, got.CurrentTier)

	clk.Advance(30*time.Minute - time.Second)
	_, ok = cache.Get()
	assert.True(t, ok, "still inside the window")

	clk.Advance(time.Second)
	_, ok = cache.Get()
	assert.False(t, ok, "window boundary is exclusive")

	stats := cache.Stats()
	assert.True(t, stats.Populated)
	assert.Equal(t, int64(2), stats.HitCount)
	assert.Equal(t, int64(2), stats.MissCount)
	assert.InDelta(t, 0.5, stats.HitRatio, 0.0001)
	assert.Equal(t, 30*time.Minute, stats.Window)
}

func TestVerificationCacheIgnoresFailures(t *testing.T) {
	cache := NewVerificationCache(time.Hour, clock.Fake(cacheEpoch))

	cache.Store(&domain.VerificationResult{Success: false, Status: domain.LicenseStatusTampered})
	cache.Store(nil)

	_, ok := cache.Get()
	assert.False(t, ok)
	assert.False(t, cache.Stats().Populated)
}

func TestVerificationCacheDisabled(t *testing.T) {
	for _, window := range []time.Duration{0, -time.Minute} {
		cache := NewVerificationCache(window, clock.Fake(cacheEpoch))
		cache.Store(successResult(30, "p1"))

		_, ok := cache.Get()
		assert.False(t, ok)

		calls := 0
		for i := 0; i < 3; i++ {
			_, cached, err := cache.GetOrCompute(cacheCtx, "k", func(context.Context) (*domain.VerificationResult, error) {
				calls++
				return successResult(30, "p1"), nil
			})
			require.NoError(t, err)
			assert.False(t, cached)
		}
		assert.Equal(t, 3, calls)
	}
}

func TestVerificationCacheIsUnkeyed(t *testing.T) {
	cache := NewVerificationCache(time.Hour, clock.Fake(cacheEpoch))

	first, cached, err := cache.GetOrCompute(cacheCtx, "k", func(context.Context) (*domain.VerificationResult, error) {
		return successResult(90, "p1"), nil
	})
	require.NoError(t, err)
	assert.False(t, cached)

	// A different computation inside the window still gets the stored slot.
	second, cached, err := cache.GetOrCompute(cacheCtx, "k", func(context.Context) (*domain.VerificationResult, error) {
		t.Fatal("compute must not run on a hit")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, first.CurrentTier, second.CurrentTier)
}

func TestVerificationCacheFailedComputeNotStored(t *testing.T) {
	cache := NewVerificationCache(time.Hour, clock.Fake(cacheEpoch))
	boom := errors.New("decode failed")
	failure := &domain.VerificationResult{Success: false}

	result, cached, err := cache.GetOrCompute(cacheCtx, "k", func(context.Context) (*domain.VerificationResult, error) {
		return failure, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, cached)
	require.NotNil(t, result)
	assert.False(t, result.Success)

	calls := 0
	_, cached, err = cache.GetOrCompute(cacheCtx, "k", func(context.Context) (*domain.VerificationResult, error) {
		calls++
		return successResult(30, "p1"), nil
	})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 1, calls)
}

func TestVerificationCacheInvalidate(t *testing.T) {
	cache := NewVerificationCache(time.Hour, clock.Fake(cacheEpoch))
	cache.Store(successResult(60, "p1"))

	cache.Invalidate()

	_, ok := cache.Get()
	assert.False(t, ok)
	assert.False(t, cache.Stats().Populated)
	assert.True(t, cache.Stats().ComputedAt.IsZero())
}

func TestVerificationCacheInvalidateDuringCompute(t *testing.T) {
	cache := NewVerificationCache(time.Hour, clock.Fake(cacheEpoch))

	_, _, err := cache.GetOrCompute(cacheCtx, "k", func(context.Context) (*domain.VerificationResult, error) {
		// The license file changes while the old envelope is being verified.
		cache.Invalidate()
		return successResult(30, "p1"), nil
	})
	require.NoError(t, err)

	_, ok := cache.Get()
	assert.False(t, ok, "a result computed before invalidation must not be stored")
}

func TestVerificationCacheReturnsCopies(t *testing.T) {
	cache := NewVerificationCache(time.Hour, clock.Fake(cacheEpoch))
	original := successResult(90, "p1")
	cache.Store(original)

	original.ActivatedPlugins[0] = "mutated"

	got, ok := cache.Get()
	require.True(t, ok)
	assert.Equal(t, []string{"p1"}, got.ActivatedPlugins)

	got.ActivatedPlugins[0] = "changed"
	got.Record.Features[0] = "changed"

	again, ok := cache.Get()
	require.True(t, ok)
	assert.Equal(t, []string{"p1"}, again.ActivatedPlugins)
	assert.Equal(t, []string{"reports"}, again.Record.Features)
}

func TestVerificationCacheCollapsesConcurrentMisses(t *testing.T) {
	cache := NewVerificationCache(time.Hour, clock.Fake(cacheEpoch))

	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	compute := func(context.Context) (*domain.VerificationResult, error) {
		calls.Add(1)
		once.Do(func() { close(started) })
		<-release
		return successResult(90, "p1"), nil
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*domain.VerificationResult, workers)
	leader := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		close(leader)
		res, _, err := cache.GetOrCompute(cacheCtx, "k", compute)
		assert.NoError(t, err)
		results[0] = res
	}()
	<-leader
	<-started

	for i := 1; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, _, err := cache.GetOrCompute(cacheCtx, "k", compute)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	// Give followers a chance to join the in-flight call before it finishes.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i, res := range results {
		require.NotNil(t, res, "worker %d", i)
		assert.Equal(t, 90, res.CurrentTier)
	}
}

func TestVerificationCacheDistinctKeysComputeIndependently(t *testing.T) {
	cache := NewVerificationCache(time.Hour, clock.Fake(cacheEpoch))

	started := make(chan struct{})
	release := make(chan struct{})
	leaderDone := make(chan struct{})

	go func() {
		defer close(leaderDone)
		_, _, err := cache.GetOrCompute(cacheCtx, FlightKey("bound-elsewhere"), func(context.Context) (*domain.VerificationResult, error) {
			close(started)
			<-release
			return &domain.VerificationResult{Success: false}, errors.New("bound to another machine")
		})
		assert.Error(t, err)
	}()
	<-started

	var otherCalls atomic.Int32
	result, cached, err := cache.GetOrCompute(cacheCtx, FlightKey("valid"), func(context.Context) (*domain.VerificationResult, error) {
		otherCalls.Add(1)
		return successResult(30, "p-good"), nil
	})
	close(release)
	<-leaderDone

	require.NoError(t, err, "a pending failure for another input must not decide this call")
	assert.False(t, cached)
	assert.Equal(t, int32(1), otherCalls.Load())
	assert.Equal(t, []string{"p-good"}, result.ActivatedPlugins)
}

func TestVerificationCacheFollowerSurvivesCancelledLeader(t *testing.T) {
	cache := NewVerificationCache(time.Hour, clock.Fake(cacheEpoch))
	key := FlightKey("same-envelope")

	leaderCtx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var calls atomic.Int32
	compute := func(ctx context.Context) (*domain.VerificationResult, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return successResult(60, "p1"), nil
	}

	leaderDone := make(chan error, 1)
	go func() {
		_, _, err := cache.GetOrCompute(leaderCtx, key, compute)
		leaderDone <- err
	}()
	<-started

	followerDone := make(chan struct{})
	var result *domain.VerificationResult
	var followerErr error
	go func() {
		defer close(followerDone)
		result, _, followerErr = cache.GetOrCompute(cacheCtx, key, compute)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-leaderDone, context.Canceled)
	<-followerDone
	require.NoError(t, followerErr)
	assert.Equal(t, 60, result.CurrentTier)
}

func TestFlightKey(t *testing.T) {
	assert.Len(t, FlightKey("x"), 64)
	assert.Equal(t, FlightKey("x"), FlightKey("x"))
	assert.NotEqual(t, FlightKey("x"), FlightKey("y"))
}
