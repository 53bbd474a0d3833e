package limits

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock is a manually advanced clock for deterministic window tests.
type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time { return c.now }

func (c *stepClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func TestRateLimiterAllowsUnderLimit(t *testing.T) {
	rl := NewRateLimiter(nil)

	for i := 0; i < 5; i++ {
		assert.True(t, rl.Check("peer-a", ClassClaims), "request %d should pass", i)
	}
}

func TestRateLimiterBlocksAtLimit(t *testing.T) {
	clock := newStepClock()
	rl := NewRateLimiter(nil)
	rl.SetTimeProvider(clock)

	for i := 0; i < 5; i++ {
		require.True(t, rl.Check("peer-a", ClassClaims))
	}
	assert.False(t, rl.Check("peer-a", ClassClaims))
	assert.True(t, rl.Blocked("peer-a", ClassClaims))

	// Other peers and other classes are unaffected.
	assert.True(t, rl.Check("peer-b", ClassClaims))
	assert.True(t, rl.Check("peer-a", ClassConnections))
}

func TestRateLimiterBlockMonotonic(t *testing.T) {
	clock := newStepClock()
	rl := NewRateLimiter(nil)
	rl.SetTimeProvider(clock)

	for i := 0; i < 5; i++ {
		require.True(t, rl.Check("peer-a", ClassClaims))
	}
	require.False(t, rl.Check("peer-a", ClassClaims))

	// Repeated checks during the cooldown stay refused and never extend
	// the block.
	clock.advance(100 * time.Second)
	assert.False(t, rl.Check("peer-a", ClassClaims))
	clock.advance(100 * time.Second)
	assert.False(t, rl.Check("peer-a", ClassClaims))

	// Past blockDuration (300s) the peer recovers.
	clock.advance(101 * time.Second)
	assert.True(t, rl.Check("peer-a", ClassClaims))
}

func TestRateLimiterWindowSlides(t *testing.T) {
	clock := newStepClock()
	rl := NewRateLimiter(nil)
	rl.SetTimeProvider(clock)

	// injects: 10 per second.
	for i := 0; i < 10; i++ {
		require.True(t, rl.Check("peer-a", ClassInjects))
	}
	// The old requests age out after the 1s window.
	clock.advance(1100 * time.Millisecond)
	assert.True(t, rl.Check("peer-a", ClassInjects))
}

func TestRateLimiterDefaults(t *testing.T) {
	defaults := DefaultLimits()

	tests := []struct {
		class    LimitClass
		window   time.Duration
		max      int
		block    time.Duration
	}{
		{ClassConnections, 60 * time.Second, 10, 300 * time.Second},
		{ClassClaims, 60 * time.Second, 5, 300 * time.Second},
		{ClassInjects, time.Second, 10, 60 * time.Second},
		{ClassInvalidMessages, 60 * time.Second, 3, 600 * time.Second},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			cfg, ok := defaults[tt.class]
			require.True(t, ok)
			assert.Equal(t, tt.window, cfg.Window)
			assert.Equal(t, tt.max, cfg.MaxRequests)
			assert.Equal(t, tt.block, cfg.BlockDuration)
		})
	}
}

func TestRateLimiterReset(t *testing.T) {
	clock := newStepClock()
	rl := NewRateLimiter(nil)
	rl.SetTimeProvider(clock)

	for i := 0; i < 5; i++ {
		require.True(t, rl.Check("peer-a", ClassClaims))
	}
	require.False(t, rl.Check("peer-a", ClassClaims))

	rl.Reset("peer-a")
	assert.True(t, rl.Check("peer-a", ClassClaims))
}

func TestRateLimiterUnknownClassPasses(t *testing.T) {
	rl := NewRateLimiter(map[LimitClass]LimitConfig{})
	assert.True(t, rl.Check("peer-a", ClassInjects))
}

func TestReplayProtectorAcceptsFresh(t *testing.T) {
	clock := newStepClock()
	rp := NewReplayProtector()
	rp.SetTimeProvider(clock)

	now := clock.Now().UnixMilli()
	assert.True(t, rp.Check("nonce-1", now))
	assert.Equal(t, 1, rp.Size())
}

func TestReplayProtectorRejectsDuplicate(t *testing.T) {
	clock := newStepClock()
	rp := NewReplayProtector()
	rp.SetTimeProvider(clock)

	now := clock.Now().UnixMilli()
	require.True(t, rp.Check("nonce-1", now))
	assert.False(t, rp.Check("nonce-1", now))

	// Still rejected with a different timestamp inside the window.
	assert.False(t, rp.Check("nonce-1", now+1000))
	assert.Equal(t, 1, rp.Size())
}

func TestReplayProtectorTimestampBounds(t *testing.T) {
	clock := newStepClock()
	rp := NewReplayProtector()
	rp.SetTimeProvider(clock)

	now := clock.Now().UnixMilli()

	// Too old.
	assert.False(t, rp.Check("old", now-DefaultMaxAge.Milliseconds()-1))
	// Too far in the future.
	assert.False(t, rp.Check("future", now+DefaultMaxSkew.Milliseconds()+1))
	// Edges inside the window pass.
	assert.True(t, rp.Check("edge-old", now-DefaultMaxAge.Milliseconds()+1))
	assert.True(t, rp.Check("edge-new", now+DefaultMaxSkew.Milliseconds()))
}

func TestReplayProtectorCleanup(t *testing.T) {
	clock := newStepClock()
	rp := NewReplayProtector()
	rp.SetTimeProvider(clock)

	now := clock.Now().UnixMilli()
	require.True(t, rp.Check("a", now))
	require.True(t, rp.Check("b", now))

	clock.advance(DefaultMaxAge + time.Minute)
	removed := rp.Cleanup()
	assert.Equal(t, 2, removed)
	assert.Zero(t, rp.Size())

	// The aged-out nonce would still be refused by the timestamp bound
	// if replayed with its original timestamp.
	assert.False(t, rp.Check("a", now))
}

func TestReplayProtectorOpportunisticCleanup(t *testing.T) {
	clock := newStepClock()
	rp := NewReplayProtector()
	rp.SetTimeProvider(clock)
	rp.cleanupThreshold = 10

	now := clock.Now().UnixMilli()
	for i := 0; i < 10; i++ {
		require.True(t, rp.Check(fmt.Sprintf("n-%d", i), now))
	}

	// Age the table out, then one more check triggers the sweep.
	clock.advance(DefaultMaxAge + time.Minute)
	assert.True(t, rp.Check("fresh", clock.Now().UnixMilli()))
	assert.Equal(t, 1, rp.Size())
}
