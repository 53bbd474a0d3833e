package limits

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wopr/crypto"
)

// LimitClass names a category of peer activity with its own window and
// block policy.
type LimitClass string

// Limit classes checked by the protocol engine.
const (
	ClassConnections     LimitClass = "connections"
	ClassClaims          LimitClass = "claims"
	ClassInjects         LimitClass = "injects"
	ClassInvalidMessages LimitClass = "invalidMessages"
)

// LimitConfig describes one class's sliding window.
type LimitConfig struct {
	Window        time.Duration
	MaxRequests   int
	BlockDuration time.Duration
}

// DefaultLimits returns the per-class defaults.
func DefaultLimits() map[LimitClass]LimitConfig {
	return map[LimitClass]LimitConfig{
		ClassConnections:     {Window: 60 * time.Second, MaxRequests: 10, BlockDuration: 300 * time.Second},
		ClassClaims:          {Window: 60 * time.Second, MaxRequests: 5, BlockDuration: 300 * time.Second},
		ClassInjects:         {Window: time.Second, MaxRequests: 10, BlockDuration: 60 * time.Second},
		ClassInvalidMessages: {Window: 60 * time.Second, MaxRequests: 3, BlockDuration: 600 * time.Second},
	}
}

// bucket holds one (peer, class) counter.
type bucket struct {
	requests     []time.Time
	blockedUntil time.Time
}

// RateLimiter tracks per-(peer, class) sliding windows. Once a class
// trips its limit the peer is blocked for the class's cooldown; checks
// during the cooldown do not extend it.
type RateLimiter struct {
	mu      sync.Mutex
	configs map[LimitClass]LimitConfig
	buckets map[string]*bucket
	logger  *logrus.Logger
	clock   crypto.TimeProvider
}

// NewRateLimiter creates a limiter with the given per-class configs.
// Pass nil to use DefaultLimits.
func NewRateLimiter(configs map[LimitClass]LimitConfig) *RateLimiter {
	if configs == nil {
		configs = DefaultLimits()
	}
	return &RateLimiter{
		configs: configs,
		buckets: make(map[string]*bucket),
		logger:  logrus.StandardLogger(),
		clock:   crypto.DefaultTimeProvider{},
	}
}

// SetTimeProvider overrides the clock for deterministic tests. Pass nil
// to restore the default.
func (rl *RateLimiter) SetTimeProvider(tp crypto.TimeProvider) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	rl.clock = tp
}

// Check records one request from peer in the given class and reports
// whether it is allowed. A blocked peer is refused without mutating its
// counter; a peer at its limit is blocked for the class cooldown.
func (rl *RateLimiter) Check(peer string, class LimitClass) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cfg, ok := rl.configs[class]
	if !ok {
		return true
	}

	now := rl.clock.Now()
	key := peer + "/" + string(class)
	b := rl.buckets[key]
	if b == nil {
		b = &bucket{}
		rl.buckets[key] = b
	}

	if now.Before(b.blockedUntil) {
		return false
	}

	// Slide the window.
	cutoff := now.Add(-cfg.Window)
	kept := b.requests[:0]
	for _, t := range b.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.requests = kept

	if len(b.requests) >= cfg.MaxRequests {
		b.blockedUntil = now.Add(cfg.BlockDuration)
		b.requests = b.requests[:0]
		rl.logger.WithFields(logrus.Fields{
			"peer":          peerPrefix(peer),
			"class":         class,
			"blocked_until": b.blockedUntil,
		}).Warn("Peer rate limited")
		return false
	}

	b.requests = append(b.requests, now)
	return true
}

// Blocked reports whether the peer is currently in a cooldown for the
// class, without counting a request.
func (rl *RateLimiter) Blocked(peer string, class LimitClass) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b := rl.buckets[peer+"/"+string(class)]
	return b != nil && rl.clock.Now().Before(b.blockedUntil)
}

// Reset clears all counters and blocks for a peer.
func (rl *RateLimiter) Reset(peer string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for _, class := range []LimitClass{ClassConnections, ClassClaims, ClassInjects, ClassInvalidMessages} {
		delete(rl.buckets, peer+"/"+string(class))
	}
}

func peerPrefix(peer string) string {
	if len(peer) > 8 {
		return peer[:8]
	}
	return peer
}
