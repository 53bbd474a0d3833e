package limits

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wopr/crypto"
)

// Replay protection defaults.
const (
	// DefaultMaxAge is how far in the past a frame timestamp may lie.
	DefaultMaxAge = 5 * time.Minute

	// DefaultMaxSkew is how far in the future a frame timestamp may lie,
	// absorbing clock drift between peers.
	DefaultMaxSkew = 30 * time.Second

	// DefaultCleanupThreshold triggers an opportunistic sweep of
	// expired nonces once the table grows past this size.
	DefaultCleanupThreshold = 10000
)

// ReplayProtector rejects frames whose nonce was already seen or whose
// timestamp falls outside the accepted window. Safe for concurrent use.
type ReplayProtector struct {
	mu               sync.Mutex
	seen             map[string]int64 // nonce -> frame timestamp (ms)
	maxAge           time.Duration
	maxSkew          time.Duration
	cleanupThreshold int
	logger           *logrus.Logger
	clock            crypto.TimeProvider
}

// NewReplayProtector creates a protector with the default window bounds.
func NewReplayProtector() *ReplayProtector {
	return &ReplayProtector{
		seen:             make(map[string]int64),
		maxAge:           DefaultMaxAge,
		maxSkew:          DefaultMaxSkew,
		cleanupThreshold: DefaultCleanupThreshold,
		logger:           logrus.StandardLogger(),
		clock:            crypto.DefaultTimeProvider{},
	}
}

// SetTimeProvider overrides the clock for deterministic tests. Pass nil
// to restore the default.
func (rp *ReplayProtector) SetTimeProvider(tp crypto.TimeProvider) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	rp.clock = tp
}

// Check validates a frame nonce and timestamp (ms since epoch). It
// returns false for stale timestamps, future timestamps beyond the skew
// bound, and nonces already recorded; otherwise the nonce is recorded
// and the frame accepted.
func (rp *ReplayProtector) Check(nonce string, ts int64) bool {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	now := rp.clock.Now().UnixMilli()

	if ts < now-rp.maxAge.Milliseconds() {
		return false
	}
	if ts > now+rp.maxSkew.Milliseconds() {
		return false
	}
	if _, exists := rp.seen[nonce]; exists {
		rp.logger.WithFields(logrus.Fields{
			"nonce": noncePrefix(nonce),
		}).Warn("Replay detected: nonce already seen")
		return false
	}

	if len(rp.seen) >= rp.cleanupThreshold {
		rp.cleanupLocked(now)
	}

	rp.seen[nonce] = ts
	return true
}

// Size returns the number of recorded nonces.
func (rp *ReplayProtector) Size() int {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return len(rp.seen)
}

// Cleanup removes nonces whose timestamps have aged out of the replay
// window.
func (rp *ReplayProtector) Cleanup() int {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.cleanupLocked(rp.clock.Now().UnixMilli())
}

func (rp *ReplayProtector) cleanupLocked(now int64) int {
	cutoff := now - rp.maxAge.Milliseconds()
	removed := 0
	for nonce, ts := range rp.seen {
		if ts < cutoff {
			delete(rp.seen, nonce)
			removed++
		}
	}
	if removed > 0 {
		rp.logger.WithFields(logrus.Fields{
			"removed":   removed,
			"remaining": len(rp.seen),
		}).Debug("Expired nonces cleaned up")
	}
	return removed
}

func noncePrefix(nonce string) string {
	if len(nonce) > 8 {
		return nonce[:8]
	}
	return nonce
}
