// Package limits provides the adversarial-input gates for the protocol
// engine: per-peer sliding-window rate limiting with post-block cooldown,
// and nonce-based replay protection with timestamp skew bounds.
package limits
