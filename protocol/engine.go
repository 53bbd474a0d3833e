package protocol

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wopr/crypto"
	"github.com/opd-ai/wopr/identity"
	"github.com/opd-ai/wopr/limits"
	"github.com/opd-ai/wopr/transport"
	"github.com/opd-ai/wopr/trust"
)

// Timeouts governing a single connection.
const (
	// DefaultHandshakeTimeout bounds the wait for a hello or hello-ack.
	DefaultHandshakeTimeout = 5 * time.Second

	// DefaultRequestTimeout bounds a full initiator round trip.
	DefaultRequestTimeout = 10 * time.Second
)

// InjectHandler consumes a decrypted payload delivered to a session.
// An error is translated into a reject reply; it is not fatal to the
// connection.
type InjectHandler func(session, plaintext, fromSignPub string) error

// Config tunes the protocol engine.
type Config struct {
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
}

// NewConfig returns a Config with the default timeouts.
func NewConfig() Config {
	return Config{
		HandshakeTimeout: DefaultHandshakeTimeout,
		RequestTimeout:   DefaultRequestTimeout,
	}
}

// Engine drives the wire protocol between the opaque transport and the
// identity and trust stores. The rate limiter and replay protector are
// shared, injected state; the engine mutates them under their own locks.
type Engine struct {
	identity  *identity.Manager
	trust     *trust.Store
	rate      *limits.RateLimiter
	replay    *limits.ReplayProtector
	transport transport.Transport
	cfg       Config

	handlerMu sync.RWMutex
	handler   InjectHandler

	logger *logrus.Logger
	clock  crypto.TimeProvider
}

// NewEngine wires an engine from its collaborators.
func NewEngine(idm *identity.Manager, store *trust.Store, rate *limits.RateLimiter, replay *limits.ReplayProtector, tr transport.Transport, cfg Config) *Engine {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Engine{
		identity:  idm,
		trust:     store,
		rate:      rate,
		replay:    replay,
		transport: tr,
		cfg:       cfg,
		logger:    logrus.StandardLogger(),
		clock:     crypto.DefaultTimeProvider{},
	}
}

// SetInjectHandler installs the callback invoked for every accepted
// inject.
func (e *Engine) SetInjectHandler(h InjectHandler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.handler = h
}

func (e *Engine) injectHandler() InjectHandler {
	e.handlerMu.RLock()
	defer e.handlerMu.RUnlock()
	return e.handler
}

// SetTimeProvider overrides the engine clock for deterministic tests.
// Pass nil to restore the default.
func (e *Engine) SetTimeProvider(tp crypto.TimeProvider) {
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	e.clock = tp
}

// chargeInvalid counts adversarial-looking input against a peer. Frames
// that fail parsing, signature, or replay checks are charged and then
// dropped without a reply so probes learn nothing.
func (e *Engine) chargeInvalid(peer, detail string) {
	e.rate.Check(peer, limits.ClassInvalidMessages)
	e.logger.WithFields(logrus.Fields{
		"peer":   peerPrefix(peer),
		"detail": detail,
	}).Warn("Invalid message dropped")
}

func peerPrefix(peer string) string {
	if len(peer) > 8 {
		return peer[:8]
	}
	return peer
}
