// Package wopr implements the peer-to-peer trust and injection core of
// a self-sovereign agent coordination network.
//
// Each node owns a long-lived cryptographic identity. Nodes authorize
// each other through non-transferable invite tokens and then exchange
// authenticated, end-to-end encrypted injection messages addressed to
// named sessions on the recipient.
//
// Example:
//
//	hub := transport.NewMemHub()
//	node, err := wopr.New(wopr.NewOptions("/var/lib/wopr", hub.Transport()))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	node.OnInject(func(session, plaintext, from string) error {
//	    fmt.Printf("[%s] %s: %s\n", session, from[:8], plaintext)
//	    return nil
//	})
//
//	if err := node.Listen(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
package wopr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wopr/crypto"
	"github.com/opd-ai/wopr/identity"
	"github.com/opd-ai/wopr/limits"
	"github.com/opd-ai/wopr/protocol"
	"github.com/opd-ai/wopr/transport"
	"github.com/opd-ai/wopr/trust"
)

// Node ties the identity store, trust store, rate and replay gates, and
// protocol engine together over one transport.
type Node struct {
	opts *Options

	identity *identity.Manager
	trust    *trust.Store
	rate     *limits.RateLimiter
	replay   *limits.ReplayProtector
	engine   *protocol.Engine

	mu        sync.Mutex
	listening bool
	stopChan  chan struct{}
	logger    *logrus.Logger
}

// New creates a node rooted at the options' data directory. An existing
// identity is loaded; a missing one is generated on the spot. Use
// InitIdentity to control that step explicitly.
func New(opts *Options) (*Node, error) {
	if opts == nil {
		return nil, fmt.Errorf("options are required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("a transport is required")
	}

	idm, err := identity.NewManager(opts.DataDir)
	if err != nil {
		return nil, err
	}
	if _, err := idm.Load(); err != nil {
		if err != identity.ErrNotInitialized {
			return nil, err
		}
		if _, err := idm.Init(false); err != nil {
			return nil, err
		}
	}

	store, err := trust.NewStore(opts.DataDir)
	if err != nil {
		return nil, err
	}

	rate := limits.NewRateLimiter(opts.RateLimits)
	replay := limits.NewReplayProtector()

	cfg := protocol.Config{
		HandshakeTimeout: opts.HandshakeTimeout,
		RequestTimeout:   opts.RequestTimeout,
	}
	engine := protocol.NewEngine(idm, store, rate, replay, opts.Transport, cfg)

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Node{
		opts:     opts,
		identity: idm,
		trust:    store,
		rate:     rate,
		replay:   replay,
		engine:   engine,
		stopChan: make(chan struct{}),
		logger:   logger,
	}, nil
}

// InitIdentity regenerates the node identity. It fails with
// identity.ErrAlreadyInitialized when one exists and force is false.
func (n *Node) InitIdentity(force bool) (*identity.Identity, error) {
	return n.identity.Init(force)
}

// Identity returns the current identity record.
func (n *Node) Identity() (*identity.Identity, error) {
	return n.identity.Current()
}

// ShortID returns the node's 8-hex-char identifier.
func (n *Node) ShortID() (string, error) {
	id, err := n.identity.Current()
	if err != nil {
		return "", err
	}
	return id.ShortID()
}

// OnInject installs the handler invoked once per accepted inject.
func (n *Node) OnInject(handler protocol.InjectHandler) {
	n.engine.SetInjectHandler(handler)
}

// Listen starts the responder on the node's own topic and the periodic
// housekeeping loop. It returns right after starting the listener
// goroutine, which may not have joined its topic yet.
func (n *Node) Listen(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listening {
		return fmt.Errorf("already listening")
	}
	n.listening = true

	go func() {
		if err := n.engine.Serve(ctx); err != nil && ctx.Err() == nil {
			n.logger.WithError(err).Error("Listener stopped")
		}
	}()
	go n.housekeepingLoop(ctx)
	return nil
}

// housekeepingLoop periodically drops expired key history, expired
// invite records, and aged-out replay nonces.
func (n *Node) housekeepingLoop(ctx context.Context) {
	interval := n.opts.HousekeepingInterval
	if interval <= 0 {
		interval = DefaultHousekeepingInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := n.trust.CleanupExpiredKeyHistory(); err != nil {
				n.logger.WithError(err).Warn("Key history cleanup failed")
			}
			if _, err := n.trust.RemoveExpiredInvites(); err != nil {
				n.logger.WithError(err).Warn("Invite cleanup failed")
			}
			n.replay.Cleanup()
		case <-ctx.Done():
			return
		case <-n.stopChan:
			return
		}
	}
}

// Inject delivers a message to a session on a peer. The peer reference
// is a short id, name, or full signing key.
func (n *Node) Inject(ctx context.Context, peerRef, session, message string) (protocol.Result, error) {
	return n.engine.Inject(ctx, peerRef, session, message)
}

// ClaimToken redeems an invite token with its issuer and returns the
// resulting peer record.
func (n *Node) ClaimToken(ctx context.Context, token string) (*trust.Peer, protocol.Result, error) {
	return n.engine.Claim(ctx, token)
}

// CreateInvite mints an invite token for a subject signing key and
// records it in the invite store.
func (n *Node) CreateInvite(subjectSignPub string, sessions []string, ttl time.Duration) (string, error) {
	token, minted, err := n.identity.CreateInviteToken(subjectSignPub, sessions, nil, ttl)
	if err != nil {
		return "", err
	}
	if _, err := n.trust.AddInvite(token, minted.Sub, minted.Ses, minted.Exp); err != nil {
		n.logger.WithError(err).Warn("Failed to record invite")
	}
	return token, nil
}

// RotateIdentity generates a fresh identity and broadcasts the signed
// rotation record to every known peer, best-effort per peer. The
// rotation record is returned so callers can deliver it through other
// channels too.
func (n *Node) RotateIdentity(ctx context.Context, reason string) (*identity.KeyRotation, error) {
	_, rotation, err := n.identity.Rotate(reason)
	if err != nil {
		return nil, err
	}

	for _, peer := range n.trust.ListPeers() {
		result, err := n.engine.SendKeyRotation(ctx, peer.ID, rotation)
		if err != nil {
			n.logger.WithError(err).WithFields(logrus.Fields{
				"peer":   peer.ID,
				"result": result.String(),
			}).Warn("Key rotation delivery failed")
		}
	}
	return rotation, nil
}

// Peers returns all outbound peer records.
func (n *Node) Peers() []trust.Peer { return n.trust.ListPeers() }

// GetPeer resolves a peer by short id, name, or signing key.
func (n *Node) GetPeer(ref string) (*trust.Peer, error) { return n.trust.GetPeer(ref) }

// RenamePeer assigns a display name to a peer.
func (n *Node) RenamePeer(ref, name string) error { return n.trust.RenamePeer(ref, name) }

// UpdatePeerSessions replaces the advisory session list on a peer.
func (n *Node) UpdatePeerSessions(ref string, sessions []string) error {
	return n.trust.UpdatePeerSessions(ref, sessions)
}

// ForgetPeer removes an outbound peer record.
func (n *Node) ForgetPeer(ref string) error { return n.trust.ForgetPeer(ref) }

// RevokePeer revokes a peer's inbound access grant.
func (n *Node) RevokePeer(idOrName string) error { return n.trust.RevokePeer(idOrName) }

// Grants returns all inbound access grants.
func (n *Node) Grants() []trust.AccessGrant { return n.trust.ListGrants() }

// Invites returns all recorded invite records.
func (n *Node) Invites() []trust.InviteRecord { return n.trust.ListInvites() }

// RemoveInvite deletes an invite record by token.
func (n *Node) RemoveInvite(token string) error { return n.trust.RemoveInvite(token) }

// Topic returns the 32-byte rendezvous topic other nodes use to reach
// this one.
func (n *Node) Topic() (transport.Topic, error) {
	id, err := n.identity.Current()
	if err != nil {
		return transport.Topic{}, err
	}
	signPub, err := crypto.KeyFromHex(id.SignPub)
	if err != nil {
		return transport.Topic{}, err
	}
	return transport.Topic(crypto.TopicOf(signPub)), nil
}

// Close stops housekeeping and releases the transport.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	select {
	case <-n.stopChan:
	default:
		close(n.stopChan)
	}
	return n.opts.Transport.Destroy()
}
