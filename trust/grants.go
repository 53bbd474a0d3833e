package trust

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wopr/crypto"
	"github.com/opd-ai/wopr/identity"
)

// CapInject is the capability required to deliver payloads to a session.
const CapInject = "inject"

// IsAuthorized reports whether the holder of senderSignPub may inject
// into sessionName. A sender authorizes through a non-revoked grant
// carrying the inject capability whose session list matches, either via
// the grant's current key or a historical key still inside its grace
// window.
func (s *Store) IsAuthorized(senderSignPub, sessionName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(senderSignPub, sessionName) != nil
}

// GetGrantForPeer returns the non-revoked grant whose current key, or a
// historical key still inside its grace window, is the given signing
// key, or nil. Capabilities and sessions are not checked. Used by the v1
// decrypt fallback to recover the peer's static encryption key.
func (s *Store) GetGrantForPeer(senderSignPub string) *AccessGrant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.grantIndex[senderSignPub]
	if !ok {
		return nil
	}
	if ref.hist != nil && crypto.NowMillis(s.clock) >= ref.hist.ValidUntil {
		return nil
	}
	copied := *ref.grant
	return &copied
}

// lookupLocked resolves the sender key and session against the index.
func (s *Store) lookupLocked(senderSignPub, sessionName string) *AccessGrant {
	ref, ok := s.grantIndex[senderSignPub]
	if !ok {
		return nil
	}

	g := ref.grant
	if !containsString(g.Caps, CapInject) {
		return nil
	}
	if !containsString(g.Sessions, "*") && !containsString(g.Sessions, sessionName) {
		return nil
	}
	if ref.hist != nil && crypto.NowMillis(s.clock) >= ref.hist.ValidUntil {
		return nil
	}
	return g
}

// GrantAccess authorizes a peer signing key for the given sessions and
// capabilities. An existing non-revoked grant for the key is widened
// (session and capability union) and its encryption key refreshed;
// otherwise a new grant is inserted.
func (s *Store) GrantAccess(peerKey string, sessions, caps []string, peerEncryptPub string) (*AccessGrant, error) {
	pub, err := crypto.KeyFromHex(peerKey)
	if err != nil {
		return nil, fmt.Errorf("invalid peer key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range s.grants {
		if g.Revoked || g.PeerKey != peerKey {
			continue
		}
		g.Sessions = unionStrings(g.Sessions, sessions)
		g.Caps = unionStrings(g.Caps, caps)
		if peerEncryptPub != "" {
			g.PeerEncryptPub = peerEncryptPub
		}
		if err := s.saveGrantsLocked(); err != nil {
			return nil, err
		}
		s.rebuildIndexLocked()
		copied := *g
		return &copied, nil
	}

	g := &AccessGrant{
		ID:             crypto.ShortID(pub),
		PeerKey:        peerKey,
		PeerEncryptPub: peerEncryptPub,
		Sessions:       append([]string(nil), sessions...),
		Caps:           append([]string(nil), caps...),
		Created:        crypto.NowMillis(s.clock),
	}
	s.grants = append(s.grants, g)
	if err := s.saveGrantsLocked(); err != nil {
		s.grants = s.grants[:len(s.grants)-1]
		return nil, err
	}
	s.rebuildIndexLocked()

	s.logger.WithFields(logrus.Fields{
		"peer_id":  g.ID,
		"sessions": g.Sessions,
	}).Info("Access granted")

	copied := *g
	return &copied, nil
}

// RevokePeer marks the grant matching the given short id or peer name as
// revoked. It returns ErrNotFound when no non-revoked grant matches.
func (s *Store) RevokePeer(idOrName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range s.grants {
		if g.Revoked {
			continue
		}
		if g.ID != idOrName && g.PeerName != idOrName {
			continue
		}
		g.Revoked = true
		if err := s.saveGrantsLocked(); err != nil {
			g.Revoked = false
			return err
		}
		s.rebuildIndexLocked()

		s.logger.WithFields(logrus.Fields{
			"peer_id": g.ID,
		}).Info("Peer access revoked")
		return nil
	}
	return ErrNotFound
}

// ListGrants returns copies of all grants, revoked ones included.
func (s *Store) ListGrants() []AccessGrant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]AccessGrant, 0, len(s.grants))
	for _, g := range s.grants {
		out = append(out, *g)
	}
	return out
}

// ProcessKeyRotation applies a peer's key rotation to the grant and peer
// records currently keyed by the old signing key. The rotation signature
// is verified here; an invalid signature fails the call. A rotation that
// matches no record is semantically valid but has no durable effect, so
// the boolean result reports whether at least one record changed.
// Processing the same rotation twice leaves the state of the first
// application untouched.
func (s *Store) ProcessKeyRotation(rot *identity.KeyRotation) (bool, error) {
	if !identity.VerifyKeyRotation(rot) {
		return false, fmt.Errorf("invalid key rotation signature")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	validUntil := rot.EffectiveAt + rot.GracePeriodMs
	updated := false

	for _, g := range s.grants {
		if g.Revoked || g.PeerKey != rot.OldSignPub {
			continue
		}
		g.KeyHistory = append(g.KeyHistory, KeyHistoryEntry{
			PublicKey:  g.PeerKey,
			EncryptPub: g.PeerEncryptPub,
			ValidFrom:  g.Created,
			ValidUntil: validUntil,
			Reason:     rot.Reason,
		})
		g.PeerKey = rot.NewSignPub
		g.PeerEncryptPub = rot.NewEncryptPub
		updated = true
	}
	if updated {
		if err := s.saveGrantsLocked(); err != nil {
			return false, err
		}
	}

	peerUpdated := false
	for _, p := range s.peers {
		if p.PublicKey != rot.OldSignPub {
			continue
		}
		p.KeyHistory = append(p.KeyHistory, KeyHistoryEntry{
			PublicKey:  p.PublicKey,
			EncryptPub: p.EncryptPub,
			ValidFrom:  p.Added,
			ValidUntil: validUntil,
			Reason:     rot.Reason,
		})
		p.PublicKey = rot.NewSignPub
		p.EncryptPub = rot.NewEncryptPub
		newPub, err := crypto.KeyFromHex(rot.NewSignPub)
		if err == nil {
			p.ID = crypto.ShortID(newPub)
		}
		peerUpdated = true
	}
	if peerUpdated {
		if err := s.savePeersLocked(); err != nil {
			return false, err
		}
	}

	if updated || peerUpdated {
		s.rebuildIndexLocked()
		s.logger.WithFields(logrus.Fields{
			"old_key_prefix": rot.OldSignPub[:8],
			"new_key_prefix": rot.NewSignPub[:8],
			"grace_until":    validUntil,
		}).Info("Peer key rotation applied")
	}

	return updated || peerUpdated, nil
}

// CleanupExpiredKeyHistory drops history entries whose grace window has
// closed. It is idempotent and returns the number of entries removed.
func (s *Store) CleanupExpiredKeyHistory() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := crypto.NowMillis(s.clock)
	removed := 0

	grantsDirty := false
	for _, g := range s.grants {
		kept := g.KeyHistory[:0]
		for _, h := range g.KeyHistory {
			if h.ValidUntil > now {
				kept = append(kept, h)
			} else {
				removed++
				grantsDirty = true
			}
		}
		g.KeyHistory = kept
		if len(g.KeyHistory) == 0 {
			g.KeyHistory = nil
		}
	}

	peersDirty := false
	for _, p := range s.peers {
		kept := p.KeyHistory[:0]
		for _, h := range p.KeyHistory {
			if h.ValidUntil > now {
				kept = append(kept, h)
			} else {
				removed++
				peersDirty = true
			}
		}
		p.KeyHistory = kept
		if len(p.KeyHistory) == 0 {
			p.KeyHistory = nil
		}
	}

	if grantsDirty {
		if err := s.saveGrantsLocked(); err != nil {
			return removed, err
		}
	}
	if peersDirty {
		if err := s.savePeersLocked(); err != nil {
			return removed, err
		}
	}
	if removed > 0 {
		s.rebuildIndexLocked()
		s.logger.WithFields(logrus.Fields{
			"removed": removed,
		}).Info("Expired key history cleaned up")
	}
	return removed, nil
}
