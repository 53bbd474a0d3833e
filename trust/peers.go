package trust

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wopr/crypto"
)

// AddPeer records an outbound peer after a successful claim. An existing
// peer with the same public key is widened instead: sessions union,
// encryption key refresh.
func (s *Store) AddPeer(publicKey, name, encryptPub string, sessions, caps []string) (*Peer, error) {
	pub, err := crypto.KeyFromHex(publicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid peer key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.peers {
		if p.PublicKey != publicKey {
			continue
		}
		p.Sessions = unionStrings(p.Sessions, sessions)
		p.Caps = unionStrings(p.Caps, caps)
		if encryptPub != "" {
			p.EncryptPub = encryptPub
		}
		if name != "" {
			p.Name = name
		}
		if err := s.savePeersLocked(); err != nil {
			return nil, err
		}
		copied := *p
		return &copied, nil
	}

	p := &Peer{
		ID:         crypto.ShortID(pub),
		Name:       name,
		PublicKey:  publicKey,
		EncryptPub: encryptPub,
		Sessions:   append([]string(nil), sessions...),
		Caps:       append([]string(nil), caps...),
		Added:      crypto.NowMillis(s.clock),
	}
	s.peers = append(s.peers, p)
	if err := s.savePeersLocked(); err != nil {
		s.peers = s.peers[:len(s.peers)-1]
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"peer_id":  p.ID,
		"sessions": p.Sessions,
	}).Info("Peer added")

	copied := *p
	return &copied, nil
}

// GetPeer resolves a peer by short id, name, or full public key.
func (s *Store) GetPeer(ref string) (*Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.findPeerLocked(ref)
	if p == nil {
		return nil, ErrNotFound
	}
	copied := *p
	return &copied, nil
}

// ListPeers returns copies of all outbound peer records.
func (s *Store) ListPeers() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	return out
}

// RenamePeer assigns a display name to a peer.
func (s *Store) RenamePeer(ref, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findPeerLocked(ref)
	if p == nil {
		return ErrNotFound
	}
	previous := p.Name
	p.Name = name
	if err := s.savePeersLocked(); err != nil {
		p.Name = previous
		return err
	}
	return nil
}

// UpdatePeerSessions replaces the advisory session list on an outbound
// peer record. The remote side remains the enforcement point.
func (s *Store) UpdatePeerSessions(ref string, sessions []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findPeerLocked(ref)
	if p == nil {
		return ErrNotFound
	}
	previous := p.Sessions
	p.Sessions = append([]string(nil), sessions...)
	if err := s.savePeersLocked(); err != nil {
		p.Sessions = previous
		return err
	}
	return nil
}

// ForgetPeer removes an outbound peer record entirely.
func (s *Store) ForgetPeer(ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.peers {
		if p.ID != ref && p.Name != ref && p.PublicKey != ref {
			continue
		}
		s.peers = append(s.peers[:i], s.peers[i+1:]...)
		if err := s.savePeersLocked(); err != nil {
			return err
		}
		s.logger.WithFields(logrus.Fields{
			"peer_id": p.ID,
		}).Info("Peer forgotten")
		return nil
	}
	return ErrNotFound
}

func (s *Store) findPeerLocked(ref string) *Peer {
	for _, p := range s.peers {
		if p.ID == ref || p.PublicKey == ref {
			return p
		}
	}
	for _, p := range s.peers {
		if p.Name != "" && p.Name == ref {
			return p
		}
	}
	return nil
}
