package trust

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wopr/crypto"
)

// Store file names inside the data directory.
const (
	PeersFile   = "peers.json"
	GrantsFile  = "access.json"
	InvitesFile = "invites.json"
)

// ErrNotFound indicates no matching peer, grant, or invite exists.
var ErrNotFound = errors.New("not found")

// KeyHistoryEntry records a signing key a peer used before a rotation.
// The key keeps inbound authorization until ValidUntil.
type KeyHistoryEntry struct {
	PublicKey  string `json:"publicKey"`
	EncryptPub string `json:"encryptPub,omitempty"`
	ValidFrom  int64  `json:"validFrom"`
	ValidUntil int64  `json:"validUntil"`
	Reason     string `json:"reason,omitempty"`
}

// Peer is an outbound record: a remote node we hold an encryption key
// for and may inject to. The session list mirrors what the remote
// granted us; the remote side enforces it.
type Peer struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	PublicKey  string            `json:"publicKey"`
	EncryptPub string            `json:"encryptPub,omitempty"`
	Sessions   []string          `json:"sessions"`
	Caps       []string          `json:"caps"`
	Added      int64             `json:"added"`
	KeyHistory []KeyHistoryEntry `json:"keyHistory,omitempty"`
}

// AccessGrant is an inbound record: a remote signing key authorized to
// inject into some of our sessions. Revocation is logical; a revoked
// grant never authorizes anything.
type AccessGrant struct {
	ID             string            `json:"id"`
	PeerKey        string            `json:"peerKey"`
	PeerEncryptPub string            `json:"peerEncryptPub,omitempty"`
	Sessions       []string          `json:"sessions"`
	Caps           []string          `json:"caps"`
	Created        int64             `json:"created"`
	Revoked        bool              `json:"revoked"`
	PeerName       string            `json:"peerName,omitempty"`
	KeyHistory     []KeyHistoryEntry `json:"keyHistory,omitempty"`
}

// InviteRecord tracks a token we minted. Presence is informational; the
// cryptographic binding lives in the token itself.
type InviteRecord struct {
	Token     string   `json:"token"`
	PeerKey   string   `json:"peerKey"`
	Sessions  []string `json:"sessions"`
	Created   int64    `json:"created"`
	Expires   int64    `json:"expires"`
	ClaimedAt int64    `json:"claimedAt,omitempty"`
	ClaimedBy string   `json:"claimedBy,omitempty"`
}

// keyRef resolves a signing key to the grant that authorizes it, either
// directly or through a history entry with its own validity window.
type keyRef struct {
	grant *AccessGrant
	hist  *KeyHistoryEntry
}

// Store owns the three file-backed trust stores. A single writer lock
// serializes mutations; every mutation is persisted atomically before
// the lock is released.
type Store struct {
	mu      sync.RWMutex
	dataDir string

	peers   []*Peer
	grants  []*AccessGrant
	invites []*InviteRecord

	// grantIndex maps every authorizing signing key (current and
	// historical, non-revoked grants only) to its owning grant,
	// removing the dual scan from the authorization hot path.
	grantIndex map[string]keyRef

	logger *logrus.Logger
	clock  crypto.TimeProvider
}

// NewStore opens the trust stores under dataDir, creating the directory
// with owner-only permissions when missing.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Store{
		dataDir:    dataDir,
		grantIndex: make(map[string]keyRef),
		logger:     logrus.StandardLogger(),
		clock:      crypto.DefaultTimeProvider{},
	}

	if err := s.loadAll(); err != nil {
		return nil, err
	}
	s.rebuildIndexLocked()
	return s, nil
}

// SetTimeProvider overrides the clock for deterministic tests. Pass nil
// to restore the default.
func (s *Store) SetTimeProvider(tp crypto.TimeProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	s.clock = tp
}

func (s *Store) loadAll() error {
	if err := loadJSON(filepath.Join(s.dataDir, PeersFile), &s.peers); err != nil {
		return fmt.Errorf("failed to load peers: %w", err)
	}
	if err := loadJSON(filepath.Join(s.dataDir, GrantsFile), &s.grants); err != nil {
		return fmt.Errorf("failed to load grants: %w", err)
	}
	if err := loadJSON(filepath.Join(s.dataDir, InvitesFile), &s.invites); err != nil {
		return fmt.Errorf("failed to load invites: %w", err)
	}
	return nil
}

// loadJSON reads a JSON array file into out, treating a missing file as
// an empty store.
func loadJSON(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, out)
}

// saveJSON writes a JSON array file atomically with owner-only mode. A
// crash mid-write leaves the previous file intact.
func saveJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write store: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename store: %w", err)
	}
	return nil
}

func (s *Store) savePeersLocked() error {
	return saveJSON(filepath.Join(s.dataDir, PeersFile), s.peers)
}

func (s *Store) saveGrantsLocked() error {
	return saveJSON(filepath.Join(s.dataDir, GrantsFile), s.grants)
}

func (s *Store) saveInvitesLocked() error {
	return saveJSON(filepath.Join(s.dataDir, InvitesFile), s.invites)
}

// rebuildIndexLocked regenerates the signing-key index from the
// authoritative grant records.
func (s *Store) rebuildIndexLocked() {
	idx := make(map[string]keyRef, len(s.grants))
	for _, g := range s.grants {
		if g.Revoked {
			continue
		}
		idx[g.PeerKey] = keyRef{grant: g}
		for i := range g.KeyHistory {
			h := &g.KeyHistory[i]
			idx[h.PublicKey] = keyRef{grant: g, hist: h}
		}
	}
	s.grantIndex = idx
}

// unionStrings appends the elements of add that base does not already
// contain, preserving order.
func unionStrings(base, add []string) []string {
	seen := make(map[string]bool, len(base))
	for _, v := range base {
		seen[v] = true
	}
	out := base
	for _, v := range add {
		if !seen[v] {
			out = append(out, v)
			seen[v] = true
		}
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
