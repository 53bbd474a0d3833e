package identity

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

// IdentityFile is the name of the identity record inside the data
// directory.
const IdentityFile = "identity.json"

var (
	// ErrAlreadyInitialized indicates an identity exists and force was
	// not set.
	ErrAlreadyInitialized = errors.New("identity already initialized")

	// ErrNotInitialized indicates no identity record exists yet.
	ErrNotInitialized = errors.New("identity not initialized")
)

// Identity is the persisted identity record. Key material is hex
// encoded; the file holding it is written with owner-only permissions.
type Identity struct {
	SignPub     string `json:"signPub"`
	SignPriv    string `json:"signPriv"`
	EncryptPub  string `json:"encryptPub"`
	EncryptPriv string `json:"encryptPriv"`
	Created     int64  `json:"created"`
	RotatedFrom string `json:"rotatedFrom,omitempty"`
	RotatedAt   int64  `json:"rotatedAt,omitempty"`
}

// ShortID returns the 8-hex-char identifier derived from the signing
// public key.
func (id *Identity) ShortID() (string, error) {
	pub, err := crypto.KeyFromHex(id.SignPub)
	if err != nil {
		return "", fmt.Errorf("corrupt identity: %w", err)
	}
	return crypto.ShortID(pub), nil
}

// Manager owns the node identity on disk and in memory. All methods are
// safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	dataDir string
	path    string
	current *Identity
	logger  *logrus.Logger
	clock   crypto.TimeProvider
}

// NewManager creates an identity manager rooted at dataDir. The
// directory is created with owner-only permissions if missing.
func NewManager(dataDir string) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return &Manager{
		dataDir: dataDir,
		path:    filepath.Join(dataDir, IdentityFile),
		logger:  logrus.StandardLogger(),
		clock:   crypto.DefaultTimeProvider{},
	}, nil
}

// SetTimeProvider overrides the clock for deterministic tests. Pass nil
// to restore the default.
func (m *Manager) SetTimeProvider(tp crypto.TimeProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	m.clock = tp
}

// Init generates and persists a fresh identity. It fails with
// ErrAlreadyInitialized when an identity exists and force is false.
func (m *Manager) Init(force bool) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !force {
		if _, err := os.Stat(m.path); err == nil {
			return nil, ErrAlreadyInitialized
		}
	}

	id, err := m.generate()
	if err != nil {
		return nil, err
	}

	if err := m.persistLocked(id); err != nil {
		return nil, err
	}
	m.current = id

	shortID, _ := id.ShortID()
	m.logger.WithFields(logrus.Fields{
		"short_id": shortID,
	}).Info("Identity initialized")

	return id, nil
}

// Load reads the identity record from disk into memory.
func (m *Manager) Load() (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotInitialized
		}
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("corrupt identity file: %w", err)
	}

	if _, err := crypto.KeyFromHex(id.SignPub); err != nil {
		return nil, fmt.Errorf("corrupt identity file: %w", err)
	}

	m.current = &id
	return &id, nil
}

// Current returns the in-memory identity, loading it from disk on first
// use.
func (m *Manager) Current() (*Identity, error) {
	m.mu.RLock()
	id := m.current
	m.mu.RUnlock()
	if id != nil {
		return id, nil
	}
	return m.Load()
}

// SigningKeys returns the current signing key pair as raw bytes.
func (m *Manager) SigningKeys() (*crypto.KeyPair, error) {
	id, err := m.Current()
	if err != nil {
		return nil, err
	}
	seed, err := crypto.KeyFromHex(id.SignPriv)
	if err != nil {
		return nil, fmt.Errorf("corrupt identity: %w", err)
	}
	return crypto.SigningKeyPairFromSeed(seed)
}

// EncryptionKeys returns the current static encryption key pair as raw
// bytes.
func (m *Manager) EncryptionKeys() (*crypto.KeyPair, error) {
	id, err := m.Current()
	if err != nil {
		return nil, err
	}
	priv, err := crypto.KeyFromHex(id.EncryptPriv)
	if err != nil {
		return nil, fmt.Errorf("corrupt identity: %w", err)
	}
	return crypto.EncryptionKeyPairFromPrivate(priv)
}

// Rotate replaces the identity with freshly generated keys and returns
// the new identity together with a KeyRotation record signed by the
// previous signing key. The record carries the default 7-day grace
// period and is ready for broadcast to peers.
func (m *Manager) Rotate(reason string) (*Identity, *KeyRotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.current
	if old == nil {
		loaded, err := m.loadLocked()
		if err != nil {
			return nil, nil, err
		}
		old = loaded
	}

	oldSeed, err := crypto.KeyFromHex(old.SignPriv)
	if err != nil {
		return nil, nil, fmt.Errorf("corrupt identity: %w", err)
	}

	next, err := m.generate()
	if err != nil {
		return nil, nil, err
	}
	next.RotatedFrom = old.SignPub
	next.RotatedAt = crypto.NowMillis(m.clock)
	next.Created = old.Created

	rotation := &KeyRotation{
		OldSignPub:    old.SignPub,
		NewSignPub:    next.SignPub,
		NewEncryptPub: next.EncryptPub,
		Reason:        reason,
		EffectiveAt:   next.RotatedAt,
		GracePeriodMs: DefaultGracePeriod.Milliseconds(),
	}
	if err := rotation.sign(oldSeed); err != nil {
		return nil, nil, err
	}

	if err := m.persistLocked(next); err != nil {
		return nil, nil, err
	}
	m.current = next

	crypto.ZeroBytes(oldSeed[:])

	m.logger.WithFields(logrus.Fields{
		"old_key_prefix": old.SignPub[:8],
		"new_key_prefix": next.SignPub[:8],
		"reason":         reason,
	}).Info("Identity rotated")

	return next, rotation, nil
}

// generate builds a fresh Identity record with new key material.
func (m *Manager) generate() (*Identity, error) {
	signing, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, err
	}
	encryption, err := crypto.GenerateEncryptionKeyPair()
	if err != nil {
		return nil, err
	}

	return &Identity{
		SignPub:     crypto.KeyToHex(signing.Public),
		SignPriv:    crypto.KeyToHex(signing.Private),
		EncryptPub:  crypto.KeyToHex(encryption.Public),
		EncryptPriv: crypto.KeyToHex(encryption.Private),
		Created:     crypto.NowMillis(m.clock),
	}, nil
}

func (m *Manager) loadLocked() (*Identity, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotInitialized
		}
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("corrupt identity file: %w", err)
	}
	m.current = &id
	return &id, nil
}

// persistLocked writes the identity atomically with owner-only mode.
func (m *Manager) persistLocked(id *Identity) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write identity: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename identity: %w", err)
	}
	return nil
}
