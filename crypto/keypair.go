package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair holds a 32-byte public/private key pair. The same shape is used
// for Ed25519 signing keys (the private half is the seed) and for X25519
// encryption keys.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateSigningKeyPair creates a new Ed25519 identity key pair.
// The private half is the 32-byte seed.
func GenerateSigningKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	kp := &KeyPair{}
	copy(kp.Public[:], pub)
	copy(kp.Private[:], priv.Seed())
	return kp, nil
}

// GenerateEncryptionKeyPair creates a new X25519 key pair for payload
// encryption.
func GenerateEncryptionKeyPair() (*KeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		ZeroBytes(priv[:])
		return nil, fmt.Errorf("failed to derive encryption public key: %w", err)
	}

	kp := &KeyPair{Private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}

// GenerateEphemeralKeyPair creates a fresh X25519 key pair scoped to a
// single connection. Callers must wipe it with WipeKeyPair on close.
func GenerateEphemeralKeyPair() (*KeyPair, error) {
	return GenerateEncryptionKeyPair()
}

// SigningKeyPairFromSeed rebuilds a signing key pair from a stored seed.
func SigningKeyPairFromSeed(seed [32]byte) (*KeyPair, error) {
	if isZeroKey(seed) {
		return nil, errors.New("invalid signing seed: all zeros")
	}

	priv := ed25519.NewKeyFromSeed(seed[:])
	kp := &KeyPair{Private: seed}
	copy(kp.Public[:], priv.Public().(ed25519.PublicKey))
	return kp, nil
}

// EncryptionKeyPairFromPrivate rebuilds an X25519 key pair from a stored
// private key.
func EncryptionKeyPairFromPrivate(private [32]byte) (*KeyPair, error) {
	if isZeroKey(private) {
		return nil, errors.New("invalid encryption key: all zeros")
	}

	pub, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption public key: %w", err)
	}

	kp := &KeyPair{Private: private}
	copy(kp.Public[:], pub)
	return kp, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
