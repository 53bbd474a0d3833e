package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo binds derived payload keys to this protocol. It must match on
// both ends of a connection.
const hkdfInfo = "wopr-p2p-v2"

// DeriveSharedSecret computes an X25519 shared secret between our private
// key and a peer's public key.
func DeriveSharedSecret(privateKey, peerPublicKey [32]byte) ([32]byte, error) {
	shared, err := curve25519.X25519(privateKey[:], peerPublicKey[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	var result [32]byte
	copy(result[:], shared)
	ZeroBytes(shared)
	return result, nil
}

// DeriveSessionKey expands an ECDH shared secret into a 32-byte AES key
// using HKDF-SHA256.
func DeriveSessionKey(sharedSecret [32]byte) ([32]byte, error) {
	r := hkdf.New(sha256.New, sharedSecret[:], nil, []byte(hkdfInfo))

	var key [32]byte
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return [32]byte{}, fmt.Errorf("failed to derive session key: %w", err)
	}
	return key, nil
}
