package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// NonceSize is the AES-GCM nonce size used for payload blobs.
	NonceSize = 12

	// TagSize is the GCM authentication tag size.
	TagSize = 16

	// MaxPlaintextSize caps payload plaintext to prevent memory
	// exhaustion from untrusted input (64 KiB).
	MaxPlaintextSize = 64 * 1024
)

var (
	// ErrMessageEmpty indicates an empty plaintext or blob was provided.
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates the plaintext exceeds MaxPlaintextSize.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrMalformedBlob indicates a ciphertext blob too short to contain
	// a nonce and tag.
	ErrMalformedBlob = errors.New("malformed ciphertext blob")
)

// EncryptWithEphemeral encrypts a plaintext for a peer using a
// per-connection ephemeral key pair. The shared secret is derived via
// X25519 between our ephemeral private key and the peer's ephemeral
// public key, then expanded with HKDF-SHA256.
//
// The returned blob is base64(nonce || tag || ciphertext).
func EncryptWithEphemeral(plaintext []byte, myEphemeralPriv, peerEphemeralPub [32]byte) (string, error) {
	return sealECDH(plaintext, myEphemeralPriv, peerEphemeralPub)
}

// DecryptWithEphemeral reverses EncryptWithEphemeral using our ephemeral
// private key and the sender's ephemeral public key.
func DecryptWithEphemeral(blob string, myEphemeralPriv, peerEphemeralPub [32]byte) ([]byte, error) {
	return openECDH(blob, myEphemeralPriv, peerEphemeralPub)
}

// EncryptStatic encrypts a plaintext using our static encryption private
// key and the peer's static encryption public key. This is the v1
// fallback path without forward secrecy.
func EncryptStatic(plaintext []byte, myEncryptPriv, peerEncryptPub [32]byte) (string, error) {
	return sealECDH(plaintext, myEncryptPriv, peerEncryptPub)
}

// DecryptStatic reverses EncryptStatic.
func DecryptStatic(blob string, myEncryptPriv, peerEncryptPub [32]byte) ([]byte, error) {
	return openECDH(blob, myEncryptPriv, peerEncryptPub)
}

// sealECDH derives an AEAD key from ECDH(priv, pub) and encrypts the
// plaintext with AES-256-GCM under a random nonce.
func sealECDH(plaintext []byte, privateKey, peerPublicKey [32]byte) (string, error) {
	if len(plaintext) == 0 {
		return "", ErrMessageEmpty
	}
	if len(plaintext) > MaxPlaintextSize {
		return "", fmt.Errorf("%w: %d bytes exceeds limit %d", ErrMessageTooLarge, len(plaintext), MaxPlaintextSize)
	}

	gcm, err := newAEAD(privateKey, peerPublicKey)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends the tag after the ciphertext; the wire blob carries
	// nonce || tag || ciphertext.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	blob := make([]byte, 0, NonceSize+TagSize+len(ct))
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// openECDH decodes a nonce||tag||ciphertext blob and decrypts it with the
// key derived from ECDH(priv, pub).
func openECDH(encoded string, privateKey, peerPublicKey [32]byte) ([]byte, error) {
	if encoded == "" {
		return nil, ErrMessageEmpty
	}

	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext blob: %w", err)
	}
	if len(blob) < NonceSize+TagSize {
		return nil, ErrMalformedBlob
	}

	gcm, err := newAEAD(privateKey, peerPublicKey)
	if err != nil {
		return nil, err
	}

	nonce := blob[:NonceSize]
	tag := blob[NonceSize : NonceSize+TagSize]
	ct := blob[NonceSize+TagSize:]

	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

func newAEAD(privateKey, peerPublicKey [32]byte) (cipher.AEAD, error) {
	shared, err := DeriveSharedSecret(privateKey, peerPublicKey)
	if err != nil {
		return nil, err
	}

	key, err := DeriveSessionKey(shared)
	ZeroBytes(shared[:])
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key[:])
	ZeroBytes(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
