package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ShortIDLength is the length of a peer short identifier in hex characters.
const ShortIDLength = 8

// ShortID derives the human-friendly peer identifier from a signing
// public key: the first 8 hex characters of SHA-256 over the raw key.
func ShortID(signPub [32]byte) string {
	sum := sha256.Sum256(signPub[:])
	return hex.EncodeToString(sum[:])[:ShortIDLength]
}

// TopicOf derives the 32-byte rendezvous topic for a listener from its
// signing public key.
func TopicOf(signPub [32]byte) [32]byte {
	return sha256.Sum256(signPub[:])
}

// KeyToHex encodes a 32-byte key as a lowercase hex string, the form
// keys take on the wire and in the stores.
func KeyToHex(key [32]byte) string {
	return hex.EncodeToString(key[:])
}

// KeyFromHex decodes a 64-character hex string into a 32-byte key.
func KeyFromHex(s string) ([32]byte, error) {
	var key [32]byte
	if len(s) != 64 {
		return key, fmt.Errorf("invalid key length: %d hex chars, want 64", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("invalid key encoding: %w", err)
	}
	copy(key[:], raw)
	return key, nil
}

// SignatureToHex encodes a signature as a hex string.
func SignatureToHex(sig Signature) string {
	return hex.EncodeToString(sig[:])
}

// SignatureFromHex decodes a 128-character hex string into a Signature.
func SignatureFromHex(s string) (Signature, error) {
	var sig Signature
	if len(s) != SignatureSize*2 {
		return sig, fmt.Errorf("invalid signature length: %d hex chars, want %d", len(s), SignatureSize*2)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return sig, fmt.Errorf("invalid signature encoding: %w", err)
	}
	copy(sig[:], raw)
	return sig, nil
}
