package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// FrameNonceSize is the size in bytes of the random nonce carried by
// every wire frame and invite token.
const FrameNonceSize = 16

// GenerateNonceHex creates a fresh 16-byte random nonce encoded as hex.
func GenerateNonceHex() (string, error) {
	var nonce [FrameNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(nonce[:]), nil
}
