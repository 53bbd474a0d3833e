package identity

import (
	"time"

	"github.com/opd-ai/wopr/crypto"
)

// DefaultGracePeriod is how long a rotated-out signing key keeps its
// inbound authorization on peers, absorbing propagation delay.
const DefaultGracePeriod = 7 * 24 * time.Hour

// KeyRotation announces that a peer's identity moved from one signing
// key to another. The signature is produced by the old key, which is the
// one peers still trust at the time the record arrives.
type KeyRotation struct {
	OldSignPub    string `json:"oldSignPub"`
	NewSignPub    string `json:"newSignPub"`
	NewEncryptPub string `json:"newEncryptPub"`
	Reason        string `json:"reason"`
	EffectiveAt   int64  `json:"effectiveAt"`
	GracePeriodMs int64  `json:"gracePeriodMs"`
	Sig           string `json:"sig"`
}

// sign signs the rotation record with the old signing key's seed.
func (r *KeyRotation) sign(oldSeed [32]byte) error {
	input, err := crypto.CanonicalMarshal(r)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(input, oldSeed)
	if err != nil {
		return err
	}
	r.Sig = crypto.SignatureToHex(sig)
	return nil
}

// VerifyKeyRotation reports whether the rotation record carries a valid
// signature by its old signing key.
func VerifyKeyRotation(r *KeyRotation) bool {
	if r == nil || r.OldSignPub == "" || r.NewSignPub == "" || r.Sig == "" {
		return false
	}

	oldPub, err := crypto.KeyFromHex(r.OldSignPub)
	if err != nil {
		return false
	}
	sig, err := crypto.SignatureFromHex(r.Sig)
	if err != nil {
		return false
	}
	input, err := crypto.CanonicalMarshal(r)
	if err != nil {
		return false
	}
	return crypto.Verify(input, sig, oldPub)
}
