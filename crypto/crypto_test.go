package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSigningKeyPair(t *testing.T) {
	kp, err := GenerateSigningKeyPair()
	require.NoError(t, err)
	require.NotNil(t, kp)

	assert.False(t, isZeroKey(kp.Public))
	assert.False(t, isZeroKey(kp.Private))

	// Rebuilding from the seed must reproduce the public key.
	rebuilt, err := SigningKeyPairFromSeed(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, rebuilt.Public)
}

func TestGenerateEncryptionKeyPair(t *testing.T) {
	kp, err := GenerateEncryptionKeyPair()
	require.NoError(t, err)

	rebuilt, err := EncryptionKeyPairFromPrivate(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, rebuilt.Public)
}

func TestSignVerify(t *testing.T) {
	kp, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	message := []byte("inject payload for session dev")
	sig, err := Sign(message, kp.Private)
	require.NoError(t, err)

	assert.True(t, Verify(message, sig, kp.Public))
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	kp, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	message := []byte("original message")
	sig, err := Sign(message, kp.Private)
	require.NoError(t, err)

	// Flip one bit anywhere in the message and the signature must fail.
	for i := 0; i < len(message); i++ {
		tampered := make([]byte, len(message))
		copy(tampered, message)
		tampered[i] ^= 0x01
		assert.False(t, Verify(tampered, sig, kp.Public), "bit flip at byte %d must invalidate signature", i)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	kp1, err := GenerateSigningKeyPair()
	require.NoError(t, err)
	kp2, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	message := []byte("message")
	sig, err := Sign(message, kp1.Private)
	require.NoError(t, err)

	assert.False(t, Verify(message, sig, kp2.Public))
}

func TestSignEmptyMessage(t *testing.T) {
	kp, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	_, err = Sign(nil, kp.Private)
	assert.Error(t, err)
}

func TestEphemeralEncryptionRoundTrip(t *testing.T) {
	alice, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)
	bob, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)

	plaintext := []byte("hello over a forward-secret channel")

	blob, err := EncryptWithEphemeral(plaintext, alice.Private, bob.Public)
	require.NoError(t, err)

	decrypted, err := DecryptWithEphemeral(blob, bob.Private, alice.Public)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestStaticEncryptionRoundTrip(t *testing.T) {
	alice, err := GenerateEncryptionKeyPair()
	require.NoError(t, err)
	bob, err := GenerateEncryptionKeyPair()
	require.NoError(t, err)

	plaintext := []byte("v1 fallback payload")

	blob, err := EncryptStatic(plaintext, alice.Private, bob.Public)
	require.NoError(t, err)

	decrypted, err := DecryptStatic(blob, bob.Private, alice.Public)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	alice, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)
	bob, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)
	mallory, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)

	blob, err := EncryptWithEphemeral([]byte("secret"), alice.Private, bob.Public)
	require.NoError(t, err)

	_, err = DecryptWithEphemeral(blob, mallory.Private, alice.Public)
	assert.Error(t, err)
}

func TestDecryptRejectsTamperedBlob(t *testing.T) {
	alice, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)
	bob, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)

	blob, err := EncryptWithEphemeral([]byte("payload"), alice.Private, bob.Public)
	require.NoError(t, err)

	// Corrupt the base64 content while keeping it decodable.
	raw := []byte(blob)
	if raw[0] == 'A' {
		raw[0] = 'B'
	} else {
		raw[0] = 'A'
	}

	_, err = DecryptWithEphemeral(string(raw), bob.Private, alice.Public)
	assert.Error(t, err)
}

func TestEncryptRejectsOversizedPlaintext(t *testing.T) {
	alice, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)
	bob, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)

	big := make([]byte, MaxPlaintextSize+1)
	_, err = EncryptWithEphemeral(big, alice.Private, bob.Public)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestShortID(t *testing.T) {
	kp, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	id := ShortID(kp.Public)
	assert.Len(t, id, ShortIDLength)

	// Deterministic for the same key.
	assert.Equal(t, id, ShortID(kp.Public))
}

func TestTopicOf(t *testing.T) {
	kp1, err := GenerateSigningKeyPair()
	require.NoError(t, err)
	kp2, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	assert.Equal(t, TopicOf(kp1.Public), TopicOf(kp1.Public))
	assert.NotEqual(t, TopicOf(kp1.Public), TopicOf(kp2.Public))
}

func TestKeyHexRoundTrip(t *testing.T) {
	kp, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	encoded := KeyToHex(kp.Public)
	assert.Len(t, encoded, 64)

	decoded, err := KeyFromHex(encoded)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, decoded)
}

func TestKeyFromHexRejectsBadInput(t *testing.T) {
	_, err := KeyFromHex("tooshort")
	assert.Error(t, err)

	_, err = KeyFromHex("zz" + KeyToHex([32]byte{})[2:])
	assert.Error(t, err)
}

func TestGenerateNonceHex(t *testing.T) {
	n1, err := GenerateNonceHex()
	require.NoError(t, err)
	n2, err := GenerateNonceHex()
	require.NoError(t, err)

	assert.Len(t, n1, FrameNonceSize*2)
	assert.NotEqual(t, n1, n2)
}

func TestSecureWipe(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	require.NoError(t, SecureWipe(data))
	assert.Equal(t, []byte{0, 0, 0, 0}, data)

	assert.Error(t, SecureWipe(nil))
}

func TestWipeKeyPair(t *testing.T) {
	kp, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)

	require.NoError(t, WipeKeyPair(kp))
	assert.True(t, isZeroKey(kp.Private))

	assert.Error(t, WipeKeyPair(nil))
}
