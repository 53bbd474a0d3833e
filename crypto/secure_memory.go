package crypto

import (
	"errors"
	"runtime"
)

// SecureWipe overwrites a byte slice containing sensitive material with
// zeros. It returns an error if the slice is nil.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
	return nil
}

// ZeroBytes erases the contents of a byte slice, ignoring the nil-slice
// error from SecureWipe.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeKeyPair erases the private half of a key pair. Call this when an
// ephemeral key pair's connection closes.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return errors.New("cannot wipe nil KeyPair")
	}
	return SecureWipe(kp.Private[:])
}
