// Package crypto implements the cryptographic primitives for the WOPR
// peer-to-peer protocol.
//
// This package handles key generation, Ed25519 signatures, X25519 key
// agreement, AES-256-GCM payload encryption, and the canonical message
// encoding used as signing input.
//
// Example:
//
//	signing, err := crypto.GenerateSigningKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Short ID:", crypto.ShortID(signing.Public))
package crypto
