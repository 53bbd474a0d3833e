// Package identity manages a node's long-lived cryptographic identity:
// the Ed25519 signing key pair, the X25519 encryption key pair, invite
// token minting and parsing, and signed key-rotation records.
package identity
