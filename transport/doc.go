// Package transport defines the opaque duplex transport the protocol
// engine runs over, plus three implementations: an in-process hub for
// tests and embedders with their own discovery, a QUIC transport with a
// static topic address book, and an optional Noise stream wrapper that
// encrypts a stream at the transport layer.
//
// Topics are pure 32-byte identifiers; how two peers find each other is
// out of scope.
package transport
