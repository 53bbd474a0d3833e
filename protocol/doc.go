// Package protocol implements the versioned WOPR wire protocol: typed
// signed frames, the per-connection handshake state machine, the
// initiator send paths (inject, claim, key-rotation), and the responder
// pipeline with rate limiting and replay protection.
//
// A connection carries exactly one request: hello, hello-ack, one typed
// request, one ack or reject. Ephemeral keys live for the connection
// and are wiped on close.
package protocol
