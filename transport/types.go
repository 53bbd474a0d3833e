package transport

import (
	"context"
	"errors"
)

// Topic is the 32-byte rendezvous identifier for a listener.
type Topic [32]byte

// Role selects which side of a topic a Join call takes.
type Role uint8

const (
	// RoleServer accepts inbound connections on a topic.
	RoleServer Role = iota
	// RoleClient dials out to a topic's listener.
	RoleClient
)

// ErrDestroyed indicates the transport has released its resources.
var ErrDestroyed = errors.New("transport destroyed")

// Stream is one bidirectional, newline-delimited connection to a peer.
// Lines are exchanged without their trailing newline.
type Stream interface {
	// ReadLine blocks until a full line arrives, the peer closes, or
	// the context is done.
	ReadLine(ctx context.Context) (string, error)

	// WriteLine sends one line to the peer.
	WriteLine(ctx context.Context, line string) error

	// Close tears the stream down. Safe to call more than once.
	Close() error
}

// Transport produces streams for a topic. In server mode the returned
// channel yields every inbound connection until the transport is
// destroyed; in client mode it yields the single outbound connection.
type Transport interface {
	Join(ctx context.Context, topic Topic, role Role) (<-chan Stream, error)
	Destroy() error
}
