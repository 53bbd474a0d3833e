package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// MemHub connects MemTransport instances inside one process. Tests and
// embedders that bring their own discovery can wire nodes together
// without touching the network.
type MemHub struct {
	mu      sync.Mutex
	servers map[Topic]chan Stream
}

// NewMemHub creates an empty hub.
func NewMemHub() *MemHub {
	return &MemHub{servers: make(map[Topic]chan Stream)}
}

// Transport returns a transport handle attached to this hub.
func (h *MemHub) Transport() *MemTransport {
	return &MemTransport{hub: h}
}

// MemTransport is the per-node handle onto a MemHub.
type MemTransport struct {
	hub       *MemHub
	mu        sync.Mutex
	owned     []Topic
	destroyed bool
}

// Join registers as the listener for a topic (server role) or connects
// to an existing listener (client role).
func (t *MemTransport) Join(ctx context.Context, topic Topic, role Role) (<-chan Stream, error) {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil, ErrDestroyed
	}
	t.mu.Unlock()

	switch role {
	case RoleServer:
		t.hub.mu.Lock()
		defer t.hub.mu.Unlock()
		if _, exists := t.hub.servers[topic]; exists {
			return nil, fmt.Errorf("topic already has a listener")
		}
		ch := make(chan Stream, 16)
		t.hub.servers[topic] = ch

		t.mu.Lock()
		t.owned = append(t.owned, topic)
		t.mu.Unlock()
		return ch, nil

	case RoleClient:
		t.hub.mu.Lock()
		serverCh, exists := t.hub.servers[topic]
		t.hub.mu.Unlock()
		if !exists {
			return nil, fmt.Errorf("no listener for topic")
		}

		local, remote := newMemStreamPair()
		select {
		case serverCh <- remote:
		case <-ctx.Done():
			local.Close()
			return nil, ctx.Err()
		}

		ch := make(chan Stream, 1)
		ch <- local
		close(ch)
		return ch, nil

	default:
		return nil, fmt.Errorf("unknown role %d", role)
	}
}

// Destroy unregisters every topic this handle is listening on.
func (t *MemTransport) Destroy() error {
	t.mu.Lock()
	owned := t.owned
	t.owned = nil
	t.destroyed = true
	t.mu.Unlock()

	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	for _, topic := range owned {
		if ch, ok := t.hub.servers[topic]; ok {
			close(ch)
			delete(t.hub.servers, topic)
		}
	}
	return nil
}

// memStream is one end of an in-process stream pair.
type memStream struct {
	in         chan string
	out        chan string
	localDone  chan struct{}
	remoteDone chan struct{}
	closeOnce  sync.Once
}

// newMemStreamPair builds two connected stream ends.
func newMemStreamPair() (*memStream, *memStream) {
	ab := make(chan string, 64)
	ba := make(chan string, 64)
	aDone := make(chan struct{})
	bDone := make(chan struct{})

	a := &memStream{in: ba, out: ab, localDone: aDone, remoteDone: bDone}
	b := &memStream{in: ab, out: ba, localDone: bDone, remoteDone: aDone}
	return a, b
}

func (s *memStream) ReadLine(ctx context.Context) (string, error) {
	// Drain buffered lines before honoring a remote close.
	select {
	case line := <-s.in:
		return line, nil
	default:
	}

	select {
	case line := <-s.in:
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.localDone:
		return "", io.ErrClosedPipe
	case <-s.remoteDone:
		select {
		case line := <-s.in:
			return line, nil
		default:
			return "", io.EOF
		}
	}
}

func (s *memStream) WriteLine(ctx context.Context, line string) error {
	select {
	case <-s.localDone:
		return io.ErrClosedPipe
	case <-s.remoteDone:
		return io.ErrClosedPipe
	default:
	}

	select {
	case s.out <- line:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.localDone:
		return io.ErrClosedPipe
	case <-s.remoteDone:
		return io.ErrClosedPipe
	}
}

func (s *memStream) Close() error {
	s.closeOnce.Do(func() { close(s.localDone) })
	return nil
}
