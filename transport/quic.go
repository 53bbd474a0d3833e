package transport

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

// alpnProtocol is the ALPN label both ends of a QUIC connection must
// agree on.
const alpnProtocol = "wopr-quic"

// AddressBook maps topics to dialable addresses. Filling it is the
// embedder's job; the protocol core stays discovery-agnostic.
type AddressBook struct {
	mu    sync.RWMutex
	addrs map[Topic]string
}

// NewAddressBook creates an empty address book.
func NewAddressBook() *AddressBook {
	return &AddressBook{addrs: make(map[Topic]string)}
}

// Set records the address for a topic.
func (b *AddressBook) Set(topic Topic, addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addrs[topic] = addr
}

// Resolve returns the address for a topic.
func (b *AddressBook) Resolve(topic Topic) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	addr, ok := b.addrs[topic]
	return addr, ok
}

// QUICTransport carries protocol streams over QUIC. Peer authenticity
// comes from the protocol layer's signatures, so the TLS layer uses a
// per-process self-signed certificate and clients skip verification.
type QUICTransport struct {
	listenAddr string
	book       *AddressBook
	logger     *logrus.Logger

	mu        sync.Mutex
	listeners []*quic.Listener
	conns     []*quic.Conn
	destroyed bool
}

// NewQUICTransport creates a transport that listens on listenAddr in
// server mode and resolves client topics through the address book.
func NewQUICTransport(listenAddr string, book *AddressBook) *QUICTransport {
	return &QUICTransport{
		listenAddr: listenAddr,
		book:       book,
		logger:     logrus.StandardLogger(),
	}
}

// Join implements Transport.
func (t *QUICTransport) Join(ctx context.Context, topic Topic, role Role) (<-chan Stream, error) {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil, ErrDestroyed
	}
	t.mu.Unlock()

	switch role {
	case RoleServer:
		return t.joinServer(ctx)
	case RoleClient:
		return t.joinClient(ctx, topic)
	default:
		return nil, fmt.Errorf("unknown role %d", role)
	}
}

// joinServer listens on listenAddr and yields one stream per inbound
// connection. A connection's stream is yielded once AcceptStream returns,
// which happens after the dialer has written to that stream.
func (t *QUICTransport) joinServer(ctx context.Context) (<-chan Stream, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}

	listener, err := quic.ListenAddr(t.listenAddr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("quic listen failed: %w", err)
	}

	t.mu.Lock()
	t.listeners = append(t.listeners, listener)
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"addr": listener.Addr().String(),
	}).Info("QUIC listener ready")

	ch := make(chan Stream, 16)
	go func() {
		defer close(ch)
		for {
			conn, err := listener.Accept(ctx)
			if err != nil {
				return
			}
			t.mu.Lock()
			t.conns = append(t.conns, conn)
			t.mu.Unlock()

			go func(c *quic.Conn) {
				stream, err := c.AcceptStream(ctx)
				if err != nil {
					c.CloseWithError(0, "")
					return
				}
				select {
				case ch <- newLineStream(stream, func() error {
					stream.Close()
					return c.CloseWithError(0, "")
				}):
				case <-ctx.Done():
					c.CloseWithError(0, "")
				}
			}(conn)
		}
	}()
	return ch, nil
}

func (t *QUICTransport) joinClient(ctx context.Context, topic Topic) (<-chan Stream, error) {
	addr, ok := t.book.Resolve(topic)
	if !ok {
		return nil, fmt.Errorf("no address known for topic")
	}

	conn, err := quic.DialAddr(ctx, addr, clientTLSConfig(), nil)
	if err != nil {
		return nil, fmt.Errorf("quic dial failed: %w", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("quic stream open failed: %w", err)
	}

	t.mu.Lock()
	t.conns = append(t.conns, conn)
	t.mu.Unlock()

	ch := make(chan Stream, 1)
	ch <- newLineStream(stream, func() error {
		stream.Close()
		return conn.CloseWithError(0, "")
	})
	close(ch)
	return ch, nil
}

// Addr returns the bound address of the first active listener, or nil.
// Embedders use this to publish the address into peers' address books.
func (t *QUICTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.listeners) == 0 {
		return nil
	}
	return t.listeners[0].Addr()
}

// Destroy closes every listener and connection.
func (t *QUICTransport) Destroy() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.destroyed = true
	for _, l := range t.listeners {
		l.Close()
	}
	t.listeners = nil
	for _, c := range t.conns {
		c.CloseWithError(0, "")
	}
	t.conns = nil
	return nil
}

// lineStream adapts a byte stream into the newline-delimited Stream
// interface with a background reader pump.
type lineStream struct {
	w         io.Writer
	closer    func() error
	lines     chan lineResult
	closeOnce sync.Once
	done      chan struct{}
}

type lineResult struct {
	line string
	err  error
}

func newLineStream(rw io.ReadWriter, closer func() error) *lineStream {
	s := &lineStream{
		w:      rw,
		closer: closer,
		lines:  make(chan lineResult, 16),
		done:   make(chan struct{}),
	}

	go func() {
		r := bufio.NewReader(rw)
		for {
			line, err := r.ReadString('\n')
			if len(line) > 0 {
				trimmed := line
				if trimmed[len(trimmed)-1] == '\n' {
					trimmed = trimmed[:len(trimmed)-1]
				}
				select {
				case s.lines <- lineResult{line: trimmed}:
				case <-s.done:
					return
				}
			}
			if err != nil {
				select {
				case s.lines <- lineResult{err: err}:
				case <-s.done:
				}
				return
			}
		}
	}()
	return s
}

func (s *lineStream) ReadLine(ctx context.Context) (string, error) {
	select {
	case res := <-s.lines:
		return res.line, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.done:
		return "", io.ErrClosedPipe
	}
}

func (s *lineStream) WriteLine(ctx context.Context, line string) error {
	select {
	case <-s.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	_, err := s.w.Write([]byte(line + "\n"))
	return err
}

func (s *lineStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.closer != nil {
			err = s.closer()
		}
	})
	return err
}

// serverTLSConfig builds a fresh self-signed Ed25519 certificate for the
// QUIC listener.
func serverTLSConfig() (*tls.Config, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate TLS key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, priv.Public(), priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
		}},
		NextProtos: []string{alpnProtocol},
	}, nil
}

// clientTLSConfig skips certificate verification: peer authenticity is
// established by the protocol layer's Ed25519 signatures, not by TLS.
func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
	}
}
