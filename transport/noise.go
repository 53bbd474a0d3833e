package transport

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/flynn/noise"
)

// NoiseStream wraps a Stream with a Noise-XX channel. The protocol layer
// already authenticates peers and encrypts payloads; this wrapper adds
// transport-level confidentiality for deployments whose underlying
// transport is plaintext, hiding frame metadata from path observers.
type NoiseStream struct {
	inner     Stream
	initiator bool
	send      *noise.CipherState
	recv      *noise.CipherState
}

// NewNoiseStream runs a Noise-XX handshake over the inner stream and
// returns the encrypted wrapper. Both ends must call this with matching
// roles before exchanging protocol frames.
func NewNoiseStream(ctx context.Context, inner Stream, initiator bool) (*NoiseStream, error) {
	suite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	static, err := suite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate noise keypair: %w", err)
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   suite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	s := &NoiseStream{inner: inner, initiator: initiator}

	if initiator {
		// -> e
		if err := s.writeHandshake(ctx, hs); err != nil {
			return nil, err
		}
		// <- e, ee, s, es
		if err := s.readHandshake(ctx, hs); err != nil {
			return nil, err
		}
		// -> s, se
		if err := s.writeHandshake(ctx, hs); err != nil {
			return nil, err
		}
	} else {
		if err := s.readHandshake(ctx, hs); err != nil {
			return nil, err
		}
		if err := s.writeHandshake(ctx, hs); err != nil {
			return nil, err
		}
		if err := s.readHandshake(ctx, hs); err != nil {
			return nil, err
		}
	}

	if s.send == nil || s.recv == nil {
		return nil, fmt.Errorf("noise handshake did not complete")
	}
	return s, nil
}

// writeHandshake emits the next handshake message, capturing the cipher
// states when the pattern completes.
func (s *NoiseStream) writeHandshake(ctx context.Context, hs *noise.HandshakeState) error {
	msg, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return fmt.Errorf("noise handshake write failed: %w", err)
	}
	if err := s.inner.WriteLine(ctx, base64.StdEncoding.EncodeToString(msg)); err != nil {
		return err
	}
	s.adoptCipherStates(cs1, cs2)
	return nil
}

// readHandshake consumes the next handshake message from the peer.
func (s *NoiseStream) readHandshake(ctx context.Context, hs *noise.HandshakeState) error {
	line, err := s.inner.ReadLine(ctx)
	if err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return fmt.Errorf("malformed noise handshake message: %w", err)
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, raw)
	if err != nil {
		return fmt.Errorf("noise handshake read failed: %w", err)
	}
	s.adoptCipherStates(cs1, cs2)
	return nil
}

// adoptCipherStates assigns the transport ciphers once the final
// handshake message produces them. The first state always encrypts
// initiator-to-responder traffic.
func (s *NoiseStream) adoptCipherStates(cs1, cs2 *noise.CipherState) {
	if cs1 == nil || cs2 == nil {
		return
	}
	if s.initiator {
		s.send, s.recv = cs1, cs2
	} else {
		s.send, s.recv = cs2, cs1
	}
}

// ReadLine decrypts one line from the peer.
func (s *NoiseStream) ReadLine(ctx context.Context) (string, error) {
	line, err := s.inner.ReadLine(ctx)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return "", fmt.Errorf("malformed encrypted line: %w", err)
	}
	plaintext, err := s.recv.Decrypt(nil, nil, raw)
	if err != nil {
		return "", fmt.Errorf("transport decryption failed: %w", err)
	}
	return string(plaintext), nil
}

// WriteLine encrypts one line to the peer.
func (s *NoiseStream) WriteLine(ctx context.Context, line string) error {
	ciphertext, err := s.send.Encrypt(nil, nil, []byte(line))
	if err != nil {
		return fmt.Errorf("transport encryption failed: %w", err)
	}
	return s.inner.WriteLine(ctx, base64.StdEncoding.EncodeToString(ciphertext))
}

// Close closes the wrapped stream.
func (s *NoiseStream) Close() error {
	return s.inner.Close()
}
