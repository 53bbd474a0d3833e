package protocol

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wopr/crypto"
	"github.com/opd-ai/wopr/identity"
	"github.com/opd-ai/wopr/transport"
	"github.com/opd-ai/wopr/trust"
)

// dialSession holds the state of one outbound connection after a
// completed handshake.
type dialSession struct {
	stream       transport.Stream
	eph          *crypto.KeyPair
	version      int
	peerEphemeral string
}

func (s *dialSession) close() {
	if s.eph != nil {
		crypto.WipeKeyPair(s.eph)
	}
	s.stream.Close()
}

// Inject delivers a message to a named session on a known peer. The
// session list on the local peer record is checked before any
// connection is opened; the remote side remains the enforcement point.
func (e *Engine) Inject(ctx context.Context, peerRef, session, message string) (Result, error) {
	id, err := e.identity.Current()
	if err != nil {
		return ResultInvalid, err
	}

	peer, err := e.trust.GetPeer(peerRef)
	if err != nil {
		return ResultInvalid, fmt.Errorf("unknown peer %q", peerRef)
	}
	if peer.EncryptPub == "" {
		return ResultInvalid, fmt.Errorf("peer %q has no encryption key", peerRef)
	}

	if !sessionAllowed(peer.Sessions, session) {
		return ResultRejected, fmt.Errorf("session %q not granted by peer %q", session, peerRef)
	}

	peerSignPub, err := crypto.KeyFromHex(peer.PublicKey)
	if err != nil {
		return ResultInvalid, fmt.Errorf("corrupt peer record: %w", err)
	}

	s, result, err := e.dial(ctx, crypto.TopicOf(peerSignPub))
	if err != nil {
		return result, err
	}
	defer s.close()

	env, err := NewEnvelope(TypeInject, id.SignPub, e.clock)
	if err != nil {
		return ResultInvalid, err
	}
	frame := &InjectFrame{Envelope: env, Session: session}

	if s.version >= 2 && s.peerEphemeral != "" {
		peerEph, err := crypto.KeyFromHex(s.peerEphemeral)
		if err != nil {
			return ResultInvalid, fmt.Errorf("malformed peer ephemeral key: %w", err)
		}
		payload, err := crypto.EncryptWithEphemeral([]byte(message), s.eph.Private, peerEph)
		if err != nil {
			return ResultInvalid, err
		}
		frame.Payload = payload
		frame.EphemeralPub = crypto.KeyToHex(s.eph.Public)
	} else {
		peerEnc, err := crypto.KeyFromHex(peer.EncryptPub)
		if err != nil {
			return ResultInvalid, fmt.Errorf("corrupt peer record: %w", err)
		}
		myEnc, err := e.identity.EncryptionKeys()
		if err != nil {
			return ResultInvalid, err
		}
		payload, err := crypto.EncryptStatic([]byte(message), myEnc.Private, peerEnc)
		crypto.WipeKeyPair(myEnc)
		if err != nil {
			return ResultInvalid, err
		}
		frame.Payload = payload
		frame.EncryptPub = id.EncryptPub
	}

	reply, result, err := e.roundTrip(ctx, s, frame)
	if err != nil {
		return result, err
	}
	if rej, ok := reply.(*RejectFrame); ok {
		return resultForReason(rej.Reason), fmt.Errorf("inject rejected: %s", rej.Reason)
	}

	e.logger.WithFields(logrus.Fields{
		"peer":    peer.ID,
		"session": session,
		"version": s.version,
	}).Info("Inject delivered")
	return ResultOK, nil
}

// Claim redeems an invite token with its issuer and records the issuer
// as an outbound peer on success.
func (e *Engine) Claim(ctx context.Context, tokenStr string) (*trust.Peer, Result, error) {
	id, err := e.identity.Current()
	if err != nil {
		return nil, ResultInvalid, err
	}

	token, err := identity.ParseInviteToken(tokenStr, e.clock.Now())
	if err != nil {
		return nil, ResultInvalid, err
	}

	issuerPub, err := crypto.KeyFromHex(token.Iss)
	if err != nil {
		return nil, ResultInvalid, fmt.Errorf("invalid issuer key: %w", err)
	}

	s, result, err := e.dial(ctx, crypto.TopicOf(issuerPub))
	if err != nil {
		return nil, result, err
	}
	defer s.close()

	env, err := NewEnvelope(TypeClaim, id.SignPub, e.clock)
	if err != nil {
		return nil, ResultInvalid, err
	}
	frame := &ClaimFrame{
		Envelope:   env,
		Token:      tokenStr,
		EncryptPub: id.EncryptPub,
	}

	reply, result, err := e.roundTrip(ctx, s, frame)
	if err != nil {
		return nil, result, err
	}

	switch resp := reply.(type) {
	case *AckFrame:
		peer, err := e.trust.AddPeer(token.Iss, "", resp.EncryptPub, token.Ses, token.Cap)
		if err != nil {
			return nil, ResultInvalid, err
		}
		e.logger.WithFields(logrus.Fields{
			"peer":     peer.ID,
			"sessions": peer.Sessions,
		}).Info("Claim succeeded")
		return peer, ResultOK, nil
	case *RejectFrame:
		return nil, resultForReason(resp.Reason), fmt.Errorf("claim rejected: %s", resp.Reason)
	default:
		return nil, ResultOffline, fmt.Errorf("unexpected reply %q", reply.envelope().Type)
	}
}

// SendKeyRotation delivers a rotation record to one peer.
func (e *Engine) SendKeyRotation(ctx context.Context, peerRef string, rot *identity.KeyRotation) (Result, error) {
	id, err := e.identity.Current()
	if err != nil {
		return ResultInvalid, err
	}

	peer, err := e.trust.GetPeer(peerRef)
	if err != nil {
		return ResultInvalid, fmt.Errorf("unknown peer %q", peerRef)
	}
	peerSignPub, err := crypto.KeyFromHex(peer.PublicKey)
	if err != nil {
		return ResultInvalid, fmt.Errorf("corrupt peer record: %w", err)
	}

	s, result, err := e.dial(ctx, crypto.TopicOf(peerSignPub))
	if err != nil {
		return result, err
	}
	defer s.close()

	env, err := NewEnvelope(TypeKeyRotation, id.SignPub, e.clock)
	if err != nil {
		return ResultInvalid, err
	}
	frame := &KeyRotationFrame{Envelope: env, KeyRotation: rot}

	reply, result, err := e.roundTrip(ctx, s, frame)
	if err != nil {
		return result, err
	}
	if rej, ok := reply.(*RejectFrame); ok {
		return resultForReason(rej.Reason), fmt.Errorf("key rotation rejected: %s", rej.Reason)
	}
	return ResultOK, nil
}

// dial opens a connection to a topic and completes the handshake.
func (e *Engine) dial(ctx context.Context, topic [32]byte) (*dialSession, Result, error) {
	id, seed, err := e.selfKeys()
	if err != nil {
		return nil, ResultInvalid, err
	}
	defer crypto.ZeroBytes(seed[:])

	streams, err := e.transport.Join(ctx, transport.Topic(topic), transport.RoleClient)
	if err != nil {
		return nil, ResultOffline, fmt.Errorf("peer unreachable: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, e.cfg.HandshakeTimeout)
	defer cancel()

	var stream transport.Stream
	select {
	case s, ok := <-streams:
		if !ok {
			return nil, ResultOffline, fmt.Errorf("peer unreachable")
		}
		stream = s
	case <-hctx.Done():
		return nil, ResultOffline, fmt.Errorf("connect timed out")
	}

	eph, err := crypto.GenerateEphemeralKeyPair()
	if err != nil {
		stream.Close()
		return nil, ResultInvalid, err
	}

	fail := func(result Result, err error) (*dialSession, Result, error) {
		crypto.WipeKeyPair(eph)
		stream.Close()
		return nil, result, err
	}

	env, err := NewEnvelope(TypeHello, id.SignPub, e.clock)
	if err != nil {
		return fail(ResultInvalid, err)
	}
	hello := &HelloFrame{
		Envelope:     env,
		Versions:     []int{MinProtocolVersion, ProtocolVersion},
		EphemeralPub: crypto.KeyToHex(eph.Public),
	}
	if err := e.writeFrame(ctx, stream, hello, seed); err != nil {
		return fail(ResultOffline, fmt.Errorf("failed to send hello: %w", err))
	}

	line, err := stream.ReadLine(hctx)
	if err != nil {
		return fail(ResultOffline, fmt.Errorf("handshake timed out: %w", err))
	}
	reply, err := DecodeFrame(line)
	if err != nil {
		return fail(ResultOffline, fmt.Errorf("malformed handshake reply: %w", err))
	}

	switch resp := reply.(type) {
	case *HelloAckFrame:
		if !VerifyFrame(resp) {
			return fail(ResultInvalid, fmt.Errorf("hello-ack signature invalid"))
		}
		return &dialSession{
			stream:        stream,
			eph:           eph,
			version:       resp.Version,
			peerEphemeral: resp.EphemeralPub,
		}, ResultOK, nil
	case *RejectFrame:
		result := resultForReason(resp.Reason)
		return fail(result, fmt.Errorf("handshake rejected: %s", resp.Reason))
	default:
		return fail(ResultOffline, fmt.Errorf("unexpected handshake reply %q", reply.envelope().Type))
	}
}

// roundTrip signs and sends the request frame, then awaits the single
// ack or reject closing the exchange.
func (e *Engine) roundTrip(ctx context.Context, s *dialSession, f Frame) (Frame, Result, error) {
	_, seed, err := e.selfKeys()
	if err != nil {
		return nil, ResultInvalid, err
	}
	defer crypto.ZeroBytes(seed[:])

	if err := e.writeFrame(ctx, s.stream, f, seed); err != nil {
		return nil, ResultOffline, fmt.Errorf("failed to send request: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	line, err := s.stream.ReadLine(rctx)
	if err != nil {
		return nil, ResultOffline, fmt.Errorf("request timed out: %w", err)
	}
	reply, err := DecodeFrame(line)
	if err != nil {
		return nil, ResultOffline, fmt.Errorf("malformed reply: %w", err)
	}

	switch reply.(type) {
	case *AckFrame, *RejectFrame:
		return reply, ResultOK, nil
	default:
		return nil, ResultOffline, fmt.Errorf("unexpected reply %q", reply.envelope().Type)
	}
}

// sessionAllowed checks the advisory local session list.
func sessionAllowed(sessions []string, session string) bool {
	for _, s := range sessions {
		if s == "*" || s == session {
			return true
		}
	}
	return false
}
