package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wopr/crypto"
	"github.com/opd-ai/wopr/identity"
	"github.com/opd-ai/wopr/limits"
	"github.com/opd-ai/wopr/transport"
)

// Serve joins the node's own topic in server mode and processes inbound
// connections until the context is cancelled. Each connection runs in
// its own goroutine; a failure in one never affects the others.
func (e *Engine) Serve(ctx context.Context) error {
	id, err := e.identity.Current()
	if err != nil {
		return err
	}
	signPub, err := crypto.KeyFromHex(id.SignPub)
	if err != nil {
		return fmt.Errorf("corrupt identity: %w", err)
	}

	streams, err := e.transport.Join(ctx, transport.Topic(crypto.TopicOf(signPub)), transport.RoleServer)
	if err != nil {
		return fmt.Errorf("failed to join listen topic: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"short_id": crypto.ShortID(signPub),
	}).Info("Listener started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case stream, ok := <-streams:
			if !ok {
				return nil
			}
			go e.handleConnection(ctx, stream)
		}
	}
}

// handleConnection runs the responder state machine for one connection:
// hello, hello-ack, one typed request, one reply.
func (e *Engine) handleConnection(ctx context.Context, stream transport.Stream) {
	defer stream.Close()
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithFields(logrus.Fields{
				"panic": r,
			}).Error("Connection handler panicked")
		}
	}()

	hello, ok := e.awaitHello(ctx, stream)
	if !ok {
		return
	}
	peer := hello.From

	if !e.rate.Check(peer, limits.ClassConnections) {
		e.sendReject(ctx, stream, ReasonRateLimited, "")
		return
	}

	version, ok := NegotiateVersion(hello.Versions)
	if !ok {
		e.sendReject(ctx, stream, ReasonNoCommon, "")
		return
	}

	eph, err := crypto.GenerateEphemeralKeyPair()
	if err != nil {
		e.logger.WithError(err).Error("Failed to generate connection ephemeral key")
		return
	}
	defer crypto.WipeKeyPair(eph)

	if !e.sendHelloAck(ctx, stream, version, eph) {
		return
	}

	e.handleRequest(ctx, stream, peer, version, eph)
}

// awaitHello reads and validates the opening frame under the handshake
// timeout.
func (e *Engine) awaitHello(ctx context.Context, stream transport.Stream) (*HelloFrame, bool) {
	hctx, cancel := context.WithTimeout(ctx, e.cfg.HandshakeTimeout)
	defer cancel()

	line, err := stream.ReadLine(hctx)
	if err != nil {
		return nil, false
	}

	f, err := DecodeFrame(line)
	if err != nil {
		e.chargeInvalid("unknown", "unparseable hello")
		return nil, false
	}
	hello, ok := f.(*HelloFrame)
	if !ok {
		e.chargeInvalid(f.envelope().From, "expected hello")
		return nil, false
	}
	if !VerifyFrame(hello) {
		e.chargeInvalid(hello.From, "hello signature invalid")
		return nil, false
	}
	if !e.replay.Check(hello.Nonce, hello.TS) {
		e.chargeInvalid(hello.From, "hello replayed or stale")
		return nil, false
	}
	return hello, true
}

// sendHelloAck answers the hello with the negotiated version and our
// connection ephemeral key.
func (e *Engine) sendHelloAck(ctx context.Context, stream transport.Stream, version int, eph *crypto.KeyPair) bool {
	id, seed, err := e.selfKeys()
	if err != nil {
		return false
	}
	defer crypto.ZeroBytes(seed[:])

	env, err := NewEnvelope(TypeHelloAck, id.SignPub, e.clock)
	if err != nil {
		return false
	}
	ack := &HelloAckFrame{
		Envelope:     env,
		Version:      version,
		EphemeralPub: crypto.KeyToHex(eph.Public),
	}
	return e.writeFrame(ctx, stream, ack, seed) == nil
}

// handleRequest reads the single typed request and dispatches it.
func (e *Engine) handleRequest(ctx context.Context, stream transport.Stream, peer string, version int, eph *crypto.KeyPair) {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	line, err := stream.ReadLine(rctx)
	if err != nil {
		return
	}

	f, err := DecodeFrame(line)
	if err != nil {
		e.chargeInvalid(peer, "unparseable request")
		return
	}

	switch req := f.(type) {
	case *ClaimFrame:
		if !e.admitFrame(req) {
			return
		}
		e.handleClaim(ctx, stream, req)
	case *InjectFrame:
		if !e.admitFrame(req) {
			return
		}
		e.handleInject(ctx, stream, version, eph, req)
	case *KeyRotationFrame:
		// The nested record is signed by the old key and verified by
		// the trust store; the envelope check is skipped here.
		e.handleKeyRotation(ctx, stream, req)
	default:
		e.chargeInvalid(peer, fmt.Sprintf("unexpected frame type %q", f.envelope().Type))
	}
}

// admitFrame applies the signature and replay gates to a typed request.
func (e *Engine) admitFrame(f Frame) bool {
	env := f.envelope()
	if !VerifyFrame(f) {
		e.chargeInvalid(env.From, "request signature invalid")
		return false
	}
	if !e.replay.Check(env.Nonce, env.TS) {
		e.chargeInvalid(env.From, "request replayed or stale")
		return false
	}
	return true
}

// handleClaim redeems an invite token into an access grant.
func (e *Engine) handleClaim(ctx context.Context, stream transport.Stream, req *ClaimFrame) {
	if !e.rate.Check(req.From, limits.ClassClaims) {
		e.sendReject(ctx, stream, ReasonRateLimited, "")
		return
	}

	id, err := e.identity.Current()
	if err != nil {
		e.sendReject(ctx, stream, ReasonInvalidToken, "")
		return
	}

	token, err := identity.ParseInviteToken(req.Token, e.clock.Now())
	if err != nil {
		if errors.Is(err, identity.ErrTokenExpired) {
			e.sendReject(ctx, stream, ReasonTokenExpired, "")
		} else {
			e.sendReject(ctx, stream, ReasonInvalidToken, "")
		}
		return
	}

	if token.Iss != id.SignPub {
		e.sendReject(ctx, stream, ReasonWrongIssuer, "")
		return
	}
	if token.Sub != req.From {
		e.sendReject(ctx, stream, ReasonWrongSubject, "")
		return
	}

	if _, err := e.trust.GrantAccess(req.From, token.Ses, token.Cap, req.EncryptPub); err != nil {
		e.logger.WithError(err).Error("Failed to persist grant")
		e.sendReject(ctx, stream, ReasonInvalidToken, "")
		return
	}

	// Best-effort bookkeeping; tokens minted through other paths have
	// no local record.
	if err := e.trust.MarkInviteClaimed(req.Token, req.From); err != nil {
		e.logger.WithError(err).Warn("Failed to mark invite claimed")
	}

	e.logger.WithFields(logrus.Fields{
		"peer":     peerPrefix(req.From),
		"sessions": token.Ses,
	}).Info("Claim accepted")

	e.sendAck(ctx, stream, "", id.EncryptPub)
}

// handleInject authorizes, decrypts, and delivers a payload.
func (e *Engine) handleInject(ctx context.Context, stream transport.Stream, version int, eph *crypto.KeyPair, req *InjectFrame) {
	if !e.rate.Check(req.From, limits.ClassInjects) {
		e.sendReject(ctx, stream, ReasonRateLimited, req.Session)
		return
	}

	if !e.trust.IsAuthorized(req.From, req.Session) {
		e.sendReject(ctx, stream, ReasonUnauthorized, req.Session)
		return
	}

	plaintext, ok := e.decryptPayload(version, eph, req)
	if !ok {
		return
	}

	handler := e.injectHandler()
	if handler == nil {
		e.sendReject(ctx, stream, ReasonInjectFailed, req.Session)
		return
	}
	if err := handler(req.Session, plaintext, req.From); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"session": req.Session,
			"peer":    peerPrefix(req.From),
		}).Warn("Inject handler failed")
		e.sendReject(ctx, stream, ReasonInjectFailed, req.Session)
		return
	}

	e.sendAck(ctx, stream, req.Session, "")
}

// decryptPayload applies the forward-secrecy selection: ephemeral ECDH
// when the negotiated version and both ephemerals allow it, the static
// fallback otherwise. Undecryptable payloads are treated as tampering
// and dropped without a reply.
func (e *Engine) decryptPayload(version int, eph *crypto.KeyPair, req *InjectFrame) (string, bool) {
	if version >= 2 && req.EphemeralPub != "" {
		peerEph, err := crypto.KeyFromHex(req.EphemeralPub)
		if err != nil {
			e.chargeInvalid(req.From, "malformed ephemeral key")
			return "", false
		}
		plaintext, err := crypto.DecryptWithEphemeral(req.Payload, eph.Private, peerEph)
		if err != nil {
			e.chargeInvalid(req.From, "payload decryption failed")
			return "", false
		}
		return string(plaintext), true
	}

	grant := e.trust.GetGrantForPeer(req.From)
	if grant == nil || grant.PeerEncryptPub == "" {
		e.chargeInvalid(req.From, "no encryption key for v1 payload")
		return "", false
	}
	peerEnc, err := crypto.KeyFromHex(grant.PeerEncryptPub)
	if err != nil {
		e.chargeInvalid(req.From, "corrupt peer encryption key")
		return "", false
	}

	myEnc, err := e.identity.EncryptionKeys()
	if err != nil {
		return "", false
	}
	defer crypto.WipeKeyPair(myEnc)

	plaintext, err := crypto.DecryptStatic(req.Payload, myEnc.Private, peerEnc)
	if err != nil {
		e.chargeInvalid(req.From, "payload decryption failed")
		return "", false
	}
	return string(plaintext), true
}

// handleKeyRotation applies a rotation to the trust records.
func (e *Engine) handleKeyRotation(ctx context.Context, stream transport.Stream, req *KeyRotationFrame) {
	if req.KeyRotation == nil {
		e.sendReject(ctx, stream, ReasonBadKeyRotation, "")
		return
	}

	updated, err := e.trust.ProcessKeyRotation(req.KeyRotation)
	if err != nil || !updated {
		if err != nil {
			e.logger.WithError(err).Warn("Key rotation refused")
		}
		e.sendReject(ctx, stream, ReasonBadKeyRotation, "")
		return
	}
	e.sendAck(ctx, stream, "", "")
}

// selfKeys loads the identity record and signing seed.
func (e *Engine) selfKeys() (*identity.Identity, [32]byte, error) {
	id, err := e.identity.Current()
	if err != nil {
		return nil, [32]byte{}, err
	}
	seed, err := crypto.KeyFromHex(id.SignPriv)
	if err != nil {
		return nil, [32]byte{}, fmt.Errorf("corrupt identity: %w", err)
	}
	return id, seed, nil
}

// writeFrame signs and writes a frame under the request timeout.
func (e *Engine) writeFrame(ctx context.Context, stream transport.Stream, f Frame, seed [32]byte) error {
	if err := SignFrame(f, seed); err != nil {
		return err
	}
	line, err := EncodeFrame(f)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	return stream.WriteLine(wctx, line)
}

func (e *Engine) sendAck(ctx context.Context, stream transport.Stream, session, encryptPub string) {
	id, seed, err := e.selfKeys()
	if err != nil {
		return
	}
	defer crypto.ZeroBytes(seed[:])

	env, err := NewEnvelope(TypeAck, id.SignPub, e.clock)
	if err != nil {
		return
	}
	ack := &AckFrame{Envelope: env, Session: session, EncryptPub: encryptPub}
	if err := e.writeFrame(ctx, stream, ack, seed); err != nil {
		e.logger.WithError(err).Debug("Failed to write ack")
	}
}

func (e *Engine) sendReject(ctx context.Context, stream transport.Stream, reason, session string) {
	id, seed, err := e.selfKeys()
	if err != nil {
		return
	}
	defer crypto.ZeroBytes(seed[:])

	env, err := NewEnvelope(TypeReject, id.SignPub, e.clock)
	if err != nil {
		return
	}
	rej := &RejectFrame{Envelope: env, Reason: reason, Session: session}
	if err := e.writeFrame(ctx, stream, rej, seed); err != nil {
		e.logger.WithError(err).Debug("Failed to write reject")
	}
}
