package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opd-ai/wopr/crypto"
	"github.com/opd-ai/wopr/identity"
)

// Protocol versions. Version 2 adds ephemeral-key forward secrecy for
// inject payloads; version 1 falls back to static-key ECDH.
const (
	ProtocolVersion    = 2
	MinProtocolVersion = 1
)

// FrameType tags the concrete shape of a wire frame.
type FrameType string

const (
	TypeHello       FrameType = "hello"
	TypeHelloAck    FrameType = "hello-ack"
	TypeClaim       FrameType = "claim"
	TypeInject      FrameType = "inject"
	TypeKeyRotation FrameType = "key-rotation"
	TypeAck         FrameType = "ack"
	TypeReject      FrameType = "reject"
)

// ErrMalformedFrame indicates a line that does not parse into a known
// frame shape.
var ErrMalformedFrame = errors.New("malformed frame")

// Envelope carries the fields common to every frame. The signature
// covers the canonical encoding of the whole frame with sig omitted.
type Envelope struct {
	V     int       `json:"v"`
	Type  FrameType `json:"type"`
	From  string    `json:"from"`
	Nonce string    `json:"nonce"`
	TS    int64     `json:"ts"`
	Sig   string    `json:"sig,omitempty"`
}

func (e *Envelope) envelope() *Envelope { return e }

// Frame is one typed wire message.
type Frame interface {
	envelope() *Envelope
}

// HelloFrame opens a connection with the initiator's supported versions
// and its connection-scoped ephemeral public key.
type HelloFrame struct {
	Envelope
	Versions     []int  `json:"versions"`
	EphemeralPub string `json:"ephemeralPub"`
}

// HelloAckFrame answers a hello with the negotiated version and the
// responder's ephemeral public key.
type HelloAckFrame struct {
	Envelope
	Version      int    `json:"version"`
	EphemeralPub string `json:"ephemeralPub"`
}

// ClaimFrame redeems an invite token. EncryptPub is the claimer's static
// encryption key for the issuer to store.
type ClaimFrame struct {
	Envelope
	Token      string `json:"token"`
	EncryptPub string `json:"encryptPub"`
}

// InjectFrame delivers an encrypted payload to a named session.
type InjectFrame struct {
	Envelope
	Session      string `json:"session"`
	Payload      string `json:"payload"`
	EncryptPub   string `json:"encryptPub,omitempty"`
	EphemeralPub string `json:"ephemeralPub,omitempty"`
}

// KeyRotationFrame announces the sender's identity rotation. The outer
// envelope signature is bypassed by the responder; the nested record
// carries its own signature by the old key.
type KeyRotationFrame struct {
	Envelope
	KeyRotation *identity.KeyRotation `json:"keyRotation"`
}

// AckFrame closes a request successfully.
type AckFrame struct {
	Envelope
	Session    string `json:"session,omitempty"`
	EncryptPub string `json:"encryptPub,omitempty"`
}

// RejectFrame closes a request with a human-readable reason.
type RejectFrame struct {
	Envelope
	Reason  string `json:"reason"`
	Session string `json:"session,omitempty"`
}

// NewEnvelope builds an envelope with a fresh nonce and the current
// timestamp.
func NewEnvelope(t FrameType, from string, clock crypto.TimeProvider) (Envelope, error) {
	nonce, err := crypto.GenerateNonceHex()
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		V:     ProtocolVersion,
		Type:  t,
		From:  from,
		Nonce: nonce,
		TS:    crypto.NowMillis(clock),
	}, nil
}

// EncodeFrame serializes a frame as its canonical single-line wire form.
func EncodeFrame(f Frame) (string, error) {
	line, err := crypto.MarshalDeterministic(f)
	if err != nil {
		return "", fmt.Errorf("failed to encode frame: %w", err)
	}
	return string(line), nil
}

// DecodeFrame parses a wire line into its typed frame.
func DecodeFrame(line string) (Frame, error) {
	var probe Envelope
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if probe.From == "" || probe.Nonce == "" || probe.TS == 0 {
		return nil, fmt.Errorf("%w: missing envelope fields", ErrMalformedFrame)
	}

	var f Frame
	switch probe.Type {
	case TypeHello:
		f = &HelloFrame{}
	case TypeHelloAck:
		f = &HelloAckFrame{}
	case TypeClaim:
		f = &ClaimFrame{}
	case TypeInject:
		f = &InjectFrame{}
	case TypeKeyRotation:
		f = &KeyRotationFrame{}
	case TypeAck:
		f = &AckFrame{}
	case TypeReject:
		f = &RejectFrame{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, probe.Type)
	}

	if err := json.Unmarshal([]byte(line), f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

// SignFrame signs the frame's canonical encoding with the sender's
// signing seed and stores the signature in the envelope.
func SignFrame(f Frame, signPriv [32]byte) error {
	input, err := crypto.CanonicalMarshal(f)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(input, signPriv)
	if err != nil {
		return err
	}
	f.envelope().Sig = crypto.SignatureToHex(sig)
	return nil
}

// VerifyFrame checks the envelope signature against the frame's from
// key.
func VerifyFrame(f Frame) bool {
	env := f.envelope()
	if env.Sig == "" {
		return false
	}

	from, err := crypto.KeyFromHex(env.From)
	if err != nil {
		return false
	}
	sig, err := crypto.SignatureFromHex(env.Sig)
	if err != nil {
		return false
	}
	input, err := crypto.CanonicalMarshal(f)
	if err != nil {
		return false
	}
	return crypto.Verify(input, sig, from)
}

// NegotiateVersion picks the highest version shared between the offered
// list and our supported range. ok is false when the intersection is
// empty.
func NegotiateVersion(offered []int) (int, bool) {
	best := 0
	for _, v := range offered {
		if v >= MinProtocolVersion && v <= ProtocolVersion && v > best {
			best = v
		}
	}
	return best, best != 0
}
