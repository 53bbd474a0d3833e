package identity

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wopr/crypto"
)

const (
	// TokenPrefix is the human-friendly scheme label prepended to the
	// base64 token body. Parsers accept the bare body too.
	TokenPrefix = "wopr-invite:"

	// DefaultInviteTTL is the default validity window for a freshly
	// minted invite token.
	DefaultInviteTTL = 24 * time.Hour
)

var (
	// ErrInvalidToken indicates a structurally broken, mis-signed, or
	// expired invite token.
	ErrInvalidToken = errors.New("invalid invite token")

	// ErrTokenExpired indicates the token's validity window has passed.
	ErrTokenExpired = fmt.Errorf("%w: expired", ErrInvalidToken)
)

// InviteToken is a bearer-bound authorization to claim access. The sub
// field names the only signing key allowed to redeem it.
type InviteToken struct {
	Iss   string   `json:"iss"`
	Sub   string   `json:"sub"`
	Ses   []string `json:"ses"`
	Cap   []string `json:"cap"`
	Iat   int64    `json:"iat"`
	Exp   int64    `json:"exp"`
	Nonce string   `json:"nonce"`
	Sig   string   `json:"sig"`
}

// Encode serializes the token (including its signature) as the URL-safe
// wire string.
func (t *InviteToken) Encode() (string, error) {
	body, err := crypto.MarshalDeterministic(t)
	if err != nil {
		return "", fmt.Errorf("failed to encode token: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(body), nil
}

// CreateInviteToken mints a signed invite for the given subject signing
// key. sessions lists the session-name patterns the claimer will be
// granted ("*" matches any); caps defaults to ["inject"] when empty; a
// zero ttl uses DefaultInviteTTL.
func (m *Manager) CreateInviteToken(subjectSignPub string, sessions, caps []string, ttl time.Duration) (string, *InviteToken, error) {
	if subjectSignPub == "" {
		return "", nil, errors.New("invite subject is required")
	}
	if _, err := crypto.KeyFromHex(subjectSignPub); err != nil {
		return "", nil, fmt.Errorf("invalid invite subject: %w", err)
	}
	if len(sessions) == 0 {
		sessions = []string{"*"}
	}
	if len(caps) == 0 {
		caps = []string{"inject"}
	}
	if ttl <= 0 {
		ttl = DefaultInviteTTL
	}

	id, err := m.Current()
	if err != nil {
		return "", nil, err
	}
	seed, err := crypto.KeyFromHex(id.SignPriv)
	if err != nil {
		return "", nil, fmt.Errorf("corrupt identity: %w", err)
	}
	defer crypto.ZeroBytes(seed[:])

	nonce, err := crypto.GenerateNonceHex()
	if err != nil {
		return "", nil, err
	}

	now := crypto.NowMillis(m.clock)
	token := &InviteToken{
		Iss:   id.SignPub,
		Sub:   subjectSignPub,
		Ses:   sessions,
		Cap:   caps,
		Iat:   now,
		Exp:   now + ttl.Milliseconds(),
		Nonce: nonce,
	}

	input, err := crypto.CanonicalMarshal(token)
	if err != nil {
		return "", nil, err
	}
	sig, err := crypto.Sign(input, seed)
	if err != nil {
		return "", nil, err
	}
	token.Sig = crypto.SignatureToHex(sig)

	encoded, err := token.Encode()
	if err != nil {
		return "", nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"subject_prefix": subjectSignPub[:8],
		"sessions":       sessions,
		"expires":        token.Exp,
	}).Info("Invite token minted")

	return encoded, token, nil
}

// ParseInviteToken decodes and validates an invite token string: the
// structure must parse, the signature must verify under the issuer key,
// and the token must not be expired at now. The subject binding is NOT
// checked here; the claim path does that so it can emit a precise
// rejection.
func ParseInviteToken(s string, now time.Time) (*InviteToken, error) {
	body := s
	if i := strings.IndexByte(s, ':'); i >= 0 {
		body = s[i+1:]
	}

	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		// Tolerate padded base64 from foreign encoders.
		raw, err = base64.URLEncoding.DecodeString(body)
		if err != nil {
			return nil, fmt.Errorf("%w: undecodable", ErrInvalidToken)
		}
	}

	var token InviteToken
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if token.Iss == "" || token.Sub == "" || token.Sig == "" {
		return nil, fmt.Errorf("%w: missing required fields", ErrInvalidToken)
	}

	issuer, err := crypto.KeyFromHex(token.Iss)
	if err != nil {
		return nil, fmt.Errorf("%w: bad issuer key", ErrInvalidToken)
	}
	sig, err := crypto.SignatureFromHex(token.Sig)
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature encoding", ErrInvalidToken)
	}

	input, err := crypto.CanonicalMarshal(&token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !crypto.Verify(input, sig, issuer) {
		return nil, fmt.Errorf("%w: signature verification failed", ErrInvalidToken)
	}

	if token.Exp <= now.UnixMilli() {
		return nil, ErrTokenExpired
	}

	return &token, nil
}
