package trust

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wopr/crypto"
)

// AddInvite records a freshly minted invite token for bookkeeping.
func (s *Store) AddInvite(token, peerKey string, sessions []string, expires int64) (*InviteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &InviteRecord{
		Token:    token,
		PeerKey:  peerKey,
		Sessions: append([]string(nil), sessions...),
		Created:  crypto.NowMillis(s.clock),
		Expires:  expires,
	}
	s.invites = append(s.invites, rec)
	if err := s.saveInvitesLocked(); err != nil {
		s.invites = s.invites[:len(s.invites)-1]
		return nil, err
	}

	copied := *rec
	return &copied, nil
}

// ListInvites returns copies of all invite records.
func (s *Store) ListInvites() []InviteRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]InviteRecord, 0, len(s.invites))
	for _, rec := range s.invites {
		out = append(out, *rec)
	}
	return out
}

// RemoveInvite deletes the record for the given token string.
func (s *Store) RemoveInvite(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, rec := range s.invites {
		if rec.Token != token {
			continue
		}
		s.invites = append(s.invites[:i], s.invites[i+1:]...)
		if err := s.saveInvitesLocked(); err != nil {
			return err
		}
		return nil
	}
	return ErrNotFound
}

// MarkInviteClaimed marks the invite matching the token as claimed by
// the given signing key. The operation is best-effort: a missing record
// is not an error (tokens minted elsewhere have no local record), and an
// already-claimed record is left untouched.
func (s *Store) MarkInviteClaimed(token, claimedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.invites {
		if rec.Token != token {
			continue
		}
		if rec.ClaimedAt != 0 {
			return nil
		}
		rec.ClaimedAt = crypto.NowMillis(s.clock)
		rec.ClaimedBy = claimedBy

		if err := s.saveInvitesLocked(); err != nil {
			rec.ClaimedAt = 0
			rec.ClaimedBy = ""
			return err
		}

		s.logger.WithFields(logrus.Fields{
			"claimed_by_prefix": prefix8(claimedBy),
		}).Info("Invite claimed")
		return nil
	}
	return nil
}

// RemoveExpiredInvites drops unclaimed invite records whose expiry has
// passed and returns how many were removed.
func (s *Store) RemoveExpiredInvites() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := crypto.NowMillis(s.clock)
	kept := s.invites[:0]
	removed := 0
	for _, rec := range s.invites {
		if rec.ClaimedAt == 0 && rec.Expires <= now {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	if removed == 0 {
		return 0, nil
	}
	s.invites = kept
	if err := s.saveInvitesLocked(); err != nil {
		return removed, err
	}
	return removed, nil
}

func prefix8(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
