package wopr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wopr/identity"
	"github.com/opd-ai/wopr/protocol"
	"github.com/opd-ai/wopr/transport"
	"github.com/opd-ai/wopr/trust"
)

func newTestNode(t *testing.T, hub *transport.MemHub) *Node {
	t.Helper()
	node, err := New(NewOptions(t.TempDir(), hub.Transport()))
	require.NoError(t, err)
	t.Cleanup(func() { node.Close() })
	return node
}

// listen starts a node and waits for its topic to accept dials.
func listen(t *testing.T, hub *transport.MemHub, node *Node) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, node.Listen(ctx))

	topic, err := node.Topic()
	require.NoError(t, err)

	probe := hub.Transport()
	require.Eventually(t, func() bool {
		ch, err := probe.Join(context.Background(), topic, transport.RoleClient)
		if err != nil {
			return false
		}
		s := <-ch
		s.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond, "listener never came up")
}

type collected struct {
	mu    sync.Mutex
	lines []string
}

func (c *collected) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *collected) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestNewGeneratesIdentity(t *testing.T) {
	hub := transport.NewMemHub()
	node := newTestNode(t, hub)

	id, err := node.Identity()
	require.NoError(t, err)
	assert.NotEmpty(t, id.SignPub)

	shortID, err := node.ShortID()
	require.NoError(t, err)
	assert.Len(t, shortID, 8)
}

func TestNewReloadsExistingIdentity(t *testing.T) {
	hub := transport.NewMemHub()
	dir := t.TempDir()

	n1, err := New(NewOptions(dir, hub.Transport()))
	require.NoError(t, err)
	id1, err := n1.Identity()
	require.NoError(t, err)
	n1.Close()

	n2, err := New(NewOptions(dir, hub.Transport()))
	require.NoError(t, err)
	defer n2.Close()
	id2, err := n2.Identity()
	require.NoError(t, err)

	assert.Equal(t, id1.SignPub, id2.SignPub)
}

func TestInitIdentityRefusesOverwrite(t *testing.T) {
	hub := transport.NewMemHub()
	node := newTestNode(t, hub)

	_, err := node.InitIdentity(false)
	assert.ErrorIs(t, err, identity.ErrAlreadyInitialized)

	_, err = node.InitIdentity(true)
	assert.NoError(t, err)
}

func TestInviteClaimInjectEndToEnd(t *testing.T) {
	hub := transport.NewMemHub()
	issuer := newTestNode(t, hub)
	claimer := newTestNode(t, hub)

	got := &collected{}
	issuer.OnInject(func(session, plaintext, from string) error {
		got.add(session + "|" + plaintext)
		return nil
	})
	listen(t, hub, issuer)

	claimerID, err := claimer.Identity()
	require.NoError(t, err)

	token, err := issuer.CreateInvite(claimerID.SignPub, []string{"dev"}, time.Hour)
	require.NoError(t, err)
	require.Len(t, issuer.Invites(), 1)

	ctx := context.Background()
	peer, result, err := claimer.ClaimToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, protocol.ResultOK, result)

	// The issuer's invite record flips to claimed.
	invites := issuer.Invites()
	require.Len(t, invites, 1)
	assert.NotZero(t, invites[0].ClaimedAt)

	result, err = claimer.Inject(ctx, peer.ID, "dev", "hello world")
	require.NoError(t, err)
	assert.Equal(t, protocol.ResultOK, result)
	assert.Equal(t, []string{"dev|hello world"}, got.all())
}

func TestRevokePeerStopsInjects(t *testing.T) {
	hub := transport.NewMemHub()
	issuer := newTestNode(t, hub)
	claimer := newTestNode(t, hub)

	issuer.OnInject(func(session, plaintext, from string) error { return nil })
	listen(t, hub, issuer)

	claimerID, err := claimer.Identity()
	require.NoError(t, err)
	token, err := issuer.CreateInvite(claimerID.SignPub, []string{"dev"}, time.Hour)
	require.NoError(t, err)

	ctx := context.Background()
	peer, _, err := claimer.ClaimToken(ctx, token)
	require.NoError(t, err)

	grants := issuer.Grants()
	require.Len(t, grants, 1)
	require.NoError(t, issuer.RevokePeer(grants[0].ID))

	result, err := claimer.Inject(ctx, peer.ID, "dev", "after revoke")
	assert.Error(t, err)
	assert.Equal(t, protocol.ResultRejected, result)
}

func TestRotateIdentityBroadcasts(t *testing.T) {
	hub := transport.NewMemHub()
	a := newTestNode(t, hub)
	b := newTestNode(t, hub)

	a.OnInject(func(session, plaintext, from string) error { return nil })
	b.OnInject(func(session, plaintext, from string) error { return nil })
	listen(t, hub, a)
	listen(t, hub, b)

	ctx := context.Background()

	aID, err := a.Identity()
	require.NoError(t, err)
	bID, err := b.Identity()
	require.NoError(t, err)

	// Mutual claims.
	tokenForB, err := a.CreateInvite(bID.SignPub, []string{"dev"}, time.Hour)
	require.NoError(t, err)
	_, _, err = b.ClaimToken(ctx, tokenForB)
	require.NoError(t, err)

	tokenForA, err := b.CreateInvite(aID.SignPub, []string{"ops"}, time.Hour)
	require.NoError(t, err)
	peerB, _, err := a.ClaimToken(ctx, tokenForA)
	require.NoError(t, err)

	rotation, err := a.RotateIdentity(ctx, "scheduled")
	require.NoError(t, err)
	require.NotNil(t, rotation)
	assert.Equal(t, aID.SignPub, rotation.OldSignPub)

	// B now routes the new key to the same peer record.
	rotated, err := b.GetPeer(rotation.NewSignPub)
	require.NoError(t, err)
	require.Len(t, rotated.KeyHistory, 1)
	assert.Equal(t, aID.SignPub, rotated.KeyHistory[0].PublicKey)

	// A can still inject into B under the new identity.
	result, err := a.Inject(ctx, peerB.ID, "ops", "still here")
	require.NoError(t, err)
	assert.Equal(t, protocol.ResultOK, result)
}

func TestPeerManagementPassthrough(t *testing.T) {
	hub := transport.NewMemHub()
	issuer := newTestNode(t, hub)
	claimer := newTestNode(t, hub)

	issuer.OnInject(func(session, plaintext, from string) error { return nil })
	listen(t, hub, issuer)

	claimerID, err := claimer.Identity()
	require.NoError(t, err)
	token, err := issuer.CreateInvite(claimerID.SignPub, []string{"dev"}, time.Hour)
	require.NoError(t, err)

	peer, _, err := claimer.ClaimToken(context.Background(), token)
	require.NoError(t, err)

	require.NoError(t, claimer.RenamePeer(peer.ID, "primary"))
	renamed, err := claimer.GetPeer("primary")
	require.NoError(t, err)
	assert.Equal(t, peer.ID, renamed.ID)

	require.NoError(t, claimer.UpdatePeerSessions(peer.ID, []string{"dev", "staging"}))
	assert.Len(t, claimer.Peers(), 1)

	require.NoError(t, claimer.ForgetPeer(peer.ID))
	_, err = claimer.GetPeer(peer.ID)
	assert.ErrorIs(t, err, trust.ErrNotFound)
}

func TestRemoveInvite(t *testing.T) {
	hub := transport.NewMemHub()
	node := newTestNode(t, hub)

	otherID, err := newTestNode(t, hub).Identity()
	require.NoError(t, err)

	token, err := node.CreateInvite(otherID.SignPub, []string{"dev"}, time.Hour)
	require.NoError(t, err)
	require.Len(t, node.Invites(), 1)

	require.NoError(t, node.RemoveInvite(token))
	assert.Empty(t, node.Invites())
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(&Options{DataDir: t.TempDir()})
	assert.Error(t, err)

	_, err = New(nil)
	assert.Error(t, err)
}
