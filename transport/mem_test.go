package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTopic(b byte) Topic {
	var t Topic
	t[0] = b
	return t
}

func TestMemTransportRoundTrip(t *testing.T) {
	hub := NewMemHub()
	server := hub.Transport()
	client := hub.Transport()
	ctx := context.Background()

	topic := testTopic(1)
	accepted, err := server.Join(ctx, topic, RoleServer)
	require.NoError(t, err)

	dialed, err := client.Join(ctx, topic, RoleClient)
	require.NoError(t, err)

	clientStream := <-dialed
	serverStream := <-accepted

	require.NoError(t, clientStream.WriteLine(ctx, "hello"))
	line, err := serverStream.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", line)

	require.NoError(t, serverStream.WriteLine(ctx, "world"))
	line, err = clientStream.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "world", line)
}

func TestMemTransportClientWithoutListener(t *testing.T) {
	hub := NewMemHub()
	client := hub.Transport()

	_, err := client.Join(context.Background(), testTopic(2), RoleClient)
	assert.Error(t, err)
}

func TestMemTransportDuplicateListener(t *testing.T) {
	hub := NewMemHub()
	a := hub.Transport()
	b := hub.Transport()
	ctx := context.Background()

	topic := testTopic(3)
	_, err := a.Join(ctx, topic, RoleServer)
	require.NoError(t, err)
	_, err = b.Join(ctx, topic, RoleServer)
	assert.Error(t, err)
}

func TestMemStreamReadAfterRemoteClose(t *testing.T) {
	hub := NewMemHub()
	server := hub.Transport()
	client := hub.Transport()
	ctx := context.Background()

	topic := testTopic(4)
	accepted, err := server.Join(ctx, topic, RoleServer)
	require.NoError(t, err)
	dialed, err := client.Join(ctx, topic, RoleClient)
	require.NoError(t, err)

	clientStream := <-dialed
	serverStream := <-accepted

	// Buffered lines stay readable after the writer closes.
	require.NoError(t, clientStream.WriteLine(ctx, "parting"))
	require.NoError(t, clientStream.Close())

	line, err := serverStream.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "parting", line)

	_, err = serverStream.ReadLine(ctx)
	assert.ErrorIs(t, err, io.EOF)

	assert.Error(t, serverStream.WriteLine(ctx, "into the void"))
}

func TestMemStreamReadHonorsContext(t *testing.T) {
	hub := NewMemHub()
	server := hub.Transport()
	client := hub.Transport()

	topic := testTopic(5)
	_, err := server.Join(context.Background(), topic, RoleServer)
	require.NoError(t, err)
	dialed, err := client.Join(context.Background(), topic, RoleClient)
	require.NoError(t, err)
	clientStream := <-dialed

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = clientStream.ReadLine(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemTransportDestroyClosesListeners(t *testing.T) {
	hub := NewMemHub()
	server := hub.Transport()
	client := hub.Transport()
	ctx := context.Background()

	topic := testTopic(6)
	accepted, err := server.Join(ctx, topic, RoleServer)
	require.NoError(t, err)

	require.NoError(t, server.Destroy())

	// The accept channel is closed and the topic is gone.
	_, open := <-accepted
	assert.False(t, open)
	_, err = client.Join(ctx, topic, RoleClient)
	assert.Error(t, err)

	// A destroyed transport refuses further joins.
	_, err = server.Join(ctx, topic, RoleServer)
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestNoiseStreamRoundTrip(t *testing.T) {
	hub := NewMemHub()
	server := hub.Transport()
	client := hub.Transport()
	ctx := context.Background()

	topic := testTopic(7)
	accepted, err := server.Join(ctx, topic, RoleServer)
	require.NoError(t, err)
	dialed, err := client.Join(ctx, topic, RoleClient)
	require.NoError(t, err)

	clientInner := <-dialed
	serverInner := <-accepted

	type result struct {
		stream *NoiseStream
		err    error
	}
	serverDone := make(chan result, 1)
	go func() {
		ns, err := NewNoiseStream(ctx, serverInner, false)
		serverDone <- result{ns, err}
	}()

	clientNS, err := NewNoiseStream(ctx, clientInner, true)
	require.NoError(t, err)
	serverRes := <-serverDone
	require.NoError(t, serverRes.err)
	serverNS := serverRes.stream

	require.NoError(t, clientNS.WriteLine(ctx, "secret ping"))
	line, err := serverNS.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secret ping", line)

	require.NoError(t, serverNS.WriteLine(ctx, "secret pong"))
	line, err = clientNS.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secret pong", line)

	// The inner stream carries ciphertext, not the plaintext line.
	require.NoError(t, clientNS.WriteLine(ctx, "observable?"))
	raw, err := serverInner.ReadLine(ctx)
	require.NoError(t, err)
	assert.NotContains(t, raw, "observable?")
}
