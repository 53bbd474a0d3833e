package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQUICTransportRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping QUIC loopback test in short mode")
	}

	book := NewAddressBook()
	server := NewQUICTransport("127.0.0.1:0", book)
	client := NewQUICTransport("", book)
	defer server.Destroy()
	defer client.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	topic := testTopic(40)
	accepted, err := server.Join(ctx, topic, RoleServer)
	require.NoError(t, err)

	addr := server.Addr()
	require.NotNil(t, addr)
	book.Set(topic, addr.String())

	dialed, err := client.Join(ctx, topic, RoleClient)
	require.NoError(t, err)
	clientStream := <-dialed

	// The listener sees a QUIC stream only after the dialer has written
	// to it, so the first line goes out before the accept is awaited.
	require.NoError(t, clientStream.WriteLine(ctx, "over quic"))

	var serverStream Stream
	select {
	case serverStream = <-accepted:
	case <-ctx.Done():
		t.Fatal("no inbound connection")
	}

	line, err := serverStream.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "over quic", line)

	require.NoError(t, serverStream.WriteLine(ctx, "and back"))
	line, err = clientStream.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "and back", line)

	require.NoError(t, clientStream.Close())
	require.NoError(t, serverStream.Close())
}

func TestQUICClientUnknownTopic(t *testing.T) {
	book := NewAddressBook()
	client := NewQUICTransport("", book)
	defer client.Destroy()

	_, err := client.Join(context.Background(), testTopic(41), RoleClient)
	assert.Error(t, err)
}

func TestAddressBook(t *testing.T) {
	book := NewAddressBook()
	topic := testTopic(42)

	_, ok := book.Resolve(topic)
	assert.False(t, ok)

	book.Set(topic, "127.0.0.1:4242")
	addr, ok := book.Resolve(topic)
	assert.True(t, ok)
	assert.Equal(t, "127.0.0.1:4242", addr)
}
