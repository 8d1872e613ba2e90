package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientDefaults(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
}

func TestNewClientOptions(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithName("groupmock-test"),
		WithMaxReconnects(3),
		WithReconnectWait(time.Second),
		WithTimeout(2*time.Second),
	)
	require.NoError(t, err)

	assert.Equal(t, "groupmock-test", client.clientName)
	assert.Equal(t, 3, client.maxReconnects)
	assert.Equal(t, time.Second, client.reconnectWait)
	assert.Equal(t, 2*time.Second, client.timeout)
}

func TestConnectionStatusString(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "unknown", ConnectionStatus(99).String())
}

func TestPublishNotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	err = client.Publish(context.Background(), "test.subject", []byte("data"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSubscribeNotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	err = client.Subscribe(context.Background(), "test.subject", func(context.Context, []byte) {})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCloseWithoutConnect(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	require.NoError(t, client.Close(context.Background()))
	// Second close is a no-op.
	require.NoError(t, client.Close(context.Background()))

	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	tc := NewSharedTestClient(t)
	client := tc.Client

	received := make(chan []byte, 1)
	ctx := context.Background()

	require.NoError(t, client.Subscribe(ctx, "groupmock.test.echo", func(_ context.Context, data []byte) {
		received <- data
	}))

	require.NoError(t, client.Publish(ctx, "groupmock.test.echo", []byte("hello")))
	require.NoError(t, client.Flush(ctx))

	select {
	case data := <-received:
		assert.Equal(t, []byte("hello"), data)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}
