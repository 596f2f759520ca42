package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsConnected())
	assert.Nil(t, client.Conn())
}

func TestNewClientRequiresURL(t *testing.T) {
	client, err := NewClient("")
	assert.Error(t, err)
	assert.Nil(t, client)
}

func TestClientOptions(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithClientName("rig-test"),
		WithMaxReconnects(3),
		WithReconnectWait(250*time.Millisecond),
		WithConnectTimeout(time.Second),
		WithRequestTimeout(2*time.Second),
		WithDrainTimeout(time.Second),
	)
	require.NoError(t, err)

	assert.Equal(t, "rig-test", client.clientName)
	assert.Equal(t, 3, client.maxReconnects)
	assert.Equal(t, 250*time.Millisecond, client.reconnectWait)
	assert.Equal(t, time.Second, client.connectTimeout)
	assert.Equal(t, 2*time.Second, client.requestTimeout)
	assert.Equal(t, time.Second, client.drainTimeout)
}

func TestConnectionStatusString(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestOperationsRequireConnection(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	err = client.Publish("rig.event.test", []byte(`{}`))
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.Subscribe("rig.request.>", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.Request(context.Background(), "rig.request.get-status", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectFailsFast(t *testing.T) {
	// Nothing listens on this port, so the dial should fail quickly
	// instead of hanging on the context.
	client, err := NewClient("nats://127.0.0.1:1",
		WithConnectTimeout(500*time.Millisecond),
		WithMaxReconnects(0),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = client.Connect(ctx)
	assert.Error(t, err)
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestCloseBeforeConnect(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.NoError(t, client.Close(context.Background()))
	assert.Equal(t, StatusDisconnected, client.Status())

	// Second close is a no-op.
	assert.NoError(t, client.Close(context.Background()))
}
