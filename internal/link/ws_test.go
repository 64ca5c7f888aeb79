package link

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsTestPair spins up a one-connection host and dials it, returning both ends.
func wsTestPair(t *testing.T) (host, client *WSChannel) {
	t.Helper()

	cfg := DefaultWSConfig()
	accepted := make(chan *WSChannel, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ch, err := Upgrade(w, r, cfg)
		if err != nil {
			return
		}
		accepted <- ch
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialWS(ctx, url, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case host = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("host never accepted the connection")
	}
	t.Cleanup(func() { host.Close() })
	return host, client
}

func TestWSChannelRoundTrip(t *testing.T) {
	t.Parallel()

	host, client := wsTestPair(t)

	out, err := NewMessage(KindSyncPing, "dev-a", SyncPingPayload{Seq: 7, T0: 1234})
	require.NoError(t, err)
	require.NoError(t, client.Send(out))

	in := recvOne(t, host)
	assert.Equal(t, KindSyncPing, in.Kind)
	payload, err := ParsePayload(in)
	require.NoError(t, err)
	assert.Equal(t, SyncPingPayload{Seq: 7, T0: 1234}, payload)

	// And the other direction.
	reply, err := NewMessage(KindSyncPong, "dev-b", SyncPongPayload{Seq: 7, T0: 1234, T1: 20, T2: 21})
	require.NoError(t, err)
	require.NoError(t, host.Send(reply))
	assert.Equal(t, KindSyncPong, recvOne(t, client).Kind)
}

func TestWSChannelLocalClose(t *testing.T) {
	t.Parallel()

	host, client := wsTestPair(t)

	require.NoError(t, client.Close())
	assert.ErrorIs(t, client.Send(Message{Kind: KindSyncPing}), ErrClosed)

	// A local close is clean on this side.
	for range client.Recv() {
	}
	assert.NoError(t, client.Err())

	// The host sees the peer go away.
	select {
	case _, open := <-host.Recv():
		if open {
			t.Fatal("expected host recv to close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("host never noticed the disconnect")
	}
	assert.ErrorIs(t, host.Err(), ErrDisconnected)
}

func TestDialWSFailsFast(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := DialWS(ctx, "ws://127.0.0.1:1/v1/pair", DefaultWSConfig())
	assert.Error(t, err)
}
