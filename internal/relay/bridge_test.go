package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatelab/sprintgate/internal/link"
)

func bridgeServer(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(NewBridge(link.DefaultWSConfig()).Handler())
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialBridge(t *testing.T, base, code string, role link.Role) *link.WSChannel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := link.DialWS(ctx, base+"/v1/session/"+code+"/"+string(role), link.DefaultWSConfig())
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func bridgeRecv(t *testing.T, ch link.Channel) link.Message {
	t.Helper()
	select {
	case msg, ok := <-ch.Recv():
		require.True(t, ok, "recv closed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message")
		return link.Message{}
	}
}

func TestBridgeRelaysBetweenRoles(t *testing.T) {
	t.Parallel()

	base := bridgeServer(t)
	start := dialBridge(t, base, "123456", link.RoleStart)
	finish := dialBridge(t, base, "123456", link.RoleFinish)

	ping, err := link.NewMessage(link.KindSyncPing, "finish-dev", link.SyncPingPayload{Seq: 1, T0: 100})
	require.NoError(t, err)
	require.NoError(t, finish.Send(ping))
	assert.Equal(t, link.KindSyncPing, bridgeRecv(t, start).Kind)

	pong, err := link.NewMessage(link.KindSyncPong, "start-dev", link.SyncPongPayload{Seq: 1, T0: 100, T1: 400, T2: 401})
	require.NoError(t, err)
	require.NoError(t, start.Send(pong))
	assert.Equal(t, link.KindSyncPong, bridgeRecv(t, finish).Kind)
}

func TestBridgeSessionsAreIsolated(t *testing.T) {
	t.Parallel()

	base := bridgeServer(t)
	startA := dialBridge(t, base, "111111", link.RoleStart)
	finishA := dialBridge(t, base, "111111", link.RoleFinish)
	startB := dialBridge(t, base, "222222", link.RoleStart)
	finishB := dialBridge(t, base, "222222", link.RoleFinish)

	msg, err := link.NewMessage(link.KindRaceStatus, "dev", link.RaceStatusPayload{Phase: "ARMED"})
	require.NoError(t, err)
	require.NoError(t, startA.Send(msg))
	assert.Equal(t, link.KindRaceStatus, bridgeRecv(t, finishA).Kind)

	// The other session must see nothing.
	select {
	case leaked := <-finishB.Recv():
		t.Fatalf("message leaked across sessions: %+v", leaked)
	case <-time.After(200 * time.Millisecond):
	}
	_ = startB
}

func TestBridgeRejectsMalformedJoin(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(NewBridge(link.DefaultWSConfig()).Handler())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/v1/session/12/START")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(server.URL + "/v1/session/123456/REFEREE")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBridgeRejectsDuplicateRole(t *testing.T) {
	t.Parallel()

	base := bridgeServer(t)
	dialBridge(t, base, "333333", link.RoleStart)
	dup := dialBridge(t, base, "333333", link.RoleStart)

	// The second connection for an occupied role is closed immediately.
	select {
	case _, open := <-dup.Recv():
		assert.False(t, open)
	case <-time.After(5 * time.Second):
		t.Fatal("duplicate connection was never closed")
	}
}

func TestBridgeTearsDownSessionWhenEitherEndDrops(t *testing.T) {
	t.Parallel()

	base := bridgeServer(t)
	start := dialBridge(t, base, "444444", link.RoleStart)
	finish := dialBridge(t, base, "444444", link.RoleFinish)

	// Make sure the session is live before dropping one end.
	msg, err := link.NewMessage(link.KindRaceStatus, "dev", link.RaceStatusPayload{Phase: "IDLE"})
	require.NoError(t, err)
	require.NoError(t, start.Send(msg))
	bridgeRecv(t, finish)

	start.Close()
	select {
	case _, open := <-finish.Recv():
		assert.False(t, open)
	case <-time.After(5 * time.Second):
		t.Fatal("peer end never closed after drop")
	}
}
