package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvOne(t *testing.T, ch Channel) Message {
	t.Helper()
	select {
	case msg, ok := <-ch.Recv():
		require.True(t, ok, "recv closed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message")
		return Message{}
	}
}

func TestPipeDeliversBothWays(t *testing.T) {
	t.Parallel()

	a, b := Pipe()
	defer a.Close()

	msg, err := NewMessage(KindSyncPing, "dev-a", SyncPingPayload{Seq: 1, T0: 10})
	require.NoError(t, err)
	require.NoError(t, a.Send(msg))
	assert.Equal(t, KindSyncPing, recvOne(t, b).Kind)

	msg, err = NewMessage(KindSyncPong, "dev-b", SyncPongPayload{Seq: 1})
	require.NoError(t, err)
	require.NoError(t, b.Send(msg))
	assert.Equal(t, KindSyncPong, recvOne(t, a).Kind)
}

func TestPipeCloseSemantics(t *testing.T) {
	t.Parallel()

	a, b := Pipe()
	require.NoError(t, a.Close())

	// The closing side shut down cleanly; the peer sees a disconnect.
	_, open := <-a.Recv()
	assert.False(t, open)
	assert.NoError(t, a.Err())

	_, open = <-b.Recv()
	assert.False(t, open)
	assert.ErrorIs(t, b.Err(), ErrDisconnected)

	assert.ErrorIs(t, a.Send(Message{Kind: KindSyncPing}), ErrClosed)
	assert.ErrorIs(t, b.Send(Message{Kind: KindSyncPing}), ErrClosed)
}

func TestPipeDropPredicate(t *testing.T) {
	t.Parallel()

	a, b := Pipe(WithPipeDrop(func(msg Message) bool {
		return msg.Kind == KindSyncPing
	}))
	defer a.Close()

	ping, err := NewMessage(KindSyncPing, "dev-a", SyncPingPayload{Seq: 1})
	require.NoError(t, err)
	require.NoError(t, a.Send(ping))

	report, err := NewMessage(KindSyncReport, "dev-a", SyncReportPayload{OffsetMs: 1})
	require.NoError(t, err)
	require.NoError(t, a.Send(report))

	// Only the report survives the loss predicate.
	assert.Equal(t, KindSyncReport, recvOne(t, b).Kind)
}

func TestPipeLatencyDelaysDelivery(t *testing.T) {
	t.Parallel()

	const latency = 50 * time.Millisecond
	a, b := Pipe(WithPipeLatency(latency))
	defer a.Close()

	msg, err := NewMessage(KindSyncPing, "dev-a", SyncPingPayload{Seq: 1})
	require.NoError(t, err)

	sent := time.Now()
	require.NoError(t, a.Send(msg))
	recvOne(t, b)
	assert.GreaterOrEqual(t, time.Since(sent), latency)
}
