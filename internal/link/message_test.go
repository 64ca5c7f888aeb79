package link

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleHelpers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, RoleFinish, RoleStart.Other())
	assert.Equal(t, RoleStart, RoleFinish.Other())
	assert.True(t, RoleStart.Valid())
	assert.True(t, RoleFinish.Valid())
	assert.False(t, Role("REFEREE").Valid())
	assert.False(t, Role("").Valid())
}

func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	msg, err := NewMessage(KindSyncPong, "dev-1", SyncPongPayload{Seq: 9, T0: 100, T1: 405, T2: 406})
	require.NoError(t, err)
	assert.Equal(t, KindSyncPong, msg.Kind)
	assert.Equal(t, "dev-1", msg.DeviceID)

	payload, err := ParsePayload(msg)
	require.NoError(t, err)
	pong := payload.(SyncPongPayload)
	assert.Equal(t, 9, pong.Seq)
	assert.Equal(t, SyncPongPayload{Seq: 9, T0: 100, T1: 405, T2: 406}, pong)
}

func TestParsePayloadByKind(t *testing.T) {
	t.Parallel()

	msg, err := NewMessage(KindCrossing, "dev-2", CrossingPayload{Timestamp: 1234, GatePosition: 0.5})
	require.NoError(t, err)
	payload, err := ParsePayload(msg)
	require.NoError(t, err)
	assert.Equal(t, CrossingPayload{Timestamp: 1234, GatePosition: 0.5}, payload)

	msg, err = NewMessage(KindRoleAnnounce, "dev-2", RoleAnnouncePayload{Role: RoleFinish, DeviceID: "dev-2"})
	require.NoError(t, err)
	payload, err = ParsePayload(msg)
	require.NoError(t, err)
	assert.Equal(t, RoleFinish, payload.(RoleAnnouncePayload).Role)
}

func TestParsePayloadRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := ParsePayload(Message{Kind: "Telemetry", Data: []byte("{}")})
	assert.Error(t, err)
}

func TestParsePayloadRejectsMalformedData(t *testing.T) {
	t.Parallel()

	_, err := ParsePayload(Message{Kind: KindSyncPing, Data: []byte("{")})
	assert.Error(t, err)
}
