package link

import (
	"encoding/json"
	"fmt"

	"github.com/gatelab/sprintgate/internal/clock"
)

// Role identifies which end of the timing gate a device plays. The START
// device is the clock reference; exactly one device in a session holds each
// role.
type Role string

const (
	RoleStart  Role = "START"
	RoleFinish Role = "FINISH"
)

// Other returns the complementary role.
func (r Role) Other() Role {
	if r == RoleStart {
		return RoleFinish
	}
	return RoleStart
}

// Valid reports whether r is one of the two defined roles.
func (r Role) Valid() bool {
	return r == RoleStart || r == RoleFinish
}

// MessageKind discriminates link message payloads.
type MessageKind string

const (
	KindRoleAnnounce MessageKind = "RoleAnnounce"
	KindSyncPing     MessageKind = "SyncPing"
	KindSyncPong     MessageKind = "SyncPong"
	KindSyncReport   MessageKind = "SyncReport"
	KindCrossing     MessageKind = "Crossing"
	KindRaceStatus   MessageKind = "RaceStatus"
)

// Message is the wire envelope for everything that crosses the link: role
// negotiation, sync round trips, crossing events and race phase updates.
type Message struct {
	Kind     MessageKind     `json:"kind"`
	DeviceID string          `json:"device_id"`
	Data     json.RawMessage `json:"data"`
}

// RoleAnnouncePayload is the first message each side sends once a transport
// connection exists.
type RoleAnnouncePayload struct {
	Role     Role   `json:"role"`
	DeviceID string `json:"device_id"`
}

// SyncPingPayload carries the sender's local send time t0.
type SyncPingPayload struct {
	Seq int        `json:"seq"`
	T0  clock.Mono `json:"t0"`
}

// SyncPongPayload echoes t0 and carries the responder's receive time t1 and
// send time t2, both on the responder's clock.
type SyncPongPayload struct {
	Seq int        `json:"seq"`
	T0  clock.Mono `json:"t0"`
	T1  clock.Mono `json:"t1"`
	T2  clock.Mono `json:"t2"`
}

// SyncReportPayload carries the finish device's current offset estimate to
// the start device, which runs no engine of its own. OffsetMs is the start
// clock minus the finish clock.
type SyncReportPayload struct {
	OffsetMs      float64 `json:"offset_ms"`
	UncertaintyMs float64 `json:"uncertainty_ms"`
	Samples       int     `json:"samples"`
}

// CrossingPayload announces a gate crossing with the sender's local monotonic
// timestamp and the gate's normalized horizontal position in the frame.
type CrossingPayload struct {
	Timestamp    clock.Mono `json:"timestamp"`
	GatePosition float64    `json:"gate_position"`
}

// RaceStatusPayload announces a race phase change to the peer.
type RaceStatusPayload struct {
	Phase string `json:"phase"`
}

// NewMessage marshals payload into an envelope of the given kind.
func NewMessage(kind MessageKind, deviceID string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Message{Kind: kind, DeviceID: deviceID, Data: data}, nil
}

// ParsePayload decodes a message's payload into the struct matching its kind.
func ParsePayload(msg Message) (any, error) {
	switch msg.Kind {
	case KindRoleAnnounce:
		var p RoleAnnouncePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case KindSyncPing:
		var p SyncPingPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case KindSyncPong:
		var p SyncPongPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case KindSyncReport:
		var p SyncReportPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case KindCrossing:
		var p CrossingPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case KindRaceStatus:
		var p RaceStatusPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	default:
		return nil, fmt.Errorf("unknown message kind: %s", msg.Kind)
	}
}
