// Package pairing establishes the session between the start and finish
// devices: role selection, identity exchange and the session-code relay
// fallback. The handshake is the first traffic on a freshly connected link
// channel; nothing else may use the channel until a Session exists.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/gatelab/sprintgate/internal/feed"
	"github.com/gatelab/sprintgate/internal/link"
	"github.com/gatelab/sprintgate/internal/relay"
)

var (
	// ErrRoleConflict means both devices announced the same role.
	ErrRoleConflict = errors.New("pairing: both devices selected the same role")

	// ErrPairingTimeout means the peer did not complete the handshake within
	// the configured bound.
	ErrPairingTimeout = errors.New("pairing: timed out waiting for peer")

	// ErrCancelled means Cancel was called or the context ended mid-handshake.
	ErrCancelled = errors.New("pairing: cancelled")
)

// Session is the established pairing between two devices. It is created by
// the negotiator, handed to the race coordinator once, and immutable
// afterwards.
type Session struct {
	LocalRole      link.Role
	LocalDeviceID  string
	RemoteDeviceID string
	Code           string // set only for relayed sessions
	Channel        link.Channel
}

// Config holds pairing configuration.
type Config struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	RelayTimeout     time.Duration `yaml:"relay_timeout"`
}

// DefaultConfig returns the default pairing configuration.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 60 * time.Second,
		RelayTimeout:     5 * time.Second,
	}
}

// Negotiator drives the pairing handshake for one device.
type Negotiator struct {
	deviceID string
	config   Config
	clk      clockwork.Clock
	status   *feed.Feed[Status]

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewNegotiator returns a negotiator for the device with the given identity.
func NewNegotiator(deviceID string, config Config, clk clockwork.Clock) *Negotiator {
	return &Negotiator{
		deviceID: deviceID,
		config:   config,
		clk:      clk,
		status:   feed.New[Status](4),
	}
}

// Status returns the observable pairing status feed.
func (n *Negotiator) Status() *feed.Feed[Status] {
	return n.status
}

// Cancel aborts any in-flight handshake and returns the negotiator to the
// pre-pairing state.
func (n *Negotiator) Cancel() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
}

func (n *Negotiator) arm(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()
	return ctx
}

// Negotiate performs the role handshake on a connected channel. The local
// role announcement goes out first; the session is established once the
// peer's complementary announcement arrives. On any failure the channel is
// closed and the negotiator is back in its initial state.
func (n *Negotiator) Negotiate(ctx context.Context, ch link.Channel, role link.Role) (*Session, error) {
	ctx = n.arm(ctx)
	n.status.Publish(StatusNegotiating)

	session, err := n.handshake(ctx, ch, role, "")
	if err != nil {
		ch.Close()
		n.status.Publish(StatusFailed)
		return nil, err
	}
	n.status.Publish(StatusPaired)
	return session, nil
}

func (n *Negotiator) handshake(ctx context.Context, ch link.Channel, role link.Role, code string) (*Session, error) {
	announce, err := link.NewMessage(link.KindRoleAnnounce, n.deviceID, link.RoleAnnouncePayload{
		Role:     role,
		DeviceID: n.deviceID,
	})
	if err != nil {
		return nil, err
	}
	if err := ch.Send(announce); err != nil {
		return nil, fmt.Errorf("send role announce: %w", err)
	}

	deadline := n.clk.After(n.config.HandshakeTimeout)
	for {
		select {
		case <-ctx.Done():
			return nil, ErrCancelled

		case <-deadline:
			return nil, ErrPairingTimeout

		case msg, ok := <-ch.Recv():
			if !ok {
				if err := ch.Err(); err != nil {
					return nil, fmt.Errorf("handshake: %w", err)
				}
				return nil, fmt.Errorf("handshake: %w", link.ErrDisconnected)
			}
			if msg.Kind != link.KindRoleAnnounce {
				// Not handshake traffic; the peer may be ahead of us. Ignore.
				log.Debug().Str("kind", string(msg.Kind)).Msg("ignoring non-handshake message")
				continue
			}

			payload, err := link.ParsePayload(msg)
			if err != nil {
				return nil, fmt.Errorf("parse role announce: %w", err)
			}
			peer := payload.(link.RoleAnnouncePayload)

			if peer.Role == role {
				log.Warn().Str("role", string(role)).Msg("role conflict with peer")
				return nil, ErrRoleConflict
			}

			log.Info().
				Str("local_role", string(role)).
				Str("remote_device", peer.DeviceID).
				Msg("pairing established")

			return &Session{
				LocalRole:      role,
				LocalDeviceID:  n.deviceID,
				RemoteDeviceID: peer.DeviceID,
				Code:           code,
				Channel:        ch,
			}, nil
		}
	}
}

// HostWithCode acquires a session code from the relay, joins the relayed
// session as the given role and waits for a peer. The issued code is returned
// through the callback as soon as it is known so the UI can display it.
func (n *Negotiator) HostWithCode(ctx context.Context, nc *nats.Conn, natsConfig link.NATSConfig, role link.Role, onCode func(string)) (*Session, error) {
	ctx = n.arm(ctx)
	n.status.Publish(StatusAdvertising)

	code, err := relay.CreateCode(nc, n.deviceID, n.config.RelayTimeout)
	if err != nil {
		n.status.Publish(StatusFailed)
		return nil, fmt.Errorf("acquire session code: %w", err)
	}
	if onCode != nil {
		onCode(code)
	}

	ch, err := link.DialNATS(natsConfig, code, role)
	if err != nil {
		n.status.Publish(StatusFailed)
		return nil, err
	}

	n.status.Publish(StatusNegotiating)
	session, err := n.handshake(ctx, ch, role, code)
	if err != nil {
		ch.Close()
		n.status.Publish(StatusFailed)
		return nil, err
	}
	n.status.Publish(StatusPaired)
	return session, nil
}

// JoinWithCode resolves a 6-digit session code through the relay and joins
// the relayed session as the given role.
func (n *Negotiator) JoinWithCode(ctx context.Context, nc *nats.Conn, natsConfig link.NATSConfig, code string, role link.Role) (*Session, error) {
	ctx = n.arm(ctx)
	n.status.Publish(StatusConnecting)

	if _, err := relay.ResolveCode(nc, code, n.config.RelayTimeout); err != nil {
		n.status.Publish(StatusFailed)
		return nil, fmt.Errorf("resolve session code: %w", err)
	}

	ch, err := link.DialNATS(natsConfig, code, role)
	if err != nil {
		n.status.Publish(StatusFailed)
		return nil, err
	}

	n.status.Publish(StatusNegotiating)
	session, err := n.handshake(ctx, ch, role, code)
	if err != nil {
		ch.Close()
		n.status.Publish(StatusFailed)
		return nil, err
	}
	n.status.Publish(StatusPaired)
	return session, nil
}
