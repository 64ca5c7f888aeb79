package link

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds configuration for relay channels.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	RecvBuffer    int           `yaml:"recv_buffer"`
}

// DefaultNATSConfig returns the default relay channel configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		RecvBuffer:    64,
	}
}

// sessionSubject names the relay subject a given role transmits on within a
// session. The peer subscribes to the complementary subject.
func sessionSubject(code string, role Role) string {
	return fmt.Sprintf("gate.session.%s.%s", code, role)
}

// NATSChannel is a Channel relayed through a NATS server, used when the two
// devices cannot reach each other directly. Each session code maps to a pair
// of subjects, one per role.
type NATSChannel struct {
	nc  *nats.Conn
	sub *nats.Subscription
	out string

	inbox chan Message
	recv  chan Message

	closeOnce sync.Once
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

// DialNATS joins the relayed session identified by code, transmitting as the
// given role.
func DialNATS(config NATSConfig, code string, role Role) (*NATSChannel, error) {
	ch := &NATSChannel{
		out:   sessionSubject(code, role),
		inbox: make(chan Message, config.RecvBuffer),
		recv:  make(chan Message, config.RecvBuffer),
		done:  make(chan struct{}),
	}

	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("relay connection lost")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("relay reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			ch.shutdown(ErrDisconnected)
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to relay: %w", err)
	}
	ch.nc = nc

	// The callback only ever touches the inbox; the forwarder below owns the
	// recv channel and its close.
	sub, err := nc.Subscribe(sessionSubject(code, role.Other()), func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			log.Warn().Err(err).Msg("dropping malformed relay message")
			return
		}
		select {
		case ch.inbox <- msg:
		default:
			log.Warn().Str("kind", string(msg.Kind)).Msg("relay recv buffer full, dropping message")
		}
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe to session: %w", err)
	}
	ch.sub = sub

	go ch.forward()

	log.Info().Str("code", code).Str("role", string(role)).Msg("joined relayed session")
	return ch, nil
}

func (c *NATSChannel) forward() {
	defer close(c.recv)
	for {
		select {
		case msg := <-c.inbox:
			select {
			case c.recv <- msg:
			case <-c.done:
				return
			}
		case <-c.done:
			return
		}
	}
}

// Send publishes one message on the session's outbound subject.
func (c *NATSChannel) Send(msg Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := c.nc.Publish(c.out, data); err != nil {
		return fmt.Errorf("publish to relay: %w", err)
	}
	return nil
}

// Recv returns the inbound message stream.
func (c *NATSChannel) Recv() <-chan Message {
	return c.recv
}

// Close leaves the session and closes the Recv stream.
func (c *NATSChannel) Close() error {
	c.shutdown(nil)
	return nil
}

// Err reports why the Recv stream closed.
func (c *NATSChannel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *NATSChannel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()
		close(c.done)
		if c.sub != nil {
			c.sub.Unsubscribe()
		}
		c.nc.Close()
	})
}
