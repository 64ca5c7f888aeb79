package link

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WSConfig holds configuration for websocket channels.
type WSConfig struct {
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	SendBuffer     int           `yaml:"send_buffer"`
}

// DefaultWSConfig returns the default websocket channel configuration.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   20 * time.Second,
		MaxMessageSize: 4096,
		SendBuffer:     64,
	}
}

// WSChannel is a Channel over a single websocket connection. One side hosts
// (Upgrade), the other dials (DialWS); after that both ends are symmetric.
type WSChannel struct {
	conn   *websocket.Conn
	config WSConfig

	send chan Message
	recv chan Message

	closeOnce sync.Once
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

// DialWS connects to a hosting device at the given ws:// URL.
func DialWS(ctx context.Context, url string, config WSConfig) (*WSChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newWSChannel(conn, config), nil
}

// Upgrade turns an inbound HTTP request on the hosting device into a channel.
func Upgrade(w http.ResponseWriter, r *http.Request, config WSConfig) (*WSChannel, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade connection: %w", err)
	}
	return newWSChannel(conn, config), nil
}

func newWSChannel(conn *websocket.Conn, config WSConfig) *WSChannel {
	ch := &WSChannel{
		conn:   conn,
		config: config,
		send:   make(chan Message, config.SendBuffer),
		recv:   make(chan Message, config.SendBuffer),
		done:   make(chan struct{}),
	}
	go ch.writePump()
	go ch.readPump()
	return ch
}

// Send queues a message for transmission.
func (c *WSChannel) Send(msg Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Recv returns the inbound message stream.
func (c *WSChannel) Recv() <-chan Message {
	return c.recv
}

// Close shuts the connection down and closes the Recv stream.
func (c *WSChannel) Close() error {
	c.shutdown(nil)
	return nil
}

// Err reports why the Recv stream closed.
func (c *WSChannel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *WSChannel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

// writePump serializes all writes to the connection and keeps the peer alive
// with pings.
func (c *WSChannel) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Error().Err(err).Msg("websocket write failed")
				c.shutdown(ErrDisconnected)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Msg("websocket ping failed")
				c.shutdown(ErrDisconnected)
				return
			}
		}
	}
}

// readPump decodes inbound frames onto the recv channel.
func (c *WSChannel) readPump() {
	defer close(c.recv)

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
				// Local close, not a transport fault.
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error().Err(err).Msg("unexpected websocket close")
				}
				c.shutdown(ErrDisconnected)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		select {
		case c.recv <- msg:
		case <-c.done:
			return
		}
	}
}
