// Package link abstracts the bidirectional message transport between the two
// timing-gate devices. Pairing, clock sync and race coordination speak only to
// the Channel interface; the concrete transport (direct websocket, NATS relay,
// in-memory pipe) is chosen at wiring time.
package link

import "errors"

var (
	// ErrClosed is returned by Send after Close has been called locally.
	ErrClosed = errors.New("link: channel closed")

	// ErrDisconnected is reported by Err when the transport dropped the
	// connection underneath us.
	ErrDisconnected = errors.New("link: peer disconnected")
)

// Channel is a bidirectional message transport to the paired device.
//
// Recv's channel is closed when the transport shuts down, either because
// Close was called or because the peer went away; Err distinguishes the two.
// Implementations must make Send safe for concurrent use.
type Channel interface {
	// Send transmits one message to the peer.
	Send(Message) error

	// Recv returns the inbound message stream. The same channel is returned
	// on every call.
	Recv() <-chan Message

	// Close tears the transport down and releases the Recv stream.
	Close() error

	// Err reports why the Recv stream closed, nil for a clean local Close.
	Err() error
}
