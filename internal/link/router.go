package link

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Router fans a channel's inbound stream out to per-kind handlers, so that
// pairing, clock sync and race coordination can share one link without
// stealing each other's messages.
//
// Handlers run on the router goroutine and must not block; anything slow
// hands off to its own goroutine or channel.
type Router struct {
	ch Channel

	mu       sync.RWMutex
	handlers map[MessageKind]func(Message)
}

// NewRouter returns a router over the given channel.
func NewRouter(ch Channel) *Router {
	return &Router{
		ch:       ch,
		handlers: make(map[MessageKind]func(Message)),
	}
}

// Handle registers the handler for a message kind, replacing any previous
// one.
func (r *Router) Handle(kind MessageKind, fn func(Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = fn
}

// Run dispatches inbound messages until the channel closes or ctx ends. It
// returns the channel's Err when the transport dropped, nil otherwise.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-r.ch.Recv():
			if !ok {
				return r.ch.Err()
			}
			r.mu.RLock()
			fn := r.handlers[msg.Kind]
			r.mu.RUnlock()
			if fn == nil {
				log.Debug().Str("kind", string(msg.Kind)).Msg("no handler for message kind")
				continue
			}
			fn(msg)
		}
	}
}
