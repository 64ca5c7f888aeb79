package link

import (
	"sync"
	"time"
)

// PipeOption tweaks the behavior of an in-memory pipe endpoint pair.
type PipeOption func(*pipeOpts)

type pipeOpts struct {
	buffer  int
	latency time.Duration
	drop    func(Message) bool
}

// WithPipeLatency delays every delivered message by d, simulating link
// latency.
func WithPipeLatency(d time.Duration) PipeOption {
	return func(o *pipeOpts) { o.latency = d }
}

// WithPipeDrop installs a loss predicate; messages for which it returns true
// are silently discarded, simulating packet loss.
func WithPipeDrop(drop func(Message) bool) PipeOption {
	return func(o *pipeOpts) { o.drop = drop }
}

// Pipe returns two connected in-memory channels, one per device. Used by
// tests and the simulator in place of a real transport. A full recv buffer
// drops messages, like the lossy radio it stands in for.
func Pipe(opts ...PipeOption) (Channel, Channel) {
	o := pipeOpts{buffer: 64}
	for _, opt := range opts {
		opt(&o)
	}

	a := &pipeEnd{opts: o, recv: make(chan Message, o.buffer), done: make(chan struct{})}
	b := &pipeEnd{opts: o, recv: make(chan Message, o.buffer), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

type pipeEnd struct {
	opts pipeOpts
	peer *pipeEnd
	done chan struct{}

	mu     sync.Mutex
	recv   chan Message
	closed bool
	err    error
}

func (p *pipeEnd) Send(msg Message) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if p.opts.drop != nil && p.opts.drop(msg) {
		return nil
	}
	if p.opts.latency > 0 {
		go func() {
			timer := time.NewTimer(p.opts.latency)
			defer timer.Stop()
			select {
			case <-timer.C:
				p.peer.deliver(msg)
			case <-p.done:
			}
		}()
		return nil
	}
	p.peer.deliver(msg)
	return nil
}

func (p *pipeEnd) deliver(msg Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.recv <- msg:
	default:
		// Buffer full: drop, never block the sender.
	}
}

func (p *pipeEnd) Recv() <-chan Message {
	return p.recv
}

// Close tears down both ends; the peer's Recv closes with ErrDisconnected.
func (p *pipeEnd) Close() error {
	p.closeEnd(nil)
	p.peer.closeEnd(ErrDisconnected)
	return nil
}

func (p *pipeEnd) closeEnd(cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.err = cause
	close(p.done)
	close(p.recv)
}

func (p *pipeEnd) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
