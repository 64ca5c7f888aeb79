// Package relay implements the session-code fallback used when the two
// devices cannot discover each other directly. A hosting device asks the
// relay for a 6-digit code; the joining device resolves the code and both
// sides meet on relayed subjects.
package relay

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	// ErrCodeNotFound is returned when a session code is unknown or expired.
	ErrCodeNotFound = errors.New("relay: session code not found")

	// ErrCodeSpaceExhausted is returned when no free code can be found.
	ErrCodeSpaceExhausted = errors.New("relay: could not allocate a session code")
)

const codeDigits = 6

// Registry issues and resolves short-lived numeric session codes.
type Registry struct {
	clk clockwork.Clock
	ttl time.Duration

	mu    sync.Mutex
	codes map[string]entry
}

type entry struct {
	hostDeviceID string
	issuedAt     time.Time
}

// NewRegistry returns a Registry whose codes expire after ttl unclaimed.
func NewRegistry(clk clockwork.Clock, ttl time.Duration) *Registry {
	return &Registry{
		clk:   clk,
		ttl:   ttl,
		codes: make(map[string]entry),
	}
}

// Issue allocates a fresh 6-digit code bound to the hosting device.
func (r *Registry) Issue(hostDeviceID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	for attempt := 0; attempt < 32; attempt++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		if _, taken := r.codes[code]; taken {
			continue
		}
		r.codes[code] = entry{hostDeviceID: hostDeviceID, issuedAt: r.clk.Now()}
		return code, nil
	}
	return "", ErrCodeSpaceExhausted
}

// Resolve looks a code up and returns the hosting device's ID. The code stays
// valid until it expires, so a joiner can retry after a transport hiccup.
func (r *Registry) Resolve(code string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	e, ok := r.codes[code]
	if !ok {
		return "", ErrCodeNotFound
	}
	return e.hostDeviceID, nil
}

// Revoke removes a code, typically when the hosting device cancels pairing.
func (r *Registry) Revoke(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.codes, code)
}

func (r *Registry) sweepLocked() {
	now := r.clk.Now()
	for code, e := range r.codes {
		if now.Sub(e.issuedAt) > r.ttl {
			delete(r.codes, code)
		}
	}
}

func randomCode() (string, error) {
	max := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
