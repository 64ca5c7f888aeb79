// Package clock provides the monotonic millisecond timebase shared by the
// sync engine, the crossing detector and the race coordinator.
//
// All timestamps exchanged between devices are Mono values: milliseconds on a
// device-local monotonic clock with an arbitrary epoch. They carry no
// wall-clock meaning and are only comparable across devices after applying a
// measured offset.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Mono is a device-local monotonic timestamp in milliseconds.
type Mono int64

// Millis converts a duration to whole milliseconds.
func Millis(d time.Duration) int64 {
	return d.Milliseconds()
}

// Source produces Mono timestamps from a clockwork clock. The epoch is the
// moment the Source was created; only differences between Mono values are
// meaningful.
type Source struct {
	clk   clockwork.Clock
	epoch time.Time
}

// NewSource returns a Source backed by the given clock. In production pass
// clockwork.NewRealClock(); tests pass a FakeClock and advance it manually.
func NewSource(clk clockwork.Clock) *Source {
	return &Source{clk: clk, epoch: clk.Now()}
}

// Now returns the current monotonic timestamp.
func (s *Source) Now() Mono {
	return Mono(s.clk.Since(s.epoch).Milliseconds())
}

// Clock exposes the underlying clockwork clock for timer construction.
func (s *Source) Clock() clockwork.Clock {
	return s.clk
}
