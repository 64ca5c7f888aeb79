package clock

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestSourceNow(t *testing.T) {
	t.Parallel()

	fake := clockwork.NewFakeClock()
	src := NewSource(fake)

	assert.Equal(t, Mono(0), src.Now())

	fake.Advance(1500 * time.Millisecond)
	assert.Equal(t, Mono(1500), src.Now())

	fake.Advance(250 * time.Microsecond)
	// Sub-millisecond advances truncate.
	assert.Equal(t, Mono(1500), src.Now())
}

func TestSourceEpochIsPerSource(t *testing.T) {
	t.Parallel()

	fake := clockwork.NewFakeClock()
	a := NewSource(fake)
	fake.Advance(5 * time.Second)
	b := NewSource(fake)

	fake.Advance(1 * time.Second)
	assert.Equal(t, Mono(6000), a.Now())
	assert.Equal(t, Mono(1000), b.Now())
}
