package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	t.Parallel()

	f := New[int](4)
	a, cancelA := f.Subscribe()
	b, cancelB := f.Subscribe()
	defer cancelA()
	defer cancelB()

	f.Publish(7)
	assert.Equal(t, 7, <-a)
	assert.Equal(t, 7, <-b)
}

func TestSlowSubscriberLosesOldestFirst(t *testing.T) {
	t.Parallel()

	f := New[int](2)
	ch, cancel := f.Subscribe()
	defer cancel()

	for i := 1; i <= 5; i++ {
		f.Publish(i)
	}

	// The two newest values survive.
	assert.Equal(t, 4, <-ch)
	assert.Equal(t, 5, <-ch)
}

func TestCancelStopsDelivery(t *testing.T) {
	t.Parallel()

	f := New[string](2)
	ch, cancel := f.Subscribe()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic.
	f.Publish("late")
}

func TestCloseClosesSubscribers(t *testing.T) {
	t.Parallel()

	f := New[int](2)
	ch, cancel := f.Subscribe()
	defer cancel()

	f.Close()
	_, open := <-ch
	require.False(t, open)

	// Subscribing after close yields a closed channel.
	late, _ := f.Subscribe()
	_, open = <-late
	assert.False(t, open)
}
