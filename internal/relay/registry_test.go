package relay

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndResolve(t *testing.T) {
	t.Parallel()

	r := NewRegistry(clockwork.NewFakeClock(), 5*time.Minute)

	code, err := r.Issue("host-1")
	require.NoError(t, err)
	assert.Len(t, code, codeDigits)
	assert.Regexp(t, `^\d{6}$`, code)

	host, err := r.Resolve(code)
	require.NoError(t, err)
	assert.Equal(t, "host-1", host)

	// Resolving is not consuming; a joiner may retry.
	host, err = r.Resolve(code)
	require.NoError(t, err)
	assert.Equal(t, "host-1", host)
}

func TestResolveUnknownCode(t *testing.T) {
	t.Parallel()

	r := NewRegistry(clockwork.NewFakeClock(), 5*time.Minute)
	_, err := r.Resolve("000000")
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestCodesExpire(t *testing.T) {
	t.Parallel()

	fake := clockwork.NewFakeClock()
	r := NewRegistry(fake, 5*time.Minute)

	code, err := r.Issue("host-1")
	require.NoError(t, err)

	fake.Advance(5 * time.Minute)
	_, err = r.Resolve(code)
	require.NoError(t, err, "code must survive exactly its ttl")

	fake.Advance(time.Second)
	_, err = r.Resolve(code)
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestRevoke(t *testing.T) {
	t.Parallel()

	r := NewRegistry(clockwork.NewFakeClock(), 5*time.Minute)
	code, err := r.Issue("host-1")
	require.NoError(t, err)

	r.Revoke(code)
	_, err = r.Resolve(code)
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestIssuedCodesAreUnique(t *testing.T) {
	t.Parallel()

	r := NewRegistry(clockwork.NewFakeClock(), 5*time.Minute)
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		code, err := r.Issue("host-1")
		require.NoError(t, err)
		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
}
