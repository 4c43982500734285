package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exercisePort(t *testing.T, p Port) {
	t.Helper()

	_, ok, err := p.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, p.Set("k", "v1"))
	require.NoError(t, p.Set("k", "v2"))
	v, ok, err := p.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)

	require.NoError(t, p.Remove("k"))
	_, ok, err = p.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)

	// removing a missing key is not an error
	assert.NoError(t, p.Remove("k"))
}

func TestMemoryPort(t *testing.T) {
	exercisePort(t, NewMemory())
}

func TestPrefixedIsolatesProfiles(t *testing.T) {
	base := NewMemory()
	alice := NewPrefixed(base, "alice:")
	bob := NewPrefixed(base, "bob:")

	require.NoError(t, alice.Set(KeyUserID, "alice@example.com"))

	_, ok, _ := bob.Get(KeyUserID)
	assert.False(t, ok)

	v, ok, _ := base.Get("alice:" + KeyUserID)
	assert.True(t, ok)
	assert.Equal(t, "alice@example.com", v)
}

type brokenPort struct {
	failSet bool
	failGet bool
	calls   int
}

func (b *brokenPort) Get(string) (string, bool, error) {
	b.calls++
	if b.failGet {
		return "", false, ErrUnavailable
	}
	return "", false, nil
}

func (b *brokenPort) Set(string, string) error {
	b.calls++
	if b.failSet {
		return ErrUnavailable
	}
	return nil
}

func (b *brokenPort) Remove(string) error {
	b.calls++
	return nil
}

func TestFallbackDegradesOnFailedProbe(t *testing.T) {
	primary := &brokenPort{failSet: true}
	f := WithFallback(primary)
	assert.True(t, f.Degraded())

	calls := primary.calls
	require.NoError(t, f.Set("k", "v"))
	v, ok, err := f.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	assert.Equal(t, calls, primary.calls, "degraded wrapper must not touch primary")
}

func TestFallbackDegradesOnLaterFailure(t *testing.T) {
	primary := &brokenPort{}
	f := WithFallback(primary)
	require.False(t, f.Degraded())

	primary.failGet = true
	_, ok, err := f.Get("k")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, f.Degraded())
}

func TestFallbackNilPrimary(t *testing.T) {
	f := WithFallback(nil)
	assert.True(t, f.Degraded())
	exercisePort(t, f)
}

func TestRedisUnreachableFallsBackToMemory(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })

	r := NewRedis(client, "waitlist:test:", time.Minute)
	err := r.Set("k", "v")
	require.Error(t, err)
	assert.False(t, errors.Is(err, redis.Nil))

	f := WithFallback(r)
	assert.True(t, f.Degraded())
	exercisePort(t, f)
}
