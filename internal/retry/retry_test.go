package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type codedError struct {
	code int
}

func (e *codedError) Error() string { return "coded" }

func TestFirstSuccessReturned(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), 3, func(context.Context, int) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 1, calls)
}

func TestSucceedsAfterFailures(t *testing.T) {
	var attempts []int
	v, err := Do(context.Background(), 3, func(_ context.Context, attempt int) (int, error) {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestLastErrorReturnedUntransformed(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), 2, func(context.Context, int) (struct{}, error) {
		calls++
		return struct{}{}, &codedError{code: calls}
	})
	assert.Equal(t, 2, calls)

	var ce *codedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, ce.code)
	assert.Same(t, ce, err.(*codedError))
}

func TestAttemptFloor(t *testing.T) {
	for _, n := range []int{0, -3, 1} {
		calls := 0
		_, err := Do(context.Background(), n, func(context.Context, int) (int, error) {
			calls++
			return 0, errors.New("fail")
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls, "maxAttempts=%d", n)
	}
}

func TestStopEndsEarlyWithOriginalError(t *testing.T) {
	sentinel := errors.New("not retryable")
	calls := 0
	_, err := Do(context.Background(), 5, func(context.Context, int) (int, error) {
		calls++
		return 0, Stop(sentinel)
	})
	assert.Equal(t, 1, calls)
	assert.Same(t, sentinel, err)
}

func TestCancelledContextReturnsOperationError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opErr := errors.New("server down")
	calls := 0
	_, err := Do(ctx, 5, func(context.Context, int) (int, error) {
		calls++
		cancel()
		return 0, opErr
	}, WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(time.Hour) }))

	assert.Equal(t, 1, calls)
	assert.Same(t, opErr, err)
}

func TestBackOffApplied(t *testing.T) {
	start := time.Now()
	_, err := Do(context.Background(), 3, func(context.Context, int) (int, error) {
		return 0, errors.New("fail")
	}, WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(20 * time.Millisecond) }), WithName("test"))
	assert.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}
