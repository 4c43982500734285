// Package retry re-invokes a fallible operation a bounded number of times.
// It knows nothing about what the operation does; callers decide which
// failures are worth another attempt.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Operation is one attempt. attempt counts from 1.
type Operation[T any] func(ctx context.Context, attempt int) (T, error)

type settings struct {
	newBackOff func() backoff.BackOff
	name       string
}

type Option func(*settings)

// WithBackOff sets the delay policy between attempts. The factory is called
// once per Do so stateful policies are never shared. The default is no
// delay.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(s *settings) { s.newBackOff = factory }
}

// WithName labels log lines for this call site.
func WithName(name string) Option {
	return func(s *settings) { s.name = name }
}

// Stop marks err as final: Do returns it (unwrapped) without further
// attempts.
func Stop(err error) error {
	return backoff.Permanent(err)
}

// Do calls op up to maxAttempts times in total and returns the first
// success, or the last failure exactly as op returned it. Values below 1
// mean a single attempt. Do imposes no timeout; if ctx ends between
// attempts the last operation error is returned.
func Do[T any](ctx context.Context, maxAttempts int, op Operation[T], opts ...Option) (T, error) {
	s := settings{newBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} }}
	for _, opt := range opts {
		opt(&s)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		attempt int
		lastErr error
	)
	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(maxAttempts-1)), ctx)

	res, err := backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		v, err := op(ctx, attempt)
		if err != nil {
			lastErr = err
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				lastErr = perm.Err
			}
		}
		return v, err
	}, b, func(err error, next time.Duration) {
		log.Debug().
			Err(err).
			Str("op", s.name).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("next", next).
			Msg("Attempt failed, retrying")
	})

	// Cancellation surfaces as ctx.Err from the backoff loop; hand back the
	// operation's own failure instead.
	if err != nil && lastErr != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return res, lastErr
	}
	return res, err
}
