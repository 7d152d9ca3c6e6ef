package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/overwatch/pkg/log"
	"github.com/rs/zerolog"
)

const minInterval = 10 * time.Millisecond

// ErrTimeout is returned when a probe never succeeded within the timeout.
// It is an ordinary outcome callers are expected to check for.
var ErrTimeout = errors.New("timed out waiting for probe to succeed")

// Probe is one readiness attempt. It reports ok=true with a value on
// success. A returned error counts as a failed attempt; it is logged and
// never propagated.
type Probe[T any] func(ctx context.Context) (value T, ok bool, err error)

// FailureFunc observes a failed attempt. It is only called for attempts
// after the first and cannot influence the loop.
type FailureFunc func(elapsed time.Duration)

// TimeoutError carries the details of an exhausted wait. It matches
// ErrTimeout with errors.Is.
type TimeoutError struct {
	Operation string
	Attempts  int
	Elapsed   time.Duration
	LastErr   error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s: %s after %d attempts (%s)", e.Operation, ErrTimeout.Error(), e.Attempts, e.Elapsed.Round(time.Millisecond))
	if e.LastErr != nil {
		msg += ": last error: " + e.LastErr.Error()
	}
	return msg
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

func (e *TimeoutError) Unwrap() error {
	return e.LastErr
}

// Option customizes a single Attempt call
type Option func(*options)

type options struct {
	operation string
	onFailure FailureFunc
	logger    *zerolog.Logger
}

// WithOperation names the wait in logs and in the TimeoutError.
func WithOperation(name string) Option {
	return func(o *options) { o.operation = name }
}

// OnFailure registers an observer for failed attempts after the first.
func OnFailure(fn FailureFunc) Option {
	return func(o *options) { o.onFailure = fn }
}

// WithLogger overrides the logger used for failed attempts.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// Attempt runs probe immediately and then every interval until it succeeds
// or timeout has elapsed since the first attempt. The last attempt is
// scheduled no later than the deadline, so a probe that never succeeds
// returns roughly at timeout and never before it.
//
// Every call owns its own timer; concurrent calls sharing a probe function
// do not interact. Cancelling ctx ends the wait early with ctx.Err().
func Attempt[T any](ctx context.Context, interval, timeout time.Duration, probe Probe[T], opts ...Option) (T, error) {
	o := options{operation: "retry"}
	for _, opt := range opts {
		opt(&o)
	}
	logger := log.WithComponent("retry")
	if o.logger != nil {
		logger = *o.logger
	}

	if interval <= 0 {
		interval = minInterval
	}

	var zero T
	start := time.Now()
	attempts := 0
	var lastErr error

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		attempts++
		value, ok, err := probe(ctx)
		if err == nil && ok {
			return value, nil
		}

		elapsed := time.Since(start)
		if err != nil {
			lastErr = err
			logger.Debug().
				Err(err).
				Str("operation", o.operation).
				Int("attempt", attempts).
				Dur("elapsed", elapsed).
				Msg("Probe attempt failed")
		}
		if attempts > 1 && o.onFailure != nil {
			o.onFailure(elapsed)
		}

		if elapsed >= timeout {
			return zero, &TimeoutError{
				Operation: o.operation,
				Attempts:  attempts,
				Elapsed:   elapsed,
				LastErr:   lastErr,
			}
		}

		wait := interval
		if remaining := timeout - elapsed; remaining < wait {
			wait = remaining
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

// Until is Attempt for probes that only report readiness.
func Until(ctx context.Context, interval, timeout time.Duration, cond func(ctx context.Context) (bool, error), opts ...Option) error {
	_, err := Attempt(ctx, interval, timeout, func(ctx context.Context) (struct{}, bool, error) {
		ok, err := cond(ctx)
		return struct{}{}, ok, err
	}, opts...)
	return err
}
