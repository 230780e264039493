package retry

import (
	"context"
	"math"
	"time"

	"autotrader/internal/logger"

	"github.com/jpillora/backoff"
)

// Policy bounds a retried call. MaxDelay <= 0 leaves the exponential delay uncapped.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Executor runs operations under a Policy. The zero value is not usable; use New.
type Executor struct {
	policy    Policy
	classify  func(error) bool
	sleep     func(context.Context, time.Duration) error
	onRetry   func(attempt int, delay time.Duration, err error)
	component logger.Component
}

type Option func(*Executor)

// WithClassifier replaces Retryable, e.g. to treat an extra kind as transient.
func WithClassifier(fn func(error) bool) Option {
	return func(e *Executor) {
		if fn != nil {
			e.classify = fn
		}
	}
}

// WithSleep swaps the backoff sleeper; tests use it to record delays.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

func WithRetryHook(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(e *Executor) { e.onRetry = fn }
}

func New(p Policy, opts ...Option) *Executor {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	e := &Executor{
		policy:    p,
		classify:  Retryable,
		sleep:     sleepWithContext,
		component: logger.For("retry"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Policy() Policy { return e.policy }

// Delay is the wait after the given zero-based failed attempt: InitialDelay * 2^attempt.
func (e *Executor) Delay(attempt int) time.Duration {
	if e.policy.InitialDelay <= 0 {
		return 0
	}
	maxDelay := e.policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Duration(math.MaxInt64)
	}
	b := &backoff.Backoff{
		Min:    e.policy.InitialDelay,
		Max:    maxDelay,
		Factor: 2,
		Jitter: false,
	}
	return b.ForAttempt(float64(attempt))
}

// Do runs op until it succeeds, fails with a non-retryable error, or runs out of
// attempts. The error returned is always the last one op produced.
func Do[T any](ctx context.Context, e *Executor, op func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !e.classify(err) {
			return zero, err
		}
		if attempt == e.policy.MaxAttempts-1 {
			break
		}
		delay := e.Delay(attempt)
		if e.onRetry != nil {
			e.onRetry(attempt+1, delay, err)
		} else {
			e.component.Warnf("attempt %d/%d failed, retry in %s: %v", attempt+1, e.policy.MaxAttempts, delay, err)
		}
		if serr := e.sleep(ctx, delay); serr != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

// Run is the one-shot form of Do.
func Run[T any](ctx context.Context, op func(context.Context) (T, error), maxAttempts int, initialDelay time.Duration) (T, error) {
	return Do(ctx, New(Policy{MaxAttempts: maxAttempts, InitialDelay: initialDelay}), op)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
