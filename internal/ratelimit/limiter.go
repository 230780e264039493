// Package ratelimit admits at most Limit calls in any rolling window.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter keeps the admission times of the last Limit calls. Callers over
// quota are delayed until the oldest admission leaves the window, never rejected.
type Limiter struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	log  []time.Time // 环形缓冲，head 指向最早的一次放行
	head int

	nowFn   func() time.Time
	sleepFn func(context.Context, time.Duration) error
}

// New returns a limiter admitting limit calls per window. limit <= 0 disables limiting.
func New(limit int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		nowFn:   time.Now,
		sleepFn: sleepContext,
	}
}

func (l *Limiter) Limit() int             { return l.limit }
func (l *Limiter) Window() time.Duration { return l.window }

// TryAcquire admits the caller if the rolling window still has quota.
func (l *Limiter) TryAcquire() bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, _ := l.admitLocked(l.nowFn())
	return ok
}

// Acquire blocks until admitted. The only early return is ctx cancellation.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil || l.limit <= 0 {
		return nil
	}
	for {
		l.mu.Lock()
		ok, wait := l.admitLocked(l.nowFn())
		l.mu.Unlock()
		if ok {
			return nil
		}
		if err := l.sleepFn(ctx, wait); err != nil {
			return err
		}
	}
}

// admitLocked records now if fewer than limit admissions fall inside
// (now-window, now]; otherwise it reports how long until the oldest one expires.
func (l *Limiter) admitLocked(now time.Time) (bool, time.Duration) {
	if len(l.log) < l.limit {
		l.log = append(l.log, now)
		return true, 0
	}
	oldest := l.log[l.head]
	if elapsed := now.Sub(oldest); elapsed < l.window {
		return false, l.window - elapsed
	}
	l.log[l.head] = now
	l.head = (l.head + 1) % l.limit
	return true, 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
