// Package circuit 提供按连续失败计数熔断的断路器，用于隔离反复失败的顾问调用。
package circuit

import (
	"sync"
	"time"

	"autotrader/internal/logger"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker 在连续 threshold 次失败后打开，cooldown 之后放行一次试探调用。
// 试探成功则关闭，失败则重新打开。
type Breaker struct {
	mu          sync.Mutex
	name        string
	state       State
	failures    int
	threshold   int
	cooldown    time.Duration
	lastFailure time.Time
	probing     bool
	nowFn       func() time.Time
	onChange    func(name string, from, to State)
}

type Option func(*Breaker)

// WithClock 替换时间源（测试用）。
func WithClock(nowFn func() time.Time) Option {
	return func(b *Breaker) {
		if nowFn != nil {
			b.nowFn = nowFn
		}
	}
}

// WithStateChangeHandler 注册状态变更回调，回调在锁外同步执行。
func WithStateChangeHandler(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

func New(name string, threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	b := &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow 报告是否可以发起调用。半开状态下同一时刻只放行一个试探。
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var change func()
	allowed := false
	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.nowFn().Sub(b.lastFailure) >= b.cooldown {
			change = b.transitionLocked(StateHalfOpen)
			b.probing = true
			allowed = true
		}
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			allowed = true
		}
	}
	b.mu.Unlock()
	if change != nil {
		change()
	}
	return allowed
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var change func()
	b.failures = 0
	b.probing = false
	if b.state != StateClosed {
		change = b.transitionLocked(StateClosed)
	}
	b.mu.Unlock()
	if change != nil {
		change()
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var change func()
	b.failures++
	b.lastFailure = b.nowFn()
	b.probing = false
	switch b.state {
	case StateClosed:
		if b.failures >= b.threshold {
			change = b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		change = b.transitionLocked(StateOpen)
	}
	b.mu.Unlock()
	if change != nil {
		change()
	}
}

func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	b.state = to
	name, failures, threshold, cooldown := b.name, b.failures, b.threshold, b.cooldown
	handler := b.onChange
	return func() {
		if handler != nil {
			handler(name, from, to)
			return
		}
		logger.Warnf("circuit %s: %s -> %s (failures=%d/%d, cooldown=%s)",
			name, from, to, failures, threshold, cooldown)
	}
}
