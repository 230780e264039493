// Package scheduler 驱动主决策周期：启动即执行一次，之后按策略周期重复，
// 可选对齐到 K 线收盘时间。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"autotrader/internal/logger"
)

var (
	ErrAlreadyRunning = errors.New("scheduler already running")
	// ErrStopping 上一次 Stop 的在途任务尚未退出，暂不能重新启动。
	ErrStopping = errors.New("scheduler is still draining")
	// ErrDrainTimeout 停止时在途任务未在限定时间内结束，已取消其 context。
	ErrDrainTimeout = errors.New("scheduler drain timed out")
)

const defaultDrainTimeout = 30 * time.Second

// Task 每个 tick 调用一次；并发 tick 的去重由任务自身（单飞）负责。
type Task func(ctx context.Context)

// Primary 是主周期调度器句柄，拥有自己的生命周期。
type Primary struct {
	name           string
	task           Task
	interval       atomic.Int64
	align          bool
	offset         time.Duration
	runImmediately bool
	drainTimeout   time.Duration
	nowFn          func() time.Time
	log            logger.Component

	mu         sync.Mutex
	running    bool
	draining   bool
	cancelLoop context.CancelFunc
	cancelRun  context.CancelFunc
	loopDone   chan struct{}
	inflight   sync.WaitGroup
}

type Option func(*Primary)

// WithAlignment 对齐到 K 线收盘后 offset 执行。
func WithAlignment(offset time.Duration) Option {
	return func(p *Primary) {
		p.align = true
		if offset > 0 {
			p.offset = offset
		}
	}
}

func WithDrainTimeout(d time.Duration) Option {
	return func(p *Primary) {
		if d > 0 {
			p.drainTimeout = d
		}
	}
}

// WithoutImmediateRun 关闭启动时立即执行。
func WithoutImmediateRun() Option {
	return func(p *Primary) { p.runImmediately = false }
}

func WithName(name string) Option {
	return func(p *Primary) { p.name = name }
}

func withClock(nowFn func() time.Time) Option {
	return func(p *Primary) { p.nowFn = nowFn }
}

func NewPrimary(task Task, interval time.Duration, opts ...Option) (*Primary, error) {
	if task == nil {
		return nil, fmt.Errorf("scheduler task is nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("invalid scheduler interval %s", interval)
	}
	p := &Primary{
		name:           "primary",
		task:           task,
		runImmediately: true,
		drainTimeout:   defaultDrainTimeout,
		nowFn:          time.Now,
	}
	p.interval.Store(int64(interval))
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.log = logger.For("scheduler." + p.name)
	return p, nil
}

func (p *Primary) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Primary) CurrentInterval() time.Duration {
	return time.Duration(p.interval.Load())
}

// SetInterval 从下一次等待开始生效。
func (p *Primary) SetInterval(d time.Duration) {
	if d > 0 {
		p.interval.Store(int64(d))
	}
}

// Start 启动调度循环，不阻塞。ctx 取消等同于停止接收新的 tick。
func (p *Primary) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyRunning
	}
	if p.draining {
		return ErrStopping
	}
	loopCtx, cancelLoop := context.WithCancel(ctx)
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	p.cancelLoop = cancelLoop
	p.cancelRun = cancelRun
	p.loopDone = make(chan struct{})
	p.running = true
	go p.loop(loopCtx, runCtx, p.loopDone)
	p.log.Infof("started interval=%s align=%v offset=%s run_immediately=%v",
		p.CurrentInterval(), p.align, p.offset, p.runImmediately)
	return nil
}

// Stop 停止接收 tick，等待在途任务结束；超过 drainTimeout 后取消任务 context
// 并返回 ErrDrainTimeout。
func (p *Primary) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancelLoop, cancelRun, loopDone := p.cancelLoop, p.cancelRun, p.loopDone
	p.running = false
	p.draining = true
	p.mu.Unlock()

	cancelLoop()
	<-loopDone

	drained := make(chan struct{})
	go func() {
		p.inflight.Wait()
		p.mu.Lock()
		p.draining = false
		p.mu.Unlock()
		close(drained)
	}()
	timer := time.NewTimer(p.drainTimeout)
	defer timer.Stop()
	select {
	case <-drained:
		cancelRun()
		p.log.Infof("stopped")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	cancelRun()
	p.log.Warnf("in-flight run did not finish within %s, context cancelled", p.drainTimeout)

	// 取消后再给任务一个 drainTimeout 的退出时间，仍不退出则放弃等待
	grace := time.NewTimer(p.drainTimeout)
	defer grace.Stop()
	select {
	case <-drained:
	case <-grace.C:
		p.log.Warnf("in-flight run ignores cancellation, giving up")
	case <-ctx.Done():
	}
	return ErrDrainTimeout
}

func (p *Primary) loop(ctx, runCtx context.Context, done chan struct{}) {
	defer close(done)
	startAt := p.nowFn().UTC()
	if p.runImmediately {
		p.dispatch(runCtx)
	}
	for {
		now := p.nowFn().UTC()
		wakeAt := p.nextWake(now)
		wait := wakeAt.Sub(now)
		p.log.Debugf("下次执行=%s (in %s) | uptime=%s",
			wakeAt.Format(time.RFC3339), wait.Truncate(time.Millisecond), now.Sub(startAt).Truncate(time.Second))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		p.dispatch(runCtx)
	}
}

// nextWake 对齐模式下为下一根 K 线收盘 + offset，否则为 now + interval。
func (p *Primary) nextWake(now time.Time) time.Time {
	interval := p.CurrentInterval()
	if !p.align {
		return now.Add(interval)
	}
	nextClose := now.Truncate(interval).Add(interval)
	wake := nextClose.Add(p.offset)
	if prev := nextClose.Add(-interval).Add(p.offset); prev.After(now) {
		wake = prev
	}
	return wake
}

func (p *Primary) dispatch(ctx context.Context) {
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				p.log.Errorf("task panic: %v", r)
			}
		}()
		p.task(ctx)
	}()
}
