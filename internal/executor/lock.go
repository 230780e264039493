package executor

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrPreempted 普通下单在等待锁时遇到排队中的紧急平仓。
var ErrPreempted = errors.New("order preempted by emergency liquidation")

// OrderLock 是可选的全局下单互斥：同一时刻只有一笔订单在提交，
// 紧急平仓优先，普通订单遇到排队中的紧急单直接放弃。
type OrderLock struct {
	sem              chan struct{}
	waitingEmergency atomic.Int32
}

func NewOrderLock() *OrderLock {
	return &OrderLock{sem: make(chan struct{}, 1)}
}

// Acquire 返回释放函数。
func (l *OrderLock) Acquire(ctx context.Context, emergency bool) (func(), error) {
	if emergency {
		l.waitingEmergency.Add(1)
		defer l.waitingEmergency.Add(-1)
	} else if l.waitingEmergency.Load() > 0 {
		return nil, ErrPreempted
	}
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := func() { <-l.sem }
	if !emergency && l.waitingEmergency.Load() > 0 {
		release()
		return nil, ErrPreempted
	}
	return release, nil
}
