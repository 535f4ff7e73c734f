package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// ErrStopped 事件循环已停止
var ErrStopped = errors.New("event loop stopped")

const defaultQueueSize = 256

// Loop 单 goroutine 事件循环
//
// 所有投递的函数按顺序在同一个 goroutine 中执行完毕后才处理下一个，
// 定时器只负责把回调投递回循环，不直接修改状态。
type Loop struct {
	logger *zap.Logger
	clock  clock.WithTicker

	events   chan func()
	done     chan struct{}
	stopOnce sync.Once
	runOnce  sync.Once
}

// New 创建事件循环
func New(clk clock.WithTicker, logger *zap.Logger) *Loop {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		logger: logger,
		clock:  clk,
		events: make(chan func(), defaultQueueSize),
		done:   make(chan struct{}),
	}
}

// Clock 循环使用的时钟
func (l *Loop) Clock() clock.WithTicker {
	return l.clock
}

// Run 运行事件循环，直到 ctx 取消或 Stop 被调用
func (l *Loop) Run(ctx context.Context) {
	started := false
	l.runOnce.Do(func() { started = true })
	if !started {
		l.logger.Warn("Event loop already running")
		return
	}

	l.logger.Debug("Event loop started")
	defer l.logger.Debug("Event loop stopped")

	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return
		case <-l.done:
			return
		case fn := <-l.events:
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Recovered panic in event loop", zap.Any("panic", r))
		}
	}()
	fn()
}

// Stop 停止事件循环，重复调用无副作用
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// Done 循环停止后关闭
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post 投递函数，循环已停止时返回 false
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}

	select {
	case l.events <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do 投递函数并等待执行完成
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	ok := l.Post(func() {
		defer close(finished)
		fn()
	})
	if !ok {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return fmt.Errorf("wait for event loop: %w", ctx.Err())
	}
}

// AfterFunc 延迟 d 后把 fn 投递到循环，返回的 cancel 可重复调用
func (l *Loop) AfterFunc(d time.Duration, fn func()) (cancel func()) {
	timer := l.clock.NewTimer(d)
	stop := make(chan struct{})
	var once sync.Once

	go func() {
		select {
		case <-timer.C():
			l.Post(func() {
				select {
				case <-stop:
					// 已取消但回调已在队列中
				default:
					fn()
				}
			})
		case <-stop:
			timer.Stop()
		case <-l.done:
			timer.Stop()
		}
	}()

	return func() {
		once.Do(func() { close(stop) })
	}
}

// Every 立即执行一次 task，之后每隔 d 执行一次；task 在独立 goroutine 中运行，
// 通常只负责拉取数据再投递回循环。返回的 cancel 可重复调用。
func (l *Loop) Every(d time.Duration, task func(ctx context.Context)) (cancel func()) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	ticker := l.clock.NewTicker(d)
	var once sync.Once

	go func() {
		defer ticker.Stop()

		task(ctx)
		for {
			select {
			case <-ticker.C():
				if ctx.Err() != nil {
					return
				}
				task(ctx)
			case <-ctx.Done():
				return
			case <-l.done:
				return
			}
		}
	}()

	return func() {
		once.Do(cancelCtx)
	}
}
