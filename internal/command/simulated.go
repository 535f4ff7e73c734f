package command

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// DefaultLatency 模拟网络往返延迟
const DefaultLatency = 2 * time.Second

// SimulatedDispatcher 固定延迟后确认的模拟下发器
type SimulatedDispatcher struct {
	clock   clock.Clock
	latency time.Duration
	logger  *zap.Logger
	fail    func(req Request) error
}

// NewSimulatedDispatcher 创建模拟下发器
func NewSimulatedDispatcher(clk clock.Clock, latency time.Duration, logger *zap.Logger) *SimulatedDispatcher {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimulatedDispatcher{clock: clk, latency: latency, logger: logger}
}

// WithFailure 设置失败注入，返回非 nil 时本次下发失败
func (d *SimulatedDispatcher) WithFailure(fn func(req Request) error) *SimulatedDispatcher {
	d.fail = fn
	return d
}

// Name 下发器名称
func (d *SimulatedDispatcher) Name() string {
	return "simulated"
}

// Dispatch 等待固定延迟后返回确认
func (d *SimulatedDispatcher) Dispatch(ctx context.Context, req Request) (*Ack, error) {
	if d.latency > 0 {
		timer := d.clock.NewTimer(d.latency)
		defer timer.Stop()

		select {
		case <-timer.C():
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for ack: %w", ctx.Err())
		}
	} else if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("wait for ack: %w", err)
	}

	if d.fail != nil {
		if err := d.fail(req); err != nil {
			return nil, err
		}
	}

	d.logger.Debug("Simulated ack",
		zap.String("vehicle_id", req.VehicleID),
		zap.String("request_id", req.ID),
	)
	return &Ack{
		RequestID: req.ID,
		VehicleID: req.VehicleID,
		Kind:      req.Kind,
		SentAt:    req.SentAt,
		AckedAt:   d.clock.Now(),
	}, nil
}
