package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/langchou/fleetmap/internal/metrics"
	"github.com/langchou/fleetmap/internal/models"
)

var (
	// ErrInFlight 该车辆已有指令在途
	ErrInFlight = errors.New("command already in flight")
	// ErrDispatch 指令下发失败
	ErrDispatch = errors.New("command dispatch failed")
)

// Request 指令请求
type Request struct {
	ID        string             `json:"request_id"`
	VehicleID string             `json:"vehicle_id"`
	Kind      models.CommandKind `json:"kind"`
	SentAt    time.Time          `json:"sent_at"`
}

// Ack 指令确认
type Ack struct {
	RequestID string             `json:"request_id"`
	VehicleID string             `json:"vehicle_id"`
	Kind      models.CommandKind `json:"kind"`
	SentAt    time.Time          `json:"sent_at"`
	AckedAt   time.Time          `json:"acked_at"`
}

// Dispatcher 指令下发器，成功返回确认，失败返回传输错误
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (*Ack, error)
	Name() string
}

// Channel 指令通道
//
// 每辆车同一时间最多一条在途指令，不同车辆可以并发。
// 在途集合变化时通知观察者 (回调在锁外执行)。
type Channel struct {
	dispatcher Dispatcher
	clock      clock.PassiveClock
	logger     *zap.Logger

	mu        sync.Mutex
	inflight  map[string]Request
	observers []func(vehicleID string, loading bool)
}

// NewChannel 创建指令通道
func NewChannel(dispatcher Dispatcher, clk clock.PassiveClock, logger *zap.Logger) *Channel {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		dispatcher: dispatcher,
		clock:      clk,
		logger:     logger,
		inflight:   make(map[string]Request),
	}
}

// OnChange 注册在途状态观察者
func (c *Channel) OnChange(fn func(vehicleID string, loading bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Send 发送指令并等待确认
func (c *Channel) Send(ctx context.Context, vehicleID string, kind models.CommandKind) (*Ack, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidCommand, kind)
	}

	req := Request{
		ID:        uuid.NewString(),
		VehicleID: vehicleID,
		Kind:      kind,
		SentAt:    c.clock.Now(),
	}

	c.mu.Lock()
	if pending, ok := c.inflight[vehicleID]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s %s", ErrInFlight, vehicleID, pending.Kind)
	}
	c.inflight[vehicleID] = req
	c.mu.Unlock()
	c.notify(vehicleID, true)

	defer func() {
		c.mu.Lock()
		delete(c.inflight, vehicleID)
		c.mu.Unlock()
		c.notify(vehicleID, false)
	}()

	c.logger.Info("Sending command",
		zap.String("vehicle_id", vehicleID),
		zap.String("kind", string(kind)),
		zap.String("request_id", req.ID),
		zap.String("dispatcher", c.dispatcher.Name()),
	)

	ack, err := c.dispatcher.Dispatch(ctx, req)
	latency := c.clock.Since(req.SentAt)
	metrics.CommandLatency.WithLabelValues(string(kind)).Observe(latency.Seconds())

	if err != nil {
		metrics.CommandSentTotal.WithLabelValues("failed", string(kind)).Inc()
		c.logger.Warn("Command failed",
			zap.String("vehicle_id", vehicleID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %s to %s: %w", ErrDispatch, kind, vehicleID, err)
	}

	metrics.CommandSentTotal.WithLabelValues("success", string(kind)).Inc()
	c.logger.Info("Command acknowledged",
		zap.String("vehicle_id", vehicleID),
		zap.String("kind", string(kind)),
		zap.Duration("latency", latency),
	)
	return ack, nil
}

// IsLoading 该车辆是否有在途指令
func (c *Channel) IsLoading(vehicleID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[vehicleID]
	return ok
}

// LoadingIDs 所有有在途指令的车辆
func (c *Channel) LoadingIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.inflight))
	for id := range c.inflight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Channel) notify(vehicleID string, loading bool) {
	c.mu.Lock()
	observers := make([]func(string, bool), len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(vehicleID, loading)
	}
}
