package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/langchou/fleetmap/internal/metrics"
	"github.com/langchou/fleetmap/internal/models"
)

// DefaultSnapshotSubject 快照主题
const DefaultSnapshotSubject = "fleetmap.snapshots"

// NATSSource 订阅 NATS 快照主题，Fetch 返回最近收到的快照
type NATSSource struct {
	subject string
	logger  *zap.Logger
	sub     *nats.Subscription

	mu       sync.RWMutex
	latest   []*models.Vehicle
	received bool
}

// NewNATSSource 订阅快照主题
func NewNATSSource(nc *nats.Conn, subject string, logger *zap.Logger) (*NATSSource, error) {
	if subject == "" {
		subject = DefaultSnapshotSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &NATSSource{subject: subject, logger: logger}
	sub, err := nc.Subscribe(subject, s.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub

	logger.Info("Subscribed to snapshots", zap.String("subject", subject))
	return s, nil
}

func (s *NATSSource) handle(msg *nats.Msg) {
	var snapshot []*models.Vehicle
	if err := json.Unmarshal(msg.Data, &snapshot); err != nil {
		metrics.FeedErrors.WithLabelValues(s.Name()).Inc()
		s.logger.Warn("Invalid snapshot message", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}

	s.mu.Lock()
	s.latest = snapshot
	s.received = true
	s.mu.Unlock()
}

// Name 来源名称
func (s *NATSSource) Name() string {
	return "nats"
}

// Fetch 返回最近一次快照的副本
func (s *NATSSource) Fetch(ctx context.Context) ([]*models.Vehicle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.received {
		return nil, ErrNoSnapshot
	}
	return models.CloneAll(s.latest), nil
}

// Close 取消订阅
func (s *NATSSource) Close() error {
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", s.subject, err)
	}
	return nil
}

// Publish 发布一次完整快照
func Publish(nc *nats.Conn, subject string, snapshot []*models.Vehicle) error {
	if subject == "" {
		subject = DefaultSnapshotSubject
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
