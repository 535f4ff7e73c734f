package feed

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/langchou/fleetmap/internal/models"
	"github.com/langchou/fleetmap/internal/repository"
)

// VehicleStore 车辆存储
type VehicleStore interface {
	List(ctx context.Context) ([]*models.Vehicle, error)
	Upsert(ctx context.Context, v *models.Vehicle) error
}

// PositionStore 位置存储
type PositionStore interface {
	Create(ctx context.Context, vehicleID string, pos models.Position) error
	CreateBatch(ctx context.Context, vehicleID string, positions []models.Position) error
	ListRecent(ctx context.Context, limit int) (map[string][]models.Position, error)
	Prune(ctx context.Context, keep int) (int64, error)
}

var (
	_ VehicleStore  = (*repository.VehicleRepository)(nil)
	_ PositionStore = (*repository.PositionRepository)(nil)
)

// PostgresSource 从数据库读取快照
type PostgresSource struct {
	vehicles     VehicleStore
	positions    PositionStore
	historyLimit int
	logger       *zap.Logger
}

// NewPostgresSource 创建数据库来源
func NewPostgresSource(vehicles VehicleStore, positions PositionStore, historyLimit int, logger *zap.Logger) *PostgresSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresSource{
		vehicles:     vehicles,
		positions:    positions,
		historyLimit: historyLimit,
		logger:       logger,
	}
}

// Name 来源名称
func (s *PostgresSource) Name() string {
	return "postgres"
}

// Fetch 读取所有车辆的最新位置和最近历史
func (s *PostgresSource) Fetch(ctx context.Context) ([]*models.Vehicle, error) {
	vehicles, err := s.vehicles.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch vehicles: %w", err)
	}

	if s.historyLimit > 0 && len(vehicles) > 0 {
		history, err := s.positions.ListRecent(ctx, s.historyLimit)
		if err != nil {
			return nil, fmt.Errorf("fetch history: %w", err)
		}
		for _, v := range vehicles {
			v.History = history[v.ID]
		}
	}

	return vehicles, nil
}

// Seed 写入车辆及其历史，用于空库演示
func (s *PostgresSource) Seed(ctx context.Context, fleet []*models.Vehicle) error {
	for _, v := range fleet {
		if err := s.vehicles.Upsert(ctx, v); err != nil {
			return err
		}
		if err := s.positions.CreateBatch(ctx, v.ID, v.History); err != nil {
			return err
		}
		if err := s.positions.Create(ctx, v.ID, v.LastPosition); err != nil {
			return err
		}
	}
	s.logger.Info("Seeded vehicles", zap.Int("count", len(fleet)))
	return nil
}

// Archive 持久化快照中每辆车的最新位置
func (s *PostgresSource) Archive(ctx context.Context, snapshot []*models.Vehicle) error {
	for _, v := range snapshot {
		if err := s.vehicles.Upsert(ctx, v); err != nil {
			return err
		}
		if err := s.positions.Create(ctx, v.ID, v.LastPosition); err != nil {
			return err
		}
	}

	// 历史之外再留一条最新位置
	if s.historyLimit > 0 {
		n, err := s.positions.Prune(ctx, s.historyLimit+1)
		if err != nil {
			return err
		}
		if n > 0 {
			s.logger.Debug("Pruned positions", zap.Int64("count", n))
		}
	}
	return nil
}
