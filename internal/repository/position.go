package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/fleetmap/internal/models"
)

// PositionRepository 位置数据仓库
type PositionRepository struct {
	db *DB
}

// NewPositionRepository 创建位置仓库
func NewPositionRepository(db *DB) *PositionRepository {
	return &PositionRepository{db: db}
}

const insertPositionQuery = `
	INSERT INTO positions (vehicle_id, latitude, longitude, speed, course, ignition, voltage, recorded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

// Create 创建位置记录
func (r *PositionRepository) Create(ctx context.Context, vehicleID string, pos models.Position) error {
	_, err := r.db.Pool.Exec(ctx, insertPositionQuery,
		vehicleID,
		pos.Lat,
		pos.Lng,
		pos.Speed,
		pos.Course,
		pos.Ignition,
		pos.Voltage,
		pos.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// CreateBatch 批量写入位置记录
func (r *PositionRepository) CreateBatch(ctx context.Context, vehicleID string, positions []models.Position) error {
	if len(positions) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, pos := range positions {
		batch.Queue(insertPositionQuery,
			vehicleID, pos.Lat, pos.Lng, pos.Speed, pos.Course, pos.Ignition, pos.Voltage, pos.Timestamp,
		)
	}

	if err := r.db.Pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert positions batch: %w", err)
	}
	return nil
}

// ListRecent 获取每辆车最近 limit 条位置 (不含最新一条)，按时间升序
func (r *PositionRepository) ListRecent(ctx context.Context, limit int) (map[string][]models.Position, error) {
	query := `
		SELECT vehicle_id, latitude, longitude, speed, course, ignition, voltage, recorded_at
		FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY vehicle_id ORDER BY recorded_at DESC) AS rn
			FROM positions
		) ranked
		WHERE rn > 1 AND rn <= $1 + 1
		ORDER BY vehicle_id, recorded_at
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent positions: %w", err)
	}
	defer rows.Close()

	history := make(map[string][]models.Position)
	for rows.Next() {
		var vehicleID string
		var pos models.Position
		err := rows.Scan(
			&vehicleID,
			&pos.Lat,
			&pos.Lng,
			&pos.Speed,
			&pos.Course,
			&pos.Ignition,
			&pos.Voltage,
			&pos.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		history[vehicleID] = append(history[vehicleID], pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}

	return history, nil
}

// Prune 每辆车只保留最近 keep 条位置
func (r *PositionRepository) Prune(ctx context.Context, keep int) (int64, error) {
	query := `
		DELETE FROM positions WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY vehicle_id ORDER BY recorded_at DESC) AS rn
				FROM positions
			) ranked WHERE rn > $1
		)
	`
	tag, err := r.db.Pool.Exec(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("prune positions: %w", err)
	}
	return tag.RowsAffected(), nil
}
