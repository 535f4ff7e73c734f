package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/fleetmap/internal/models"
)

// VehicleRepository 车辆数据仓库
type VehicleRepository struct {
	db *DB
}

// NewVehicleRepository 创建车辆仓库
func NewVehicleRepository(db *DB) *VehicleRepository {
	return &VehicleRepository{db: db}
}

// Upsert 创建或更新车辆
func (r *VehicleRepository) Upsert(ctx context.Context, v *models.Vehicle) error {
	query := `
		INSERT INTO vehicles (id, name, plate, model, driver, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			plate = EXCLUDED.plate,
			model = EXCLUDED.model,
			driver = EXCLUDED.driver,
			status = EXCLUDED.status,
			updated_at = NOW()
		RETURNING updated_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		v.ID, v.Name, v.Plate, v.Model, v.Driver, v.Status,
	).Scan(&v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert vehicle: %w", err)
	}
	return nil
}

const listVehiclesQuery = `
	SELECT v.id, v.name, v.plate, v.model, v.driver, v.status, v.updated_at,
	       p.latitude, p.longitude, p.speed, p.course, p.ignition, p.voltage, p.recorded_at
	FROM vehicles v
	JOIN LATERAL (
		SELECT latitude, longitude, speed, course, ignition, voltage, recorded_at
		FROM positions WHERE vehicle_id = v.id
		ORDER BY recorded_at DESC LIMIT 1
	) p ON true
`

// List 获取所有有位置记录的车辆及其最新位置
func (r *VehicleRepository) List(ctx context.Context) ([]*models.Vehicle, error) {
	rows, err := r.db.Pool.Query(ctx, listVehiclesQuery+` ORDER BY v.id`)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	defer rows.Close()

	var vehicles []*models.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		vehicles = append(vehicles, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vehicles: %w", err)
	}
	return vehicles, nil
}

func scanVehicle(row pgx.Row) (*models.Vehicle, error) {
	v := &models.Vehicle{}
	p := &v.LastPosition
	err := row.Scan(
		&v.ID,
		&v.Name,
		&v.Plate,
		&v.Model,
		&v.Driver,
		&v.Status,
		&v.UpdatedAt,
		&p.Lat,
		&p.Lng,
		&p.Speed,
		&p.Course,
		&p.Ignition,
		&p.Voltage,
		&p.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("scan vehicle: %w", err)
	}
	return v, nil
}
