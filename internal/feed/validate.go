package feed

import (
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/langchou/fleetmap/internal/geo"
	"github.com/langchou/fleetmap/internal/metrics"
	"github.com/langchou/fleetmap/internal/models"
)

// Validator 快照边界校验
//
// 非法车辆被跳过并记录日志，非法历史采样被丢弃，不影响其他车辆。
type Validator struct {
	validate *validator.Validate
	logger   *zap.Logger
}

// NewValidator 创建校验器
func NewValidator(logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	validate := validator.New()
	validate.RegisterStructValidation(validatePosition, models.Position{})
	return &Validator{
		validate: validate,
		logger:   logger,
	}
}

// validatePosition 坐标必须有限且在经纬度范围内
func validatePosition(sl validator.StructLevel) {
	p := sl.Current().Interface().(models.Position)
	if !geo.Valid(p.LatLng()) {
		sl.ReportError(p.Lat, "Lat", "Lat", "latlng", "")
	}
}

// Filter 返回通过校验的车辆副本，重复 ID 保留第一条
func (v *Validator) Filter(snapshot []*models.Vehicle) []*models.Vehicle {
	out := make([]*models.Vehicle, 0, len(snapshot))
	seen := make(map[string]struct{}, len(snapshot))

	for i, vehicle := range snapshot {
		if vehicle == nil {
			metrics.RejectedEntities.WithLabelValues("nil").Inc()
			v.logger.Warn("Skipping nil vehicle", zap.Int("index", i))
			continue
		}
		if _, dup := seen[vehicle.ID]; dup {
			metrics.RejectedEntities.WithLabelValues("duplicate").Inc()
			v.logger.Warn("Skipping duplicate vehicle", zap.String("vehicle_id", vehicle.ID))
			continue
		}
		if err := v.validate.Struct(vehicle); err != nil {
			metrics.RejectedEntities.WithLabelValues("invalid").Inc()
			v.logger.Warn("Skipping invalid vehicle",
				zap.String("vehicle_id", vehicle.ID),
				zap.Error(err),
			)
			continue
		}
		seen[vehicle.ID] = struct{}{}

		clean := vehicle.Clone()
		clean.History = v.filterHistory(clean.ID, clean.History)
		out = append(out, clean)
	}

	return out
}

func (v *Validator) filterHistory(vehicleID string, history []models.Position) []models.Position {
	if len(history) == 0 {
		return history
	}

	kept := history[:0]
	dropped := 0
	for i := range history {
		if err := v.validate.Struct(&history[i]); err != nil {
			dropped++
			continue
		}
		kept = append(kept, history[i])
	}
	if dropped > 0 {
		v.logger.Debug("Dropped invalid history samples",
			zap.String("vehicle_id", vehicleID),
			zap.Int("dropped", dropped),
		)
	}
	return kept
}
