package route

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/langchou/fleetmap/internal/geo"
	"github.com/langchou/fleetmap/internal/models"
)

// Overlay 历史路线覆盖层 (派生数据，不持久化)
type Overlay struct {
	VehicleID string     `json:"vehicle_id"`
	Path      geo.Path   `json:"path"`
	Start     geo.LatLng `json:"start"` // 起点标记
}

// NewOverlay 根据车辆的历史与当前位置计算路线
func NewOverlay(v *models.Vehicle) Overlay {
	path := Simplify(v.History, v.LastPosition)
	return Overlay{
		VehicleID: v.ID,
		Path:      path,
		Start:     path[0],
	}
}

// Feature 转换为 GeoJSON LineString Feature
func (o Overlay) Feature() *geojson.Feature {
	var g orb.Geometry = o.Path.LineString()
	if len(o.Path) == 1 {
		g = o.Start.Point()
	}

	f := geojson.NewFeature(g)
	f.Properties["vehicle_id"] = o.VehicleID
	f.Properties["points"] = len(o.Path)
	f.Properties["start"] = []float64{o.Start.Lat, o.Start.Lng}
	return f
}
