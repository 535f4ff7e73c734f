package models

import (
	"time"

	"github.com/langchou/fleetmap/internal/geo"
)

// VehicleStatus 车辆状态
type VehicleStatus string

// 车辆状态常量 (封闭集合)
const (
	StatusOnline      VehicleStatus = "online"
	StatusOffline     VehicleStatus = "offline"
	StatusMoving      VehicleStatus = "moving"
	StatusIdle        VehicleStatus = "idle"
	StatusMaintenance VehicleStatus = "maintenance"
)

// Label 面板展示用的状态文案
func (s VehicleStatus) Label() string {
	switch s {
	case StatusMoving:
		return "MOVING"
	case StatusOnline:
		return "CONNECTED"
	case StatusIdle:
		return "STOPPED (IGNITION ON)"
	case StatusMaintenance:
		return "MAINTENANCE"
	default:
		return "OFFLINE"
	}
}

// Position 位置采样 (创建后不可变)
type Position struct {
	Lat   float64 `json:"lat" db:"latitude"`
	Lng   float64 `json:"lng" db:"longitude"`
	Speed float64 `json:"speed" db:"speed" validate:"gte=0"` // km/h
	// Course 航向 0-360，可能缺失
	Course    *float64  `json:"course,omitempty" db:"course" validate:"omitempty,gte=0,lte=360"`
	Ignition  bool      `json:"ignition" db:"ignition"`
	Voltage   float64   `json:"voltage" db:"voltage" validate:"gte=0"` // 电瓶电压 (V)
	Timestamp time.Time `json:"timestamp" db:"recorded_at" validate:"required"`
}

// LatLng 采样点坐标
func (p Position) LatLng() geo.LatLng {
	return geo.LatLng{Lat: p.Lat, Lng: p.Lng}
}
