package render

import (
	"time"

	"github.com/paulmach/orb"

	"github.com/langchou/fleetmap/internal/geo"
	"github.com/langchou/fleetmap/internal/models"
	"github.com/langchou/fleetmap/internal/route"
)

// 标记层级
const (
	ZIndexDefault  = 500
	ZIndexSelected = 1000
)

// 图标样式
const (
	IconPin         = "pin"
	IconPinSelected = "pin-selected"
)

// Icon 地图标记图标
type Icon struct {
	Variant string `json:"variant"`
	Pulse   bool   `json:"pulse"` // 行驶中显示脉冲
}

// IconFor 根据车辆状态和选中状态计算图标
func IconFor(status models.VehicleStatus, selected bool) Icon {
	icon := Icon{Variant: IconPin, Pulse: status == models.StatusMoving}
	if selected {
		icon.Variant = IconPinSelected
	}
	return icon
}

// ZIndexFor 选中车辆置顶
func ZIndexFor(selected bool) int {
	if selected {
		return ZIndexSelected
	}
	return ZIndexDefault
}

// PanelContent 详情面板渲染内容
type PanelContent struct {
	VehicleID     string               `json:"vehicle_id"`
	Name          string               `json:"name"`
	Plate         string               `json:"plate"`
	Model         string               `json:"model"`
	Driver        string               `json:"driver,omitempty"`
	Status        models.VehicleStatus `json:"status"`
	StatusLabel   string               `json:"status_label"`
	Moving        bool                 `json:"moving"`
	Speed         int                  `json:"speed"` // km/h，取整
	Ignition      string               `json:"ignition"`
	Voltage       float64              `json:"voltage"`
	LastUpdate    time.Time            `json:"last_update"`
	HistoryActive bool                 `json:"history_active"`
	Loading       bool                 `json:"loading"`
	CommandState  string               `json:"command_state"`
	Pending       models.CommandKind   `json:"pending,omitempty"`
	Prompt        string               `json:"prompt,omitempty"`
	Feedback      string               `json:"feedback,omitempty"`
	Failed        bool                 `json:"failed"`
	DirectionsURL string               `json:"directions_url"`
}

// Anchor 地图标记句柄
type Anchor interface {
	Position() geo.LatLng
	SetPosition(pos geo.LatLng)
	SetIcon(icon Icon)
	SetZIndex(z int)
	Remove()
}

// Panel 详情面板句柄，生命周期独立于标记
type Panel interface {
	Render(content PanelContent)
	Open()
	IsOpen() bool
	// Height 面板渲染后的像素高度，尚未渲染时返回 false
	Height() (float64, bool)
	Unmount()
}

// Surface 渲染面
//
// 除 onClick 回调外，所有方法只在事件循环中调用。
type Surface interface {
	AddAnchor(id string, pos geo.LatLng, onClick func()) Anchor
	MountPanel(id string) Panel

	SetView(center geo.LatLng, zoom float64)
	PanTo(center geo.LatLng)
	PanBy(dx, dy float64)
	FitBounds(bound orb.Bound, padding float64)

	DrawRoute(overlay route.Overlay)
	ClearRoute()

	Close() error
}
