package service

import (
	"context"
	"fmt"
	"time"

	"github.com/langchou/fleetmap/internal/models"
	"github.com/langchou/fleetmap/internal/render"
	"github.com/langchou/fleetmap/internal/route"
	"github.com/langchou/fleetmap/internal/selection"
)

// HUD 模式
const (
	ModeLive  = "live"
	ModeRoute = "route"
)

// HUD 地图抬头信息
type HUD struct {
	Mode          string    `json:"mode"`
	Units         int       `json:"units"`
	Selected      string    `json:"selected,omitempty"`
	HistoryActive string    `json:"history_active,omitempty"`
	RoutePoints   int       `json:"route_points,omitempty"`
	Loading       []string  `json:"loading"`
	FocusState    string    `json:"focus_state"`
	LastUpdate    time.Time `json:"last_update"`
}

// Vehicles 当前快照中的车辆 (按 ID 排序的副本)
func (s *MapService) Vehicles(ctx context.Context) ([]*models.Vehicle, error) {
	var out []*models.Vehicle
	err := s.loop.Do(ctx, func() {
		out = make([]*models.Vehicle, 0, len(s.order))
		for _, id := range s.order {
			out = append(out, s.vehicles[id].Clone())
		}
	})
	return out, err
}

// Vehicle 获取单个车辆
func (s *MapService) Vehicle(ctx context.Context, vehicleID string) (*models.Vehicle, error) {
	var v *models.Vehicle
	err := s.loop.Do(ctx, func() {
		v = s.vehicles[vehicleID].Clone()
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("get vehicle %s: %w", vehicleID, ErrNotFound)
	}
	return v, nil
}

// Route 车辆的简化路线，与是否处于历史模式无关
func (s *MapService) Route(ctx context.Context, vehicleID string) (route.Overlay, error) {
	var (
		overlay route.Overlay
		found   bool
	)
	err := s.loop.Do(ctx, func() {
		v, ok := s.vehicles[vehicleID]
		if !ok {
			return
		}
		found = true
		overlay = route.NewOverlay(v)
	})
	if err != nil {
		return route.Overlay{}, err
	}
	if !found {
		return route.Overlay{}, fmt.Errorf("route %s: %w", vehicleID, ErrNotFound)
	}
	return overlay, nil
}

// Panel 车辆面板当前内容
func (s *MapService) Panel(ctx context.Context, vehicleID string) (render.PanelContent, error) {
	var (
		content render.PanelContent
		found   bool
	)
	err := s.loop.Do(ctx, func() {
		content, found = s.registry.Content(vehicleID, s.view())
	})
	if err != nil {
		return content, err
	}
	if !found {
		return content, fmt.Errorf("panel %s: %w", vehicleID, ErrNotFound)
	}
	return content, nil
}

// Selection 当前选择状态
func (s *MapService) Selection(ctx context.Context) (selection.State, error) {
	var st selection.State
	err := s.loop.Do(ctx, func() { st = s.selection.State() })
	return st, err
}

// HUD 实时模式显示车辆数，历史模式显示路线信息
func (s *MapService) HUD(ctx context.Context) (HUD, error) {
	var hud HUD
	err := s.loop.Do(ctx, func() {
		st := s.selection.State()
		hud = HUD{
			Mode:          ModeLive,
			Units:         s.registry.Len(),
			Selected:      st.Selected,
			HistoryActive: st.HistoryActive,
			Loading:       s.commands.LoadingIDs(),
			FocusState:    s.viewport.State(),
			LastUpdate:    s.lastFeed,
		}
		if s.overlay != nil {
			hud.Mode = ModeRoute
			hud.RoutePoints = len(s.overlay.Path)
		}
	})
	return hud, err
}
