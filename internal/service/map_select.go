package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/langchou/fleetmap/internal/selection"
)

// onAnchorClick 点击标记：选中并聚焦。可能在任意 goroutine 中被调用
func (s *MapService) onAnchorClick(vehicleID string) {
	s.loop.Post(func() {
		if !s.exists(vehicleID) {
			return
		}
		s.applySelection(s.selection.Select(vehicleID))
		s.focus(vehicleID)
	})
}

// Select 选中车辆，空 ID 取消选中
func (s *MapService) Select(ctx context.Context, vehicleID string) (selection.State, error) {
	var (
		st  selection.State
		err error
	)
	doErr := s.loop.Do(ctx, func() {
		if vehicleID != "" && !s.exists(vehicleID) {
			s.logger.Debug("Select ignored, vehicle not in snapshot", zap.String("vehicle_id", vehicleID))
			err = fmt.Errorf("select %s: %w", vehicleID, ErrNotFound)
			return
		}
		change := s.selection.Select(vehicleID)
		s.applySelection(change)
		if change.SelectionChanged {
			s.follow()
		}
		st = s.selection.State()
	})
	if doErr != nil {
		return st, doErr
	}
	return st, err
}

// ClearSelection 取消选中
func (s *MapService) ClearSelection(ctx context.Context) (selection.State, error) {
	return s.Select(ctx, "")
}

// ToggleHistory 切换车辆的历史路线模式
func (s *MapService) ToggleHistory(ctx context.Context, vehicleID string) (selection.State, error) {
	var (
		st  selection.State
		err error
	)
	doErr := s.loop.Do(ctx, func() {
		if !s.exists(vehicleID) {
			s.logger.Debug("Toggle history ignored, vehicle not in snapshot", zap.String("vehicle_id", vehicleID))
			err = fmt.Errorf("toggle history %s: %w", vehicleID, ErrNotFound)
			return
		}
		s.applySelection(s.selection.ToggleHistory(vehicleID))
		st = s.selection.State()
	})
	if doErr != nil {
		return st, doErr
	}
	return st, err
}

// Focus 聚焦车辆：居中、打开面板，再平移让面板不遮挡标记
func (s *MapService) Focus(ctx context.Context, vehicleID string) error {
	var err error
	doErr := s.loop.Do(ctx, func() {
		if !s.focus(vehicleID) {
			err = fmt.Errorf("focus %s: %w", vehicleID, ErrNotFound)
		}
	})
	if doErr != nil {
		return doErr
	}
	return err
}

func (s *MapService) focus(vehicleID string) bool {
	target, ok := s.registry.Target(vehicleID)
	if !ok {
		s.logger.Debug("Focus ignored, vehicle not in snapshot", zap.String("vehicle_id", vehicleID))
		return false
	}
	s.viewport.Focus(target)
	return true
}

// applySelection 把选择变化同步到标记、面板、路线和相机
func (s *MapService) applySelection(change selection.Change) {
	if !change.Any() {
		return
	}
	cur := s.selection.State()

	if change.SelectionChanged {
		s.registry.RefreshHighlight(cur.Selected)
		s.viewport.ResetFollow()
	}

	if change.HistoryChanged {
		view := s.view()
		if prev := change.Previous.HistoryActive; prev != "" {
			s.registry.Rerender(prev, view)
		}
		if cur.HistoryActive != "" {
			s.registry.Rerender(cur.HistoryActive, view)
		}
		// 打开历史时缩放到整条路线，关闭后恢复跟随
		s.refreshRoute(cur.HistoryActive != "")
		if cur.HistoryActive == "" {
			s.viewport.ResetFollow()
		}
	}

	s.logger.Debug("Selection changed",
		zap.String("selected", cur.Selected),
		zap.String("history", cur.HistoryActive),
	)
}

func (s *MapService) exists(vehicleID string) bool {
	_, ok := s.vehicles[vehicleID]
	return ok
}
