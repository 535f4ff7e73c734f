package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/langchou/fleetmap/internal/command"
	"github.com/langchou/fleetmap/internal/models"
	"github.com/langchou/fleetmap/internal/state"
)

// commandResult 一次下发的结果
type commandResult struct {
	ack *command.Ack
	err error
}

// RequestCommand 请求指令，面板进入确认状态
func (s *MapService) RequestCommand(ctx context.Context, vehicleID string, kind models.CommandKind) (state.PanelState, error) {
	return s.withMachine(ctx, vehicleID, func(m *state.PanelMachine) error {
		return m.Request(kind)
	})
}

// CancelCommand 取消确认
func (s *MapService) CancelCommand(ctx context.Context, vehicleID string) (state.PanelState, error) {
	return s.withMachine(ctx, vehicleID, func(m *state.PanelMachine) error {
		return m.Cancel()
	})
}

// ConfirmCommand 确认并异步发送，结果通过面板状态体现
func (s *MapService) ConfirmCommand(ctx context.Context, vehicleID string) (state.PanelState, error) {
	return s.withMachine(ctx, vehicleID, func(m *state.PanelMachine) error {
		return s.dispatch(vehicleID, m, nil)
	})
}

// SendCommand 请求并确认指令，等待车辆确认
func (s *MapService) SendCommand(ctx context.Context, vehicleID string, kind models.CommandKind) (*command.Ack, error) {
	results := make(chan commandResult, 1)

	_, err := s.withMachine(ctx, vehicleID, func(m *state.PanelMachine) error {
		if err := m.Request(kind); err != nil {
			return err
		}
		return s.dispatch(vehicleID, m, func(ack *command.Ack, err error) {
			results <- commandResult{ack: ack, err: err}
		})
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-results:
		return r.ack, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for command ack: %w", ctx.Err())
	case <-s.loop.Done():
		return nil, fmt.Errorf("wait for command ack: %w", ErrStopped)
	}
}

// withMachine 在事件循环中操作车辆面板状态机，完成后重新渲染该面板
func (s *MapService) withMachine(ctx context.Context, vehicleID string, fn func(m *state.PanelMachine) error) (state.PanelState, error) {
	var (
		ps  state.PanelState
		err error
	)
	doErr := s.loop.Do(ctx, func() {
		m, ok := s.registry.Machine(vehicleID)
		if !ok {
			s.logger.Debug("Command ignored, vehicle not in snapshot", zap.String("vehicle_id", vehicleID))
			err = fmt.Errorf("command for %s: %w", vehicleID, ErrNotFound)
			return
		}
		err = fn(m)
		s.registry.Rerender(vehicleID, s.view())
		ps = m.State()
	})
	if doErr != nil {
		return ps, doErr
	}
	return ps, err
}

// dispatch 确认指令并在独立 goroutine 中下发，结果投递回事件循环
func (s *MapService) dispatch(vehicleID string, m *state.PanelMachine, done func(*command.Ack, error)) error {
	kind, err := m.Confirm()
	if err != nil {
		return err
	}

	// 重新确认时取消上一次成功反馈的清除
	s.cancelClear(vehicleID)

	go func() {
		ack, err := s.commands.Send(s.cmdCtx, vehicleID, kind)
		posted := s.loop.Post(func() {
			s.complete(vehicleID, m, ack, err)
			if done != nil {
				done(ack, err)
			}
		})
		if !posted && done != nil {
			done(nil, fmt.Errorf("complete command: %w", ErrStopped))
		}
	}()
	return nil
}

// complete 处理下发结果，车辆已从快照中消失时丢弃
func (s *MapService) complete(vehicleID string, m *state.PanelMachine, ack *command.Ack, sendErr error) {
	if current, ok := s.registry.Machine(vehicleID); !ok || current != m {
		s.logger.Debug("Command result for a destroyed panel", zap.String("vehicle_id", vehicleID))
		return
	}

	if sendErr != nil {
		if err := m.Fail(sendErr); err != nil {
			s.logger.Warn("Failed to record command failure", zap.String("vehicle_id", vehicleID), zap.Error(err))
		}
		s.registry.Rerender(vehicleID, s.view())
		return
	}

	gen, err := m.Succeed()
	if err != nil {
		s.logger.Warn("Failed to record command success", zap.String("vehicle_id", vehicleID), zap.Error(err))
		return
	}
	s.logger.Info("Command completed",
		zap.String("vehicle_id", vehicleID),
		zap.String("request_id", ack.RequestID),
		zap.String("kind", string(ack.Kind)),
	)
	s.registry.Rerender(vehicleID, s.view())

	s.clearTimers[vehicleID] = s.loop.AfterFunc(s.cfg.FeedbackDuration, func() {
		delete(s.clearTimers, vehicleID)
		if m.Clear(gen) {
			s.registry.Rerender(vehicleID, s.view())
		}
	})
}

func (s *MapService) cancelClear(vehicleID string) {
	if cancel, ok := s.clearTimers[vehicleID]; ok {
		cancel()
		delete(s.clearTimers, vehicleID)
	}
}
