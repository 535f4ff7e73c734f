package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"k8s.io/utils/clock"

	"github.com/langchou/fleetmap/internal/models"
)

// 面板指令状态常量
const (
	StateIdle       = "idle"
	StateConfirming = "confirming"
	StateSending    = "sending"
	StateSucceeded  = "succeeded"
	StateFailed     = "failed"
)

// 事件常量
const (
	EventRequest = "request"
	EventCancel  = "cancel"
	EventConfirm = "confirm"
	EventSucceed = "succeed"
	EventFail    = "fail"
	EventClear   = "clear"
)

// ErrInvalidTransition 当前状态不允许该操作
var ErrInvalidTransition = errors.New("invalid panel transition")

// PanelState 面板指令状态快照
type PanelState struct {
	VehicleID string             `json:"vehicle_id"`
	State     string             `json:"state"`
	Pending   models.CommandKind `json:"pending,omitempty"`
	Feedback  string             `json:"feedback,omitempty"`
	Since     time.Time          `json:"since"`
}

// Failed 最近一次发送是否失败
func (s PanelState) Failed() bool {
	return s.State == StateFailed
}

// Prompt 确认提示，仅在 confirming 状态下有值
func (s PanelState) Prompt() string {
	if s.State != StateConfirming {
		return ""
	}
	return s.Pending.Prompt()
}

// PanelMachine 车辆详情面板的指令状态机
type PanelMachine struct {
	mu            sync.RWMutex
	vehicleID     string
	fsm           *fsm.FSM
	clock         clock.PassiveClock
	pending       models.CommandKind
	feedback      string
	since         time.Time
	generation    uint64
	onStateChange func(vehicleID, from, to string)
}

// NewPanelMachine 创建面板状态机
func NewPanelMachine(vehicleID string, clk clock.PassiveClock, onStateChange func(vehicleID, from, to string)) *PanelMachine {
	if clk == nil {
		clk = clock.RealClock{}
	}

	m := &PanelMachine{
		vehicleID:     vehicleID,
		clock:         clk,
		since:         clk.Now(),
		onStateChange: onStateChange,
	}

	m.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: EventRequest, Src: []string{StateIdle, StateFailed, StateSucceeded}, Dst: StateConfirming},
			{Name: EventCancel, Src: []string{StateConfirming, StateFailed}, Dst: StateIdle},

			// failed 状态下确认即重试
			{Name: EventConfirm, Src: []string{StateConfirming, StateFailed}, Dst: StateSending},

			{Name: EventSucceed, Src: []string{StateSending}, Dst: StateSucceeded},
			{Name: EventFail, Src: []string{StateSending}, Dst: StateFailed},
			{Name: EventClear, Src: []string{StateSucceeded}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onStateChange != nil && e.Src != e.Dst {
					m.onStateChange(m.vehicleID, e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// State 获取状态快照
func (m *PanelMachine) State() PanelState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return PanelState{
		VehicleID: m.vehicleID,
		State:     m.fsm.Current(),
		Pending:   m.pending,
		Feedback:  m.feedback,
		Since:     m.since,
	}
}

// Request 请求指令，进入确认状态
func (m *PanelMachine) Request(kind models.CommandKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidCommand, kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.trigger(EventRequest); err != nil {
		return err
	}
	m.pending = kind
	m.feedback = ""
	return nil
}

// Cancel 取消确认
func (m *PanelMachine) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.trigger(EventCancel); err != nil {
		return err
	}
	m.pending = ""
	m.feedback = ""
	return nil
}

// Confirm 确认发送，返回待发送的指令
func (m *PanelMachine) Confirm() (models.CommandKind, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.trigger(EventConfirm); err != nil {
		return "", err
	}
	m.feedback = ""
	return m.pending, nil
}

// Succeed 指令已确认，返回本次反馈的代数，供 Clear 判断是否过期
func (m *PanelMachine) Succeed() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.trigger(EventSucceed); err != nil {
		return 0, err
	}
	m.feedback = m.pending.SentMessage()
	m.pending = ""
	m.generation++
	return m.generation, nil
}

// Fail 指令失败，保留待发送指令以便重试
func (m *PanelMachine) Fail(cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.trigger(EventFail); err != nil {
		return err
	}
	m.feedback = "Command failed"
	if cause != nil {
		m.feedback = fmt.Sprintf("Command failed: %v", cause)
	}
	return nil
}

// Clear 清除成功反馈。generation 已过期时返回 false
func (m *PanelMachine) Clear(generation uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if generation != m.generation || m.fsm.Current() != StateSucceeded {
		return false
	}
	if err := m.trigger(EventClear); err != nil {
		return false
	}
	m.feedback = ""
	return true
}

func (m *PanelMachine) trigger(event string) error {
	if err := m.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("trigger event %s in state %s: %w: %w", event, m.fsm.Current(), ErrInvalidTransition, err)
	}
	m.since = m.clock.Now()
	return nil
}
