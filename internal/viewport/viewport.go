package viewport

import (
	"context"
	"errors"
	"time"

	"github.com/looplab/fsm"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/langchou/fleetmap/internal/geo"
	"github.com/langchou/fleetmap/internal/route"
)

// 聚焦状态
const (
	StateIdle           = "idle"
	StateCentering      = "centering"
	StateAwaitingRender = "awaiting_render"
	StatePanning        = "panning"
)

// 聚焦事件
const (
	eventCenter   = "center"
	eventSettled  = "settled"
	eventRendered = "rendered"
	eventDone     = "done"
	eventAbort    = "abort"
)

// Camera 相机与路线图层操作
type Camera interface {
	SetView(center geo.LatLng, zoom float64)
	PanTo(center geo.LatLng)
	PanBy(dx, dy float64)
	FitBounds(bound orb.Bound, padding float64)
	DrawRoute(overlay route.Overlay)
	ClearRoute()
}

// Scheduler 延迟执行，回调必须回到调用方所在的事件循环
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

// Target 聚焦目标
type Target interface {
	ID() string
	Position() geo.LatLng
	OpenPanel()
	PanelOpen() bool
	PanelHeight() (float64, bool)
	// Alive 目标对应的可视对象是否仍然存在
	Alive() bool
}

// Config 视口配置
type Config struct {
	FocusZoom           float64
	SettleDelay         time.Duration
	RenderPollInterval  time.Duration
	RenderTimeout       time.Duration
	FitPadding          float64
	PanelMargin         float64
	FallbackPanelHeight float64
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		FocusZoom:           16,
		SettleDelay:         100 * time.Millisecond,
		RenderPollInterval:  50 * time.Millisecond,
		RenderTimeout:       time.Second,
		FitPadding:          60,
		PanelMargin:         40,
		FallbackPanelHeight: 260,
	}
}

// Controller 视口控制器
//
// 聚焦分两步：先居中到标记，面板渲染出高度后再向上平移，避免面板遮挡标记。
// 非并发安全，只在事件循环中使用。
type Controller struct {
	cfg    Config
	camera Camera
	sched  Scheduler
	logger *zap.Logger

	focus    *fsm.FSM
	seq      uint64
	target   Target
	cancel   func()
	polls    int
	followed *geo.LatLng
	routeOn  bool
}

// New 创建视口控制器
func New(cfg Config, camera Camera, sched Scheduler, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RenderPollInterval <= 0 {
		cfg.RenderPollInterval = DefaultConfig().RenderPollInterval
	}

	return &Controller{
		cfg:    cfg,
		camera: camera,
		sched:  sched,
		logger: logger,
		focus: fsm.NewFSM(
			StateIdle,
			fsm.Events{
				{Name: eventCenter, Src: []string{StateIdle}, Dst: StateCentering},
				{Name: eventSettled, Src: []string{StateCentering}, Dst: StateAwaitingRender},
				{Name: eventRendered, Src: []string{StateAwaitingRender}, Dst: StatePanning},
				{Name: eventDone, Src: []string{StatePanning}, Dst: StateIdle},
				{Name: eventAbort, Src: []string{StateCentering, StateAwaitingRender, StatePanning}, Dst: StateIdle},
			},
			fsm.Callbacks{},
		),
	}
}

// State 当前聚焦状态
func (c *Controller) State() string {
	return c.focus.Current()
}

// Focus 聚焦到目标，取消尚未完成的上一次聚焦
func (c *Controller) Focus(t Target) {
	c.CancelFocus()

	c.seq++
	c.target = t
	c.fire(eventCenter)

	c.camera.SetView(t.Position(), c.cfg.FocusZoom)
	// 居中后当前位置即视为已跟随
	pos := t.Position()
	c.followed = &pos

	seq := c.seq
	c.cancel = c.sched.AfterFunc(c.cfg.SettleDelay, func() { c.settle(seq) })
}

// CancelFocus 取消进行中的聚焦，重复调用无副作用
func (c *Controller) CancelFocus() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.target = nil
	if c.focus.Current() != StateIdle {
		c.fire(eventAbort)
	}
}

func (c *Controller) settle(seq uint64) {
	if seq != c.seq || c.target == nil {
		return
	}
	if !c.target.Alive() {
		c.logger.Debug("Focus target disappeared before settle", zap.String("vehicle_id", c.target.ID()))
		c.CancelFocus()
		return
	}

	if !c.target.PanelOpen() {
		c.target.OpenPanel()
	}
	c.fire(eventSettled)

	c.polls = int(c.cfg.RenderTimeout / c.cfg.RenderPollInterval)
	c.poll(seq)
}

func (c *Controller) poll(seq uint64) {
	if seq != c.seq || c.target == nil {
		return
	}
	if !c.target.Alive() {
		c.CancelFocus()
		return
	}

	if h, ok := c.target.PanelHeight(); ok {
		c.pan(h)
		return
	}
	if c.polls <= 0 {
		c.logger.Debug("Panel height not reported in time, using fallback",
			zap.String("vehicle_id", c.target.ID()),
			zap.Duration("timeout", c.cfg.RenderTimeout),
		)
		c.pan(c.cfg.FallbackPanelHeight)
		return
	}

	c.polls--
	c.cancel = c.sched.AfterFunc(c.cfg.RenderPollInterval, func() { c.poll(seq) })
}

func (c *Controller) pan(height float64) {
	c.fire(eventRendered)
	c.camera.PanBy(0, -(height/2)-c.cfg.PanelMargin)
	c.fire(eventDone)

	c.cancel = nil
	c.target = nil
}

// FitToRoute 缩放到路线范围，少于两个不同点时不做任何操作
func (c *Controller) FitToRoute(path geo.Path) bool {
	if path.Distinct() < 2 {
		return false
	}
	c.camera.FitBounds(path.Bound(), c.cfg.FitPadding)
	return true
}

// ShowRoute 绘制路线，fit 为 true 时同时调整视野
func (c *Controller) ShowRoute(overlay route.Overlay, fit bool) {
	c.camera.DrawRoute(overlay)
	c.routeOn = true
	if fit {
		c.FitToRoute(overlay.Path)
	}
}

// ClearRoute 清除路线
func (c *Controller) ClearRoute() {
	if !c.routeOn {
		return
	}
	c.camera.ClearRoute()
	c.routeOn = false
}

// RouteShown 是否正在显示路线
func (c *Controller) RouteShown() bool {
	return c.routeOn
}

// Follow 跟随选中车辆，位置未变化或正在聚焦时不移动相机
func (c *Controller) Follow(pos geo.LatLng) bool {
	if c.focus.Current() != StateIdle {
		return false
	}
	if c.followed != nil && *c.followed == pos {
		return false
	}
	c.camera.PanTo(pos)
	c.followed = &pos
	return true
}

// ResetFollow 选中变化后重新开始跟随
func (c *Controller) ResetFollow() {
	c.followed = nil
}

func (c *Controller) fire(event string) {
	err := c.focus.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		c.logger.Warn("Focus transition rejected", zap.String("event", event), zap.Error(err))
	}
}
