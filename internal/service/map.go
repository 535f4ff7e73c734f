package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/langchou/fleetmap/internal/command"
	"github.com/langchou/fleetmap/internal/feed"
	"github.com/langchou/fleetmap/internal/geo"
	"github.com/langchou/fleetmap/internal/loop"
	"github.com/langchou/fleetmap/internal/metrics"
	"github.com/langchou/fleetmap/internal/models"
	"github.com/langchou/fleetmap/internal/reconcile"
	"github.com/langchou/fleetmap/internal/render"
	"github.com/langchou/fleetmap/internal/route"
	"github.com/langchou/fleetmap/internal/selection"
	"github.com/langchou/fleetmap/internal/viewport"
)

var (
	// ErrNotFound 车辆不在当前快照中
	ErrNotFound = errors.New("vehicle not found")
	// ErrStopped 服务已停止
	ErrStopped = loop.ErrStopped
)

// Config 地图服务配置
type Config struct {
	FeedInterval     time.Duration
	FeedbackDuration time.Duration
	// RouteRefit 历史路线随快照更新时是否重新缩放视野
	RouteRefit bool
	Center     geo.LatLng
	Zoom       float64
	Viewport   viewport.Config
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		FeedInterval:     2 * time.Second,
		FeedbackDuration: 3 * time.Second,
		RouteRefit:       true,
		Center:           geo.LatLng{Lat: -23.5505, Lng: -46.6333},
		Zoom:             13,
		Viewport:         viewport.DefaultConfig(),
	}
}

// Archiver 快照持久化，可选
type Archiver interface {
	Archive(ctx context.Context, snapshot []*models.Vehicle) error
}

// MapService 地图服务
//
// 所有地图状态都归事件循环 goroutine 所有，对外方法只投递闭包到循环中执行。
type MapService struct {
	cfg      Config
	logger   *zap.Logger
	loop     *loop.Loop
	source   feed.Source
	archiver Archiver
	surface  render.Surface

	validator *feed.Validator
	registry  *reconcile.Reconciler
	viewport  *viewport.Controller
	selection *selection.Controller
	commands  *command.Channel

	// 以下字段只在事件循环中访问
	vehicles    map[string]*models.Vehicle
	order       []string
	overlay     *route.Overlay
	clearTimers map[string]func()
	lastFeed    time.Time

	cmdCtx    context.Context
	cmdCancel context.CancelFunc

	mu      sync.Mutex
	running bool
	stopped chan struct{}
}

// NewMapService 创建地图服务
func NewMapService(
	cfg Config,
	logger *zap.Logger,
	clk clock.WithTicker,
	source feed.Source,
	surface render.Surface,
	dispatcher command.Dispatcher,
) *MapService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	s := &MapService{
		cfg:         cfg,
		logger:      logger,
		loop:        loop.New(clk, logger.Named("loop")),
		source:      source,
		surface:     surface,
		validator:   feed.NewValidator(logger),
		selection:   selection.NewController(),
		commands:    command.NewChannel(dispatcher, clk, logger),
		vehicles:    make(map[string]*models.Vehicle),
		clearTimers: make(map[string]func()),
		stopped:     make(chan struct{}),
	}
	s.cmdCtx, s.cmdCancel = context.WithCancel(context.Background())

	s.registry = reconcile.New(surface, clk, logger, s.onAnchorClick)
	s.viewport = viewport.New(cfg.Viewport, surface, s.loop, logger)

	// 在途状态变化只影响对应车辆的面板
	s.commands.OnChange(func(vehicleID string, _ bool) {
		s.loop.Post(func() { s.registry.Rerender(vehicleID, s.view()) })
	})

	return s
}

// SetArchiver 设置快照持久化，必须在 Run 之前调用
func (s *MapService) SetArchiver(a Archiver) {
	s.archiver = a
}

// Run 运行服务，阻塞直到 ctx 取消或 Stop 被调用，返回前销毁所有可视对象
func (s *MapService) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Info("Map service already running, skipping start")
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.surface.SetView(s.cfg.Center, s.cfg.Zoom)

	cancelFeed := func() {}
	if s.source != nil && s.cfg.FeedInterval > 0 {
		s.logger.Info("Starting map service",
			zap.String("source", s.source.Name()),
			zap.Duration("interval", s.cfg.FeedInterval),
		)
		cancelFeed = s.loop.Every(s.cfg.FeedInterval, s.poll)
	} else {
		s.logger.Info("Starting map service without feed")
	}

	s.loop.Run(ctx)

	// 循环已退出，以下清理独占所有状态
	cancelFeed()
	s.cmdCancel()
	s.viewport.CancelFocus()
	for id, cancel := range s.clearTimers {
		cancel()
		delete(s.clearTimers, id)
	}
	s.registry.DestroyAll()
	err := s.surface.Close()
	if err != nil {
		s.logger.Error("Failed to close surface", zap.Error(err))
	}

	close(s.stopped)
	s.logger.Info("Map service stopped")
	return err
}

// Stop 停止服务，重复调用无副作用
func (s *MapService) Stop() {
	s.loop.Stop()
}

// Done Run 完成清理后关闭
func (s *MapService) Done() <-chan struct{} {
	return s.stopped
}

// poll 在 feed goroutine 中拉取快照，再投递回循环
func (s *MapService) poll(ctx context.Context) {
	snapshot, err := s.source.Fetch(ctx)
	if err != nil {
		if errors.Is(err, feed.ErrNoSnapshot) || ctx.Err() != nil {
			s.logger.Debug("No snapshot yet", zap.String("source", s.source.Name()), zap.Error(err))
			return
		}
		// 拉取失败时保留上一次的画面
		metrics.FeedErrors.WithLabelValues(s.source.Name()).Inc()
		s.logger.Warn("Failed to fetch snapshot", zap.String("source", s.source.Name()), zap.Error(err))
		return
	}

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, snapshot); err != nil {
			s.logger.Warn("Failed to archive snapshot", zap.Error(err))
		}
	}

	s.loop.Post(func() { s.apply(snapshot) })
}

// ApplySnapshot 应用一次完整快照并等待对账完成
func (s *MapService) ApplySnapshot(ctx context.Context, snapshot []*models.Vehicle) (reconcile.Stats, error) {
	var stats reconcile.Stats
	err := s.loop.Do(ctx, func() { stats = s.apply(snapshot) })
	return stats, err
}

func (s *MapService) apply(snapshot []*models.Vehicle) reconcile.Stats {
	valid := s.validator.Filter(snapshot)

	vehicles := make(map[string]*models.Vehicle, len(valid))
	order := make([]string, 0, len(valid))
	for _, v := range valid {
		vehicles[v.ID] = v
		order = append(order, v.ID)
	}
	sort.Strings(order)
	s.vehicles = vehicles
	s.order = order
	s.lastFeed = s.loop.Clock().Now()

	// 消失的车辆不能继续被选中
	prev := s.selection.State()
	if _, ok := vehicles[prev.Selected]; prev.Selected != "" && !ok {
		s.selection.Forget(prev.Selected)
	}
	if _, ok := vehicles[prev.HistoryActive]; prev.HistoryActive != "" && !ok {
		s.selection.Forget(prev.HistoryActive)
	}
	cur := s.selection.State()
	if cur.Selected != prev.Selected {
		s.viewport.ResetFollow()
		s.logger.Debug("Selected vehicle left the snapshot", zap.String("vehicle_id", prev.Selected))
	}

	stats := s.registry.Reconcile(valid, s.view())
	for _, id := range s.timerIDs() {
		if _, ok := vehicles[id]; !ok {
			s.clearTimers[id]()
			delete(s.clearTimers, id)
		}
	}

	s.refreshRoute(s.cfg.RouteRefit && cur.HistoryActive != "" && cur.HistoryActive == prev.HistoryActive)
	s.follow()
	return stats
}

// refreshRoute 按当前历史模式绘制或清除路线
func (s *MapService) refreshRoute(fit bool) {
	id := s.selection.State().HistoryActive
	v, ok := s.vehicles[id]
	if id == "" || !ok {
		s.overlay = nil
		s.viewport.ClearRoute()
		return
	}

	overlay := route.NewOverlay(v)
	s.overlay = &overlay
	s.viewport.ShowRoute(overlay, fit)
}

// follow 相机跟随选中车辆，历史模式下不跟随
func (s *MapService) follow() {
	st := s.selection.State()
	if st.Selected == "" || st.HistoryActive != "" {
		return
	}
	if v, ok := s.vehicles[st.Selected]; ok {
		s.viewport.Follow(v.LastPosition.LatLng())
	}
}

func (s *MapService) view() reconcile.View {
	st := s.selection.State()
	return reconcile.View{
		Selected:      st.Selected,
		HistoryActive: st.HistoryActive,
		Loading:       s.commands.IsLoading,
	}
}

func (s *MapService) timerIDs() []string {
	ids := make([]string, 0, len(s.clearTimers))
	for id := range s.clearTimers {
		ids = append(ids, id)
	}
	return ids
}
