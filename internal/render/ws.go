package render

import (
	"sort"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/langchou/fleetmap/internal/geo"
	"github.com/langchou/fleetmap/internal/route"
)

// Broadcaster 渲染消息推送通道 (WebSocket Hub)
type Broadcaster interface {
	BroadcastMessage(msgType string, data interface{})
}

// AnchorState 标记状态
type AnchorState struct {
	ID     string     `json:"id"`
	Pos    geo.LatLng `json:"pos"`
	Icon   Icon       `json:"icon"`
	ZIndex int        `json:"z_index"`
}

// PanelState 面板状态
type PanelState struct {
	ID      string       `json:"id"`
	Open    bool         `json:"open"`
	Content PanelContent `json:"content"`
}

// CameraState 相机状态
type CameraState struct {
	Center geo.LatLng `json:"center"`
	Zoom   float64    `json:"zoom"`
}

// Scene 当前场景，新连接的客户端据此重建画面
type Scene struct {
	Camera  CameraState      `json:"camera"`
	Anchors []AnchorState    `json:"anchors"`
	Panels  []PanelState     `json:"panels"`
	Route   *geojson.Feature `json:"route,omitempty"`
}

// WSSurface 通过 WebSocket 推送渲染操作的渲染面
//
// 维护一份场景镜像用于新客户端初始化；面板高度由浏览器渲染后回报。
type WSSurface struct {
	logger *zap.Logger
	out    Broadcaster

	mu      sync.RWMutex
	anchors map[string]*wsAnchor
	panels  map[string]*wsPanel
	camera  CameraState
	route   *route.Overlay
	closed  bool
}

// NewWSSurface 创建 WebSocket 渲染面
func NewWSSurface(out Broadcaster, logger *zap.Logger) *WSSurface {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSSurface{
		logger:  logger,
		out:     out,
		anchors: make(map[string]*wsAnchor),
		panels:  make(map[string]*wsPanel),
	}
}

// emit 在锁内更新场景镜像，解锁后再推送。推送可能阻塞在 Hub 上，持锁推送会卡住 Scene
func (s *WSSurface) emit(update func() (msgType string, data interface{})) {
	s.mu.Lock()
	msgType, data := update()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}
	s.out.BroadcastMessage(msgType, data)
}

// AddAnchor 添加标记
func (s *WSSurface) AddAnchor(id string, pos geo.LatLng, onClick func()) Anchor {
	a := &wsAnchor{s: s, state: AnchorState{ID: id, Pos: pos}, onClick: onClick}
	s.emit(func() (string, interface{}) {
		s.anchors[id] = a
		return OpAnchorAdd, a.state
	})
	return a
}

// MountPanel 挂载面板
func (s *WSSurface) MountPanel(id string) Panel {
	p := &wsPanel{s: s, state: PanelState{ID: id}}
	s.emit(func() (string, interface{}) {
		s.panels[id] = p
		return OpPanelMount, Op{ID: id}
	})
	return p
}

// SetView 设置视图中心和缩放
func (s *WSSurface) SetView(center geo.LatLng, zoom float64) {
	s.emit(func() (string, interface{}) {
		s.camera = CameraState{Center: center, Zoom: zoom}
		return OpCameraView, s.camera
	})
}

// PanTo 平移到指定位置
func (s *WSSurface) PanTo(center geo.LatLng) {
	s.emit(func() (string, interface{}) {
		s.camera.Center = center
		return OpCameraPanTo, Op{Pos: center}
	})
}

// PanBy 按像素平移，镜像中的中心点由前端决定，这里不跟踪
func (s *WSSurface) PanBy(dx, dy float64) {
	s.emit(func() (string, interface{}) {
		return OpCameraPanBy, Op{DX: dx, DY: dy}
	})
}

// FitBounds 缩放到边界
func (s *WSSurface) FitBounds(bound orb.Bound, padding float64) {
	s.emit(func() (string, interface{}) {
		s.camera.Center = geo.FromPoint(bound.Center())
		return OpCameraFit, struct {
			SouthWest geo.LatLng `json:"south_west"`
			NorthEast geo.LatLng `json:"north_east"`
			Padding   float64    `json:"padding"`
		}{geo.FromPoint(bound.Min), geo.FromPoint(bound.Max), padding}
	})
}

// DrawRoute 绘制路线 (GeoJSON)
func (s *WSSurface) DrawRoute(overlay route.Overlay) {
	feature := overlay.Feature()
	s.emit(func() (string, interface{}) {
		s.route = &overlay
		return OpRouteDraw, feature
	})
}

// ClearRoute 清除路线
func (s *WSSurface) ClearRoute() {
	s.emit(func() (string, interface{}) {
		s.route = nil
		return OpRouteClear, nil
	})
}

// Close 关闭渲染面，之后不再推送
func (s *WSSurface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSurfaceClosed
	}
	if n := len(s.anchors) + len(s.panels); n > 0 {
		s.logger.Warn("Closing surface with live visual objects", zap.Int("count", n))
	}
	s.closed = true
	s.anchors = make(map[string]*wsAnchor)
	s.panels = make(map[string]*wsPanel)
	s.route = nil
	return nil
}

// Scene 获取场景镜像
func (s *WSSurface) Scene() *Scene {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scene := &Scene{
		Camera:  s.camera,
		Anchors: make([]AnchorState, 0, len(s.anchors)),
		Panels:  make([]PanelState, 0, len(s.panels)),
	}
	for _, a := range s.anchors {
		scene.Anchors = append(scene.Anchors, a.state)
	}
	for _, p := range s.panels {
		scene.Panels = append(scene.Panels, p.state)
	}
	sort.Slice(scene.Anchors, func(i, j int) bool { return scene.Anchors[i].ID < scene.Anchors[j].ID })
	sort.Slice(scene.Panels, func(i, j int) bool { return scene.Panels[i].ID < scene.Panels[j].ID })
	if s.route != nil {
		scene.Route = s.route.Feature()
	}
	return scene
}

// Click 浏览器点击标记。回调在锁外执行
func (s *WSSurface) Click(id string) bool {
	s.mu.RLock()
	a, ok := s.anchors[id]
	s.mu.RUnlock()
	if !ok || a.onClick == nil {
		s.logger.Debug("Click on unknown anchor", zap.String("vehicle_id", id))
		return false
	}
	a.onClick()
	return true
}

// ReportPanelHeight 浏览器回报面板渲染高度
func (s *WSSurface) ReportPanelHeight(id string, h float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.panels[id]
	if !ok || h < 0 {
		return false
	}
	p.height = h
	p.measured = true
	return true
}

type wsAnchor struct {
	s       *WSSurface
	state   AnchorState
	onClick func()
}

func (a *wsAnchor) Position() geo.LatLng {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	return a.state.Pos
}

func (a *wsAnchor) SetPosition(pos geo.LatLng) {
	a.s.emit(func() (string, interface{}) {
		a.state.Pos = pos
		return OpAnchorMove, Op{ID: a.state.ID, Pos: pos}
	})
}

func (a *wsAnchor) SetIcon(icon Icon) {
	a.s.emit(func() (string, interface{}) {
		a.state.Icon = icon
		return OpAnchorIcon, Op{ID: a.state.ID, Icon: icon}
	})
}

func (a *wsAnchor) SetZIndex(z int) {
	a.s.emit(func() (string, interface{}) {
		a.state.ZIndex = z
		return OpAnchorZIndex, Op{ID: a.state.ID, ZIndex: z}
	})
}

func (a *wsAnchor) Remove() {
	a.s.emit(func() (string, interface{}) {
		if a.s.anchors[a.state.ID] == a {
			delete(a.s.anchors, a.state.ID)
		}
		return OpAnchorRemove, Op{ID: a.state.ID}
	})
}

type wsPanel struct {
	s        *WSSurface
	state    PanelState
	height   float64
	measured bool
}

func (p *wsPanel) Render(content PanelContent) {
	p.s.emit(func() (string, interface{}) {
		p.state.Content = content
		return OpPanelRender, Op{ID: p.state.ID, Content: &content}
	})
}

func (p *wsPanel) Open() {
	p.s.emit(func() (string, interface{}) {
		p.state.Open = true
		return OpPanelOpen, Op{ID: p.state.ID}
	})
}

func (p *wsPanel) IsOpen() bool {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	return p.state.Open
}

func (p *wsPanel) Height() (float64, bool) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	return p.height, p.measured
}

func (p *wsPanel) Unmount() {
	p.s.emit(func() (string, interface{}) {
		if p.s.panels[p.state.ID] == p {
			delete(p.s.panels, p.state.ID)
		}
		return OpPanelUnmount, Op{ID: p.state.ID}
	})
}
