package render

import (
	"errors"
	"sync"

	"github.com/paulmach/orb"

	"github.com/langchou/fleetmap/internal/geo"
	"github.com/langchou/fleetmap/internal/route"
)

// 渲染操作类型
const (
	OpAnchorAdd    = "anchor_add"
	OpAnchorMove   = "anchor_move"
	OpAnchorIcon   = "anchor_icon"
	OpAnchorZIndex = "anchor_zindex"
	OpAnchorRemove = "anchor_remove"
	OpPanelMount   = "panel_mount"
	OpPanelRender  = "panel_render"
	OpPanelOpen    = "panel_open"
	OpPanelUnmount = "panel_unmount"
	OpCameraView   = "camera_view"
	OpCameraPanTo  = "camera_pan_to"
	OpCameraPanBy  = "camera_pan_by"
	OpCameraFit    = "camera_fit"
	OpRouteDraw    = "route_draw"
	OpRouteClear   = "route_clear"
)

// ErrSurfaceClosed 渲染面已关闭
var ErrSurfaceClosed = errors.New("surface closed")

// Op 一次渲染操作
type Op struct {
	Type    string         `json:"type"`
	ID      string         `json:"id,omitempty"`
	Pos     geo.LatLng     `json:"pos,omitempty"`
	Zoom    float64        `json:"zoom,omitempty"`
	DX      float64        `json:"dx,omitempty"`
	DY      float64        `json:"dy,omitempty"`
	Bound   orb.Bound      `json:"bound,omitempty"`
	Padding float64        `json:"padding,omitempty"`
	Icon    Icon           `json:"icon,omitempty"`
	ZIndex  int            `json:"z_index,omitempty"`
	Content *PanelContent  `json:"content,omitempty"`
	Route   *route.Overlay `json:"route,omitempty"`
}

// Recorder 内存渲染面，记录所有操作，用于无界面运行和测试
type Recorder struct {
	mu          sync.Mutex
	ops         []Op
	anchors     map[string]*RecordedAnchor
	panels      map[string]*RecordedPanel
	route       *route.Overlay
	closed      bool
	panelHeight float64 // >0 时面板打开后立即可测高
}

// NewRecorder 创建内存渲染面
func NewRecorder() *Recorder {
	return &Recorder{
		anchors: make(map[string]*RecordedAnchor),
		panels:  make(map[string]*RecordedPanel),
	}
}

// WithPanelHeight 面板打开后自动上报的高度
func (r *Recorder) WithPanelHeight(h float64) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.panelHeight = h
	return r
}

func (r *Recorder) record(op Op) {
	r.ops = append(r.ops, op)
}

// AddAnchor 添加标记
func (r *Recorder) AddAnchor(id string, pos geo.LatLng, onClick func()) Anchor {
	r.mu.Lock()
	defer r.mu.Unlock()

	a := &RecordedAnchor{r: r, id: id, pos: pos, onClick: onClick}
	r.anchors[id] = a
	r.record(Op{Type: OpAnchorAdd, ID: id, Pos: pos})
	return a
}

// MountPanel 挂载面板
func (r *Recorder) MountPanel(id string) Panel {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := &RecordedPanel{r: r, id: id}
	r.panels[id] = p
	r.record(Op{Type: OpPanelMount, ID: id})
	return p
}

// SetView 设置视图中心和缩放
func (r *Recorder) SetView(center geo.LatLng, zoom float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Op{Type: OpCameraView, Pos: center, Zoom: zoom})
}

// PanTo 平移到指定位置
func (r *Recorder) PanTo(center geo.LatLng) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Op{Type: OpCameraPanTo, Pos: center})
}

// PanBy 按像素平移
func (r *Recorder) PanBy(dx, dy float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Op{Type: OpCameraPanBy, DX: dx, DY: dy})
}

// FitBounds 缩放到边界
func (r *Recorder) FitBounds(bound orb.Bound, padding float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Op{Type: OpCameraFit, Bound: bound, Padding: padding})
}

// DrawRoute 绘制路线
func (r *Recorder) DrawRoute(overlay route.Overlay) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.route = &overlay
	r.record(Op{Type: OpRouteDraw, ID: overlay.VehicleID, Route: &overlay})
}

// ClearRoute 清除路线
func (r *Recorder) ClearRoute() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.route = nil
	r.record(Op{Type: OpRouteClear})
}

// Close 关闭渲染面。仍有存活标记或面板时返回错误
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrSurfaceClosed
	}
	r.closed = true
	if len(r.anchors) > 0 || len(r.panels) > 0 {
		return errors.New("surface closed with live visual objects")
	}
	return nil
}

// Closed 是否已关闭
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Ops 获取已记录的操作副本
func (r *Recorder) Ops() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Op, len(r.ops))
	copy(out, r.ops)
	return out
}

// OpsOf 获取指定类型的操作
func (r *Recorder) OpsOf(opType string) []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Op
	for _, op := range r.ops {
		if op.Type == opType {
			out = append(out, op)
		}
	}
	return out
}

// Count 统计指定类型 (可选指定 id) 的操作次数
func (r *Recorder) Count(opType string, id ...string) int {
	n := 0
	for _, op := range r.OpsOf(opType) {
		if len(id) == 0 || op.ID == id[0] {
			n++
		}
	}
	return n
}

// Reset 清空操作记录，保留当前场景
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = nil
}

// Anchor 获取存活标记
func (r *Recorder) Anchor(id string) (*RecordedAnchor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.anchors[id]
	return a, ok
}

// Panel 获取存活面板
func (r *Recorder) Panel(id string) (*RecordedPanel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.panels[id]
	return p, ok
}

// Route 当前绘制的路线
func (r *Recorder) Route() (route.Overlay, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.route == nil {
		return route.Overlay{}, false
	}
	return *r.route, true
}

// Click 模拟点击标记
func (r *Recorder) Click(id string) bool {
	r.mu.Lock()
	a, ok := r.anchors[id]
	r.mu.Unlock()
	if !ok || a.onClick == nil {
		return false
	}
	a.onClick()
	return true
}

// ReportPanelHeight 模拟前端上报面板高度
func (r *Recorder) ReportPanelHeight(id string, h float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.panels[id]
	if !ok {
		return false
	}
	p.height = h
	p.measured = true
	return true
}

// RecordedAnchor 内存标记
type RecordedAnchor struct {
	r       *Recorder
	id      string
	pos     geo.LatLng
	icon    Icon
	zIndex  int
	onClick func()
}

// Position 当前位置
func (a *RecordedAnchor) Position() geo.LatLng {
	a.r.mu.Lock()
	defer a.r.mu.Unlock()
	return a.pos
}

// SetPosition 移动标记
func (a *RecordedAnchor) SetPosition(pos geo.LatLng) {
	a.r.mu.Lock()
	defer a.r.mu.Unlock()
	a.pos = pos
	a.r.record(Op{Type: OpAnchorMove, ID: a.id, Pos: pos})
}

// SetIcon 设置图标
func (a *RecordedAnchor) SetIcon(icon Icon) {
	a.r.mu.Lock()
	defer a.r.mu.Unlock()
	a.icon = icon
	a.r.record(Op{Type: OpAnchorIcon, ID: a.id, Icon: icon})
}

// SetZIndex 设置层级
func (a *RecordedAnchor) SetZIndex(z int) {
	a.r.mu.Lock()
	defer a.r.mu.Unlock()
	a.zIndex = z
	a.r.record(Op{Type: OpAnchorZIndex, ID: a.id, ZIndex: z})
}

// Icon 当前图标
func (a *RecordedAnchor) Icon() Icon {
	a.r.mu.Lock()
	defer a.r.mu.Unlock()
	return a.icon
}

// ZIndex 当前层级
func (a *RecordedAnchor) ZIndex() int {
	a.r.mu.Lock()
	defer a.r.mu.Unlock()
	return a.zIndex
}

// Remove 移除标记
func (a *RecordedAnchor) Remove() {
	a.r.mu.Lock()
	defer a.r.mu.Unlock()
	if a.r.anchors[a.id] == a {
		delete(a.r.anchors, a.id)
	}
	a.r.record(Op{Type: OpAnchorRemove, ID: a.id})
}

// RecordedPanel 内存面板
type RecordedPanel struct {
	r        *Recorder
	id       string
	content  PanelContent
	renders  int
	open     bool
	height   float64
	measured bool
}

// Render 渲染内容
func (p *RecordedPanel) Render(content PanelContent) {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	p.content = content
	p.renders++
	c := content
	p.r.record(Op{Type: OpPanelRender, ID: p.id, Content: &c})
}

// Open 打开面板
func (p *RecordedPanel) Open() {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	p.open = true
	if p.r.panelHeight > 0 && !p.measured {
		p.height = p.r.panelHeight
		p.measured = true
	}
	p.r.record(Op{Type: OpPanelOpen, ID: p.id})
}

// IsOpen 是否已打开
func (p *RecordedPanel) IsOpen() bool {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	return p.open
}

// Height 面板高度
func (p *RecordedPanel) Height() (float64, bool) {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	return p.height, p.measured
}

// Content 最近一次渲染的内容
func (p *RecordedPanel) Content() PanelContent {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	return p.content
}

// Renders 渲染次数
func (p *RecordedPanel) Renders() int {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	return p.renders
}

// Unmount 卸载面板
func (p *RecordedPanel) Unmount() {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	if p.r.panels[p.id] == p {
		delete(p.r.panels, p.id)
	}
	p.r.record(Op{Type: OpPanelUnmount, ID: p.id})
}
