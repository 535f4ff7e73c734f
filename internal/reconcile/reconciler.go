package reconcile

import (
	"sort"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/langchou/fleetmap/internal/geo"
	"github.com/langchou/fleetmap/internal/metrics"
	"github.com/langchou/fleetmap/internal/models"
	"github.com/langchou/fleetmap/internal/render"
	"github.com/langchou/fleetmap/internal/state"
	"github.com/langchou/fleetmap/internal/viewport"
)

// Surface 可视对象的创建接口
type Surface interface {
	AddAnchor(id string, pos geo.LatLng, onClick func()) render.Anchor
	MountPanel(id string) render.Panel
}

// View 渲染所依赖的选择与指令状态
type View struct {
	Selected      string
	HistoryActive string
	// Loading 车辆是否有在途指令，可为 nil
	Loading func(vehicleID string) bool
}

func (v View) loading(id string) bool {
	return v.Loading != nil && v.Loading(id)
}

// Stats 一次对账的结果
type Stats struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Destroyed int `json:"destroyed"`
}

// object 可视对象：标记 + 面板 + 面板状态机，三者同生同灭
type object struct {
	id        string
	anchor    render.Anchor
	panel     render.Panel
	machine   *state.PanelMachine
	vehicle   *models.Vehicle
	icon      render.Icon
	zIndex    int
	destroyed bool
}

// Reconciler 可视对象注册表
//
// 唯一持有车辆 ID 到可视对象的映射，每次快照做一次完整的标记清除。
// 非并发安全，只在事件循环中使用。
type Reconciler struct {
	surface Surface
	clock   clock.PassiveClock
	logger  *zap.Logger
	onClick func(vehicleID string)

	objects map[string]*object
}

// New 创建对账器，onClick 在标记被点击时调用 (可能来自其他 goroutine)
func New(surface Surface, clk clock.PassiveClock, logger *zap.Logger, onClick func(vehicleID string)) *Reconciler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		surface: surface,
		clock:   clk,
		logger:  logger,
		onClick: onClick,
		objects: make(map[string]*object),
	}
}

// Reconcile 将快照同步到可视对象：新 ID 创建，已有 ID 原地更新，缺失 ID 销毁
func (r *Reconciler) Reconcile(snapshot []*models.Vehicle, view View) Stats {
	start := r.clock.Now()
	var stats Stats

	seen := make(map[string]struct{}, len(snapshot))
	for _, v := range snapshot {
		if v == nil {
			continue
		}
		if _, dup := seen[v.ID]; dup {
			continue
		}
		seen[v.ID] = struct{}{}

		if obj, ok := r.objects[v.ID]; ok {
			r.update(obj, v, view)
			stats.Updated++
			continue
		}
		r.create(v, view)
		stats.Created++
	}

	for id, obj := range r.objects {
		if _, ok := seen[id]; ok {
			continue
		}
		r.destroy(obj)
		stats.Destroyed++
	}

	metrics.VisualObjectsCreated.Add(float64(stats.Created))
	metrics.VisualObjectsDestroyed.Add(float64(stats.Destroyed))
	metrics.VisualObjectsLive.Set(float64(len(r.objects)))
	metrics.ReconcileDuration.Observe(r.clock.Since(start).Seconds())

	if stats.Created > 0 || stats.Destroyed > 0 {
		r.logger.Debug("Reconciled snapshot",
			zap.Int("created", stats.Created),
			zap.Int("updated", stats.Updated),
			zap.Int("destroyed", stats.Destroyed),
		)
	}
	return stats
}

func (r *Reconciler) create(v *models.Vehicle, view View) {
	id := v.ID
	selected := id == view.Selected

	obj := &object{
		id:      id,
		vehicle: v,
		icon:    render.IconFor(v.Status, selected),
		zIndex:  render.ZIndexFor(selected),
	}

	obj.anchor = r.surface.AddAnchor(id, v.LastPosition.LatLng(), func() {
		if r.onClick != nil {
			r.onClick(id)
		}
	})
	obj.anchor.SetIcon(obj.icon)
	obj.anchor.SetZIndex(obj.zIndex)

	obj.panel = r.surface.MountPanel(id)
	obj.machine = state.NewPanelMachine(id, r.clock, r.panelTransition)
	obj.panel.Render(buildContent(v, obj.machine.State(), view))

	r.objects[id] = obj
}

func (r *Reconciler) update(obj *object, v *models.Vehicle, view View) {
	obj.vehicle = v

	if pos := v.LastPosition.LatLng(); obj.anchor.Position() != pos {
		obj.anchor.SetPosition(pos)
	}
	r.highlight(obj, view.Selected)

	obj.panel.Render(buildContent(v, obj.machine.State(), view))
}

// highlight 只在图标或层级变化时写入
func (r *Reconciler) highlight(obj *object, selectedID string) bool {
	selected := obj.id == selectedID
	changed := false

	if icon := render.IconFor(obj.vehicle.Status, selected); icon != obj.icon {
		obj.icon = icon
		obj.anchor.SetIcon(icon)
		changed = true
	}
	if z := render.ZIndexFor(selected); z != obj.zIndex {
		obj.zIndex = z
		obj.anchor.SetZIndex(z)
		changed = true
	}
	return changed
}

func (r *Reconciler) destroy(obj *object) {
	obj.panel.Unmount()
	obj.anchor.Remove()
	obj.destroyed = true
	delete(r.objects, obj.id)
}

func (r *Reconciler) panelTransition(vehicleID, from, to string) {
	r.logger.Debug("Panel state changed",
		zap.String("vehicle_id", vehicleID),
		zap.String("from", from),
		zap.String("to", to),
	)
}

// RefreshHighlight 仅选中变化时的图标与层级刷新，不重新渲染面板
func (r *Reconciler) RefreshHighlight(selectedID string) int {
	n := 0
	for _, obj := range r.objects {
		if r.highlight(obj, selectedID) {
			n++
		}
	}
	return n
}

// Rerender 重新渲染单个面板
func (r *Reconciler) Rerender(vehicleID string, view View) bool {
	obj, ok := r.objects[vehicleID]
	if !ok {
		return false
	}
	obj.panel.Render(buildContent(obj.vehicle, obj.machine.State(), view))
	return true
}

// RerenderAll 重新渲染所有面板
func (r *Reconciler) RerenderAll(view View) {
	for _, obj := range r.objects {
		obj.panel.Render(buildContent(obj.vehicle, obj.machine.State(), view))
	}
}

// Machine 获取车辆面板的指令状态机
func (r *Reconciler) Machine(vehicleID string) (*state.PanelMachine, bool) {
	obj, ok := r.objects[vehicleID]
	if !ok {
		return nil, false
	}
	return obj.machine, true
}

// Content 当前应渲染的面板内容
func (r *Reconciler) Content(vehicleID string, view View) (render.PanelContent, bool) {
	obj, ok := r.objects[vehicleID]
	if !ok {
		return render.PanelContent{}, false
	}
	return buildContent(obj.vehicle, obj.machine.State(), view), true
}

// Target 聚焦目标，不对外暴露标记和面板句柄
func (r *Reconciler) Target(vehicleID string) (viewport.Target, bool) {
	obj, ok := r.objects[vehicleID]
	if !ok {
		return nil, false
	}
	return &target{r: r, obj: obj}, true
}

// DestroyAll 销毁所有可视对象，在关闭渲染面之前调用
func (r *Reconciler) DestroyAll() int {
	n := len(r.objects)
	for _, obj := range r.objects {
		r.destroy(obj)
	}
	metrics.VisualObjectsDestroyed.Add(float64(n))
	metrics.VisualObjectsLive.Set(0)
	if n > 0 {
		r.logger.Info("Destroyed all visual objects", zap.Int("count", n))
	}
	return n
}

// IDs 所有存活对象的 ID (有序)
func (r *Reconciler) IDs() []string {
	ids := make([]string, 0, len(r.objects))
	for id := range r.objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len 存活对象数量
func (r *Reconciler) Len() int {
	return len(r.objects)
}

type target struct {
	r   *Reconciler
	obj *object
}

func (t *target) ID() string {
	return t.obj.id
}

func (t *target) Position() geo.LatLng {
	return t.obj.anchor.Position()
}

func (t *target) OpenPanel() {
	t.obj.panel.Open()
}

func (t *target) PanelOpen() bool {
	return t.obj.panel.IsOpen()
}

func (t *target) PanelHeight() (float64, bool) {
	return t.obj.panel.Height()
}

func (t *target) Alive() bool {
	return !t.obj.destroyed && t.r.objects[t.obj.id] == t.obj
}
