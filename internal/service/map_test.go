package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/langchou/fleetmap/internal/command"
	"github.com/langchou/fleetmap/internal/feed"
	"github.com/langchou/fleetmap/internal/metrics"
	"github.com/langchou/fleetmap/internal/models"
	"github.com/langchou/fleetmap/internal/render"
	"github.com/langchou/fleetmap/internal/state"
	"github.com/langchou/fleetmap/internal/viewport"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func vehicle(id string, status models.VehicleStatus, lat, lng float64) *models.Vehicle {
	return &models.Vehicle{
		ID:     id,
		Name:   "Vehicle " + id,
		Plate:  "PLT-" + id,
		Status: status,
		LastPosition: models.Position{
			Lat:       lat,
			Lng:       lng,
			Speed:     42.6,
			Ignition:  true,
			Voltage:   13.6,
			Timestamp: t0,
		},
	}
}

// withHistory 沿纬度方向每隔约 111 m 一个历史点
func withHistory(v *models.Vehicle, n int) *models.Vehicle {
	for i := 0; i < n; i++ {
		v.History = append(v.History, models.Position{
			Lat:       v.LastPosition.Lat - float64(n-i)*0.001,
			Lng:       v.LastPosition.Lng,
			Timestamp: t0.Add(-time.Duration(n-i) * time.Minute),
		})
	}
	return v
}

type harness struct {
	svc *MapService
	rec *render.Recorder
	clk *clocktesting.FakeClock
	ctx context.Context
	err chan error
}

func newHarness(t *testing.T, cfg Config, source feed.Source, dispatcher command.Dispatcher) *harness {
	t.Helper()
	clk := clocktesting.NewFakeClock(t0)
	if dispatcher == nil {
		dispatcher = command.NewSimulatedDispatcher(clk, command.DefaultLatency, nil)
	}
	rec := render.NewRecorder().WithPanelHeight(200)

	h := &harness{
		svc: NewMapService(cfg, nil, clk, source, rec, dispatcher),
		rec: rec,
		clk: clk,
		ctx: context.Background(),
		err: make(chan error, 1),
	}
	go func() { h.err <- h.svc.Run(context.Background()) }()
	t.Cleanup(func() {
		h.svc.Stop()
		<-h.svc.Done()
	})
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FeedInterval = 0
	return cfg
}

func (h *harness) apply(t *testing.T, vehicles ...*models.Vehicle) {
	t.Helper()
	_, err := h.svc.ApplySnapshot(h.ctx, vehicles)
	require.NoError(t, err)
}

func TestMapServiceReconcile(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)

	stats, err := h.svc.ApplySnapshot(h.ctx, []*models.Vehicle{
		vehicle("a", models.StatusMoving, 1, 1),
		vehicle("b", models.StatusIdle, 2, 2),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Created)

	stats, err = h.svc.ApplySnapshot(h.ctx, []*models.Vehicle{
		vehicle("b", models.StatusIdle, 2, 2),
		vehicle("c", models.StatusOnline, 3, 3),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 1, stats.Destroyed)

	_, ok := h.rec.Anchor("a")
	assert.False(t, ok)
	vehicles, err := h.svc.Vehicles(h.ctx)
	require.NoError(t, err)
	require.Len(t, vehicles, 2)
	assert.Equal(t, "b", vehicles[0].ID)
	assert.Equal(t, "c", vehicles[1].ID)

	hud, err := h.svc.HUD(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeLive, hud.Mode)
	assert.Equal(t, 2, hud.Units)
}

func TestMapServiceSkipsInvalidVehicles(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)

	bad := vehicle("bad", models.StatusMoving, 120, 1)
	stats, err := h.svc.ApplySnapshot(h.ctx, []*models.Vehicle{
		vehicle("a", models.StatusMoving, 1, 1),
		bad,
		nil,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created)

	_, err = h.svc.Vehicle(h.ctx, "bad")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMapServiceSelectionAndHistory(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)
	h.apply(t,
		withHistory(vehicle("v1", models.StatusMoving, 1, 1), 5),
		vehicle("v2", models.StatusIdle, 2, 2),
	)

	st, err := h.svc.Select(h.ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", st.Selected)

	a, _ := h.rec.Anchor("v1")
	assert.Equal(t, render.ZIndexSelected, a.ZIndex())
	assert.Equal(t, render.IconPinSelected, a.Icon().Variant)

	st, err = h.svc.ToggleHistory(h.ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", st.HistoryActive)

	overlay, ok := h.rec.Route()
	require.True(t, ok)
	assert.Equal(t, "v1", overlay.VehicleID)
	assert.Len(t, overlay.Path, 6)
	assert.Equal(t, 1, h.rec.Count(render.OpCameraFit))

	panel, err := h.svc.Panel(h.ctx, "v1")
	require.NoError(t, err)
	assert.True(t, panel.HistoryActive)

	hud, err := h.svc.HUD(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeRoute, hud.Mode)
	assert.Equal(t, 6, hud.RoutePoints)

	// 选中其他车辆时历史模式清除
	st, err = h.svc.Select(h.ctx, "v2")
	require.NoError(t, err)
	assert.Equal(t, "v2", st.Selected)
	assert.Empty(t, st.HistoryActive)

	_, ok = h.rec.Route()
	assert.False(t, ok)
	a, _ = h.rec.Anchor("v1")
	assert.Equal(t, render.ZIndexDefault, a.ZIndex())

	hud, err = h.svc.HUD(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeLive, hud.Mode)

	st, err = h.svc.ClearSelection(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Selected)
}

func TestMapServiceRouteRefreshesWithSnapshot(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)
	v1 := withHistory(vehicle("v1", models.StatusMoving, 1, 1), 3)
	h.apply(t, v1)

	_, err := h.svc.Select(h.ctx, "v1")
	require.NoError(t, err)
	_, err = h.svc.ToggleHistory(h.ctx, "v1")
	require.NoError(t, err)
	pans := h.rec.Count(render.OpCameraPanTo)

	moved := v1.Clone()
	moved.History = append(moved.History, moved.LastPosition)
	moved.LastPosition.Lat += 0.001
	moved.LastPosition.Timestamp = t0.Add(time.Minute)
	h.apply(t, moved)

	overlay, ok := h.rec.Route()
	require.True(t, ok)
	assert.Len(t, overlay.Path, 5)
	assert.Equal(t, 2, h.rec.Count(render.OpCameraFit), "route refit on update")
	assert.Equal(t, pans, h.rec.Count(render.OpCameraPanTo), "no follow in history mode")
}

func TestMapServiceFollowSelected(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)
	v1 := vehicle("v1", models.StatusMoving, 1, 1)
	h.apply(t, v1)

	_, err := h.svc.Select(h.ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.rec.Count(render.OpCameraPanTo))

	h.apply(t, v1)
	assert.Equal(t, 1, h.rec.Count(render.OpCameraPanTo), "unchanged position does not pan")

	moved := v1.Clone()
	moved.LastPosition.Lng += 0.01
	h.apply(t, moved)
	pans := h.rec.OpsOf(render.OpCameraPanTo)
	require.Len(t, pans, 2)
	assert.Equal(t, moved.LastPosition.LatLng(), pans[1].Pos)
}

func TestMapServiceSelectedVehicleLeaves(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)
	h.apply(t,
		withHistory(vehicle("v1", models.StatusMoving, 1, 1), 3),
		vehicle("v2", models.StatusIdle, 2, 2),
	)
	_, err := h.svc.Select(h.ctx, "v1")
	require.NoError(t, err)
	_, err = h.svc.ToggleHistory(h.ctx, "v1")
	require.NoError(t, err)

	h.apply(t, vehicle("v2", models.StatusIdle, 2, 2))

	st, err := h.svc.Selection(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Selected)
	assert.Empty(t, st.HistoryActive)
	_, ok := h.rec.Route()
	assert.False(t, ok)
}

func TestMapServiceStaleIDs(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)
	h.apply(t, vehicle("v1", models.StatusMoving, 1, 1))
	ops := len(h.rec.Ops())

	_, err := h.svc.Select(h.ctx, "zz")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.ToggleHistory(h.ctx, "zz")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, h.svc.Focus(h.ctx, "zz"), ErrNotFound)
	_, err = h.svc.RequestCommand(h.ctx, "zz", models.CommandLock)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.Route(h.ctx, "zz")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.Panel(h.ctx, "zz")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Len(t, h.rec.Ops(), ops, "stale ids render nothing")
}

func TestMapServiceAnchorClickFocuses(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)
	h.apply(t, vehicle("v1", models.StatusMoving, 1, 1))

	require.True(t, h.rec.Click("v1"))
	require.Eventually(t, func() bool {
		st, err := h.svc.Selection(h.ctx)
		return err == nil && st.Selected == "v1"
	}, waitFor, tick)

	views := h.rec.OpsOf(render.OpCameraView)
	require.Len(t, views, 2, "initial view plus focus")
	assert.Equal(t, 16.0, views[1].Zoom)

	hud, err := h.svc.HUD(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, viewport.StateCentering, hud.FocusState)

	h.clk.Step(100 * time.Millisecond)
	require.Eventually(t, func() bool {
		return h.rec.Count(render.OpCameraPanBy) == 1
	}, waitFor, tick)

	pan := h.rec.OpsOf(render.OpCameraPanBy)[0]
	assert.Equal(t, -140.0, pan.DY)
	p, _ := h.rec.Panel("v1")
	assert.True(t, p.IsOpen())

	hud, err = h.svc.HUD(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, viewport.StateIdle, hud.FocusState)
}

func TestMapServiceCommandLifecycle(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)
	h.apply(t,
		vehicle("v1", models.StatusMoving, 1, 1),
		vehicle("v2", models.StatusIdle, 2, 2),
	)

	ps, err := h.svc.RequestCommand(h.ctx, "v1", models.CommandLock)
	require.NoError(t, err)
	assert.Equal(t, state.StateConfirming, ps.State)
	assert.Equal(t, "Lock vehicle?", ps.Prompt())

	ps, err = h.svc.CancelCommand(h.ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, state.StateIdle, ps.State)

	_, err = h.svc.ConfirmCommand(h.ctx, "v1")
	assert.ErrorIs(t, err, state.ErrInvalidTransition)

	_, err = h.svc.RequestCommand(h.ctx, "v1", models.CommandLock)
	require.NoError(t, err)
	ps, err = h.svc.ConfirmCommand(h.ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, state.StateSending, ps.State)

	panel, err := h.svc.Panel(h.ctx, "v1")
	require.NoError(t, err)
	assert.True(t, panel.Loading)
	other, err := h.svc.Panel(h.ctx, "v2")
	require.NoError(t, err)
	assert.False(t, other.Loading)

	// 等待模拟下发器的计时器注册后再推进时钟
	require.Eventually(t, h.clk.HasWaiters, waitFor, tick)
	h.clk.Step(command.DefaultLatency)

	require.Eventually(t, func() bool {
		p, err := h.svc.Panel(h.ctx, "v1")
		return err == nil && p.CommandState == state.StateSucceeded && !p.Loading
	}, waitFor, tick)

	panel, err = h.svc.Panel(h.ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "Lock sent!", panel.Feedback)
	rp, _ := h.rec.Panel("v1")
	assert.Equal(t, "Lock sent!", rp.Content().Feedback)

	h.clk.Step(3 * time.Second)
	require.Eventually(t, func() bool {
		p, err := h.svc.Panel(h.ctx, "v1")
		return err == nil && p.CommandState == state.StateIdle && p.Feedback == ""
	}, waitFor, tick)
}

func TestMapServiceSendCommandFailure(t *testing.T) {
	var mu sync.Mutex
	failing := true
	clk := clocktesting.NewFakeClock(t0)
	dispatcher := command.NewSimulatedDispatcher(clk, 0, nil).WithFailure(func(command.Request) error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return errors.New("vehicle asleep")
		}
		return nil
	})
	h := newHarness(t, testConfig(), nil, dispatcher)
	h.apply(t, vehicle("v1", models.StatusMoving, 1, 1))

	before := testutil.ToFloat64(metrics.CommandSentTotal.WithLabelValues("failed", string(models.CommandUnlock)))
	_, err := h.svc.SendCommand(h.ctx, "v1", models.CommandUnlock)
	require.ErrorIs(t, err, command.ErrDispatch)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.CommandSentTotal.WithLabelValues("failed", string(models.CommandUnlock))))

	panel, err := h.svc.Panel(h.ctx, "v1")
	require.NoError(t, err)
	assert.True(t, panel.Failed)
	assert.Contains(t, panel.Feedback, "vehicle asleep")
	assert.Equal(t, models.CommandUnlock, panel.Pending)

	// 失败后确认即重试
	mu.Lock()
	failing = false
	mu.Unlock()
	_, err = h.svc.ConfirmCommand(h.ctx, "v1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p, err := h.svc.Panel(h.ctx, "v1")
		return err == nil && p.CommandState == state.StateSucceeded
	}, waitFor, tick)

	ack, err := h.svc.SendCommand(h.ctx, "v1", models.CommandLock)
	require.NoError(t, err)
	assert.Equal(t, "v1", ack.VehicleID)
	assert.NotEmpty(t, ack.RequestID)
}

func TestMapServiceStopTearsDown(t *testing.T) {
	clk := clocktesting.NewFakeClock(t0)
	rec := render.NewRecorder()
	svc := NewMapService(testConfig(), nil, clk, nil, rec, command.NewSimulatedDispatcher(clk, 0, nil))

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(context.Background()) }()

	_, err := svc.ApplySnapshot(context.Background(), []*models.Vehicle{
		vehicle("a", models.StatusMoving, 1, 1),
		vehicle("b", models.StatusIdle, 2, 2),
	})
	require.NoError(t, err)

	svc.Stop()
	svc.Stop()
	<-svc.Done()

	require.NoError(t, <-errCh)
	assert.True(t, rec.Closed())
	assert.Equal(t, 2, rec.Count(render.OpAnchorRemove))
	assert.Equal(t, 2, rec.Count(render.OpPanelUnmount))

	_, err = svc.ApplySnapshot(context.Background(), nil)
	assert.ErrorIs(t, err, ErrStopped)
}

// flakySource 第一次返回车队，之后返回错误
type flakySource struct {
	mu    sync.Mutex
	calls int
	fleet []*models.Vehicle
}

func (s *flakySource) Name() string { return "flaky" }

func (s *flakySource) Fetch(context.Context) ([]*models.Vehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls > 1 {
		return nil, errors.New("upstream timeout")
	}
	return models.CloneAll(s.fleet), nil
}

func TestMapServiceFeedErrorKeepsLastState(t *testing.T) {
	cfg := DefaultConfig()
	src := &flakySource{fleet: []*models.Vehicle{
		vehicle("a", models.StatusMoving, 1, 1),
		vehicle("b", models.StatusIdle, 2, 2),
	}}
	h := newHarness(t, cfg, src, nil)

	require.Eventually(t, func() bool {
		hud, err := h.svc.HUD(h.ctx)
		return err == nil && hud.Units == 2
	}, waitFor, tick)

	before := testutil.ToFloat64(metrics.FeedErrors.WithLabelValues("flaky"))
	h.clk.Step(cfg.FeedInterval)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.FeedErrors.WithLabelValues("flaky")) == before+1
	}, waitFor, tick)

	hud, err := h.svc.HUD(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, hud.Units)
	_, ok := h.rec.Anchor("a")
	assert.True(t, ok)
}

func TestMapServiceSimulatorFeed(t *testing.T) {
	cfg := DefaultConfig()
	clkSim := clocktesting.NewFakeClock(t0)
	sim := feed.NewSimulator(feed.SimulatorConfig{Seed: 1, HistoryLimit: 20}, nil, clkSim, nil)
	h := newHarness(t, cfg, sim, nil)

	require.Eventually(t, func() bool {
		hud, err := h.svc.HUD(h.ctx)
		return err == nil && hud.Units == 4
	}, waitFor, tick)

	first, err := h.svc.Vehicle(h.ctx, "v1")
	require.NoError(t, err)

	clkSim.Step(cfg.FeedInterval)
	h.clk.Step(cfg.FeedInterval)
	require.Eventually(t, func() bool {
		v, err := h.svc.Vehicle(h.ctx, "v1")
		return err == nil && v.LastPosition.Lat != first.LastPosition.Lat
	}, waitFor, tick)

	a, ok := h.rec.Anchor("v1")
	require.True(t, ok)
	assert.Equal(t, render.IconPin, a.Icon().Variant)
	assert.True(t, a.Icon().Pulse)
}
