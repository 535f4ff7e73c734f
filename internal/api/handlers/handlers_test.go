package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/langchou/fleetmap/internal/command"
	"github.com/langchou/fleetmap/internal/models"
	"github.com/langchou/fleetmap/internal/render"
	"github.com/langchou/fleetmap/internal/service"
	"github.com/langchou/fleetmap/internal/state"
	"github.com/langchou/fleetmap/pkg/ws"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	svc    *service.MapService
	rec    *render.Recorder
	router *gin.Engine
}

func newFixture(t *testing.T, dispatcher command.Dispatcher) *fixture {
	t.Helper()
	clk := clocktesting.NewFakeClock(t0)
	if dispatcher == nil {
		dispatcher = command.NewSimulatedDispatcher(clk, 0, nil)
	}

	cfg := service.DefaultConfig()
	cfg.FeedInterval = 0
	rec := render.NewRecorder().WithPanelHeight(180)
	svc := service.NewMapService(cfg, nil, clk, nil, rec, dispatcher)
	go svc.Run(context.Background())
	t.Cleanup(func() {
		svc.Stop()
		<-svc.Done()
	})

	_, err := svc.ApplySnapshot(context.Background(), []*models.Vehicle{
		{
			ID: "v1", Name: "Truck 01", Status: models.StatusMoving,
			LastPosition: models.Position{Lat: -23.5505, Lng: -46.6333, Speed: 64.6, Ignition: true, Timestamp: t0},
			History: []models.Position{
				{Lat: -23.5605, Lng: -46.6333, Timestamp: t0.Add(-2 * time.Minute)},
				{Lat: -23.5555, Lng: -46.6333, Timestamp: t0.Add(-time.Minute)},
			},
		},
		{
			ID: "v2", Name: "Fiorino", Status: models.StatusIdle,
			LastPosition: models.Position{Lat: -23.5615, Lng: -46.6550, Timestamp: t0},
		},
	})
	require.NoError(t, err)

	hub := ws.NewHub(nil)
	h := NewHandler(nil, svc, hub)
	r := gin.New()
	h.RegisterRoutes(r)

	return &fixture{svc: svc, rec: rec, router: r}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var out map[string]json.RawMessage
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestListAndGetVehicles(t *testing.T) {
	f := newFixture(t, nil)

	w, body := f.do(t, http.MethodGet, "/api/vehicles", "")
	require.Equal(t, http.StatusOK, w.Code)
	var vehicles []models.Vehicle
	require.NoError(t, json.Unmarshal(body["data"], &vehicles))
	require.Len(t, vehicles, 2)
	assert.Equal(t, "v1", vehicles[0].ID)

	w, body = f.do(t, http.MethodGet, "/api/vehicles/v2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var v models.Vehicle
	require.NoError(t, json.Unmarshal(body["data"], &v))
	assert.Equal(t, "Fiorino", v.Name)

	w, body = f.do(t, http.MethodGet, "/api/vehicles/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `"Vehicle not found"`, string(body["error"]))
}

func TestGetRouteGeoJSON(t *testing.T) {
	f := newFixture(t, nil)

	w, body := f.do(t, http.MethodGet, "/api/vehicles/v1/route", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `"Feature"`, string(body["type"]))

	var geometry struct {
		Type        string      `json:"type"`
		Coordinates [][]float64 `json:"coordinates"`
	}
	require.NoError(t, json.Unmarshal(body["geometry"], &geometry))
	assert.Equal(t, "LineString", geometry.Type)
	require.Len(t, geometry.Coordinates, 3)
	// GeoJSON 坐标顺序为 [lng, lat]
	assert.Equal(t, []float64{-46.6333, -23.5505}, geometry.Coordinates[2])

	w, body = f.do(t, http.MethodGet, "/api/vehicles/v2/route", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(body["geometry"], &geometry))
	assert.Equal(t, "Point", geometry.Type)
}

func TestSelectionEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	w, _ := f.do(t, http.MethodPost, "/api/vehicles/v1/select", "")
	require.Equal(t, http.StatusOK, w.Code)

	w, body := f.do(t, http.MethodPost, "/api/vehicles/v1/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"selected":"v1","history_active":"v1"}`, string(body["data"]))

	w, body = f.do(t, http.MethodGet, "/api/map/hud", "")
	require.Equal(t, http.StatusOK, w.Code)
	var hud service.HUD
	require.NoError(t, json.Unmarshal(body["data"], &hud))
	assert.Equal(t, service.ModeRoute, hud.Mode)
	assert.Equal(t, 3, hud.RoutePoints)

	w, body = f.do(t, http.MethodPost, "/api/vehicles/v2/select", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"selected":"v2","history_active":""}`, string(body["data"]))

	w, body = f.do(t, http.MethodDelete, "/api/map/selection", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"selected":"","history_active":""}`, string(body["data"]))

	w, _ = f.do(t, http.MethodPost, "/api/vehicles/nope/history", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/vehicles/v1/focus", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, f.rec.Count(render.OpCameraView))
}

func TestCommandEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	w, _ := f.do(t, http.MethodPost, "/api/vehicles/v1/commands", `{"kind":"HONK"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body := f.do(t, http.MethodPost, "/api/vehicles/v1/commands/request", `{"kind":"UNLOCK"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var ps state.PanelState
	require.NoError(t, json.Unmarshal(body["data"], &ps))
	assert.Equal(t, state.StateConfirming, ps.State)
	assert.Equal(t, models.CommandUnlock, ps.Pending)

	w, _ = f.do(t, http.MethodPost, "/api/vehicles/v1/commands/request", `{"kind":"LOCK"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, body = f.do(t, http.MethodPost, "/api/vehicles/v1/commands/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(body["data"], &ps))
	assert.Equal(t, state.StateIdle, ps.State)

	w, body = f.do(t, http.MethodPost, "/api/vehicles/v1/commands", `{"kind":"LOCK"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var ack command.Ack
	require.NoError(t, json.Unmarshal(body["data"], &ack))
	assert.Equal(t, "v1", ack.VehicleID)
	assert.Equal(t, models.CommandLock, ack.Kind)

	w, body = f.do(t, http.MethodGet, "/api/vehicles/v1/panel", "")
	require.Equal(t, http.StatusOK, w.Code)
	var content render.PanelContent
	require.NoError(t, json.Unmarshal(body["data"], &content))
	assert.Equal(t, "Lock sent!", content.Feedback)
	assert.Equal(t, 65, content.Speed)

	w, _ = f.do(t, http.MethodPost, "/api/vehicles/nope/commands", `{"kind":"LOCK"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCommandDispatchFailure(t *testing.T) {
	clk := clocktesting.NewFakeClock(t0)
	dispatcher := command.NewSimulatedDispatcher(clk, 0, nil).WithFailure(func(command.Request) error {
		return errors.New("no signal")
	})
	f := newFixture(t, dispatcher)

	w, body := f.do(t, http.MethodPost, "/api/vehicles/v2/commands", `{"kind":"LOCK"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, string(body["error"]), "no signal")

	w, body = f.do(t, http.MethodPost, "/api/vehicles/v2/commands/confirm", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	var ps state.PanelState
	require.NoError(t, json.Unmarshal(body["data"], &ps))
	assert.Equal(t, state.StateSending, ps.State)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	w, body := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `2`, string(body["units"]))

	w, _ = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fleetmap_visual_objects_live")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", service.ErrNotFound, http.StatusNotFound},
		{"invalid kind", models.ErrInvalidCommand, http.StatusBadRequest},
		{"transition", state.ErrInvalidTransition, http.StatusConflict},
		{"in flight", command.ErrInFlight, http.StatusConflict},
		{"dispatch", command.ErrDispatch, http.StatusBadGateway},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"stopped", service.ErrStopped, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestClientMessageHandler(t *testing.T) {
	f := newFixture(t, nil)
	m := NewClientMessageHandler(nil, f.svc, f.rec)
	ctx := context.Background()

	m.Handle(ws.ClientMessage{Type: ws.ClientSelect, VehicleID: "v2"})
	st, err := f.svc.Selection(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", st.Selected)

	m.Handle(ws.ClientMessage{Type: ws.ClientToggleHistory, VehicleID: "v2"})
	st, err = f.svc.Selection(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", st.HistoryActive)

	m.Handle(ws.ClientMessage{Type: ws.ClientCommandRequest, VehicleID: "v2", Kind: "LOCK"})
	ps, err := f.svc.Panel(ctx, "v2")
	require.NoError(t, err)
	assert.Equal(t, state.StateConfirming, ps.CommandState)
	assert.Equal(t, "Lock vehicle?", ps.Prompt)

	m.Handle(ws.ClientMessage{Type: ws.ClientCommandCancel, VehicleID: "v2"})
	ps, err = f.svc.Panel(ctx, "v2")
	require.NoError(t, err)
	assert.Equal(t, state.StateIdle, ps.CommandState)

	m.Handle(ws.ClientMessage{Type: ws.ClientAnchorClick, VehicleID: "v1"})
	require.Eventually(t, func() bool {
		st, err := f.svc.Selection(ctx)
		return err == nil && st.Selected == "v1"
	}, 2*time.Second, 5*time.Millisecond)

	m.Handle(ws.ClientMessage{Type: ws.ClientPanelHeight, VehicleID: "v1", Height: 320})
	p, ok := f.rec.Panel("v1")
	require.True(t, ok)
	h, measured := p.Height()
	assert.True(t, measured)
	assert.Equal(t, 320.0, h)

	// 未知消息和未知车辆都被忽略
	m.Handle(ws.ClientMessage{Type: "dance", VehicleID: "v1"})
	m.Handle(ws.ClientMessage{Type: ws.ClientFocus, VehicleID: "nope"})
}
