package route

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchou/fleetmap/internal/geo"
	"github.com/langchou/fleetmap/internal/models"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func pos(lat, lng float64, at time.Duration) models.Position {
	return models.Position{Lat: lat, Lng: lng, Timestamp: base.Add(at)}
}

func TestSimplifyEmptyHistory(t *testing.T) {
	current := pos(-23.5505, -46.6333, 0)

	path := Simplify(nil, current)

	assert.Equal(t, geo.Path{current.LatLng()}, path)
}

func TestSimplifyStationaryJitterThenMove(t *testing.T) {
	// 10 个历史点都在 5 米范围内，当前位置在 50 米外
	history := make([]models.Position, 10)
	for i := range history {
		dLat := float64(i%3) * 0.00001
		dLng := float64(i%2) * 0.00001
		history[i] = pos(-23.5505+dLat, -46.6333+dLng, time.Duration(i)*time.Minute)
	}
	current := pos(-23.5505+0.00045, -46.6333, 10*time.Minute)

	path := Simplify(history, current)

	require.Len(t, path, 2)
	assert.Equal(t, history[0].LatLng(), path[0])
	assert.Equal(t, current.LatLng(), path[1])
}

func TestSimplifyForcesCurrentWhenDropped(t *testing.T) {
	history := []models.Position{
		pos(-23.5505, -46.6333, 0),
		pos(-23.5505+0.001, -46.6333, time.Minute), // ~111 m
	}
	// 与上一个保留点只差 ~3 米
	current := pos(-23.5505+0.00103, -46.6333, 2*time.Minute)

	path := Simplify(history, current)

	require.Len(t, path, 3)
	assert.Equal(t, current.LatLng(), path[2])
	assert.LessOrEqual(t, geo.DistanceMeters(path[1], path[2]), MinSegmentMeters)
}

func TestSimplifySortsByTimestamp(t *testing.T) {
	a := pos(-23.5505, -46.6333, 0)
	b := pos(-23.5515, -46.6333, time.Minute)
	c := pos(-23.5525, -46.6333, 2*time.Minute)
	current := pos(-23.5535, -46.6333, 3*time.Minute)

	path := Simplify([]models.Position{c, a, b}, current)

	want := geo.Path{a.LatLng(), b.LatLng(), c.LatLng(), current.LatLng()}
	if diff := cmp.Diff(want, path); diff != "" {
		t.Errorf("Simplify() mismatch (-want +got):\n%s", diff)
	}
}

func TestSimplifyDuplicateTimestamps(t *testing.T) {
	a := pos(-23.5505, -46.6333, 0)
	b := pos(-23.5515, -46.6333, 0)
	current := pos(-23.5525, -46.6333, 0)

	path := Simplify([]models.Position{a, b}, current)

	assert.Equal(t, geo.Path{a.LatLng(), b.LatLng(), current.LatLng()}, path)
}

func TestSimplifyMergesSamplesNewerThanCurrent(t *testing.T) {
	a := pos(-23.5505, -46.6333, 0)
	future := pos(-23.6, -46.7, time.Hour)
	current := pos(-23.5525, -46.6333, time.Minute)

	path := Simplify([]models.Position{a, future}, current)

	// 按时间合并后最后保留的是更晚的采样，当前位置再补到末尾
	assert.Equal(t, geo.Path{a.LatLng(), current.LatLng(), future.LatLng(), current.LatLng()}, path)
}

func TestSimplifyProperties(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 42))

	for run := 0; run < 200; run++ {
		n := r.IntN(40)
		history := make([]models.Position, n)
		for i := range history {
			history[i] = pos(
				-23.55+r.Float64()*0.002,
				-46.63+r.Float64()*0.002,
				time.Duration(r.IntN(3600))*time.Second,
			)
		}
		current := pos(-23.55+r.Float64()*0.002, -46.63+r.Float64()*0.002, time.Hour)

		path := Simplify(history, current)

		require.NotEmpty(t, path)
		assert.LessOrEqual(t, len(path), n+1)

		last, _ := path.Last()
		assert.Equal(t, current.LatLng(), last)

		// 除最后一段 (可能是强制补回的当前位置) 外，相邻点间距都必须超过阈值
		for i := 1; i < len(path)-1; i++ {
			assert.Greater(t, geo.DistanceMeters(path[i-1], path[i]), MinSegmentMeters)
		}
	}
}

func TestSimplifyDeterministic(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))

	history := make([]models.Position, 30)
	for i := range history {
		history[i] = pos(-23.55+r.Float64()*0.003, -46.63+r.Float64()*0.003, time.Duration(i)*time.Minute)
	}
	current := pos(-23.55, -46.63, time.Hour)

	sorted := Simplify(history, current)

	shuffled := make([]models.Position, len(history))
	copy(shuffled, history)
	r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	if diff := cmp.Diff(sorted, Simplify(shuffled, current)); diff != "" {
		t.Errorf("shuffled input changed the route (-sorted +shuffled):\n%s", diff)
	}
	if diff := cmp.Diff(sorted, Simplify(history, current)); diff != "" {
		t.Errorf("repeated call changed the route:\n%s", diff)
	}
}

func TestNewOverlay(t *testing.T) {
	v := &models.Vehicle{
		ID:           "v1",
		LastPosition: pos(-23.5525, -46.6333, time.Minute),
		History:      []models.Position{pos(-23.5505, -46.6333, 0)},
	}

	o := NewOverlay(v)

	assert.Equal(t, "v1", o.VehicleID)
	assert.Len(t, o.Path, 2)
	assert.Equal(t, geo.LatLng{Lat: -23.5505, Lng: -46.6333}, o.Start)

	f := o.Feature()
	assert.Equal(t, "LineString", f.Geometry.GeoJSONType())
	assert.Equal(t, "v1", f.Properties["vehicle_id"])
	assert.Equal(t, 2, f.Properties["points"])
}

func TestOverlayFeatureSinglePoint(t *testing.T) {
	v := &models.Vehicle{ID: "v2", LastPosition: pos(-23.5615, -46.6550, 0)}

	f := NewOverlay(v).Feature()

	assert.Equal(t, "Point", f.Geometry.GeoJSONType())
}
