package reconcile

import (
	"math"
	"strconv"

	"github.com/langchou/fleetmap/internal/models"
	"github.com/langchou/fleetmap/internal/render"
	"github.com/langchou/fleetmap/internal/state"
)

const directionsBaseURL = "https://www.google.com/maps/dir/?api=1&destination="

// DirectionsURL 导航到车辆当前位置的链接
func DirectionsURL(p models.Position) string {
	return directionsBaseURL +
		strconv.FormatFloat(p.Lat, 'f', -1, 64) + "," +
		strconv.FormatFloat(p.Lng, 'f', -1, 64) +
		"&travelmode=driving"
}

func buildContent(v *models.Vehicle, ps state.PanelState, view View) render.PanelContent {
	ignition := "OFF"
	if v.LastPosition.Ignition {
		ignition = "ON"
	}

	return render.PanelContent{
		VehicleID:     v.ID,
		Name:          v.Name,
		Plate:         v.Plate,
		Model:         v.Model,
		Driver:        v.Driver,
		Status:        v.Status,
		StatusLabel:   v.Status.Label(),
		Moving:        v.Status == models.StatusMoving,
		Speed:         int(math.Round(v.LastPosition.Speed)),
		Ignition:      ignition,
		Voltage:       v.LastPosition.Voltage,
		LastUpdate:    v.LastPosition.Timestamp,
		HistoryActive: v.ID == view.HistoryActive,
		Loading:       view.loading(v.ID) || ps.State == state.StateSending,
		CommandState:  ps.State,
		Pending:       ps.Pending,
		Prompt:        ps.Prompt(),
		Feedback:      ps.Feedback,
		Failed:        ps.Failed(),
		DirectionsURL: DirectionsURL(v.LastPosition),
	}
}
