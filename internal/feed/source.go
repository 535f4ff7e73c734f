package feed

import (
	"context"
	"errors"

	"github.com/langchou/fleetmap/internal/models"
)

// ErrNoSnapshot 尚未收到任何快照
var ErrNoSnapshot = errors.New("no snapshot available")

// Source 车辆快照来源，每次返回完整快照 (不是增量)
type Source interface {
	Fetch(ctx context.Context) ([]*models.Vehicle, error)
	Name() string
}
