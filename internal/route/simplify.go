package route

import (
	"slices"

	"github.com/langchou/fleetmap/internal/geo"
	"github.com/langchou/fleetmap/internal/models"
)

// MinSegmentMeters 相邻保留点的最小间距，用于过滤静止时的 GPS 漂移
const MinSegmentMeters = 10.0

type sample struct {
	pos     models.Position
	current bool
}

// Simplify 将历史轨迹与当前位置合并为抽稀后的有序路径
//
// 按时间戳稳定排序后，只保留与上一个保留点距离超过 MinSegmentMeters 的采样；
// 路径总是以当前位置结束，时间戳晚于当前位置的历史采样之后会再补一次当前位置。
func Simplify(history []models.Position, current models.Position) geo.Path {
	all := make([]sample, 0, len(history)+1)
	for _, p := range history {
		all = append(all, sample{pos: p})
	}
	all = append(all, sample{pos: current, current: true})

	slices.SortStableFunc(all, func(a, b sample) int {
		return a.pos.Timestamp.Compare(b.pos.Timestamp)
	})

	kept := make([]sample, 0, len(all))
	for _, s := range all {
		if len(kept) == 0 {
			kept = append(kept, s)
			continue
		}
		last := kept[len(kept)-1]
		if geo.DistanceMeters(last.pos.LatLng(), s.pos.LatLng()) > MinSegmentMeters {
			kept = append(kept, s)
		}
	}

	// 被抽稀掉的当前位置强制补回，保证路线终点就是实时位置
	if !kept[len(kept)-1].current {
		kept = append(kept, sample{pos: current, current: true})
	}

	path := make(geo.Path, len(kept))
	for i, s := range kept {
		path[i] = s.pos.LatLng()
	}
	return path
}
