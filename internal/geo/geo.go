package geo

import (
	"math"

	"github.com/paulmach/orb"
)

// EarthRadiusMeters 地球半径 (米)
const EarthRadiusMeters = 6371000.0

// LatLng 经纬度坐标 (十进制度)
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Point 转换为 orb.Point，注意 orb 的顺序是 [lng, lat]
func (p LatLng) Point() orb.Point {
	return orb.Point{p.Lng, p.Lat}
}

// FromPoint 从 orb.Point 转换
func FromPoint(pt orb.Point) LatLng {
	return LatLng{Lat: pt.Lat(), Lng: pt.Lon()}
}

// Valid 检查坐标是否有限且在合法范围内
func Valid(p LatLng) bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// DistanceMeters 计算两点之间的大圆距离 (Haversine)
func DistanceMeters(a, b LatLng) float64 {
	if a == b {
		return 0
	}

	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusMeters * c
}

// Path 有序的坐标序列
type Path []LatLng

// LineString 转换为 orb.LineString
func (p Path) LineString() orb.LineString {
	ls := make(orb.LineString, len(p))
	for i, pt := range p {
		ls[i] = pt.Point()
	}
	return ls
}

// Bound 路径的外接矩形
func (p Path) Bound() orb.Bound {
	return p.LineString().Bound()
}

// Distinct 不同坐标点的数量
func (p Path) Distinct() int {
	seen := make(map[LatLng]struct{}, len(p))
	for _, pt := range p {
		seen[pt] = struct{}{}
	}
	return len(seen)
}

// Last 路径最后一个点
func (p Path) Last() (LatLng, bool) {
	if len(p) == 0 {
		return LatLng{}, false
	}
	return p[len(p)-1], true
}
