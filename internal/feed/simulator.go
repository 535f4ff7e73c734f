package feed

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/langchou/fleetmap/internal/models"
)

// 模拟参数
const (
	jitterDegrees  = 0.001 // 每次抖动范围 ±0.0005°
	maxSpeed       = 120.0
	speedStep      = 10.0 // 每次速度变化 ±5 km/h
	baseVoltage    = 13.5
	voltageRange   = 0.5
	seedHistoryLen = 10
	seedSpread     = 0.01
)

// SimulatorConfig 模拟器配置
type SimulatorConfig struct {
	Seed         uint64
	HistoryLimit int // 每辆车保留的历史点数，<=0 不累积
}

// Simulator 模拟遥测来源
//
// 首次 Fetch 返回初始车队，之后每次 Fetch 推进一步：
// 行驶中和在线的车辆位置随机抖动，其他车辆保持不变。
type Simulator struct {
	cfg    SimulatorConfig
	clock  clock.PassiveClock
	logger *zap.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	fleet   map[string]*models.Vehicle
	started bool
}

// NewSimulator 创建模拟器，fleet 为空时使用默认车队
func NewSimulator(cfg SimulatorConfig, fleet []*models.Vehicle, clk clock.PassiveClock, logger *zap.Logger) *Simulator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	if fleet == nil {
		fleet = DefaultFleet(clk.Now(), rng)
	}

	s := &Simulator{
		cfg:    cfg,
		clock:  clk,
		logger: logger,
		rng:    rng,
		fleet:  make(map[string]*models.Vehicle, len(fleet)),
	}
	for _, v := range fleet {
		s.fleet[v.ID] = v.Clone()
	}
	return s
}

// Name 来源名称
func (s *Simulator) Name() string {
	return "simulator"
}

// Fetch 返回当前快照并推进模拟
func (s *Simulator) Fetch(ctx context.Context) ([]*models.Vehicle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.step()
	}
	s.started = true

	return s.snapshot(), nil
}

func (s *Simulator) step() {
	now := s.clock.Now()
	for _, v := range s.sortedFleet() {
		if v.Status != models.StatusMoving && v.Status != models.StatusOnline {
			continue
		}

		prev := v.LastPosition
		next := prev
		next.Lat = prev.Lat + (s.rng.Float64()-0.5)*jitterDegrees
		next.Lng = prev.Lng + (s.rng.Float64()-0.5)*jitterDegrees
		next.Speed = math.Max(0, math.Min(maxSpeed, prev.Speed+(s.rng.Float64()*speedStep-speedStep/2)))
		next.Voltage = baseVoltage + s.rng.Float64()*voltageRange
		next.Timestamp = now

		v.LastPosition = next
		if s.cfg.HistoryLimit > 0 {
			v.History = append(v.History, prev)
			if over := len(v.History) - s.cfg.HistoryLimit; over > 0 {
				v.History = append([]models.Position(nil), v.History[over:]...)
			}
		}
		v.UpdatedAt = now
	}
}

func (s *Simulator) sortedFleet() []*models.Vehicle {
	out := make([]*models.Vehicle, 0, len(s.fleet))
	for _, v := range s.fleet {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Simulator) snapshot() []*models.Vehicle {
	return models.CloneAll(s.sortedFleet())
}

// DefaultFleet 圣保罗演示车队
func DefaultFleet(now time.Time, rng *rand.Rand) []*models.Vehicle {
	type seed struct {
		id, name, plate, model, driver string
		status                         models.VehicleStatus
		lat, lng, speed, voltage       float64
		ignition                       bool
		age                            time.Duration
		baseSpeed                      float64
	}
	seeds := []seed{
		{"v1", "Truck 01 - Delivery", "ABC-1234", "Volvo FH16", "Carlos Silva", models.StatusMoving, -23.5505, -46.6333, 65, 24.5, true, 0, 60},
		{"v2", "Fiorino SP", "XYZ-9876", "Fiat Fiorino", "Ana Souza", models.StatusIdle, -23.5615, -46.6550, 0, 13.2, true, 0, 0},
		{"v3", "Moto Express", "MOTO-555", "Honda CG 160", "Roberto Dias", models.StatusOnline, -23.5400, -46.6200, 45, 12.8, true, 0, 40},
		{"v4", "School Van", "VAN-2024", "Mercedes Sprinter", "Paulo Mendes", models.StatusOffline, -23.5800, -46.6000, 0, 11.9, false, time.Hour, 0},
	}

	fleet := make([]*models.Vehicle, 0, len(seeds))
	for _, sd := range seeds {
		fleet = append(fleet, &models.Vehicle{
			ID:     sd.id,
			Name:   sd.name,
			Plate:  sd.plate,
			Model:  sd.model,
			Driver: sd.driver,
			Status: sd.status,
			LastPosition: models.Position{
				Lat:       sd.lat,
				Lng:       sd.lng,
				Speed:     sd.speed,
				Ignition:  sd.ignition,
				Voltage:   sd.voltage,
				Timestamp: now.Add(-sd.age),
			},
			History:   seedHistory(now.Add(-sd.age), sd.baseSpeed, rng),
			UpdatedAt: now,
		})
	}
	return fleet
}

// seedHistory 最近 10 分钟、每分钟一个点的历史
func seedHistory(end time.Time, baseSpeed float64, rng *rand.Rand) []models.Position {
	voltage := 12.4
	if baseSpeed > 0 {
		voltage = 13.8
	}

	history := make([]models.Position, seedHistoryLen)
	for i := range history {
		history[i] = models.Position{
			Lat:       -23.5505 + rng.Float64()*seedSpread,
			Lng:       -46.6333 + rng.Float64()*seedSpread,
			Speed:     math.Max(0, baseSpeed+(rng.Float64()*20-10)),
			Ignition:  baseSpeed > 0,
			Voltage:   voltage,
			Timestamp: end.Add(-time.Duration(seedHistoryLen-i) * time.Minute),
		}
	}
	return history
}
