package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 定义指标变量
var (
	// VisualObjectsCreated 创建的可视对象总数
	VisualObjectsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetmap_visual_objects_created_total",
			Help: "Total number of visual objects (anchor + panel) created.",
		},
	)

	// VisualObjectsDestroyed 销毁的可视对象总数
	VisualObjectsDestroyed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetmap_visual_objects_destroyed_total",
			Help: "Total number of visual objects destroyed.",
		},
	)

	// VisualObjectsLive 当前存活的可视对象数
	VisualObjectsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetmap_visual_objects_live",
			Help: "Number of visual objects currently registered.",
		},
	)

	// ReconcileDuration 单次对账耗时
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetmap_reconcile_duration_seconds",
			Help:    "Duration of one snapshot reconciliation pass.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)

	// RejectedEntities 边界校验丢弃的车辆
	RejectedEntities = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmap_rejected_entities_total",
			Help: "Total number of vehicles dropped by snapshot validation.",
		},
		[]string{"reason"}, // reason: nil/duplicate/invalid
	)

	// FeedErrors 拉取快照失败次数
	FeedErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmap_feed_errors_total",
			Help: "Total number of failed snapshot fetches.",
		},
		[]string{"source"},
	)

	// CommandSentTotal 记录发送指令的总数
	CommandSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmap_command_sent_total",
			Help: "Total number of vehicle commands dispatched.",
		},
		[]string{"status", "kind"}, // status: success/failed, kind: LOCK/UNLOCK
	)

	// CommandLatency 指令往返耗时
	CommandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetmap_command_latency_seconds",
			Help:    "Round-trip latency of vehicle commands.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

// init 注册到默认 Registry，由 /metrics 暴露
func init() {
	prometheus.MustRegister(
		VisualObjectsCreated,
		VisualObjectsDestroyed,
		VisualObjectsLive,
		ReconcileDuration,
		RejectedEntities,
		FeedErrors,
		CommandSentTotal,
		CommandLatency,
	)
}
