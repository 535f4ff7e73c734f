package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/langchou/fleetmap/internal/service"
	"github.com/langchou/fleetmap/pkg/ws"
)

// Handler HTTP 处理器
type Handler struct {
	logger     *zap.Logger
	mapService *service.MapService
	wsHub      *ws.Hub
	upgrader   websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(
	logger *zap.Logger,
	mapService *service.MapService,
	wsHub *ws.Hub,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		logger:     logger,
		mapService: mapService,
		wsHub:      wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 开发环境允许所有来源
			},
		},
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// API 路由
	api := r.Group("/api")
	{
		// 车辆
		api.GET("/vehicles", h.ListVehicles)
		api.GET("/vehicles/:id", h.GetVehicle)
		api.GET("/vehicles/:id/route", h.GetRoute)
		api.GET("/vehicles/:id/panel", h.GetPanel)

		// 选择与视口
		api.POST("/vehicles/:id/select", h.SelectVehicle)
		api.POST("/vehicles/:id/history", h.ToggleHistory)
		api.POST("/vehicles/:id/focus", h.FocusVehicle)

		// 指令
		api.POST("/vehicles/:id/commands", h.SendCommand)
		api.POST("/vehicles/:id/commands/request", h.RequestCommand)
		api.POST("/vehicles/:id/commands/confirm", h.ConfirmCommand)
		api.POST("/vehicles/:id/commands/cancel", h.CancelCommand)

		// 地图
		api.GET("/map/hud", h.GetHUD)
		api.GET("/map/selection", h.GetSelection)
		api.DELETE("/map/selection", h.ClearSelection)
	}

	// WebSocket
	r.GET("/ws", h.HandleWebSocket)

	// 健康检查
	r.GET("/health", h.HealthCheck)

	// Prometheus 指标
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// HandleWebSocket WebSocket 处理
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	client.Register()

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	hud, err := h.mapService.HUD(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stopped", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"units":      hud.Units,
		"ws_clients": h.wsHub.ClientCount(),
	})
}
