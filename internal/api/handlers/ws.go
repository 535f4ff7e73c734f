package handlers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/fleetmap/internal/models"
	"github.com/langchou/fleetmap/internal/service"
	"github.com/langchou/fleetmap/pkg/ws"
)

const clientMessageTimeout = 5 * time.Second

// SceneInput 浏览器对渲染面的回报
type SceneInput interface {
	Click(id string) bool
	ReportPanelHeight(id string, h float64) bool
}

// ClientMessageHandler 把浏览器消息转为地图服务操作
type ClientMessageHandler struct {
	logger     *zap.Logger
	mapService *service.MapService
	input      SceneInput
}

// NewClientMessageHandler 创建客户端消息处理器
func NewClientMessageHandler(logger *zap.Logger, mapService *service.MapService, input SceneInput) *ClientMessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClientMessageHandler{logger: logger, mapService: mapService, input: input}
}

// Handle 处理一条消息，在 ReadPump 协程中调用
func (m *ClientMessageHandler) Handle(msg ws.ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), clientMessageTimeout)
	defer cancel()

	var err error
	switch msg.Type {
	case ws.ClientAnchorClick:
		if !m.input.Click(msg.VehicleID) {
			m.logger.Debug("Click on unknown anchor", zap.String("vehicle_id", msg.VehicleID))
		}
	case ws.ClientPanelHeight:
		m.input.ReportPanelHeight(msg.VehicleID, msg.Height)
	case ws.ClientSelect:
		_, err = m.mapService.Select(ctx, msg.VehicleID)
	case ws.ClientToggleHistory:
		_, err = m.mapService.ToggleHistory(ctx, msg.VehicleID)
	case ws.ClientFocus:
		err = m.mapService.Focus(ctx, msg.VehicleID)
	case ws.ClientCommandRequest:
		_, err = m.mapService.RequestCommand(ctx, msg.VehicleID, models.CommandKind(msg.Kind))
	case ws.ClientCommandConfirm:
		_, err = m.mapService.ConfirmCommand(ctx, msg.VehicleID)
	case ws.ClientCommandCancel:
		_, err = m.mapService.CancelCommand(ctx, msg.VehicleID)
	default:
		m.logger.Debug("Unknown client message", zap.String("type", msg.Type))
		return
	}

	if err != nil {
		m.logger.Debug("Client message rejected",
			zap.String("type", msg.Type),
			zap.String("vehicle_id", msg.VehicleID),
			zap.Error(err),
		)
	}
}
