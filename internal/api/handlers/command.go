package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/fleetmap/internal/command"
	"github.com/langchou/fleetmap/internal/models"
	"github.com/langchou/fleetmap/internal/service"
	"github.com/langchou/fleetmap/internal/state"
)

// CommandRequest 指令请求体
type CommandRequest struct {
	Kind models.CommandKind `json:"kind" binding:"required,oneof=LOCK UNLOCK"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, state.ErrInvalidTransition), errors.Is(err, command.ErrInFlight):
		return http.StatusConflict
	case errors.Is(err, command.ErrDispatch):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, service.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// SendCommand 下发指令并等待车辆确认
// POST /api/vehicles/:id/commands {"kind": "LOCK"}
// 相当于请求+确认，面板状态同步变化
func (h *Handler) SendCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid command kind"})
		return
	}

	id := c.Param("id")
	ack, err := h.mapService.SendCommand(c.Request.Context(), id, req.Kind)
	if err != nil {
		h.respondError(c, err, "Failed to send command")
		return
	}

	h.logger.Info("Command sent via API",
		zap.String("vehicle_id", id),
		zap.String("kind", string(req.Kind)),
	)
	c.JSON(http.StatusOK, gin.H{"data": ack})
}

// RequestCommand 请求指令，面板进入确认状态
func (h *Handler) RequestCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid command kind"})
		return
	}

	ps, err := h.mapService.RequestCommand(c.Request.Context(), c.Param("id"), req.Kind)
	if err != nil {
		h.respondError(c, err, "Failed to request command")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": ps})
}

// ConfirmCommand 确认指令，异步下发
func (h *Handler) ConfirmCommand(c *gin.Context) {
	ps, err := h.mapService.ConfirmCommand(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Failed to confirm command")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": ps})
}

// CancelCommand 取消指令
func (h *Handler) CancelCommand(c *gin.Context) {
	ps, err := h.mapService.CancelCommand(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Failed to cancel command")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": ps})
}
