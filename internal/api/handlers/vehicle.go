package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/fleetmap/internal/service"
)

// ListVehicles 获取当前快照中的车辆
func (h *Handler) ListVehicles(c *gin.Context) {
	vehicles, err := h.mapService.Vehicles(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to list vehicles")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": vehicles})
}

// GetVehicle 获取车辆详情
func (h *Handler) GetVehicle(c *gin.Context) {
	vehicle, err := h.mapService.Vehicle(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Failed to get vehicle")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": vehicle})
}

// GetRoute 获取车辆简化路线
// GET /api/vehicles/:id/route
// 返回 GeoJSON Feature (LineString，只有一个点时为 Point)
func (h *Handler) GetRoute(c *gin.Context) {
	overlay, err := h.mapService.Route(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Failed to build route")
		return
	}

	c.JSON(http.StatusOK, overlay.Feature())
}

// GetPanel 获取车辆详情面板内容
func (h *Handler) GetPanel(c *gin.Context) {
	content, err := h.mapService.Panel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Failed to get panel")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": content})
}

// SelectVehicle 选中车辆
func (h *Handler) SelectVehicle(c *gin.Context) {
	st, err := h.mapService.Select(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Failed to select vehicle")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": st})
}

// ToggleHistory 切换历史路线模式
func (h *Handler) ToggleHistory(c *gin.Context) {
	st, err := h.mapService.ToggleHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Failed to toggle history")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": st})
}

// FocusVehicle 聚焦车辆
func (h *Handler) FocusVehicle(c *gin.Context) {
	id := c.Param("id")
	if err := h.mapService.Focus(c.Request.Context(), id); err != nil {
		h.respondError(c, err, "Failed to focus vehicle")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Focus started",
		"vehicle_id": id,
	})
}

// GetHUD 获取地图抬头信息
func (h *Handler) GetHUD(c *gin.Context) {
	hud, err := h.mapService.HUD(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to get HUD")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": hud})
}

// GetSelection 获取当前选择
func (h *Handler) GetSelection(c *gin.Context) {
	st, err := h.mapService.Selection(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to get selection")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": st})
}

// ClearSelection 取消选中
func (h *Handler) ClearSelection(c *gin.Context) {
	st, err := h.mapService.ClearSelection(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to clear selection")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": st})
}

// respondError 把服务错误映射为 HTTP 状态码
func (h *Handler) respondError(c *gin.Context, err error, msg string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	} else {
		h.logger.Debug(msg, zap.String("path", c.FullPath()), zap.Error(err))
	}

	if errors.Is(err, service.ErrNotFound) {
		c.JSON(status, gin.H{"error": "Vehicle not found"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
