package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type registerDeviceRequest struct {
	DeviceID     string `json:"device_id" binding:"required"`
	ProvisionKey string `json:"provision_key"`
}

func (h *Handler) RegisterDevice(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "device_id is required")
		return
	}
	pair, err := h.d.Devices.Register(c.Request.Context(), req.DeviceID, req.ProvisionKey)
	if err != nil {
		h.failErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, pair)
}

func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "refresh_token is required")
		return
	}
	pair, err := h.d.Devices.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		h.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}
