package monitor

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/ksred/mirror-api/internal/safety"
	"github.com/ksred/mirror-api/pkg/response"
)

// GinHandlers exposes the operator control surface over HTTP.
type GinHandlers struct {
	controller *Controller
}

func NewGinHandlers(controller *Controller) *GinHandlers {
	return &GinHandlers{controller: controller}
}

// StartHandler handles POST requests to start the monitoring loop.
func (h *GinHandlers) StartHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.controller.Start(); err != nil {
			response.Conflict(c, err.Error())
			return
		}
		response.Success(c, h.controller.Status())
	}
}

// StopHandler handles POST requests to stop the monitoring loop.
func (h *GinHandlers) StopHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.controller.Stop(); err != nil {
			if errors.Is(err, ErrNotRunning) {
				response.Conflict(c, err.Error())
				return
			}
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, h.controller.Status())
	}
}

// EnableHandler handles POST requests to enable mirroring.
func (h *GinHandlers) EnableHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.controller.EnableMirroring(); err != nil {
			if errors.Is(err, safety.ErrEmergencyActive) || errors.Is(err, safety.ErrAlreadyEnabled) {
				response.Conflict(c, err.Error())
				return
			}
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, h.controller.Status())
	}
}

// DisableHandler handles POST requests to disable mirroring.
func (h *GinHandlers) DisableHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.controller.DisableMirroring()
		response.Success(c, h.controller.Status())
	}
}

// EmergencyStopHandler handles POST requests to halt all mirroring.
func (h *GinHandlers) EmergencyStopHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.controller.EmergencyStop()
		response.Success(c, h.controller.Status())
	}
}

// ResetEmergencyHandler handles POST requests to clear an emergency stop.
func (h *GinHandlers) ResetEmergencyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.controller.ResetEmergency(); err != nil {
			response.Conflict(c, err.Error())
			return
		}
		response.Success(c, h.controller.Status())
	}
}

// StatusHandler handles GET requests for the aggregate system status.
func (h *GinHandlers) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.controller.Status())
	}
}
