package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/saegimlab/saegim-server/internal/middleware"
	"github.com/saegimlab/saegim-server/internal/services"
	"github.com/saegimlab/saegim-server/pkg/errors"
	"github.com/saegimlab/saegim-server/pkg/response"
)

// SettingsHandler exposes HTTP endpoints for notification preferences.
type SettingsHandler struct {
	service *services.NotificationSettingsService
}

// NewSettingsHandler constructs a settings handler.
func NewSettingsHandler(db *gorm.DB) (*SettingsHandler, error) {
	service, err := services.NewNotificationSettingsService(db)
	if err != nil {
		return nil, err
	}
	return &SettingsHandler{service: service}, nil
}

type updateSettingsRequest struct {
	PushEnabled        *bool     `json:"push_enabled"`
	ReminderEnabled    *bool     `json:"reminder_enabled"`
	ReminderTime       *string   `json:"reminder_time" validate:"omitempty,hhmm"`
	ReminderDays       *[]string `json:"reminder_days" validate:"omitempty,dive,oneof=mon tue wed thu fri sat sun"`
	AIReadyEnabled     *bool     `json:"ai_ready_enabled"`
	ReportReadyEnabled *bool     `json:"report_ready_enabled"`
	QuietHoursStart    *string   `json:"quiet_hours_start" validate:"omitempty,hhmm"`
	QuietHoursEnd      *string   `json:"quiet_hours_end" validate:"omitempty,hhmm"`
}

// Get returns the caller's notification settings, creating defaults on first access.
func (h *SettingsHandler) Get(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	dto, err := h.service.Get(requestContext(c), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, dto)
}

// Update applies a partial settings change.
func (h *SettingsHandler) Update(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req updateSettingsRequest
	if !bindAndValidate(c, &req) {
		return
	}

	dto, err := h.service.Update(requestContext(c), userID, services.UpdateNotificationSettingsInput{
		PushEnabled:        req.PushEnabled,
		ReminderEnabled:    req.ReminderEnabled,
		ReminderTime:       req.ReminderTime,
		ReminderDays:       req.ReminderDays,
		AIReadyEnabled:     req.AIReadyEnabled,
		ReportReadyEnabled: req.ReportReadyEnabled,
		QuietHoursStart:    req.QuietHoursStart,
		QuietHoursEnd:      req.QuietHoursEnd,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, dto)
}
