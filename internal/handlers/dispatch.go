package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/saegimlab/saegim-server/internal/services"
	apperrors "github.com/saegimlab/saegim-server/pkg/errors"
	"github.com/saegimlab/saegim-server/pkg/response"
)

// DispatchHandler exposes internal endpoints that trigger push delivery.
// These routes are meant for service-to-service callers, not end users.
type DispatchHandler struct {
	service *services.DispatchService
}

// NewDispatchHandler constructs a dispatch handler.
func NewDispatchHandler(service *services.DispatchService) (*DispatchHandler, error) {
	if service == nil {
		return nil, errors.New("dispatch handler: dispatch service is required")
	}
	return &DispatchHandler{service: service}, nil
}

type sendRequest struct {
	UserIDs []string          `json:"user_ids" validate:"required,min=1,max=1000,dive,uuid4"`
	Type    string            `json:"type" validate:"omitempty,oneof=diary_reminder ai_content_ready report_ready general"`
	Title   string            `json:"title" validate:"required,max=255"`
	Message string            `json:"message" validate:"max=2000"`
	Data    map[string]string `json:"data"`
}

type aiReadyRequest struct {
	UserID       string `json:"user_id" validate:"required,uuid4"`
	DiaryEntryID string `json:"diary_entry_id" validate:"omitempty,uuid4"`
}

// Send fans one notification out to the listed users.
func (h *DispatchHandler) Send(c *gin.Context) {
	var req sendRequest
	if !bindAndValidate(c, &req) {
		return
	}

	report, err := h.service.Dispatch(requestContext(c), services.DispatchInput{
		UserIDs: req.UserIDs,
		Type:    req.Type,
		Title:   req.Title,
		Message: req.Message,
		Data:    req.Data,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, report)
}

// Reminder triggers the diary reminder for one user immediately.
func (h *DispatchHandler) Reminder(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userID"))
	if userID == "" {
		response.Error(c, apperrors.NewBadRequest("user id is required"))
		return
	}

	report, err := h.service.DispatchReminder(requestContext(c), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, report)
}

// AIReady announces generated AI content for a diary entry.
func (h *DispatchHandler) AIReady(c *gin.Context) {
	var req aiReadyRequest
	if !bindAndValidate(c, &req) {
		return
	}

	report, err := h.service.DispatchAIReady(requestContext(c), req.UserID, req.DiaryEntryID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, report)
}
