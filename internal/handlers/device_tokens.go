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

// DeviceTokenHandler exposes HTTP endpoints for the device token registry.
type DeviceTokenHandler struct {
	service *services.DeviceTokenService
}

// NewDeviceTokenHandler constructs a device token handler.
func NewDeviceTokenHandler(db *gorm.DB) (*DeviceTokenHandler, error) {
	service, err := services.NewDeviceTokenService(db)
	if err != nil {
		return nil, err
	}
	return &DeviceTokenHandler{service: service}, nil
}

type registerTokenRequest struct {
	Token      string         `json:"token" validate:"required,min=10,max=4096"`
	Platform   string         `json:"platform" validate:"omitempty,oneof=web ios android"`
	DeviceInfo map[string]any `json:"device_info"`
}

type deleteTokenRequest struct {
	Token string `json:"token" validate:"required"`
}

// Register stores or refreshes the caller's device token.
func (h *DeviceTokenHandler) Register(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req registerTokenRequest
	if !bindAndValidate(c, &req) {
		return
	}

	dto, err := h.service.Register(requestContext(c), services.RegisterDeviceTokenInput{
		UserID:     userID,
		Token:      req.Token,
		Platform:   req.Platform,
		DeviceInfo: req.DeviceInfo,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, dto)
}

// List returns the caller's active device tokens.
func (h *DeviceTokenHandler) List(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	items, err := h.service.ListActive(requestContext(c), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, items)
}

// Delete deactivates one of the caller's device tokens. Removing a token that
// is already gone succeeds with deleted=false.
func (h *DeviceTokenHandler) Delete(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req deleteTokenRequest
	if !bindAndValidate(c, &req) {
		return
	}

	removed, err := h.service.Deactivate(requestContext(c), userID, req.Token)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"deleted": removed})
}
