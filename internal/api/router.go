package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/saegimlab/saegim-server/internal/app"
	iauth "github.com/saegimlab/saegim-server/internal/auth"
	"github.com/saegimlab/saegim-server/internal/handlers"
	"github.com/saegimlab/saegim-server/internal/middleware"
	"github.com/saegimlab/saegim-server/internal/services"
)

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(db *gorm.DB, jwt *iauth.JWTService, cfg *app.Config, dispatch *services.DispatchService) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if jwt == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if dispatch == nil {
		return nil, fmt.Errorf("dispatch service must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS())
	// Basic rate limiting: 100 requests/minute per IP+path
	r.Use(middleware.RateLimit(100, time.Minute))

	registerHealthRoutes(r, cfg, db)
	registerMonitoringRoutes(r, cfg)

	tokenHandler, err := handlers.NewDeviceTokenHandler(db)
	if err != nil {
		return nil, err
	}
	settingsHandler, err := handlers.NewSettingsHandler(db)
	if err != nil {
		return nil, err
	}
	notificationHandler, err := handlers.NewNotificationHandler(db)
	if err != nil {
		return nil, err
	}
	dispatchHandler, err := handlers.NewDispatchHandler(dispatch)
	if err != nil {
		return nil, err
	}

	api := r.Group("/api")
	api.Use(middleware.Auth(jwt))

	registerNotificationRoutes(api, tokenHandler, settingsHandler, notificationHandler, dispatchHandler)

	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
