package api

import (
	"github.com/gin-gonic/gin"

	"github.com/saegimlab/saegim-server/internal/handlers"
)

func registerNotificationRoutes(api *gin.RouterGroup, tokens *handlers.DeviceTokenHandler, settings *handlers.SettingsHandler, notifications *handlers.NotificationHandler, dispatch *handlers.DispatchHandler) {
	group := api.Group("/notifications")
	{
		group.GET("", notifications.List)
		group.GET("/history", notifications.History)
		group.GET("/unread-count", notifications.UnreadCount)
		group.POST("/:id/read", notifications.MarkRead)
		group.POST("/read-all", notifications.MarkAllRead)

		group.POST("/tokens", tokens.Register)
		group.GET("/tokens", tokens.List)
		group.DELETE("/tokens", tokens.Delete)

		group.GET("/settings", settings.Get)
		group.PATCH("/settings", settings.Update)

		group.POST("/send", dispatch.Send)
		group.POST("/reminders/:userID", dispatch.Reminder)
		group.POST("/ai-ready", dispatch.AIReady)
	}
}
