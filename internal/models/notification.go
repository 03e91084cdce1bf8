package models

import (
	"time"

	"gorm.io/datatypes"
)

// Notification categories.
const (
	NotificationTypeReminder    = "diary_reminder"
	NotificationTypeAIReady     = "ai_content_ready"
	NotificationTypeReportReady = "report_ready"
	NotificationTypeGeneral     = "general"
)

// Notification is the logical in-app alert, created once per targeted user at
// dispatch time regardless of how many devices that user has. IsRead is the
// source of truth for "has the user seen this" and overrides any
// ledger-derived status in user-facing views.
type Notification struct {
	BaseModel

	UserID  string         `gorm:"type:uuid;index:idx_user_notifications;not null" json:"user_id"`
	Type    string         `gorm:"type:varchar(50);not null" json:"type"`
	Title   string         `gorm:"type:varchar(255);not null" json:"title"`
	Message string         `gorm:"type:text" json:"message"`
	Data    datatypes.JSON `json:"data,omitempty"`

	IsRead bool       `gorm:"default:false;index" json:"is_read"`
	ReadAt *time.Time `json:"read_at,omitempty"`

	// ScheduledAt in the future means the notification is not yet logically
	// sent and is excluded from history views.
	ScheduledAt *time.Time `gorm:"index" json:"scheduled_at,omitempty"`
}
