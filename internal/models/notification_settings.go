package models

import "gorm.io/datatypes"

// NotificationSettings stores one row of per-user notification preferences.
// The row is created lazily with defaults on first access and survives for
// the lifetime of the user.
type NotificationSettings struct {
	BaseModel

	UserID string `gorm:"type:uuid;not null;uniqueIndex" json:"user_id"`

	PushEnabled     bool `gorm:"default:true" json:"push_enabled"`
	ReminderEnabled bool `gorm:"default:true" json:"reminder_enabled"`

	// ReminderTime is a local-time "HH:MM" string; ReminderDays holds lowercase
	// three-letter weekday codes. Empty or null means every day.
	ReminderTime string         `gorm:"type:varchar(5);default:'21:00'" json:"reminder_time"`
	ReminderDays datatypes.JSON `json:"reminder_days,omitempty"`

	AIReadyEnabled     bool `gorm:"default:true" json:"ai_ready_enabled"`
	ReportReadyEnabled bool `gorm:"default:true" json:"report_ready_enabled"`

	// Quiet hours suppress reminder dispatch inside the window. Both empty
	// means no quiet hours. A window may wrap midnight (e.g. 22:00–08:00).
	QuietHoursStart string `gorm:"type:varchar(5)" json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   string `gorm:"type:varchar(5)" json:"quiet_hours_end,omitempty"`
}
