package models

import "time"

// User carries the slice of account state the notification subsystem needs.
// Account lifecycle (signup, OAuth, withdrawal) is owned by the auth service.
type User struct {
	BaseModel

	Email    string `gorm:"uniqueIndex;not null" json:"email"`
	Nickname string `json:"nickname"`

	IsActive bool `gorm:"default:true;index" json:"is_active"`

	LastLoginAt *time.Time `json:"last_login_at"`
}
