package models

import (
	"time"

	"gorm.io/datatypes"
)

// Device platforms accepted at registration.
const (
	PlatformWeb     = "web"
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
)

// DeviceToken holds one push-provider registration token for one installed
// app instance. At most one row exists per (user_id, token); re-registration
// updates the row in place. Rows are deactivated, never hard-deleted, so
// delivery records keep a resolvable reference.
type DeviceToken struct {
	BaseModel

	UserID string `gorm:"type:uuid;not null;uniqueIndex:idx_device_tokens_user_token" json:"user_id"`
	Token  string `gorm:"type:varchar(255);not null;uniqueIndex:idx_device_tokens_user_token" json:"token"`

	Platform   string         `gorm:"type:varchar(20);not null;default:'web'" json:"platform"`
	DeviceInfo datatypes.JSON `json:"device_info,omitempty"`

	Active     bool       `gorm:"default:true;index" json:"active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// ValidPlatform reports whether the supplied platform is one we accept.
func ValidPlatform(platform string) bool {
	switch platform {
	case PlatformWeb, PlatformIOS, PlatformAndroid:
		return true
	}
	return false
}
