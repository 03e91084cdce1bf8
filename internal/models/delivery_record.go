package models

import (
	"time"

	"gorm.io/datatypes"
)

// Delivery statuses recorded in the ledger.
const (
	DeliveryStatusPending   = "pending"
	DeliveryStatusSent      = "sent"
	DeliveryStatusDelivered = "delivered"
	DeliveryStatusFailed    = "failed"
	DeliveryStatusOpened    = "opened"
)

// DeliveryRecord is one append-only ledger row per (notification, token) send
// attempt, including failures. NotificationID and TokenID are weak references:
// the notification may be absent (direct token sends) and the token may later
// be deactivated or orphaned without invalidating the record.
type DeliveryRecord struct {
	BaseModel

	UserID         string  `gorm:"type:uuid;index;not null" json:"user_id"`
	NotificationID *string `gorm:"type:uuid;index" json:"notification_id,omitempty"`
	TokenID        *string `gorm:"type:uuid;index" json:"token_id,omitempty"`

	Type   string `gorm:"type:varchar(50);index;not null" json:"type"`
	Status string `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`

	ErrorMessage string         `gorm:"type:varchar(1000)" json:"error_message,omitempty"`
	Payload      datatypes.JSON `json:"payload,omitempty"`

	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
}
