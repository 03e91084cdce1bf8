package database

import (
	"gorm.io/gorm"

	"github.com/saegimlab/saegim-server/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.DiaryEntry{},
		&models.DeviceToken{},
		&models.NotificationSettings{},
		&models.Notification{},
		&models.DeliveryRecord{},
	)
}
