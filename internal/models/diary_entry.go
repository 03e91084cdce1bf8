package models

// DiaryEntry is consumed read-only to enrich notification content with the
// entry title. Diary CRUD lives in the diary service.
type DiaryEntry struct {
	BaseModel

	UserID string `gorm:"type:uuid;index;not null" json:"user_id"`
	Title  string `gorm:"type:varchar(255);not null" json:"title"`
}
