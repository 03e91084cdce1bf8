package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/saegimlab/saegim-server/internal/models"
	apperrors "github.com/saegimlab/saegim-server/pkg/errors"
)

// NotificationDTO represents the API-friendly notification payload.
type NotificationDTO struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
	IsRead      bool           `json:"is_read"`
	ReadAt      *time.Time     `json:"read_at,omitempty"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// HistoryEntryDTO is one notification in the delivery history view: the
// notification itself plus the state of its most recent delivery attempt.
type HistoryEntryDTO struct {
	NotificationDTO

	// Status is "opened" once the user has read the notification; otherwise
	// it reflects the latest ledger attempt, or "pending" when none exists.
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Attempts     int        `json:"attempts"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
}

// ListNotificationsInput defines filters for querying user notifications.
type ListNotificationsInput struct {
	UserID     string
	Type       string
	UnreadOnly bool
	Limit      int
	Offset     int
}

// NotificationService manages in-app notifications and the history view over
// the delivery ledger.
type NotificationService struct {
	db *gorm.DB
}

// NewNotificationService constructs a NotificationService.
func NewNotificationService(db *gorm.DB) (*NotificationService, error) {
	if db == nil {
		return nil, errors.New("notification service: db is required")
	}
	return &NotificationService{db: db}, nil
}

// ListForUser returns the user's notifications ordered by recency. Future
// scheduled notifications are held back until their time arrives.
func (s *NotificationService) ListForUser(ctx context.Context, input ListNotificationsInput) ([]NotificationDTO, int64, error) {
	rows, total, err := s.listRows(ctx, input)
	if err != nil {
		return nil, 0, err
	}

	out := make([]NotificationDTO, 0, len(rows))
	for _, row := range rows {
		out = append(out, *mapNotification(row))
	}
	return out, total, nil
}

// History returns notifications decorated with their latest delivery attempt.
// Every attempt stays in the ledger; only the most recent one is surfaced,
// and a read notification always reports "opened".
func (s *NotificationService) History(ctx context.Context, input ListNotificationsInput) ([]HistoryEntryDTO, int64, error) {
	ctx = ensureContext(ctx)

	rows, total, err := s.listRows(ctx, input)
	if err != nil {
		return nil, 0, err
	}
	if len(rows) == 0 {
		return []HistoryEntryDTO{}, total, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}

	var records []models.DeliveryRecord
	if err := s.db.WithContext(ctx).
		Where("notification_id IN ?", ids).
		Order("created_at ASC").
		Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("notification service: load delivery records: %w", err)
	}

	type attemptSummary struct {
		latest   *models.DeliveryRecord
		attempts int
	}
	summaries := make(map[string]*attemptSummary, len(ids))
	for i := range records {
		record := &records[i]
		if record.NotificationID == nil {
			continue
		}
		summary := summaries[*record.NotificationID]
		if summary == nil {
			summary = &attemptSummary{}
			summaries[*record.NotificationID] = summary
		}
		summary.attempts++
		// Rows arrive oldest first, so the last assignment wins.
		summary.latest = record
	}

	out := make([]HistoryEntryDTO, 0, len(rows))
	for _, row := range rows {
		entry := HistoryEntryDTO{
			NotificationDTO: *mapNotification(row),
			Status:          models.DeliveryStatusPending,
		}

		if summary := summaries[row.ID]; summary != nil && summary.latest != nil {
			entry.Status = summary.latest.Status
			entry.ErrorMessage = summary.latest.ErrorMessage
			entry.Attempts = summary.attempts
			entry.SentAt = summary.latest.SentAt
			entry.DeliveredAt = summary.latest.DeliveredAt
		}
		if row.IsRead {
			entry.Status = models.DeliveryStatusOpened
			entry.ErrorMessage = ""
		}

		out = append(out, entry)
	}
	return out, total, nil
}

// UnreadCount returns the number of unread, already-due notifications.
func (s *NotificationService) UnreadCount(ctx context.Context, userID string) (int64, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, errors.New("notification service: user id is required")
	}

	var count int64
	if err := s.visibleScope(ctx, userID).
		Where("is_read = ?", false).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("notification service: count unread: %w", err)
	}
	return count, nil
}

// MarkRead marks one notification read. Marking an already-read notification
// succeeds without changing its read timestamp.
func (s *NotificationService) MarkRead(ctx context.Context, userID, notificationID string) (*NotificationDTO, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	notificationID = strings.TrimSpace(notificationID)
	if userID == "" || notificationID == "" {
		return nil, apperrors.NewBadRequest("user id and notification id are required")
	}

	var row models.Notification
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", notificationID, userID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("notification service: load notification: %w", err)
	}

	if !row.IsRead {
		now := time.Now().UTC()
		if err := s.db.WithContext(ctx).
			Model(&models.Notification{}).
			Where("id = ?", row.ID).
			Updates(map[string]any{"is_read": true, "read_at": now}).Error; err != nil {
			return nil, fmt.Errorf("notification service: mark read: %w", err)
		}
		row.IsRead = true
		row.ReadAt = &now
	}

	return mapNotification(row), nil
}

// MarkAllRead marks every unread notification read and reports how many.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, errors.New("notification service: user id is required")
	}

	now := time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Updates(map[string]any{"is_read": true, "read_at": now})
	if result.Error != nil {
		return 0, fmt.Errorf("notification service: mark all read: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *NotificationService) listRows(ctx context.Context, input ListNotificationsInput) ([]models.Notification, int64, error) {
	ctx = ensureContext(ctx)
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return nil, 0, errors.New("notification service: user id is required")
	}

	scoped := func() *gorm.DB {
		query := s.visibleScope(ctx, userID)
		if notificationType := strings.TrimSpace(input.Type); notificationType != "" {
			query = query.Where("type = ?", notificationType)
		}
		if input.UnreadOnly {
			query = query.Where("is_read = ?", false)
		}
		return query
	}

	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("notification service: count notifications: %w", err)
	}

	var rows []models.Notification
	if err := scoped().
		Order("created_at DESC").
		Limit(clampLimit(input.Limit, 25, 100)).
		Offset(maxInt(0, input.Offset)).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("notification service: list notifications: %w", err)
	}
	return rows, total, nil
}

// visibleScope excludes notifications whose scheduled time is still ahead.
func (s *NotificationService) visibleScope(ctx context.Context, userID string) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ?", userID).
		Where("scheduled_at IS NULL OR scheduled_at <= ?", time.Now().UTC())
}

func mapNotification(row models.Notification) *NotificationDTO {
	dto := &NotificationDTO{
		ID:          row.ID,
		UserID:      row.UserID,
		Type:        row.Type,
		Title:       row.Title,
		Message:     row.Message,
		IsRead:      row.IsRead,
		ReadAt:      row.ReadAt,
		ScheduledAt: row.ScheduledAt,
		CreatedAt:   row.CreatedAt,
	}
	if len(row.Data) > 0 {
		data := map[string]any{}
		if err := json.Unmarshal(row.Data, &data); err == nil {
			dto.Data = data
		}
	}
	return dto
}
