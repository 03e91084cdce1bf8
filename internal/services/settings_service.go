package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/saegimlab/saegim-server/internal/models"
	apperrors "github.com/saegimlab/saegim-server/pkg/errors"
)

var hhmmPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

var weekdayCodes = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// NotificationSettingsDTO represents the API-friendly settings payload.
type NotificationSettingsDTO struct {
	PushEnabled        bool     `json:"push_enabled"`
	ReminderEnabled    bool     `json:"reminder_enabled"`
	ReminderTime       string   `json:"reminder_time"`
	ReminderDays       []string `json:"reminder_days,omitempty"`
	AIReadyEnabled     bool     `json:"ai_ready_enabled"`
	ReportReadyEnabled bool     `json:"report_ready_enabled"`
	QuietHoursStart    string   `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd      string   `json:"quiet_hours_end,omitempty"`
}

// UpdateNotificationSettingsInput carries a partial settings update. Nil
// pointers leave the stored value untouched.
type UpdateNotificationSettingsInput struct {
	PushEnabled        *bool
	ReminderEnabled    *bool
	ReminderTime       *string
	ReminderDays       *[]string
	AIReadyEnabled     *bool
	ReportReadyEnabled *bool
	QuietHoursStart    *string
	QuietHoursEnd      *string
}

// NotificationSettingsService manages per-user notification preferences.
type NotificationSettingsService struct {
	db *gorm.DB
}

// NewNotificationSettingsService constructs a NotificationSettingsService.
func NewNotificationSettingsService(db *gorm.DB) (*NotificationSettingsService, error) {
	if db == nil {
		return nil, errors.New("notification settings service: db is required")
	}
	return &NotificationSettingsService{db: db}, nil
}

// Get returns the user's settings, creating the row with defaults on first
// access.
func (s *NotificationSettingsService) Get(ctx context.Context, userID string) (*NotificationSettingsDTO, error) {
	row, err := s.getOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	return mapSettings(*row), nil
}

func (s *NotificationSettingsService) getOrCreate(ctx context.Context, userID string) (*models.NotificationSettings, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("notification settings service: user id is required")
	}

	row := models.NotificationSettings{
		UserID:             userID,
		PushEnabled:        true,
		ReminderEnabled:    true,
		ReminderTime:       "21:00",
		AIReadyEnabled:     true,
		ReportReadyEnabled: true,
	}
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Attrs(row).
		FirstOrCreate(&row).Error
	if err != nil {
		// Two racing first accesses both miss the lookup; the loser re-reads.
		if isUniqueConstraintError(err) {
			if retryErr := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error; retryErr == nil {
				return &row, nil
			}
		}
		return nil, fmt.Errorf("notification settings service: load settings: %w", err)
	}
	return &row, nil
}

// Update applies a partial settings update and returns the stored result.
func (s *NotificationSettingsService) Update(ctx context.Context, userID string, input UpdateNotificationSettingsInput) (*NotificationSettingsDTO, error) {
	ctx = ensureContext(ctx)

	row, err := s.getOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}

	if input.PushEnabled != nil {
		updates["push_enabled"] = *input.PushEnabled
	}
	if input.ReminderEnabled != nil {
		updates["reminder_enabled"] = *input.ReminderEnabled
	}
	if input.AIReadyEnabled != nil {
		updates["ai_ready_enabled"] = *input.AIReadyEnabled
	}
	if input.ReportReadyEnabled != nil {
		updates["report_ready_enabled"] = *input.ReportReadyEnabled
	}

	if input.ReminderTime != nil {
		value := strings.TrimSpace(*input.ReminderTime)
		if !hhmmPattern.MatchString(value) {
			return nil, apperrors.NewBadRequest("reminder_time must be HH:MM")
		}
		updates["reminder_time"] = value
	}

	if input.ReminderDays != nil {
		days, err := normaliseWeekdays(*input.ReminderDays)
		if err != nil {
			return nil, err
		}
		if days == nil {
			updates["reminder_days"] = nil
		} else {
			encoded, err := json.Marshal(days)
			if err != nil {
				return nil, fmt.Errorf("notification settings service: encode reminder days: %w", err)
			}
			updates["reminder_days"] = datatypes.JSON(encoded)
		}
	}

	start, end := row.QuietHoursStart, row.QuietHoursEnd
	if input.QuietHoursStart != nil {
		start = strings.TrimSpace(*input.QuietHoursStart)
		updates["quiet_hours_start"] = start
	}
	if input.QuietHoursEnd != nil {
		end = strings.TrimSpace(*input.QuietHoursEnd)
		updates["quiet_hours_end"] = end
	}
	if (start == "") != (end == "") {
		return nil, apperrors.NewBadRequest("quiet hours require both start and end")
	}
	if start != "" && (!hhmmPattern.MatchString(start) || !hhmmPattern.MatchString(end)) {
		return nil, apperrors.NewBadRequest("quiet hours must be HH:MM")
	}

	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).
			Model(&models.NotificationSettings{}).
			Where("id = ?", row.ID).
			Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("notification settings service: update settings: %w", err)
		}
	}

	var stored models.NotificationSettings
	if err := s.db.WithContext(ctx).Where("id = ?", row.ID).First(&stored).Error; err != nil {
		return nil, fmt.Errorf("notification settings service: reload settings: %w", err)
	}
	return mapSettings(stored), nil
}

// PushAllowed reports whether push delivery of the given notification type is
// enabled for the user. Unknown types fall back to the global push switch.
func (s *NotificationSettingsService) PushAllowed(ctx context.Context, userID, notificationType string) (bool, error) {
	row, err := s.getOrCreate(ctx, userID)
	if err != nil {
		return false, err
	}
	if !row.PushEnabled {
		return false, nil
	}

	switch notificationType {
	case models.NotificationTypeReminder:
		return row.ReminderEnabled, nil
	case models.NotificationTypeAIReady:
		return row.AIReadyEnabled, nil
	case models.NotificationTypeReportReady:
		return row.ReportReadyEnabled, nil
	}
	return true, nil
}

// UsersDueReminder returns the user ids whose reminder falls inside the
// ten-minute window starting at the slot containing now. Inactive accounts,
// disabled reminders, quiet hours and weekday filters are all applied here.
func (s *NotificationSettingsService) UsersDueReminder(ctx context.Context, now time.Time) ([]string, error) {
	ctx = ensureContext(ctx)

	var rows []models.NotificationSettings
	if err := s.db.WithContext(ctx).
		Where("push_enabled = ? AND reminder_enabled = ?", true, true).
		Where("user_id IN (?)", s.db.Model(&models.User{}).Select("id").Where("is_active = ?", true)).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("notification settings service: list reminder candidates: %w", err)
	}

	windowStart := now.Truncate(10 * time.Minute)
	nowMinutes := windowStart.Hour()*60 + windowStart.Minute()

	var due []string
	for _, row := range rows {
		minutes, ok := parseHHMM(row.ReminderTime)
		if !ok {
			continue
		}
		if minutes < nowMinutes || minutes >= nowMinutes+10 {
			continue
		}
		if !reminderDayMatches(row.ReminderDays, now.Weekday()) {
			continue
		}
		if inQuietHours(row.QuietHoursStart, row.QuietHoursEnd, now) {
			continue
		}
		due = append(due, row.UserID)
	}
	return due, nil
}

func parseHHMM(value string) (int, bool) {
	if !hhmmPattern.MatchString(value) {
		return 0, false
	}
	hours, _ := strconv.Atoi(value[:2])
	mins, _ := strconv.Atoi(value[3:])
	return hours*60 + mins, true
}

func normaliseWeekdays(days []string) ([]string, error) {
	if len(days) == 0 {
		return nil, nil
	}

	seen := make(map[string]struct{}, len(days))
	out := make([]string, 0, len(days))
	for _, day := range days {
		code := strings.ToLower(strings.TrimSpace(day))
		if _, ok := weekdayCodes[code]; !ok {
			return nil, apperrors.NewBadRequest(fmt.Sprintf("unknown weekday %q", day))
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out, nil
}

// reminderDayMatches treats an empty or unparsable day list as "every day".
func reminderDayMatches(raw datatypes.JSON, weekday time.Weekday) bool {
	if len(raw) == 0 {
		return true
	}

	var days []string
	if err := json.Unmarshal(raw, &days); err != nil || len(days) == 0 {
		return true
	}

	for _, day := range days {
		if wd, ok := weekdayCodes[strings.ToLower(strings.TrimSpace(day))]; ok && wd == weekday {
			return true
		}
	}
	return false
}

// inQuietHours reports whether now falls inside the configured window. A
// window whose end precedes its start wraps past midnight.
func inQuietHours(start, end string, now time.Time) bool {
	startMin, okStart := parseHHMM(start)
	endMin, okEnd := parseHHMM(end)
	if !okStart || !okEnd {
		return false
	}

	nowMin := now.Hour()*60 + now.Minute()
	if startMin == endMin {
		return false
	}
	if startMin < endMin {
		return nowMin >= startMin && nowMin < endMin
	}
	return nowMin >= startMin || nowMin < endMin
}

func mapSettings(row models.NotificationSettings) *NotificationSettingsDTO {
	dto := &NotificationSettingsDTO{
		PushEnabled:        row.PushEnabled,
		ReminderEnabled:    row.ReminderEnabled,
		ReminderTime:       row.ReminderTime,
		AIReadyEnabled:     row.AIReadyEnabled,
		ReportReadyEnabled: row.ReportReadyEnabled,
		QuietHoursStart:    row.QuietHoursStart,
		QuietHoursEnd:      row.QuietHoursEnd,
	}
	if len(row.ReminderDays) > 0 {
		var days []string
		if err := json.Unmarshal(row.ReminderDays, &days); err == nil {
			dto.ReminderDays = days
		}
	}
	return dto
}
