package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saegimlab/saegim-server/internal/database/testutil"
	"github.com/saegimlab/saegim-server/internal/models"
)

func TestSettingsGetCreatesDefaults(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	user := createTestUser(t, db, "defaults@example.com")

	svc, err := NewNotificationSettingsService(db)
	require.NoError(t, err)

	dto, err := svc.Get(context.Background(), user.ID)
	require.NoError(t, err)
	assert.True(t, dto.PushEnabled)
	assert.True(t, dto.ReminderEnabled)
	assert.Equal(t, "21:00", dto.ReminderTime)
	assert.Empty(t, dto.ReminderDays)
	assert.True(t, dto.AIReadyEnabled)
	assert.True(t, dto.ReportReadyEnabled)

	var count int64
	require.NoError(t, db.Model(&models.NotificationSettings{}).Where("user_id = ?", user.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	// Second access reuses the stored row.
	_, err = svc.Get(context.Background(), user.ID)
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.NotificationSettings{}).Where("user_id = ?", user.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestSettingsPartialUpdate(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	user := createTestUser(t, db, "partial@example.com")

	svc, err := NewNotificationSettingsService(db)
	require.NoError(t, err)

	ctx := context.Background()
	off := false
	at := "08:30"
	days := []string{"MON", "wed", "mon"}

	dto, err := svc.Update(ctx, user.ID, UpdateNotificationSettingsInput{
		ReminderEnabled: &off,
		ReminderTime:    &at,
		ReminderDays:    &days,
	})
	require.NoError(t, err)
	assert.False(t, dto.ReminderEnabled)
	assert.Equal(t, "08:30", dto.ReminderTime)
	assert.Equal(t, []string{"mon", "wed"}, dto.ReminderDays)
	// Untouched fields keep their defaults.
	assert.True(t, dto.PushEnabled)
	assert.True(t, dto.AIReadyEnabled)
}

func TestSettingsUpdateRejectsBadInput(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	user := createTestUser(t, db, "badinput@example.com")

	svc, err := NewNotificationSettingsService(db)
	require.NoError(t, err)

	ctx := context.Background()

	bad := "25:99"
	_, err = svc.Update(ctx, user.ID, UpdateNotificationSettingsInput{ReminderTime: &bad})
	require.Error(t, err)

	days := []string{"funday"}
	_, err = svc.Update(ctx, user.ID, UpdateNotificationSettingsInput{ReminderDays: &days})
	require.Error(t, err)

	start := "22:00"
	_, err = svc.Update(ctx, user.ID, UpdateNotificationSettingsInput{QuietHoursStart: &start})
	require.Error(t, err, "quiet hours need both bounds")

	end := "07:00"
	dto, err := svc.Update(ctx, user.ID, UpdateNotificationSettingsInput{QuietHoursStart: &start, QuietHoursEnd: &end})
	require.NoError(t, err)
	assert.Equal(t, "22:00", dto.QuietHoursStart)
	assert.Equal(t, "07:00", dto.QuietHoursEnd)
}

func TestSettingsPushAllowedGating(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	user := createTestUser(t, db, "gating@example.com")

	svc, err := NewNotificationSettingsService(db)
	require.NoError(t, err)

	ctx := context.Background()
	off := false

	_, err = svc.Update(ctx, user.ID, UpdateNotificationSettingsInput{AIReadyEnabled: &off})
	require.NoError(t, err)

	allowed, err := svc.PushAllowed(ctx, user.ID, models.NotificationTypeAIReady)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = svc.PushAllowed(ctx, user.ID, models.NotificationTypeReminder)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = svc.PushAllowed(ctx, user.ID, models.NotificationTypeGeneral)
	require.NoError(t, err)
	assert.True(t, allowed)

	// The global switch overrides per-type preferences.
	_, err = svc.Update(ctx, user.ID, UpdateNotificationSettingsInput{PushEnabled: &off})
	require.NoError(t, err)
	allowed, err = svc.PushAllowed(ctx, user.ID, models.NotificationTypeReminder)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestUsersDueReminderWindow(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	due := createTestUser(t, db, "due@example.com")
	later := createTestUser(t, db, "later@example.com")
	disabled := createTestUser(t, db, "disabled@example.com")
	inactive := createTestUser(t, db, "inactive@example.com")
	require.NoError(t, db.Model(&models.User{}).Where("id = ?", inactive.ID).Update("is_active", false).Error)

	svc, err := NewNotificationSettingsService(db)
	require.NoError(t, err)

	ctx := context.Background()
	set := func(userID, at string, reminderOn bool) {
		on := reminderOn
		_, err := svc.Update(ctx, userID, UpdateNotificationSettingsInput{
			ReminderTime:    &at,
			ReminderEnabled: &on,
		})
		require.NoError(t, err)
	}

	set(due.ID, "21:05", true)
	set(later.ID, "21:15", true)
	set(disabled.ID, "21:05", false)
	set(inactive.ID, "21:05", true)

	now := time.Date(2026, 8, 28, 21, 7, 0, 0, time.UTC)
	ids, err := svc.UsersDueReminder(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{due.ID}, ids)
}

func TestUsersDueReminderWeekdayFilter(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	user := createTestUser(t, db, "weekday@example.com")

	svc, err := NewNotificationSettingsService(db)
	require.NoError(t, err)

	ctx := context.Background()
	at := "09:00"
	days := []string{"mon", "fri"}
	_, err = svc.Update(ctx, user.ID, UpdateNotificationSettingsInput{ReminderTime: &at, ReminderDays: &days})
	require.NoError(t, err)

	// 2026-08-28 is a Friday.
	friday := time.Date(2026, 8, 28, 9, 3, 0, 0, time.UTC)
	ids, err := svc.UsersDueReminder(ctx, friday)
	require.NoError(t, err)
	assert.Equal(t, []string{user.ID}, ids)

	saturday := friday.Add(24 * time.Hour)
	ids, err = svc.UsersDueReminder(ctx, saturday)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestUsersDueReminderQuietHours(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	user := createTestUser(t, db, "quiet@example.com")

	svc, err := NewNotificationSettingsService(db)
	require.NoError(t, err)

	ctx := context.Background()
	at := "23:00"
	start, end := "22:00", "07:00"
	_, err = svc.Update(ctx, user.ID, UpdateNotificationSettingsInput{
		ReminderTime:    &at,
		QuietHoursStart: &start,
		QuietHoursEnd:   &end,
	})
	require.NoError(t, err)

	inside := time.Date(2026, 8, 28, 23, 2, 0, 0, time.UTC)
	ids, err := svc.UsersDueReminder(ctx, inside)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Move the reminder outside the window and it fires again.
	at = "12:00"
	_, err = svc.Update(ctx, user.ID, UpdateNotificationSettingsInput{ReminderTime: &at})
	require.NoError(t, err)

	noon := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	ids, err = svc.UsersDueReminder(ctx, noon)
	require.NoError(t, err)
	assert.Equal(t, []string{user.ID}, ids)
}

func TestInQuietHoursWrapsMidnight(t *testing.T) {
	at := func(h, m int) time.Time {
		return time.Date(2026, 8, 28, h, m, 0, 0, time.UTC)
	}

	assert.True(t, inQuietHours("22:00", "07:00", at(23, 30)))
	assert.True(t, inQuietHours("22:00", "07:00", at(3, 0)))
	assert.False(t, inQuietHours("22:00", "07:00", at(12, 0)))
	assert.False(t, inQuietHours("22:00", "07:00", at(7, 0)), "end bound is exclusive")

	assert.True(t, inQuietHours("13:00", "14:00", at(13, 30)))
	assert.False(t, inQuietHours("13:00", "14:00", at(14, 0)))

	assert.False(t, inQuietHours("", "", at(12, 0)))
	assert.False(t, inQuietHours("12:00", "12:00", at(12, 0)))
}
