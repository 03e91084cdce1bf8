package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/saegimlab/saegim-server/internal/database/testutil"
	"github.com/saegimlab/saegim-server/internal/models"
)

func TestDeviceTokenRegisterRoundTrip(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	user := createTestUser(t, db, "roundtrip@example.com")

	svc, err := NewDeviceTokenService(db)
	require.NoError(t, err)

	ctx := context.Background()
	dto, err := svc.Register(ctx, RegisterDeviceTokenInput{
		UserID:     user.ID,
		Token:      "fcm-token-roundtrip-1",
		Platform:   models.PlatformIOS,
		DeviceInfo: map[string]any{"model": "iPhone 15", "os": "17.4"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, dto.ID)
	assert.Equal(t, models.PlatformIOS, dto.Platform)
	assert.True(t, dto.Active)
	assert.Equal(t, "iPhone 15", dto.DeviceInfo["model"])
	require.NotNil(t, dto.LastUsedAt)

	items, err := svc.ListActive(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, dto.ID, items[0].ID)
}

func TestDeviceTokenRegisterUpsertKeepsOneRow(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	user := createTestUser(t, db, "upsert@example.com")

	svc, err := NewDeviceTokenService(db)
	require.NoError(t, err)

	ctx := context.Background()
	first, err := svc.Register(ctx, RegisterDeviceTokenInput{
		UserID:     user.ID,
		Token:      "fcm-token-upsert-1",
		Platform:   models.PlatformWeb,
		DeviceInfo: map[string]any{"browser": "firefox"},
	})
	require.NoError(t, err)

	second, err := svc.Register(ctx, RegisterDeviceTokenInput{
		UserID:     user.ID,
		Token:      "fcm-token-upsert-1",
		Platform:   models.PlatformAndroid,
		DeviceInfo: map[string]any{"model": "Pixel 9"},
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.PlatformAndroid, second.Platform)
	assert.Equal(t, "Pixel 9", second.DeviceInfo["model"])
	_, hadBrowser := second.DeviceInfo["browser"]
	assert.False(t, hadBrowser, "device info should be replaced, not merged")

	var count int64
	require.NoError(t, db.Model(&models.DeviceToken{}).
		Where("user_id = ? AND token = ?", user.ID, "fcm-token-upsert-1").
		Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestDeviceTokenRegisterReactivates(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	user := createTestUser(t, db, "reactivate@example.com")

	svc, err := NewDeviceTokenService(db)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = svc.Register(ctx, RegisterDeviceTokenInput{UserID: user.ID, Token: "fcm-token-react-1"})
	require.NoError(t, err)
	removed, err := svc.Deactivate(ctx, user.ID, "fcm-token-react-1")
	require.NoError(t, err)
	assert.True(t, removed)

	items, err := svc.ListActive(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = svc.Register(ctx, RegisterDeviceTokenInput{UserID: user.ID, Token: "fcm-token-react-1"})
	require.NoError(t, err)

	items, err = svc.ListActive(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestDeviceTokenSameTokenTwoUsers(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	alice := createTestUser(t, db, "alice@example.com")
	bob := createTestUser(t, db, "bob@example.com")

	svc, err := NewDeviceTokenService(db)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = svc.Register(ctx, RegisterDeviceTokenInput{UserID: alice.ID, Token: "fcm-token-shared"})
	require.NoError(t, err)
	_, err = svc.Register(ctx, RegisterDeviceTokenInput{UserID: bob.ID, Token: "fcm-token-shared"})
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&models.DeviceToken{}).Where("token = ?", "fcm-token-shared").Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestDeviceTokenDeactivateIsIdempotent(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	user := createTestUser(t, db, "idempotent@example.com")

	svc, err := NewDeviceTokenService(db)
	require.NoError(t, err)

	ctx := context.Background()
	removed, err := svc.Deactivate(ctx, user.ID, "never-registered")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = svc.Register(ctx, RegisterDeviceTokenInput{UserID: user.ID, Token: "fcm-token-deact-1"})
	require.NoError(t, err)
	removed, err = svc.Deactivate(ctx, user.ID, "fcm-token-deact-1")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = svc.Deactivate(ctx, user.ID, "fcm-token-deact-1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestDeviceTokenRegisterRetriesUniqueViolation(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	user := createTestUser(t, db, "race@example.com")

	svc, err := NewDeviceTokenService(db)
	require.NoError(t, err)

	// Simulate losing the insert race once; the retry must land the upsert.
	failures := 1
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("lose_race_once", func(tx *gorm.DB) {
		if _, ok := tx.Statement.Dest.(*models.DeviceToken); ok && failures > 0 {
			failures--
			_ = tx.AddError(gorm.ErrDuplicatedKey)
		}
	}))
	t.Cleanup(func() {
		require.NoError(t, db.Callback().Create().Remove("lose_race_once"))
	})

	dto, err := svc.Register(context.Background(), RegisterDeviceTokenInput{
		UserID: user.ID,
		Token:  "fcm-token-race-1",
	})
	require.NoError(t, err)
	assert.True(t, dto.Active)
	assert.Zero(t, failures, "injected failure should have been consumed")

	var count int64
	require.NoError(t, db.Model(&models.DeviceToken{}).
		Where("user_id = ? AND token = ?", user.ID, "fcm-token-race-1").
		Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestDeviceTokenMarkInvalid(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	user := createTestUser(t, db, "invalid@example.com")
	row := createTestToken(t, db, user.ID, "fcm-token-invalid-1")

	svc, err := NewDeviceTokenService(db)
	require.NoError(t, err)

	require.NoError(t, svc.MarkInvalid(context.Background(), row.ID))

	var stored models.DeviceToken
	require.NoError(t, db.First(&stored, "id = ?", row.ID).Error)
	assert.False(t, stored.Active)
}

func TestDeviceTokenActiveForUsersGroups(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	alice := createTestUser(t, db, "alice-group@example.com")
	bob := createTestUser(t, db, "bob-group@example.com")

	createTestToken(t, db, alice.ID, "token-a1")
	createTestToken(t, db, alice.ID, "token-a2")
	inactive := createTestToken(t, db, bob.ID, "token-b1")
	require.NoError(t, db.Model(&models.DeviceToken{}).Where("id = ?", inactive.ID).Update("active", false).Error)

	svc, err := NewDeviceTokenService(db)
	require.NoError(t, err)

	grouped, err := svc.ActiveForUsers(context.Background(), []string{alice.ID, bob.ID, alice.ID, " "})
	require.NoError(t, err)
	assert.Len(t, grouped[alice.ID], 2)
	assert.Empty(t, grouped[bob.ID])
}

func TestDeviceTokenRegisterValidation(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	user := createTestUser(t, db, "validate@example.com")

	svc, err := NewDeviceTokenService(db)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = svc.Register(ctx, RegisterDeviceTokenInput{UserID: user.ID, Token: "   "})
	require.Error(t, err)

	_, err = svc.Register(ctx, RegisterDeviceTokenInput{UserID: user.ID, Token: "fcm-token-x", Platform: "blackberry"})
	require.Error(t, err)

	_, err = svc.Register(ctx, RegisterDeviceTokenInput{UserID: "", Token: "fcm-token-x"})
	require.Error(t, err)
}
