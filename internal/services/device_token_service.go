package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/saegimlab/saegim-server/internal/models"
	apperrors "github.com/saegimlab/saegim-server/pkg/errors"
	"github.com/saegimlab/saegim-server/pkg/metrics"
	"github.com/saegimlab/saegim-server/pkg/retry"
)

// DeviceTokenDTO represents the API-friendly device token payload.
type DeviceTokenDTO struct {
	ID         string         `json:"id"`
	Token      string         `json:"token"`
	Platform   string         `json:"platform"`
	DeviceInfo map[string]any `json:"device_info,omitempty"`
	Active     bool           `json:"active"`
	LastUsedAt *time.Time     `json:"last_used_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// RegisterDeviceTokenInput defines attributes required to register a token.
type RegisterDeviceTokenInput struct {
	UserID     string
	Token      string
	Platform   string
	DeviceInfo map[string]any
}

// DeviceTokenService manages the device token registry for push delivery.
type DeviceTokenService struct {
	db *gorm.DB
}

// NewDeviceTokenService constructs a DeviceTokenService.
func NewDeviceTokenService(db *gorm.DB) (*DeviceTokenService, error) {
	if db == nil {
		return nil, errors.New("device token service: db is required")
	}
	return &DeviceTokenService{db: db}, nil
}

// Register upserts a token for the user. Re-registering an existing token
// refreshes its platform, device info and last used timestamp, and
// reactivates it; the row count per (user, token) pair never grows.
func (s *DeviceTokenService) Register(ctx context.Context, input RegisterDeviceTokenInput) (*DeviceTokenDTO, error) {
	ctx = ensureContext(ctx)

	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return nil, errors.New("device token service: user id is required")
	}
	token := strings.TrimSpace(input.Token)
	if token == "" {
		return nil, apperrors.NewBadRequest("device token is required")
	}

	platform := strings.ToLower(strings.TrimSpace(defaultIfEmpty(input.Platform, models.PlatformWeb)))
	if !models.ValidPlatform(platform) {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("unsupported platform %q", platform))
	}

	var deviceInfo datatypes.JSON
	if len(input.DeviceInfo) > 0 {
		encoded, err := json.Marshal(input.DeviceInfo)
		if err != nil {
			return nil, apperrors.NewBadRequest("device info must be JSON-encodable")
		}
		deviceInfo = datatypes.JSON(encoded)
	}

	now := time.Now().UTC()
	record := models.DeviceToken{
		UserID:     userID,
		Token:      token,
		Platform:   platform,
		DeviceInfo: deviceInfo,
		Active:     true,
		LastUsedAt: &now,
	}

	// The conflict target matches the composite unique index on
	// (user_id, token); a concurrent first insert loses the race once and
	// succeeds as an update on retry.
	err := retry.Do(ctx, retry.DefaultPolicy(), func() error {
		err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "token"}},
			DoUpdates: clause.Assignments(map[string]any{
				"platform":     platform,
				"device_info":  deviceInfo,
				"active":       true,
				"last_used_at": now,
				"updated_at":   now,
			}),
		}).Create(&record).Error
		if err == nil {
			return nil
		}
		if isUniqueConstraintError(err) {
			return err
		}
		return retry.Permanent(err)
	})
	if err != nil {
		return nil, fmt.Errorf("device token service: register token: %w", err)
	}

	var stored models.DeviceToken
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND token = ?", userID, token).
		First(&stored).Error; err != nil {
		return nil, fmt.Errorf("device token service: load registered token: %w", err)
	}

	return mapDeviceToken(stored), nil
}

// ListActive returns the user's active tokens ordered by recency of use.
func (s *DeviceTokenService) ListActive(ctx context.Context, userID string) ([]DeviceTokenDTO, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("device token service: user id is required")
	}

	var rows []models.DeviceToken
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND active = ?", userID, true).
		Order("last_used_at DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("device token service: list active tokens: %w", err)
	}

	out := make([]DeviceTokenDTO, 0, len(rows))
	for _, row := range rows {
		out = append(out, *mapDeviceToken(row))
	}
	return out, nil
}

// ActiveForUsers returns active token rows grouped by user for a fan-out.
func (s *DeviceTokenService) ActiveForUsers(ctx context.Context, userIDs []string) (map[string][]models.DeviceToken, error) {
	ctx = ensureContext(ctx)
	ids := normaliseIDs(userIDs)
	if len(ids) == 0 {
		return map[string][]models.DeviceToken{}, nil
	}

	var rows []models.DeviceToken
	if err := s.db.WithContext(ctx).
		Where("user_id IN ? AND active = ?", ids, true).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("device token service: list tokens for users: %w", err)
	}

	grouped := make(map[string][]models.DeviceToken, len(ids))
	for _, row := range rows {
		grouped[row.UserID] = append(grouped[row.UserID], row)
	}
	return grouped, nil
}

// Deactivate marks the user's token inactive and reports whether an active
// row was actually removed. Deactivating a token that does not exist or is
// already inactive succeeds with removed=false.
func (s *DeviceTokenService) Deactivate(ctx context.Context, userID, token string) (bool, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	token = strings.TrimSpace(token)
	if userID == "" || token == "" {
		return false, apperrors.NewBadRequest("user id and token are required")
	}

	result := s.db.WithContext(ctx).
		Model(&models.DeviceToken{}).
		Where("user_id = ? AND token = ? AND active = ?", userID, token, true).
		Update("active", false)
	if result.Error != nil {
		return false, fmt.Errorf("device token service: deactivate token: %w", result.Error)
	}

	removed := result.RowsAffected > 0
	if removed {
		metrics.TokensDeactivated.WithLabelValues("user_request").Inc()
	}
	return removed, nil
}

// MarkInvalid deactivates a token after a permanent provider rejection.
func (s *DeviceTokenService) MarkInvalid(ctx context.Context, tokenID string) error {
	ctx = ensureContext(ctx)
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return errors.New("device token service: token id is required")
	}

	result := s.db.WithContext(ctx).
		Model(&models.DeviceToken{}).
		Where("id = ? AND active = ?", tokenID, true).
		Update("active", false)
	if result.Error != nil {
		return fmt.Errorf("device token service: mark token invalid: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		metrics.TokensDeactivated.WithLabelValues("provider_rejection").Inc()
	}
	return nil
}

func mapDeviceToken(row models.DeviceToken) *DeviceTokenDTO {
	dto := &DeviceTokenDTO{
		ID:         row.ID,
		Token:      row.Token,
		Platform:   row.Platform,
		Active:     row.Active,
		LastUsedAt: row.LastUsedAt,
		CreatedAt:  row.CreatedAt,
	}
	if len(row.DeviceInfo) > 0 {
		info := map[string]any{}
		if err := json.Unmarshal(row.DeviceInfo, &info); err == nil {
			dto.DeviceInfo = info
		}
	}
	return dto
}
