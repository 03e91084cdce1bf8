package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/saegimlab/saegim-server/internal/models"
	"github.com/saegimlab/saegim-server/internal/push"
	apperrors "github.com/saegimlab/saegim-server/pkg/errors"
	"github.com/saegimlab/saegim-server/pkg/logger"
	"github.com/saegimlab/saegim-server/pkg/retry"
)

const defaultDispatchWorkers = 8

// PushSender is the slice of the provider client the dispatcher depends on.
type PushSender interface {
	Send(ctx context.Context, token, title, body string, data map[string]string) push.Outcome
	EnsureCredentials(ctx context.Context) error
}

// DispatchInput describes one logical notification aimed at one or more users.
type DispatchInput struct {
	UserIDs []string
	Type    string
	Title   string
	Message string
	Data    map[string]string
}

// TokenOutcome is the final provider outcome for one device token, exposed to
// the dispatch caller alongside the ledger row.
type TokenOutcome struct {
	TokenID string `json:"token_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// DeliveryReport summarises one dispatch across all recipients and devices,
// including the per-token outcomes.
type DeliveryReport struct {
	Recipients  int            `json:"recipients"`
	Devices     int            `json:"devices"`
	Delivered   int            `json:"delivered"`
	Failed      int            `json:"failed"`
	Deactivated int            `json:"deactivated"`
	Skipped     int            `json:"skipped"`
	Results     []TokenOutcome `json:"results,omitempty"`
	Message     string         `json:"message,omitempty"`
}

// DispatchService fans one logical notification out to every active device of
// every targeted user, recording each attempt in the delivery ledger.
type DispatchService struct {
	db       *gorm.DB
	sender   PushSender
	tokens   *DeviceTokenService
	settings *NotificationSettingsService
	workers  int
	log      *zap.Logger
}

// NewDispatchService constructs a DispatchService.
func NewDispatchService(db *gorm.DB, sender PushSender, tokens *DeviceTokenService, settings *NotificationSettingsService) (*DispatchService, error) {
	if db == nil {
		return nil, errors.New("dispatch service: db is required")
	}
	if sender == nil {
		return nil, errors.New("dispatch service: push sender is required")
	}
	if tokens == nil {
		return nil, errors.New("dispatch service: device token service is required")
	}
	if settings == nil {
		return nil, errors.New("dispatch service: settings service is required")
	}
	return &DispatchService{
		db:       db,
		sender:   sender,
		tokens:   tokens,
		settings: settings,
		workers:  defaultDispatchWorkers,
		log:      logger.WithModule("dispatch"),
	}, nil
}

type sendJob struct {
	userID         string
	notificationID string
	token          models.DeviceToken
}

type sendResult struct {
	job     sendJob
	outcome push.Outcome
}

// Dispatch creates one in-app notification per eligible recipient, then pushes
// to each of their active devices through a bounded worker pool. Per-device
// failures are ledger data; only a systemic credential failure is an error.
func (s *DispatchService) Dispatch(ctx context.Context, input DispatchInput) (*DeliveryReport, error) {
	ctx = ensureContext(ctx)

	userIDs := normaliseIDs(input.UserIDs)
	if len(userIDs) == 0 {
		return nil, apperrors.NewBadRequest("at least one user id is required")
	}
	notificationType := strings.TrimSpace(defaultIfEmpty(input.Type, models.NotificationTypeGeneral))
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, apperrors.NewBadRequest("title is required")
	}

	activeUsers, err := s.filterActiveUsers(ctx, userIDs)
	if err != nil {
		return nil, err
	}

	report := &DeliveryReport{}
	report.Skipped = len(userIDs) - len(activeUsers)
	if len(activeUsers) == 0 {
		return report, nil
	}

	payload, err := encodePayload(title, input.Message, input.Data)
	if err != nil {
		return nil, err
	}

	tokensByUser, err := s.tokens.ActiveForUsers(ctx, activeUsers)
	if err != nil {
		return nil, err
	}

	var jobs []sendJob
	for _, userID := range activeUsers {
		allowed, err := s.settings.PushAllowed(ctx, userID, notificationType)
		if err != nil {
			return nil, err
		}
		if !allowed {
			report.Skipped++
			continue
		}

		notification, err := s.createNotification(ctx, userID, notificationType, title, input.Message, input.Data)
		if err != nil {
			return nil, err
		}
		report.Recipients++

		for _, token := range tokensByUser[userID] {
			jobs = append(jobs, sendJob{
				userID:         userID,
				notificationID: notification.ID,
				token:          token,
			})
		}
	}

	report.Devices = len(jobs)
	if len(jobs) == 0 {
		if report.Recipients == 0 {
			report.Message = "push disabled by settings or recipient inactive"
		} else {
			report.Message = "no active device tokens"
		}
		return report, nil
	}

	// A dead credential fails every send identically; surface it once
	// instead of producing one ledger row of noise per device.
	if err := s.sender.EnsureCredentials(ctx); err != nil {
		s.log.Error("push credentials unavailable", zap.Error(err))
		s.recordUnavailable(ctx, jobs, notificationType, payload, err)
		report.Failed = len(jobs)
		report.Message = "push provider unavailable"
		for _, job := range jobs {
			report.Results = append(report.Results, TokenOutcome{
				TokenID: job.token.ID,
				Status:  models.DeliveryStatusFailed,
				Reason:  "push provider unavailable",
			})
		}
		return report, apperrors.ErrPushProviderUnavailable.WithInternal(err)
	}

	results := s.fanOut(ctx, jobs, title, input.Message, input.Data)

	var recordErr error
	now := time.Now().UTC()
	for _, result := range results {
		record := models.DeliveryRecord{
			UserID:         result.job.userID,
			NotificationID: &result.job.notificationID,
			TokenID:        ptr(result.job.token.ID),
			Type:           notificationType,
			Payload:        payload,
			SentAt:         &now,
		}

		switch result.outcome.State {
		case push.StateDelivered:
			record.Status = models.DeliveryStatusDelivered
			record.DeliveredAt = &now
			report.Delivered++
		case push.StatePermanent:
			record.Status = models.DeliveryStatusFailed
			record.ErrorMessage = result.outcome.Reason
			report.Failed++
			if err := s.tokens.MarkInvalid(ctx, result.job.token.ID); err != nil {
				recordErr = multierr.Append(recordErr, err)
			} else {
				report.Deactivated++
			}
		default:
			record.Status = models.DeliveryStatusFailed
			record.ErrorMessage = result.outcome.Reason
			report.Failed++
		}

		report.Results = append(report.Results, TokenOutcome{
			TokenID: result.job.token.ID,
			Status:  record.Status,
			Reason:  result.outcome.Reason,
		})

		if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
			recordErr = multierr.Append(recordErr, fmt.Errorf("dispatch service: record delivery: %w", err))
		}
	}
	if recordErr != nil {
		s.log.Warn("delivery bookkeeping incomplete", zap.Error(recordErr))
	}

	s.log.Info("dispatch complete",
		zap.String("type", notificationType),
		zap.Int("recipients", report.Recipients),
		zap.Int("devices", report.Devices),
		zap.Int("delivered", report.Delivered),
		zap.Int("failed", report.Failed),
		zap.Int("deactivated", report.Deactivated))

	return report, nil
}

// DispatchReminder sends the daily diary reminder to one user.
func (s *DispatchService) DispatchReminder(ctx context.Context, userID string) (*DeliveryReport, error) {
	return s.Dispatch(ctx, DispatchInput{
		UserIDs: []string{userID},
		Type:    models.NotificationTypeReminder,
		Title:   "오늘의 일기",
		Message: "오늘 하루는 어땠나요? 일기로 남겨보세요.",
		Data:    map[string]string{"type": models.NotificationTypeReminder},
	})
}

// DispatchAIReady announces generated AI content for a diary entry, enriching
// the message with the entry title when the entry still exists.
func (s *DispatchService) DispatchAIReady(ctx context.Context, userID, diaryEntryID string) (*DeliveryReport, error) {
	ctx = ensureContext(ctx)

	message := "작성하신 일기의 AI 콘텐츠가 준비되었어요."
	data := map[string]string{"type": models.NotificationTypeAIReady}

	diaryEntryID = strings.TrimSpace(diaryEntryID)
	if diaryEntryID != "" {
		var entry models.DiaryEntry
		err := s.db.WithContext(ctx).
			Where("id = ? AND user_id = ?", diaryEntryID, userID).
			First(&entry).Error
		switch {
		case err == nil:
			message = fmt.Sprintf("'%s' 일기의 AI 콘텐츠가 준비되었어요.", entry.Title)
			data["diary_entry_id"] = entry.ID
		case errors.Is(err, gorm.ErrRecordNotFound):
			// The entry may have been deleted since generation; send anyway.
		default:
			return nil, fmt.Errorf("dispatch service: load diary entry: %w", err)
		}
	}

	return s.Dispatch(ctx, DispatchInput{
		UserIDs: []string{userID},
		Type:    models.NotificationTypeAIReady,
		Title:   "AI 콘텐츠 도착",
		Message: message,
		Data:    data,
	})
}

func (s *DispatchService) fanOut(ctx context.Context, jobs []sendJob, title, message string, data map[string]string) []sendResult {
	workers := s.workers
	if workers <= 0 {
		workers = defaultDispatchWorkers
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	jobCh := make(chan sendJob)
	results := make([]sendResult, 0, len(jobs))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				outcome := s.sendWithRetry(ctx, job.token.Token, title, message, data)
				mu.Lock()
				results = append(results, sendResult{job: job, outcome: outcome})
				mu.Unlock()
			}
		}()
	}

	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)
	wg.Wait()

	return results
}

// transientSendPolicy bounds in-flight retries for transient provider
// responses. Delivered and permanent outcomes return on the first attempt.
func transientSendPolicy() retry.Policy {
	return retry.Policy{
		Attempts:        2,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

func (s *DispatchService) sendWithRetry(ctx context.Context, token, title, message string, data map[string]string) push.Outcome {
	var outcome push.Outcome
	_ = retry.Do(ctx, transientSendPolicy(), func() error {
		outcome = s.sender.Send(ctx, token, title, message, data)
		if outcome.State == push.StateTransient {
			return errors.New(outcome.Reason)
		}
		return nil
	})
	return outcome
}

func (s *DispatchService) createNotification(ctx context.Context, userID, notificationType, title, message string, data map[string]string) (*models.Notification, error) {
	notification := models.Notification{
		UserID:  userID,
		Type:    notificationType,
		Title:   title,
		Message: message,
	}
	if len(data) > 0 {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("dispatch service: encode notification data: %w", err)
		}
		notification.Data = datatypes.JSON(encoded)
	}

	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		return nil, fmt.Errorf("dispatch service: create notification: %w", err)
	}
	return &notification, nil
}

func (s *DispatchService) recordUnavailable(ctx context.Context, jobs []sendJob, notificationType string, payload datatypes.JSON, cause error) {
	now := time.Now().UTC()
	for _, job := range jobs {
		record := models.DeliveryRecord{
			UserID:         job.userID,
			NotificationID: &job.notificationID,
			TokenID:        ptr(job.token.ID),
			Type:           notificationType,
			Status:         models.DeliveryStatusFailed,
			ErrorMessage:   "push provider unavailable: " + cause.Error(),
			Payload:        payload,
			SentAt:         &now,
		}
		if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
			s.log.Warn("record provider outage", zap.Error(err))
		}
	}
}

func (s *DispatchService) filterActiveUsers(ctx context.Context, userIDs []string) ([]string, error) {
	var active []string
	if err := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id IN ? AND is_active = ?", userIDs, true).
		Pluck("id", &active).Error; err != nil {
		return nil, fmt.Errorf("dispatch service: filter active users: %w", err)
	}

	// Preserve the caller's ordering.
	allowed := make(map[string]struct{}, len(active))
	for _, id := range active {
		allowed[id] = struct{}{}
	}
	out := make([]string, 0, len(active))
	for _, id := range userIDs {
		if _, ok := allowed[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func encodePayload(title, message string, data map[string]string) (datatypes.JSON, error) {
	encoded, err := json.Marshal(map[string]any{
		"title":   title,
		"message": message,
		"data":    data,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch service: encode payload: %w", err)
	}
	return datatypes.JSON(encoded), nil
}

func ptr[T any](v T) *T {
	return &v
}
