package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/saegimlab/saegim-server/internal/models"
	"github.com/saegimlab/saegim-server/internal/services"
	apperrors "github.com/saegimlab/saegim-server/pkg/errors"
	"github.com/saegimlab/saegim-server/pkg/logger"
	"github.com/saegimlab/saegim-server/pkg/metrics"
)

const (
	defaultSpec = "*/10 * * * *"

	// dedupWindow guards against a user receiving two reminders for the same
	// day after restarts or overlapping manual runs.
	dedupWindow = 24 * time.Hour
)

// RunStats summarises one scheduler pass.
type RunStats struct {
	Due     int
	Sent    int
	Deduped int
	Errors  int
}

// Scheduler drives the periodic diary reminder sweep. At most one sweep runs
// at a time; a tick that fires while the previous sweep is still in flight is
// skipped rather than queued.
type Scheduler struct {
	db       *gorm.DB
	settings *services.NotificationSettingsService
	dispatch *services.DispatchService

	cron *cron.Cron
	now  func() time.Time
	spec string
	log  *zap.Logger
}

// Option customises the Scheduler.
type Option func(*Scheduler)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithNow overrides the clock used for due-window and dedup comparisons.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSchedule overrides the cron expression for the reminder sweep.
func WithSchedule(spec string) Option {
	return func(s *Scheduler) {
		if spec != "" {
			s.spec = spec
		}
	}
}

// NewScheduler constructs a Scheduler with a ten-minute sweep by default.
func NewScheduler(db *gorm.DB, settings *services.NotificationSettingsService, dispatch *services.DispatchService, opts ...Option) (*Scheduler, error) {
	if db == nil {
		return nil, errors.New("reminder scheduler: db is required")
	}
	if settings == nil {
		return nil, errors.New("reminder scheduler: settings service is required")
	}
	if dispatch == nil {
		return nil, errors.New("reminder scheduler: dispatch service is required")
	}

	scheduler := &Scheduler{
		db:       db,
		settings: settings,
		dispatch: dispatch,
		now:      time.Now,
		spec:     defaultSpec,
		log:      logger.WithModule("reminder"),
	}
	for _, opt := range opts {
		opt(scheduler)
	}

	if scheduler.cron == nil {
		scheduler.cron = cron.New(
			cron.WithLogger(cron.DiscardLogger),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		)
	}
	return scheduler, nil
}

// Start registers the sweep job and launches the scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, func() {
		stats, err := s.RunOnce(context.Background())
		if err != nil {
			s.log.Error("reminder sweep failed", zap.Error(err))
			return
		}
		if stats.Due > 0 {
			s.log.Info("reminder sweep complete",
				zap.Int("due", stats.Due),
				zap.Int("sent", stats.Sent),
				zap.Int("deduped", stats.Deduped),
				zap.Int("errors", stats.Errors))
		}
	}); err != nil {
		return fmt.Errorf("reminder scheduler: register sweep: %w", err)
	}

	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for a running sweep to complete.
func (s *Scheduler) Stop() context.Context {
	if s.cron == nil {
		return context.Background()
	}
	return s.cron.Stop()
}

// RunOnce executes one reminder sweep. A provider outage aborts the sweep;
// any other per-user failure is counted and the sweep continues.
func (s *Scheduler) RunOnce(ctx context.Context) (RunStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	stats := RunStats{}
	now := s.now()

	due, err := s.settings.UsersDueReminder(ctx, now)
	if err != nil {
		metrics.ReminderRuns.WithLabelValues("error").Inc()
		return stats, err
	}
	stats.Due = len(due)

	var errs error
	for _, userID := range due {
		reminded, err := s.alreadyReminded(ctx, userID, now)
		if err != nil {
			// Fail closed: when the dedup check cannot be answered, not
			// reminding is the safe side of a possible duplicate.
			stats.Errors++
			errs = multierr.Append(errs, err)
			continue
		}
		if reminded {
			stats.Deduped++
			continue
		}

		if _, err := s.dispatch.DispatchReminder(ctx, userID); err != nil {
			var appErr *apperrors.AppError
			if errors.As(err, &appErr) && appErr.Code == apperrors.ErrPushProviderUnavailable.Code {
				metrics.ReminderRuns.WithLabelValues("error").Inc()
				return stats, err
			}
			stats.Errors++
			errs = multierr.Append(errs, fmt.Errorf("remind user %s: %w", userID, err))
			continue
		}
		stats.Sent++
	}

	if errs != nil {
		s.log.Warn("reminder sweep finished with errors", zap.Error(errs))
		metrics.ReminderRuns.WithLabelValues("partial").Inc()
	} else {
		metrics.ReminderRuns.WithLabelValues("success").Inc()
	}
	return stats, nil
}

// alreadyReminded reports whether a reminder notification was created for the
// user inside the dedup window.
func (s *Scheduler) alreadyReminded(ctx context.Context, userID string, now time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND type = ? AND created_at > ?", userID, models.NotificationTypeReminder, now.Add(-dedupWindow)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("reminder scheduler: dedup check for user %s: %w", userID, err)
	}
	return count > 0, nil
}
