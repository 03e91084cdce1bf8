package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/saegimlab/saegim-server/internal/api"
	"github.com/saegimlab/saegim-server/internal/app"
	"github.com/saegimlab/saegim-server/internal/app/reminder"
	iauth "github.com/saegimlab/saegim-server/internal/auth"
	"github.com/saegimlab/saegim-server/internal/database"
	"github.com/saegimlab/saegim-server/internal/push"
	"github.com/saegimlab/saegim-server/internal/services"
	"github.com/saegimlab/saegim-server/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("saegim-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory")

	if err := fs.Parse(args); err != nil {
		return err
	}

	var cfg *app.Config
	var err error
	if configPath != "" {
		cfg, err = app.LoadConfig(configPath)
	} else {
		cfg, err = app.LoadConfig()
	}
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.Open(cfg.DatabaseSettings())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer closeDatabase(db, log)

	if err := database.MigrateAndPrepare(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	sender, err := buildPushSender(cfg, log)
	if err != nil {
		return err
	}

	jwtService, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         cfg.Auth.JWT.Secret,
		Issuer:         cfg.Auth.JWT.Issuer,
		AccessTokenTTL: cfg.Auth.JWT.TTL,
	})
	if err != nil {
		return fmt.Errorf("initialise jwt service: %w", err)
	}

	tokenSvc, err := services.NewDeviceTokenService(db)
	if err != nil {
		return err
	}
	settingsSvc, err := services.NewNotificationSettingsService(db)
	if err != nil {
		return err
	}
	dispatchSvc, err := services.NewDispatchService(db, sender, tokenSvc, settingsSvc)
	if err != nil {
		return err
	}

	if cfg.Reminder.Enabled {
		scheduler, err := reminder.NewScheduler(db, settingsSvc, dispatchSvc,
			reminder.WithSchedule(cfg.Reminder.Schedule))
		if err != nil {
			return err
		}
		if err := scheduler.Start(); err != nil {
			return err
		}
		defer func() {
			<-scheduler.Stop().Done()
		}()
		log.Info("reminder scheduler started", zap.String("schedule", cfg.Reminder.Schedule))
	}

	router, err := api.NewRouter(db, jwtService, cfg, dispatchSvc)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}

// buildPushSender wires the provider client, or a stub that fails every send
// when push is disabled so the rest of the subsystem keeps functioning.
func buildPushSender(cfg *app.Config, log *zap.Logger) (services.PushSender, error) {
	if !cfg.Push.Enabled {
		log.Warn("push delivery disabled; sends will be recorded as failed")
		return disabledSender{}, nil
	}

	keyPEM, err := cfg.Push.PrivateKeyPEM()
	if err != nil {
		return nil, err
	}

	client, err := push.NewClient(push.Config{
		ProjectID:     cfg.Push.ProjectID,
		ClientEmail:   cfg.Push.ClientEmail,
		PrivateKeyPEM: keyPEM,
		TokenURL:      cfg.Push.TokenURL,
		Endpoint:      cfg.Push.Endpoint,
		SendTimeout:   cfg.Push.SendTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise push client: %w", err)
	}
	return client, nil
}

type disabledSender struct{}

func (disabledSender) Send(context.Context, string, string, string, map[string]string) push.Outcome {
	return push.Transient("push disabled")
}

func (disabledSender) EnsureCredentials(context.Context) error {
	return nil
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("access underlying database", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn("close database", zap.Error(err))
	}
}
