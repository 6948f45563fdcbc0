package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"guardian/internal/config"
	"guardian/internal/engine"
	"guardian/internal/escalation"
	"guardian/internal/notifier"
	"guardian/internal/server"
	"guardian/internal/telemetry"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the escalation dispatcher",
		Long: `Run the HTTP API (POST /events, GET /snapshot/{subjectId},
POST /unlock/{subjectId}) and the background escalation workers. The
database is migrated on start. SIGINT or SIGTERM shuts down gracefully.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, rootOpts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build logger", err)
	}
	defer func() {
		_ = logger.Sync() // Flushes buffer, if any
	}()

	shutdownTracing, err := telemetry.Init(cfg.Telemetry.Enabled, cfg.Telemetry.ServiceName, nil)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to init telemetry", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	store, err := openStorage(cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open storage", err)
	}
	defer store.Close()

	idx, closeIdx, err := openDedup(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open dedup index", err)
	}
	defer closeIdx()

	router, tg, err := buildNotifier(cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build notifier", err)
	}
	if tg != nil {
		go func() {
			if err := tg.Start(ctx); err != nil {
				logger.Error("Telegram bot stopped", zap.Error(err))
			}
		}()
	}

	dispatcher := escalation.NewDispatcher(escalation.Config{
		Cooldown:        cfg.Escalation.Cooldown,
		Workers:         cfg.Escalation.Workers,
		QueueSize:       cfg.Escalation.QueueSize,
		MaxAttempts:     cfg.Escalation.MaxAttempts,
		InitialInterval: cfg.Escalation.InitialInterval,
		MaxInterval:     cfg.Escalation.MaxInterval,
		RatePerSecond:   cfg.Escalation.RatePerSecond,
		Burst:           cfg.Escalation.Burst,
		BreakerFailures: cfg.Escalation.BreakerFailures,
		BreakerTimeout:  cfg.Escalation.BreakerTimeout,
	}, store.escalations, router, logger)

	eng := engine.New(store.events, store.profiles, idx, dispatcher, engine.Options{
		Thresholds:    cfg.Ingest.Thresholds,
		DedupWindow:   cfg.Ingest.DedupWindow,
		ResetOnUnlock: *cfg.Escalation.ResetOnUnlock,
	}, logger)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := server.NewServer(eng, cfg.Auth.JWTSecret, cfg.Server.ShutdownTimeout, logger)
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret is not set; identities in query parameters are trusted")
	}

	serveErr := srv.Run(ctx, ":"+cfg.Server.Port)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := dispatcher.Close(closeCtx); err != nil {
		logger.Warn("Escalation workers did not drain in time", zap.Error(err))
	}

	if serveErr != nil {
		return WrapExitError(ExitCommandError, "server failed", serveErr)
	}
	logger.Info("Server stopped")
	return nil
}

// buildNotifier wires every configured delivery channel behind a router.
// The Telegram notifier is returned separately so its update loop can run.
func buildNotifier(cfg *config.Config, logger *zap.Logger) (*notifier.Router, *notifier.TelegramNotifier, error) {
	router := &notifier.Router{Fallback: notifier.NewLogNotifier(logger)}

	if cfg.Notifier.Webhook.URL != "" {
		router.Gateway = notifier.NewWebhookNotifier(cfg.Notifier.Webhook.URL, cfg.Notifier.Webhook.Token, cfg.Notifier.Webhook.Timeout)
	}

	if cfg.Notifier.SMTP.Host != "" {
		router.Email = notifier.NewSMTPNotifier(notifier.SMTPConfig{
			Host:     cfg.Notifier.SMTP.Host,
			Port:     cfg.Notifier.SMTP.Port,
			Username: cfg.Notifier.SMTP.Username,
			Password: cfg.Notifier.SMTP.Password,
			From:     cfg.Notifier.SMTP.From,
		})
	}

	tg, err := notifier.NewTelegramNotifier(cfg.Notifier.Telegram.Token, logger)
	if err != nil {
		return nil, nil, err
	}
	if tg != nil {
		router.Telegram = tg
	}
	return router, tg, nil
}
