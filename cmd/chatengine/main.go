package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatengine/internal/config"
	"chatengine/internal/constants"
	"chatengine/internal/database"
	"chatengine/internal/logging"
	"chatengine/internal/models"
	"chatengine/internal/notify"
	"chatengine/internal/retry"
	"chatengine/internal/service"
	"chatengine/internal/tracing"
	"chatengine/internal/webhook"
	"chatengine/pkg/media"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes message content)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("chatengine %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel, *verbose)
	ctx = logging.WithVerbose(ctx, *verbose)
	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting chatengine")

	tracingManager := tracing.NewTracingManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	hub := notify.NewHub(notify.HubOptions{
		Buffer:       cfg.Notifier.WebSocketBuffer,
		PingInterval: constants.WebSocketPingIntervalSec * time.Second,
		WriteTimeout: constants.WebSocketWriteTimeoutSec * time.Second,
	}, logger)
	defer hub.Close()

	notifier, closeNotifier := buildNotifier(ctx, cfg, hub, logger)
	defer closeNotifier()

	mediaStore, localMedia, err := buildMediaStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize media storage: %w", err)
	}

	engine, err := service.NewEngine(cfg, db, service.Options{
		MediaStore: mediaStore,
		Notifier:   notifier,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer engine.Shutdown()

	watcher := config.NewConfigWatcher(*configPath, logger)
	watcher.OnConfigChange(engine.ApplyConfig)
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.Warnf("Config hot reload disabled: %v", err)
		}
	}()

	if localMedia != nil && cfg.Media.RetentionDays > 0 {
		go cleanupMedia(ctx, localMedia, time.Duration(cfg.Media.RetentionDays)*24*time.Hour, logger)
	}

	server := NewServer(cfg, engine, hub, localMedia, logger)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultGracefulShutdownSec*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}

// newLogger applies the configured level. Verbose wins over the config; debug
// from the config is capped at info so content is only logged on request.
func newLogger(level string, verbose bool) *logrus.Logger {
	logger := logging.New(level)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - message content will be logged")
		return logger
	}
	if logger.GetLevel() > logrus.InfoLevel {
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}

func openDatabase(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})

	var db *database.Database
	err := backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	return db, nil
}

// buildNotifier fans events out to the WebSocket hub and, when configured,
// RabbitMQ and Redis. Broker publishes run off the caller's goroutine.
func buildNotifier(ctx context.Context, cfg *models.Config, hub *notify.Hub, logger *logrus.Logger) (notify.Publisher, func()) {
	fanout := notify.Fanout{hub}
	var closers []func()

	if cfg.Notifier.AMQPURL != "" {
		p, err := notify.NewAMQPPublisher(cfg.Notifier.AMQPURL, cfg.Notifier.AMQPExchange, logger)
		if err != nil {
			logger.WithError(err).Warn("RabbitMQ notifier disabled")
		} else {
			async := notify.NewAsync(p, cfg.Notifier.WebSocketBuffer, logger)
			fanout = append(fanout, async)
			closers = append(closers, async.Close, func() { _ = p.Close() })
		}
	}
	if cfg.Notifier.RedisURL != "" {
		p, err := notify.NewRedisPublisher(ctx, cfg.Notifier.RedisURL, cfg.Notifier.RedisChannelPrefix, logger)
		if err != nil {
			logger.WithError(err).Warn("Redis notifier disabled")
		} else {
			async := notify.NewAsync(p, cfg.Notifier.WebSocketBuffer, logger)
			fanout = append(fanout, async)
			closers = append(closers, async.Close, func() { _ = p.Close() })
		}
	}

	return fanout, func() {
		for _, c := range closers {
			c()
		}
	}
}

// buildMediaStore returns the upload target for inbound media. The local
// store is also returned so the server can expose its directory.
func buildMediaStore(cfg *models.Config) (webhook.MediaStore, *media.LocalStore, error) {
	switch cfg.Media.Storage {
	case "s3":
		store, err := media.NewS3Store(cfg.Media.S3)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		store, err := media.NewLocalStore(cfg.Media.CacheDir, cfg.Media.PublicBaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	}
}

func cleanupMedia(ctx context.Context, store *media.LocalStore, maxAge time.Duration, logger *logrus.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		removed, err := store.CleanupOlderThan(maxAge)
		if err != nil {
			logger.WithError(err).Warn("Media cleanup failed")
		} else if removed > 0 {
			logger.WithField(logging.LogFieldCount, removed).Info("Removed expired media")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
