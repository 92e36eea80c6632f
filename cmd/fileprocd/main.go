package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/lisan-5/file-processing-api/internal/api"
	"github.com/lisan-5/file-processing-api/internal/api/middleware"
	"github.com/lisan-5/file-processing-api/internal/archive"
	"github.com/lisan-5/file-processing-api/internal/config"
	"github.com/lisan-5/file-processing-api/internal/core"
	"github.com/lisan-5/file-processing-api/internal/db"
	"github.com/lisan-5/file-processing-api/internal/events"
	"github.com/lisan-5/file-processing-api/internal/history"
	"github.com/lisan-5/file-processing-api/internal/processing"
	"github.com/lisan-5/file-processing-api/internal/storage"
	"github.com/lisan-5/file-processing-api/internal/utils"
	"github.com/lisan-5/file-processing-api/internal/webhook"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := cfg.Logging.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fileprocd exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// closer is a notifier that drains its buffer on shutdown.
type closer interface {
	Close(ctx context.Context) error
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.Init(db.Config{Path: cfg.Database.Path}); err != nil {
		return err
	}
	defer db.Close()

	if n, err := history.RecoverInterrupted(ctx, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to recover interrupted jobs: %w", err)
	} else if n > 0 {
		logger.Warn("marked jobs from a previous run as failed", slog.Int64("jobs", n))
	}

	key, err := db.Settings.GetOrCreateKey(ctx, db.SettingSecretKey, utils.GenerateRandomKey)
	if err != nil {
		return fmt.Errorf("failed to load secret key: %w", err)
	}
	sealer, err := utils.NewSealer(key)
	if err != nil {
		return err
	}
	auth := middleware.NewAuth(key, os.Getenv("FILEPROC_INSECURE_COOKIE") == "")

	dispatcher := core.NewDispatcher()
	if err := processing.Register(dispatcher, processing.Config{
		OutputDir:   cfg.Storage.OutputDir,
		FFmpegPath:  cfg.Media.FFmpegPath,
		FFprobePath: cfg.Media.FFprobePath,
		Preset:      cfg.Media.Preset,
		CRF:         cfg.Media.CRF,
		Logger:      logger,
	}); err != nil {
		return err
	}

	recorder := history.NewRecorder(logger, 0)
	sender := webhook.NewWebhookSender(webhook.WebhookConfig{
		RetryCount:  cfg.Webhooks.MaxRetries,
		RetryDelay:  cfg.Webhooks.RetryDelay,
		Timeout:     cfg.Webhooks.Timeout,
		WorkerCount: cfg.Webhooks.Workers,
		QueueSize:   cfg.Webhooks.QueueSize,
		SecretKey:   sealer.Key(),
		Logger:      logger,
	})
	sender.Start()

	notifiers := core.Notifiers{recorder, sender}
	closers := []closer{recorder}

	if cfg.Events.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Events.RedisAddr,
			Password: cfg.Events.Password,
			DB:       cfg.Events.DB,
		})
		defer rdb.Close()
		publisher := events.NewPublisher(rdb, cfg.Events.Channel,
			events.WithLogger(logger),
			events.WithStatusTTL(cfg.Events.StatusTTL),
		)
		if err := publisher.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, events will be retried per publish", slog.String("error", err.Error()))
		}
		notifiers = append(notifiers, publisher)
		closers = append(closers, publisher)
	}

	if cfg.Storage.Minio.Enabled {
		m := cfg.Storage.Minio
		client, err := storage.NewClient(ctx, storage.Config{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Bucket:    m.Bucket,
			UseSSL:    m.UseSSL,
		})
		if err != nil {
			return err
		}
		uploader := storage.NewUploader(client, m.Bucket, storage.WithLogger(logger))
		notifiers = append(notifiers, uploader)
		closers = append(closers, uploader)
	}

	queue := core.NewQueue(dispatcher,
		core.WithConcurrency(cfg.Queue.Concurrency),
		core.WithJobTimeout(cfg.Queue.JobTimeout),
		core.WithRetainFinished(cfg.Queue.RetainFinished),
		core.WithNotifier(notifiers),
		core.WithLogger(logger),
	)
	reporter := core.NewReporter(queue, recorder)

	archiver, err := newArchiver(ctx, cfg, sealer, logger)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router, err := api.NewRouter(api.Deps{
		Config:     cfg,
		Queue:      queue,
		Dispatcher: dispatcher,
		Reporter:   reporter,
		Archiver:   archiver,
		Webhooks:   sender,
		Auth:       auth,
		Sealer:     sealer,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if err := queue.Start(); err != nil {
		return err
	}
	archiver.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Stop admission first, then let running jobs finish and their
		// final events drain to every notifier.
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		archiver.Stop()
		if err := queue.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("queue shutdown: %w", err))
		}
		sender.Stop()
		for _, c := range closers {
			if err := c.Close(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// newArchiver applies the runtime overrides saved through the settings
// endpoints on top of the configured values.
func newArchiver(ctx context.Context, cfg *config.Config, sealer *utils.Sealer, logger *slog.Logger) (*archive.Archiver, error) {
	days := cfg.Database.ArchiveDays
	if s, err := db.Settings.GetSetting(ctx, archive.SettingDays); err == nil {
		if n, err := strconv.Atoi(s.Value); err == nil && n > 0 {
			days = n
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var passphrase string
	if s, err := db.Settings.GetSetting(ctx, archive.SettingPassphrase); err == nil {
		passphrase, err = sealer.Open(s.Value)
		if err != nil {
			logger.Warn("stored archive passphrase could not be opened, archiving disabled until it is set again",
				slog.String("error", err.Error()))
			passphrase = ""
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	return archive.NewArchiver(archive.ArchiveConfig{
		ArchivePath: cfg.Database.ArchivePath,
		ArchiveDays: days,
		Passphrase:  passphrase,
		Schedule:    cfg.Database.ArchiveSchedule,
		Logger:      logger,
	})
}
