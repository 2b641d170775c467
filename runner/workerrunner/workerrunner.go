// Package workerrunner runs download tasks pulled from the asynq queues.
package workerrunner

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TechSquidTV/Hermes/engine"
	"github.com/TechSquidTV/Hermes/executor"
	"github.com/TechSquidTV/Hermes/postgres"
	"github.com/TechSquidTV/Hermes/redis"
	"github.com/TechSquidTV/Hermes/redis/config"
	"github.com/TechSquidTV/Hermes/redis/tasks"
	"github.com/TechSquidTV/Hermes/runner"
	"github.com/TechSquidTV/Hermes/s3uploader"
	"github.com/TechSquidTV/Hermes/sysmon"
	"github.com/TechSquidTV/Hermes/webhook"
)

const healthCheckInterval = 5 * time.Minute

type workerrunner struct {
	cfg      *runner.Config
	log      *zap.Logger
	svc      *runner.Services
	srv      *redis.Server
	mux      *asynq.ServeMux
	monitor  *sysmon.Monitor
	notifier *webhook.Notifier
}

func New(ctx context.Context, cfg *runner.Config, log *zap.Logger) (runner.Runner, error) {
	if cfg.RunMode != runner.RunModeWorker {
		return nil, fmt.Errorf("%w: %d", runner.ErrInvalidRunMode, cfg.RunMode)
	}

	if err := os.MkdirAll(cfg.DownloadsDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create downloads dir: %w", err)
	}

	svc, err := runner.NewServices(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	w, err := build(ctx, cfg, log, svc)
	if err != nil {
		_ = svc.Close()
		return nil, err
	}

	return w, nil
}

func build(ctx context.Context, cfg *runner.Config, log *zap.Logger, svc *runner.Services) (*workerrunner, error) {
	notifier := webhook.New(postgres.NewWebhookRepository(svc.Pool), webhook.WithLogger(log.Named("webhook")))

	ytOpts := []engine.YTDLPOption{engine.WithLogger(log.Named("engine"))}
	if cfg.YTDLPPath != "" {
		ytOpts = append(ytOpts, engine.WithExecutable(cfg.YTDLPPath))
	}

	deps := executor.Deps{
		Engine:   engine.NewYTDLP(ytOpts...),
		Jobs:     svc.Jobs,
		History:  postgres.NewHistoryRepository(svc.Pool),
		Progress: svc.Progress,
		Webhooks: notifier,
		Tokens:   svc.Tokens,
	}

	if cfg.S3Bucket != "" {
		uploader, err := s3uploader.New(ctx, s3uploader.Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.AwsRegion,
			AccessKey: cfg.AwsAccessKey,
			SecretKey: cfg.AwsSecretKey,
			Endpoint:  cfg.S3Endpoint,
		}, log.Named("s3"))
		if err != nil {
			return nil, err
		}

		deps.Archiver = uploader
	}

	exec, err := executor.New(deps,
		executor.WithLogger(log.Named("executor")),
		executor.WithConfig(executor.Config{
			DownloadsDir:  cfg.DownloadsDir,
			SnapshotTTL:   cfg.SnapshotTTL,
			Normalization: cfg.Normalization(),
		}),
	)
	if err != nil {
		return nil, err
	}

	srv, err := redis.NewServer(svc.Redis, log.Named("worker"))
	if err != nil {
		return nil, err
	}

	handler := tasks.NewHandler(exec,
		tasks.WithLogger(log.Named("tasks")),
		tasks.WithNotifier(notifier),
		tasks.WithPinger("redis", svc.Progress),
		tasks.WithPinger("postgres", svc.Pool),
	)

	mux := asynq.NewServeMux()
	handler.Register(mux)

	monitor := sysmon.New(cfg.DownloadsDir, svc.Progress,
		sysmon.WithLogger(log.Named("sysmon")),
		sysmon.WithWarnPercent(cfg.DiskWarnPercent),
		sysmon.WithInterval(cfg.DiskCheckInterval),
	)

	return &workerrunner{
		cfg:      cfg,
		log:      log,
		svc:      svc,
		srv:      srv,
		mux:      mux,
		monitor:  monitor,
		notifier: notifier,
	}, nil
}

func (w *workerrunner) Run(ctx context.Context) error {
	if err := w.srv.Start(ctx, w.mux); err != nil {
		return err
	}

	w.log.Info("worker started",
		zap.Int("concurrency", w.svc.Redis.Workers),
		zap.String("downloads_dir", w.cfg.DownloadsDir),
	)

	egroup, ctx := errgroup.WithContext(ctx)

	egroup.Go(func() error {
		return w.monitor.Run(ctx)
	})

	egroup.Go(func() error {
		return w.scheduleHealthChecks(ctx)
	})

	return egroup.Wait()
}

func (w *workerrunner) scheduleHealthChecks(ctx context.Context) error {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, err := w.svc.Queue.EnqueueTask(ctx, tasks.NewHealthCheckTask(),
				asynq.Queue(config.QueueCritical),
				asynq.Unique(healthCheckInterval),
			)
			if err != nil {
				w.log.Warn("failed to schedule health check", zap.Error(err))
			}
		}
	}
}

func (w *workerrunner) Close(ctx context.Context) error {
	if err := w.srv.Shutdown(ctx); err != nil {
		w.log.Warn("failed to shut down worker", zap.Error(err))
	}

	w.notifier.Wait()

	return w.svc.Close()
}
