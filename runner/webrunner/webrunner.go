// Package webrunner serves the token, event stream and download endpoints.
package webrunner

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TechSquidTV/Hermes/events"
	"github.com/TechSquidTV/Hermes/runner"
	"github.com/TechSquidTV/Hermes/web"
	"github.com/TechSquidTV/Hermes/web/handlers"
)

type webrunner struct {
	srv *web.Server
	svc *runner.Services
	log *zap.Logger
}

func New(ctx context.Context, cfg *runner.Config, log *zap.Logger) (runner.Runner, error) {
	if cfg.RunMode != runner.RunModeWeb {
		return nil, fmt.Errorf("%w: %d", runner.ErrInvalidRunMode, cfg.RunMode)
	}

	svc, err := runner.NewServices(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	streams := events.New(svc.Progress,
		events.WithLogger(log.Named("events")),
		events.WithMaxConnections(cfg.MaxConnections),
		events.WithHeartbeatInterval(cfg.HeartbeatInterval),
	)

	srv := web.New(web.Config{
		Addr: cfg.Addr,
		Deps: handlers.Dependencies{
			Logger:   log.Named("http"),
			Tokens:   svc.Tokens,
			Streams:  streams,
			Jobs:     svc.Jobs,
			Progress: svc.Progress,
			Queue:    svc.Queue,
		},
	})

	return &webrunner{srv: srv, svc: svc, log: log}, nil
}

func (w *webrunner) Run(ctx context.Context) error {
	egroup, ctx := errgroup.WithContext(ctx)

	egroup.Go(func() error {
		return w.srv.Start(ctx)
	})

	egroup.Go(func() error {
		return w.monitorStores(ctx)
	})

	return egroup.Wait()
}

// monitorStores logs when Redis or Postgres stop answering.
func (w *webrunner) monitorStores(ctx context.Context) error {
	return runner.WatchHealth(ctx, w.log, map[string]func(context.Context) error{
		"redis":    w.svc.Progress.Ping,
		"postgres": w.svc.Pool.Ping,
	})
}

func (w *webrunner) Close(context.Context) error {
	return w.svc.Close()
}
