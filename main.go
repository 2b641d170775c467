package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/TechSquidTV/Hermes/runner"
	"github.com/TechSquidTV/Hermes/runner/installytdlp"
	"github.com/TechSquidTV/Hermes/runner/webrunner"
	"github.com/TechSquidTV/Hermes/runner/workerrunner"
)

func main() {
	_ = godotenv.Load() // Load .env file if present

	ctx, cancel := context.WithCancel(context.Background())

	cfg := runner.ParseConfig()
	runner.Banner(cfg)

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan

		logger.Info("received signal, shutting down")

		cancel()
	}()

	if err := cfg.Validate(); err != nil {
		exit(logger, cancel, err)
	}

	runnerInstance, err := runnerFactory(ctx, cfg, logger)
	if err != nil {
		exit(logger, cancel, err)
	}

	if err := runnerInstance.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		_ = runnerInstance.Close(ctx)

		exit(logger, cancel, err)
	}

	if err := runnerInstance.Close(ctx); err != nil {
		logger.Warn("failed to close runner", zap.Error(err))
	}

	_ = logger.Sync()

	cancel()

	os.Exit(0)
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}

	return zap.NewProduction()
}

func exit(logger *zap.Logger, cancel context.CancelFunc, err error) {
	logger.Error("hermes exited with error", zap.Error(err))
	_ = logger.Sync()

	cancel()

	os.Exit(1)
}

func runnerFactory(ctx context.Context, cfg *runner.Config, logger *zap.Logger) (runner.Runner, error) {
	switch cfg.RunMode {
	case runner.RunModeWorker:
		return workerrunner.New(ctx, cfg, logger)
	case runner.RunModeWeb:
		return webrunner.New(ctx, cfg, logger)
	case runner.RunModeInstallYTDLP:
		return installytdlp.New(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: %d", runner.ErrInvalidRunMode, cfg.RunMode)
	}
}
