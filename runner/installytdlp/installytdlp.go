// Package installytdlp downloads and caches the yt-dlp binary.
package installytdlp

import (
	"context"
	"fmt"

	"github.com/lrstanley/go-ytdlp"
	"go.uber.org/zap"

	"github.com/TechSquidTV/Hermes/runner"
)

type installer struct {
	log *zap.Logger
}

func New(cfg *runner.Config, log *zap.Logger) (runner.Runner, error) {
	if cfg.RunMode != runner.RunModeInstallYTDLP {
		return nil, fmt.Errorf("%w: %d", runner.ErrInvalidRunMode, cfg.RunMode)
	}

	return &installer{log: log}, nil
}

func (i *installer) Run(ctx context.Context) error {
	res, err := ytdlp.Install(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to install yt-dlp: %w", err)
	}

	i.log.Info("yt-dlp installed",
		zap.String("executable", res.Executable),
		zap.String("version", res.Version),
	)

	return nil
}

func (i *installer) Close(context.Context) error {
	return nil
}
