// Package executor runs a single download job to a terminal state. Engine
// progress is normalized, throttled into cache, push and durable tiers, and
// handed to a per job writer goroutine so the engine callback never blocks.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/TechSquidTV/Hermes/engine"
	"github.com/TechSquidTV/Hermes/models"
)

const (
	DefaultCleanupTimeout = 30 * time.Second
	DefaultDownloadsDir   = "./downloads"
)

var ErrJobNotPending = errors.New("download is not pending")

// JobStore is the durable job record.
type JobStore interface {
	Get(ctx context.Context, id string) (models.Job, error)
	UpdateStatus(ctx context.Context, id string, update models.StatusUpdate) error
	UpdateProgress(ctx context.Context, id string, p models.ProgressInfo) error
}

// HistoryWriter appends terminal job records.
type HistoryWriter interface {
	Append(ctx context.Context, rec models.HistoryRecord) error
}

// ProgressSink receives cache and push tier writes. Implementations log
// and swallow their own failures.
type ProgressSink interface {
	SetSnapshot(ctx context.Context, downloadID string, snap models.Snapshot, ttl time.Duration)
	DeleteSnapshot(ctx context.Context, downloadID string)
	PublishDownloadProgress(ctx context.Context, downloadID string, info models.ProgressInfo, result *models.ResultSummary)
	PublishQueueUpdate(ctx context.Context, action, downloadID string, status models.JobStatus, extra map[string]any)
}

// Notifier delivers lifecycle webhooks without blocking the caller.
type Notifier interface {
	Notify(ctx context.Context, event, downloadID string, data map[string]any)
}

// TokenRevoker removes stream tokens scoped to a finished job.
type TokenRevoker interface {
	RevokeJob(ctx context.Context, downloadID string) (int, error)
}

// Archiver copies a finished file to long term storage and returns its key.
type Archiver interface {
	Archive(ctx context.Context, downloadID, path string) (string, error)
}

// Deps are the collaborators of an Executor. Archiver is optional.
type Deps struct {
	Engine   engine.Engine
	Jobs     JobStore
	History  HistoryWriter
	Progress ProgressSink
	Webhooks Notifier
	Tokens   TokenRevoker
	Archiver Archiver
}

// Config tunes an Executor.
type Config struct {
	DownloadsDir   string
	SnapshotTTL    time.Duration
	Normalization  Normalization
	HandoffBuffer  int
	CleanupTimeout time.Duration
}

// Outcome summarises a finished run.
type Outcome struct {
	DownloadID string
	Status     models.JobStatus
	OutputPath string
	FileSize   int64
	Error      string
}

// Succeeded reports whether the job completed.
func (o Outcome) Succeeded() bool {
	return o.Status == models.StatusCompleted
}

// Executor runs download jobs.
type Executor struct {
	deps Deps
	cfg  Config
	log  *zap.Logger
	now  func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		e.log = l
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// WithConfig replaces the default configuration. Zero fields keep their
// defaults.
func WithConfig(cfg Config) Option {
	return func(e *Executor) {
		if cfg.DownloadsDir != "" {
			e.cfg.DownloadsDir = cfg.DownloadsDir
		}

		if cfg.SnapshotTTL > 0 {
			e.cfg.SnapshotTTL = cfg.SnapshotTTL
		}

		if cfg.Normalization.FalseCompleteBytes > 0 {
			e.cfg.Normalization = cfg.Normalization
		}

		if cfg.HandoffBuffer > 0 {
			e.cfg.HandoffBuffer = cfg.HandoffBuffer
		}

		if cfg.CleanupTimeout > 0 {
			e.cfg.CleanupTimeout = cfg.CleanupTimeout
		}
	}
}

// New validates deps and creates an Executor.
func New(deps Deps, opts ...Option) (*Executor, error) {
	var err error
	if deps.Engine == nil {
		err = multierr.Append(err, errors.New("engine is required"))
	}

	if deps.Jobs == nil {
		err = multierr.Append(err, errors.New("job store is required"))
	}

	if deps.History == nil {
		err = multierr.Append(err, errors.New("history writer is required"))
	}

	if deps.Progress == nil {
		err = multierr.Append(err, errors.New("progress sink is required"))
	}

	if deps.Webhooks == nil {
		err = multierr.Append(err, errors.New("webhook notifier is required"))
	}

	if deps.Tokens == nil {
		err = multierr.Append(err, errors.New("token revoker is required"))
	}

	if err != nil {
		return nil, fmt.Errorf("invalid executor dependencies: %w", err)
	}

	e := &Executor{
		deps: deps,
		cfg: Config{
			DownloadsDir:   DefaultDownloadsDir,
			SnapshotTTL:    time.Hour,
			Normalization:  DefaultNormalization(),
			HandoffBuffer:  defaultHandoffBuffer,
			CleanupTimeout: DefaultCleanupTimeout,
		},
		log: zap.NewNop(),
		now: time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// run is the state of one job execution.
type run struct {
	job       models.Job
	status    models.JobStatus
	startedAt time.Time
	log       *zap.Logger
}

func (r *run) advance(next models.JobStatus) error {
	status, err := r.status.Transition(next)
	if err != nil {
		return err
	}

	r.status = status

	return nil
}

// terminal carries what finish records for the final state.
type terminal struct {
	status     models.JobStatus
	err        error
	outputPath string
	fileSize   int64
	result     *models.ResultSummary
	extra      map[string]any
}

// Run executes the pending job downloadID. Failures of the download itself
// end the job as failed and are reported through the Outcome; the returned
// error is reserved for jobs that could not be started at all.
func (e *Executor) Run(ctx context.Context, downloadID string) (Outcome, error) {
	job, err := e.deps.Jobs.Get(ctx, downloadID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load download %s: %w", downloadID, err)
	}

	log := e.log.With(zap.String("download_id", downloadID))

	if job.Status.IsTerminal() {
		log.Info("download already finished, skipping", zap.String("status", string(job.Status)))
		return Outcome{DownloadID: downloadID, Status: job.Status}, nil
	}

	if job.Status != models.StatusPending {
		return Outcome{}, fmt.Errorf("%w: %s is %s", ErrJobNotPending, downloadID, job.Status)
	}

	r := &run{job: job, status: job.Status, startedAt: e.now(), log: log}

	if err := r.advance(models.StatusDownloading); err != nil {
		return Outcome{}, err
	}

	e.start(ctx, r)

	res, err := e.download(ctx, r)

	switch {
	case ctx.Err() != nil:
		return e.finish(ctx, r, terminal{status: models.StatusCancelled, err: context.Cause(ctx)}), nil
	case err != nil:
		return e.finish(ctx, r, terminal{status: models.StatusFailed, err: err}), nil
	}

	return e.process(ctx, r, res), nil
}

func (e *Executor) start(ctx context.Context, r *run) {
	id := r.job.ID

	started := r.startedAt
	if err := e.deps.Jobs.UpdateStatus(ctx, id, models.StatusUpdate{
		Status:    models.StatusDownloading,
		StartedAt: &started,
	}); err != nil {
		r.log.Error("failed to record download start", zap.Error(err))
	}

	e.deps.Progress.SetSnapshot(ctx, id, models.Snapshot{
		DownloadID: id,
		Progress:   models.ProgressInfo{Status: models.StatusDownloading, Percentage: models.Float64(0)},
		UpdatedAt:  started,
	}, e.cfg.SnapshotTTL)

	e.deps.Progress.PublishQueueUpdate(ctx, models.QueueActionStatusChanged, id, models.StatusDownloading, nil)
	e.deps.Webhooks.Notify(ctx, models.WebhookDownloadStarted, id, map[string]any{"url": r.job.URL})

	r.log.Info("download started", zap.String("url", r.job.URL), zap.String("format", r.job.Format))
}

func (e *Executor) download(ctx context.Context, r *run) (*engine.Result, error) {
	h := newHandoff(e.cfg.HandoffBuffer, r.log)
	h.start(context.WithoutCancel(ctx))

	req := engine.Request{
		URL:    r.job.URL,
		Output: filepath.Join(e.cfg.DownloadsDir, r.job.ID+templateExt),
		Format: r.job.Format,
	}

	if err := os.MkdirAll(e.cfg.DownloadsDir, 0o755); err != nil {
		h.close()
		return nil, fmt.Errorf("failed to create downloads directory: %w", err)
	}

	res, err := e.deps.Engine.Download(ctx, req, e.progressCallback(r, h))

	// Queued writes must land before terminal cleanup deletes the snapshot.
	h.close()

	return res, err
}

// progressCallback runs on the engine's goroutine. It only computes and
// submits; all store access happens on the hand-off consumer.
func (e *Executor) progressCallback(r *run, h *handoff) engine.ProgressFunc {
	id := r.job.ID
	throttle := NewThrottle(r.startedAt)

	return func(u engine.Update) {
		now := e.now()

		pct, known := NormalizePercentage(u.DownloadedBytes, u.TotalBytes, e.cfg.Normalization)

		info := models.ProgressInfo{
			Status:          models.StatusDownloading,
			DownloadedBytes: u.DownloadedBytes,
			TotalBytes:      u.TotalBytes,
			Speed:           u.Speed,
			ETA:             int64(u.ETA.Seconds()),
		}
		if known {
			info.Percentage = models.Float64(pct)
		}

		var result *models.ResultSummary
		if u.Title != "" {
			result = &models.ResultSummary{Title: u.Title}
		}

		decision := throttle.Observe(pct, known, now)

		snap := models.Snapshot{DownloadID: id, Progress: info, Result: result, UpdatedAt: now}
		h.submit("cache", func(ctx context.Context) {
			e.deps.Progress.SetSnapshot(ctx, id, snap, e.cfg.SnapshotTTL)
		})

		if decision.Push {
			h.submit("push", func(ctx context.Context) {
				e.deps.Progress.PublishDownloadProgress(ctx, id, info, result)
			})
		}

		if decision.Durable {
			h.submit("durable", func(ctx context.Context) {
				if err := e.deps.Jobs.UpdateProgress(ctx, id, info); err != nil {
					r.log.Error("failed to persist progress", zap.Error(err))
				}
			})
		}
	}
}

// process resolves the output file, names it after the title and archives
// it before completing the job.
func (e *Executor) process(ctx context.Context, r *run, res *engine.Result) Outcome {
	if err := r.advance(models.StatusProcessing); err != nil {
		return e.finish(ctx, r, terminal{status: models.StatusFailed, err: err})
	}

	id := r.job.ID
	summary := &models.ResultSummary{
		Title:     res.Title,
		Thumbnail: res.Thumbnail,
		Extractor: res.Extractor,
		Duration:  res.Duration,
	}

	if err := e.deps.Jobs.UpdateStatus(ctx, id, models.StatusUpdate{Status: models.StatusProcessing, Result: summary}); err != nil {
		r.log.Error("failed to record processing state", zap.Error(err))
	}

	processing := models.ProgressInfo{Status: models.StatusProcessing, Percentage: models.Float64(100)}
	e.deps.Progress.SetSnapshot(ctx, id, models.Snapshot{DownloadID: id, Progress: processing, Result: summary, UpdatedAt: e.now()}, e.cfg.SnapshotTTL)
	e.deps.Progress.PublishDownloadProgress(ctx, id, processing, summary)
	e.deps.Progress.PublishQueueUpdate(ctx, models.QueueActionStatusChanged, id, models.StatusProcessing, nil)

	path, err := resolveOutput(res.OutputPath)
	if err != nil {
		r.log.Error("engine reported success without an output file", zap.String("output_path", res.OutputPath))
		return e.finish(ctx, r, terminal{status: models.StatusFailed, err: err, result: summary})
	}

	if target := titledPath(path, res.Title); target != path {
		if err := os.Rename(path, target); err != nil {
			r.log.Warn("failed to rename output", zap.String("from", path), zap.String("to", target), zap.Error(err))
		} else {
			path = target
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return e.finish(ctx, r, terminal{status: models.StatusFailed, err: fmt.Errorf("%w: %v", ErrOutputMissing, err), result: summary})
	}

	extra := map[string]any{"file_path": path, "file_size": info.Size()}

	if e.deps.Archiver != nil {
		key, err := e.deps.Archiver.Archive(ctx, id, path)
		if err != nil {
			r.log.Error("failed to archive download", zap.Error(err))
		} else {
			extra["archive_key"] = key
		}

		extra["archived"] = err == nil
	}

	return e.finish(ctx, r, terminal{
		status:     models.StatusCompleted,
		outputPath: path,
		fileSize:   info.Size(),
		result:     summary,
		extra:      extra,
	})
}

// finish drives the job to its terminal state and runs every cleanup side
// effect. It uses a detached context so cancellation of the job does not
// skip cleanup.
func (e *Executor) finish(ctx context.Context, r *run, t terminal) Outcome {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CleanupTimeout)
	defer cancel()

	id := r.job.ID

	if err := r.advance(t.status); err != nil {
		r.log.Error("unexpected terminal transition", zap.Error(err))
		t.status = models.StatusFailed
		r.status = models.StatusFailed
	}

	completedAt := e.now()

	out := Outcome{
		DownloadID: id,
		Status:     t.status,
		OutputPath: t.outputPath,
		FileSize:   t.fileSize,
	}

	update := models.StatusUpdate{
		Status:      t.status,
		CompletedAt: &completedAt,
		OutputPath:  t.outputPath,
		FileSize:    t.fileSize,
		Result:      t.result,
	}

	data := map[string]any{"url": r.job.URL}
	for k, v := range t.extra {
		data[k] = v
	}

	var errorKind ErrorKind
	if t.err != nil {
		out.Error = t.err.Error()
		update.ErrorMessage = out.Error
		data["error"] = out.Error

		if t.status == models.StatusFailed {
			errorKind = ClassifyError(t.err)
			data["error_type"] = string(errorKind)
		}
	}

	if t.status == models.StatusCompleted {
		update.Progress = models.Float64(100)
	}

	if err := e.deps.Jobs.UpdateStatus(cctx, id, update); err != nil {
		r.log.Error("failed to record final status", zap.Error(err))
	}

	if err := e.deps.History.Append(cctx, models.HistoryRecord{
		DownloadID:   id,
		URL:          r.job.URL,
		Status:       t.status,
		StartedAt:    r.startedAt,
		CompletedAt:  completedAt,
		FileSize:     t.fileSize,
		ErrorMessage: update.ErrorMessage,
	}); err != nil {
		r.log.Error("failed to write download history", zap.Error(err))
	}

	e.deps.Webhooks.Notify(cctx, models.WebhookStatusEvent(t.status), id, data)

	final := models.ProgressInfo{Status: t.status, Percentage: update.Progress}
	e.deps.Progress.PublishDownloadProgress(cctx, id, final, t.result)
	e.deps.Progress.DeleteSnapshot(cctx, id)

	if _, err := e.deps.Tokens.RevokeJob(cctx, id); err != nil {
		r.log.Error("failed to revoke download tokens", zap.Error(err))
	}

	e.deps.Progress.PublishQueueUpdate(cctx, models.QueueActionStatusChanged, id, t.status, nil)

	fields := []zap.Field{
		zap.String("status", string(t.status)),
		zap.Duration("duration", completedAt.Sub(r.startedAt)),
	}
	if t.err != nil {
		fields = append(fields, zap.String("error", out.Error))
	}
	if errorKind != "" {
		fields = append(fields, zap.String("error_type", string(errorKind)))
	}

	if t.status == models.StatusCompleted {
		r.log.Info("download finished", append(fields, zap.String("output_path", t.outputPath), zap.Int64("file_size", t.fileSize))...)
	} else {
		r.log.Warn("download finished", fields...)
	}

	return out
}
