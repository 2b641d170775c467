package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"go.uber.org/zap"
)

const (
	DefaultFormat           = "best"
	DefaultProgressInterval = 100 * time.Millisecond
)

// YTDLP runs downloads through the yt-dlp binary.
type YTDLP struct {
	executable       string
	progressInterval time.Duration
	log              *zap.Logger
	now              func() time.Time
}

// YTDLPOption configures a YTDLP engine.
type YTDLPOption func(*YTDLP)

// WithExecutable points the engine at a specific yt-dlp binary instead of
// the one resolved from PATH.
func WithExecutable(path string) YTDLPOption {
	return func(y *YTDLP) {
		y.executable = path
	}
}

// WithProgressInterval sets how often yt-dlp progress is forwarded.
func WithProgressInterval(d time.Duration) YTDLPOption {
	return func(y *YTDLP) {
		y.progressInterval = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) YTDLPOption {
	return func(y *YTDLP) {
		y.log = l
	}
}

// NewYTDLP creates a yt-dlp backed engine.
func NewYTDLP(opts ...YTDLPOption) *YTDLP {
	y := &YTDLP{
		progressInterval: DefaultProgressInterval,
		log:              zap.NewNop(),
		now:              time.Now,
	}

	for _, opt := range opts {
		opt(y)
	}

	return y
}

// Download runs yt-dlp for req.URL and returns the extracted metadata.
func (y *YTDLP) Download(ctx context.Context, req Request, fn ProgressFunc) (*Result, error) {
	if req.URL == "" {
		return nil, &Error{Message: "url is required"}
	}

	format := req.Format
	if format == "" {
		format = DefaultFormat
	}

	cmd := ytdlp.New().
		Format(format).
		Output(req.Output).
		NoPlaylist().
		ForceOverwrites().
		PrintJSON()

	if y.executable != "" {
		cmd.SetExecutable(y.executable)
	}

	if fn != nil {
		cmd.ProgressFunc(y.progressInterval, func(u ytdlp.ProgressUpdate) {
			fn(convertUpdate(u, y.now()))
		})
	}

	y.log.Debug("starting yt-dlp", zap.String("url", req.URL), zap.String("format", format))

	res, err := cmd.Run(ctx, req.URL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, newError(res, err)
	}

	infos, err := res.GetExtractedInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to read extracted info: %w", err)
	}

	if len(infos) == 0 {
		return nil, &Error{Message: "no media information extracted"}
	}

	raw, err := json.Marshal(infos[len(infos)-1])
	if err != nil {
		return nil, fmt.Errorf("failed to encode extracted info: %w", err)
	}

	return parseInfo(raw)
}

func convertUpdate(u ytdlp.ProgressUpdate, now time.Time) Update {
	out := Update{
		DownloadedBytes: int64(u.DownloadedBytes),
		TotalBytes:      int64(u.TotalBytes),
		Filename:        u.Filename,
		ETA:             u.ETA(),
	}

	if !u.Started.IsZero() {
		if elapsed := now.Sub(u.Started).Seconds(); elapsed > 0 {
			out.Speed = float64(out.DownloadedBytes) / elapsed
		}
	}

	if u.Info != nil && u.Info.Title != nil {
		out.Title = *u.Info.Title
	}

	return out
}

type extractedInfo struct {
	Title              string  `json:"title"`
	Thumbnail          string  `json:"thumbnail"`
	Extractor          string  `json:"extractor"`
	Duration           float64 `json:"duration"`
	Filename           string  `json:"filename"`
	LegacyFilename     string  `json:"_filename"`
	RequestedDownloads []struct {
		Filepath string `json:"filepath"`
	} `json:"requested_downloads"`
}

func parseInfo(raw []byte) (*Result, error) {
	var info extractedInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("failed to decode extracted info: %w", err)
	}

	res := Result{
		Title:     info.Title,
		Duration:  info.Duration,
		Thumbnail: info.Thumbnail,
		Extractor: info.Extractor,
	}

	for _, d := range info.RequestedDownloads {
		if d.Filepath != "" {
			res.OutputPath = d.Filepath
			break
		}
	}

	if res.OutputPath == "" {
		res.OutputPath = info.Filename
	}

	if res.OutputPath == "" {
		res.OutputPath = info.LegacyFilename
	}

	return &res, nil
}

func newError(res *ytdlp.Result, err error) *Error {
	out := &Error{Message: err.Error()}

	if res == nil {
		return out
	}

	out.ExitCode = res.ExitCode
	if msg := stderrMessage(res.Stderr); msg != "" {
		out.Message = msg
	}

	return out
}

// stderrMessage collects the ERROR lines yt-dlp prints before exiting.
func stderrMessage(stderr string) string {
	var msgs []string

	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(line, "ERROR:"); ok {
			msgs = append(msgs, strings.TrimSpace(after))
		}
	}

	return strings.Join(msgs, "; ")
}
