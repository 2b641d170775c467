package runner

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/TechSquidTV/Hermes/events"
	"github.com/TechSquidTV/Hermes/executor"
	"github.com/TechSquidTV/Hermes/sysmon"
)

const (
	RunModeWorker = iota + 1
	RunModeWeb
	RunModeInstallYTDLP
)

var (
	ErrInvalidRunMode = errors.New("invalid run mode")
)

type Runner interface {
	Run(context.Context) error
	Close(context.Context) error
}

type Config struct {
	RunMode      int
	Debug        bool
	Addr         string
	Dsn          string
	DownloadsDir string
	YTDLPPath    string

	S3Bucket     string
	S3Endpoint   string
	AwsRegion    string
	AwsAccessKey string
	AwsSecretKey string

	MaxConnections     int64
	HeartbeatInterval  time.Duration
	SnapshotTTL        time.Duration
	FalseCompleteBytes int64
	FalseCompleteClamp float64
	DiskWarnPercent    float64
	DiskCheckInterval  time.Duration
}

// Normalization returns the progress heuristic configured for the executor.
func (c *Config) Normalization() executor.Normalization {
	return executor.Normalization{
		FalseCompleteBytes: c.FalseCompleteBytes,
		FalseCompleteClamp: c.FalseCompleteClamp,
	}
}

func ParseConfig() *Config {
	return parseConfig(flag.CommandLine, os.Args[1:], os.Getenv)
}

func parseConfig(fs *flag.FlagSet, args []string, getenv func(string) string) *Config {
	cfg := Config{}

	if getenv("YTDLP_INSTALL_ONLY") == "1" {
		cfg.RunMode = RunModeInstallYTDLP

		return &cfg
	}

	env := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}

		return def
	}

	var mode string

	fs.StringVar(&mode, "mode", env("HERMES_MODE", "web"), "run mode: web or worker")
	fs.BoolVar(&cfg.Debug, "debug", env("LOG_LEVEL", "") == "debug", "enable debug logging")
	fs.StringVar(&cfg.Addr, "addr", env("HERMES_ADDR", ":8000"), "address to listen on for the web server")
	fs.StringVar(&cfg.Dsn, "dsn", env("DATABASE_URL", ""), "postgres connection string")
	fs.StringVar(&cfg.DownloadsDir, "downloads-dir", env("DOWNLOADS_DIR", executor.DefaultDownloadsDir), "directory downloads are written to")
	fs.StringVar(&cfg.YTDLPPath, "ytdlp", env("YTDLP_PATH", ""), "path to the yt-dlp binary [default: resolved from PATH]")
	fs.StringVar(&cfg.S3Bucket, "s3-bucket", env("S3_BUCKET", ""), "S3 bucket completed downloads are archived to")
	fs.StringVar(&cfg.S3Endpoint, "s3-endpoint", env("S3_ENDPOINT", ""), "custom S3 endpoint (e.g. MinIO)")
	fs.StringVar(&cfg.AwsRegion, "aws-region", env("AWS_REGION", ""), "AWS region")
	fs.StringVar(&cfg.AwsAccessKey, "aws-access-key", env("AWS_ACCESS_KEY_ID", ""), "AWS access key")
	fs.StringVar(&cfg.AwsSecretKey, "aws-secret-key", env("AWS_SECRET_ACCESS_KEY", ""), "AWS secret key")
	fs.Int64Var(&cfg.MaxConnections, "sse-max-connections", envInt(env("SSE_MAX_CONNECTIONS", ""), events.DefaultMaxConnections), "maximum concurrent event streams")
	fs.DurationVar(&cfg.HeartbeatInterval, "sse-heartbeat", envDuration(env("SSE_HEARTBEAT_INTERVAL", ""), events.DefaultHeartbeatInterval), "event stream heartbeat interval")
	fs.DurationVar(&cfg.SnapshotTTL, "snapshot-ttl", envDuration(env("PROGRESS_SNAPSHOT_TTL", ""), time.Hour), "progress snapshot lifetime")
	fs.Int64Var(&cfg.FalseCompleteBytes, "false-complete-bytes", envInt(env("PROGRESS_FALSE_COMPLETE_BYTES", ""), executor.DefaultFalseCompleteBytes), "byte count below which a >=100% reading is clamped")
	fs.Float64Var(&cfg.FalseCompleteClamp, "false-complete-clamp", envFloat(env("PROGRESS_FALSE_COMPLETE_CLAMP", ""), executor.DefaultFalseCompleteClamp), "percentage reported for a false complete")
	fs.Float64Var(&cfg.DiskWarnPercent, "disk-warn-percent", envFloat(env("DISK_WARN_PERCENT", ""), sysmon.DefaultWarnPercent), "disk usage percentage that triggers a warning")
	fs.DurationVar(&cfg.DiskCheckInterval, "disk-check-interval", sysmon.DefaultInterval, "disk usage sampling interval")

	_ = fs.Parse(args)

	switch strings.ToLower(mode) {
	case "worker":
		cfg.RunMode = RunModeWorker
	case "web":
		cfg.RunMode = RunModeWeb
	case "install-ytdlp":
		cfg.RunMode = RunModeInstallYTDLP
	}

	return &cfg
}

// Validate reports configuration problems for the selected mode.
func (c *Config) Validate() error {
	if c.RunMode == RunModeInstallYTDLP {
		return nil
	}

	switch {
	case c.RunMode != RunModeWorker && c.RunMode != RunModeWeb:
		return fmt.Errorf("%w: %d", ErrInvalidRunMode, c.RunMode)
	case c.Dsn == "":
		return errors.New("dsn must be provided (-dsn or DATABASE_URL)")
	case c.MaxConnections < 1:
		return errors.New("sse max connections must be greater than 0")
	case c.HeartbeatInterval <= 0:
		return errors.New("sse heartbeat interval must be positive")
	case c.FalseCompleteClamp < 0 || c.FalseCompleteClamp > 100:
		return errors.New("false complete clamp must be between 0 and 100")
	case c.DiskWarnPercent <= 0 || c.DiskWarnPercent > 100:
		return errors.New("disk warn percent must be between 0 and 100")
	}

	return nil
}

func envInt(raw string, def int64) int64 {
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v
	}

	return def
}

func envFloat(raw string, def float64) float64 {
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		return v
	}

	return def
}

// envDuration accepts Go durations ("30s") and bare seconds ("30").
func envDuration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}

	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}

	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}

	return def
}

func wrapText(text string, width int) []string {
	var lines []string

	currentLine := ""
	currentWidth := 0

	for _, r := range text {
		runeWidth := runewidth.RuneWidth(r)
		if currentWidth+runeWidth > width {
			lines = append(lines, currentLine)
			currentLine = string(r)
			currentWidth = runeWidth
		} else {
			currentLine += string(r)
			currentWidth += runeWidth
		}
	}

	if currentLine != "" {
		lines = append(lines, currentLine)
	}

	return lines
}

func banner(messages []string, width int) string {
	if width <= 0 {
		var err error

		width, _, err = term.GetSize(0)
		if err != nil {
			width = 80
		}
	}

	if width < 20 {
		width = 20
	}

	contentWidth := width - 4

	var wrappedLines []string
	for _, message := range messages {
		wrappedLines = append(wrappedLines, wrapText(message, contentWidth)...)
	}

	var builder strings.Builder

	builder.WriteString("╔" + strings.Repeat("═", width-2) + "╗\n")

	for _, line := range wrappedLines {
		paddingRight := max(contentWidth-runewidth.StringWidth(line), 0)

		builder.WriteString(fmt.Sprintf("║ %s%s ║\n", line, strings.Repeat(" ", paddingRight)))
	}

	builder.WriteString("╚" + strings.Repeat("═", width-2) + "╝\n")

	return builder.String()
}

// Banner prints the startup banner for the selected mode to stderr.
func Banner(cfg *Config) {
	mode := map[int]string{
		RunModeWorker:       "worker",
		RunModeWeb:          "web",
		RunModeInstallYTDLP: "install-ytdlp",
	}[cfg.RunMode]

	messages := []string{
		"📼 Hermes download pipeline",
		"mode: " + mode,
	}

	if cfg.RunMode == RunModeWeb {
		messages = append(messages, "listening on "+cfg.Addr)
	}

	fmt.Fprintln(os.Stderr, banner(messages, 0))
}
