// Package engine wraps the media extraction tool that performs the actual
// download. The executor only sees the Engine interface.
package engine

import (
	"context"
	"fmt"
	"time"
)

// Update is one progress report from the engine. TotalBytes is zero when
// the engine does not know the size yet.
type Update struct {
	DownloadedBytes int64
	TotalBytes      int64
	Speed           float64
	ETA             time.Duration
	Filename        string
	Title           string
}

// ProgressFunc receives updates synchronously on the engine's goroutine.
// Implementations must return quickly.
type ProgressFunc func(Update)

// Request describes one download.
type Request struct {
	URL string
	// Output is an output template, e.g. "/downloads/My_Title.%(ext)s".
	Output string
	Format string
}

// Result is returned by a successful extraction.
type Result struct {
	Title      string
	Duration   float64
	Thumbnail  string
	Extractor  string
	OutputPath string
}

// Engine downloads media while reporting progress.
type Engine interface {
	Download(ctx context.Context, req Request, fn ProgressFunc) (*Result, error)
}

// Error is a structured failure reported by the engine.
type Error struct {
	Message  string
	ExitCode int
}

func (e *Error) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s (exit code %d)", e.Message, e.ExitCode)
	}

	return e.Message
}
