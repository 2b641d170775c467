package models

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a download job.
type JobStatus string

// Common status constants
const (
	StatusPending     JobStatus = "pending"
	StatusDownloading JobStatus = "downloading"
	StatusProcessing  JobStatus = "processing"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
	StatusCancelled   JobStatus = "cancelled"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrJobNotFound       = errors.New("download not found")
)

// rank orders the non-terminal states. Terminal states share the highest rank.
var rank = map[JobStatus]int{
	StatusPending:     0,
	StatusDownloading: 1,
	StatusProcessing:  2,
	StatusCompleted:   3,
	StatusFailed:      3,
	StatusCancelled:   3,
}

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	_, ok := rank[s]
	return ok
}

// CanTransition reports whether a job in state s may move to next.
//
// Transitions only move forward. processing is reachable from downloading
// only, and completed requires passing through downloading first. failed and
// cancelled are reachable from any non-terminal state.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if !s.Valid() || !next.Valid() || s.IsTerminal() {
		return false
	}

	switch next {
	case StatusPending:
		return false
	case StatusDownloading:
		return s == StatusPending
	case StatusProcessing:
		return s == StatusDownloading
	case StatusCompleted:
		return s == StatusDownloading || s == StatusProcessing
	case StatusFailed, StatusCancelled:
		return true
	}

	return false
}

// Transition returns next when the move is allowed, otherwise an error
// wrapping ErrInvalidTransition.
func (s JobStatus) Transition(next JobStatus) (JobStatus, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}

	return next, nil
}

// Job is one download unit.
type Job struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id,omitempty"`
	URL             string     `json:"url"`
	Format          string     `json:"format"`
	Status          JobStatus  `json:"status"`
	Progress        *float64   `json:"progress,omitempty"`
	DownloadedBytes int64      `json:"downloaded_bytes"`
	TotalBytes      int64      `json:"total_bytes"`
	Speed           float64    `json:"speed"`
	ETA             int64      `json:"eta"`
	OutputPath      string     `json:"output_path,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	Title           string     `json:"title,omitempty"`
	ThumbnailURL    string     `json:"thumbnail_url,omitempty"`
	Extractor       string     `json:"extractor,omitempty"`
	Duration        float64    `json:"duration,omitempty"`
	FileSize        int64      `json:"file_size,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// StatusUpdate carries the fields written alongside a status change. Zero
// values are left untouched by the repository.
type StatusUpdate struct {
	Status       JobStatus
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Progress     *float64
	ErrorMessage string
	OutputPath   string
	FileSize     int64
	Result       *ResultSummary
}

// HistoryRecord is the durable audit entry written when a job terminates.
type HistoryRecord struct {
	DownloadID   string
	URL          string
	Status       JobStatus
	StartedAt    time.Time
	CompletedAt  time.Time
	FileSize     int64
	ErrorMessage string
}

// Duration returns the wall clock time the job spent running.
func (h HistoryRecord) Duration() time.Duration {
	if h.StartedAt.IsZero() || h.CompletedAt.Before(h.StartedAt) {
		return 0
	}

	return h.CompletedAt.Sub(h.StartedAt)
}

// JobRepository defines the interface for durable job storage
type JobRepository interface {
	Get(ctx context.Context, id string) (Job, error)
	Exists(ctx context.Context, id string) (bool, error)
	Create(ctx context.Context, job *Job) error
	UpdateStatus(ctx context.Context, id string, update StatusUpdate) error
	UpdateProgress(ctx context.Context, id string, p ProgressInfo) error
}

// HistoryRepository appends terminal job records.
type HistoryRepository interface {
	Append(ctx context.Context, rec HistoryRecord) error
}
