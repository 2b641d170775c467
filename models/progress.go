package models

import "time"

// ProgressInfo is the nested progress object carried by snapshots, push
// events and durable progress writes.
type ProgressInfo struct {
	Percentage      *float64  `json:"percentage"`
	Status          JobStatus `json:"status"`
	DownloadedBytes int64     `json:"downloaded_bytes"`
	TotalBytes      int64     `json:"total_bytes"`
	Speed           float64   `json:"speed"`
	ETA             int64     `json:"eta"`
}

// ResultSummary is the extraction result embedded in a snapshot once known.
type ResultSummary struct {
	Title     string  `json:"title,omitempty"`
	Thumbnail string  `json:"thumbnail,omitempty"`
	Extractor string  `json:"extractor,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
}

// Snapshot is the ephemeral cached progress state for a job.
type Snapshot struct {
	DownloadID string         `json:"download_id"`
	Progress   ProgressInfo   `json:"progress"`
	Result     *ResultSummary `json:"result,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 {
	return &v
}
