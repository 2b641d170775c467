// Package sysmon watches host resources of the worker and reports pressure
// on the system notifications channel.
package sysmon

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"go.uber.org/zap"
)

const (
	NotificationWarning = "warning"
	NotificationInfo    = "info"

	DefaultWarnPercent = 90.0
	DefaultInterval    = time.Minute
)

// Publisher receives system notifications.
type Publisher interface {
	PublishSystemNotification(ctx context.Context, kind, message string, extra map[string]any)
}

// UsageFunc reports disk usage of a path.
type UsageFunc func(ctx context.Context, path string) (*disk.UsageStat, error)

// Monitor samples disk usage of the downloads directory and publishes one
// notification per threshold crossing.
type Monitor struct {
	path        string
	warnPercent float64
	interval    time.Duration
	usage       UsageFunc
	pub         Publisher
	log         *zap.Logger
	hostname    string

	above bool
}

type Option func(*Monitor)

func WithWarnPercent(p float64) Option {
	return func(m *Monitor) {
		if p > 0 && p <= 100 {
			m.warnPercent = p
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithUsageFunc(fn UsageFunc) Option {
	return func(m *Monitor) {
		m.usage = fn
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(m *Monitor) {
		m.log = log
	}
}

func New(path string, pub Publisher, opts ...Option) *Monitor {
	m := &Monitor{
		path:        path,
		warnPercent: DefaultWarnPercent,
		interval:    DefaultInterval,
		usage:       disk.UsageWithContext,
		pub:         pub,
		log:         zap.NewNop(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Run samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if info, err := host.InfoWithContext(ctx); err == nil {
		m.hostname = info.Hostname
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.Check(ctx); err != nil {
			m.log.Warn("disk usage check failed", zap.String("path", m.path), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Check takes one sample and publishes when the threshold was crossed since
// the previous sample.
func (m *Monitor) Check(ctx context.Context) error {
	stat, err := m.usage(ctx, m.path)
	if err != nil {
		return fmt.Errorf("failed to read disk usage: %w", err)
	}

	above := stat.UsedPercent >= m.warnPercent
	if above == m.above {
		return nil
	}

	m.above = above

	extra := map[string]any{
		"path":         m.path,
		"used_percent": stat.UsedPercent,
		"free_bytes":   stat.Free,
		"total_bytes":  stat.Total,
		"threshold":    m.warnPercent,
	}

	if m.hostname != "" {
		extra["host"] = m.hostname
	}

	if above {
		m.log.Warn("disk usage above threshold", zap.Float64("used_percent", stat.UsedPercent))
		m.pub.PublishSystemNotification(ctx, NotificationWarning,
			fmt.Sprintf("Disk usage of downloads directory is %.1f%%", stat.UsedPercent), extra)

		return nil
	}

	m.log.Info("disk usage back below threshold", zap.Float64("used_percent", stat.UsedPercent))
	m.pub.PublishSystemNotification(ctx, NotificationInfo,
		fmt.Sprintf("Disk usage of downloads directory recovered to %.1f%%", stat.UsedPercent), extra)

	return nil
}
