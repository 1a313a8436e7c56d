package app

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Maintenance schedules the retention and reporting jobs the worker runs
// next to the outbox processor.
type Maintenance struct {
	scheduler gocron.Scheduler
	c         *Container
	now       func() time.Time
}

// NewMaintenance registers the jobs. Nothing runs until Start.
func NewMaintenance(c *Container) (*Maintenance, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	m := &Maintenance{scheduler: scheduler, c: c, now: time.Now}
	cfg := c.Config

	jobs := []struct {
		name     string
		interval time.Duration
		task     func(context.Context)
	}{
		{"outbox-cleanup", cfg.OutboxCleanupInterval, m.cleanupOutbox},
		{"webhook-prune", cfg.OutboxCleanupInterval, m.pruneWebhooks},
		{"outbox-stats", cfg.OutboxStatsInterval, m.logStats},
	}
	for _, j := range jobs {
		if j.interval <= 0 {
			c.Logger.Info("maintenance job disabled", "job", j.name)
			continue
		}
		if _, err := scheduler.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(j.task, context.Background()),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			_ = scheduler.Shutdown()
			return nil, fmt.Errorf("failed to schedule %s: %w", j.name, err)
		}
	}
	return m, nil
}

// Start begins running the registered jobs.
func (m *Maintenance) Start() {
	m.c.Logger.Info("starting maintenance jobs", "jobs", len(m.scheduler.Jobs()))
	m.scheduler.Start()
}

// Stop waits for running jobs and stops the scheduler.
func (m *Maintenance) Stop() error {
	return m.scheduler.Shutdown()
}

func (m *Maintenance) cleanupOutbox(ctx context.Context) {
	days := m.c.Config.OutboxRetentionDays
	if days <= 0 {
		return
	}
	deleted, err := m.c.Repositories.Outbox.DeleteOld(ctx, days)
	if err != nil {
		m.c.Logger.Error("outbox cleanup failed", "error", err)
		return
	}
	if deleted > 0 {
		m.c.Logger.Info("outbox cleanup completed", "deleted", deleted, "retention_days", days)
	}
}

// pruneWebhooks drops logged webhook bodies past their retention. The
// ledger keeps the outcome on the transaction itself.
func (m *Maintenance) pruneWebhooks(ctx context.Context) {
	days := m.c.Config.WebhookRetentionDays
	if days <= 0 || m.c.Repositories.Webhooks == nil {
		return
	}
	cutoff := m.now().UTC().AddDate(0, 0, -days)
	deleted, err := m.c.Repositories.Webhooks.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		m.c.Logger.Error("webhook prune failed", "error", err)
		return
	}
	if deleted > 0 {
		m.c.Logger.Info("webhook events pruned", "deleted", deleted, "retention_days", days)
	}
}

func (m *Maintenance) logStats(ctx context.Context) {
	stats := m.c.OutboxProcessor.GetStats()
	dead, err := m.c.Repositories.Outbox.CountDead(ctx)
	if err != nil {
		m.c.Logger.Warn("failed to count dead-lettered events", "error", err)
	}
	m.c.Logger.Info("outbox stats",
		"running", stats.IsRunning,
		"published", stats.PublishedCount,
		"failed", stats.FailedCount,
		"dead", stats.DeadCount,
		"dead_total", dead,
		"lag_seconds", stats.LagSeconds,
		"oldest_message_at", stats.OldestMessageAt,
		"last_processed_at", stats.LastProcessedAt,
		"last_error_at", stats.LastErrorAt,
		"last_error", stats.LastError,
	)
}
