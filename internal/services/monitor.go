package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	jobsrepo "github.com/foldbridge/foldbridge-backend/internal/data/repos/jobs"
	"github.com/foldbridge/foldbridge-backend/internal/dispatch"
	"github.com/foldbridge/foldbridge-backend/internal/domain"
	"github.com/foldbridge/foldbridge-backend/internal/platform/apierr"
	"github.com/foldbridge/foldbridge-backend/internal/platform/logger"
)

type MonitorConfig struct {
	Interval   time.Duration
	Slack      time.Duration
	MaxRetries int
	SweepLimit int
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Minute
	}
	if c.Slack <= 0 {
		c.Slack = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = 100
	}
	return c
}

// Monitor is the periodic sweep over jobs that stopped moving: queued or
// running rows whose updated_at predates their own timeout. A stalled job is
// re-enqueued until its retry budget runs out, then failed with a timeout
// code. The sweep also re-runs aggregation for batches with no active child:
// that finalizes parents whose last child report got lost and refills an
// admission window that stalled with children still pending.
type Monitor struct {
	repo     jobsrepo.JobRepo
	queue    dispatch.Queue
	agg      Aggregator
	notifier JobNotifier
	cfg      MonitorConfig
	log      *logger.Logger
}

func NewMonitor(repo jobsrepo.JobRepo, queue dispatch.Queue, agg Aggregator, notifier JobNotifier, cfg MonitorConfig, baseLog *logger.Logger) *Monitor {
	return &Monitor{
		repo:     repo,
		queue:    queue,
		agg:      agg,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		log:      baseLog.With("service", "Monitor"),
	}
}

func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

func (m *Monitor) Sweep(ctx context.Context) {
	now := time.Now()

	stuck, err := m.repo.FindStuck(ctx, nil, now, m.cfg.Slack, m.cfg.SweepLimit)
	if err != nil {
		m.log.Error("Stuck-job scan failed", "error", err)
	} else {
		for _, job := range stuck {
			if job.RetryCount >= m.cfg.MaxRetries {
				m.timeoutFail(ctx, job)
			} else {
				m.requeue(ctx, job, now)
			}
		}
	}

	staleParents, err := m.repo.FindStaleParents(ctx, nil, m.cfg.SweepLimit)
	if err != nil {
		m.log.Error("Stale-parent scan failed", "error", err)
		return
	}
	for _, parentID := range staleParents {
		m.log.Warn("Re-running aggregation for idle batch", "batch_id", parentID)
		if err := m.agg.Recompute(ctx, parentID); err != nil {
			m.log.Error("Stale-parent recompute failed", "batch_id", parentID, "error", err)
		}
	}
}

func (m *Monitor) requeue(ctx context.Context, job *domain.Job, now time.Time) {
	requeued, err := m.repo.UpdateStatusIf(ctx, nil, job.ID,
		[]domain.JobStatus{domain.StatusQueued, domain.StatusRunning}, domain.StatusQueued,
		map[string]interface{}{"retry_count": gorm.Expr("retry_count + 1")})
	if err != nil {
		if !errors.Is(err, jobsrepo.ErrConflict) {
			m.log.Error("Requeue stalled job failed", "job_id", job.ID, "error", err)
		}
		return
	}
	if err := m.queue.Enqueue(ctx, job.ID, now); err != nil {
		m.log.Error("Enqueue stalled job failed", "job_id", job.ID, "error", err)
		return
	}
	m.log.Warn("Requeued stalled job", "job_id", job.ID,
		"retry", requeued.RetryCount, "last_update", job.UpdatedAt)
	m.notifier.JobQueued(requeued)
}

func (m *Monitor) timeoutFail(ctx context.Context, job *domain.Job) {
	failed, err := m.repo.UpdateStatusIf(ctx, nil, job.ID,
		[]domain.JobStatus{domain.StatusQueued, domain.StatusRunning}, domain.StatusFailed,
		map[string]interface{}{
			"error_code":   apierr.CodeTimeout,
			"error":        fmt.Sprintf("no progress after %d retries within %ds timeout", job.RetryCount, job.TimeoutSeconds),
			"completed_at": time.Now(),
		})
	if err != nil {
		if !errors.Is(err, jobsrepo.ErrConflict) {
			m.log.Error("Timeout-fail stalled job failed", "job_id", job.ID, "error", err)
		}
		return
	}
	m.log.Warn("Job timed out", "job_id", job.ID, "retries", job.RetryCount)
	m.agg.OnJobTerminal(ctx, failed)
}
