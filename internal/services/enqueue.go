package services

import (
	"context"
	"errors"
	"time"

	jobsrepo "github.com/foldbridge/foldbridge-backend/internal/data/repos/jobs"
	"github.com/foldbridge/foldbridge-backend/internal/dispatch"
	"github.com/foldbridge/foldbridge-backend/internal/domain"
	"github.com/foldbridge/foldbridge-backend/internal/platform/logger"
)

// enqueueJob admits a pending job onto the dispatch queue. The status flips
// first; if the queue write then fails the job sits queued until the sweep
// re-enqueues it. The reverse order could leave a queued message pointing at a
// still-pending row.
func enqueueJob(ctx context.Context, repo jobsrepo.JobRepo, q dispatch.Queue, notifier JobNotifier, log *logger.Logger, job *domain.Job) *domain.Job {
	queued, err := repo.UpdateStatusIf(ctx, nil, job.ID,
		[]domain.JobStatus{domain.StatusPending}, domain.StatusQueued, nil)
	if err != nil {
		if !errors.Is(err, jobsrepo.ErrConflict) {
			log.Warn("Queue admission failed", "job_id", job.ID, "error", err)
		}
		return nil
	}
	if err := q.Enqueue(ctx, job.ID, time.Now()); err != nil {
		log.Warn("Enqueue failed; job stays queued until the next sweep", "job_id", job.ID, "error", err)
	}
	if queued.ParentID != nil {
		// First admitted child moves the batch out of pending; later children
		// hit a benign conflict.
		if _, err := repo.UpdateStatusIf(ctx, nil, *queued.ParentID,
			[]domain.JobStatus{domain.StatusPending}, domain.StatusRunning, nil); err != nil && !errors.Is(err, jobsrepo.ErrConflict) {
			log.Warn("Batch running promotion failed", "batch_id", *queued.ParentID, "error", err)
		}
	}
	notifier.JobQueued(queued)
	return queued
}
