package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"gorm.io/datatypes"

	"github.com/foldbridge/foldbridge-backend/internal/clients/gcs"
	jobsrepo "github.com/foldbridge/foldbridge-backend/internal/data/repos/jobs"
	"github.com/foldbridge/foldbridge-backend/internal/dispatch"
	"github.com/foldbridge/foldbridge-backend/internal/domain"
	"github.com/foldbridge/foldbridge-backend/internal/platform/logger"
)

// Aggregator owns batch bookkeeping: recomputing parent progress from child
// rows, admitting the next pending children, finalizing the parent, and
// writing the one-shot summary. Every terminal child transition funnels
// through OnJobTerminal regardless of who drove it (worker report, dispatch
// exhaustion, cancel, sweep).
type Aggregator interface {
	OnJobTerminal(ctx context.Context, job *domain.Job)
	Recompute(ctx context.Context, parentID uuid.UUID) error
}

type aggregator struct {
	repo     jobsrepo.JobRepo
	queue    dispatch.Queue
	store    gcs.ArtifactStore
	notifier JobNotifier
	log      *logger.Logger
}

func NewAggregator(repo jobsrepo.JobRepo, queue dispatch.Queue, store gcs.ArtifactStore, notifier JobNotifier, baseLog *logger.Logger) Aggregator {
	return &aggregator{
		repo:     repo,
		queue:    queue,
		store:    store,
		notifier: notifier,
		log:      baseLog.With("service", "Aggregator"),
	}
}

var _ dispatch.TerminalHook = (*aggregator)(nil)

func (a *aggregator) OnJobTerminal(ctx context.Context, job *domain.Job) {
	switch job.Status {
	case domain.StatusCompleted:
		a.notifier.JobDone(job)
	case domain.StatusFailed:
		a.notifier.JobFailed(job)
	case domain.StatusCancelled:
		a.notifier.JobCancelled(job)
	}
	if job.ParentID == nil {
		return
	}
	if err := a.recomputeWithRetry(ctx, *job.ParentID); err != nil {
		// The sweep's stale-parent pass picks up whatever this left behind.
		a.log.Error("Batch recompute failed", "batch_id", *job.ParentID, "error", err)
	}
}

// recomputeWithRetry absorbs transient recompute failures inline so a lost
// aggregation pass does not have to wait a full sweep interval.
func (a *aggregator) recomputeWithRetry(ctx context.Context, parentID uuid.UUID) error {
	b := retry.WithMaxRetries(2, retry.NewExponential(100*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := a.Recompute(ctx, parentID); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// Recompute derives progress from a GROUP BY over the child rows. Counting
// from the rows instead of incrementing stored counters means a lost or
// duplicated event can never make the numbers drift; the recompute is
// idempotent and safe to run at any time.
func (a *aggregator) Recompute(ctx context.Context, parentID uuid.UUID) error {
	parent, err := a.repo.GetByID(ctx, nil, parentID)
	if err != nil {
		return err
	}
	if parent == nil || parent.Kind != domain.KindBatchParent {
		return nil
	}

	counts, err := a.repo.ChildStatusCounts(ctx, nil, parentID)
	if err != nil {
		return err
	}
	progress := domain.ComputeProgress(counts, parent.ChildCount)
	rawProgress, err := json.Marshal(progress)
	if err != nil {
		return err
	}
	if err := a.repo.UpdateFields(ctx, nil, parentID, map[string]interface{}{
		"progress": datatypes.JSON(rawProgress),
	}); err != nil {
		return err
	}
	a.notifier.BatchProgress(parent, progress)

	if !parent.Status.Terminal() {
		a.admit(ctx, parent, progress)
	}

	if status, done := domain.ParentStatusFor(progress, parent.ChildCount); done && !parent.Status.Terminal() {
		finished, err := a.repo.UpdateStatusIf(ctx, nil, parentID,
			domain.NonTerminalStatuses, status,
			map[string]interface{}{"completed_at": time.Now()})
		if err != nil {
			if errors.Is(err, jobsrepo.ErrConflict) {
				// Another recompute finalized the parent first.
				return nil
			}
			return err
		}
		parent = finished
		a.log.Info("Batch finished", "batch_id", parentID, "status", status,
			"completed", progress.Completed, "failed", progress.Failed, "cancelled", progress.Cancelled)
		a.notifier.BatchDone(parent)
	}

	if parent.Status.Terminal() && len(parent.Summary) == 0 {
		if err := a.writeSummary(ctx, parent); err != nil {
			a.log.Error("Batch summary write failed", "batch_id", parentID, "error", err)
			return err
		}
	}
	return nil
}

// admit fills the batch's concurrency window with the next pending children
// in index order.
func (a *aggregator) admit(ctx context.Context, parent *domain.Job, progress domain.BatchProgress) {
	limit := parent.MaxConcurrent
	if limit <= 0 {
		limit = parent.ChildCount
	}
	slots := limit - progress.Active()
	if slots <= 0 || progress.Pending == 0 {
		return
	}
	next, err := a.repo.NextPendingChildren(ctx, nil, parent.ID, slots)
	if err != nil {
		a.log.Warn("Admit next children failed", "batch_id", parent.ID, "error", err)
		return
	}
	for _, child := range next {
		enqueueJob(ctx, a.repo, a.queue, a.notifier, a.log, child)
	}
}

// writeSummary computes and persists the batch summary exactly once. The
// artifact path is write-once at the bucket; a duplicate pass hits ErrExists
// and the row update is guarded by the empty-summary check above.
func (a *aggregator) writeSummary(ctx context.Context, parent *domain.Job) error {
	children, err := a.repo.AllChildren(ctx, nil, parent.ID)
	if err != nil {
		return err
	}
	summary := domain.SummarizeChildren(children)
	raw, err := json.Marshal(summary)
	if err != nil {
		return err
	}

	updates := map[string]interface{}{"summary": datatypes.JSON(raw)}
	if a.store != nil {
		key := gcs.BatchSummaryKey(parent.ID)
		if err := a.store.Put(ctx, key, bytes.NewReader(raw), "application/json"); err != nil && !errors.Is(err, gcs.ErrExists) {
			return err
		}
		updates["summary_key"] = key
	}
	return a.repo.UpdateFields(ctx, nil, parent.ID, updates)
}
