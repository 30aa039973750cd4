package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/foldbridge/foldbridge-backend/internal/data/repos/testutil"
	"github.com/foldbridge/foldbridge-backend/internal/domain"
)

func TestJobRepoStatusCAS(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	repo := NewJobRepo(db, testutil.Logger(t))

	job := testutil.SeedIndividual(t, ctx, tx, domain.StatusQueued)

	updated, err := repo.UpdateStatusIf(ctx, tx, job.ID,
		[]domain.JobStatus{domain.StatusQueued}, domain.StatusRunning, nil)
	if err != nil {
		t.Fatalf("UpdateStatusIf queued->running: %v", err)
	}
	if updated.Status != domain.StatusRunning {
		t.Fatalf("status: want running got %s", updated.Status)
	}

	// A second report with the stale expectation must be rejected, not
	// applied.
	_, err = repo.UpdateStatusIf(ctx, tx, job.ID,
		[]domain.JobStatus{domain.StatusQueued}, domain.StatusRunning, nil)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}

	// Terminal transition, then a late duplicate completion.
	if _, err := repo.UpdateStatusIf(ctx, tx, job.ID,
		[]domain.JobStatus{domain.StatusRunning}, domain.StatusCompleted, nil); err != nil {
		t.Fatalf("running->completed: %v", err)
	}
	_, err = repo.UpdateStatusIf(ctx, tx, job.ID,
		[]domain.JobStatus{domain.StatusRunning, domain.StatusQueued}, domain.StatusCompleted, nil)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("late duplicate completion: want ErrConflict, got %v", err)
	}

	final, err := repo.GetByID(ctx, tx, job.ID)
	if err != nil || final == nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.Status != domain.StatusCompleted {
		t.Fatalf("final status: want completed got %s", final.Status)
	}
}

func TestJobRepoChildQueries(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	repo := NewJobRepo(db, testutil.Logger(t))

	parent, children := testutil.SeedBatch(t, ctx, tx, 5, []domain.JobStatus{
		domain.StatusCompleted,
		domain.StatusFailed,
		domain.StatusRunning,
		domain.StatusPending,
		domain.StatusPending,
	})

	counts, err := repo.ChildStatusCounts(ctx, tx, parent.ID)
	if err != nil {
		t.Fatalf("ChildStatusCounts: %v", err)
	}
	p := domain.ComputeProgress(counts, parent.ChildCount)
	if p.Sum() != 5 {
		t.Fatalf("counts must sum to 5, got %d (%+v)", p.Sum(), p)
	}
	if p.Completed != 1 || p.Failed != 1 || p.Running != 1 || p.Pending != 2 {
		t.Fatalf("unexpected counts: %+v", p)
	}

	next, err := repo.NextPendingChildren(ctx, tx, parent.ID, 1)
	if err != nil {
		t.Fatalf("NextPendingChildren: %v", err)
	}
	if len(next) != 1 || *next[0].BatchIndex != 3 {
		t.Fatalf("next pending must be batch_index 3, got %+v", next)
	}

	page, total, err := repo.ListChildren(ctx, tx, parent.ID, ChildFilter{Page: 1, Limit: 2})
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if total != 5 || len(page) != 2 || *page[0].BatchIndex != 0 {
		t.Fatalf("pagination: total=%d len=%d", total, len(page))
	}

	failedOnly, total, err := repo.ListChildren(ctx, tx, parent.ID, ChildFilter{Status: domain.StatusFailed})
	if err != nil {
		t.Fatalf("ListChildren failed filter: %v", err)
	}
	if total != 1 || len(failedOnly) != 1 || failedOnly[0].ID != children[1].ID {
		t.Fatalf("status filter: total=%d len=%d", total, len(failedOnly))
	}
}

func TestJobRepoFindStuck(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	repo := NewJobRepo(db, testutil.Logger(t))

	now := time.Now().UTC()

	stale := testutil.SeedIndividual(t, ctx, tx, domain.StatusRunning)
	if err := tx.Model(&domain.Job{}).Where("id = ?", stale.ID).
		Update("updated_at", now.Add(-1*time.Hour)).Error; err != nil {
		t.Fatalf("age stale job: %v", err)
	}

	fresh := testutil.SeedIndividual(t, ctx, tx, domain.StatusRunning)
	done := testutil.SeedIndividual(t, ctx, tx, domain.StatusCompleted)

	stuck, err := repo.FindStuck(ctx, tx, now, 30*time.Second, 10)
	if err != nil {
		t.Fatalf("FindStuck: %v", err)
	}
	for _, j := range stuck {
		if j.ID == fresh.ID || j.ID == done.ID {
			t.Fatalf("job %s must not be stuck", j.ID)
		}
	}
	var found bool
	for _, j := range stuck {
		if j.ID == stale.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("stale running job not reported stuck")
	}
}

func TestJobRepoFindStaleParents(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	repo := NewJobRepo(db, testutil.Logger(t))

	// All children terminal but parent still running: missed finalize.
	missedFinalize, _ := testutil.SeedBatch(t, ctx, tx, 3, []domain.JobStatus{
		domain.StatusCompleted, domain.StatusFailed, domain.StatusCompleted,
	})
	// Pending children left with an empty window: stalled admission.
	stalledWindow, _ := testutil.SeedBatch(t, ctx, tx, 3, []domain.JobStatus{
		domain.StatusCompleted, domain.StatusPending, domain.StatusPending,
	})
	// Healthy in-flight batch.
	healthy, _ := testutil.SeedBatch(t, ctx, tx, 3, []domain.JobStatus{
		domain.StatusCompleted, domain.StatusRunning, domain.StatusPending,
	})

	ids, err := repo.FindStaleParents(ctx, tx, 10)
	if err != nil {
		t.Fatalf("FindStaleParents: %v", err)
	}
	seen := map[uuid.UUID]bool{}
	for _, id := range ids {
		if id == healthy.ID {
			t.Fatal("healthy parent reported stale")
		}
		seen[id] = true
	}
	if !seen[missedFinalize.ID] {
		t.Fatal("parent with all-terminal children not reported")
	}
	if !seen[stalledWindow.ID] {
		t.Fatal("parent with an empty admission window not reported")
	}
}
