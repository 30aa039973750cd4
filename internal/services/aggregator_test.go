package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/foldbridge/foldbridge-backend/internal/clients/gcs"
	"github.com/foldbridge/foldbridge-backend/internal/dispatch"
	"github.com/foldbridge/foldbridge-backend/internal/domain"
)

func fptr(v float64) *float64 { return &v }

// flakyCountsRepo fails the child-count query a fixed number of times before
// delegating, mimicking a dropped connection mid-aggregation.
type flakyCountsRepo struct {
	*memRepo
	failures int
}

func (r *flakyCountsRepo) ChildStatusCounts(ctx context.Context, tx *gorm.DB, parentID uuid.UUID) (map[domain.JobStatus]int, error) {
	if r.failures > 0 {
		r.failures--
		return nil, errors.New("connection reset by peer")
	}
	return r.memRepo.ChildStatusCounts(ctx, tx, parentID)
}

func TestRecomputeUpdatesProgressAndAdmitsNext(t *testing.T) {
	ctx := context.Background()
	parent, children := seedBatch([]domain.JobStatus{
		domain.StatusCompleted,
		domain.StatusRunning,
		domain.StatusPending,
		domain.StatusPending,
	}, 2)
	repo := newMemRepo(append([]*domain.Job{parent}, children...)...)
	q := dispatch.NewMemoryQueue()
	notes := &noteRecorder{}
	agg := NewAggregator(repo, q, newMemStore(), notes, testLogger(t))

	if err := agg.Recompute(ctx, parent.ID); err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	got, _ := repo.GetByID(ctx, nil, parent.ID)
	var progress domain.BatchProgress
	if err := json.Unmarshal(got.Progress, &progress); err != nil {
		t.Fatalf("decode progress: %v", err)
	}
	if progress.Sum() != 4 {
		t.Fatalf("progress must sum to child count, got %d", progress.Sum())
	}
	if progress.Completed != 1 || progress.Running != 1 {
		t.Fatalf("progress: %+v", progress)
	}

	// One slot free (window 2, one running): only child 2 gets admitted.
	child2, _ := repo.GetByID(ctx, nil, children[2].ID)
	child3, _ := repo.GetByID(ctx, nil, children[3].ID)
	if child2.Status != domain.StatusQueued {
		t.Fatalf("child 2: want queued got %s", child2.Status)
	}
	if child3.Status != domain.StatusPending {
		t.Fatalf("child 3: want pending got %s", child3.Status)
	}
	if ready, _ := q.Depth(); ready != 1 {
		t.Fatalf("ready depth: want 1 got %d", ready)
	}
	if notes.count("BatchProgress", parent.ID) != 1 {
		t.Fatal("expected a BatchProgress event")
	}
	if got.Status != domain.StatusRunning {
		t.Fatalf("parent must stay running, got %s", got.Status)
	}
}

func TestRecomputeFinalizesParentAndWritesSummaryOnce(t *testing.T) {
	ctx := context.Background()
	parent, children := seedBatch([]domain.JobStatus{
		domain.StatusCompleted,
		domain.StatusCompleted,
		domain.StatusFailed,
	}, 2)
	children[0].Score = fptr(0.9)
	children[1].Score = fptr(0.4)
	repo := newMemRepo(append([]*domain.Job{parent}, children...)...)
	store := newMemStore()
	notes := &noteRecorder{}
	agg := NewAggregator(repo, dispatch.NewMemoryQueue(), store, notes, testLogger(t))

	if err := agg.Recompute(ctx, parent.ID); err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	got, _ := repo.GetByID(ctx, nil, parent.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("parent: want completed got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at must be set")
	}
	var summary domain.BatchSummary
	if err := json.Unmarshal(got.Summary, &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Completed != 2 || summary.Failed != 1 {
		t.Fatalf("summary: %+v", summary)
	}
	if summary.BestScore == nil || *summary.BestScore != 0.9 {
		t.Fatalf("best score: %v", summary.BestScore)
	}
	if summary.MeanScore == nil || *summary.MeanScore != 0.65 {
		t.Fatalf("mean score: %v", summary.MeanScore)
	}
	wantKey := gcs.BatchSummaryKey(parent.ID)
	if got.SummaryKey != wantKey {
		t.Fatalf("summary_key: want %s got %s", wantKey, got.SummaryKey)
	}
	if _, ok := store.objects[wantKey]; !ok {
		t.Fatal("summary artifact must be written")
	}
	if notes.count("BatchDone", parent.ID) != 1 {
		t.Fatal("expected one BatchDone event")
	}

	// Recompute again: the summary must not be rewritten.
	putsBefore := store.puts
	if err := agg.Recompute(ctx, parent.ID); err != nil {
		t.Fatalf("second Recompute: %v", err)
	}
	if store.puts != putsBefore {
		t.Fatal("summary artifact must be written exactly once")
	}
	if notes.count("BatchDone", parent.ID) != 1 {
		t.Fatal("BatchDone must fire exactly once")
	}
}

func TestRecomputeAllFailedMarksParentFailed(t *testing.T) {
	ctx := context.Background()
	parent, children := seedBatch([]domain.JobStatus{
		domain.StatusFailed,
		domain.StatusCancelled,
	}, 2)
	repo := newMemRepo(append([]*domain.Job{parent}, children...)...)
	agg := NewAggregator(repo, dispatch.NewMemoryQueue(), newMemStore(), &noteRecorder{}, testLogger(t))

	if err := agg.Recompute(ctx, parent.ID); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	got, _ := repo.GetByID(ctx, nil, parent.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("parent with zero completions must fail, got %s", got.Status)
	}
}

func TestOnJobTerminalRetriesTransientRecomputeFailure(t *testing.T) {
	ctx := context.Background()
	parent, children := seedBatch([]domain.JobStatus{
		domain.StatusCompleted,
		domain.StatusCompleted,
	}, 2)
	children[0].Score = fptr(0.5)
	children[1].Score = fptr(0.7)
	repo := &flakyCountsRepo{
		memRepo:  newMemRepo(append([]*domain.Job{parent}, children...)...),
		failures: 1,
	}
	notes := &noteRecorder{}
	agg := NewAggregator(repo, dispatch.NewMemoryQueue(), newMemStore(), notes, testLogger(t))

	last, _ := repo.GetByID(ctx, nil, children[1].ID)
	agg.OnJobTerminal(ctx, last)

	got, _ := repo.GetByID(ctx, nil, parent.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("one transient failure must not lose the aggregation, got %s", got.Status)
	}
	if notes.count("BatchDone", parent.ID) != 1 {
		t.Fatal("expected a BatchDone event")
	}
}

func TestOnJobTerminalRecomputesParent(t *testing.T) {
	ctx := context.Background()
	parent, children := seedBatch([]domain.JobStatus{
		domain.StatusFailed,
		domain.StatusRunning,
	}, 2)
	repo := newMemRepo(append([]*domain.Job{parent}, children...)...)
	notes := &noteRecorder{}
	agg := NewAggregator(repo, dispatch.NewMemoryQueue(), newMemStore(), notes, testLogger(t))

	failed, _ := repo.GetByID(ctx, nil, children[0].ID)
	agg.OnJobTerminal(ctx, failed)

	if notes.count("JobFailed", failed.ID) != 1 {
		t.Fatal("expected a JobFailed event")
	}
	got, _ := repo.GetByID(ctx, nil, parent.ID)
	var progress domain.BatchProgress
	if err := json.Unmarshal(got.Progress, &progress); err != nil {
		t.Fatalf("decode progress: %v", err)
	}
	if progress.Failed != 1 || progress.Running != 1 {
		t.Fatalf("progress: %+v", progress)
	}
	if got.Status != domain.StatusRunning {
		t.Fatalf("parent must stay running while a child is live, got %s", got.Status)
	}
}
