package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/foldbridge/foldbridge-backend/internal/clients/gcs"
	jobsrepo "github.com/foldbridge/foldbridge-backend/internal/data/repos/jobs"
	"github.com/foldbridge/foldbridge-backend/internal/domain"
	"github.com/foldbridge/foldbridge-backend/internal/platform/apierr"
	"github.com/foldbridge/foldbridge-backend/internal/platform/logger"
	"github.com/foldbridge/foldbridge-backend/internal/workers"
)

// BatchDetail is the read model for one batch: the parent row, progress
// derived fresh from the child rows, and one page of children.
type BatchDetail struct {
	Parent   *domain.Job          `json:"parent"`
	Progress domain.BatchProgress `json:"progress"`
	Children []*domain.Job        `json:"children"`
	Total    int64                `json:"total"`
}

type JobService interface {
	// GetJob returns the job row; includeResult reads an offloaded result
	// artifact back into the response.
	GetJob(ctx context.Context, id uuid.UUID, includeResult bool) (*domain.Job, error)
	ListJobs(ctx context.Context, f jobsrepo.ListFilter) ([]*domain.Job, error)
	GetBatch(ctx context.Context, id uuid.UUID, f jobsrepo.ChildFilter) (*BatchDetail, error)
	// Report is the worker completion callback; implements workers.Reporter.
	Report(ctx context.Context, jobID uuid.UUID, report workers.Report) error
	CancelJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	CancelBatch(ctx context.Context, id uuid.UUID) (*domain.Job, error)
}

type JobServiceConfig struct {
	// MaxInlineResultBytes caps the result payload kept in the jsonb column.
	// Larger results live only in the artifact store behind result_key.
	MaxInlineResultBytes int
}

func (c JobServiceConfig) withDefaults() JobServiceConfig {
	if c.MaxInlineResultBytes <= 0 {
		c.MaxInlineResultBytes = 64 << 10
	}
	return c
}

type jobService struct {
	repo     jobsrepo.JobRepo
	store    gcs.ArtifactStore
	notifier JobNotifier
	agg      Aggregator
	cfg      JobServiceConfig
	log      *logger.Logger
}

func NewJobService(repo jobsrepo.JobRepo, store gcs.ArtifactStore, notifier JobNotifier, agg Aggregator, cfg JobServiceConfig, baseLog *logger.Logger) JobService {
	return &jobService{
		repo:     repo,
		store:    store,
		notifier: notifier,
		agg:      agg,
		cfg:      cfg.withDefaults(),
		log:      baseLog.With("service", "JobService"),
	}
}

var _ workers.Reporter = (JobService)(nil)

func (s *jobService) GetJob(ctx context.Context, id uuid.UUID, includeResult bool) (*domain.Job, error) {
	job, err := s.repo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apierr.NotFound("job %s not found", id)
	}
	if includeResult && len(job.Result) == 0 && job.ResultKey != "" && s.store != nil {
		raw, err := s.readArtifact(ctx, job.ResultKey)
		if err != nil {
			// Serve the row anyway; the pointer is still there.
			s.log.Warn("Result artifact read failed", "job_id", id, "key", job.ResultKey, "error", err)
			return job, nil
		}
		job.Result = datatypes.JSON(raw)
	}
	return job, nil
}

func (s *jobService) readArtifact(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (s *jobService) ListJobs(ctx context.Context, f jobsrepo.ListFilter) ([]*domain.Job, error) {
	return s.repo.List(ctx, nil, f)
}

func (s *jobService) GetBatch(ctx context.Context, id uuid.UUID, f jobsrepo.ChildFilter) (*BatchDetail, error) {
	parent, err := s.repo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if parent == nil || parent.Kind != domain.KindBatchParent {
		return nil, apierr.NotFound("batch %s not found", id)
	}
	counts, err := s.repo.ChildStatusCounts(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	children, total, err := s.repo.ListChildren(ctx, nil, id, f)
	if err != nil {
		return nil, err
	}
	return &BatchDetail{
		Parent:   parent,
		Progress: domain.ComputeProgress(counts, parent.ChildCount),
		Children: children,
		Total:    total,
	}, nil
}

// Report applies a worker's outcome. A report for a job that is already
// terminal is dropped without error: the queue is at-least-once, so a worker
// may legitimately finish the same job twice.
func (s *jobService) Report(ctx context.Context, jobID uuid.UUID, report workers.Report) error {
	job, err := s.repo.GetByID(ctx, nil, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return apierr.NotFound("job %s not found", jobID)
	}
	if job.Status.Terminal() {
		s.log.Debug("Dropping report for terminal job", "job_id", jobID, "status", job.Status)
		return nil
	}

	now := time.Now()
	updates := map[string]interface{}{"completed_at": now}
	var to domain.JobStatus
	switch strings.ToLower(strings.TrimSpace(report.Status)) {
	case "completed":
		to = domain.StatusCompleted
		if report.Score != nil {
			updates["score"] = *report.Score
		}
		if report.Result != nil {
			raw, err := json.Marshal(report.Result)
			if err != nil {
				return apierr.Validation("unencodable result payload: %v", err)
			}
			key, err := s.persistResult(ctx, job, raw)
			if err != nil {
				return err
			}
			if key != "" {
				updates["result_key"] = key
			}
			// Large results live only behind the pointer. Without a store
			// there is no pointer, so the row keeps the payload regardless.
			if key == "" || len(raw) <= s.cfg.MaxInlineResultBytes {
				updates["result"] = datatypes.JSON(raw)
			}
		}
	case "failed":
		to = domain.StatusFailed
		updates["error_code"] = apierr.CodeWorkerFailure
		updates["error"] = report.Error
	default:
		return apierr.Validation("unknown report status %q", report.Status)
	}

	// queued is an accepted prior state: a fast worker can finish before the
	// dispatcher's own running transition lands.
	updated, err := s.repo.UpdateStatusIf(ctx, nil, jobID,
		[]domain.JobStatus{domain.StatusQueued, domain.StatusRunning}, to, updates)
	if err != nil {
		if errors.Is(err, jobsrepo.ErrConflict) {
			s.log.Debug("Report lost the status race", "job_id", jobID, "reported", to)
			return nil
		}
		return err
	}
	s.log.Info("Job reported", "job_id", jobID, "status", to)
	s.agg.OnJobTerminal(ctx, updated)
	return nil
}

// persistResult writes the result artifact write-once; a duplicate delivery
// hitting an already-written path is fine.
func (s *jobService) persistResult(ctx context.Context, job *domain.Job, raw []byte) (string, error) {
	if s.store == nil {
		return "", nil
	}
	key := gcs.ResultKeyFor(job.ID, job.ParentID)
	if err := s.store.Put(ctx, key, strings.NewReader(string(raw)), "application/json"); err != nil && !errors.Is(err, gcs.ErrExists) {
		return "", fmt.Errorf("persist result for job %s: %w", job.ID, err)
	}
	return key, nil
}

func (s *jobService) CancelJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	job, err := s.repo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apierr.NotFound("job %s not found", id)
	}
	if job.Kind == domain.KindBatchParent {
		return s.CancelBatch(ctx, id)
	}

	// Lazy cancel: the queued message is not withdrawn; the dispatcher drops
	// it on delivery once it sees the terminal status.
	cancelled, err := s.repo.UpdateStatusIf(ctx, nil, id,
		domain.NonTerminalStatuses, domain.StatusCancelled,
		map[string]interface{}{"completed_at": time.Now()})
	if err != nil {
		if errors.Is(err, jobsrepo.ErrConflict) {
			return nil, apierr.New(http.StatusConflict, apierr.CodeConflict,
				fmt.Errorf("job %s is already %s", id, job.Status))
		}
		return nil, err
	}
	s.log.Info("Job cancelled", "job_id", id)
	s.agg.OnJobTerminal(ctx, cancelled)
	return cancelled, nil
}

func (s *jobService) CancelBatch(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	parent, err := s.repo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if parent == nil || parent.Kind != domain.KindBatchParent {
		return nil, apierr.NotFound("batch %s not found", id)
	}

	// Parent first so no further children get admitted while we walk the set.
	cancelledParent, err := s.repo.UpdateStatusIf(ctx, nil, id,
		domain.NonTerminalStatuses, domain.StatusCancelled,
		map[string]interface{}{"completed_at": time.Now()})
	if err != nil {
		if errors.Is(err, jobsrepo.ErrConflict) {
			return nil, apierr.New(http.StatusConflict, apierr.CodeConflict,
				fmt.Errorf("batch %s is already %s", id, parent.Status))
		}
		return nil, err
	}

	children, err := s.repo.AllChildren(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		if child.Status.Terminal() {
			continue
		}
		cancelled, err := s.repo.UpdateStatusIf(ctx, nil, child.ID,
			domain.NonTerminalStatuses, domain.StatusCancelled,
			map[string]interface{}{"completed_at": time.Now()})
		if err != nil {
			if errors.Is(err, jobsrepo.ErrConflict) {
				continue
			}
			return nil, err
		}
		s.notifier.JobCancelled(cancelled)
	}
	s.log.Info("Batch cancelled", "batch_id", id, "children", len(children))

	// Refresh progress and write the summary now that the set is terminal.
	if err := s.agg.Recompute(ctx, id); err != nil {
		return nil, err
	}
	s.notifier.JobCancelled(cancelledParent)
	return s.repo.GetByID(ctx, nil, id)
}
