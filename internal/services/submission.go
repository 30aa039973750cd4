package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	jobsrepo "github.com/foldbridge/foldbridge-backend/internal/data/repos/jobs"
	"github.com/foldbridge/foldbridge-backend/internal/dispatch"
	"github.com/foldbridge/foldbridge-backend/internal/domain"
	"github.com/foldbridge/foldbridge-backend/internal/platform/apierr"
	"github.com/foldbridge/foldbridge-backend/internal/platform/logger"
	"github.com/foldbridge/foldbridge-backend/internal/workers"
)

type SubmitJobRequest struct {
	Model    string          `json:"model"`
	Input    json.RawMessage `json:"input,omitempty"`
	InputKey string          `json:"input_key,omitempty"`
}

type SubmitBatchRequest struct {
	Model         string            `json:"model"`
	Items         []json.RawMessage `json:"items"`
	MaxConcurrent int               `json:"max_concurrent,omitempty"`
}

type SubmissionConfig struct {
	MaxBatchSize          int
	DefaultTimeoutSeconds int
	DefaultMaxConcurrent  int
}

func (c SubmissionConfig) withDefaults() SubmissionConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 500
	}
	if c.DefaultTimeoutSeconds <= 0 {
		c.DefaultTimeoutSeconds = 900
	}
	if c.DefaultMaxConcurrent <= 0 {
		c.DefaultMaxConcurrent = 4
	}
	return c
}

type SubmissionService interface {
	SubmitJob(ctx context.Context, req SubmitJobRequest) (*domain.Job, error)
	SubmitBatch(ctx context.Context, req SubmitBatchRequest) (*domain.Job, error)
}

type submissionService struct {
	db       *gorm.DB
	repo     jobsrepo.JobRepo
	queue    dispatch.Queue
	profiles *workers.Profiles
	notifier JobNotifier
	cfg      SubmissionConfig
	log      *logger.Logger
}

func NewSubmissionService(db *gorm.DB, repo jobsrepo.JobRepo, queue dispatch.Queue, profiles *workers.Profiles, notifier JobNotifier, cfg SubmissionConfig, baseLog *logger.Logger) SubmissionService {
	return &submissionService{
		db:       db,
		repo:     repo,
		queue:    queue,
		profiles: profiles,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		log:      baseLog.With("service", "SubmissionService"),
	}
}

func (s *submissionService) inTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s.db == nil {
		return fn(nil)
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// resolveModel validates the model name against the worker profiles and picks
// the per-job timeout.
func (s *submissionService) resolveModel(model string) (workers.ModelProfile, error) {
	if model == "" {
		return workers.ModelProfile{}, apierr.Validation("model is required")
	}
	profile, ok := s.profiles.Get(model)
	if !ok {
		return workers.ModelProfile{}, apierr.Validation("unknown model %q", model)
	}
	if profile.TimeoutSeconds <= 0 {
		profile.TimeoutSeconds = s.cfg.DefaultTimeoutSeconds
	}
	return profile, nil
}

func (s *submissionService) SubmitJob(ctx context.Context, req SubmitJobRequest) (*domain.Job, error) {
	profile, err := s.resolveModel(req.Model)
	if err != nil {
		return nil, err
	}
	if len(req.Input) == 0 && req.InputKey == "" {
		return nil, apierr.Validation("input or input_key is required")
	}

	job := &domain.Job{
		ID:             uuid.New(),
		Kind:           domain.KindIndividual,
		Status:         domain.StatusPending,
		Model:          req.Model,
		Input:          datatypes.JSON(req.Input),
		InputKey:       req.InputKey,
		TimeoutSeconds: profile.TimeoutSeconds,
	}
	if _, err := s.repo.Create(ctx, nil, []*domain.Job{job}); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.notifier.JobCreated(job)
	s.log.Info("Job submitted", "job_id", job.ID, "model", job.Model)

	if queued := enqueueJob(ctx, s.repo, s.queue, s.notifier, s.log, job); queued != nil {
		return queued, nil
	}
	return job, nil
}

func (s *submissionService) SubmitBatch(ctx context.Context, req SubmitBatchRequest) (*domain.Job, error) {
	profile, err := s.resolveModel(req.Model)
	if err != nil {
		return nil, err
	}

	n := len(req.Items)
	if n < 1 {
		return nil, apierr.Validation("batch requires at least one item")
	}
	maxSize := s.cfg.MaxBatchSize
	if profile.MaxBatchSize > 0 && profile.MaxBatchSize < maxSize {
		maxSize = profile.MaxBatchSize
	}
	if n > maxSize {
		return nil, apierr.Validation("batch size %d exceeds limit %d for model %q", n, maxSize, req.Model)
	}
	for i, item := range req.Items {
		if len(item) == 0 {
			return nil, apierr.Validation("batch item %d is empty", i)
		}
	}

	maxConcurrent := req.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = s.cfg.DefaultMaxConcurrent
	}
	if maxConcurrent > n {
		maxConcurrent = n
	}

	parentID := uuid.New()
	initialProgress, err := json.Marshal(domain.ComputeProgress(
		map[domain.JobStatus]int{domain.StatusPending: n}, n))
	if err != nil {
		return nil, err
	}

	parent := &domain.Job{
		ID:             parentID,
		Kind:           domain.KindBatchParent,
		Status:         domain.StatusPending,
		Model:          req.Model,
		ChildCount:     n,
		MaxConcurrent:  maxConcurrent,
		Progress:       datatypes.JSON(initialProgress),
		TimeoutSeconds: profile.TimeoutSeconds,
	}
	children := make([]*domain.Job, 0, n)
	for i, item := range req.Items {
		idx := i
		children = append(children, &domain.Job{
			// Deterministic per parent+index: a retried submit that reuses the
			// same parent row cannot mint duplicate children.
			ID:             domain.ChildID(parentID, idx),
			Kind:           domain.KindBatchChild,
			Status:         domain.StatusPending,
			Model:          req.Model,
			Input:          datatypes.JSON(item),
			ParentID:       &parentID,
			BatchIndex:     &idx,
			TimeoutSeconds: profile.TimeoutSeconds,
		})
	}

	err = s.inTx(ctx, func(tx *gorm.DB) error {
		rows := append([]*domain.Job{parent}, children...)
		_, err := s.repo.Create(ctx, tx, rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	s.notifier.JobCreated(parent)
	s.log.Info("Batch submitted", "batch_id", parentID, "model", req.Model,
		"size", n, "max_concurrent", maxConcurrent)

	// Admission window: only the first maxConcurrent children start queued;
	// the aggregator admits the rest as these finish.
	for _, child := range children[:maxConcurrent] {
		enqueueJob(ctx, s.repo, s.queue, s.notifier, s.log, child)
	}
	return parent, nil
}
