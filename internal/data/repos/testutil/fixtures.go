package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/foldbridge/foldbridge-backend/internal/domain"
)

func SeedIndividual(tb testing.TB, ctx context.Context, tx *gorm.DB, status domain.JobStatus) *domain.Job {
	tb.Helper()
	now := time.Now().UTC()
	j := &domain.Job{
		ID:             uuid.New(),
		Kind:           domain.KindIndividual,
		Status:         status,
		Model:          "fold-v2",
		Input:          datatypes.JSON([]byte(`{"sequence":"MKV"}`)),
		TimeoutSeconds: 900,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.WithContext(ctx).Create(j).Error; err != nil {
		tb.Fatalf("seed individual job: %v", err)
	}
	return j
}

func SeedBatch(tb testing.TB, ctx context.Context, tx *gorm.DB, n int, statuses []domain.JobStatus) (*domain.Job, []*domain.Job) {
	tb.Helper()
	now := time.Now().UTC()
	parent := &domain.Job{
		ID:             uuid.New(),
		Kind:           domain.KindBatchParent,
		Status:         domain.StatusRunning,
		Model:          "fold-v2",
		ChildCount:     n,
		MaxConcurrent:  2,
		TimeoutSeconds: 900,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.WithContext(ctx).Create(parent).Error; err != nil {
		tb.Fatalf("seed batch parent: %v", err)
	}
	children := make([]*domain.Job, 0, n)
	for i := 0; i < n; i++ {
		status := domain.StatusPending
		if i < len(statuses) {
			status = statuses[i]
		}
		idx := i
		c := &domain.Job{
			ID:             domain.ChildID(parent.ID, i),
			Kind:           domain.KindBatchChild,
			Status:         status,
			Model:          parent.Model,
			ParentID:       &parent.ID,
			BatchIndex:     &idx,
			TimeoutSeconds: 900,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		children = append(children, c)
	}
	if err := tx.WithContext(ctx).Create(&children).Error; err != nil {
		tb.Fatalf("seed batch children: %v", err)
	}
	return parent, children
}
