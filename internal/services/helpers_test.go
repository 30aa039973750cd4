package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/foldbridge/foldbridge-backend/internal/clients/gcs"
	jobsrepo "github.com/foldbridge/foldbridge-backend/internal/data/repos/jobs"
	"github.com/foldbridge/foldbridge-backend/internal/domain"
	"github.com/foldbridge/foldbridge-backend/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

// memRepo is an in-memory JobRepo for service tests. It mirrors the CAS
// semantics of the real repo: status writes apply only from an expected prior
// status and reject with ErrConflict otherwise.
type memRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.Job
}

func newMemRepo(jobs ...*domain.Job) *memRepo {
	r := &memRepo{jobs: map[uuid.UUID]*domain.Job{}}
	for _, j := range jobs {
		cp := *j
		r.jobs[j.ID] = &cp
	}
	return r
}

func (r *memRepo) get(id uuid.UUID) *domain.Job {
	if j, ok := r.jobs[id]; ok {
		cp := *j
		return &cp
	}
	return nil
}

func (r *memRepo) Create(_ context.Context, _ *gorm.DB, jobs []*domain.Job) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, j := range jobs {
		j.CreatedAt = now
		j.UpdatedAt = now
		cp := *j
		r.jobs[j.ID] = &cp
	}
	return jobs, nil
}

func (r *memRepo) GetByID(_ context.Context, _ *gorm.DB, id uuid.UUID) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(id), nil
}

func (r *memRepo) List(_ context.Context, _ *gorm.DB, f jobsrepo.ListFilter) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Job
	for id := range r.jobs {
		j := r.get(id)
		if len(f.Kinds) > 0 {
			match := false
			for _, k := range f.Kinds {
				if j.Kind == k {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

func (r *memRepo) children(parentID uuid.UUID) []*domain.Job {
	var out []*domain.Job
	for id := range r.jobs {
		j := r.get(id)
		if j.ParentID != nil && *j.ParentID == parentID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return deref(out[i].BatchIndex) < deref(out[k].BatchIndex)
	})
	return out
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func (r *memRepo) ListChildren(_ context.Context, _ *gorm.DB, parentID uuid.UUID, f jobsrepo.ChildFilter) ([]*domain.Job, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.children(parentID)
	if f.Status != "" {
		var kept []*domain.Job
		for _, c := range all {
			if c.Status == f.Status {
				kept = append(kept, c)
			}
		}
		all = kept
	}
	total := int64(len(all))
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(all) {
		return []*domain.Job{}, total, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (r *memRepo) AllChildren(_ context.Context, _ *gorm.DB, parentID uuid.UUID) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.children(parentID), nil
}

func (r *memRepo) ChildStatusCounts(_ context.Context, _ *gorm.DB, parentID uuid.UUID) (map[domain.JobStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[domain.JobStatus]int{}
	for _, c := range r.children(parentID) {
		out[c.Status]++
	}
	return out, nil
}

func (r *memRepo) NextPendingChildren(_ context.Context, _ *gorm.DB, parentID uuid.UUID, limit int) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Job
	for _, c := range r.children(parentID) {
		if c.Status == domain.StatusPending {
			out = append(out, c)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memRepo) applyUpdates(j *domain.Job, updates map[string]interface{}) {
	for col, v := range updates {
		switch col {
		case "score":
			if f, ok := v.(float64); ok {
				j.Score = &f
			}
		case "result":
			if raw, ok := v.(datatypes.JSON); ok {
				j.Result = raw
			}
		case "result_key":
			j.ResultKey, _ = v.(string)
		case "summary":
			if raw, ok := v.(datatypes.JSON); ok {
				j.Summary = raw
			}
		case "summary_key":
			j.SummaryKey, _ = v.(string)
		case "progress":
			if raw, ok := v.(datatypes.JSON); ok {
				j.Progress = raw
			}
		case "error_code":
			j.ErrorCode, _ = v.(string)
		case "error":
			j.Error, _ = v.(string)
		case "completed_at":
			if ts, ok := v.(time.Time); ok {
				j.CompletedAt = &ts
			}
		case "started_at":
			if ts, ok := v.(time.Time); ok {
				j.StartedAt = &ts
			}
		case "retry_count":
			// gorm.Expr("retry_count + 1") in production.
			j.RetryCount++
		case "dispatch_attempts":
			j.DispatchAttempts++
		}
	}
	j.UpdatedAt = time.Now()
}

func (r *memRepo) UpdateStatusIf(_ context.Context, _ *gorm.DB, id uuid.UUID, from []domain.JobStatus, to domain.JobStatus, updates map[string]interface{}) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	allowed := false
	for _, f := range from {
		if j.Status == f {
			allowed = true
		}
	}
	if !allowed {
		return nil, jobsrepo.ErrConflict
	}
	j.Status = to
	r.applyUpdates(j, updates)
	return r.get(id), nil
}

func (r *memRepo) UpdateFields(_ context.Context, _ *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		r.applyUpdates(j, updates)
	}
	return nil
}

func (r *memRepo) FindStuck(_ context.Context, _ *gorm.DB, now time.Time, slack time.Duration, limit int) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Job
	for id := range r.jobs {
		j := r.get(id)
		if j.Kind == domain.KindBatchParent {
			continue
		}
		if j.Status != domain.StatusQueued && j.Status != domain.StatusRunning {
			continue
		}
		deadline := now.Add(-slack).Add(-time.Duration(j.TimeoutSeconds) * time.Second)
		if j.UpdatedAt.Before(deadline) {
			out = append(out, j)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memRepo) FindStaleParents(_ context.Context, _ *gorm.DB, limit int) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uuid.UUID
	for id := range r.jobs {
		j := r.get(id)
		if j.Kind != domain.KindBatchParent || j.ChildCount == 0 || j.Status.Terminal() {
			continue
		}
		active := false
		for _, c := range r.children(id) {
			if c.Status == domain.StatusQueued || c.Status == domain.StatusRunning {
				active = true
			}
		}
		if !active {
			out = append(out, id)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

var _ jobsrepo.JobRepo = (*memRepo)(nil)

// memStore is an in-memory write-once artifact store.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (s *memStore) Put(_ context.Context, key string, data io.Reader, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if _, ok := s.objects[key]; ok {
		return gcs.ErrExists
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.objects[key] = raw
	return nil
}

func (s *memStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %q not found", key)
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (s *memStore) ListKeys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) PublicURL(key string) string { return "mem://" + key }

var _ gcs.ArtifactStore = (*memStore)(nil)

// noteRecorder captures notifier events as "Event:jobID" strings.
type noteRecorder struct {
	mu     sync.Mutex
	events []string
}

func (n *noteRecorder) record(event string, id uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event+":"+id.String())
}

func (n *noteRecorder) JobCreated(j *domain.Job)   { n.record("JobCreated", j.ID) }
func (n *noteRecorder) JobQueued(j *domain.Job)    { n.record("JobQueued", j.ID) }
func (n *noteRecorder) JobDone(j *domain.Job)      { n.record("JobDone", j.ID) }
func (n *noteRecorder) JobFailed(j *domain.Job)    { n.record("JobFailed", j.ID) }
func (n *noteRecorder) JobCancelled(j *domain.Job) { n.record("JobCancelled", j.ID) }
func (n *noteRecorder) BatchProgress(j *domain.Job, _ domain.BatchProgress) {
	n.record("BatchProgress", j.ID)
}
func (n *noteRecorder) BatchDone(j *domain.Job) { n.record("BatchDone", j.ID) }

func (n *noteRecorder) count(event string, id uuid.UUID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	want := event + ":" + id.String()
	c := 0
	for _, e := range n.events {
		if e == want {
			c++
		}
	}
	return c
}

var _ JobNotifier = (*noteRecorder)(nil)

// seedBatch builds a parent and children with the given statuses without
// touching a repo; callers pass the rows to newMemRepo.
func seedBatch(statuses []domain.JobStatus, maxConcurrent int) (*domain.Job, []*domain.Job) {
	parentID := uuid.New()
	parent := &domain.Job{
		ID:            parentID,
		Kind:          domain.KindBatchParent,
		Status:        domain.StatusRunning,
		Model:         "fold-v2",
		ChildCount:    len(statuses),
		MaxConcurrent: maxConcurrent,
	}
	children := make([]*domain.Job, 0, len(statuses))
	for i, st := range statuses {
		idx := i
		children = append(children, &domain.Job{
			ID:         domain.ChildID(parentID, idx),
			Kind:       domain.KindBatchChild,
			Status:     st,
			Model:      "fold-v2",
			ParentID:   &parentID,
			BatchIndex: &idx,
			UpdatedAt:  time.Now(),
		})
	}
	return parent, children
}
