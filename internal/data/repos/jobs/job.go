package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/foldbridge/foldbridge-backend/internal/domain"
	"github.com/foldbridge/foldbridge-backend/internal/platform/logger"
)

// ErrConflict marks a status write rejected by the compare-and-swap: the row
// was no longer in one of the expected prior statuses. Callers treat it as a
// benign duplicate/superseded report and drop it.
var ErrConflict = errors.New("conflicting status transition")

type ChildFilter struct {
	Status domain.JobStatus
	Page   int
	Limit  int
}

type ListFilter struct {
	Kinds  []domain.JobKind
	Limit  int
	Offset int
}

type JobRepo interface {
	Create(ctx context.Context, tx *gorm.DB, jobs []*domain.Job) ([]*domain.Job, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Job, error)
	List(ctx context.Context, tx *gorm.DB, f ListFilter) ([]*domain.Job, error)
	ListChildren(ctx context.Context, tx *gorm.DB, parentID uuid.UUID, f ChildFilter) ([]*domain.Job, int64, error)
	AllChildren(ctx context.Context, tx *gorm.DB, parentID uuid.UUID) ([]*domain.Job, error)
	ChildStatusCounts(ctx context.Context, tx *gorm.DB, parentID uuid.UUID) (map[domain.JobStatus]int, error)
	NextPendingChildren(ctx context.Context, tx *gorm.DB, parentID uuid.UUID, limit int) ([]*domain.Job, error)
	// UpdateStatusIf performs the compare-and-swap every status write goes
	// through: the update applies only while the stored status is one of
	// `from`. Returns ErrConflict when the row exists in another status.
	UpdateStatusIf(ctx context.Context, tx *gorm.DB, id uuid.UUID, from []domain.JobStatus, to domain.JobStatus, updates map[string]interface{}) (*domain.Job, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// FindStuck returns non-terminal jobs whose updated_at is older than the
	// job's own timeout plus slack.
	FindStuck(ctx context.Context, tx *gorm.DB, now time.Time, slack time.Duration, limit int) ([]*domain.Job, error)
	// FindStaleParents returns non-terminal parents with no queued or
	// running child: either every child is terminal and the finalize pass
	// was missed, or pending children are stranded with an empty admission
	// window. Both need a recompute.
	FindStaleParents(ctx context.Context, tx *gorm.DB, limit int) ([]uuid.UUID, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func (r *jobRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *jobRepo) Create(ctx context.Context, tx *gorm.DB, jobs []*domain.Job) ([]*domain.Job, error) {
	if len(jobs) == 0 {
		return []*domain.Job{}, nil
	}
	if err := r.conn(tx).WithContext(ctx).Create(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Job, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job domain.Job
	err := r.conn(tx).WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRepo) List(ctx context.Context, tx *gorm.DB, f ListFilter) ([]*domain.Job, error) {
	q := r.conn(tx).WithContext(ctx).Model(&domain.Job{})
	if len(f.Kinds) > 0 {
		q = q.Where("kind IN ?", f.Kinds)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var out []*domain.Job
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) ListChildren(ctx context.Context, tx *gorm.DB, parentID uuid.UUID, f ChildFilter) ([]*domain.Job, int64, error) {
	q := r.conn(tx).WithContext(ctx).Model(&domain.Job{}).
		Where("parent_id = ?", parentID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	var out []*domain.Job
	err := q.Order("batch_index ASC").
		Limit(limit).
		Offset((page - 1) * limit).
		Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *jobRepo) AllChildren(ctx context.Context, tx *gorm.DB, parentID uuid.UUID) ([]*domain.Job, error) {
	var out []*domain.Job
	err := r.conn(tx).WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("batch_index ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) ChildStatusCounts(ctx context.Context, tx *gorm.DB, parentID uuid.UUID) (map[domain.JobStatus]int, error) {
	type row struct {
		Status domain.JobStatus
		N      int
	}
	var rows []row
	err := r.conn(tx).WithContext(ctx).Model(&domain.Job{}).
		Select("status, count(*) AS n").
		Where("parent_id = ?", parentID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.JobStatus]int, len(rows))
	for _, rw := range rows {
		out[rw.Status] = rw.N
	}
	return out, nil
}

func (r *jobRepo) NextPendingChildren(ctx context.Context, tx *gorm.DB, parentID uuid.UUID, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		return []*domain.Job{}, nil
	}
	var out []*domain.Job
	err := r.conn(tx).WithContext(ctx).
		Where("parent_id = ? AND status = ?", parentID, domain.StatusPending).
		Order("batch_index ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) UpdateStatusIf(ctx context.Context, tx *gorm.DB, id uuid.UUID, from []domain.JobStatus, to domain.JobStatus, updates map[string]interface{}) (*domain.Job, error) {
	if id == uuid.Nil {
		return nil, gorm.ErrRecordNotFound
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := r.conn(tx).WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		current, err := r.GetByID(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, gorm.ErrRecordNotFound
		}
		r.log.Debug("Status transition rejected by CAS",
			"job_id", id, "have", current.Status, "want", to)
		return nil, ErrConflict
	}
	return r.GetByID(ctx, tx, id)
}

func (r *jobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.conn(tx).WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *jobRepo) FindStuck(ctx context.Context, tx *gorm.DB, now time.Time, slack time.Duration, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*domain.Job
	err := r.conn(tx).WithContext(ctx).
		Where("status IN ?", []domain.JobStatus{domain.StatusQueued, domain.StatusRunning}).
		Where("kind <> ?", domain.KindBatchParent).
		Where("updated_at < ? - (timeout_seconds * interval '1 second')", now.Add(-slack)).
		Order("updated_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) FindStaleParents(ctx context.Context, tx *gorm.DB, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []uuid.UUID
	err := r.conn(tx).WithContext(ctx).Model(&domain.Job{}).
		Select("id").
		Where("kind = ? AND child_count > 0", domain.KindBatchParent).
		Where("status IN ?", domain.NonTerminalStatuses).
		Where(`NOT EXISTS (
			SELECT 1 FROM job c
			WHERE c.parent_id = job.id AND c.status IN ?
		)`, []domain.JobStatus{domain.StatusQueued, domain.StatusRunning}).
		Limit(limit).
		Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
