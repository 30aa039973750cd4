package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type JobKind string

const (
	KindIndividual  JobKind = "individual"
	KindBatchParent JobKind = "batch_parent"
	KindBatchChild  JobKind = "batch_child"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// NonTerminalStatuses is the set a live job can be observed in. Ordering is
// not significant; used for IN clauses. Transition legality is enforced at
// the write boundary: every status write names its expected prior statuses
// and goes through the repo's compare-and-swap.
var NonTerminalStatuses = []JobStatus{StatusPending, StatusQueued, StatusRunning}

// Job is the unit of work: one prediction, one batch parent, or one batch
// member. Which columns are meaningful depends on Kind; handlers validate the
// discriminant at the boundary so downstream code can switch on it.
type Job struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Kind   JobKind   `gorm:"column:kind;not null;index" json:"kind"`
	Status JobStatus `gorm:"column:status;not null;index" json:"status"`
	Model  string    `gorm:"column:model;not null" json:"model"`

	// Inline input or an object-store pointer for large payloads.
	Input    datatypes.JSON `gorm:"column:input;type:jsonb" json:"input,omitempty"`
	InputKey string         `gorm:"column:input_key" json:"input_key,omitempty"`

	// Populated only in terminal states. Success carries a payload or
	// pointer plus an optional numeric score; failure carries a coded error.
	Result    datatypes.JSON `gorm:"column:result;type:jsonb" json:"result,omitempty"`
	ResultKey string         `gorm:"column:result_key" json:"result_key,omitempty"`
	Score     *float64       `gorm:"column:score" json:"score,omitempty"`
	ErrorCode string         `gorm:"column:error_code" json:"error_code,omitempty"`
	Error     string         `gorm:"column:error" json:"error,omitempty"`

	// batch_child only.
	ParentID   *uuid.UUID `gorm:"type:uuid;column:parent_id;index" json:"parent_id,omitempty"`
	BatchIndex *int       `gorm:"column:batch_index" json:"batch_index,omitempty"`

	// batch_parent only. ChildCount is fixed at creation; Progress is derived
	// and only ever recomputed; Summary is written once on completion.
	ChildCount    int            `gorm:"column:child_count;not null;default:0" json:"child_count,omitempty"`
	MaxConcurrent int            `gorm:"column:max_concurrent;not null;default:0" json:"max_concurrent,omitempty"`
	Progress      datatypes.JSON `gorm:"column:progress;type:jsonb" json:"progress,omitempty"`
	Summary       datatypes.JSON `gorm:"column:summary;type:jsonb" json:"summary,omitempty"`
	SummaryKey    string         `gorm:"column:summary_key" json:"summary_key,omitempty"`

	DispatchAttempts int `gorm:"column:dispatch_attempts;not null;default:0" json:"dispatch_attempts"`
	RetryCount       int `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	TimeoutSeconds   int `gorm:"column:timeout_seconds;not null;default:0" json:"timeout_seconds"`

	CreatedAt   time.Time  `gorm:"not null;index" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"not null;index" json:"updated_at"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Job) TableName() string { return "job" }

// ChildID derives a batch child's ID from the parent ID and index, so a
// retried batch creation produces the same rows instead of duplicates.
func ChildID(parentID uuid.UUID, index int) uuid.UUID {
	return uuid.NewSHA1(parentID, []byte(fmt.Sprintf("child/%d", index)))
}

// ChildIDs returns the parent's authoritative membership list.
func ChildIDs(parentID uuid.UUID, n int) []uuid.UUID {
	out := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, ChildID(parentID, i))
	}
	return out
}

// Progress is the derived per-batch snapshot. Counts always sum to the
// parent's ChildCount.
type BatchProgress struct {
	Pending   int     `json:"pending"`
	Queued    int     `json:"queued"`
	Running   int     `json:"running"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Cancelled int     `json:"cancelled"`
	Percent   float64 `json:"percent"`
}

func ComputeProgress(counts map[JobStatus]int, total int) BatchProgress {
	p := BatchProgress{
		Pending:   counts[StatusPending],
		Queued:    counts[StatusQueued],
		Running:   counts[StatusRunning],
		Completed: counts[StatusCompleted],
		Failed:    counts[StatusFailed],
		Cancelled: counts[StatusCancelled],
	}
	if total > 0 {
		p.Percent = float64(p.Completed+p.Failed+p.Cancelled) / float64(total) * 100
	}
	return p
}

func (p BatchProgress) Terminal() int { return p.Completed + p.Failed + p.Cancelled }

func (p BatchProgress) Active() int { return p.Queued + p.Running }

func (p BatchProgress) Sum() int {
	return p.Pending + p.Queued + p.Running + p.Completed + p.Failed + p.Cancelled
}

// ParentStatusFor derives the parent's own status from child progress. The
// second return is false while any child is still live; callers must not
// touch the parent status in that case (beyond pending→running promotion).
func ParentStatusFor(p BatchProgress, total int) (JobStatus, bool) {
	if total <= 0 || p.Terminal() < total {
		return "", false
	}
	if p.Completed > 0 {
		return StatusCompleted, true
	}
	return StatusFailed, true
}

func (j *Job) ProgressSnapshot() (BatchProgress, error) {
	var p BatchProgress
	if len(j.Progress) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(j.Progress, &p); err != nil {
		return p, fmt.Errorf("decode progress: %w", err)
	}
	return p, nil
}

// BatchSummary is computed exactly once when a parent reaches a terminal
// state and never mutated afterward.
type BatchSummary struct {
	Total     int      `json:"total"`
	Completed int      `json:"completed"`
	Failed    int      `json:"failed"`
	Cancelled int      `json:"cancelled"`
	BestScore *float64 `json:"best_score,omitempty"`
	MeanScore *float64 `json:"mean_score,omitempty"`
}

// SummarizeChildren folds completed-child scores into a batch summary.
// Higher scores rank better.
func SummarizeChildren(children []*Job) BatchSummary {
	s := BatchSummary{Total: len(children)}
	var sum float64
	var scored int
	for _, c := range children {
		switch c.Status {
		case StatusCompleted:
			s.Completed++
			if c.Score != nil {
				sum += *c.Score
				scored++
				if s.BestScore == nil || *c.Score > *s.BestScore {
					v := *c.Score
					s.BestScore = &v
				}
			}
		case StatusFailed:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	if scored > 0 {
		mean := sum / float64(scored)
		s.MeanScore = &mean
	}
	return s
}
