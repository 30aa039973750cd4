package domain

import (
	"testing"

	"github.com/google/uuid"
)

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []JobStatus{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
	for _, s := range NonTerminalStatuses {
		if s.Terminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
	// The two sets partition the status space.
	if len(NonTerminalStatuses) != 3 {
		t.Fatalf("non-terminal set: %v", NonTerminalStatuses)
	}
}

func TestChildIDsDeterministicAndUnique(t *testing.T) {
	parent := uuid.New()
	first := ChildIDs(parent, 16)
	second := ChildIDs(parent, 16)
	if len(first) != 16 {
		t.Fatalf("want 16 ids, got %d", len(first))
	}
	seen := map[uuid.UUID]bool{}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("child id at index %d not deterministic", i)
		}
		if seen[first[i]] {
			t.Fatalf("duplicate child id at index %d", i)
		}
		seen[first[i]] = true
	}
	if ChildID(uuid.New(), 0) == first[0] {
		t.Fatal("child ids must be namespaced by parent")
	}
}

func TestComputeProgress(t *testing.T) {
	counts := map[JobStatus]int{
		StatusPending:   2,
		StatusRunning:   1,
		StatusCompleted: 1,
		StatusFailed:    1,
	}
	p := ComputeProgress(counts, 5)
	if p.Sum() != 5 {
		t.Fatalf("counts must sum to total: got %d", p.Sum())
	}
	if p.Percent != 40 {
		t.Fatalf("percent: want 40 got %v", p.Percent)
	}
	if p.Active() != 1 {
		t.Fatalf("active: want 1 got %d", p.Active())
	}
}

func TestParentStatusFor(t *testing.T) {
	if _, done := ParentStatusFor(BatchProgress{Completed: 4, Running: 1}, 5); done {
		t.Fatal("parent must not go terminal while a child is running")
	}
	st, done := ParentStatusFor(BatchProgress{Completed: 1, Failed: 4}, 5)
	if !done || st != StatusCompleted {
		t.Fatalf("one success makes the batch completed: got %v/%v", st, done)
	}
	st, done = ParentStatusFor(BatchProgress{Failed: 3, Cancelled: 2}, 5)
	if !done || st != StatusFailed {
		t.Fatalf("no successes makes the batch failed: got %v/%v", st, done)
	}
}

func TestSummarizeChildren(t *testing.T) {
	score := func(v float64) *float64 { return &v }
	children := []*Job{
		{Status: StatusCompleted, Score: score(0.4)},
		{Status: StatusCompleted, Score: score(0.9)},
		{Status: StatusCompleted}, // completed without a score
		{Status: StatusFailed},
		{Status: StatusCancelled},
	}
	s := SummarizeChildren(children)
	if s.Total != 5 || s.Completed != 3 || s.Failed != 1 || s.Cancelled != 1 {
		t.Fatalf("counts: %+v", s)
	}
	if s.BestScore == nil || *s.BestScore != 0.9 {
		t.Fatalf("best score: %+v", s.BestScore)
	}
	if s.MeanScore == nil || *s.MeanScore != 0.65 {
		t.Fatalf("mean score: %+v", s.MeanScore)
	}
}
