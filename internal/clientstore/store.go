package clientstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/foldbridge/foldbridge-backend/internal/domain"
	"github.com/foldbridge/foldbridge-backend/internal/platform/logger"
)

// Fetcher pulls the caller's current job set from the API. The store treats
// the returned slice as a partial snapshot and merges it by ID.
type Fetcher func(ctx context.Context) ([]*domain.Job, error)

type Config struct {
	TTL        time.Duration
	RefreshMin time.Duration
	RefreshMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Second
	}
	if c.RefreshMin <= 0 {
		c.RefreshMin = 2 * time.Second
	}
	if c.RefreshMax <= 0 {
		c.RefreshMax = 30 * time.Second
	}
	if c.RefreshMax < c.RefreshMin {
		c.RefreshMax = c.RefreshMin
	}
	return c
}

// Store is the client-side job cache backing polling UIs. Reads are served
// from memory while fresh; expired reads trigger a refresh that concurrent
// callers share. A background loop keeps the cache warm, polling faster while
// jobs are moving and backing off toward RefreshMax when nothing changes.
// Refresh failures never evict: stale data stays readable until the next
// successful fetch.
type Store struct {
	cfg   Config
	fetch Fetcher
	log   *logger.Logger
	clock func() time.Time
	group singleflight.Group

	mu        sync.RWMutex
	jobs      map[uuid.UUID]*domain.Job
	fetchedAt time.Time
	interval  time.Duration
	subs      map[int]func([]*domain.Job)
	nextSub   int
	cancel    context.CancelFunc
}

func New(fetch Fetcher, cfg Config, baseLog *logger.Logger) *Store {
	cfg = cfg.withDefaults()
	return &Store{
		cfg:      cfg,
		fetch:    fetch,
		log:      baseLog.With("component", "ClientStore"),
		clock:    time.Now,
		jobs:     map[uuid.UUID]*domain.Job{},
		subs:     map[int]func([]*domain.Job){},
		interval: cfg.RefreshMin,
	}
}

// SetClock is a test hook.
func (s *Store) SetClock(clock func() time.Time) { s.clock = clock }

func (s *Store) fresh() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.fetchedAt.IsZero() && s.clock().Sub(s.fetchedAt) <= s.cfg.TTL
}

// Get returns one cached job, refreshing first if the cache is past its TTL.
// When the refresh fails but a stale copy exists, the stale copy wins over an
// error.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	if !s.fresh() {
		if _, err := s.refresh(ctx); err != nil {
			s.mu.RLock()
			_, hasStale := s.jobs[id]
			s.mu.RUnlock()
			if !hasStale {
				return nil, err
			}
			s.log.Warn("Serving stale job after refresh failure", "job_id", id, "error", err)
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s not in store", id)
	}
	cp := *job
	return &cp, nil
}

// GetCached returns all cached jobs without triggering a refresh; the data
// may be stale.
func (s *Store) GetCached() []*domain.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() []*domain.Job {
	out := make([]*domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		cp := *j
		out = append(out, &cp)
	}
	return out
}

// GetAll returns the cached job set, refreshing first when the cache is past
// its TTL. With force it always refreshes and propagates the fetch error;
// without, a failed refresh over a non-empty cache degrades to stale data.
func (s *Store) GetAll(ctx context.Context, force bool) ([]*domain.Job, error) {
	if force {
		if _, err := s.refresh(ctx); err != nil {
			return nil, err
		}
		return s.GetCached(), nil
	}
	if !s.fresh() {
		if _, err := s.refresh(ctx); err != nil {
			cached := s.GetCached()
			if len(cached) == 0 {
				return nil, err
			}
			s.log.Warn("Serving stale cache after refresh failure", "error", err)
			return cached, nil
		}
	}
	return s.GetCached(), nil
}

// refresh fetches and merges, coalescing concurrent callers onto a single
// fetch. Returns whether the merge changed anything.
func (s *Store) refresh(ctx context.Context) (bool, error) {
	v, err, _ := s.group.Do("refresh", func() (any, error) {
		fetched, err := s.fetch(ctx)
		if err != nil {
			return false, err
		}
		return s.merge(fetched), nil
	})
	if err != nil {
		return false, err
	}
	changed := v.(bool)
	if changed {
		s.notify()
	}
	return changed, nil
}

// merge folds fetched rows into the cache by ID. Rows the fetch did not
// return are kept; the fetcher may page or filter.
func (s *Store) merge(fetched []*domain.Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, j := range fetched {
		prev, ok := s.jobs[j.ID]
		if !ok || prev.Status != j.Status || !prev.UpdatedAt.Equal(j.UpdatedAt) {
			changed = true
		}
		cp := *j
		s.jobs[j.ID] = &cp
	}
	s.fetchedAt = s.clock()
	return changed
}

// Subscribe registers a callback invoked once per refresh that changed the
// cache, with the post-merge job set. Callbacks run synchronously on the
// refreshing goroutine; keep them short. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(jobs []*domain.Job)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// notify snapshots subscribers and cache under the lock, then calls back
// outside it so a callback may re-enter the store.
func (s *Store) notify() {
	s.mu.RLock()
	fns := make([]func([]*domain.Job), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	jobs := s.snapshotLocked()
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(jobs)
	}
}

// Start launches the background refresh loop. Stop or cancelling ctx ends it.
func (s *Store) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		for {
			s.mu.RLock()
			wait := s.interval
			s.mu.RUnlock()
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.backgroundRefresh(ctx)
			}
		}
	}()
}

// backgroundRefresh runs one poll cycle and adapts the interval: activity
// halves it toward RefreshMin, quiet doubles it toward RefreshMax.
func (s *Store) backgroundRefresh(ctx context.Context) {
	changed, err := s.refresh(ctx)
	if err != nil {
		s.log.Warn("Background refresh failed; keeping stale cache", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if changed {
		s.interval /= 2
		if s.interval < s.cfg.RefreshMin {
			s.interval = s.cfg.RefreshMin
		}
	} else {
		s.interval *= 2
		if s.interval > s.cfg.RefreshMax {
			s.interval = s.cfg.RefreshMax
		}
	}
}

func (s *Store) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Clear drops everything; the next Get refetches.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = map[uuid.UUID]*domain.Job{}
	s.fetchedAt = time.Time{}
}
