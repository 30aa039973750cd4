package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	jobsrepo "github.com/foldbridge/foldbridge-backend/internal/data/repos/jobs"
	"github.com/foldbridge/foldbridge-backend/internal/domain"
	"github.com/foldbridge/foldbridge-backend/internal/platform/apierr"
	"github.com/foldbridge/foldbridge-backend/internal/platform/logger"
	"github.com/foldbridge/foldbridge-backend/internal/workers"
)

// JobStore is the slice of the job repo the dispatcher needs.
type JobStore interface {
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Job, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	UpdateStatusIf(ctx context.Context, tx *gorm.DB, id uuid.UUID, from []domain.JobStatus, to domain.JobStatus, updates map[string]interface{}) (*domain.Job, error)
}

// TerminalHook is invoked after the dispatcher itself drives a job terminal
// (dispatch exhaustion), so batch bookkeeping still runs.
type TerminalHook interface {
	OnJobTerminal(ctx context.Context, job *domain.Job)
}

type Config struct {
	RatePerSecond float64
	MaxInFlight   int64
	MaxAttempts   int
	PollInterval  time.Duration
	DeliveryLease time.Duration
	RetryBase     time.Duration
	RetryCap      time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 25
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 8
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.DeliveryLease <= 0 {
		c.DeliveryLease = 60 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 2 * time.Minute
	}
	return c
}

// Dispatcher pulls due messages off the queue and pushes job descriptors to
// the worker fleet. The rate limiter and the in-flight semaphore are the only
// throttles protecting the fleet; nothing else enqueues deliveries directly.
type Dispatcher struct {
	queue Queue
	store JobStore
	proc  workers.Processor
	hook  TerminalHook
	cfg   Config

	limiter *rate.Limiter
	sem     *semaphore.Weighted
	log     *logger.Logger
}

func NewDispatcher(queue Queue, store JobStore, proc workers.Processor, cfg Config, baseLog *logger.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		queue:   queue,
		store:   store,
		proc:    proc,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		sem:     semaphore.NewWeighted(cfg.MaxInFlight),
		log:     baseLog.With("component", "Dispatcher"),
	}
}

func (d *Dispatcher) SetTerminalHook(h TerminalHook) { d.hook = h }

func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(d.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := d.queue.ReapExpired(ctx); err != nil {
					d.log.Warn("Reap expired leases failed", "error", err)
				} else if n > 0 {
					d.log.Info("Recovered expired delivery leases", "count", n)
				}
				// Drain everything currently due; the limiter paces us.
				for d.pollOnce(ctx) {
				}
			}
		}
	}()
}

func (d *Dispatcher) pollOnce(ctx context.Context) bool {
	msg, err := d.queue.Claim(ctx, d.cfg.DeliveryLease)
	if err != nil {
		d.log.Warn("Queue claim failed", "error", err)
		return false
	}
	if msg == nil {
		return false
	}
	if err := d.limiter.Wait(ctx); err != nil {
		_ = d.queue.Nack(ctx, msg, time.Now())
		return false
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		_ = d.queue.Nack(ctx, msg, time.Now())
		return false
	}
	go func() {
		defer d.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("Delivery panic", "job_id", msg.JobID, "panic", r)
				_ = d.queue.Nack(ctx, msg, time.Now().Add(d.cfg.RetryBase))
			}
		}()
		d.deliver(ctx, msg)
	}()
	return true
}

func (d *Dispatcher) deliver(ctx context.Context, msg *Message) {
	job, err := d.store.GetByID(ctx, nil, msg.JobID)
	if err != nil {
		d.log.Warn("Load job for delivery failed", "job_id", msg.JobID, "error", err)
		_ = d.queue.Nack(ctx, msg, time.Now().Add(d.cfg.RetryBase))
		return
	}
	if job == nil || job.Status.Terminal() {
		// Cancelled or superseded while queued; drop the message.
		_ = d.queue.Ack(ctx, msg)
		return
	}

	attempt := job.DispatchAttempts + 1
	if err := d.store.UpdateFields(ctx, nil, job.ID, map[string]interface{}{
		"dispatch_attempts": gorm.Expr("dispatch_attempts + 1"),
	}); err != nil {
		d.log.Warn("Count dispatch attempt failed", "job_id", job.ID, "error", err)
	}

	if err := d.proc.Deliver(ctx, job); err != nil {
		d.log.Warn("Delivery failed", "job_id", job.ID, "attempt", attempt, "error", err)
		if attempt >= d.cfg.MaxAttempts {
			d.exhaust(ctx, job, err)
			_ = d.queue.Ack(ctx, msg)
			return
		}
		_ = d.queue.Nack(ctx, msg, time.Now().Add(d.retryDelay(attempt)))
		return
	}

	now := time.Now()
	_, casErr := d.store.UpdateStatusIf(ctx, nil, job.ID,
		[]domain.JobStatus{domain.StatusQueued}, domain.StatusRunning,
		map[string]interface{}{"started_at": now})
	if casErr != nil && !errors.Is(casErr, jobsrepo.ErrConflict) {
		d.log.Warn("Mark running failed", "job_id", job.ID, "error", casErr)
	}
	_ = d.queue.Ack(ctx, msg)
}

// exhaust fails a job whose deliveries ran out of attempts.
func (d *Dispatcher) exhaust(ctx context.Context, job *domain.Job, cause error) {
	now := time.Now()
	failed, err := d.store.UpdateStatusIf(ctx, nil, job.ID,
		[]domain.JobStatus{domain.StatusQueued, domain.StatusRunning}, domain.StatusFailed,
		map[string]interface{}{
			"error_code":   apierr.CodeDispatchExhausted,
			"error":        "dispatch retries exhausted: " + cause.Error(),
			"completed_at": now,
		})
	if err != nil {
		if !errors.Is(err, jobsrepo.ErrConflict) {
			d.log.Error("Mark dispatch-exhausted failed", "job_id", job.ID, "error", err)
		}
		return
	}
	d.log.Warn("Job failed after exhausting dispatch attempts", "job_id", job.ID, "attempts", d.cfg.MaxAttempts)
	if d.hook != nil && failed != nil {
		d.hook.OnJobTerminal(ctx, failed)
	}
}

// retryDelay walks the capped exponential schedule to the given attempt.
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	b := retry.WithCappedDuration(d.cfg.RetryCap, retry.NewExponential(d.cfg.RetryBase))
	var delay time.Duration
	for i := 0; i < attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		delay = next
	}
	return delay
}
