package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/foldbridge/foldbridge-backend/internal/domain"
	"github.com/foldbridge/foldbridge-backend/internal/platform/logger"
)

// Processor is the contract a GPU worker fleet implements: accept one job
// descriptor for processing. Delivery is push; the worker reports the outcome
// later through the report endpoint, so Deliver returning nil only means the
// fleet accepted the job. Deliveries may repeat (at-least-once queue) — the
// report path is compare-and-swap guarded, so duplicates are harmless.
type Processor interface {
	Deliver(ctx context.Context, job *domain.Job) error
}

// Report is the worker's completion callback payload.
type Report struct {
	Status string         `json:"status"` // "completed" | "failed"
	Score  *float64       `json:"score,omitempty"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Reporter is how an in-process worker hands results back; implemented by the
// job service.
type Reporter interface {
	Report(ctx context.Context, jobID uuid.UUID, report Report) error
}

// HTTPProcessor pushes job descriptors to the worker fleet endpoint.
type HTTPProcessor struct {
	endpoint string
	client   *http.Client
	log      *logger.Logger
}

func NewHTTPProcessor(endpoint string, log *logger.Logger) *HTTPProcessor {
	return &HTTPProcessor{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      log.With("service", "HTTPProcessor"),
	}
}

type deliverRequest struct {
	JobID          uuid.UUID       `json:"job_id"`
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input,omitempty"`
	InputKey       string          `json:"input_key,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds"`
}

func (p *HTTPProcessor) Deliver(ctx context.Context, job *domain.Job) error {
	body, err := json.Marshal(deliverRequest{
		JobID:          job.ID,
		Model:          job.Model,
		Input:          json.RawMessage(job.Input),
		InputKey:       job.InputKey,
		TimeoutSeconds: job.TimeoutSeconds,
	})
	if err != nil {
		return fmt.Errorf("encode job descriptor: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/internal/process", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver job %s: %w", job.ID, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver job %s: worker returned %d", job.ID, resp.StatusCode)
	}
	return nil
}

// ProcessFunc computes one job synchronously; used by LocalProcessor.
type ProcessFunc func(ctx context.Context, job *domain.Job) Report

// LocalProcessor runs jobs in-process and reports through the same path the
// real fleet uses. Local/dev mode and tests only; no GPU involved.
type LocalProcessor struct {
	fn       ProcessFunc
	reporter Reporter
	log      *logger.Logger
}

func NewLocalProcessor(fn ProcessFunc, reporter Reporter, log *logger.Logger) *LocalProcessor {
	return &LocalProcessor{fn: fn, reporter: reporter, log: log.With("service", "LocalProcessor")}
}

func (p *LocalProcessor) Deliver(ctx context.Context, job *domain.Job) error {
	timeout := time.Duration(job.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	go func() {
		runCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		report := p.fn(runCtx, job)
		if err := p.reporter.Report(runCtx, job.ID, report); err != nil {
			p.log.Warn("Local processor report failed", "job_id", job.ID, "error", err)
		}
	}()
	return nil
}
