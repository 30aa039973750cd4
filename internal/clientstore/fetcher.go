package clientstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/foldbridge/foldbridge-backend/internal/domain"
)

// NewHTTPFetcher builds a Fetcher over the jobs list endpoint. All
// endpoint-shape tolerance lives in decodeJobs; the rest of the store only
// ever sees []*domain.Job.
func NewHTTPFetcher(baseURL string, client *http.Client) Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	url := strings.TrimRight(baseURL, "/") + "/api/jobs"
	return func(ctx context.Context) ([]*domain.Job, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch jobs: %w", err)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch jobs: server returned %d", resp.StatusCode)
		}
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read jobs payload: %w", err)
		}
		return decodeJobs(raw)
	}
}

// decodeJobs accepts both response shapes the API has served: the
// `{"jobs": [...]}` envelope and a bare array.
func decodeJobs(raw []byte) ([]*domain.Job, error) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []*domain.Job
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("decode jobs list: %w", err)
		}
		return list, nil
	}
	var envelope struct {
		Jobs []*domain.Job `json:"jobs"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("decode jobs envelope: %w", err)
	}
	return envelope.Jobs, nil
}
