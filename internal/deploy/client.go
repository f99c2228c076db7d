// Package deploy talks to a remote deployment gateway that builds and
// publishes the project after its actions have run.
package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Job states reported by the gateway.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobTimedOut  = "timed_out"
)

// TriggerResponse is the gateway response for POST /deployments.
type TriggerResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// Job is the gateway response for GET /deployments/{jobID}.
type Job struct {
	JobID       string          `json:"job_id"`
	Status      string          `json:"status"`
	URL         string          `json:"url,omitempty"`
	Log         string          `json:"log,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Terminal reports whether the job will not change state again.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobSucceeded, JobFailed, JobTimedOut:
		return true
	}
	return false
}

// Request describes what to deploy.
type Request struct {
	SessionID string `json:"session_id"`
	Target    string `json:"target,omitempty"`
	Command   string `json:"build_command,omitempty"`
}

// Client is an HTTP client for the deployment gateway.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new gateway client.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Trigger sends POST /deployments and returns the job ID.
func (c *Client) Trigger(ctx context.Context, r Request) (string, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	respBody, status, err := c.do(ctx, http.MethodPost, "/deployments", body)
	if err != nil {
		return "", fmt.Errorf("trigger deployment: %w", err)
	}
	if status != http.StatusAccepted {
		return "", fmt.Errorf("trigger deployment: status %d: %s", status, string(respBody))
	}

	var triggerResp TriggerResponse
	if err := json.Unmarshal(respBody, &triggerResp); err != nil {
		return "", fmt.Errorf("parse trigger response: %w", err)
	}
	if triggerResp.JobID == "" {
		return "", fmt.Errorf("trigger deployment: empty job id")
	}
	c.logger.Info("deployment triggered", "job_id", triggerResp.JobID, "session_id", r.SessionID)
	return triggerResp.JobID, nil
}

// GetJob retrieves the status of a job.
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	respBody, status, err := c.do(ctx, http.MethodGet, "/deployments/"+jobID, nil)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("get job %s: status %d: %s", jobID, status, string(respBody))
	}

	var job Job
	if err := json.Unmarshal(respBody, &job); err != nil {
		return nil, fmt.Errorf("parse job response: %w", err)
	}
	return &job, nil
}

// PollJob polls GET /deployments/{jobID} until the job is terminal or ctx is
// done. The interval doubles after each attempt, capped at 30s.
func (c *Client) PollJob(ctx context.Context, jobID string, pollInterval time.Duration) (*Job, error) {
	const maxBackoff = 30 * time.Second
	interval := pollInterval
	if interval <= 0 {
		interval = time.Second
	}

	for {
		job, err := c.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		interval *= 2
		if interval > maxBackoff {
			interval = maxBackoff
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}
