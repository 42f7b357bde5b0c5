// Package runner implements the worker process: it polls the server for
// jobs, clones the repository, executes steps, sends step output back, and
// reports metrics.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Metric is one numeric measurement reported at run completion.
type Metric struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// Job is the payload the server hands out on a successful poll.
type Job struct {
	Run struct {
		ID          int64  `json:"id"`
		PipelineID  int64  `json:"pipeline_id"`
		TriggeredBy string `json:"triggered_by"`
	} `json:"run"`
	Steps []struct {
		ID      int64  `json:"id"`
		Name    string `json:"name"`
		Command string `json:"command"`
	} `json:"steps"`
	RepoURL        string            `json:"repoUrl"`
	CommitSHA      string            `json:"commitSha"`
	Branch         string            `json:"branch"`
	PipelineConfig json.RawMessage   `json:"pipelineConfig"`
	Secrets        map[string]string `json:"secrets"`
}

// BaselineCheck is the regression summary returned from run completion.
type BaselineCheck struct {
	Checked        int  `json:"checked"`
	Regressions    int  `json:"regressions"`
	HasRegressions bool `json:"hasRegressions"`
}

// Client talks to the server's runner protocol endpoints.
type Client struct {
	serverURL string
	token     string
	http      *http.Client
}

// NewClient creates a Client for the server at serverURL authenticating with
// token.
func NewClient(serverURL, token string) *Client {
	return &Client{
		serverURL: strings.TrimSuffix(serverURL, "/"),
		token:     token,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

// Poll asks for a job. Returns nil when none is available.
func (c *Client) Poll(ctx context.Context) (*Job, error) {
	var resp struct {
		Job *Job `json:"job"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/runner/poll", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Job, nil
}

// StepUpdate reports a step's status transition.
func (c *Client) StepUpdate(ctx context.Context, stepID int64, status string, exitCode *int, output string) error {
	body := map[string]any{"stepId": stepID, "status": status}
	if exitCode != nil {
		body["exitCode"] = *exitCode
	}
	if output != "" {
		body["output"] = output
	}
	return c.do(ctx, http.MethodPost, "/api/v1/runner/step", body, nil)
}

// StepOutput streams an output chunk for a step.
func (c *Client) StepOutput(ctx context.Context, stepID int64, output string) error {
	body := map[string]any{"stepId": stepID, "output": output}
	return c.do(ctx, http.MethodPost, "/api/v1/runner/output", body, nil)
}

// Complete reports the run's terminal status and metrics, returning the
// baseline check.
func (c *Client) Complete(ctx context.Context, runID int64, status string, metrics []Metric) (*BaselineCheck, error) {
	if metrics == nil {
		metrics = []Metric{}
	}
	body := map[string]any{"runId": runID, "status": status, "metrics": metrics}
	var resp struct {
		BaselineCheck *BaselineCheck `json:"baselineCheck"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/runner/complete", body, &resp); err != nil {
		return nil, err
	}
	return resp.BaselineCheck, nil
}

// Heartbeat refreshes the runner's last_seen on the server.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/runner/heartbeat", nil, nil)
}

// ResolveRepoURL turns a server-relative clone path (/git/<path>) into an
// absolute URL on the server. Anything else passes through unchanged.
func (c *Client) ResolveRepoURL(repoURL string) string {
	if strings.HasPrefix(repoURL, "/git/") {
		return c.serverURL + repoURL
	}
	return repoURL
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: server returned %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}

	return nil
}
