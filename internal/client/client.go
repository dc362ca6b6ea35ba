// Package client talks to the loop backend over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/tOgg1/loopdeck/internal/logging"
	"github.com/tOgg1/loopdeck/internal/models"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseSize = 16 << 20
	requestIDHeader = "X-Request-ID"
)

// Options configures a Client.
type Options struct {
	// BaseURL is the backend root, e.g. http://127.0.0.1:8188.
	BaseURL string

	// Timeout bounds each request. Ignored when HTTPClient is set.
	Timeout time.Duration

	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// Client is a typed client for the loop backend. It is safe for concurrent use.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	logger  zerolog.Logger
	detail  singleflight.Group
}

// New creates a client for opts.BaseURL.
func New(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse backend URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend URL must be http or https: %s", raw)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: base,
		http:    httpClient,
		logger:  logging.Component("client"),
	}, nil
}

// BaseURL returns the backend root.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// ListLoops returns every loop known to the backend.
func (c *Client) ListLoops(ctx context.Context) ([]models.LoopSummary, error) {
	var out struct {
		Loops []models.LoopSummary `json:"loops"`
	}
	if err := c.get(ctx, PathLoopList, &out); err != nil {
		return nil, err
	}
	for i := range out.Loops {
		out.Loops[i].Status = models.ParseLoopStatus(string(out.Loops[i].Status))
	}
	return out.Loops, nil
}

// GetLoop fetches a loop detail. Concurrent calls for the same loop share
// one request.
func (c *Client) GetLoop(ctx context.Context, loopID string) (*models.LoopDetail, error) {
	if strings.TrimSpace(loopID) == "" {
		return nil, models.ErrInvalidLoopID
	}
	value, err, shared := c.detail.Do(loopID, func() (interface{}, error) {
		var detail models.LoopDetail
		if err := c.get(ctx, PathLoopDetail+url.PathEscape(loopID), &detail); err != nil {
			return nil, err
		}
		if detail.LoopID == "" {
			detail.LoopID = loopID
		}
		detail.Normalize()
		return &detail, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug().Str("loop_id", loopID).Msg("shared in-flight detail request")
	}
	return value.(*models.LoopDetail).Clone(), nil
}

// CreateLoop creates an empty loop and returns its id.
func (c *Client) CreateLoop(ctx context.Context) (string, error) {
	var out CreateResponse
	if err := c.post(ctx, PathLoopCreate, struct{}{}, &out); err != nil {
		return "", err
	}
	if out.LoopID == "" {
		return "", &APIError{Method: http.MethodPost, Path: PathLoopCreate, Message: "missing loop_id", Err: ErrEmptyResponse}
	}
	return out.LoopID, nil
}

// SetTotalCycles configures the cycle count of a loop.
func (c *Client) SetTotalCycles(ctx context.Context, loopID string, total int) error {
	if total < 1 {
		return models.ErrInvalidTotalCycles
	}
	payload := map[string]any{"loop_id": loopID, "total_cycles": total}
	return c.post(ctx, PathLoopConfig, payload, nil)
}

// SetWorkflow loads a prompt (and optionally the editor workflow) into a loop.
func (c *Client) SetWorkflow(ctx context.Context, req SetWorkflowRequest) error {
	return c.post(ctx, PathSetWorkflow, req, nil)
}

// Step requests one generation attempt.
func (c *Client) Step(ctx context.Context, req StepRequest) (*StepResponse, error) {
	var out StepResponse
	if err := c.post(ctx, PathStep, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Decide records a verdict. The backend's progression hints are returned as is.
func (c *Client) Decide(ctx context.Context, req DecisionRequest) (*DecisionResult, error) {
	if !req.Decision.IsChoice() {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidDecision, req.Decision)
	}
	var out DecisionResult
	if err := c.post(ctx, PathDecision, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetOverrides replaces the overrides of a loop.
func (c *Client) SetOverrides(ctx context.Context, loopID string, overrides map[string]any) error {
	if overrides == nil {
		overrides = map[string]any{}
	}
	payload := map[string]any{"loop_id": loopID, "overrides": overrides}
	return c.post(ctx, PathOverrides, payload, nil)
}

// ExportApproved exports the approved outputs of a loop.
func (c *Client) ExportApproved(ctx context.Context, loopID string) (*ExportResponse, error) {
	var out ExportResponse
	if err := c.post(ctx, PathExport, map[string]string{"loop_id": loopID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reset returns a loop to idle.
func (c *Client) Reset(ctx context.Context, req ResetRequest) error {
	return c.post(ctx, PathReset, req, nil)
}

// ListWorkflows returns the named workflow catalog.
func (c *Client) ListWorkflows(ctx context.Context) (*WorkflowList, error) {
	var out WorkflowList
	if err := c.get(ctx, PathWorkflowsList, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LoadWorkflow fetches one named workflow.
func (c *Client) LoadWorkflow(ctx context.Context, name string) (*LoadedWorkflow, error) {
	var out LoadedWorkflow
	if err := c.post(ctx, PathWorkflowsLoad, map[string]string{"name": name}, &out); err != nil {
		return nil, err
	}
	if len(out.Workflow) == 0 && len(out.Prompt) == 0 {
		return nil, &APIError{Method: http.MethodPost, Path: PathWorkflowsLoad, Message: "workflow body missing", Err: ErrEmptyResponse}
	}
	return &out, nil
}

// QueuePrompt queues a standalone prompt outside any loop.
func (c *Client) QueuePrompt(ctx context.Context, prompt json.RawMessage) (string, error) {
	var out PromptResponse
	if err := c.post(ctx, PathPrompt, map[string]json.RawMessage{"prompt": prompt}, &out); err != nil {
		return "", err
	}
	if out.PromptID == "" {
		return "", &APIError{Method: http.MethodPost, Path: PathPrompt, Message: "missing prompt_id", Err: ErrEmptyResponse}
	}
	return out.PromptID, nil
}

// PromptStatus inspects a queued prompt. A prompt that has not started yet
// reports Completed=false with an empty status.
func (c *Client) PromptStatus(ctx context.Context, promptID string) (*PromptStatus, error) {
	var history map[string]struct {
		Status struct {
			StatusStr string `json:"status_str"`
			Completed bool   `json:"completed"`
		} `json:"status"`
		Outputs json.RawMessage `json:"outputs"`
	}
	if err := c.get(ctx, PathHistory+url.PathEscape(promptID), &history); err != nil {
		return nil, err
	}
	item, ok := history[promptID]
	if !ok {
		return &PromptStatus{PromptID: promptID}, nil
	}
	return &PromptStatus{
		PromptID:  promptID,
		Completed: item.Status.Completed,
		Status:    item.Status.StatusStr,
		Outputs:   item.Outputs,
	}, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", path, err)
	}
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	endpoint := c.baseURL.JoinPath(path)
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return &APIError{Method: method, Path: path, Err: err}
	}
	requestID := ulid.Make().String()
	req.Header.Set(requestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", method).Str("path", path).Str("request_id", requestID).Msg("backend request failed")
		return &APIError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Str("request_id", requestID).
		Msg("backend request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: extractMessage(data)}
		c.logger.Warn().Str("request_id", requestID).Msg(apiErr.Error())
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: "invalid JSON response", Err: err}
	}
	return nil
}
