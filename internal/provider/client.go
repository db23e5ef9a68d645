// Package provider talks to the external video synthesis service. The
// service is submit-and-poll only; it never calls back, so all state
// comes from GET requests against a task id.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/pkg/clients"
)

// Remote task statuses as reported by the provider. Anything else is
// treated as still in flight so a provider-side vocabulary addition
// cannot strand or fail jobs spuriously.
const (
	TaskPending   = "PENDING"
	TaskRunning   = "RUNNING"
	TaskSucceeded = "SUCCEEDED"
	TaskFailed    = "FAILED"
)

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Message)
}

// IsTerminal reports whether the error means the request itself was
// rejected and retrying the same payload cannot succeed.
func (e *APIError) IsTerminal() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Client wraps the provider HTTP API with bounded retries for transient
// failures.
type Client struct {
	baseURL      string
	apiKey       string
	model        string
	client       *http.Client
	httpExecutor failsafe.Executor[*http.Response]
	shouldRetry  func(resp *http.Response, err error) bool
}

type Option func(*Client)

func NewClient(baseURL, apiKey, model string, opts ...Option) *Client {
	cfg := clients.HTTPExecutorConfig{
		MaxRetries:  3,
		BaseDelay:   time.Second,
		MaxDelay:    8 * time.Second,
		ShouldRetry: clients.DefaultShouldRetry,
	}
	c := &Client{
		baseURL:      baseURL,
		apiKey:       apiKey,
		model:        model,
		client:       &http.Client{Timeout: 30 * time.Second},
		httpExecutor: clients.NewHTTPExecutor(cfg),
		shouldRetry:  cfg.ShouldRetry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

func WithHTTPExecutorConfig(cfg clients.HTTPExecutorConfig) Option {
	return func(c *Client) {
		c.httpExecutor = clients.NewHTTPExecutor(cfg)
		c.shouldRetry = cfg.ShouldRetry
	}
}

func (c *Client) doRequest(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	return clients.ExecuteHTTP(ctx, c.httpExecutor, func() (*http.Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if c.shouldRetry != nil && c.shouldRetry(resp, err) {
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
		}
		return resp, err
	})
}

type submitRequest struct {
	Model      string           `json:"model"`
	Input      submitInput      `json:"input"`
	Parameters submitParameters `json:"parameters"`
}

type submitInput struct {
	ImageURL string `json:"image_url"`
	Prompt   string `json:"prompt,omitempty"`
}

type submitParameters struct {
	Style      string `json:"style,omitempty"`
	Duration   int    `json:"duration,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

// SubmitOptions carries the per-job tuning knobs passed to the provider.
type SubmitOptions struct {
	Prompt     string
	Style      string
	Duration   int
	Resolution string
}

// Submit creates a remote synthesis task from an image URL and returns
// the provider's task id. 4xx responses are terminal; 5xx and network
// errors are retried up to the executor's budget.
func (c *Client) Submit(ctx context.Context, imageURL string, opts SubmitOptions) (string, error) {
	body, err := json.Marshal(submitRequest{
		Model: c.model,
		Input: submitInput{
			ImageURL: imageURL,
			Prompt:   opts.Prompt,
		},
		Parameters: submitParameters{
			Style:      opts.Style,
			Duration:   opts.Duration,
			Resolution: opts.Resolution,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal submit request: %w", err)
	}

	resp, err := c.doRequest(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tasks", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("submit request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", &APIError{StatusCode: resp.StatusCode, Message: decodeErrorMessage(resp)}
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode submit response: %w", err)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("provider accepted task but returned no task_id")
	}
	return out.TaskID, nil
}

// TaskStatus is one poll observation of a remote task.
type TaskStatus struct {
	Status    string  `json:"status"`
	Progress  int     `json:"progress"`
	ResultURL *string `json:"result_url"`
	Error     *string `json:"error"`
}

// Status fetches the current state of a remote task. A single poll is
// not retried internally; the poll loop itself is the retry mechanism.
func (c *Client) Status(ctx context.Context, taskID string) (*TaskStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/tasks/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: decodeErrorMessage(resp)}
	}

	var status TaskStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode task status: %w", err)
	}
	if status.Progress < 0 {
		status.Progress = 0
	}
	if status.Progress > 100 {
		status.Progress = 100
	}
	return &status, nil
}

func decodeErrorMessage(resp *http.Response) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ""
	}
	if payload.Error != "" {
		return payload.Error
	}
	return payload.Message
}
