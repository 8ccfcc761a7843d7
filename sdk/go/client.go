package hearthsdk

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
)

// Client is a minimal Hearth HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID          string  `json:"id"`
	HouseholdID string  `json:"household_id"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	Retries     int     `json:"retries"`
	MaxRetries  int     `json:"max_retries"`
	NextRunAt   *string `json:"next_run_at,omitempty"`
	LastError   *string `json:"last_error,omitempty"`
}

// Run represents a worker execution audit record.
type Run struct {
	ID         string  `json:"id"`
	TaskID     *string `json:"task_id,omitempty"`
	Status     string  `json:"status"`
	Source     string  `json:"source"`
	OutputText string  `json:"output_text"`
	CreatedAt  string  `json:"created_at"`
	FinishedAt *string `json:"finished_at,omitempty"`
}

// Event represents a domain event.
type Event struct {
	ID          string  `json:"id"`
	HouseholdID string  `json:"household_id"`
	Type        string  `json:"type"`
	SourceModel string  `json:"source_model"`
	SourceID    string  `json:"source_id"`
	Status      string  `json:"status"`
	Error       *string `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// ActionSchema describes one catalog entry.
type ActionSchema struct {
	Type          string `json:"type"`
	Description   string `json:"description"`
	Tier          int    `json:"tier"`
	AllowInWorker bool   `json:"allow_in_worker"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, taskType, description string, payload map[string]any) (Task, error) {
	body := map[string]any{
		"type":        taskType,
		"description": description,
		"payload":     payload,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/tasks/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Tasks lists tasks, optionally filtered by status.
func (c *Client) Tasks(ctx context.Context, status string, limit int) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	endpoint := "v0/tasks" + listQuery(status, limit)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Approve grants sign-off on a task. Token is required when the task's
// type sits at a signature tier.
func (c *Client) Approve(ctx context.Context, id, actorID, token string) (Task, error) {
	body := map[string]any{
		"actor_id": actorID,
		"token":    token,
	}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/approve", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ResetRetries unblocks a blocked task.
func (c *Client) ResetRetries(ctx context.Context, id, actorID string) (Task, error) {
	body := map[string]any{"actor_id": actorID}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/retry-reset", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Runs lists runs, optionally filtered by task id.
func (c *Client) Runs(ctx context.Context, taskID string, limit int) ([]Run, error) {
	var resp struct {
		Items []Run `json:"items"`
	}
	endpoint := "v0/runs"
	sep := "?"
	if taskID != "" {
		endpoint = fmt.Sprintf("%s?task_id=%s", endpoint, url.QueryEscape(taskID))
		sep = "&"
	}
	if limit > 0 {
		endpoint = fmt.Sprintf("%s%slimit=%d", endpoint, sep, limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/runs/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Events lists events, optionally filtered by status.
func (c *Client) Events(ctx context.Context, status string, limit int) ([]Event, error) {
	var resp struct {
		Items []Event `json:"items"`
	}
	endpoint := "v0/events" + listQuery(status, limit)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ProcessEvents asks the server to drain pending events into tasks and
// returns how many were processed.
func (c *Client) ProcessEvents(ctx context.Context, limit int) (int, error) {
	body := map[string]any{"limit": limit}
	var resp struct {
		Processed int `json:"processed"`
	}
	err := c.do(ctx, http.MethodPost, "v0/events/process", body, &resp)
	return resp.Processed, err
}

// Actions returns the action catalog with tiers.
func (c *Client) Actions(ctx context.Context) ([]ActionSchema, error) {
	var resp struct {
		Items []ActionSchema `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/actions", nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func listQuery(status string, limit int) string {
	q := ""
	sep := "?"
	if status != "" {
		q = sep + "status=" + url.QueryEscape(status)
		sep = "&"
	}
	if limit > 0 {
		q += fmt.Sprintf("%slimit=%d", sep, limit)
	}
	return q
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
