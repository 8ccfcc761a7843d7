// Package reason is the boundary client for the external reasoning
// service: it turns a task into a proposed list of actions. The union
// response shape (actions at the top level or nested under result) is
// normalized here so downstream code never branches on it.
package reason

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hearth/internal/registry"
)

type Config struct {
	URL     string
	Timeout time.Duration
	Source  string
}

type Client struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Request is the wire shape sent to the reasoning service.
type Request struct {
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Source      string         `json:"source"`
	TaskID      string         `json:"task_id,omitempty"`
	Description string         `json:"description,omitempty"`
}

// response is the union wire shape the service returns.
type response struct {
	Status    string            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Actions   []registry.Action `json:"actions,omitempty"`
	Result    *responseResult   `json:"result,omitempty"`
	Reasoning json.RawMessage   `json:"reasoning,omitempty"`
	Evidence  json.RawMessage   `json:"evidence,omitempty"`
}

type responseResult struct {
	Actions []registry.Action `json:"actions,omitempty"`
	Message string            `json:"message,omitempty"`
}

// Decision is the canonical post-normalization shape.
type Decision struct {
	Status    string
	Message   string
	Actions   []registry.Action
	Reasoning json.RawMessage
	Evidence  json.RawMessage
}

var successStatuses = map[string]bool{
	"ok":        true,
	"success":   true,
	"completed": true,
}

// Propose asks the service for actions. Any transport failure,
// non-2xx status, or unknown decision status is an error; the caller
// routes it into the retry path like any other handler failure.
func (c *Client) Propose(ctx context.Context, req Request) (Decision, error) {
	if req.Source == "" {
		req.Source = c.cfg.Source
	}
	data, err := json.Marshal(req)
	if err != nil {
		return Decision{}, fmt.Errorf("marshal reasoning request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return Decision{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	res, err := c.client.Do(httpReq)
	if err != nil {
		return Decision{}, fmt.Errorf("reasoning service: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return Decision{}, fmt.Errorf("reasoning service status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	var raw response
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return Decision{}, fmt.Errorf("decode reasoning response: %w", err)
	}
	d := normalize(raw)
	if !successStatuses[d.Status] {
		return Decision{}, fmt.Errorf("reasoning service returned status %q: %s", d.Status, d.Message)
	}
	return d, nil
}

func normalize(raw response) Decision {
	d := Decision{
		Status:    raw.Status,
		Message:   raw.Message,
		Actions:   raw.Actions,
		Reasoning: raw.Reasoning,
		Evidence:  raw.Evidence,
	}
	if raw.Result != nil {
		if len(d.Actions) == 0 {
			d.Actions = raw.Result.Actions
		}
		if d.Message == "" {
			d.Message = raw.Result.Message
		}
	}
	return d
}
