// Package client talks to a running prdash server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joescharf/prdash/internal/events"
	"github.com/joescharf/prdash/internal/jobs"
	"github.com/joescharf/prdash/internal/models"
	"github.com/joescharf/prdash/internal/sessions"
)

// DefaultURL is where a local server listens unless configured otherwise.
const DefaultURL = "http://127.0.0.1:7777"

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client is a thin JSON client for the REST API.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the server at baseURL.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// BaseURL returns the server URL this client talks to.
func (c *Client) BaseURL() string { return c.base }

// wsURL maps the HTTP base URL onto the WebSocket event endpoint.
func (c *Client) wsURL() string {
	u := c.base
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/api/v1/ws"
}

// Watch subscribes to the server's event stream and calls fn for every event
// until ctx is cancelled, the connection drops, or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(events.Event) error) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Dispatch starts a new agent session.
func (c *Client) Dispatch(ctx context.Context, req sessions.DispatchRequest) (*sessions.DispatchResult, error) {
	var res sessions.DispatchResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListSessions returns all session summaries.
func (c *Client) ListSessions(ctx context.Context) ([]models.SessionSummary, error) {
	var out []models.SessionSummary
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSession returns one session with its messages.
func (c *Client) GetSession(ctx context.Context, id string) (*models.AgentSession, error) {
	var out models.AgentSession
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelSession requests cancellation and returns the resulting status.
func (c *Client) CancelSession(ctx context.Context, id string) (models.SessionStatus, error) {
	var out struct {
		Status models.SessionStatus `json:"status"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(id)+"/cancel", nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// ReportJob posts a job status transition.
func (c *Client) ReportJob(ctx context.Context, req jobs.ReportRequest) (*models.Job, error) {
	var out models.Job
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListJobs returns jobs, optionally filtered by repository and number.
func (c *Client) ListJobs(ctx context.Context, repository string, number int) ([]models.Job, error) {
	q := url.Values{}
	if repository != "" {
		q.Set("repository", repository)
	}
	if number > 0 {
		q.Set("number", strconv.Itoa(number))
	}
	path := "/api/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []models.Job
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ClearJobs deletes every job and returns how many were removed.
func (c *Client) ClearJobs(ctx context.Context) (int, error) {
	var out struct {
		Deleted int `json:"deleted"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/v1/jobs", nil, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

// Health returns the server's health document.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
