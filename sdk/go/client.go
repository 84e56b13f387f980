package mealplannersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Meal Planner admin API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Run mirrors the API run. Plan is left as raw JSON.
type Run struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Preferences string          `json:"preferences"`
	Attempt     int             `json:"attempt"`
	Outcome     string          `json:"outcome,omitempty"`
	Plan        json.RawMessage `json:"plan,omitempty"`
	TaskCount   int             `json:"task_count"`
	Error       *string         `json:"error,omitempty"`
	ReportURI   *string         `json:"report_uri,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
	CompletedAt *string         `json:"completed_at,omitempty"`
}

type Decision struct {
	Approved   bool    `json:"approved"`
	Feedback   *string `json:"feedback,omitempty"`
	Regenerate bool    `json:"regenerate"`
}

type Gate struct {
	RunID      string     `json:"run_id"`
	Key        string     `json:"key"`
	CreatedAt  time.Time  `json:"created_at"`
	Deadline   time.Time  `json:"deadline"`
	Status     string     `json:"status"`
	Decision   *Decision  `json:"decision,omitempty"`
	Channel    string     `json:"channel,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	RunID      string         `json:"run_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// IsAlreadyResolved reports whether err is the conflict returned for a gate
// that is no longer pending.
func IsAlreadyResolved(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "already_resolved"
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Runs lists runs, newest first. An empty status lists all.
func (c *Client) Runs(ctx context.Context, status string, limit int) ([]Run, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("runs", q), nil, &resp)
	return resp.Items, err
}

// Run fetches one run.
func (c *Client) Run(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Gates lists the approval gates of a run.
func (c *Client) Gates(ctx context.Context, runID string) ([]Gate, error) {
	var resp struct {
		Items []Gate `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("runs/%s/gates", url.PathEscape(runID)), nil, &resp)
	return resp.Items, err
}

// ResolveText resolves a gate with reply text, interpreted exactly like a chat reply.
func (c *Client) ResolveText(ctx context.Context, runID, key, text string) (Gate, error) {
	return c.resolve(ctx, runID, key, map[string]any{"text": text})
}

// Resolve resolves a gate with an explicit decision.
func (c *Client) Resolve(ctx context.Context, runID, key string, d Decision) (Gate, error) {
	body := map[string]any{"approved": d.Approved, "regenerate": d.Regenerate}
	if d.Feedback != nil {
		body["feedback"] = *d.Feedback
	}
	return c.resolve(ctx, runID, key, body)
}

func (c *Client) resolve(ctx context.Context, runID, key string, body map[string]any) (Gate, error) {
	var resp struct {
		Status string `json:"status"`
		Gate   Gate   `json:"gate"`
	}
	endpoint := fmt.Sprintf("runs/%s/gates/%s/resolve", url.PathEscape(runID), url.PathEscape(key))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Gate, err
}

// EventsPage returns a page of events, newest first. An empty runID spans all runs.
func (c *Client) EventsPage(ctx context.Context, runID string, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "events"
	if runID != "" {
		endpoint = fmt.Sprintf("runs/%s/events", url.PathEscape(runID))
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(endpoint, q), nil, &resp)
	return resp, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
