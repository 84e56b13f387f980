// Package slack posts meal plans for approval, reads thread replies and
// verifies Events API deliveries. It talks to the Slack Web API directly.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"mealplanner/internal/domain"
	"mealplanner/internal/metrics"
	"mealplanner/internal/retry"
)

const (
	DefaultBaseURL = "https://slack.com/api/"
	repliesLimit   = 10
)

type Config struct {
	Token     string
	ChannelID string
	BaseURL   string
	// RequestsPerSecond caps Web API calls across all pollers of the process.
	RequestsPerSecond float64
	Burst             int
	Retry             retry.Config
	HTTPClient        *http.Client
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
}

type Client struct {
	token   string
	channel string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	policy  retry.Policy
	logger  *slog.Logger
	metrics *metrics.Recorder
}

func New(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("slack bot token is required")
	}
	if cfg.ChannelID == "" {
		return nil, errors.New("slack channel id is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 3
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		token:   cfg.Token,
		channel: cfg.ChannelID,
		baseURL: base,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		policy:  retry.NewPolicy(cfg.Retry, nil),
		logger:  logger,
		metrics: cfg.Metrics,
	}, nil
}

type apiResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Channel string `json:"channel,omitempty"`
	TS      string `json:"ts,omitempty"`
}

type apiMessage struct {
	Type     string    `json:"type"`
	Subtype  string    `json:"subtype,omitempty"`
	User     string    `json:"user,omitempty"`
	BotID    string    `json:"bot_id,omitempty"`
	Text     string    `json:"text"`
	TS       string    `json:"ts"`
	ThreadTS string    `json:"thread_ts,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

type repliesResponse struct {
	apiResponse
	Messages []apiMessage `json:"messages"`
}

type postMessageRequest struct {
	Channel  string    `json:"channel"`
	Text     string    `json:"text"`
	Mrkdwn   bool      `json:"mrkdwn"`
	ThreadTS string    `json:"thread_ts,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// PostPlan posts an approval request tagged with the gate it belongs to.
func (c *Client) PostPlan(ctx context.Context, plan domain.Plan, h domain.GateHandle, attempt int) (domain.ThreadRef, error) {
	req := postMessageRequest{
		Channel: c.channel,
		Text:    FormatApprovalRequest(plan, attempt),
		Mrkdwn:  true,
		Metadata: &Metadata{
			EventType:    ApprovalEventType,
			EventPayload: MetadataPayload{RunID: h.RunID, GateKey: h.Key},
		},
	}
	resp, err := c.postMessage(ctx, "post_plan", req)
	if err != nil {
		return domain.ThreadRef{}, err
	}
	channel := resp.Channel
	if channel == "" {
		channel = c.channel
	}
	c.logger.Info("posted meal plan for approval", "run_id", h.RunID, "key", h.Key, "channel", channel, "ts", resp.TS)
	return domain.ThreadRef{Channel: channel, TS: resp.TS}, nil
}

// PostFinal posts the full final plan followed by the grocery list.
func (c *Client) PostFinal(ctx context.Context, plan domain.Plan, outcome domain.Outcome) error {
	if _, err := c.postMessage(ctx, "post_final", postMessageRequest{Channel: c.channel, Text: FormatFinalPlan(plan, outcome), Mrkdwn: true}); err != nil {
		return err
	}
	return c.PostGroceryList(ctx, plan)
}

func (c *Client) PostGroceryList(ctx context.Context, plan domain.Plan) error {
	_, err := c.postMessage(ctx, "post_grocery_list", postMessageRequest{Channel: c.channel, Text: FormatGroceryList(plan), Mrkdwn: true})
	return err
}

// PostAbandoned tells the channel a run gave up waiting, in the last
// approval thread when one exists.
func (c *Client) PostAbandoned(ctx context.Context, runID string, thread *domain.ThreadRef, reason string) error {
	req := postMessageRequest{Channel: c.channel, Text: FormatAbandoned(runID, reason), Mrkdwn: true}
	if thread != nil {
		req.Channel = thread.Channel
		req.ThreadTS = thread.TS
	}
	_, err := c.postMessage(ctx, "post_abandoned", req)
	return err
}

// FetchReplies returns human replies in thread newer than since, oldest first.
func (c *Client) FetchReplies(ctx context.Context, thread domain.ThreadRef, since string) ([]domain.Reply, error) {
	q := url.Values{}
	q.Set("channel", thread.Channel)
	q.Set("ts", thread.TS)
	q.Set("oldest", since)
	q.Set("limit", fmt.Sprint(repliesLimit))
	var resp repliesResponse
	if err := c.call(ctx, "fetch_replies", http.MethodGet, "conversations.replies", q, nil, &resp); err != nil {
		return nil, err
	}
	var out []domain.Reply
	for _, m := range resp.Messages {
		if m.TS == thread.TS || m.BotID != "" || !humanSubtype(m.Subtype) {
			continue
		}
		if since != "" && !domain.TSLess(since, m.TS) {
			continue
		}
		out = append(out, domain.Reply{TS: m.TS, User: m.User, Text: m.Text})
	}
	sort.SliceStable(out, func(i, j int) bool { return domain.TSLess(out[i].TS, out[j].TS) })
	return out, nil
}

// ThreadCorrelation reads the approval metadata of a thread's parent message.
func (c *Client) ThreadCorrelation(ctx context.Context, channel, threadTS string) (string, string, error) {
	q := url.Values{}
	q.Set("channel", channel)
	q.Set("ts", threadTS)
	q.Set("limit", "1")
	q.Set("include_all_metadata", "true")
	var resp repliesResponse
	if err := c.call(ctx, "thread_correlation", http.MethodGet, "conversations.replies", q, nil, &resp); err != nil {
		return "", "", err
	}
	for _, m := range resp.Messages {
		if m.TS == threadTS {
			return m.Metadata.Correlation()
		}
	}
	return "", "", ErrNoCorrelation
}

func (c *Client) postMessage(ctx context.Context, op string, req postMessageRequest) (apiResponse, error) {
	var resp apiResponse
	if err := c.call(ctx, op, http.MethodPost, "chat.postMessage", nil, req, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// permanentErrors are Slack error codes that retrying cannot fix.
var permanentErrors = map[string]bool{
	"invalid_auth":      true,
	"not_authed":        true,
	"account_inactive":  true,
	"token_revoked":     true,
	"channel_not_found": true,
	"not_in_channel":    true,
	"thread_not_found":  true,
	"missing_scope":     true,
	"invalid_arguments": true,
	"msg_too_long":      true,
	"invalid_metadata":  true,
}

func (c *Client) call(ctx context.Context, op, method, apiMethod string, query url.Values, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal %s: %w", apiMethod, err)
		}
	}
	err := c.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		start := time.Now()
		err := c.do(ctx, method, apiMethod, query, payload, out)
		c.metrics.ObserveCall("slack", op, err, time.Since(start))
		if err != nil {
			c.logger.Warn("slack call failed", "method", apiMethod, "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("slack %s: %w", apiMethod, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, apiMethod string, query url.Values, payload []byte, out any) error {
	endpoint := c.baseURL + apiMethod
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &retry.StatusError{Service: "slack", Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	var status apiResponse
	if err := json.Unmarshal(data, &status); err != nil {
		return fmt.Errorf("decode %s: %w", apiMethod, err)
	}
	if !status.OK {
		if status.Error == "ratelimited" {
			return &retry.StatusError{Service: "slack", Code: http.StatusTooManyRequests, Body: status.Error}
		}
		apiErr := fmt.Errorf("slack api error: %s", status.Error)
		if permanentErrors[status.Error] {
			return retry.Permanent(apiErr)
		}
		return apiErr
	}
	return json.Unmarshal(data, out)
}
