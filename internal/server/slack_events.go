package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"mealplanner/internal/gate"
	"mealplanner/internal/resolver"
	"mealplanner/internal/slack"
)

// SlackEventsPath receives Slack Events API deliveries.
const SlackEventsPath = "/slack/events"

const replyHandleTimeout = 30 * time.Second

// ThreadCorrelator maps a thread to the run and gate its parent message was
// posted for.
type ThreadCorrelator interface {
	ThreadCorrelation(ctx context.Context, channel, threadTS string) (runID, key string, err error)
}

// ReplyHandler resolves a gate from a correlated reply.
type ReplyHandler interface {
	HandleReply(ctx context.Context, ev resolver.ReplyEvent) (gate.ResolveStatus, error)
}

type SlackConfig struct {
	// SigningSecret verifies deliveries; empty disables the endpoint.
	SigningSecret string
	Correlator    ThreadCorrelator
	Push          ReplyHandler
	// Wait, when set, tracks in-flight reply handling.
	Wait *sync.WaitGroup
}

type slackEvents struct {
	cfg    SlackConfig
	logger *slog.Logger
	now    func() time.Time
}

func registerSlackEvents(r chi.Router, cfg Config) {
	h := slackEvents{cfg: cfg.Slack, logger: cfg.Logger, now: cfg.Now}
	r.Post(SlackEventsPath, h.serveHTTP)
}

// serveHTTP acknowledges every verified delivery with 200; reply handling
// runs after the response so Slack's delivery deadline is never at risk and
// handling errors are only logged.
func (h slackEvents) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if h.cfg.SigningSecret == "" || h.cfg.Push == nil || h.cfg.Correlator == nil {
		respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "slack_events_disabled", "slack events are not configured", nil))
		return
	}
	body := bodyBytes(r.Context())
	err := slack.VerifySignature(h.cfg.SigningSecret, r.Header.Get(slack.HeaderTimestamp), r.Header.Get(slack.HeaderSignature), body, h.now())
	if err != nil {
		h.logger.Warn("slack delivery rejected", "error", err, "remote_addr", r.RemoteAddr)
		respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_signature", "invalid signature", nil))
		return
	}
	env, err := slack.ParseEnvelope(body)
	if err != nil {
		h.logger.Warn("slack delivery malformed", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	switch env.Type {
	case slack.EnvelopeURLVerification:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"challenge": env.Challenge})
		return
	case slack.EnvelopeEventCallback:
	default:
		w.WriteHeader(http.StatusOK)
		return
	}
	msg, err := env.Message()
	if err != nil {
		h.logger.Warn("slack event malformed", "event_id", env.EventID, "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	if !msg.IsHumanThreadReply() {
		return
	}
	if retry := r.Header.Get("X-Slack-Retry-Num"); retry != "" {
		h.logger.Debug("slack redelivery", "event_id", env.EventID, "retry", retry)
	}
	if h.cfg.Wait != nil {
		h.cfg.Wait.Add(1)
	}
	go func() {
		if h.cfg.Wait != nil {
			defer h.cfg.Wait.Done()
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), replyHandleTimeout)
		defer cancel()
		h.handleReply(ctx, env.EventID, msg)
	}()
}

func (h slackEvents) handleReply(ctx context.Context, eventID string, msg slack.MessageEvent) {
	runID, key, err := h.cfg.Correlator.ThreadCorrelation(ctx, msg.Channel, msg.ThreadTS)
	if err != nil {
		if errors.Is(err, slack.ErrNoCorrelation) {
			h.logger.Debug("thread reply outside approval threads", "channel", msg.Channel, "thread_ts", msg.ThreadTS)
			return
		}
		h.logger.Error("thread correlation failed", "event_id", eventID, "channel", msg.Channel, "thread_ts", msg.ThreadTS, "error", err)
		return
	}
	_, err = h.cfg.Push.HandleReply(ctx, resolver.ReplyEvent{
		RunID: runID,
		Key:   key,
		User:  msg.User,
		TS:    msg.TS,
		Text:  msg.Text,
	})
	if err != nil {
		h.logger.Error("push reply not applied", "event_id", eventID, "run_id", runID, "key", key, "error", err)
	}
}
