// Package resolver delivers human replies to approval gates over two racing
// channels: a push handler fed by chat webhooks and a poller that reads the
// chat thread. Both normalize the reply and call the same gate Resolve, so
// the first one to arrive wins and the other is discarded.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"mealplanner/internal/decision"
	"mealplanner/internal/domain"
	"mealplanner/internal/gate"
)

// Channel names recorded on resolved gates.
const (
	ChannelPush = "push"
	ChannelPoll = "poll"
	ChannelAPI  = "api"
)

// GateResolver is the subset of the gate manager the channels need.
type GateResolver interface {
	Resolve(ctx context.Context, runID, key string, d domain.Decision, channel string) (gate.ResolveStatus, error)
	IsPending(ctx context.Context, runID, key string) (bool, error)
}

// ReplyEvent is one inbound reply together with the correlation of the
// message it answers.
type ReplyEvent struct {
	RunID string
	Key   string
	User  string
	TS    string
	Text  string
}

// Push resolves gates from webhook-delivered replies.
type Push struct {
	Gate   GateResolver
	Logger *slog.Logger
}

func (p Push) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// HandleReply normalizes the reply and resolves the correlated gate.
// AlreadyResolved and NotFound are logged and returned without error; an
// event lacking correlation yields decision.ErrMalformed.
func (p Push) HandleReply(ctx context.Context, ev ReplyEvent) (gate.ResolveStatus, error) {
	if strings.TrimSpace(ev.RunID) == "" || strings.TrimSpace(ev.Key) == "" {
		p.logger().Warn("reply without gate correlation dropped", "ts", ev.TS, "user", ev.User)
		return "", fmt.Errorf("%w: missing run id or gate key", decision.ErrMalformed)
	}
	d := decision.Normalize(ev.Text)
	status, err := p.Gate.Resolve(ctx, ev.RunID, ev.Key, d, ChannelPush)
	if err != nil {
		p.logger().Error("push resolve failed", "run_id", ev.RunID, "key", ev.Key, "error", err)
		return "", err
	}
	switch status {
	case gate.Resolved:
		p.logger().Info("gate resolved by push reply", "run_id", ev.RunID, "key", ev.Key, "user", ev.User, "approved", d.Approved)
	default:
		p.logger().Info("push reply discarded", "run_id", ev.RunID, "key", ev.Key, "status", string(status))
	}
	return status, nil
}
