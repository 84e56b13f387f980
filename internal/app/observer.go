package app

import (
	"context"
	"log/slog"
	"time"

	"mealplanner/internal/domain"
	"mealplanner/internal/events"
	"mealplanner/internal/gate"
	"mealplanner/internal/metrics"
)

// GateObserver records gate transitions in the event log and in metrics.
// Event log failures are logged; they never fail the gate operation.
type GateObserver struct {
	Events  events.Writer
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

func (o GateObserver) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o GateObserver) append(ctx context.Context, evtType, runID, key string, payload events.EventPayload) {
	if err := o.Events.Append(context.WithoutCancel(ctx), nil, evtType, runID, key, "", payload); err != nil {
		o.logger().Error("append gate event failed", "type", evtType, "run_id", runID, "key", key, "error", err)
	}
}

func (o GateObserver) GateOpened(ctx context.Context, g domain.Gate) {
	o.Metrics.GateOpened()
	o.append(ctx, events.GateOpened, g.RunID, g.Key, events.EventPayload{
		"deadline": g.Deadline.UTC().Format(time.RFC3339),
	})
}

func (o GateObserver) GateResolved(ctx context.Context, g domain.Gate) {
	var waited time.Duration
	if g.ResolvedAt != nil {
		waited = g.ResolvedAt.Sub(g.CreatedAt)
	}
	o.Metrics.GateResolution(g.Channel, string(gate.Resolved), waited)
	payload := events.EventPayload{"channel": g.Channel}
	if d := g.Decision; d != nil {
		payload["approved"] = d.Approved
		payload["regenerate"] = d.Regenerate
		if d.Feedback != nil {
			payload["feedback"] = *d.Feedback
		}
	}
	o.append(ctx, events.GateResolved, g.RunID, g.Key, payload)
}

// GateRejected records a late or unknown resolution attempt, for example the
// losing side of a push/poll race.
func (o GateObserver) GateRejected(ctx context.Context, runID, key, channel string, status gate.ResolveStatus) {
	o.Metrics.GateResolution(channel, string(status), 0)
	if status == gate.NotFound {
		o.logger().Info("resolution for unknown gate", "run_id", runID, "key", key, "channel", channel)
		return
	}
	o.append(ctx, events.ReplyDiscarded, runID, key, events.EventPayload{
		"channel": channel,
		"status":  string(status),
	})
}

func (o GateObserver) GateExpired(ctx context.Context, runID, key string) {
	o.Metrics.GateExpired()
	o.append(ctx, events.GateExpired, runID, key, nil)
}
