package resolver

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"mealplanner/internal/decision"
	"mealplanner/internal/domain"
	"mealplanner/internal/gate"
	"mealplanner/internal/metrics"
)

// ThreadReader returns replies in a thread posted after since, excluding the
// parent message and bot messages.
type ThreadReader interface {
	FetchReplies(ctx context.Context, thread domain.ThreadRef, since string) ([]domain.Reply, error)
}

// PollOutcome says why a poll loop stopped.
type PollOutcome string

const (
	PollResolved PollOutcome = "reply"
	PollDeadline PollOutcome = "deadline"
	PollClosed   PollOutcome = "gate_closed"
)

type PollResult struct {
	Outcome PollOutcome
	Status  gate.ResolveStatus
	Reply   *domain.Reply
}

const DefaultPollInterval = 30 * time.Second

// Poller watches a chat thread for the first reply to a round.
type Poller struct {
	Reader   ThreadReader
	Gate     GateResolver
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

func (p Poller) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Launch starts a detached poll loop bounded by deadline and returns
// immediately. The loop is not tied to any caller context; it ends on the
// first reply, at the deadline, or once the gate is closed by another channel.
// The returned channel receives the result and is then closed.
func (p Poller) Launch(runID, key string, thread domain.ThreadRef, deadline time.Time) <-chan PollResult {
	out := make(chan PollResult, 1)
	go func() {
		defer close(out)
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		defer cancel()
		out <- p.Run(ctx, runID, key, thread)
	}()
	return out
}

// Run polls until ctx ends or a reply has been delivered.
func (p Poller) Run(ctx context.Context, runID, key string, thread domain.ThreadRef) PollResult {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	log := p.logger().With("run_id", runID, "key", key, "thread_ts", thread.TS)
	log.Info("polling thread for approval", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if pending, err := p.Gate.IsPending(ctx, runID, key); err == nil && !pending {
			log.Info("gate closed; poller stopping")
			return PollResult{Outcome: PollClosed}
		}

		replies, err := p.Reader.FetchReplies(ctx, thread, thread.TS)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				break
			}
			p.Metrics.PollFetch("error")
			log.Warn("thread poll failed; retrying next tick", "error", err)
		case len(replies) == 0:
			p.Metrics.PollFetch("empty")
		default:
			p.Metrics.PollFetch("ok")
			SortReplies(replies)
			reply := replies[0]
			d := decision.Normalize(reply.Text)
			status, err := p.Gate.Resolve(ctx, runID, key, d, ChannelPoll)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				log.Warn("poll resolve failed; retrying next tick", "error", err)
				break
			}
			log.Info("poll delivered reply", "reply_ts", reply.TS, "status", string(status), "approved", d.Approved)
			return PollResult{Outcome: PollResolved, Status: status, Reply: &reply}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				log.Info("poll deadline reached without reply")
			}
			return PollResult{Outcome: PollDeadline}
		case <-ticker.C:
		}
	}
}

// SortReplies orders replies oldest-first by chat timestamp.
func SortReplies(replies []domain.Reply) {
	sort.SliceStable(replies, func(i, j int) bool { return domain.TSLess(replies[i].TS, replies[j].TS) })
}
