// Package planner runs the meal-plan approval loop: generate a plan, present
// it for approval, suspend on a gate until a decision arrives, then either
// finish or regenerate with the reviewer's feedback.
package planner

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mealplanner/internal/domain"
	"mealplanner/internal/events"
	"mealplanner/internal/gate"
	"mealplanner/internal/metrics"
	"mealplanner/internal/repo"
	"mealplanner/internal/report"
	"mealplanner/internal/resolver"
	"mealplanner/internal/todoist"
)

const (
	DefaultMaxAttempts = 3
	DefaultTimeout     = 24 * time.Hour
)

var ErrRunNotResumable = errors.New("run is not awaiting approval")

type PreferenceParser interface {
	ParsePreferences(ctx context.Context, text string) (domain.Preferences, error)
}

type Generator interface {
	GeneratePlan(ctx context.Context, prefs domain.Preferences, feedback *string) (domain.Plan, error)
}

// Presenter posts a plan for approval and returns the thread replies land in.
type Presenter interface {
	PostPlan(ctx context.Context, plan domain.Plan, h domain.GateHandle, attempt int) (domain.ThreadRef, error)
}

type TaskWriter interface {
	CreateTasks(ctx context.Context, plan domain.Plan) ([]domain.TaskRef, error)
}

type Notifier interface {
	PostFinal(ctx context.Context, plan domain.Plan, outcome domain.Outcome) error
	PostAbandoned(ctx context.Context, runID string, thread *domain.ThreadRef, reason string) error
}

type Gate interface {
	Open(ctx context.Context, runID, key string, timeout time.Duration) (domain.Gate, error)
	Pause(ctx context.Context, runID, key string, timeout time.Duration) (domain.Decision, error)
}

// PollLauncher starts the detached poll channel for one round.
type PollLauncher interface {
	Launch(runID, key string, thread domain.ThreadRef, deadline time.Time) <-chan resolver.PollResult
}

// Controller drives runs. Reports and Poller are optional.
type Controller struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Parser    PreferenceParser
	Generator Generator
	Presenter Presenter
	Gate      Gate
	Poller    PollLauncher
	Tasks     TaskWriter
	Notifier  Notifier
	Reports   report.Store
	Metrics   *metrics.Recorder
	Logger    *slog.Logger

	// MaxAttempts bounds regenerations after the first plan; zero disables
	// them. Negative values fall back to DefaultMaxAttempts.
	MaxAttempts int
	Timeout     time.Duration
	Now         func() time.Time
}

// Result describes a finished run.
type Result struct {
	RunID     string           `json:"run_id"`
	Outcome   domain.Outcome   `json:"outcome"`
	Attempt   int              `json:"attempt"`
	Plan      domain.Plan      `json:"plan"`
	Feedback  *string          `json:"feedback,omitempty"`
	Tasks     []domain.TaskRef `json:"tasks"`
	ReportURI string           `json:"report_uri,omitempty"`
}

// GateKey names the gate of an approval round.
func GateKey(attempt int) string {
	return fmt.Sprintf("round-%d", attempt)
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Controller) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Controller) maxAttempts() int {
	if c.MaxAttempts < 0 {
		return DefaultMaxAttempts
	}
	return c.MaxAttempts
}

func (c *Controller) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// round is the controller's regeneration state.
type round struct {
	runID    string
	prefs    domain.Preferences
	attempt  int
	feedback *string
	plan     domain.Plan
	// planFeedback is the feedback plan was generated from.
	planFeedback *string
	thread       *domain.ThreadRef
	// resumed skips generation and presentation for the first round.
	resumed bool
}

// Run starts a new run for the preference text. An empty runID gets a fresh id.
func (c *Controller) Run(ctx context.Context, runID, prefsText string) (Result, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	if err := c.startRun(ctx, runID, prefsText); err != nil {
		return Result{}, err
	}
	log := c.logger().With("run_id", runID)
	log.Info("run started")

	prefs, err := c.Parser.ParsePreferences(ctx, prefsText)
	if err != nil {
		return Result{RunID: runID}, c.fail(ctx, runID, fmt.Errorf("parse preferences: %w", err))
	}
	log.Info("preferences parsed", "cuisines", prefs.Cuisines, "serves", prefs.Serves)
	return c.loop(ctx, &round{runID: runID, prefs: prefs})
}

// Resume re-attaches to the pending round of a run that was awaiting approval
// when its process stopped. A decision recorded in the meantime is picked up
// immediately.
func (c *Controller) Resume(ctx context.Context, runID string) (Result, error) {
	run, err := c.Repo.GetRun(ctx, runID)
	if err != nil {
		return Result{}, err
	}
	if run.Status != domain.RunAwaitingApproval || run.PlanJSON == nil {
		return Result{}, fmt.Errorf("%w: %s is %s", ErrRunNotResumable, runID, run.Status)
	}
	st := &round{runID: runID, attempt: run.Attempt, resumed: true}
	if err := json.Unmarshal([]byte(*run.PlanJSON), &st.plan); err != nil {
		return Result{}, fmt.Errorf("decode stored plan: %w", err)
	}
	st.prefs, err = c.Parser.ParsePreferences(ctx, run.Preferences)
	if err != nil {
		return Result{RunID: runID}, c.fail(ctx, runID, fmt.Errorf("parse preferences: %w", err))
	}
	st.feedback, st.thread = c.lastRoundContext(ctx, runID)
	st.planFeedback = st.feedback
	c.logger().Info("resuming run", "run_id", runID, "key", GateKey(st.attempt))
	return c.loop(ctx, st)
}

func (c *Controller) loop(ctx context.Context, st *round) (Result, error) {
	log := c.logger().With("run_id", st.runID)
	limit := c.maxAttempts()
	outcome := domain.OutcomeRejected
	for {
		key := GateKey(st.attempt)
		if st.resumed {
			st.resumed = false
			if st.thread != nil {
				if g, err := c.Gate.Open(ctx, st.runID, key, c.timeout()); err == nil && g.Status == domain.GatePending && c.Poller != nil {
					c.Poller.Launch(st.runID, key, *st.thread, g.Deadline)
				}
			}
		} else if err := c.presentRound(ctx, st, key); err != nil {
			return Result{RunID: st.runID}, c.fail(ctx, st.runID, err)
		}

		d, err := c.Gate.Pause(ctx, st.runID, key, c.timeout())
		if err != nil {
			if errors.Is(err, gate.ErrGateTimeout) {
				return Result{RunID: st.runID, Attempt: st.attempt, Plan: st.plan}, c.abandon(ctx, st, err)
			}
			if errors.Is(err, context.Canceled) {
				log.Warn("run interrupted while awaiting approval; resume it later", "key", key)
				return Result{RunID: st.runID, Attempt: st.attempt, Plan: st.plan}, err
			}
			return Result{RunID: st.runID}, c.fail(ctx, st.runID, err)
		}
		c.setStatus(ctx, st.runID, domain.RunRunning)
		log.Info("decision received", "key", key, "approved", d.Approved, "regenerate", d.Regenerate)

		if d.Approved {
			outcome = domain.OutcomeApproved
			break
		}
		if d.Regenerate && d.HasFeedback() {
			st.attempt++
			st.feedback = d.Feedback
			if st.attempt > limit {
				log.Warn("regeneration limit reached; finishing with last plan", "attempts", st.attempt, "max", limit)
				outcome = domain.OutcomeExhausted
				break
			}
			continue
		}
		log.Info("plan rejected without feedback; finishing with last plan")
		break
	}
	return c.finish(ctx, st, outcome)
}

// presentRound generates the plan for the current round, opens its gate,
// posts it and launches the poll channel. The gate is opened before the post
// so a reply can never reach a gate that does not exist yet.
func (c *Controller) presentRound(ctx context.Context, st *round, key string) error {
	log := c.logger().With("run_id", st.runID, "key", key)
	plan, err := c.Generator.GeneratePlan(ctx, st.prefs, st.feedback)
	if err != nil {
		return fmt.Errorf("generate plan: %w", err)
	}
	st.plan = plan
	st.planFeedback = st.feedback
	c.Metrics.PlanGenerated()
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	attempt, pj := st.attempt, string(planJSON)
	if err := c.updateRun(ctx, st.runID, repo.RunUpdate{Attempt: &attempt, PlanJSON: &pj}, events.PlanGenerated, key, events.EventPayload{
		"attempt": st.attempt, "meals": len(plan.Meals), "feedback": st.feedback,
	}); err != nil {
		return err
	}
	log.Info("plan generated", "meals", len(plan.Meals), "attempt", st.attempt)

	g, err := c.Gate.Open(ctx, st.runID, key, c.timeout())
	if err != nil {
		return err
	}
	thread, err := c.Presenter.PostPlan(ctx, plan, g.GateHandle, st.attempt)
	if err != nil {
		return fmt.Errorf("present plan: %w", err)
	}
	st.thread = &thread
	status := domain.RunAwaitingApproval
	if err := c.updateRun(ctx, st.runID, repo.RunUpdate{Status: &status}, events.PlanPresented, key, events.EventPayload{
		"channel": thread.Channel, "ts": thread.TS, "deadline": g.Deadline.UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	if c.Poller != nil {
		c.Poller.Launch(st.runID, key, thread, g.Deadline)
	}
	return nil
}

func (c *Controller) finish(ctx context.Context, st *round, outcome domain.Outcome) (Result, error) {
	log := c.logger().With("run_id", st.runID)
	res := Result{RunID: st.runID, Outcome: outcome, Attempt: st.attempt, Plan: st.plan, Feedback: st.planFeedback}

	tasks, err := c.Tasks.CreateTasks(ctx, st.plan)
	if err != nil {
		var denied *todoist.AccessDeniedError
		if errors.As(err, &denied) {
			if err := c.Events.Append(context.WithoutCancel(ctx), nil, events.AccessDenied, st.runID, st.runID, "", events.EventPayload{
				"attempted_project_id": denied.Attempted,
			}); err != nil {
				log.Error("record access denied event", "error", err, "security_incident", true)
			}
		}
		return res, c.fail(ctx, st.runID, fmt.Errorf("create tasks: %w", err))
	}
	res.Tasks = tasks
	count := len(tasks)
	if err := c.updateRun(ctx, st.runID, repo.RunUpdate{TaskCount: &count}, events.TasksCreated, st.runID, events.EventPayload{"count": count}); err != nil {
		return res, c.fail(ctx, st.runID, err)
	}

	if err := c.Notifier.PostFinal(ctx, st.plan, outcome); err != nil {
		return res, c.fail(ctx, st.runID, fmt.Errorf("post final plan: %w", err))
	}

	if c.Reports != nil {
		doc := report.Render(report.Report{RunID: st.runID, Outcome: outcome, Attempt: st.attempt, Feedback: st.planFeedback, Plan: st.plan, Tasks: tasks})
		uri, err := c.Reports.Put(ctx, report.Key(st.runID), []byte(doc))
		if err != nil {
			log.Warn("report upload failed", "error", err)
		} else {
			res.ReportURI = uri
			if err := c.updateRun(ctx, st.runID, repo.RunUpdate{ReportURI: &uri}, events.ReportStored, st.runID, events.EventPayload{"uri": uri}); err != nil {
				log.Warn("record report failed", "error", err)
			}
		}
	}

	status, oc := domain.RunCompleted, string(outcome)
	if err := c.updateRun(ctx, st.runID, repo.RunUpdate{Status: &status, Outcome: &oc, Completed: true}, events.RunCompleted, st.runID, events.EventPayload{
		"outcome": oc, "attempt": st.attempt, "tasks": count,
	}); err != nil {
		return res, err
	}
	c.Metrics.RunFinished(domain.RunCompleted)
	log.Info("run completed", "outcome", oc, "attempt", st.attempt, "tasks", count)
	return res, nil
}

func (c *Controller) abandon(ctx context.Context, st *round, cause error) error {
	ctx = context.WithoutCancel(ctx)
	log := c.logger().With("run_id", st.runID)
	if err := c.Notifier.PostAbandoned(ctx, st.runID, st.thread, "no approval received before the deadline"); err != nil {
		log.Warn("abandonment notice failed", "error", err)
	}
	status, msg := domain.RunAbandoned, cause.Error()
	if err := c.updateRun(ctx, st.runID, repo.RunUpdate{Status: &status, Error: &msg, Completed: true}, events.RunAbandoned, st.runID, events.EventPayload{
		"attempt": st.attempt, "reason": msg,
	}); err != nil {
		log.Error("record abandoned run failed", "error", err)
	}
	c.Metrics.RunFinished(domain.RunAbandoned)
	log.Warn("run abandoned", "attempt", st.attempt)
	return cause
}

func (c *Controller) fail(ctx context.Context, runID string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	status, msg := domain.RunFailed, cause.Error()
	if err := c.updateRun(ctx, runID, repo.RunUpdate{Status: &status, Error: &msg, Completed: true}, events.RunFailed, runID, events.EventPayload{"error": msg}); err != nil {
		c.logger().Error("record failed run failed", "run_id", runID, "error", err)
	}
	c.Metrics.RunFinished(domain.RunFailed)
	c.logger().Error("run failed", "run_id", runID, "error", cause)
	return cause
}

func (c *Controller) startRun(ctx context.Context, runID, prefsText string) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ts := c.now().UTC().Format(time.RFC3339)
	if err := c.Repo.InsertRun(ctx, tx, domain.Run{ID: runID, Status: domain.RunRunning, Preferences: prefsText, CreatedAt: ts, UpdatedAt: ts}); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if err := c.Events.Append(ctx, tx, events.RunStarted, runID, runID, "", events.EventPayload{"max_attempts": c.maxAttempts()}); err != nil {
		return err
	}
	return tx.Commit()
}

// updateRun applies u and appends an event in one transaction.
func (c *Controller) updateRun(ctx context.Context, runID string, u repo.RunUpdate, evtType, entityID string, payload events.EventPayload) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := c.Repo.UpdateRun(ctx, tx, runID, u, c.now()); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if err := c.Events.Append(ctx, tx, evtType, runID, entityID, "", payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *Controller) setStatus(ctx context.Context, runID, status string) {
	if err := c.Repo.UpdateRun(ctx, nil, runID, repo.RunUpdate{Status: &status}, c.now()); err != nil {
		c.logger().Warn("update run status failed", "run_id", runID, "status", status, "error", err)
	}
}

// lastRoundContext recovers the feedback and thread of the latest round from
// the event log.
func (c *Controller) lastRoundContext(ctx context.Context, runID string) (*string, *domain.ThreadRef) {
	var feedback *string
	var thread *domain.ThreadRef
	if evts, err := c.Repo.LatestEvents(ctx, 1, 0, runID, events.PlanGenerated); err == nil && len(evts) == 1 {
		var p struct {
			Feedback *string `json:"feedback"`
		}
		if json.Unmarshal([]byte(evts[0].Payload), &p) == nil {
			feedback = p.Feedback
		}
	}
	if evts, err := c.Repo.LatestEvents(ctx, 1, 0, runID, events.PlanPresented); err == nil && len(evts) == 1 {
		var t domain.ThreadRef
		if json.Unmarshal([]byte(evts[0].Payload), &t) == nil && t.TS != "" {
			thread = &t
		}
	}
	return feedback, thread
}
