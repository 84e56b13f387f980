package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended to the run log.
const (
	RunStarted     = "run.started"
	RunCompleted   = "run.completed"
	RunAbandoned   = "run.abandoned"
	RunFailed      = "run.failed"
	PlanGenerated  = "plan.generated"
	PlanPresented  = "plan.presented"
	GateOpened     = "gate.opened"
	GateResolved   = "gate.resolved"
	GateExpired    = "gate.expired"
	TasksCreated   = "tasks.created"
	AccessDenied   = "security.access_denied"
	ReportStored   = "report.stored"
	ReplyDiscarded = "reply.discarded"
)

// SystemActor is recorded when no human actor is attached to an event.
const SystemActor = "system"

var entityKinds = map[string]string{
	RunStarted:     "run",
	RunCompleted:   "run",
	RunAbandoned:   "run",
	RunFailed:      "run",
	PlanGenerated:  "plan",
	PlanPresented:  "plan",
	GateOpened:     "gate",
	GateResolved:   "gate",
	GateExpired:    "gate",
	TasksCreated:   "task",
	AccessDenied:   "security",
	ReportStored:   "report",
	ReplyDiscarded: "reply",
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event inside tx, or directly against DB when tx is nil.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, runID, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = SystemActor
	}
	kind, ok := entityKinds[evtType]
	if !ok {
		kind = "run"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	const q = `INSERT INTO events(ts,type,run_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`
	args := []any{ts, evtType, nullable(runID), kind, nullable(entityID), actorID, string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, q, args...)
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
