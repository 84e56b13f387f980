package todoist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAccessDenied is matched by every destination guard refusal.
var ErrAccessDenied = errors.New("task creation restricted to the grocery project")

type AccessDeniedError struct {
	Attempted string
	Allowed   string
}

func (e *AccessDeniedError) Error() string {
	allowed := e.Allowed
	if allowed == "" {
		allowed = "<unconfigured>"
	}
	return fmt.Sprintf("%s: attempted project %q, allowed project %s", ErrAccessDenied, e.Attempted, allowed)
}

func (e *AccessDeniedError) Unwrap() error { return ErrAccessDenied }

// Guard admits tasks only for the single allow-listed project.
type Guard struct {
	AllowedProjectID string
	Logger           *slog.Logger
	// OnDenied is called for every refusal, after logging.
	OnDenied func(ctx context.Context, attempted, allowed string)
}

func (g Guard) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

// Check validates a destination and writes the audit trail.
func (g Guard) Check(ctx context.Context, projectID, content string) error {
	if g.AllowedProjectID == "" || projectID != g.AllowedProjectID {
		g.logger().ErrorContext(ctx, "SECURITY: attempted task creation in wrong project",
			"attempted_project_id", projectID,
			"allowed_project_id", g.AllowedProjectID,
			"security_incident", true,
		)
		if g.OnDenied != nil {
			g.OnDenied(ctx, projectID, g.AllowedProjectID)
		}
		return &AccessDeniedError{Attempted: projectID, Allowed: g.AllowedProjectID}
	}
	g.logger().InfoContext(ctx, "task creation validated",
		"project_id", projectID,
		"task_content", content,
		"audit_trail", true,
	)
	return nil
}
