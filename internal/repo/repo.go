package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"mealplanner/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const runColumns = `id,status,preferences,attempt,COALESCE(outcome,''),plan_json,task_count,error,report_uri,created_at,updated_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var planJSON, errText, reportURI, completedAt sql.NullString
	err := row.Scan(&run.ID, &run.Status, &run.Preferences, &run.Attempt, &run.Outcome, &planJSON,
		&run.TaskCount, &errText, &reportURI, &run.CreatedAt, &run.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.PlanJSON = nullStringPtr(planJSON)
	run.Error = nullStringPtr(errText)
	run.ReportURI = nullStringPtr(reportURI)
	run.CompletedAt = nullStringPtr(completedAt)
	return run, nil
}

func (r Repo) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return r.DB.ExecContext(ctx, query, args...)
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	if run.ID == "" {
		return errors.New("id required")
	}
	if run.CreatedAt == "" {
		run.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if run.UpdatedAt == "" {
		run.UpdatedAt = run.CreatedAt
	}
	_, err := r.exec(ctx, tx, `INSERT INTO runs(id,status,preferences,attempt,task_count,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		run.ID, run.Status, run.Preferences, run.Attempt, run.TaskCount, run.CreatedAt, run.UpdatedAt)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.Run, error) {
	return scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

// ListRuns returns runs newest first, optionally filtered by status.
func (r Repo) ListRuns(ctx context.Context, status string, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// RunUpdate lists the run fields to change; nil fields are left untouched.
type RunUpdate struct {
	Status    *string
	Attempt   *int
	Outcome   *string
	PlanJSON  *string
	TaskCount *int
	Error     *string
	ReportURI *string
	// Completed stamps completed_at with the update time.
	Completed bool
}

func (r Repo) UpdateRun(ctx context.Context, tx *sql.Tx, id string, u RunUpdate, now time.Time) error {
	ts := now.UTC().Format(time.RFC3339)
	fields := []string{"updated_at=?"}
	args := []any{ts}
	if u.Status != nil {
		fields = append(fields, "status=?")
		args = append(args, *u.Status)
	}
	if u.Attempt != nil {
		fields = append(fields, "attempt=?")
		args = append(args, *u.Attempt)
	}
	if u.Outcome != nil {
		fields = append(fields, "outcome=?")
		args = append(args, nullable(*u.Outcome))
	}
	if u.PlanJSON != nil {
		fields = append(fields, "plan_json=?")
		args = append(args, *u.PlanJSON)
	}
	if u.TaskCount != nil {
		fields = append(fields, "task_count=?")
		args = append(args, *u.TaskCount)
	}
	if u.Error != nil {
		fields = append(fields, "error=?")
		args = append(args, nullable(*u.Error))
	}
	if u.ReportURI != nil {
		fields = append(fields, "report_uri=?")
		args = append(args, nullable(*u.ReportURI))
	}
	if u.Completed {
		fields = append(fields, "completed_at=?")
		args = append(args, ts)
	}
	args = append(args, id)
	res, err := r.exec(ctx, tx, fmt.Sprintf(`UPDATE runs SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountRunsByStatus returns the number of runs per status.
func (r Repo) CountRunsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
