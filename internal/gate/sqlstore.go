package gate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mealplanner/internal/domain"
)

// TimeLayout is fixed-width so that stored timestamps compare lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(TimeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(TimeLayout, s) }

// SQLStore keeps gates in the gates table of the workspace database.
type SQLStore struct {
	DB *sql.DB
}

const gateColumns = `run_id,gate_key,status,decision_json,channel,created_at,deadline,resolved_at`

func (s SQLStore) Create(ctx context.Context, h domain.GateHandle) (domain.Gate, bool, error) {
	res, err := s.DB.ExecContext(ctx, `INSERT INTO gates(run_id,gate_key,status,created_at,deadline) VALUES (?,?,?,?,?)
ON CONFLICT(run_id,gate_key) DO NOTHING`,
		h.RunID, h.Key, string(domain.GatePending), formatTime(h.CreatedAt), formatTime(h.Deadline))
	if err != nil {
		return domain.Gate{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Gate{}, false, err
	}
	g, err := s.Get(ctx, h.RunID, h.Key)
	if err != nil {
		return domain.Gate{}, false, err
	}
	return g, n == 1, nil
}

func (s SQLStore) Get(ctx context.Context, runID, key string) (domain.Gate, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+gateColumns+` FROM gates WHERE run_id=? AND gate_key=?`, runID, key)
	return scanGate(row)
}

func (s SQLStore) List(ctx context.Context, runID string) ([]domain.Gate, error) {
	q := `SELECT ` + gateColumns + ` FROM gates`
	var args []any
	if runID != "" {
		q += ` WHERE run_id=?`
		args = append(args, runID)
	}
	q += ` ORDER BY created_at, gate_key`
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Gate
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (s SQLStore) CompareAndResolve(ctx context.Context, runID, key string, d domain.Decision, channel string, at time.Time) (bool, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return false, fmt.Errorf("marshal decision: %w", err)
	}
	now := formatTime(at)
	res, err := s.DB.ExecContext(ctx, `UPDATE gates SET status=?, decision_json=?, channel=?, resolved_at=?
WHERE run_id=? AND gate_key=? AND status=? AND deadline > ?`,
		string(domain.GateResolved), string(data), channel, now, runID, key, string(domain.GatePending), now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s SQLStore) CompareAndExpire(ctx context.Context, runID, key string, at time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE gates SET status=?, resolved_at=? WHERE run_id=? AND gate_key=? AND status=?`,
		string(domain.GateExpired), formatTime(at), runID, key, string(domain.GatePending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGate(row rowScanner) (domain.Gate, error) {
	var g domain.Gate
	var status, createdAt, deadline string
	var decision, channel, resolvedAt sql.NullString
	err := row.Scan(&g.RunID, &g.Key, &status, &decision, &channel, &createdAt, &deadline, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.Status = domain.GateStatus(status)
	if g.CreatedAt, err = parseTime(createdAt); err != nil {
		return g, fmt.Errorf("gate created_at: %w", err)
	}
	if g.Deadline, err = parseTime(deadline); err != nil {
		return g, fmt.Errorf("gate deadline: %w", err)
	}
	if decision.Valid {
		var d domain.Decision
		if err := json.Unmarshal([]byte(decision.String), &d); err != nil {
			return g, fmt.Errorf("gate decision: %w", err)
		}
		g.Decision = &d
	}
	g.Channel = channel.String
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt.String)
		if err != nil {
			return g, fmt.Errorf("gate resolved_at: %w", err)
		}
		g.ResolvedAt = &t
	}
	return g, nil
}
