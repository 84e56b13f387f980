package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"mealplanner/internal/decision"
	"mealplanner/internal/domain"
)

type StatusResponse struct {
	RunCounts map[string]int `json:"run_counts"`
}

type RunResponse struct {
	ID          string       `json:"id"`
	Status      string       `json:"status" enum:"running,awaiting_approval,completed,abandoned,failed"`
	Preferences string       `json:"preferences"`
	Attempt     int          `json:"attempt"`
	Outcome     string       `json:"outcome,omitempty"`
	Plan        *domain.Plan `json:"plan,omitempty"`
	TaskCount   int          `json:"task_count"`
	Error       *string      `json:"error,omitempty"`
	ReportURI   *string      `json:"report_uri,omitempty"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
	UpdatedAt   string       `json:"updated_at" format:"date-time"`
	CompletedAt *string      `json:"completed_at,omitempty" format:"date-time"`
}

type RunList struct {
	Items []RunResponse `json:"items"`
}

type GateList struct {
	Items []domain.Gate `json:"items"`
}

// ResolveGateRequest carries either reply text or an explicit decision.
type ResolveGateRequest struct {
	Text       *string `json:"text,omitempty" doc:"Reply text, normalized like a chat reply"`
	Approved   *bool   `json:"approved,omitempty"`
	Feedback   *string `json:"feedback,omitempty"`
	Regenerate *bool   `json:"regenerate,omitempty"`
}

func (r ResolveGateRequest) decision() (domain.Decision, error) {
	if r.Text != nil {
		if r.Approved != nil || r.Feedback != nil || r.Regenerate != nil {
			return domain.Decision{}, fmt.Errorf("%w: text and decision fields are exclusive", decision.ErrMalformed)
		}
		if strings.TrimSpace(*r.Text) == "" {
			return domain.Decision{}, fmt.Errorf("%w: text required", decision.ErrMalformed)
		}
		return decision.Normalize(*r.Text), nil
	}
	if r.Approved == nil {
		return domain.Decision{}, fmt.Errorf("%w: text or approved required", decision.ErrMalformed)
	}
	d := domain.Decision{Approved: *r.Approved, Feedback: r.Feedback}
	if r.Regenerate != nil {
		d.Regenerate = *r.Regenerate
	}
	if err := decision.Validate(d); err != nil {
		return domain.Decision{}, err
	}
	return d, nil
}

type ResolveGateResponse struct {
	Status string      `json:"status" enum:"resolved"`
	Gate   domain.Gate `json:"gate"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	RunID      string         `json:"run_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

// Conversion helpers

func runResponse(r domain.Run) RunResponse {
	res := RunResponse{
		ID:          r.ID,
		Status:      r.Status,
		Preferences: r.Preferences,
		Attempt:     r.Attempt,
		Outcome:     r.Outcome,
		TaskCount:   r.TaskCount,
		Error:       r.Error,
		ReportURI:   r.ReportURI,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: r.CompletedAt,
	}
	if r.PlanJSON != nil && *r.PlanJSON != "" {
		var p domain.Plan
		if err := json.Unmarshal([]byte(*r.PlanJSON), &p); err == nil {
			res.Plan = &p
		}
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		RunID:      e.RunID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
