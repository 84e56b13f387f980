package domain

import "time"

// Preferences is the structured form of a natural-language dietary preference.
type Preferences struct {
	DietaryRestrictions []string `json:"dietary_restrictions"`
	Cuisines            []string `json:"cuisines"`
	AvoidIngredients    []string `json:"avoid_ingredients"`
	ProteinPreferences  []string `json:"protein_preferences"`
	CookingStyles       []string `json:"cooking_styles"`
	MaxCookTimeMinutes  int      `json:"max_cook_time_minutes"`
	Serves              int      `json:"serves"`
	SpecialNotes        string   `json:"special_notes"`
}

type Ingredient struct {
	Name          string  `json:"name"`
	Quantity      string  `json:"quantity"`
	Unit          string  `json:"unit"`
	ShoppingNotes *string `json:"shopping_notes,omitempty"`
}

type InstructionStep struct {
	Step int    `json:"step"`
	Text string `json:"text"`
}

type Meal struct {
	Name                string            `json:"name"`
	Description         string            `json:"description"`
	Serves              int               `json:"serves"`
	ActiveTimeMinutes   int               `json:"active_time_minutes"`
	InactiveTimeMinutes int               `json:"inactive_time_minutes"`
	Ingredients         []Ingredient      `json:"ingredients"`
	Instructions        []InstructionStep `json:"instructions"`
}

// Plan is one generated weekly meal plan.
type Plan struct {
	Meals             []Meal       `json:"meals"`
	SharedIngredients []Ingredient `json:"shared_ingredients"`
}

// Decision is the normalized outcome of one approval round.
type Decision struct {
	Approved   bool    `json:"approved"`
	Feedback   *string `json:"feedback,omitempty"`
	Regenerate bool    `json:"regenerate"`
}

// HasFeedback reports whether the decision carries a non-empty change request.
func (d Decision) HasFeedback() bool {
	return d.Feedback != nil && *d.Feedback != ""
}

type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateResolved GateStatus = "resolved"
	GateExpired  GateStatus = "expired"
)

// GateHandle identifies one suspension point of a run.
type GateHandle struct {
	RunID     string    `json:"run_id"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`
}

// Gate is the persisted view of a gate.
type Gate struct {
	GateHandle
	Status     GateStatus `json:"status" enum:"pending,resolved,expired"`
	Decision   *Decision  `json:"decision,omitempty"`
	Channel    string     `json:"channel,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// ThreadRef points at the chat message a round was presented in.
type ThreadRef struct {
	Channel string `json:"channel"`
	TS      string `json:"ts"`
}

// Reply is a single human reply in a chat thread.
type Reply struct {
	TS   string `json:"ts"`
	User string `json:"user,omitempty"`
	Text string `json:"text"`
}

// TaskRef is a created grocery task.
type TaskRef struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

const (
	RunRunning          = "running"
	RunAwaitingApproval = "awaiting_approval"
	RunCompleted        = "completed"
	RunAbandoned        = "abandoned"
	RunFailed           = "failed"
)

// Outcome describes how the approval loop ended.
type Outcome string

const (
	OutcomeApproved  Outcome = "approved"
	OutcomeRejected  Outcome = "rejected"
	OutcomeExhausted Outcome = "exhausted"
)

type Run struct {
	ID          string  `json:"id"`
	Status      string  `json:"status" enum:"running,awaiting_approval,completed,abandoned,failed"`
	Preferences string  `json:"preferences"`
	Attempt     int     `json:"attempt"`
	Outcome     string  `json:"outcome,omitempty"`
	PlanJSON    *string `json:"plan_json,omitempty"`
	TaskCount   int     `json:"task_count"`
	Error       *string `json:"error,omitempty"`
	ReportURI   *string `json:"report_uri,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
