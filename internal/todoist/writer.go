// Package todoist creates grocery tasks for a final meal plan on a Todoist
// compatible task server. Every write passes the project Guard first.
package todoist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"mealplanner/internal/domain"
	"mealplanner/internal/metrics"
	"mealplanner/internal/retry"
)

var (
	mealLabels   = []string{"grocery", "meal-prep", "this-week"}
	sharedLabels = []string{"grocery", "meal-prep", "this-week", "shared"}
)

const dueString = "tomorrow"

// Task is one task creation request.
type Task struct {
	Content   string   `json:"content"`
	ProjectID string   `json:"project_id"`
	Labels    []string `json:"labels"`
	DueString string   `json:"due_string,omitempty"`
}

// BuildTasks lists one task per meal ingredient followed by one per shared
// ingredient, all targeting projectID.
func BuildTasks(plan domain.Plan, projectID string) []Task {
	tasks := make([]Task, 0, plan.IngredientCount())
	for _, meal := range plan.Meals {
		for _, ing := range meal.Ingredients {
			tasks = append(tasks, Task{
				Content:   taskContent(meal.Name, ing),
				ProjectID: projectID,
				Labels:    mealLabels,
				DueString: dueString,
			})
		}
	}
	for _, ing := range plan.SharedIngredients {
		tasks = append(tasks, Task{
			Content:   taskContent("Shared", ing),
			ProjectID: projectID,
			Labels:    sharedLabels,
			DueString: dueString,
		})
	}
	return tasks
}

func taskContent(prefix string, ing domain.Ingredient) string {
	s := fmt.Sprintf("[%s] %s - %s %s", prefix, ing.Name, ing.Quantity, ing.Unit)
	if ing.ShoppingNotes != nil && *ing.ShoppingNotes != "" {
		s += " (" + *ing.ShoppingNotes + ")"
	}
	return s
}

type Config struct {
	ServerURL string
	AuthToken string
	// ProjectID is where tasks are written; it must equal the guard's allowed id.
	ProjectID  string
	Guard      Guard
	Retry      retry.Config
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

type Writer struct {
	serverURL string
	token     string
	projectID string
	guard     Guard
	http      *http.Client
	policy    retry.Policy
	logger    *slog.Logger
	metrics   *metrics.Recorder
}

func NewWriter(cfg Config) *Writer {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	guard := cfg.Guard
	if guard.Logger == nil {
		guard.Logger = logger
	}
	return &Writer{
		serverURL: strings.TrimRight(cfg.ServerURL, "/"),
		token:     cfg.AuthToken,
		projectID: cfg.ProjectID,
		guard:     guard,
		http:      hc,
		policy:    retry.NewPolicy(cfg.Retry, nil),
		logger:    logger,
		metrics:   cfg.Metrics,
	}
}

// CreateTasks writes the grocery tasks for plan. All tasks are validated
// before the first request, so a refused destination creates nothing.
func (w *Writer) CreateTasks(ctx context.Context, plan domain.Plan) ([]domain.TaskRef, error) {
	tasks := BuildTasks(plan, w.projectID)
	for _, t := range tasks {
		if err := w.guard.Check(ctx, t.ProjectID, t.Content); err != nil {
			w.metrics.AccessDenied()
			return nil, err
		}
	}
	if len(tasks) > 0 && w.serverURL == "" {
		return nil, errors.New("todoist server url is not configured")
	}
	w.logger.Info("creating grocery tasks", "meals", len(plan.Meals), "shared_ingredients", len(plan.SharedIngredients), "tasks", len(tasks))
	refs := make([]domain.TaskRef, 0, len(tasks))
	for _, t := range tasks {
		ref, err := w.create(ctx, t)
		if err != nil {
			return refs, err
		}
		refs = append(refs, ref)
	}
	w.metrics.TasksCreated(len(refs))
	w.logger.Info("created grocery tasks", "total", len(refs))
	return refs, nil
}

// CreateTask writes a single task after the guard admits it.
func (w *Writer) CreateTask(ctx context.Context, t Task) (domain.TaskRef, error) {
	if err := w.guard.Check(ctx, t.ProjectID, t.Content); err != nil {
		w.metrics.AccessDenied()
		return domain.TaskRef{}, err
	}
	if w.serverURL == "" {
		return domain.TaskRef{}, errors.New("todoist server url is not configured")
	}
	return w.create(ctx, t)
}

func (w *Writer) create(ctx context.Context, t Task) (domain.TaskRef, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return domain.TaskRef{}, fmt.Errorf("marshal task: %w", err)
	}
	// One request id per task so a retried POST is deduplicated server-side.
	requestID := uuid.NewString()
	var ref domain.TaskRef
	err = w.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		start := time.Now()
		var err error
		ref, err = w.post(ctx, payload, requestID)
		w.metrics.ObserveCall("todoist", "create_task", err, time.Since(start))
		if err != nil {
			w.logger.Warn("task creation failed", "task_content", t.Content, "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		return domain.TaskRef{}, fmt.Errorf("create task %q: %w", t.Content, err)
	}
	if ref.Content == "" {
		ref.Content = t.Content
	}
	w.logger.Debug("created task", "task_id", ref.ID, "task_content", t.Content)
	return ref, nil
}

func (w *Writer) post(ctx context.Context, payload []byte, requestID string) (domain.TaskRef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.serverURL+"/tasks", bytes.NewReader(payload))
	if err != nil {
		return domain.TaskRef{}, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return domain.TaskRef{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.TaskRef{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.TaskRef{}, &retry.StatusError{Service: "todoist", Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var out struct {
		ID      json.RawMessage `json:"id"`
		Content string          `json:"content"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return domain.TaskRef{}, fmt.Errorf("decode task response: %w", err)
		}
	}
	return domain.TaskRef{ID: strings.Trim(string(out.ID), `"`), Content: out.Content}, nil
}
