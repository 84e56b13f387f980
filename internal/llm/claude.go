// Package llm turns preference text into structured preferences and generates
// meal plans with Claude. Model output is schema-validated before decoding.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"mealplanner/internal/domain"
	"mealplanner/internal/metrics"
	"mealplanner/internal/retry"
)

const (
	DefaultModel     = "claude-3-5-sonnet-latest"
	defaultMaxTokens = 4096

	defaultMaxCookTime = 20
	defaultServes      = 2
)

type Config struct {
	APIKey    string
	Model     string
	MaxTokens int
	// BaseURL overrides the API endpoint; used by tests.
	BaseURL string
	Retry   retry.Config
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Claude implements preference parsing and plan generation.
type Claude struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	policy    retry.Policy
	logger    *slog.Logger
	metrics   *metrics.Recorder
}

func NewClaude(cfg Config) (*Claude, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// retries are owned by the retry policy
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Claude{
		client:    anthropic.NewClient(opts...),
		model:     anthropic.Model(model),
		maxTokens: int64(maxTokens),
		policy:    retry.NewPolicy(cfg.Retry, nil),
		logger:    logger,
		metrics:   cfg.Metrics,
	}, nil
}

// ParsePreferences extracts structured preferences from free text.
func (c *Claude) ParsePreferences(ctx context.Context, text string) (domain.Preferences, error) {
	var prefs domain.Preferences
	err := c.completeJSON(ctx, "parse_preferences", "preferences", preferenceSystemPrompt, preferenceUserPrompt(text), &prefs)
	if err != nil {
		return domain.Preferences{}, fmt.Errorf("parse preferences: %w", err)
	}
	applyPreferenceDefaults(&prefs)
	c.logger.Info("parsed dietary preferences", "restrictions", prefs.DietaryRestrictions, "cuisines", prefs.Cuisines)
	return prefs, nil
}

// GeneratePlan produces a plan, addressing feedback when it is non-empty.
func (c *Claude) GeneratePlan(ctx context.Context, prefs domain.Preferences, feedback *string) (domain.Plan, error) {
	user, err := planUserPrompt(prefs, feedback)
	if err != nil {
		return domain.Plan{}, err
	}
	var plan domain.Plan
	if err := c.completeJSON(ctx, "generate_plan", "plan", planSystemPrompt, user, &plan); err != nil {
		return domain.Plan{}, fmt.Errorf("generate plan: %w", err)
	}
	names := make([]string, 0, len(plan.Meals))
	for _, m := range plan.Meals {
		names = append(names, m.Name)
	}
	c.logger.Info("generated meal plan", "meals", names, "shared_ingredients", len(plan.SharedIngredients), "with_feedback", feedback != nil)
	return plan, nil
}

func (c *Claude) completeJSON(ctx context.Context, op, schema, system, user string, out any) error {
	return c.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		start := time.Now()
		text, err := c.complete(ctx, system, user)
		if err == nil {
			err = decodeOutput(schema, text, out)
		}
		c.metrics.ObserveCall("anthropic", op, err, time.Since(start))
		if err != nil {
			c.logger.Warn("model call failed", "operation", op, "attempt", attempt, "error", err)
		}
		return err
	})
}

func (c *Claude) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system, Type: "text"}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return "", errors.New("empty response from model")
	}
	var b strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	return b.String(), nil
}

func decodeOutput(schema, text string, out any) error {
	raw, err := extractJSON(text)
	if err != nil {
		return err
	}
	if err := validateJSON(schema, raw); err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func classifyError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &retry.StatusError{Service: "anthropic", Code: apiErr.StatusCode, Body: apiErr.Error()}
	}
	return err
}

func applyPreferenceDefaults(p *domain.Preferences) {
	if p.MaxCookTimeMinutes <= 0 {
		p.MaxCookTimeMinutes = defaultMaxCookTime
	}
	if p.Serves <= 0 {
		p.Serves = defaultServes
	}
}
