package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"mealplanner/internal/retry"
)

const (
	FileName           = "mealplanner.yml"
	DefaultPreferences = "I like quick, healthy meals under 20 minutes for 3 people including one child."
	redacted           = "********"
)

// Config models mealplanner.yml.
type Config struct {
	Preferences string          `yaml:"preferences"`
	Approval    ApprovalConfig  `yaml:"approval"`
	LLM         LLMConfig       `yaml:"llm"`
	Slack       SlackConfig     `yaml:"slack"`
	Todoist     TodoistConfig   `yaml:"todoist"`
	Redis       RedisConfig     `yaml:"redis"`
	Reports     ReportsConfig   `yaml:"reports"`
	Server      ServerConfig    `yaml:"server"`
	Retry       retry.Config    `yaml:"retry"`
	Webhooks    []WebhookConfig `yaml:"webhooks"`
}

type ApprovalConfig struct {
	TimeoutSeconds          int `yaml:"timeout_seconds"`
	PollIntervalSeconds     int `yaml:"poll_interval_seconds"`
	MaxRegenerationAttempts int `yaml:"max_regeneration_attempts"`
	// GateStore is sqlite or redis.
	GateStore              string `yaml:"gate_store"`
	RecheckIntervalSeconds int    `yaml:"recheck_interval_seconds"`
}

type LLMConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	BaseURL   string `yaml:"base_url,omitempty"`
}

type SlackConfig struct {
	BotToken          string  `yaml:"bot_token"`
	ChannelID         string  `yaml:"channel_id"`
	SigningSecret     string  `yaml:"signing_secret"`
	BaseURL           string  `yaml:"base_url,omitempty"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type TodoistConfig struct {
	ServerURL string `yaml:"server_url"`
	AuthToken string `yaml:"auth_token"`
	// GroceryProjectID is the only project tasks may be written to.
	GroceryProjectID string `yaml:"grocery_project_id"`
	// ProjectID is the destination; empty means GroceryProjectID.
	ProjectID string `yaml:"project_id,omitempty"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type ReportsConfig struct {
	// Backend is file, s3 or none.
	Backend  string `yaml:"backend"`
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

type ServerConfig struct {
	Addr                   string `yaml:"addr"`
	BasePath               string `yaml:"base_path"`
	JWTSecret              string `yaml:"jwt_secret"`
	AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
}

// WebhookConfig is an outbound receiver of run events.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Preferences: DefaultPreferences,
		Approval: ApprovalConfig{
			TimeoutSeconds:          86400,
			PollIntervalSeconds:     30,
			MaxRegenerationAttempts: 3,
			GateStore:               "sqlite",
			RecheckIntervalSeconds:  2,
		},
		LLM:     LLMConfig{Model: "claude-3-5-sonnet-latest", MaxTokens: 4096},
		Slack:   SlackConfig{RequestsPerSecond: 1},
		Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "mealplanner"},
		Reports: ReportsConfig{Backend: "file", Region: "us-east-1"},
		Server:  ServerConfig{Addr: "127.0.0.1:8080", BasePath: "/v0"},
		Retry:   retry.DefaultConfig,
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load builds the effective configuration: defaults, then the YAML file at
// path when it exists, then environment variables and flags bound on v.
// A nil v skips the environment.
func Load(path string, v *viper.Viper) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config yaml %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}
	if v != nil {
		if err := Overlay(cfg, v); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes on top of the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type envBinding struct {
	key  string
	envs []string
	str  func(*Config) *string
	num  func(*Config) *int
}

// Each key is read from MEALPLANNER_<KEY> first and then from the legacy name.
var envBindings = []envBinding{
	{key: "preferences", envs: []string{"DIETARY_PREFERENCES"}, str: func(c *Config) *string { return &c.Preferences }},
	{key: "approval.timeout_seconds", envs: []string{"APPROVAL_TIMEOUT_SECONDS"}, num: func(c *Config) *int { return &c.Approval.TimeoutSeconds }},
	{key: "approval.poll_interval_seconds", envs: []string{"SLACK_POLL_INTERVAL_SECONDS"}, num: func(c *Config) *int { return &c.Approval.PollIntervalSeconds }},
	{key: "approval.max_regeneration_attempts", envs: []string{"MAX_REGENERATION_ATTEMPTS"}, num: func(c *Config) *int { return &c.Approval.MaxRegenerationAttempts }},
	{key: "approval.gate_store", str: func(c *Config) *string { return &c.Approval.GateStore }},
	{key: "llm.api_key", envs: []string{"ANTHROPIC_API_KEY"}, str: func(c *Config) *string { return &c.LLM.APIKey }},
	{key: "llm.model", str: func(c *Config) *string { return &c.LLM.Model }},
	{key: "slack.bot_token", envs: []string{"SLACK_BOT_TOKEN"}, str: func(c *Config) *string { return &c.Slack.BotToken }},
	{key: "slack.channel_id", envs: []string{"SLACK_CHANNEL_ID"}, str: func(c *Config) *string { return &c.Slack.ChannelID }},
	{key: "slack.signing_secret", envs: []string{"SLACK_SIGNING_SECRET"}, str: func(c *Config) *string { return &c.Slack.SigningSecret }},
	{key: "todoist.server_url", envs: []string{"TODOIST_MCP_SERVER_URL"}, str: func(c *Config) *string { return &c.Todoist.ServerURL }},
	{key: "todoist.auth_token", envs: []string{"TODOIST_MCP_AUTH_TOKEN"}, str: func(c *Config) *string { return &c.Todoist.AuthToken }},
	{key: "todoist.grocery_project_id", envs: []string{"TODOIST_GROCERY_PROJECT_ID"}, str: func(c *Config) *string { return &c.Todoist.GroceryProjectID }},
	{key: "redis.addr", str: func(c *Config) *string { return &c.Redis.Addr }},
	{key: "redis.password", str: func(c *Config) *string { return &c.Redis.Password }},
	{key: "reports.backend", str: func(c *Config) *string { return &c.Reports.Backend }},
	{key: "reports.bucket", str: func(c *Config) *string { return &c.Reports.Bucket }},
	{key: "reports.endpoint", str: func(c *Config) *string { return &c.Reports.Endpoint }},
	{key: "server.addr", str: func(c *Config) *string { return &c.Server.Addr }},
	{key: "server.jwt_secret", envs: []string{"MEALPLANNER_JWT_SECRET"}, str: func(c *Config) *string { return &c.Server.JWTSecret }},
}

// EnvName is the prefixed environment variable for a config key.
func EnvName(key string) string {
	return "MEALPLANNER_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

// Overlay applies environment variables and any flags bound on v under the
// same keys.
func Overlay(cfg *Config, v *viper.Viper) error {
	for _, b := range envBindings {
		names := append([]string{b.key, EnvName(b.key)}, b.envs...)
		if err := v.BindEnv(names...); err != nil {
			return err
		}
		if !v.IsSet(b.key) {
			continue
		}
		switch {
		case b.str != nil:
			*b.str(cfg) = v.GetString(b.key)
		case b.num != nil:
			raw := strings.TrimSpace(v.GetString(b.key))
			var n int
			if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
				return fmt.Errorf("%s: invalid integer %q", b.key, raw)
			}
			*b.num(cfg) = n
		}
	}
	return nil
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	if c.Approval.TimeoutSeconds <= 0 {
		return fmt.Errorf("approval.timeout_seconds must be positive")
	}
	if c.Approval.PollIntervalSeconds <= 0 {
		return fmt.Errorf("approval.poll_interval_seconds must be positive")
	}
	if c.Approval.MaxRegenerationAttempts < 0 {
		return fmt.Errorf("approval.max_regeneration_attempts must not be negative")
	}
	switch c.Approval.GateStore {
	case "sqlite":
	case "redis":
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return fmt.Errorf("redis.addr is required when approval.gate_store is redis")
		}
	default:
		return fmt.Errorf("approval.gate_store must be sqlite or redis, got %q", c.Approval.GateStore)
	}
	switch c.Reports.Backend {
	case "", "none", "file":
	case "s3":
		if strings.TrimSpace(c.Reports.Bucket) == "" {
			return fmt.Errorf("reports.bucket is required when reports.backend is s3")
		}
	default:
		return fmt.Errorf("reports.backend must be file, s3 or none, got %q", c.Reports.Backend)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// ValidateRun reports every collaborator setting a planning run needs.
func (c *Config) ValidateRun() error {
	var errs []error
	for _, req := range []struct{ name, value string }{
		{"llm.api_key (ANTHROPIC_API_KEY)", c.LLM.APIKey},
		{"slack.bot_token (SLACK_BOT_TOKEN)", c.Slack.BotToken},
		{"slack.channel_id (SLACK_CHANNEL_ID)", c.Slack.ChannelID},
		{"todoist.server_url (TODOIST_MCP_SERVER_URL)", c.Todoist.ServerURL},
		{"todoist.grocery_project_id (TODOIST_GROCERY_PROJECT_ID)", c.Todoist.GroceryProjectID},
	} {
		if strings.TrimSpace(req.value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", req.name))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Approval.TimeoutSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Approval.PollIntervalSeconds) * time.Second
}

func (c *Config) RecheckInterval() time.Duration {
	return time.Duration(c.Approval.RecheckIntervalSeconds) * time.Second
}

// TaskProjectID is where grocery tasks are written.
func (c *Config) TaskProjectID() string {
	if c.Todoist.ProjectID != "" {
		return c.Todoist.ProjectID
	}
	return c.Todoist.GroceryProjectID
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	for _, s := range []*string{
		&out.LLM.APIKey, &out.Slack.BotToken, &out.Slack.SigningSecret,
		&out.Todoist.AuthToken, &out.Redis.Password, &out.Server.JWTSecret,
	} {
		if *s != "" {
			*s = redacted
		}
	}
	out.Webhooks = make([]WebhookConfig, len(c.Webhooks))
	for i, hook := range c.Webhooks {
		if hook.Secret != "" {
			hook.Secret = redacted
		}
		out.Webhooks[i] = hook
	}
	return &out
}

// YAML renders the config.
func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GenerateDefault returns the default config file content.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `# Secrets are best supplied through the environment:
# ANTHROPIC_API_KEY, SLACK_BOT_TOKEN, SLACK_SIGNING_SECRET, TODOIST_MCP_AUTH_TOKEN.
preferences: "I like quick, healthy meals under 20 minutes for 3 people including one child."

approval:
  timeout_seconds: 86400
  poll_interval_seconds: 30
  max_regeneration_attempts: 3
  gate_store: sqlite
  recheck_interval_seconds: 2

llm:
  model: claude-3-5-sonnet-latest
  max_tokens: 4096

slack:
  channel_id: ""
  requests_per_second: 1

todoist:
  server_url: ""
  grocery_project_id: ""

redis:
  addr: localhost:6379
  prefix: mealplanner

reports:
  backend: file

server:
  addr: 127.0.0.1:8080
  base_path: /v0

retry:
  max_attempts: 3
  initial_delay: 500ms
  max_delay: 10s
  backoff_factor: 2
  jitter: true
`
