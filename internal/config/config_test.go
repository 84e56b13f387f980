package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestDefaultTemplateMatchesDefault(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, 24*time.Hour, cfg.ApprovalTimeout())
	require.Equal(t, 30*time.Second, cfg.PollInterval())
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir)
	require.NoError(t, os.WriteFile(path, []byte(`
approval:
  timeout_seconds: 600
  max_regeneration_attempts: 1
slack:
  channel_id: C-file
todoist:
  grocery_project_id: grocery-1
retry:
  initial_delay: 50ms
`), 0o644))

	t.Setenv("SLACK_CHANNEL_ID", "C-legacy")
	t.Setenv("MEALPLANNER_APPROVAL_TIMEOUT_SECONDS", "120")
	t.Setenv("SLACK_POLL_INTERVAL_SECONDS", "5")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load(path, viper.New())
	require.NoError(t, err)
	require.Equal(t, 120, cfg.Approval.TimeoutSeconds)
	require.Equal(t, 5, cfg.Approval.PollIntervalSeconds)
	require.Equal(t, 1, cfg.Approval.MaxRegenerationAttempts)
	require.Equal(t, "C-legacy", cfg.Slack.ChannelID)
	require.Equal(t, "sk-test", cfg.LLM.APIKey)
	require.Equal(t, "grocery-1", cfg.TaskProjectID())
	require.Equal(t, 50*time.Millisecond, cfg.Retry.InitialDelay)
	require.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestPrefixedEnvWinsOverLegacyName(t *testing.T) {
	t.Setenv("MEALPLANNER_SLACK_CHANNEL_ID", "C-prefixed")
	t.Setenv("SLACK_CHANNEL_ID", "C-legacy")
	cfg, err := Load(filepath.Join(t.TempDir(), FileName), viper.New())
	require.NoError(t, err)
	require.Equal(t, "C-prefixed", cfg.Slack.ChannelID)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("MAX_REGENERATION_ATTEMPTS", "three")
	_, err := Load(filepath.Join(t.TempDir(), FileName), viper.New())
	require.ErrorContains(t, err, "invalid integer")

	cases := map[string]string{
		"timeout":    "approval:\n  timeout_seconds: 0\n",
		"gate store": "approval:\n  gate_store: etcd\n",
		"s3 bucket":  "reports:\n  backend: s3\n",
		"webhook":    "webhooks:\n  - events: [run.completed]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestValidateRunListsMissingSettings(t *testing.T) {
	cfg := Default()
	err := cfg.ValidateRun()
	require.Error(t, err)
	for _, name := range []string{"ANTHROPIC_API_KEY", "SLACK_BOT_TOKEN", "SLACK_CHANNEL_ID", "TODOIST_MCP_SERVER_URL", "TODOIST_GROCERY_PROJECT_ID"} {
		require.Contains(t, err.Error(), name)
	}

	cfg.LLM.APIKey = "k"
	cfg.Slack.BotToken = "xoxb"
	cfg.Slack.ChannelID = "C1"
	cfg.Todoist.ServerURL = "http://todo"
	cfg.Todoist.GroceryProjectID = "g"
	require.NoError(t, cfg.ValidateRun())
}

func TestRedactedHidesSecrets(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKey = "sk-secret"
	cfg.Slack.BotToken = "xoxb-secret"
	cfg.Slack.SigningSecret = "signing"
	cfg.Webhooks = []WebhookConfig{{URL: "http://hook", Secret: "hook-secret"}}

	out, err := cfg.Redacted().YAML()
	require.NoError(t, err)
	require.NotContains(t, out, "sk-secret")
	require.NotContains(t, out, "xoxb-secret")
	require.NotContains(t, out, "hook-secret")
	require.Contains(t, out, redacted)
	require.Equal(t, "sk-secret", cfg.LLM.APIKey)
	require.Equal(t, "hook-secret", cfg.Webhooks[0].Secret)
}

func TestZeroRegenerationAttemptsIsKept(t *testing.T) {
	cfg, err := FromYAML([]byte("approval:\n  max_regeneration_attempts: 0\n"))
	require.NoError(t, err)
	require.Equal(t, 0, cfg.Approval.MaxRegenerationAttempts)

	_, err = FromYAML([]byte("approval:\n  max_regeneration_attempts: -1\n"))
	require.ErrorContains(t, err, "max_regeneration_attempts")
}
