package app

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mealplanner/internal/config"
	"mealplanner/internal/decision"
	"mealplanner/internal/events"
	"mealplanner/internal/gate"
	"mealplanner/internal/report"
	"mealplanner/internal/resolver"
)

func openApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := Open(context.Background(), t.TempDir(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func eventTypes(t *testing.T, a *App, runID string) []string {
	t.Helper()
	evts, err := a.Repo.EventsAfter(context.Background(), 100, 0, runID)
	require.NoError(t, err)
	var out []string
	for _, e := range evts {
		out = append(out, e.Type)
	}
	return out
}

func TestGateObserverWritesEvents(t *testing.T) {
	a := openApp(t, nil)
	ctx := context.Background()

	_, err := a.Gates.Open(ctx, "run-1", "round-0", time.Hour)
	require.NoError(t, err)
	status, err := a.Gates.Resolve(ctx, "run-1", "round-0", decision.WithFeedback("less rice"), resolver.ChannelPush)
	require.NoError(t, err)
	require.Equal(t, gate.Resolved, status)
	status, err = a.Gates.Resolve(ctx, "run-1", "round-0", decision.Approved(), resolver.ChannelPoll)
	require.NoError(t, err)
	require.Equal(t, gate.AlreadyResolved, status)
	status, err = a.Gates.Resolve(ctx, "run-1", "round-7", decision.Approved(), resolver.ChannelPoll)
	require.NoError(t, err)
	require.Equal(t, gate.NotFound, status)

	_, err = a.Gates.Pause(ctx, "run-2", "round-0", 20*time.Millisecond)
	require.ErrorIs(t, err, gate.ErrGateTimeout)

	require.Equal(t, []string{events.GateOpened, events.GateResolved, events.ReplyDiscarded}, eventTypes(t, a, "run-1"))
	require.Equal(t, []string{events.GateOpened, events.GateExpired}, eventTypes(t, a, "run-2"))

	resolved, err := a.Repo.LatestEvents(ctx, 1, 0, "run-1", events.GateResolved)
	require.NoError(t, err)
	require.Contains(t, resolved[0].Payload, `"feedback":"less rice"`)
	require.Contains(t, resolved[0].Payload, `"channel":"push"`)
}

func TestOpenRejectsUnknownOrUnreachableGateStore(t *testing.T) {
	cfg := config.Default()
	cfg.Approval.GateStore = "etcd"
	_, err := Open(context.Background(), t.TempDir(), cfg, nil)
	require.ErrorContains(t, err, "unknown gate store")

	cfg = config.Default()
	cfg.Approval.GateStore = "redis"
	cfg.Redis.Addr = "127.0.0.1:1"
	_, err = Open(context.Background(), t.TempDir(), cfg, nil)
	require.ErrorContains(t, err, "connect redis")
}

func TestReportStoreSelection(t *testing.T) {
	cfg := config.Default()
	a := openApp(t, cfg)
	ctx := context.Background()

	s, err := a.ReportStore(ctx)
	require.NoError(t, err)
	fs, ok := s.(report.FileStore)
	require.True(t, ok)
	require.True(t, strings.HasSuffix(fs.Dir, "reports"))

	cfg.Reports.Backend = "none"
	s, err = a.ReportStore(ctx)
	require.NoError(t, err)
	require.Nil(t, s)

	cfg.Reports.Backend = "ftp"
	_, err = a.ReportStore(ctx)
	require.Error(t, err)
}

func TestControllerRequiresRunSettings(t *testing.T) {
	a := openApp(t, nil)
	_, err := a.Controller(context.Background())
	require.ErrorContains(t, err, "ANTHROPIC_API_KEY")
}

func TestControllerWiring(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.APIKey = "sk-test"
	cfg.Slack.BotToken = "xoxb-test"
	cfg.Slack.ChannelID = "C1"
	cfg.Todoist.ServerURL = "http://127.0.0.1:1"
	cfg.Todoist.GroceryProjectID = "grocery"
	cfg.Approval.MaxRegenerationAttempts = 2
	a := openApp(t, cfg)

	ctrl, err := a.Controller(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, ctrl.MaxAttempts)

	a.Config.Approval.MaxRegenerationAttempts = 0
	ctrl, err = a.Controller(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, ctrl.MaxAttempts)
	require.Equal(t, cfg.ApprovalTimeout(), ctrl.Timeout)
	require.NotNil(t, ctrl.Reports)

	sc, err := a.Slack()
	require.NoError(t, err)
	require.Same(t, sc, ctrl.Presenter)

	h, err := a.Handler()
	require.NoError(t, err)
	require.NotNil(t, h)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, true, "warn")
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = NewLogger(&buf, false, "loud")
	require.Error(t, err)
}
