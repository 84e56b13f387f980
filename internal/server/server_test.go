package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mealplanner/internal/config"
	"mealplanner/internal/db"
	"mealplanner/internal/domain"
	"mealplanner/internal/events"
	"mealplanner/internal/gate"
	"mealplanner/internal/metrics"
	"mealplanner/internal/migrate"
	"mealplanner/internal/repo"
	"mealplanner/internal/resolver"
	"mealplanner/internal/slack"
)

const (
	testAPIKey        = "test-key"
	testJWTSecret     = "jwt-secret"
	testSigningSecret = "signing-secret"
)

type fakeCorrelator struct {
	runID, key string
	err        error
}

func (f fakeCorrelator) ThreadCorrelation(context.Context, string, string) (string, string, error) {
	return f.runID, f.key, f.err
}

type testServer struct {
	*httptest.Server
	repo    repo.Repo
	gates   *gate.Manager
	pending *sync.WaitGroup
}

func newTestServer(t *testing.T, correlator ThreadCorrelator) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	r := repo.Repo{DB: conn}
	require.NoError(t, r.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID: "k1", ActorID: "admin", Name: "tests", KeyHash: repo.HashAPIKey(testAPIKey), CreatedAt: "2026-01-01T00:00:00Z",
	}))
	gates := gate.NewManager(gate.Config{Store: gate.SQLStore{DB: conn}, RecheckInterval: 10 * time.Millisecond})
	pending := &sync.WaitGroup{}
	handler, err := New(Config{
		Repo:  r,
		Gates: gates,
		Slack: SlackConfig{
			SigningSecret: testSigningSecret,
			Correlator:    correlator,
			Push:          resolver.Push{Gate: gates},
			Wait:          pending,
		},
		Metrics:  metrics.New(),
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowLegacyActorHeader: true},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, repo: r, gates: gates, pending: pending}
}

func (s *testServer) seedRun(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, s.repo.InsertRun(context.Background(), nil, domain.Run{
		ID: id, Status: domain.RunAwaitingApproval, Preferences: "vegan", CreatedAt: "2026-01-01T00:00:00Z",
	}))
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

var apiKeyHeader = map[string]string{"X-Api-Key": testAPIKey}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t, nil)

	res, _ := doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/runs", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	require.Equal(t, "unauthorized", errorCode(t, data))

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/runs", nil, map[string]string{"X-Api-Key": "wrong"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	require.Equal(t, "invalid_credentials", errorCode(t, data))

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/me", nil, apiKeyHeader)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	require.Equal(t, "admin", me.ActorID)
	require.Equal(t, SourceAPIKey, me.Source)
	require.Equal(t, []string{RoleOperator}, me.Roles)

	token, err := IssueToken(testJWTSecret, "ops", []string{"operator"}, time.Hour, time.Now())
	require.NoError(t, err)
	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &me))
	require.Equal(t, "ops", me.ActorID)
	require.Equal(t, []string{RoleOperator}, me.Roles)

	_, err = IssueToken(testJWTSecret, "ops", []string{"root"}, time.Hour, time.Now())
	require.ErrorContains(t, err, "unknown role")

	forged, err := IssueToken("other-secret", "ops", nil, time.Hour, time.Now())
	require.NoError(t, err)
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + forged})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestRunEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.seedRun(t, "run-1")
	plan := `{"meals":[{"name":"Tofu Bowl","description":"d","serves":2,"active_time":10,"ingredients":[],"instructions":[]}],"shared_ingredients":[]}`
	attempt := 1
	require.NoError(t, srv.repo.UpdateRun(context.Background(), nil, "run-1", repo.RunUpdate{PlanJSON: &plan, Attempt: &attempt}, time.Now()))
	w := events.Writer{DB: srv.repo.DB}
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Append(context.Background(), nil, events.PlanGenerated, "run-1", "run-1", "", events.EventPayload{"attempt": i}))
	}

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/runs", nil, apiKeyHeader)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list RunList
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/runs/run-1", nil, apiKeyHeader)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var run RunResponse
	require.NoError(t, json.Unmarshal(data, &run))
	require.Equal(t, domain.RunAwaitingApproval, run.Status)
	require.Equal(t, 1, run.Attempt)
	require.NotNil(t, run.Plan)
	require.Equal(t, "Tofu Bowl", run.Plan.Meals[0].Name)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/runs/missing", nil, apiKeyHeader)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	require.Equal(t, "not_found", errorCode(t, data))

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/runs/run-1/events?limit=2", nil, apiKeyHeader)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	require.Equal(t, float64(2), page.Items[0].Payload["attempt"])
	require.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/runs/run-1/events?limit=2&cursor="+page.NextCursor, nil, apiKeyHeader)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page = paginatedEvents{}
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
	require.Empty(t, page.NextCursor)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, apiKeyHeader)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.Equal(t, "bad_request", errorCode(t, data))

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/status", nil, apiKeyHeader)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var status StatusResponse
	require.NoError(t, json.Unmarshal(data, &status))
	require.Equal(t, map[string]int{domain.RunAwaitingApproval: 1}, status.RunCounts)
}

func TestResolveGateThroughAPI(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.seedRun(t, "run-1")
	ctx := context.Background()
	_, err := srv.gates.Open(ctx, "run-1", "round-0", time.Hour)
	require.NoError(t, err)
	resolveURL := srv.URL + "/v0/runs/run-1/gates/round-0/resolve"

	res, data := doJSON(t, http.MethodPost, resolveURL, map[string]any{"approved": true, "feedback": "more fish"}, apiKeyHeader)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, http.MethodPost, resolveURL, map[string]any{"text": "  "}, apiKeyHeader)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, http.MethodPost, resolveURL, map[string]any{"text": "feedback: more fish"}, apiKeyHeader)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var resolved ResolveGateResponse
	require.NoError(t, json.Unmarshal(data, &resolved))
	require.Equal(t, "resolved", resolved.Status)
	require.Equal(t, domain.GateResolved, resolved.Gate.Status)
	require.Equal(t, resolver.ChannelAPI, resolved.Gate.Channel)
	require.True(t, resolved.Gate.Decision.Regenerate)
	require.Equal(t, "more fish", *resolved.Gate.Decision.Feedback)

	res, data = doJSON(t, http.MethodPost, resolveURL, map[string]any{"approved": true}, apiKeyHeader)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	require.Equal(t, "already_resolved", errorCode(t, data))

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/runs/run-1/gates/round-9/resolve", map[string]any{"approved": true}, apiKeyHeader)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/runs/run-1/gates", nil, apiKeyHeader)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var gates GateList
	require.NoError(t, json.Unmarshal(data, &gates))
	require.Len(t, gates.Items, 1)
	require.Equal(t, "round-0", gates.Items[0].Key)
}

func TestResolveGateRequiresOperatorRole(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.seedRun(t, "run-1")
	_, err := srv.gates.Open(context.Background(), "run-1", "round-0", time.Hour)
	require.NoError(t, err)
	resolveURL := srv.URL + "/v0/runs/run-1/gates/round-0/resolve"
	body := map[string]any{"text": "approve"}

	viewer, err := IssueToken(testJWTSecret, "reader", nil, time.Hour, time.Now())
	require.NoError(t, err)
	viewerHeader := map[string]string{"Authorization": "Bearer " + viewer}
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/runs/run-1/gates", nil, viewerHeader)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = doJSON(t, http.MethodPost, resolveURL, body, viewerHeader)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	require.Equal(t, "forbidden", errorCode(t, data))

	res, data = doJSON(t, http.MethodPost, resolveURL, body, map[string]string{"X-Actor-Id": "someone"})
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	pending, err := srv.gates.IsPending(context.Background(), "run-1", "round-0")
	require.NoError(t, err)
	require.True(t, pending)

	operator, err := IssueToken(testJWTSecret, "ops", []string{"Operator"}, time.Hour, time.Now())
	require.NoError(t, err)
	res, data = doJSON(t, http.MethodPost, resolveURL, body, map[string]string{"Authorization": "Bearer " + operator})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var resolved ResolveGateResponse
	require.NoError(t, json.Unmarshal(data, &resolved))
	require.True(t, resolved.Gate.Decision.Approved)
}

func postSlack(t *testing.T, srv *testServer, payload any, secret string) (*http.Response, []byte) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req, err := http.NewRequest(http.MethodPost, srv.URL+SlackEventsPath, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(slack.HeaderTimestamp, ts)
	req.Header.Set(slack.HeaderSignature, slack.Sign(secret, ts, body))
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func threadReply(text string, botID string) map[string]any {
	return map[string]any{
		"type":     slack.EnvelopeEventCallback,
		"event_id": "Ev1",
		"event": map[string]any{
			"type":      "message",
			"channel":   "C1",
			"user":      "U1",
			"bot_id":    botID,
			"text":      text,
			"ts":        "1700000001.000200",
			"thread_ts": "1700000000.000100",
		},
	}
}

func TestSlackEventsURLVerification(t *testing.T) {
	srv := newTestServer(t, fakeCorrelator{})
	res, data := postSlack(t, srv, map[string]any{"type": slack.EnvelopeURLVerification, "challenge": "abc123"}, testSigningSecret)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.JSONEq(t, `{"challenge":"abc123"}`, string(data))

	res, _ = postSlack(t, srv, map[string]any{"type": slack.EnvelopeURLVerification, "challenge": "abc123"}, "wrong")
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestSlackThreadReplyResolvesGate(t *testing.T) {
	srv := newTestServer(t, fakeCorrelator{runID: "run-1", key: "round-0"})
	ctx := context.Background()
	_, err := srv.gates.Open(ctx, "run-1", "round-0", time.Hour)
	require.NoError(t, err)

	res, _ := postSlack(t, srv, threadReply("approve", "B1"), testSigningSecret)
	require.Equal(t, http.StatusOK, res.StatusCode)
	srv.pending.Wait()
	pending, err := srv.gates.IsPending(ctx, "run-1", "round-0")
	require.NoError(t, err)
	require.True(t, pending, "bot messages must not resolve gates")

	res, _ = postSlack(t, srv, threadReply("approve", ""), testSigningSecret)
	require.Equal(t, http.StatusOK, res.StatusCode)
	srv.pending.Wait()
	g, err := srv.gates.Get(ctx, "run-1", "round-0")
	require.NoError(t, err)
	require.Equal(t, domain.GateResolved, g.Status)
	require.Equal(t, resolver.ChannelPush, g.Channel)
	require.True(t, g.Decision.Approved)

	res, _ = postSlack(t, srv, threadReply("no", ""), testSigningSecret)
	require.Equal(t, http.StatusOK, res.StatusCode)
	srv.pending.Wait()
	g, err = srv.gates.Get(ctx, "run-1", "round-0")
	require.NoError(t, err)
	require.True(t, g.Decision.Approved)
}

func TestSlackReplyOutsideApprovalThreadIsAcknowledged(t *testing.T) {
	srv := newTestServer(t, fakeCorrelator{err: slack.ErrNoCorrelation})
	res, _ := postSlack(t, srv, threadReply("approve", ""), testSigningSecret)
	require.Equal(t, http.StatusOK, res.StatusCode)
	srv.pending.Wait()
}

func TestWebhookDispatcherDeliversFilteredEvents(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()
	w := events.Writer{DB: srv.repo.DB}
	require.NoError(t, w.Append(ctx, nil, events.RunStarted, "run-0", "run-0", "", nil))

	var mu sync.Mutex
	var got []webhookEvent
	var headers []http.Header
	receiver := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&evt))
		mu.Lock()
		got = append(got, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
	}))
	defer receiver.Close()

	d := &WebhookDispatcher{
		Repo:     srv.repo,
		Webhooks: []config.WebhookConfig{{URL: receiver.URL, Events: []string{events.RunCompleted}, Secret: "s3cret"}},
	}
	d.DispatchAll(ctx)
	require.Empty(t, got, "events older than the dispatcher are not replayed")

	require.NoError(t, w.Append(ctx, nil, events.RunStarted, "run-1", "run-1", "", nil))
	require.NoError(t, w.Append(ctx, nil, events.RunCompleted, "run-1", "run-1", "", events.EventPayload{"outcome": "approved"}))
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.Equal(t, events.RunCompleted, got[0].Type)
	require.Equal(t, "run-1", got[0].RunID)
	require.JSONEq(t, `{"outcome":"approved"}`, string(got[0].Payload))
	require.Equal(t, "s3cret", headers[0].Get("X-Mealplanner-Secret"))
	require.Equal(t, "run-1", headers[0].Get("X-Mealplanner-Run"))
}

func TestStartWebhookDispatcherSkipsDisabledHooks(t *testing.T) {
	off := false
	require.Nil(t, StartWebhookDispatcher(context.Background(), repo.Repo{}, []config.WebhookConfig{{URL: "http://x", Enabled: &off}, {URL: " "}}, nil))
}
