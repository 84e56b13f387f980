package mealplannersdk

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mealplanner/internal/db"
	"mealplanner/internal/domain"
	"mealplanner/internal/gate"
	"mealplanner/internal/migrate"
	"mealplanner/internal/repo"
	"mealplanner/internal/server"
)

func newServer(t *testing.T) (*Client, *gate.Manager) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	r := repo.Repo{DB: conn}
	require.NoError(t, r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k1", ActorID: "admin", KeyHash: repo.HashAPIKey("key"), CreatedAt: "2026-01-01T00:00:00Z"}))
	require.NoError(t, r.InsertRun(ctx, nil, domain.Run{ID: "run-1", Status: domain.RunAwaitingApproval, Preferences: "keto", CreatedAt: "2026-01-01T00:00:00Z"}))
	gates := gate.NewManager(gate.Config{Store: gate.SQLStore{DB: conn}})
	_, err = gates.Open(ctx, "run-1", "round-0", time.Hour)
	require.NoError(t, err)

	h, err := server.New(server.Config{Repo: r, Gates: gates})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(srv.URL)
	c.APIKey = "key"
	return c, gates
}

func TestClientRunsAndGates(t *testing.T) {
	c, _ := newServer(t)
	ctx := context.Background()

	runs, err := c.Runs(ctx, "awaiting_approval", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "keto", runs[0].Preferences)

	run, err := c.Run(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, "awaiting_approval", run.Status)

	gates, err := c.Gates(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, gates, 1)
	require.Equal(t, "pending", gates[0].Status)

	_, err = c.Run(ctx, "nope")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 404, apiErr.StatusCode)
	require.Equal(t, "not_found", apiErr.Code)
}

func TestClientResolve(t *testing.T) {
	c, gates := newServer(t)
	ctx := context.Background()

	g, err := c.ResolveText(ctx, "run-1", "round-0", "✅")
	require.NoError(t, err)
	require.Equal(t, "resolved", g.Status)
	require.Equal(t, "api", g.Channel)
	require.True(t, g.Decision.Approved)

	_, err = c.Resolve(ctx, "run-1", "round-0", Decision{Approved: false})
	require.True(t, IsAlreadyResolved(err))

	stored, err := gates.Get(ctx, "run-1", "round-0")
	require.NoError(t, err)
	require.True(t, stored.Decision.Approved)

	page, err := c.EventsPage(ctx, "run-1", 10, "")
	require.NoError(t, err)
	require.Empty(t, page.Items)
}
