package gate_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mealplanner/internal/db"
	"mealplanner/internal/decision"
	"mealplanner/internal/domain"
	"mealplanner/internal/gate"
	"mealplanner/internal/migrate"
)

func openStore(t *testing.T) gate.SQLStore {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return gate.SQLStore{DB: conn}
}

type recorder struct {
	mu       sync.Mutex
	opened   int
	resolved int
	rejected []gate.ResolveStatus
	expired  int
}

func (r *recorder) GateOpened(context.Context, domain.Gate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened++
}

func (r *recorder) GateResolved(context.Context, domain.Gate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved++
}

func (r *recorder) GateRejected(_ context.Context, _, _, _ string, status gate.ResolveStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, status)
}

func (r *recorder) GateExpired(context.Context, string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired++
}

func TestPauseReturnsDecisionFromResolve(t *testing.T) {
	rec := &recorder{}
	m := gate.NewManager(gate.Config{Store: openStore(t), Observer: rec})
	ctx := context.Background()

	_, err := m.Open(ctx, "run-1", "round-0", time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		status, err := m.Resolve(ctx, "run-1", "round-0", decision.Approved(), "push")
		assert.NoError(t, err)
		assert.Equal(t, gate.Resolved, status)
	}()

	d, err := m.Pause(ctx, "run-1", "round-0", time.Minute)
	require.NoError(t, err)
	require.True(t, d.Approved)

	g, err := m.Get(ctx, "run-1", "round-0")
	require.NoError(t, err)
	require.Equal(t, domain.GateResolved, g.Status)
	require.Equal(t, "push", g.Channel)
	require.NotNil(t, g.ResolvedAt)
	rec.mu.Lock()
	require.Equal(t, 1, rec.opened)
	require.Equal(t, 1, rec.resolved)
	rec.mu.Unlock()
}

func TestConcurrentResolveHasSingleWinner(t *testing.T) {
	m := gate.NewManager(gate.Config{Store: openStore(t)})
	ctx := context.Background()
	_, err := m.Open(ctx, "run-1", "round-0", time.Minute)
	require.NoError(t, err)

	type attempt struct {
		status   gate.ResolveStatus
		decision domain.Decision
		channel  string
	}
	const callers = 8
	var wg sync.WaitGroup
	results := make(chan attempt, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var d domain.Decision
			switch i % 3 {
			case 0:
				d = decision.Approved()
			case 1:
				d = decision.Rejected()
			default:
				d = decision.WithFeedback(fmt.Sprintf("swap meal %d", i))
			}
			channel := fmt.Sprintf("caller-%d", i)
			status, err := m.Resolve(ctx, "run-1", "round-0", d, channel)
			assert.NoError(t, err)
			results <- attempt{status: status, decision: d, channel: channel}
		}(i)
	}
	wg.Wait()
	close(results)

	var winners []attempt
	losers := 0
	for a := range results {
		switch a.status {
		case gate.Resolved:
			winners = append(winners, a)
		case gate.AlreadyResolved:
			losers++
		}
	}
	require.Len(t, winners, 1)
	require.Equal(t, callers-1, losers)

	g, err := m.Get(ctx, "run-1", "round-0")
	require.NoError(t, err)
	require.Equal(t, domain.GateResolved, g.Status)
	require.Equal(t, winners[0].channel, g.Channel)
	require.NotNil(t, g.Decision)
	require.Equal(t, winners[0].decision, *g.Decision)

	again, err := m.Get(ctx, "run-1", "round-0")
	require.NoError(t, err)
	require.Equal(t, g.Decision, again.Decision)
}

func TestPauseTimesOutAndRejectsLateResolve(t *testing.T) {
	rec := &recorder{}
	m := gate.NewManager(gate.Config{Store: openStore(t), Observer: rec})
	ctx := context.Background()

	start := time.Now()
	_, err := m.Pause(ctx, "run-1", "round-0", 50*time.Millisecond)
	require.ErrorIs(t, err, gate.ErrGateTimeout)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	status, err := m.Resolve(ctx, "run-1", "round-0", decision.Approved(), "push")
	require.NoError(t, err)
	require.Equal(t, gate.AlreadyResolved, status)

	g, err := m.Get(ctx, "run-1", "round-0")
	require.NoError(t, err)
	require.Equal(t, domain.GateExpired, g.Status)
	require.Nil(t, g.Decision)
	rec.mu.Lock()
	require.Equal(t, 1, rec.expired)
	require.Equal(t, []gate.ResolveStatus{gate.AlreadyResolved}, rec.rejected)
	rec.mu.Unlock()
}

func TestResolveUnknownGate(t *testing.T) {
	m := gate.NewManager(gate.Config{Store: openStore(t)})
	status, err := m.Resolve(context.Background(), "run-x", "round-9", decision.Approved(), "push")
	require.NoError(t, err)
	require.Equal(t, gate.NotFound, status)
}

func TestPauseResumesResolvedGate(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	first := gate.NewManager(gate.Config{Store: store})
	_, err := first.Open(ctx, "run-1", "round-1", time.Minute)
	require.NoError(t, err)
	_, err = first.Resolve(ctx, "run-1", "round-1", decision.WithFeedback("more fish"), "push")
	require.NoError(t, err)

	// A fresh manager stands in for a restarted process.
	second := gate.NewManager(gate.Config{Store: store})
	d, err := second.Pause(ctx, "run-1", "round-1", time.Minute)
	require.NoError(t, err)
	require.True(t, d.Regenerate)
	require.Equal(t, "more fish", *d.Feedback)
}

func TestPauseSeesResolutionFromAnotherManager(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	waiter := gate.NewManager(gate.Config{Store: store, RecheckInterval: 10 * time.Millisecond})
	other := gate.NewManager(gate.Config{Store: store})

	done := make(chan domain.Decision, 1)
	go func() {
		d, err := waiter.Pause(ctx, "run-1", "round-0", time.Minute)
		assert.NoError(t, err)
		done <- d
	}()

	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, "run-1", "round-0")
		return err == nil
	}, time.Second, 5*time.Millisecond)
	status, err := other.Resolve(ctx, "run-1", "round-0", decision.Rejected(), "api")
	require.NoError(t, err)
	require.Equal(t, gate.Resolved, status)

	select {
	case d := <-done:
		require.False(t, d.Approved)
		require.False(t, d.Regenerate)
	case <-time.After(2 * time.Second):
		t.Fatal("pause did not observe resolution")
	}
}

func TestPauseHonoursContextCancellation(t *testing.T) {
	m := gate.NewManager(gate.Config{Store: openStore(t)})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := m.Pause(ctx, "run-1", "round-0", time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestOpenKeepsOriginalDeadline(t *testing.T) {
	m := gate.NewManager(gate.Config{Store: openStore(t)})
	ctx := context.Background()
	g1, err := m.Open(ctx, "run-1", "round-0", time.Minute)
	require.NoError(t, err)
	g2, err := m.Open(ctx, "run-1", "round-0", time.Hour)
	require.NoError(t, err)
	require.True(t, g1.Deadline.Equal(g2.Deadline))

	gates, err := m.List(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, gates, 1)
}

func TestPauseReportsStoreUnavailable(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	mock.ExpectExec("INSERT INTO gates").WillReturnError(sql.ErrConnDone)

	m := gate.NewManager(gate.Config{Store: gate.SQLStore{DB: conn}})
	_, err = m.Pause(context.Background(), "run-1", "round-0", time.Minute)
	require.ErrorIs(t, err, gate.ErrStoreUnavailable)
	require.True(t, errors.Is(err, sql.ErrConnDone))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveAfterDeadlineWithoutWaiter(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	m := gate.NewManager(gate.Config{Store: openStore(t), Now: clock})
	ctx := context.Background()
	_, err := m.Open(ctx, "run-1", "round-0", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	status, err := m.Resolve(ctx, "run-1", "round-0", decision.Approved(), "push")
	require.NoError(t, err)
	require.Equal(t, gate.AlreadyResolved, status)

	pending, err := m.IsPending(ctx, "run-1", "round-0")
	require.NoError(t, err)
	require.False(t, pending)
}
