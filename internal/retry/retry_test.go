package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestShouldRetry(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", fmt.Errorf("call: %w", context.Canceled), false},
		{"deadline", context.DeadlineExceeded, true},
		{"permanent", Permanent(errors.New("bad token")), false},
		{"429", &StatusError{Service: "slack", Code: 429}, true},
		{"503", fmt.Errorf("wrap: %w", &StatusError{Service: "todoist", Code: 503}), true},
		{"400", &StatusError{Service: "todoist", Code: 400}, false},
		{"network", errors.New("connection reset"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ShouldRetry(tc.err))
		})
	}
}

func TestCalculateDelay(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, BackoffFactor: 2}, nil)
	require.Equal(t, time.Duration(0), p.CalculateDelay(1))
	require.Equal(t, 100*time.Millisecond, p.CalculateDelay(2))
	require.Equal(t, 200*time.Millisecond, p.CalculateDelay(3))
	require.Equal(t, 300*time.Millisecond, p.CalculateDelay(4))

	p.Config.Jitter = true
	for i := 0; i < 20; i++ {
		d := p.CalculateDelay(2)
		require.GreaterOrEqual(t, d, 90*time.Millisecond)
		require.LessOrEqual(t, d, 110*time.Millisecond)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 3, InitialDelay: time.Millisecond}, nil)
	p.Sleep = noSleep
	calls := 0
	err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("temporary failure")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoExhausts(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 2, InitialDelay: time.Millisecond}, nil)
	p.Sleep = noSleep
	base := errors.New("timeout")
	err := p.Do(context.Background(), func(context.Context, int) error { return base })
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, base)
}

func TestDoStopsOnPermanent(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 5}, nil)
	p.Sleep = noSleep
	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return &StatusError{Service: "slack", Code: 403, Body: "forbidden"}
	})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrExhausted)
	require.Equal(t, 1, calls)
}

func TestDoHonoursContext(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 3, InitialDelay: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := p.Do(ctx, func(context.Context, int) error {
		calls++
		return errors.New("temporary")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}
