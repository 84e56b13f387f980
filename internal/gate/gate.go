// Package gate implements the approval gate: a durable suspension point keyed
// by (run id, key) that accepts exactly one resolution or expires.
//
// A Manager owns the wait side. Pause blocks only the calling goroutine and
// wakes on an in-process resolution, on a periodic store re-check (resolutions
// written by another process), on the gate deadline, or on context
// cancellation. Resolve is a compare-and-set against the Store; whichever
// channel calls it first wins and every later call observes AlreadyResolved.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mealplanner/internal/domain"
)

var (
	// ErrGateTimeout is returned by Pause when the deadline passes unresolved.
	ErrGateTimeout = errors.New("approval gate timed out")
	// ErrNotFound is returned by stores for unknown (run id, key) pairs.
	ErrNotFound = errors.New("gate not found")
	// ErrStoreUnavailable wraps any failure of the backing store during Pause.
	ErrStoreUnavailable = errors.New("gate store unavailable")
)

// ResolveStatus is the outcome of a Resolve call.
type ResolveStatus string

const (
	Resolved ResolveStatus = "resolved"
	// AlreadyResolved covers both terminal states: resolved by another caller or expired.
	AlreadyResolved ResolveStatus = "already_resolved"
	NotFound        ResolveStatus = "not_found"
)

// Store persists gates. Create inserts a pending gate unless one exists and
// reports whether it did. CompareAndResolve and CompareAndExpire must be
// atomic transitions out of pending; they report whether this call performed it.
type Store interface {
	Create(ctx context.Context, h domain.GateHandle) (domain.Gate, bool, error)
	Get(ctx context.Context, runID, key string) (domain.Gate, error)
	List(ctx context.Context, runID string) ([]domain.Gate, error)
	CompareAndResolve(ctx context.Context, runID, key string, d domain.Decision, channel string, at time.Time) (bool, error)
	CompareAndExpire(ctx context.Context, runID, key string, at time.Time) (bool, error)
}

// Observer receives gate lifecycle notifications (event log, metrics).
type Observer interface {
	GateOpened(ctx context.Context, g domain.Gate)
	GateResolved(ctx context.Context, g domain.Gate)
	GateRejected(ctx context.Context, runID, key, channel string, status ResolveStatus)
	GateExpired(ctx context.Context, runID, key string)
}

type Config struct {
	Store Store
	// RecheckInterval bounds how long Pause goes without re-reading the store.
	RecheckInterval time.Duration
	Observer        Observer
	Logger          *slog.Logger
	Now             func() time.Time
}

// Manager is safe for concurrent use.
type Manager struct {
	store    Store
	recheck  time.Duration
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

const defaultRecheckInterval = 2 * time.Second

func NewManager(cfg Config) *Manager {
	m := &Manager{
		store:    cfg.Store,
		recheck:  cfg.RecheckInterval,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		now:      cfg.Now,
		waiters:  make(map[string][]chan struct{}),
	}
	if m.recheck <= 0 {
		m.recheck = defaultRecheckInterval
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.observer == nil {
		m.observer = nopObserver{}
	}
	return m
}

func gateID(runID, key string) string { return runID + "/" + key }

// Open creates the pending gate if it does not exist yet and returns its
// current state. Opening an existing gate does not move its deadline.
func (m *Manager) Open(ctx context.Context, runID, key string, timeout time.Duration) (domain.Gate, error) {
	if runID == "" || key == "" {
		return domain.Gate{}, errors.New("run id and key are required")
	}
	if timeout <= 0 {
		return domain.Gate{}, fmt.Errorf("invalid gate timeout %s", timeout)
	}
	now := m.now().UTC()
	g, created, err := m.store.Create(ctx, domain.GateHandle{
		RunID:     runID,
		Key:       key,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
	})
	if err != nil {
		return domain.Gate{}, fmt.Errorf("%w: open %s: %w", ErrStoreUnavailable, gateID(runID, key), err)
	}
	if created {
		m.logger.Info("approval gate opened", "run_id", runID, "key", key, "deadline", g.Deadline)
		m.observer.GateOpened(ctx, g)
	}
	return g, nil
}

// Pause suspends the caller until the gate is resolved, returning its
// decision, or until the deadline passes, returning ErrGateTimeout. A gate
// that is already resolved (for example by a previous process) returns
// immediately.
func (m *Manager) Pause(ctx context.Context, runID, key string, timeout time.Duration) (domain.Decision, error) {
	wake, cancel := m.subscribe(runID, key)
	defer cancel()

	g, err := m.Open(ctx, runID, key, timeout)
	if err != nil {
		return domain.Decision{}, err
	}
	for {
		switch g.Status {
		case domain.GateResolved:
			if g.Decision == nil {
				return domain.Decision{}, fmt.Errorf("%w: gate %s resolved without decision", ErrStoreUnavailable, gateID(runID, key))
			}
			return *g.Decision, nil
		case domain.GateExpired:
			return domain.Decision{}, fmt.Errorf("%w: %s", ErrGateTimeout, gateID(runID, key))
		}

		remaining := g.Deadline.Sub(m.now())
		if remaining <= 0 {
			expired, err := m.store.CompareAndExpire(ctx, runID, key, m.now().UTC())
			if err != nil {
				return domain.Decision{}, fmt.Errorf("%w: expire %s: %w", ErrStoreUnavailable, gateID(runID, key), err)
			}
			if expired {
				m.logger.Warn("approval gate expired", "run_id", runID, "key", key, "deadline", g.Deadline)
				m.observer.GateExpired(ctx, runID, key)
				return domain.Decision{}, fmt.Errorf("%w: %s", ErrGateTimeout, gateID(runID, key))
			}
			// Lost the race to a resolution; re-read below.
		} else {
			wait := remaining
			if wait > m.recheck {
				wait = m.recheck
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return domain.Decision{}, ctx.Err()
			case <-wake:
				timer.Stop()
			case <-timer.C:
			}
		}

		g, err = m.store.Get(ctx, runID, key)
		if err != nil {
			return domain.Decision{}, fmt.Errorf("%w: read %s: %w", ErrStoreUnavailable, gateID(runID, key), err)
		}
	}
}

// Resolve attempts to transition the gate from pending to resolved with d.
// Exactly one concurrent caller gets Resolved; the rest get AlreadyResolved.
func (m *Manager) Resolve(ctx context.Context, runID, key string, d domain.Decision, channel string) (ResolveStatus, error) {
	ok, err := m.store.CompareAndResolve(ctx, runID, key, d, channel, m.now().UTC())
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", gateID(runID, key), err)
	}
	if ok {
		m.notify(runID, key)
		g, err := m.store.Get(ctx, runID, key)
		if err == nil {
			m.observer.GateResolved(ctx, g)
		}
		m.logger.Info("approval gate resolved", "run_id", runID, "key", key, "channel", channel, "approved", d.Approved, "regenerate", d.Regenerate)
		return Resolved, nil
	}
	status := AlreadyResolved
	if _, err := m.store.Get(ctx, runID, key); errors.Is(err, ErrNotFound) {
		status = NotFound
	} else if err != nil {
		return "", fmt.Errorf("resolve %s: %w", gateID(runID, key), err)
	}
	m.observer.GateRejected(ctx, runID, key, channel, status)
	return status, nil
}

// Get returns the stored gate state.
func (m *Manager) Get(ctx context.Context, runID, key string) (domain.Gate, error) {
	return m.store.Get(ctx, runID, key)
}

// List returns all gates of a run ordered by creation.
func (m *Manager) List(ctx context.Context, runID string) ([]domain.Gate, error) {
	return m.store.List(ctx, runID)
}

// IsPending reports whether the gate can still be resolved.
func (m *Manager) IsPending(ctx context.Context, runID, key string) (bool, error) {
	g, err := m.store.Get(ctx, runID, key)
	if err != nil {
		return false, err
	}
	return g.Status == domain.GatePending && m.now().Before(g.Deadline), nil
}

func (m *Manager) subscribe(runID, key string) (<-chan struct{}, func()) {
	id := gateID(runID, key)
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.waiters[id] = append(m.waiters[id], ch)
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.waiters[id]
		for i, c := range list {
			if c == ch {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(m.waiters, id)
		} else {
			m.waiters[id] = list
		}
	}
}

func (m *Manager) notify(runID, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.waiters[gateID(runID, key)] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

type nopObserver struct{}

func (nopObserver) GateOpened(context.Context, domain.Gate)                             {}
func (nopObserver) GateResolved(context.Context, domain.Gate)                           {}
func (nopObserver) GateRejected(context.Context, string, string, string, ResolveStatus) {}
func (nopObserver) GateExpired(context.Context, string, string)                         {}
