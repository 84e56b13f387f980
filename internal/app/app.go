// Package app wires configuration into the long-lived components shared by
// the CLI commands: database, gate manager, collaborators and controller.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	"mealplanner/internal/config"
	"mealplanner/internal/db"
	"mealplanner/internal/events"
	"mealplanner/internal/gate"
	"mealplanner/internal/llm"
	"mealplanner/internal/metrics"
	"mealplanner/internal/migrate"
	"mealplanner/internal/planner"
	"mealplanner/internal/repo"
	"mealplanner/internal/report"
	"mealplanner/internal/resolver"
	"mealplanner/internal/server"
	"mealplanner/internal/slack"
	"mealplanner/internal/todoist"
)

// App holds the components of one process.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
	Gates     *gate.Manager

	redis *redis.Client
	slack *slack.Client
}

// Open prepares the workspace database and the gate manager.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	a := &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Events:    events.Writer{DB: conn},
		Metrics:   metrics.New(),
		Logger:    logger,
	}
	store, err := a.gateStore(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}
	a.Gates = gate.NewManager(gate.Config{
		Store:           store,
		RecheckInterval: cfg.RecheckInterval(),
		Observer:        GateObserver{Events: a.Events, Metrics: a.Metrics, Logger: logger},
		Logger:          logger,
	})
	return a, nil
}

func (a *App) gateStore(ctx context.Context) (gate.Store, error) {
	switch a.Config.Approval.GateStore {
	case "", "sqlite":
		return gate.SQLStore{DB: a.DB}, nil
	case "redis":
		rc := a.Config.Redis
		a.redis = redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.redis.Close()
			return nil, fmt.Errorf("connect redis %s: %w", rc.Addr, err)
		}
		a.Logger.Info("using redis gate store", "addr", rc.Addr, "prefix", rc.Prefix)
		return gate.NewRedisStore(a.redis, rc.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown gate store %q", a.Config.Approval.GateStore)
	}
}

// Close releases the database and redis connections.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

// Slack returns the shared chat client, so every poller of the process goes
// through one rate limiter.
func (a *App) Slack() (*slack.Client, error) {
	if a.slack != nil {
		return a.slack, nil
	}
	sc := a.Config.Slack
	c, err := slack.New(slack.Config{
		Token:             sc.BotToken,
		ChannelID:         sc.ChannelID,
		BaseURL:           sc.BaseURL,
		RequestsPerSecond: sc.RequestsPerSecond,
		Retry:             a.Config.Retry,
		Logger:            a.Logger.With("component", "slack"),
		Metrics:           a.Metrics,
	})
	if err != nil {
		return nil, err
	}
	a.slack = c
	return c, nil
}

// Poller builds the poll channel over the shared chat client.
func (a *App) Poller() (resolver.Poller, error) {
	sc, err := a.Slack()
	if err != nil {
		return resolver.Poller{}, err
	}
	return resolver.Poller{
		Reader:   sc,
		Gate:     a.Gates,
		Interval: a.Config.PollInterval(),
		Logger:   a.Logger.With("component", "poller"),
		Metrics:  a.Metrics,
	}, nil
}

// ReportStore returns the configured report backend, or nil when reports
// are disabled.
func (a *App) ReportStore(ctx context.Context) (report.Store, error) {
	rc := a.Config.Reports
	switch rc.Backend {
	case "none":
		return nil, nil
	case "", "file":
		dir := rc.Dir
		if dir == "" {
			ws, err := db.EnsureWorkspace(a.Workspace)
			if err != nil {
				return nil, err
			}
			dir = filepath.Join(ws, "reports")
		}
		return report.FileStore{Dir: dir}, nil
	case "s3":
		s, err := report.NewS3Store(ctx, report.S3Config{
			Bucket:   rc.Bucket,
			Region:   rc.Region,
			Endpoint: rc.Endpoint,
			Prefix:   rc.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("report store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown report backend %q", rc.Backend)
	}
}

// Controller wires every collaborator of a run. The configuration must pass
// ValidateRun.
func (a *App) Controller(ctx context.Context) (*planner.Controller, error) {
	if err := a.Config.ValidateRun(); err != nil {
		return nil, err
	}
	cfg := a.Config
	claude, err := llm.NewClaude(llm.Config{
		APIKey:    cfg.LLM.APIKey,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
		BaseURL:   cfg.LLM.BaseURL,
		Retry:     cfg.Retry,
		Logger:    a.Logger.With("component", "llm"),
		Metrics:   a.Metrics,
	})
	if err != nil {
		return nil, err
	}
	sc, err := a.Slack()
	if err != nil {
		return nil, err
	}
	poller, err := a.Poller()
	if err != nil {
		return nil, err
	}
	tasks := todoist.NewWriter(todoist.Config{
		ServerURL: cfg.Todoist.ServerURL,
		AuthToken: cfg.Todoist.AuthToken,
		ProjectID: cfg.TaskProjectID(),
		Guard:     todoist.Guard{AllowedProjectID: cfg.Todoist.GroceryProjectID},
		Retry:     cfg.Retry,
		Logger:    a.Logger.With("component", "todoist"),
		Metrics:   a.Metrics,
	})
	reports, err := a.ReportStore(ctx)
	if err != nil {
		return nil, err
	}
	return &planner.Controller{
		DB:          a.DB,
		Repo:        a.Repo,
		Events:      a.Events,
		Parser:      claude,
		Generator:   claude,
		Presenter:   sc,
		Gate:        a.Gates,
		Poller:      poller,
		Tasks:       tasks,
		Notifier:    sc,
		Reports:     reports,
		Metrics:     a.Metrics,
		Logger:      a.Logger.With("component", "planner"),
		MaxAttempts: cfg.Approval.MaxRegenerationAttempts,
		Timeout:     cfg.ApprovalTimeout(),
	}, nil
}

// Handler builds the HTTP surface: Slack events feed the push channel, the
// admin API and metrics. Slack events stay disabled without a bot token and
// signing secret.
func (a *App) Handler() (http.Handler, error) {
	cfg := a.Config
	slackCfg := server.SlackConfig{SigningSecret: cfg.Slack.SigningSecret}
	if strings.TrimSpace(cfg.Slack.BotToken) != "" && strings.TrimSpace(cfg.Slack.SigningSecret) != "" {
		sc, err := a.Slack()
		if err != nil {
			return nil, err
		}
		slackCfg.Correlator = sc
		slackCfg.Push = resolver.Push{Gate: a.Gates, Logger: a.Logger.With("component", "push")}
	} else {
		a.Logger.Warn("slack events endpoint disabled; replies arrive by polling only")
	}
	return server.New(server.Config{
		Repo:     a.Repo,
		Gates:    a.Gates,
		Slack:    slackCfg,
		Metrics:  a.Metrics,
		BasePath: cfg.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret:              cfg.Server.JWTSecret,
			AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
			Logger:                 a.Logger.With("component", "auth"),
		},
		Logger: a.Logger.With("component", "server"),
	})
}
