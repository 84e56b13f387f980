package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mealplanner/internal/app"
	"mealplanner/internal/config"
	"mealplanner/internal/db"
	"mealplanner/internal/decision"
	"mealplanner/internal/domain"
	"mealplanner/internal/gate"
	"mealplanner/internal/planner"
	"mealplanner/internal/repo"
	"mealplanner/internal/report"
	"mealplanner/internal/resolver"
	"mealplanner/internal/server"
	mealplannersdk "mealplanner/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "mealplanner",
	Short: "Weekly meal planning with human approval",
	Long: `mealplanner generates a weekly meal plan, posts it to Slack for approval and
turns the approved plan into grocery tasks.

- Run: one planning session. Each round generates a plan and waits on an approval gate.
- Gate: a suspension point keyed round-<n>; the first reply (Slack push, thread poll or API) wins.
- Replies: "approve"/"yes"/"✅" approve, "reject"/"no"/"❌" reject, anything else is feedback
  and triggers a regenerated plan, up to max_regeneration_attempts times.
- Event log: every state change of a run, view it with 'mealplanner events'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
			return err
		}
		logger, err := app.NewLogger(os.Stderr, viper.GetBool("log-json"), viper.GetString("log-level"))
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MEALPLANNER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/mealplanner.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("log-json", false, "log as JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")
	for _, name := range []string{"workspace", "config", "json", "log-json", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(gatesCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(reportCmd())
}

func runCmd() *cobra.Command {
	var resume string
	var listen bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a planning run, or resume one awaiting approval",
		PreRunE: bindServerFlags,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ctrl, err := a.Controller(ctx)
				if err != nil {
					return err
				}
				if listen {
					shutdown, err := startHTTP(ctx, a)
					if err != nil {
						return err
					}
					defer shutdown()
				}
				var res planner.Result
				if resume != "" {
					res, err = ctrl.Resume(ctx, resume)
				} else {
					res, err = ctrl.Run(ctx, uuid.NewString(), a.Config.Preferences)
				}
				if err != nil {
					if res.RunID != "" && errors.Is(err, context.Canceled) {
						fmt.Fprintf(os.Stderr, "run %s is still awaiting approval; continue with: mealplanner run --resume %s\n", res.RunID, res.RunID)
					}
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().String("preferences", "", "dietary preferences text (default from config)")
	_ = viper.BindPFlag("preferences", cmd.Flags().Lookup("preferences"))
	cmd.Flags().String("addr", "", "listen address for --listen")
	cmd.Flags().BoolVar(&listen, "listen", false, "serve Slack events and the API while the run is active")
	cmd.Flags().StringVar(&resume, "resume", "", "resume the run with this id")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve Slack events, the admin API, metrics and outbound webhooks",
		PreRunE: bindServerFlags,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				shutdown, err := startHTTP(ctx, a)
				if err != nil {
					return err
				}
				defer shutdown()
				<-ctx.Done()
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (default from config)")
	cmd.Flags().String("base-path", "", "API base path")
	return cmd
}

// bindServerFlags binds the listen flags of the command being run; run and
// serve both define them.
func bindServerFlags(cmd *cobra.Command, args []string) error {
	if err := viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr")); err != nil {
		return err
	}
	if f := cmd.Flags().Lookup("base-path"); f != nil {
		return viper.BindPFlag("base-path", f)
	}
	return nil
}

// startHTTP serves the handler and the webhook dispatcher until ctx ends or
// the returned shutdown is called.
func startHTTP(ctx context.Context, a *app.App) (func(), error) {
	if bp := viper.GetString("base-path"); bp != "" {
		a.Config.Server.BasePath = bp
	}
	handler, err := a.Handler()
	if err != nil {
		return nil, err
	}
	hctx, cancel := context.WithCancel(ctx)
	server.StartWebhookDispatcher(hctx, a.Repo, a.Config.Webhooks, a.Logger.With("component", "webhooks"))
	addr := a.Config.Server.Addr
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-hctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		srv.Shutdown(sctx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("http server stopped", "error", err)
		}
	}()
	a.Logger.Info("serving", "addr", "http://"+addr, "api", a.Config.Server.BasePath, "slack_events", server.SlackEventsPath, "metrics", "/metrics")
	return cancel, nil
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect runs"}
	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRuns(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Status", "Attempt", "Outcome", "Tasks", "Created"})
				for _, run := range items {
					tw.AppendRow(table.Row{run.ID, run.Status, run.Attempt, run.Outcome, run.TaskCount, run.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status")
	list.Flags().IntVar(&limit, "limit", 50, "maximum runs")

	show := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run and its gates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Repo.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				gates, err := a.Gates.List(ctx, run.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "gates": gates})
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"ID", run.ID},
					{"Status", run.Status},
					{"Attempt", run.Attempt},
					{"Outcome", run.Outcome},
					{"Tasks", run.TaskCount},
					{"Preferences", run.Preferences},
					{"Created", run.CreatedAt},
					{"Updated", run.UpdatedAt},
				})
				if run.Error != nil {
					tw.AppendRow(table.Row{"Error", *run.Error})
				}
				if run.ReportURI != nil {
					tw.AppendRow(table.Row{"Report", *run.ReportURI})
				}
				fmt.Println(tw.Render())
				printGates(gates)
				return nil
			})
		},
	}
	runs.AddCommand(list, show)
	return runs
}

func gatesCmd() *cobra.Command {
	gates := &cobra.Command{Use: "gates", Short: "Inspect and resolve approval gates"}
	list := &cobra.Command{
		Use:   "list RUN_ID",
		Short: "List the gates of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Gates.List(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printGates(items)
				return nil
			})
		},
	}
	var serverURL, apiKey string
	resolve := &cobra.Command{
		Use:   "resolve RUN_ID KEY TEXT",
		Short: "Resolve a pending gate with reply text",
		Long: `Resolve a pending gate with reply text, interpreted exactly like a Slack reply.
With --server the resolution goes through the admin API of a running 'mealplanner serve'.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, key, text := args[0], args[1], args[2]
			if serverURL != "" {
				c := mealplannersdk.New(serverURL)
				c.APIKey = apiKey
				g, err := c.ResolveText(cmd.Context(), runID, key, text)
				if err != nil {
					if mealplannersdk.IsAlreadyResolved(err) {
						return fmt.Errorf("gate %s/%s is no longer pending", runID, key)
					}
					return err
				}
				return printJSON(g)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				status, err := a.Gates.Resolve(ctx, runID, key, decision.Normalize(text), resolver.ChannelAPI)
				if err != nil {
					return err
				}
				switch status {
				case gate.NotFound:
					return fmt.Errorf("gate %s/%s not found", runID, key)
				case gate.AlreadyResolved:
					return fmt.Errorf("gate %s/%s is no longer pending", runID, key)
				}
				g, err := a.Gates.Get(ctx, runID, key)
				if err != nil {
					return err
				}
				return printJSON(g)
			})
		},
	}
	resolve.Flags().StringVar(&serverURL, "server", "", "admin API base URL, e.g. http://127.0.0.1:8080")
	resolve.Flags().StringVar(&apiKey, "api-key", os.Getenv("MEALPLANNER_API_KEY"), "admin API key")
	gates.AddCommand(list, resolve)
	return gates
}

func eventsCmd() *cobra.Command {
	var n int
	var runID, evtType string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, n, 0, runID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Run", "Entity", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.RunID, e.EntityID, e.Payload})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage admin API keys"}
	var actorID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				k, raw := repo.NewAPIKey(actorID, name, time.Now())
				if err := r.InsertAPIKey(ctx, nil, k); err != nil {
					return err
				}
				return printJSON(map[string]string{"id": k.ID, "actor_id": k.ActorID, "key": raw})
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "admin", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "label")

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "actor filter")

	del := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	keys.AddCommand(create, list, del)
	return keys
}

func tokenCmd() *cobra.Command {
	var actorID string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with server.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tok, err := server.IssueToken(cfg.Server.JWTSecret, actorID, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "admin", "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", []string{server.RoleOperator}, "roles claim: viewer or operator")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 never expires")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Show or initialize configuration"}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Redacted())
			}
			out, err := cfg.Redacted().YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfgCmd.AddCommand(show, initCmd)
	return cfgCmd
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report RUN_ID",
		Short: "Print the markdown plan report of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Repo.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				store, err := a.ReportStore(ctx)
				if err != nil {
					return err
				}
				if store != nil {
					data, err := store.Get(ctx, report.Key(run.ID))
					if err == nil {
						fmt.Print(string(data))
						return nil
					}
					if !errors.Is(err, report.ErrNotFound) {
						return err
					}
				}
				if run.PlanJSON == nil {
					return fmt.Errorf("run %s has no plan yet", run.ID)
				}
				var plan domain.Plan
				if err := json.Unmarshal([]byte(*run.PlanJSON), &plan); err != nil {
					return fmt.Errorf("decode stored plan: %w", err)
				}
				fmt.Print(report.Render(report.Report{
					RunID:   run.ID,
					Outcome: domain.Outcome(run.Outcome),
					Attempt: run.Attempt,
					Plan:    plan,
				}))
				return nil
			})
		},
	}
	return cmd
}

// --- helpers ---

func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	return config.Path(viper.GetString("workspace"))
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath(), viper.GetViper())
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, viper.GetString("workspace"), cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Repo)
	})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	return tw
}

func printGates(gates []domain.Gate) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Key", "Status", "Channel", "Decision", "Deadline"})
	for _, g := range gates {
		tw.AppendRow(table.Row{g.Key, g.Status, g.Channel, describeDecision(g.Decision), g.Deadline.Format(time.RFC3339)})
	}
	fmt.Println(tw.Render())
}

func describeDecision(d *domain.Decision) string {
	switch {
	case d == nil:
		return ""
	case d.Approved:
		return "approved"
	case d.HasFeedback():
		return "feedback: " + *d.Feedback
	default:
		return "rejected"
	}
}

func printResult(res planner.Result) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"Run", res.RunID},
		{"Outcome", res.Outcome},
		{"Attempt", res.Attempt},
		{"Meals", len(res.Plan.Meals)},
		{"Tasks", len(res.Tasks)},
	})
	if res.Feedback != nil {
		tw.AppendRow(table.Row{"Feedback", *res.Feedback})
	}
	if res.ReportURI != "" {
		tw.AppendRow(table.Row{"Report", res.ReportURI})
	}
	fmt.Println(tw.Render())
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
