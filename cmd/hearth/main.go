package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"hearth/internal/app"
	"hearth/internal/config"
	"hearth/internal/db"
	"hearth/internal/domain"
	"hearth/internal/engine"
	"hearth/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "hearth",
	Short: "Hearth household automation engine",
	Long: `Hearth turns household domain events into scheduled tasks, classifies
them by safety tier, and executes reasoning-service actions with
approval gates, retry backoff, and a full audit trail of runs.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HEARTH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(actionsCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				fmt.Println("workspace ready at", db.Path(viper.GetString("workspace")))
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage tasks"}
	cmd.AddCommand(taskAddCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskApproveCmd())
	cmd.AddCommand(taskRunCmd())
	cmd.AddCommand(taskRetryResetCmd())
	return cmd
}

func taskAddCmd() *cobra.Command {
	var (
		taskType    string
		description string
		household   string
		payloadJSON string
		maxRetries  int
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				var payload map[string]any
				if payloadJSON != "" {
					if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
						return fmt.Errorf("payload-json: %w", err)
					}
				}
				t, err := a.Engine.CreateTask(cmd.Context(), engine.TaskCreateOptions{
					HouseholdID: household,
					Type:        taskType,
					Description: description,
					Payload:     payload,
					MaxRetries:  maxRetries,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&taskType, "type", "", "task type (e.g. bills.create)")
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().StringVar(&household, "household", "default", "household id")
	cmd.Flags().StringVar(&payloadJSON, "payload-json", "", "task payload as JSON")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry bound (0 = default)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				tasks, err := a.Repo.ListTasks(cmd.Context(), status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Retries", "Next Run", "Last Error"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Type, t.Status, fmt.Sprintf("%d/%d", t.Retries, t.MaxRetries), deref(t.NextRunAt), deref(t.LastError)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				t, err := a.Repo.GetTask(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskApproveCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a task awaiting sign-off",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				t, err := a.Engine.Approve(cmd.Context(), args[0], viper.GetString("actor-id"), token)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "signed approval token (required for signature tiers)")
	return cmd
}

func taskRunCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Execute a task now, outside the worker cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				if err := a.Worker().RunTask(cmd.Context(), args[0], source); err != nil {
					return err
				}
				t, err := a.Repo.GetTask(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", domain.SourceShell, "run source (shell or maintenance)")
	return cmd
}

func taskRetryResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-reset <id>",
		Short: "Unblock a blocked task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				t, err := a.Engine.ResetRetries(cmd.Context(), args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func eventCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "event", Short: "Inspect and process events"}
	cmd.AddCommand(eventListCmd())
	cmd.AddCommand(eventProcessCmd())
	return cmd
}

func eventListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				items, err := a.Repo.ListEvents(cmd.Context(), status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Source", "Status", "Created"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.Type, e.SourceModel + "/" + e.SourceID, e.Status, e.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func eventProcessCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Process pending events into tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				n, err := a.Processor.ProcessPending(cmd.Context(), limit)
				if err != nil {
					return err
				}
				fmt.Printf("processed %d events\n", n)
				errored, err := a.Repo.ListEvents(cmd.Context(), domain.EventError, 0)
				if err != nil {
					return err
				}
				if len(errored) > 0 {
					fmt.Printf("%d events need manual remediation:\n", len(errored))
					for _, e := range errored {
						fmt.Printf("  %s %s: %s\n", e.ID, e.Type, deref(e.Error))
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max events per pass")
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "run", Short: "Inspect run audit records"}
	cmd.AddCommand(runListCmd())
	cmd.AddCommand(runShowCmd())
	return cmd
}

func runListCmd() *cobra.Command {
	var taskID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				items, err := a.Repo.ListRuns(cmd.Context(), taskID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Status", "Source", "Created", "Output"})
				for _, rn := range items {
					tw.AppendRow(table.Row{rn.ID, deref(rn.TaskID), rn.Status, rn.Source, rn.CreatedAt, rn.OutputText})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "filter by task id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func runShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				rn, err := a.Repo.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rn)
			})
		},
	}
}

func actionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "List the action catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				schemas := a.Registry.Schemas()
				if viper.GetBool("json") {
					return printJSON(schemas)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Type", "Tier", "Worker", "Description"})
				for _, s := range schemas {
					tw.AppendRow(table.Row{s.Type, int(s.Tier), s.AllowInWorker, s.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the polling task worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				w := a.Worker()
				a.Log.Info().
					Bool("enabled", a.Config.WorkerEnabled).
					Str("mode", a.Config.Mode).
					Dur("poll_interval", a.Config.PollInterval).
					Msg("worker starting")
				err := w.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				handler, err := server.New(server.Config{App: a, BasePath: basePath})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-cmd.Context().Done()
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(ctx)
				}()
				fmt.Printf("Serving Hearth API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <task-id>",
		Short: "Mint a signed approval token for a signature-tier task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				token, err := a.Engine.MintApprovalToken(args[0], viper.GetString("actor-id"), ttl)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "token lifetime")
	return cmd
}

// --- helpers ---

func withApp(fn func(*app.App) error) error {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return err
	}
	a, err := app.Open(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
