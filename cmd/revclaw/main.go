package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"revclaw/internal/app"
	"revclaw/internal/config"
	"revclaw/internal/db"
	"revclaw/internal/domain"
	"revclaw/internal/intent"
	"revclaw/internal/migrate"
	"revclaw/internal/plan"
	"revclaw/internal/server"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "revclaw",
	Short: "RevClaw plan execution service",
	Long: `RevClaw executes agent-drafted marketplace plans: marketers applying to
promote projects and claiming coupon codes, founders launching projects
with rewards, coupon templates, and marketer invitations. Every plan is
approved up front, authorized by a single-use intent, and executed
through an idempotent step log so retries never duplicate side effects.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REVCLAW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(intentCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(marketerCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(versionCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				secret := a.Config.Server.JWTSecret
				if env := os.Getenv("REVCLAW_JWT_SECRET"); env != "" {
					secret = env
				}
				if secret == "" {
					return fmt.Errorf("a JWT secret is required; set server.jwt_secret or REVCLAW_JWT_SECRET")
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving RevClaw API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("database is up to date")
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default revclaw.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default()
			}
			return printJSON(cfg)
		},
	})
	return cfg
}

func planCmd() *cobra.Command {
	pc := &cobra.Command{Use: "plan", Short: "Manage plans"}
	pc.AddCommand(planListCmd())
	pc.AddCommand(planShowCmd())
	pc.AddCommand(planImportCmd())
	pc.AddCommand(planApproveCmd())
	pc.AddCommand(planCancelCmd())
	return pc
}

func planListCmd() *cobra.Command {
	var installation string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var plans []domain.Plan
				var err error
				if installation != "" {
					plans, err = a.Engine.Repo.ListPlans(ctx, installation)
				} else {
					plans, err = a.Engine.Repo.ListAllPlans(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plans)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Status", "User", "Created"})
				for _, p := range plans {
					tw.AppendRow(table.Row{p.ID, p.Kind, p.Status, p.UserID, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&installation, "installation", "", "filter by installation id")
	return cmd
}

func planShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a plan and its execution record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Repo.GetPlan(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func planImportCmd() *cobra.Command {
	var file, user, installation string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a plan JSON file as a draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			payload, err := plan.Decode(raw)
			if err != nil {
				return err
			}
			hash, err := plan.Hash(raw)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				now := time.Now().UTC().Format(time.RFC3339)
				p := domain.Plan{
					ID:             uuid.NewString(),
					InstallationID: installation,
					UserID:         user,
					Kind:           string(payload.PlanKind()),
					Status:         "DRAFT",
					Hash:           hash,
					JSON:           string(raw),
					CreatedAt:      now,
					UpdatedAt:      now,
				}
				if err := a.Engine.Repo.InsertPlan(ctx, p); err != nil {
					return err
				}
				fmt.Println(p.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "plan JSON file")
	cmd.Flags().StringVar(&user, "user", "", "owning user id")
	cmd.Flags().StringVar(&installation, "installation", "", "installation id")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("installation")
	return cmd
}

func planApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <plan-id>",
		Short: "Approve a draft plan, freezing its content hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Repo.GetPlan(ctx, args[0])
				if err != nil {
					return err
				}
				hash, err := plan.Hash([]byte(p.JSON))
				if err != nil {
					return err
				}
				now := time.Now().UTC().Format(time.RFC3339)
				if err := a.Engine.Repo.ApprovePlan(ctx, p.ID, hash, now); err != nil {
					return err
				}
				fmt.Println("approved", p.ID)
				return nil
			})
		},
	}
}

func planCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <plan-id>",
		Short: "Cancel a plan that has not finished executing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Repo.GetPlan(ctx, args[0])
				if err != nil {
					return err
				}
				if p.Status == "EXECUTED" {
					return fmt.Errorf("plan %s has already executed", p.ID)
				}
				now := time.Now().UTC().Format(time.RFC3339)
				if err := a.Engine.Repo.UpdatePlanStatus(ctx, p.ID, "CANCELED", now); err != nil {
					return err
				}
				fmt.Println("canceled", p.ID)
				return nil
			})
		},
	}
}

func intentCmd() *cobra.Command {
	ic := &cobra.Command{Use: "intent", Short: "Manage execution intents"}
	var planID string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a single-use intent for an approved plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Repo.GetPlan(ctx, planID)
				if err != nil {
					return err
				}
				if p.Status != "APPROVED" && p.Status != "EXECUTING" {
					return fmt.Errorf("plan %s is %s; only approved plans get intents", p.ID, p.Status)
				}
				canonical, err := plan.Canonical([]byte(p.JSON))
				if err != nil {
					return err
				}
				id, err := a.Engine.Intents.Issue(ctx, p.InstallationID, intent.KindPlanExecute, plan.Fingerprint{
					PlanID:   p.ID,
					PlanHash: p.Hash,
					PlanJSON: json.RawMessage(canonical),
				})
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}
	issue.Flags().StringVar(&planID, "plan", "", "plan id")
	_ = issue.MarkFlagRequired("plan")
	ic.AddCommand(issue)
	return ic
}

func projectCmd() *cobra.Command {
	pc := &cobra.Command{Use: "project", Short: "Manage projects"}
	var projectID, accountID string
	connect := &cobra.Command{
		Use:   "connect-stripe",
		Short: "Attach a payment provider account to a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Repo.SetProjectStripeAccount(ctx, projectID, accountID); err != nil {
					return err
				}
				fmt.Printf("project %s connected to %s\n", projectID, accountID)
				return nil
			})
		},
	}
	connect.Flags().StringVar(&projectID, "project", "", "project id")
	connect.Flags().StringVar(&accountID, "account", "", "provider account id")
	_ = connect.MarkFlagRequired("project")
	_ = connect.MarkFlagRequired("account")
	pc.AddCommand(connect)

	show := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Repo.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				rewards, err := a.Engine.Repo.ListRewards(ctx, p.ID)
				if err != nil {
					return err
				}
				coupons, err := a.Engine.Repo.CountCoupons(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSON(struct {
					Project domain.Project  `json:"project"`
					Rewards []domain.Reward `json:"rewards"`
					Coupons int             `json:"coupons"`
				}{p, rewards, coupons})
			})
		},
	}
	pc.AddCommand(show)
	return pc
}

func marketerCmd() *cobra.Command {
	mc := &cobra.Command{Use: "marketer", Short: "Manage marketer profiles"}
	var user, name, focus string
	var specialties []string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a marketer profile for invitation matching",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p := domain.MarketerProfile{
					UserID:      user,
					DisplayName: name,
					Specialties: specialties,
					FocusArea:   focus,
					CreatedAt:   time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Engine.Repo.InsertMarketerProfile(ctx, p); err != nil {
					return err
				}
				fmt.Println("added", user)
				return nil
			})
		},
	}
	add.Flags().StringVar(&user, "user", "", "user id")
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringSliceVar(&specialties, "specialty", nil, "specialty category (repeatable)")
	add.Flags().StringVar(&focus, "focus", "", "focus area")
	_ = add.MarkFlagRequired("user")
	_ = add.MarkFlagRequired("name")
	mc.AddCommand(add)
	return mc
}

func logCmd() *cobra.Command {
	lc := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Subject", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.SubjectKind + "/" + e.SubjectID, e.ActorUserID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	lc.AddCommand(tail)
	return lc
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("revclaw", version)
		},
	}
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
