package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"worktally/internal/app"
	"worktally/internal/config"
	"worktally/internal/db"
	"worktally/internal/domain"
	"worktally/internal/server"
	"worktally/internal/state"
)

var rootCmd = &cobra.Command{
	Use:   "wt",
	Short: "Worktally CLI",
	Long: `Worktally tracks work performed on projects: discrete time spans
("work slices") billed hourly or flat, grouped into projects, with a
many-to-many relation between projects and slices.

Amounts are whole pence (or cents): an hourly rate of 2500 is 25.00/hour.`,
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
	viper.SetEnvPrefix("WORKTALLY")
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
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(sliceCmd())
	rootCmd.AddCommand(owedCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

// withApp runs fn against a locally backed State and tears the app
// down afterwards, which fires the commit hook and persists pending
// changes.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	return fn(ctx, a)
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.State.CreateProject(ctx, args[0], description)
				if err != nil {
					return err
				}
				fmt.Printf("created project %d: %s\n", p.ID, p.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "project description")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projects, err := a.State.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(projects)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Description", "Slices"})
				for _, p := range projects {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Description, len(p.SliceIDs)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project and its slices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProjectID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.State.GetProject(ctx, id)
				if err != nil {
					return err
				}
				slices, err := a.State.ProjectSlices(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project": p, "slices": slices})
				}
				fmt.Printf("%d: %s", p.ID, p.Name)
				if p.Description != "" {
					fmt.Printf(" — %s", p.Description)
				}
				fmt.Println()
				renderSlices(a, slices)
				return nil
			})
		},
	}
}

func projectUpdateCmd() *cobra.Command {
	var name, description string
	cmd := &cobra.Command{
		Use:   "update <project-id>",
		Short: "Rename or redescribe a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProjectID(args[0])
			if err != nil {
				return err
			}
			if name == "" && !cmd.Flags().Changed("description") {
				return fmt.Errorf("nothing to update; pass --name or --description")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if name != "" {
					if err := a.State.RenameProject(ctx, id, name); err != nil {
						return err
					}
				}
				if cmd.Flags().Changed("description") {
					if err := a.State.RedescribeProject(ctx, id, description); err != nil {
						return err
					}
				}
				fmt.Printf("updated project %d\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project (its slices survive)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProjectID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.State.DeleteProject(ctx, id); err != nil {
					return err
				}
				fmt.Printf("deleted project %d\n", id)
				return nil
			})
		},
	}
}

func workCmd() *cobra.Command {
	work := &cobra.Command{Use: "work", Short: "Start and stop work"}
	work.AddCommand(workStartCmd())
	work.AddCommand(workStopCmd())
	return work
}

func workStartCmd() *cobra.Command {
	var hourly, flat int64
	cmd := &cobra.Command{
		Use:   "start <project-id>",
		Short: "Start an ongoing work slice on a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProjectID(args[0])
			if err != nil {
				return err
			}
			payment, err := paymentFromFlags(cmd, hourly, flat)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.State.StartWork(ctx, id, payment, time.Time{})
				if err != nil {
					return err
				}
				fmt.Printf("started slice %d on project %d (%s)\n", s.ID, id, s.Payment)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&hourly, "hourly", 0, "hourly rate in pence")
	cmd.Flags().Int64Var(&flat, "flat", 0, "flat amount in pence")
	return cmd
}

func workStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <project-id>",
		Short: "Complete the project's ongoing work slice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProjectID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				slices, err := a.State.ProjectSlices(ctx, id)
				if err != nil {
					return err
				}
				for _, s := range slices {
					if !s.Span.Complete() {
						if err := a.State.CompleteWork(ctx, s.ID, time.Time{}); err != nil {
							return err
						}
						fmt.Printf("completed slice %d\n", s.ID)
						return nil
					}
				}
				return fmt.Errorf("project %d has no ongoing slice", id)
			})
		},
	}
}

func sliceCmd() *cobra.Command {
	sl := &cobra.Command{Use: "slice", Short: "Manage work slices"}
	sl.AddCommand(sliceCreateCmd())
	sl.AddCommand(sliceShowCmd())
	sl.AddCommand(sliceCompleteCmd())
	sl.AddCommand(slicePaymentCmd())
	sl.AddCommand(sliceLinkCmd())
	sl.AddCommand(sliceUnlinkCmd())
	sl.AddCommand(sliceDeleteCmd())
	return sl
}

func sliceCreateCmd() *cobra.Command {
	var hourly, flat int64
	var start, end string
	var projects []int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work slice, optionally linked to projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			payment, err := paymentFromFlags(cmd, hourly, flat)
			if err != nil {
				return err
			}
			opts := state.SliceCreateOptions{Payment: payment}
			if start != "" {
				t, err := time.Parse(time.RFC3339, start)
				if err != nil {
					return fmt.Errorf("invalid --start: %w", err)
				}
				opts.Start = t
			} else {
				opts.Start = time.Now().UTC()
			}
			if end != "" {
				t, err := time.Parse(time.RFC3339, end)
				if err != nil {
					return fmt.Errorf("invalid --end: %w", err)
				}
				opts.End = &t
			}
			for _, pid := range projects {
				opts.ProjectIDs = append(opts.ProjectIDs, domain.ProjectID(pid))
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.State.CreateSlice(ctx, opts)
				if err != nil {
					return err
				}
				fmt.Printf("created slice %d (%s)\n", s.ID, s.Payment)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&hourly, "hourly", 0, "hourly rate in pence")
	cmd.Flags().Int64Var(&flat, "flat", 0, "flat amount in pence")
	cmd.Flags().StringVar(&start, "start", "", "start instant (RFC3339, default now)")
	cmd.Flags().StringVar(&end, "end", "", "end instant (RFC3339; omit for an ongoing slice)")
	cmd.Flags().Int64SliceVar(&projects, "project", nil, "project id to link (repeatable)")
	return cmd
}

func sliceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <slice-id>",
		Short: "Show a work slice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSliceID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.State.GetSlice(ctx, id)
				if err != nil {
					return err
				}
				pids, err := a.State.SliceProjects(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"slice": s, "projects": pids})
				}
				renderSlices(a, []domain.SliceSnapshot{s})
				fmt.Printf("projects: %v\n", pids)
				return nil
			})
		},
	}
}

func sliceCompleteCmd() *cobra.Command {
	var end string
	cmd := &cobra.Command{
		Use:   "complete <slice-id>",
		Short: "Complete an ongoing work slice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSliceID(args[0])
			if err != nil {
				return err
			}
			var endAt time.Time
			if end != "" {
				endAt, err = time.Parse(time.RFC3339, end)
				if err != nil {
					return fmt.Errorf("invalid --end: %w", err)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.State.CompleteWork(ctx, id, endAt); err != nil {
					return err
				}
				fmt.Printf("completed slice %d\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&end, "end", "", "end instant (RFC3339, default now)")
	return cmd
}

func slicePaymentCmd() *cobra.Command {
	var hourly, flat int64
	cmd := &cobra.Command{
		Use:   "payment <slice-id>",
		Short: "Replace a slice's payment terms",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSliceID(args[0])
			if err != nil {
				return err
			}
			payment, err := paymentFromFlags(cmd, hourly, flat)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.State.SetPayment(ctx, id, payment); err != nil {
					return err
				}
				fmt.Printf("slice %d now pays %s\n", id, payment)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&hourly, "hourly", 0, "hourly rate in pence")
	cmd.Flags().Int64Var(&flat, "flat", 0, "flat amount in pence")
	return cmd
}

func sliceLinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link <slice-id> <project-id>",
		Short: "Link a slice to a project",
		Args:  cobra.ExactArgs(2),
		RunE:  runLink(true),
	}
}

func sliceUnlinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlink <slice-id> <project-id>",
		Short: "Unlink a slice from a project",
		Args:  cobra.ExactArgs(2),
		RunE:  runLink(false),
	}
}

func runLink(link bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		sid, err := parseSliceID(args[0])
		if err != nil {
			return err
		}
		pid, err := parseProjectID(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			if link {
				if err := a.State.Link(ctx, pid, sid); err != nil {
					return err
				}
				fmt.Printf("linked slice %d to project %d\n", sid, pid)
			} else {
				if err := a.State.Unlink(ctx, pid, sid); err != nil {
					return err
				}
				fmt.Printf("unlinked slice %d from project %d\n", sid, pid)
			}
			return nil
		})
	}
}

func sliceDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <slice-id>",
		Short: "Delete a work slice everywhere",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSliceID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.State.DeleteSlice(ctx, id); err != nil {
					return err
				}
				fmt.Printf("deleted slice %d\n", id)
				return nil
			})
		},
	}
}

func owedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "owed <project-id>",
		Short: "Total amount owed for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProjectID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				owed, err := a.State.AmountOwed(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"amount": owed.Pence(), "formatted": owed.Format(a.Config.Currency.Symbol)})
				}
				fmt.Println(owed.Format(a.Config.Currency.Symbol))
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the change log"}
	lg.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Print and persist the pending change log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				changes := a.State.Drain()
				if err := a.Store.Apply(ctx, changes); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(changes)
				}
				for _, c := range changes {
					fmt.Printf("%s  %-16s project=%d slice=%d\n", c.At.Format(time.RFC3339), c.Op, c.ProjectID, c.SliceID)
				}
				fmt.Printf("%d change(s) persisted\n", len(changes))
				return nil
			})
		},
	})
	return lg
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage worktally.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default worktally.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.Open(ctx, app.Options{
				Workspace: viper.GetString("workspace"),
				Remote:    true,
			})
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if addr == "" {
				addr = a.Config.Serve.Addr
			}
			if basePath == "" {
				basePath = a.Config.Serve.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:   a.Config.Auth.JWTSecret,
				StaticToken: a.Config.Auth.StaticToken,
				Logger:      a.Log,
			}
			if secret := os.Getenv("WORKTALLY_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			handler, err := server.New(server.Config{
				State:    a.State,
				BasePath: basePath,
				Auth:     authCfg,
				Symbol:   a.Config.Currency.Symbol,
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
			fmt.Printf("Serving Worktally API on http://%s%s (OpenAPI at /openapi.json)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func paymentFromFlags(cmd *cobra.Command, hourly, flat int64) (domain.Payment, error) {
	hourlySet := cmd.Flags().Changed("hourly")
	flatSet := cmd.Flags().Changed("flat")
	switch {
	case hourlySet && flatSet:
		return domain.Payment{}, fmt.Errorf("--hourly and --flat are mutually exclusive")
	case hourlySet:
		return domain.Hourly(domain.Money(hourly)), nil
	case flatSet:
		return domain.Flat(domain.Money(flat)), nil
	default:
		return domain.Payment{}, fmt.Errorf("payment required; pass --hourly <rate> or --flat <amount>")
	}
}

func parseProjectID(s string) (domain.ProjectID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid project id %q", s)
	}
	return domain.ProjectID(v), nil
}

func parseSliceID(s string) (domain.WorkSliceID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid slice id %q", s)
	}
	return domain.WorkSliceID(v), nil
}

func renderSlices(a *app.App, slices []domain.SliceSnapshot) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Start", "End", "Payment", "Owed"})
	now := time.Now().UTC()
	for _, s := range slices {
		end := "ongoing"
		if s.Span.End != nil {
			end = s.Span.End.Format(time.RFC3339)
		}
		owed := s.Payment.Owed(s.Span.Duration(now))
		tw.AppendRow(table.Row{
			s.ID,
			s.Span.Start.Format(time.RFC3339),
			end,
			s.Payment.String(),
			owed.Format(a.Config.Currency.Symbol),
		})
	}
	tw.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
