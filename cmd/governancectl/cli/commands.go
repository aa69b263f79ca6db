// Package cli implements the governancectl administrative commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/governance/internal/app"
	"github.com/odyssey-erp/governance/internal/platform/db"
	"github.com/odyssey-erp/governance/internal/users"
	"github.com/odyssey-erp/governance/jobs"
	"github.com/odyssey-erp/governance/migrations"
)

// NewRootCommand assembles every subcommand.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "governancectl",
		Short:         "Administrative tools for the governance service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newMigrateCommand(),
		newJobsCommand(),
		newBootstrapCommand(),
	)
	return root
}

func loadConfig() (*app.Config, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func withRunner(ctx context.Context, fn func(*migrations.Runner) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	runner, err := migrations.NewRunner(pool, app.NewLogger(cfg))
	if err != nil {
		return err
	}
	defer runner.Close()
	return fn(runner)
}

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tools",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRunner(cmd.Context(), func(r *migrations.Runner) error {
					return r.Up(cmd.Context())
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRunner(cmd.Context(), func(r *migrations.Runner) error {
					return r.Down(cmd.Context())
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show applied and pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRunner(cmd.Context(), func(r *migrations.Runner) error {
					statuses, err := r.Status(cmd.Context())
					if err != nil {
						return err
					}
					w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "VERSION\tSTATE\tSOURCE")
					for _, st := range statuses {
						fmt.Fprintf(w, "%d\t%s\t%s\n", st.Source.Version, st.State, st.Source.Path)
					}
					return w.Flush()
				})
			},
		},
	)
	return cmd
}

func newJobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and trigger background jobs",
	}

	var opts TriggerOptions
	trigger := &cobra.Command{
		Use:       "trigger <job>",
		Short:     "Enqueue a job immediately",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{jobs.TaskLeaveComplete, jobs.TaskIdempotencyCleanup},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobs(func(c *JobsCLI) error {
				info, err := c.Trigger(cmd.Context(), args[0], opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s (%s) on %s\n", info.Type, info.ID, info.Queue)
				return nil
			})
		},
	}
	trigger.Flags().StringVar(&opts.AsOf, "as-of", "", "Date treated as today for leave:complete (YYYY-MM-DD)")
	trigger.Flags().IntVar(&opts.RetentionHours, "retention-hours", 0, "Key retention for idempotency:cleanup")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show default queue counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobs(func(c *JobsCLI) error {
				s, err := c.InspectQueue(cmd.Context())
				if err != nil {
					return err
				}
				printStats(cmd.OutOrStdout(), s)
				return nil
			})
		},
	}

	var size int
	scheduled := &cobra.Command{
		Use:   "scheduled",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobs(func(c *JobsCLI) error {
				tasks, err := c.ListScheduled(cmd.Context(), size)
				if err != nil {
					return err
				}
				for _, t := range tasks {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", t.ID, t.Type, t.NextProcessAt.Format("2006-01-02 15:04:05"))
				}
				return nil
			})
		},
	}
	scheduled.Flags().IntVar(&size, "size", 10, "Number of tasks to list")

	cmd.AddCommand(trigger, stats, scheduled)
	return cmd
}

func withJobs(fn func(*JobsCLI) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func printStats(out io.Writer, s QueueStats) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY")
	fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry)
	_ = w.Flush()
}

func newBootstrapCommand() *cobra.Command {
	var b users.Bootstrap
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the first super administrator if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			if b.Email == "" || b.ProfileID <= 0 {
				return fmt.Errorf("bootstrap: --email and a positive --profile-id are required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pool, err := db.New(cmd.Context(), cfg.PGDSN)
			if err != nil {
				return err
			}
			defer pool.Close()
			u, created, err := users.NewRepository(pool).EnsureSuperAdmin(cmd.Context(), b)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "created super administrator %s (id %d)\n", u.Email, u.ID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "super administrator already present: %s (id %d)\n", u.Email, u.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&b.Email, "email", "", "Email of the super administrator")
	cmd.Flags().StringVar(&b.Name, "name", "Administrator", "Display name")
	cmd.Flags().Int64Var(&b.ProfileID, "profile-id", 0, "Profile identifier")
	return cmd
}
