package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/strandkit/strand/internal/config"
	"github.com/strandkit/strand/internal/ops"
	"github.com/strandkit/strand/internal/run"
)

var configPath string

// newApp loads configuration and assembles the engine without starting
// the worker pool. One-shot commands only touch the store; runs they
// submit stay queued until a serve process picks them up.
func newApp(ctx context.Context) (*ops.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return ops.New(ctx, cfg)
}

// printResult renders an operation envelope as indented JSON and maps
// failure onto the process exit code.
func printResult[T any](res ops.Result[T]) error {
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return res.Err()
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine: worker pool, scheduler, and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			if err := app.Start(ctx); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			fmt.Fprintf(os.Stderr, "\nReceived %v, shutting down...\n", sig)
			cancel()

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer stopCancel()
			return app.Stop(stopCtx)
		},
	}
}

func newSubmitCommand() *cobra.Command {
	var (
		kind           string
		lane           string
		priority       string
		paramsJSON     string
		idempotencyKey string
		maxRetries     int
	)
	cmd := &cobra.Command{
		Use:   "submit NAME",
		Short: "Submit a run for a registered workflow, task, or pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params map[string]any
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					return fmt.Errorf("invalid --params JSON: %w", err)
				}
			}
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(app.SubmitRun(cmd.Context(), run.WorkSpec{
				Kind:           run.Kind(kind),
				Name:           args[0],
				Params:         params,
				Lane:           lane,
				Priority:       run.Priority(priority),
				IdempotencyKey: idempotencyKey,
				TriggerSource:  "cli",
				MaxRetries:     maxRetries,
			}))
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "workflow", "Run kind (task, pipeline, workflow)")
	cmd.Flags().StringVar(&lane, "lane", "", "Execution lane")
	cmd.Flags().StringVar(&priority, "priority", "", "Priority (realtime, high, normal, low, slow)")
	cmd.Flags().StringVar(&paramsJSON, "params", "", "Run parameters as JSON")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Idempotency key")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Automatic retry budget")
	return cmd
}

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and manage runs",
	}

	var (
		status string
		kind   string
		name   string
		limit  int
		offset int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(app.ListRuns(cmd.Context(),
				run.Filter{Status: run.Status(status), Kind: run.Kind(kind), Name: name},
				run.Page{Limit: limit, Offset: offset}))
		},
	}
	listCmd.Flags().StringVar(&status, "status", "", "Filter by status")
	listCmd.Flags().StringVar(&kind, "kind", "", "Filter by kind")
	listCmd.Flags().StringVar(&name, "name", "", "Filter by name")
	listCmd.Flags().IntVar(&limit, "limit", 50, "Page size")
	listCmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "get RUN_ID",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(app.GetRun(cmd.Context(), args[0]))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "events RUN_ID",
		Short: "Show a run's event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(app.GetRunEvents(cmd.Context(), args[0]))
		},
	})

	var reason string
	cancelCmd := &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel a live run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(app.CancelRun(cmd.Context(), args[0], reason))
		},
	}
	cancelCmd.Flags().StringVar(&reason, "reason", "operator request", "Cancellation reason")
	cmd.AddCommand(cancelCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "retry RUN_ID",
		Short: "Resubmit a failed or cancelled run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(app.RetryRun(cmd.Context(), args[0]))
		},
	})

	return cmd
}

func newSchedulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Inspect and manage schedules",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(app.ListSchedules(cmd.Context()))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get SCHEDULE_ID",
		Short: "Show one schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(app.GetSchedule(cmd.Context(), args[0]))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "enable SCHEDULE_ID",
		Short: "Enable a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(app.SetScheduleEnabled(cmd.Context(), args[0], true))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "disable SCHEDULE_ID",
		Short: "Disable a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(app.SetScheduleEnabled(cmd.Context(), args[0], false))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete SCHEDULE_ID",
		Short: "Delete a schedule and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(app.DeleteSchedule(cmd.Context(), args[0]))
		},
	})

	var historyLimit int
	historyCmd := &cobra.Command{
		Use:   "history SCHEDULE_ID",
		Short: "Show a schedule's firing history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(app.GetScheduleRuns(cmd.Context(), args[0], historyLimit))
		},
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Max rows")
	cmd.AddCommand(historyCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "tick",
		Short: "Process due schedules once",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(app.TickScheduler(cmd.Context()))
		},
	})

	return cmd
}

func newDLQCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead letters",
	}

	var (
		all    bool
		limit  int
		offset int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(app.ListDeadLetters(cmd.Context(), !all, limit, offset))
		},
	}
	listCmd.Flags().BoolVar(&all, "all", false, "Include already-replayed entries")
	listCmd.Flags().IntVar(&limit, "limit", 50, "Page size")
	listCmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "get DLQ_ID",
		Short: "Show one dead letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(app.GetDeadLetter(cmd.Context(), args[0]))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "replay DLQ_ID",
		Short: "Resubmit a dead letter as a fresh run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(app.ReplayDeadLetter(cmd.Context(), args[0]))
		},
	})

	return cmd
}

func newLocksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and release concurrency leases",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(app.ListLocks(cmd.Context()))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "release LOCK_KEY",
		Short: "Force-release a lease regardless of owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(app.ForceReleaseLock(cmd.Context(), args[0]))
		},
	})

	return cmd
}

func newWatermarksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watermarks",
		Short: "Inspect ingest watermarks",
	}

	var domain string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List watermarks",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(app.ListWatermarks(cmd.Context(), domain))
		},
	}
	listCmd.Flags().StringVar(&domain, "domain", "", "Filter by domain")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "get DOMAIN SOURCE PARTITION_KEY",
		Short: "Show one watermark",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(app.GetWatermark(cmd.Context(), args[0], args[1], args[2]))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "advance DOMAIN SOURCE PARTITION_KEY HIGH_WATER",
		Short: "Advance a watermark (forward-only)",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(app.AdvanceWatermark(cmd.Context(),
				args[0], args[1], args[2], args[3], "", nil))
		},
	})

	return cmd
}

func newDBCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database administration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create any missing tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(app.InitializeDatabase(cmd.Context()))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check store connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(app.CheckDatabaseHealth(cmd.Context()))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Remove terminal runs past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(app.PurgeOldData(cmd.Context()))
		},
	})

	return cmd
}
