package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/SirClappington/docpipe/internal/app"
	"github.com/SirClappington/docpipe/internal/config"
	"github.com/SirClappington/docpipe/internal/storage"
)

// migrateCommands are the goose commands exposed by "migrate".
var migrateCommands = map[string]bool{"up": true, "down": true, "status": true, "redo": true, "version": true}

var migrateCmd = &cobra.Command{
	Use:   "migrate <up|down|status|redo|version>",
	Short: "Apply or inspect database migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !migrateCommands[args[0]] {
			return fmt.Errorf("unknown migrate command %q", args[0])
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.MigrationsDir
		}
		return storage.Migrate(cfg.PostgresDSN, dir, args[0])
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and cancel enhancement runs",
}

var runsGetCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show a run as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app.App, cmd *cobra.Command, args []string) error {
		run, err := a.Orchestrator.GetRunStatus(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), run)
	}),
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Stop a run from advancing to further stages",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app.App, cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		if err := a.Orchestrator.Cancel(ctx, args[0], reason); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s cancelled\n", args[0])
		return nil
	}),
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect queue jobs",
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show a job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app.App, cmd *cobra.Command, args []string) error {
		j, err := a.Queue.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), j)
	}),
}

var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Manage webhook endpoints",
}

var webhooksRotateCmd = &cobra.Command{
	Use:   "rotate-secret <webhook-id>",
	Short: "Replace a webhook's signing secret and print the new one",
	Long: `Replace a webhook's signing secret and print the new one.

The previous secret stops validating immediately, including for deliveries
that are already queued.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app.App, cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		secret, err := a.Webhooks.RotateSecret(ctx, owner, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), secret)
		return nil
	}),
}

func init() {
	migrateCmd.Flags().String("dir", "", "migrations directory (default $MIGRATIONS_DIR)")
	runsCancelCmd.Flags().String("reason", "cancelled by operator", "failure reason recorded on the run")
	webhooksRotateCmd.Flags().String("owner", "", "owner of the webhook")
	_ = webhooksRotateCmd.MarkFlagRequired("owner")

	runsCmd.AddCommand(runsGetCmd, runsCancelCmd)
	jobsCmd.AddCommand(jobsGetCmd)
	webhooksCmd.AddCommand(webhooksRotateCmd)
	rootCmd.AddCommand(migrateCmd, runsCmd, jobsCmd, webhooksCmd)
}

type appFunc func(ctx context.Context, a *app.App, cmd *cobra.Command, args []string) error

// withApp connects to the backing stores for the duration of one command.
func withApp(fn appFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := app.New(ctx, cfg, "docpipectl")
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a, cmd, args)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
