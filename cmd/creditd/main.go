package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarkoPoloResearchLab/credits/internal/config"
	"github.com/MarkoPoloResearchLab/credits/internal/database"
	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const flagUserID = "user"

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	root := &cobra.Command{
		Use:           "creditd",
		Short:         "Credits ledger, billing webhooks and credit distribution",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			*cfg = loaded
			return nil
		},
	}
	registerFlags(root)

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the HTTP API, the optional gRPC API and the optional sweep schedule",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApplication(cmd, *cfg, runServe)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApplication(cmd, *cfg, func(ctx context.Context, app *application) error {
					driver, _, err := database.ResolveDriver(cfg.DatabaseURL)
					if err != nil || driver != database.DriverPostgres {
						fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
						return err
					}
					version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d (dirty=%t)\n", version, dirty)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Expire lapsed credits and grant monthly allowances once",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApplication(cmd, *cfg, func(ctx context.Context, app *application) error {
					report, err := app.distributor.Run(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "processed_users=%d error_count=%d granted_users=%d expired_credits=%d\n",
						report.ProcessedUsers, report.ErrorCount, report.GrantedUsers, report.ExpiredCredits)
					return nil
				})
			},
		},
		newReconcileCommand(cfg),
	)
	return root
}

func newReconcileCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute cached balances from the transaction log",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawUserID, err := cmd.Flags().GetString(flagUserID)
			if err != nil {
				return err
			}
			return withApplication(cmd, *cfg, func(ctx context.Context, app *application) error {
				if rawUserID == "" {
					drifted, err := app.reconcileAll(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "corrected %d balances\n", drifted)
					return nil
				}
				userID, err := credits.NewUserID(rawUserID)
				if err != nil {
					return err
				}
				result, err := app.ledger.Reconcile(ctx, userID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d -> %d\n", userID.String(), result.Before.Int64(), result.After.Int64())
				return nil
			})
		},
	}
	cmd.Flags().String(flagUserID, "", "reconcile a single user instead of everyone")
	return cmd
}

// withApplication builds the logger and object graph, runs fn under a
// signal-aware context and tears everything down.
func withApplication(cmd *cobra.Command, cfg config.Config, fn func(ctx context.Context, app *application) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}
