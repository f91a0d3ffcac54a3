package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/config"
	appctx "github.com/Ramsey-B/fern/pkg/context"
	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/tenant"
)

type globalFlags struct {
	envFile   string
	principal string
	tenantID  string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "fern",
		Short:         "Multi-tenant reporting over the data warehouse",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.envFile, "env-file", ".env", "optional dotenv file loaded before the environment")
	pf.StringVar(&flags.principal, "as", permissions.System, "principal the command acts as")
	pf.StringVar(&flags.tenantID, "tenant", "", "tenant id to scope queries and reports to")

	root.AddCommand(
		newServeCommand(flags),
		newMigrateCommand(flags),
		newQueryCommand(flags),
		newReportCommand(flags),
		newTasksCommand(flags),
		newParametrizerCommand(flags),
		newFormatterCommand(flags),
	)
	return root
}

// scope resolves --tenant. No flag means operator work, which is unscoped.
func (f *globalFlags) scope() (tenant.Scope, error) {
	if f.tenantID == "" {
		return tenant.Unscoped(), nil
	}
	id, err := uuid.Parse(f.tenantID)
	if err != nil {
		return tenant.Scope{}, ferrors.NewValidationError("tenant", "invalid tenant id %q", f.tenantID)
	}
	return tenant.For(&tenant.Tenant{ID: id}), nil
}

// run loads config, starts the app and calls fn with a context that is
// canceled on SIGINT/SIGTERM.
func (f *globalFlags) run(cmd *cobra.Command, migrate bool, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load(f.envFile)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = appctx.SetPrincipal(ctx, f.principal)
	if f.tenantID != "" {
		ctx = appctx.SetTenantID(ctx, f.tenantID)
	}

	a := newApp(cfg, logger, migrate)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := a.Stop(stopCtx); err != nil {
			logger.WithError(err).Warn("failed to stop cleanly")
		}
	}()
	if err := a.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, a)
}

func newMigrateCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.run(cmd, true, func(context.Context, *app) error {
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}
}
