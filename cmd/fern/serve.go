package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tasks"
)

func newServeCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the task worker, the report scheduler and the health server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.run(cmd, true, serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	checker := health.NewChecker(cfg.Version).
		Add("database", health.Database(a.db)).
		Add("redis", a.redis.Ping)
	if a.warehouseDB != a.db {
		checker.AddOptional("warehouse", health.Database(a.warehouseDB))
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(a.logger)
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(a.logger))
	checker.RegisterRoutes(e)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      e,
		ReadTimeout:  time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
	}
	serverErr := make(chan error, 1)

	worker := a.worker()
	sched := scheduler.NewScheduler(a.repos.Reports, a.reportTasks, a.locker, scheduler.Config{
		PollInterval: cfg.SchedulerPollInterval,
		BatchSize:    scheduler.DefaultBatchSize,
		RunQuery:     cfg.SchedulerRunQuery,
	}, a.logger)

	reconcileCtx, stopReconciler := context.WithCancel(ctx)
	defer stopReconciler()

	a.startup.AddDependency(&startup.Dependency{
		Name:     "worker",
		Requires: []string{"services"},
		StartFn:  worker.Start,
		StopFn:   worker.Stop,
	})
	a.startup.AddDependency(&startup.Dependency{
		Name:     "reconciler",
		Requires: []string{"services"},
		StartFn: func(context.Context) error {
			go tasks.RunReconciler(reconcileCtx, a.broker, a.markers, cfg.ReconcileInterval, a.logger)
			return nil
		},
		StopFn: func(context.Context) error {
			stopReconciler()
			return nil
		},
	})
	if cfg.SchedulerEnabled {
		a.startup.AddDependency(&startup.Dependency{
			Name:     "scheduler",
			Requires: []string{"services"},
			StartFn:  sched.Start,
			StopFn:   sched.Stop,
		})
	}
	a.startup.AddDependency(&startup.Dependency{
		Name:     "http",
		Requires: []string{"services"},
		StartFn: func(context.Context) error {
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()
			return nil
		},
		StopFn: server.Shutdown,
	})
	if err := a.Start(ctx); err != nil {
		return err
	}

	checker.SetReady(true)
	a.logger.WithContext(ctx).Infof("%s listening on :%d", cfg.AppName, cfg.Port)

	select {
	case <-ctx.Done():
		checker.SetReady(false)
		a.logger.Info("shutting down")
		return nil
	case err := <-serverErr:
		checker.SetReady(false)
		return fmt.Errorf("http server failed: %w", err)
	}
}
