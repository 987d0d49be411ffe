package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/taskprogress/internal/api"
	"github.com/JakeFAU/taskprogress/internal/app"
	"github.com/JakeFAU/taskprogress/internal/simulate"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var withLoad bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the consumer loop and the HTTP status surface",
		Long: `Starts the consumer loop, the progress service, and the HTTP surface
(/healthz, /metrics, /v1/tasks). With --simulate a synthetic workload keeps
the scheduler busy until the process receives SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, appInstance, withLoad)
		},
	}
	cmd.Flags().BoolVar(&withLoad, "simulate", false, "run a synthetic workload alongside the server")
	return cmd
}

func runServe(ctx context.Context, a *app.App, withLoad bool) error {
	logger := a.GetLogger()
	cfg := a.GetConfig()

	tasks := api.NewTaskHandler(a.GetService(), a.GetSnapshot(), logger.Named("api"))
	apiServer := api.NewServer(tasks, a.GetMetrics(), a.GetRegistry(), logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("event loop started")
		if err := a.GetLoop().Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("event loop: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	if withLoad {
		g.Go(func() error {
			runner := simulate.New(a.GetService(), simulateConfig(cfg),
				simulate.WithBridge(a.GetBridge(), a.GetLoop()),
				simulate.WithLogger(logger.Named("simulate")),
			)
			for gctx.Err() == nil {
				summary, err := runner.Run(gctx)
				if err != nil || summary.Started == 0 {
					break
				}
				logSummary(logger, summary)
			}
			return nil
		})
	}

	err := g.Wait()
	logger.Info("shutdown complete")
	return err
}
