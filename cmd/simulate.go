package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskprogress/internal/app"
	"github.com/JakeFAU/taskprogress/internal/config"
	"github.com/JakeFAU/taskprogress/internal/simulate"
)

func newSimulateCmd() *cobra.Command {
	var tasks int
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a finite synthetic workload and print a summary",
		Long: `Runs the configured synthetic workload through the progress service.
Some tasks finish before their initial delay and are never shown, some are
cancelled halfway, some are placed on a dedicated artifact, and some run off
the consumer loop through the bridge.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cfg := simulateConfig(appInstance.GetConfig())
			if tasks > 0 {
				cfg.Tasks = tasks
			}
			return runSimulate(ctx, appInstance, cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&tasks, "tasks", 0, "override simulate.tasks")
	return cmd
}

func runSimulate(ctx context.Context, a *app.App, cfg simulate.Config, out io.Writer) error {
	loopCtx, stopLoop := context.WithCancel(ctx)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = a.GetLoop().Run(loopCtx)
	}()
	defer func() {
		stopLoop()
		<-loopDone
	}()

	runner := simulate.New(a.GetService(), cfg,
		simulate.WithBridge(a.GetBridge(), a.GetLoop()),
		simulate.WithLogger(a.GetLogger().Named("simulate")),
	)
	summary, err := runner.Run(ctx)
	logSummary(a.GetLogger(), summary)
	if _, werr := fmt.Fprintf(out,
		"started=%d completed=%d cancelled=%d failed=%d short=%d placed=%d bridged=%d\n",
		summary.Started, summary.Completed, summary.Cancelled, summary.Failed,
		summary.Short, summary.Placed, summary.Bridged,
	); werr != nil {
		return fmt.Errorf("write summary: %w", werr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func simulateConfig(cfg config.Config) simulate.Config {
	out := simulate.DefaultConfig()
	out.Tasks = cfg.Simulate.Tasks
	out.Concurrency = cfg.Simulate.Concurrency
	out.MinDuration = cfg.Simulate.MinDuration
	out.MaxDuration = cfg.Simulate.MaxDuration
	out.Steps = cfg.Simulate.Steps
	out.RatePerSecond = cfg.Simulate.RatePerSecond
	if d := cfg.Progress.InitialDelay / 10; d > 0 {
		out.ShortDuration = d
	}
	return out
}

func logSummary(logger *zap.Logger, s simulate.Summary) {
	logger.Info("workload finished",
		zap.Int("started", s.Started),
		zap.Int("completed", s.Completed),
		zap.Int("cancelled", s.Cancelled),
		zap.Int("failed", s.Failed),
		zap.Int("short", s.Short),
		zap.Int("placed", s.Placed),
		zap.Int("bridged", s.Bridged),
	)
}
