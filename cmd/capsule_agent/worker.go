package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/capsule-forge/internal/config"
)

var workerSkipMonitor bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume scheduled generation invocations from redis",
	Long: `Run orchestrator invocations claimed from the redis delayed queue until interrupted.
Any number of workers may share a queue; a job is claimed by one worker at a time.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().BoolVar(&workerSkipMonitor, "no-monitor", false, "Do not run the stale job monitor in this process")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Scheduler.Backend != config.SchedulerRedis {
		return fmt.Errorf("worker requires the redis scheduler backend (set SCHEDULER_BACKEND=redis)")
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{pipeline: true})
	if err != nil {
		return err
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.queue.Run(ctx, invocationHandler(a.orchestrator)) })
	if !workerSkipMonitor {
		g.Go(func() error { return a.monitor.Run(ctx) })
	}
	return g.Wait()
}
