package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail generation jobs whose heartbeat is older than the stale threshold",
	Long: `Run the stale job monitor once. Useful from cron when no server or worker process
runs the monitor loop.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.monitor.MarkStaleJobsFailed(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Failed %d stale job(s) (threshold %s)\n", n, cfg.Monitor.Threshold)
	return nil
}
