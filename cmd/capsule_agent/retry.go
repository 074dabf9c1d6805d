package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/capsule-forge/internal/observability"
)

var retryTimeout time.Duration

var retryCmd = &cobra.Command{
	Use:   "retry <capsule-id>",
	Short: "Resume a failed generation from its last committed module",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetry,
}

func init() {
	retryCmd.Flags().DurationVar(&retryTimeout, "timeout", 30*time.Minute, "Give up waiting after this long")
	rootCmd.AddCommand(retryCmd)
}

func runRetry(cmd *cobra.Command, args []string) error {
	capsuleID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid capsule ID: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Ingestion.AllowFiles = true

	ctx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, retryTimeout)
	defer cancel()

	a, err := newApp(ctx, cfg, appOptions{pipeline: true, inProcess: true, client: cliClient})
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.service.RetryGeneration(ctx, capsuleID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Retrying capsule %s as job %s from module %d\n", capsuleID, job.ID, job.CurrentModuleIndex+1)

	printer := observability.NewPrinter(cmd.OutOrStdout())
	final, err := watchJob(ctx, a, capsuleID, printer)
	if err != nil {
		return err
	}
	return printResult(ctx, a, final, printer)
}
