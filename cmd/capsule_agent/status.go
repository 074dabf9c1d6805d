package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/capsule-forge/internal/observability"
	"github.com/jonathan/capsule-forge/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status <capsule-id>",
	Short: "Show a capsule's generation progress and job history",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	capsuleID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid capsule ID: %w", err)
	}
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

	capsule, err := a.store.GetCapsule(ctx, capsuleID)
	if err != nil {
		return err
	}
	if capsule == nil {
		return pipeline.ErrCapsuleNotFound
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\nstatus: %s  visibility: %s  modules: %d\n", capsule.Title, capsule.Status, capsule.Visibility, len(capsule.ModuleIDs))
	if capsule.ErrorMessage != "" {
		fmt.Fprintf(out, "error: %s\n", capsule.ErrorMessage)
	}

	job, err := a.store.GetLatestJob(ctx, capsuleID)
	if err != nil {
		return err
	}
	if job == nil {
		fmt.Fprintln(out, "generation has not started")
		return nil
	}

	printer := observability.NewPrinter(out)
	progress := pipeline.ComputeProgress(job)
	printer.PrintProgress(&progress)

	events, err := a.store.ListJobEvents(ctx, job.ID)
	if err != nil {
		return err
	}
	printer.PrintJobEvents(events)
	return nil
}
