package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/capsule-forge/internal/llm"
	"github.com/jonathan/capsule-forge/internal/observability"
	"github.com/jonathan/capsule-forge/internal/pipeline"
	"github.com/jonathan/capsule-forge/internal/types"
)

var (
	genTopic    string
	genDocument string
	genUser     string
	genPublic   bool
	genBrowser  bool
	genTimeout  time.Duration

	// pollInterval is how often the CLI re-reads job progress
	pollInterval = 500 * time.Millisecond
	// cliClient replaces the provider client; tests set it
	cliClient llm.Client
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a capsule end-to-end in this process",
	Long: `Create a capsule from --topic or --document and run every generation stage with the
in-process scheduler, printing progress as modules are committed.

Documents may be URLs or local files.`,
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVarP(&genTopic, "topic", "t", "", "Topic to build a capsule about (mutually exclusive with --document)")
	generateCmd.Flags().StringVarP(&genDocument, "document", "d", "", "URL or file path of a source document (mutually exclusive with --topic)")
	generateCmd.Flags().StringVar(&genUser, "user", "", "Owner user ID (defaults to a new random ID)")
	generateCmd.Flags().BoolVar(&genPublic, "public", false, "Make the capsule public")
	generateCmd.Flags().BoolVar(&genBrowser, "use-browser", false, "Render script-heavy document pages in headless Chrome")
	generateCmd.Flags().DurationVar(&genTimeout, "timeout", 30*time.Minute, "Give up waiting after this long")
	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	req := types.CreateCapsuleRequest{
		Topic:       strings.TrimSpace(genTopic),
		DocumentRef: strings.TrimSpace(genDocument),
		Visibility:  types.VisibilityPrivate,
	}
	if genPublic {
		req.Visibility = types.VisibilityPublic
	}
	if err := req.Validate(); err != nil {
		return err
	}

	userID := uuid.New()
	if genUser != "" {
		parsed, err := uuid.Parse(genUser)
		if err != nil {
			return fmt.Errorf("invalid --user: %w", err)
		}
		userID = parsed
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// the CLI runs with the caller's own file permissions
	cfg.Ingestion.AllowFiles = true
	if cmd.Flags().Changed("use-browser") {
		cfg.Ingestion.UseBrowser = genBrowser
	}

	ctx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, genTimeout)
	defer cancel()

	a, err := newApp(ctx, cfg, appOptions{pipeline: true, inProcess: true, client: cliClient})
	if err != nil {
		return err
	}
	defer a.Close()

	printer := observability.NewPrinter(cmd.OutOrStdout())
	capsule, _, err := a.service.CreateCapsule(ctx, userID, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Capsule %s (owner %s)\n", capsule.ID, userID)

	job, err := watchJob(ctx, a, capsule.ID, printer)
	if err != nil {
		return err
	}
	return printResult(ctx, a, job, printer)
}

// watchJob prints progress for the capsule's latest job until it is terminal
func watchJob(ctx context.Context, a *app, capsuleID uuid.UUID, printer *observability.Printer) (*types.GenerationJob, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var last *types.Progress
	for {
		progress, err := a.service.Progress(ctx, capsuleID)
		if err != nil && !errors.Is(err, pipeline.ErrJobNotFound) {
			return nil, err
		}
		if progress != nil && (last == nil || progress.Percent != last.Percent || progress.State != last.State) {
			printer.PrintProgress(progress)
			last = progress
		}
		if progress != nil && progress.State.IsTerminal() {
			return a.store.GetJob(ctx, progress.JobID)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("stopped waiting for generation: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// printResult shows the outline, committed modules, and transitions of a finished job
func printResult(ctx context.Context, a *app, job *types.GenerationJob, printer *observability.Printer) error {
	outline, err := job.DecodeOutline()
	if err != nil {
		return err
	}
	printer.PrintOutline(outline)

	modules, err := a.store.ListModules(ctx, job.CapsuleID)
	if err != nil {
		return err
	}
	for i := range modules {
		printer.PrintModule(&modules[i])
	}

	if verbose {
		events, err := a.store.ListJobEvents(ctx, job.ID)
		if err != nil {
			return err
		}
		printer.PrintJobEvents(events)
	}

	if job.State == types.JobFailed {
		fmt.Fprintf(os.Stderr, "Resume with: capsule_agent retry %s\n", job.CapsuleID)
		return fmt.Errorf("generation failed: %s", job.ErrorMessage)
	}
	return nil
}
