package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/capsule-forge/internal/config"
	"github.com/jonathan/capsule-forge/internal/server"
)

var (
	serveAddr        string
	serveWithWorkers bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start an HTTP server that exposes the capsule and generation endpoints.

With the in-process scheduler the server also runs generation itself. With the redis
scheduler it only enqueues invocations for workers unless --with-workers is set.
The stale job monitor always runs alongside the server.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveWithWorkers, "with-workers", false, "Also consume the redis queue in this process")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("addr") {
		cfg.Server.Addr = serveAddr
	}

	jwtConfig, err := config.NewJWTConfig()
	if err != nil {
		return fmt.Errorf("invalid JWT configuration: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{pipeline: true})
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := server.New(cfg.Server, server.Deps{
		Store:   a.store,
		Service: a.service,
		Invoker: a.orchestrator,
		Sweeper: a.monitor,
		JWT:     server.NewJWTService(jwtConfig),
		Logger:  a.log,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error { return a.monitor.Run(ctx) })
	if a.queue != nil && serveWithWorkers {
		g.Go(func() error { return a.queue.Run(ctx, invocationHandler(a.orchestrator)) })
	}
	return g.Wait()
}
