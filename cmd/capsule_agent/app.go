package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jonathan/capsule-forge/internal/config"
	"github.com/jonathan/capsule-forge/internal/db"
	"github.com/jonathan/capsule-forge/internal/ingestion"
	"github.com/jonathan/capsule-forge/internal/llm"
	"github.com/jonathan/capsule-forge/internal/localdb"
	"github.com/jonathan/capsule-forge/internal/monitor"
	"github.com/jonathan/capsule-forge/internal/observability"
	"github.com/jonathan/capsule-forge/internal/pipeline"
	"github.com/jonathan/capsule-forge/internal/repair"
	"github.com/jonathan/capsule-forge/internal/scheduler"
	"github.com/jonathan/capsule-forge/internal/server"
	"github.com/jonathan/capsule-forge/internal/store"
)

// appOptions selects which parts of the application a command needs
type appOptions struct {
	// pipeline builds the llm client, executor, orchestrator, and service
	pipeline bool
	// inProcess forces the in-memory scheduler regardless of config
	inProcess bool
	// client replaces the provider client; tests use a scripted one
	client llm.Client
}

// app holds the wired components shared by every command
type app struct {
	cfg   *config.Config
	log   *observability.Logger
	store store.Store
	rdb   *goredis.Client

	client       llm.Client
	orchestrator *pipeline.Orchestrator
	service      *pipeline.Service
	monitor      *monitor.Monitor

	// exactly one of these is set when the pipeline is built
	inProcess *scheduler.InProcess
	queue     *scheduler.RedisQueue

	shutdownTracing func(context.Context) error
}

// loadConfig reads --config, the environment, and defaults
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Mode = "development"
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// newApp wires the store, scheduler, monitor, and optionally the generation pipeline
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (_ *app, err error) {
	log, err := observability.NewLogger(cfg.Logging.Mode, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, shutdownTracing: func(context.Context) error { return nil }}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	shutdown, err := observability.InitTracing(ctx, log, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.shutdownTracing = shutdown

	a.store, err = openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	if cfg.Scheduler.RedisAddr != "" {
		a.rdb = goredis.NewClient(&goredis.Options{Addr: cfg.Scheduler.RedisAddr})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Scheduler.RedisAddr, err)
		}
	}

	a.monitor = monitor.New(a.store,
		monitor.Config{Threshold: cfg.Monitor.Threshold, Interval: cfg.Monitor.Interval},
		monitor.WithLogger(log),
	)

	if !opts.pipeline {
		return a, nil
	}

	a.client = opts.client
	if a.client == nil {
		client, err := llm.NewClient(ctx, llmConfig(cfg.LLM), cfg.LLM.APIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create llm client: %w", err)
		}
		a.client = client
	}
	limited := llm.NewRateLimitedClient(a.client, cfg.LLM.RequestsPerMinute, cfg.LLM.Burst)

	var cache ingestion.Cache = ingestion.NewMemoryCache(cfg.Ingestion.CacheTTL)
	if a.rdb != nil {
		cache = ingestion.NewRedisCache(a.rdb, cfg.Ingestion.CacheTTL)
	}
	loaderOpts := ingestion.Options{
		Fetch:          ingestion.FetchOptions{Timeout: cfg.Ingestion.FetchTimeout},
		MaxSourceChars: cfg.Ingestion.MaxSourceChars,
		AllowFiles:     cfg.Ingestion.AllowFiles,
		Cache:          cache,
		Logger:         log,
	}
	if cfg.Ingestion.UseBrowser {
		loaderOpts.Renderer = ingestion.NewBrowserRenderer(cfg.Ingestion.FetchTimeout)
	}
	loader := ingestion.NewLoader(loaderOpts)

	gen := repair.NewGenerator(limited,
		repair.WithMaxAttempts(cfg.LLM.MaxAttempts),
		repair.WithLogger(log),
	)
	exec := pipeline.NewStageExecutor(gen, loader, pipeline.ExecutorConfig{
		MinModules:           cfg.Pipeline.MinModules,
		MaxModules:           cfg.Pipeline.MaxModules,
		DefaultLessonMinutes: cfg.Pipeline.DefaultLessonMinutes,
	}, log)

	var sched pipeline.Scheduler
	if cfg.Scheduler.Backend == config.SchedulerRedis && !opts.inProcess {
		a.queue = scheduler.NewRedisQueue(a.rdb, scheduler.RedisOptions{
			Key:          cfg.Scheduler.QueueKey,
			PollInterval: cfg.Scheduler.PollInterval,
			Concurrency:  cfg.Scheduler.Concurrency,
		}, log)
		sched = a.queue
	} else {
		a.inProcess = scheduler.NewInProcess(nil, cfg.Scheduler.Concurrency, log)
		sched = a.inProcess
	}

	a.orchestrator = pipeline.NewOrchestrator(a.store, exec, sched, pipeline.OrchestratorConfig{
		NextStageDelay:  cfg.Pipeline.NextStageDelay,
		QuotaRetryDelay: cfg.Pipeline.QuotaRetryDelay,
	}, log)
	if a.inProcess != nil {
		a.inProcess.SetHandler(invocationHandler(a.orchestrator))
	}
	a.service = pipeline.NewService(a.store, exec, sched, log)
	return a, nil
}

// Close releases everything newApp opened, in reverse order
func (a *app) Close() {
	if a.inProcess != nil {
		a.inProcess.Stop()
	}
	if a.client != nil {
		if err := a.client.Close(); err != nil {
			a.log.Warn("failed to close llm client", "error", err)
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdownTracing(ctx); err != nil {
		a.log.Warn("failed to flush traces", "error", err)
	}
	a.log.Sync()
}

// openStore connects the configured record store
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.StorePostgres:
		pg, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case config.StoreSQLite:
		sq, err := localdb.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return sq, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// llmConfig overlays configured model names on the provider defaults
func llmConfig(cfg config.LLMConfig) *llm.Config {
	c := llm.DefaultConfig()
	for name, model := range cfg.Models {
		if tier, ok := llm.ParseTier(name); ok && model != "" {
			c = c.WithModel(tier, model)
		}
	}
	if cfg.Temperature > 0 {
		c.Temperature = cfg.Temperature
	}
	return c
}

// invocationHandler adapts the orchestrator to a scheduler. A quota deferral already
// rescheduled the job, so it is not reported as an error.
func invocationHandler(inv server.Invoker) scheduler.Handler {
	return func(ctx context.Context, jobID uuid.UUID) error {
		_, err := inv.Invoke(ctx, jobID)
		if errors.Is(err, pipeline.ErrRetryLater) {
			return nil
		}
		return err
	}
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
