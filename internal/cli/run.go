package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/almas/drover/internal/config"
	"github.com/almas/drover/internal/logger"
	"github.com/almas/drover/internal/observability"
	"github.com/almas/drover/internal/tracing"
	"github.com/almas/drover/pkg/agent"
	"github.com/almas/drover/pkg/export"
	"github.com/almas/drover/pkg/gateway"
	"github.com/almas/drover/pkg/ingest"
	"github.com/almas/drover/pkg/janitor"
	"github.com/almas/drover/pkg/ratelimit"
	"github.com/almas/drover/pkg/taskstore"
	"github.com/almas/drover/pkg/toolinvoker"
	"github.com/almas/drover/pkg/tools"
	"github.com/almas/drover/pkg/validate"
	"github.com/almas/drover/pkg/workerpool"
)

var (
	runKeyColumn string
	runWatch     bool
	runNoExport  bool
)

var runCmd = &cobra.Command{
	Use:   "run [files...]",
	Short: "Process a batch of tasks",
	Long: `Ingest the given CSV or JSON files into the task queue and process
the queue with the configured worker pool. Tasks left over from a
previous interrupted run are picked up first.

A first interrupt stops claiming and lets in-flight tasks finish; a
second one abandons them for the next run.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runKeyColumn, "key-column", "", "record field used for deduplication")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "watch the drop directory and keep running")
	runCmd.Flags().BoolVar(&runNoExport, "no-export", false, "skip the CSV export when the queue drains")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	lg, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Close()

	auditPath := filepath.Join(cfg.DataDir, "audit.jsonl")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		log.Warn().Err(err).Str("path", auditPath).Msg("Audit log disabled, events fall back to stderr")
	} else {
		defer observability.GetAuditLogger().Close()
	}

	if err := tracing.InitOpenTelemetry("drover"); err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracing.ShutdownOpenTelemetry(ctx)
		}()
	}

	store, err := taskstore.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer store.Close()

	limiter := newLimiter(cfg)

	invoker := toolinvoker.New(toolinvoker.WithRateLimiter(limiter))
	if err := tools.Register(invoker, tools.Options{WorkspaceRoot: cfg.DataDir}); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}

	factory, err := newSessionFactory(cfg, provider, invoker, limiter)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ingester := newIngester(cfg, store)
	for _, path := range args {
		if _, err := ingester.IngestFile(ctx, path); err != nil {
			return fmt.Errorf("failed to ingest %s: %w", path, err)
		}
	}

	watch := runWatch || cfg.Ingest.Watch
	var watcher *ingest.Watcher
	if watch {
		if cfg.Ingest.DropDir == "" {
			return fmt.Errorf("watch mode requires ingest.drop_dir")
		}
		watcher, err = ingest.NewWatcher(ingester, cfg.Ingest.DropDir, 0)
		if err != nil {
			return fmt.Errorf("failed to create drop watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start drop watcher: %w", err)
		}
		defer watcher.Stop()
	}

	var poolOpts []workerpool.Option

	var gw *gateway.Server
	if cfg.Gateway.Enabled {
		gw, err = gateway.NewServer(gateway.Config{
			Host:         cfg.Gateway.Host,
			Port:         cfg.Gateway.Port,
			SharedSecret: cfg.Gateway.SharedSecret,
			Logger:       log.With().Str("component", "gateway").Logger(),
		}, store)
		if err != nil {
			return fmt.Errorf("failed to create gateway: %w", err)
		}
		if err := gw.Start(); err != nil {
			return fmt.Errorf("failed to start gateway: %w", err)
		}
		defer func() { _ = gw.Stop() }()
		poolOpts = append(poolOpts, workerpool.WithNotifier(gw))
	}

	if cfg.Janitor.Enabled {
		var jOpts []janitor.Option
		if gw != nil {
			jOpts = append(jOpts, janitor.WithBroadcaster(gw.Clients()))
		}
		jan, err := janitor.New(janitor.Config{
			StatsSpec:      cfg.Janitor.StatsSpec,
			CheckpointSpec: cfg.Janitor.CheckpointSpec,
		}, store, jOpts...)
		if err != nil {
			return fmt.Errorf("failed to create janitor: %w", err)
		}
		if err := jan.Start(); err != nil {
			return fmt.Errorf("failed to start janitor: %w", err)
		}
		defer jan.Stop()
	}

	pollInterval := time.Duration(cfg.Pool.PollIntervalMs) * time.Millisecond
	if watch && pollInterval <= 0 {
		// Watch mode must keep workers alive past an empty queue.
		pollInterval = time.Second
	}

	pool := workerpool.New(store, factory, workerpool.Config{
		Workers:      cfg.Pool.Workers,
		PollInterval: pollInterval,
	}, poolOpts...)

	stopSignals := watchSignals(pool, time.Duration(cfg.Pool.ShutdownTimeoutS)*time.Second)
	defer stopSignals()

	if err := pool.Run(ctx); err != nil {
		return fmt.Errorf("worker pool failed: %w", err)
	}

	if !runNoExport && cfg.Export.Dir != "" {
		exporter := export.New(store)
		path, summary, err := exporter.ExportFile(ctx, cfg.Export.Dir)
		if err != nil {
			return fmt.Errorf("failed to export results: %w", err)
		}
		fmt.Printf("Results written to %s (%d tasks)\n", path, summary.Total())
	}

	return nil
}

// watchSignals installs two-stage interrupt handling: the first signal
// shuts the pool down gracefully, the second forces it. A graceful stop
// that overruns the configured timeout is forced too.
func watchSignals(pool *workerpool.Pool, timeout time.Duration) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case <-done:
			return
		case sig := <-sigCh:
			log.Warn().Str("signal", sig.String()).Msg("Shutting down, waiting for in-flight tasks (interrupt again to force)")
			pool.Shutdown(true)
		}

		var deadline <-chan time.Time
		if timeout > 0 {
			deadline = time.After(timeout)
		}

		select {
		case <-done:
		case <-sigCh:
			log.Warn().Msg("Forced shutdown, abandoning in-flight tasks")
			pool.Shutdown(false)
		case <-deadline:
			log.Warn().Dur("timeout", timeout).Msg("Graceful shutdown timed out, forcing")
			pool.Shutdown(false)
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	return logger.New(logger.Config{
		Level:     level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    true,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
}

func newLimiter(cfg *config.Config) *ratelimit.Registry {
	configs := make(map[string]ratelimit.Config, len(cfg.RateLimits))
	for dep, rl := range cfg.RateLimits {
		configs[dep] = ratelimit.Config{
			Enabled:       rl.Enabled,
			RatePerMinute: rl.RatePerMinute,
			Burst:         rl.Burst,
		}
	}
	return ratelimit.NewRegistry(configs)
}

// newProvider picks the highest-priority AI profile.
func newProvider(cfg *config.Config) (agent.LLMProvider, error) {
	profiles := make([]config.AIProfile, len(cfg.AI.Profiles))
	copy(profiles, cfg.AI.Profiles)
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})

	profile := profiles[0]
	factory := &agent.ProviderFactory{}
	provider, err := factory.NewProvider(profile.Provider, profile.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider %s: %w", profile.ID, err)
	}

	log.Info().Str("profile", profile.ID).Str("provider", profile.Provider).Msg("Using AI profile")
	return provider, nil
}

func newSessionFactory(cfg *config.Config, provider agent.LLMProvider, invoker *toolinvoker.Invoker, limiter *ratelimit.Registry) (workerpool.SessionFactory, error) {
	model := cfg.Agent.Model
	if cfg.Models.Default != "" {
		model = cfg.Models.Default
	}

	sessionCfg := agent.SessionConfig{
		Model:             model,
		Temperature:       cfg.Agent.Temperature,
		MaxTokens:         cfg.Agent.MaxTokens,
		SystemPrompt:      cfg.Agent.SystemPrompt,
		MaxIterations:     cfg.Agent.MaxIterations,
		ValidationRetries: cfg.Validation.MaxAttempts,
	}

	opts := []agent.SessionOption{
		agent.WithInvoker(invoker),
		agent.WithLimiter(limiter),
	}

	if cfg.Compaction.Enabled {
		sessionCfg.CompactThreshold = cfg.Compaction.MaxMessages
		compactor := agent.NewCompactor(provider, agent.CompactorConfig{
			PreserveHead: cfg.Compaction.PreserveHead,
			PreserveTail: cfg.Compaction.PreserveTail,
			MaxWiden:     cfg.Compaction.MaxWiden,
		})
		opts = append(opts, agent.WithCompactor(compactor))
	}

	if cfg.Validation.SchemaPath != "" {
		validator, err := validate.NewSchemaValidatorFromFile(cfg.Validation.SchemaPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load output schema: %w", err)
		}
		opts = append(opts, agent.WithValidator(validator))
		if cfg.Validation.AutoFix {
			opts = append(opts, agent.WithAutoFixer(&validate.Fixer{}))
		}
	}

	return func() workerpool.SessionRunner {
		return agent.NewSession(sessionCfg, provider, opts...)
	}, nil
}

func newIngester(cfg *config.Config, store *taskstore.Store) *ingest.Ingester {
	var opts []ingest.Option
	if runKeyColumn != "" {
		opts = append(opts, ingest.WithKeyColumn(runKeyColumn))
	}
	return ingest.New(store, opts...)
}
