// Package main provides the caseflow binary entry point.
// Caseflow runs LLM-backed analysis stages against case documents,
// exposing dispatch and status endpoints over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	// Register LLM providers via init()
	_ "github.com/c360studio/caseflow/llm/providers"

	"github.com/c360studio/caseflow/api"
	"github.com/c360studio/caseflow/config"
	"github.com/c360studio/caseflow/llm"
	"github.com/c360studio/caseflow/pipeline"
	"github.com/c360studio/caseflow/stages"
	"github.com/c360studio/caseflow/storage/natsstore"
	"github.com/c360studio/caseflow/storage/sqlitestore"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "caseflow"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "caseflow",
		Short: "Asynchronous case-analysis pipeline",
		Long: `Caseflow runs a sequence of long-running, LLM-backed analysis stages
against case documents: summary, findings, recommendations, and report.

Stages are dispatched over HTTP, executed on a background worker pool with
bounded retry, and polled for completion. Findings are human-reviewable:
the reviewer selects which findings drive the recommendations stage.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, addr, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, addr, logLevel string) error {
	// Configure logging; the level var allows live tuning via config reload
	levelVar := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	// Load configuration: defaults, user/project files, explicit file, flags
	cfg, err := config.NewLoader(logger).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if configPath != "" {
		fileCfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("load config file: %w", err)
		}
		cfg.Merge(fileCfg)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	levelVar.Set(parseLogLevel(cfg.Log.Level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Status store backend
	store, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// Inference client
	inference, err := llm.NewClient(llm.Config{
		Provider:    cfg.Model.Provider,
		BaseURL:     cfg.Model.Endpoint,
		Model:       cfg.Model.Model,
		Temperature: &cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
		Timeout:     cfg.Model.Timeout,
	}, llm.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}

	// Pipeline wiring
	registry, err := stages.DefaultRegistry()
	if err != nil {
		return fmt.Errorf("build stage registry: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	metrics := pipeline.NewMetrics(promRegistry)

	retry := pipeline.NewRetryController(pipeline.RetryConfig{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		BackoffBase:       cfg.Retry.BackoffBase,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
	}, nil, logger)

	executor := pipeline.NewExecutor(store, registry, inference, retry,
		pipeline.WithWorkers(cfg.Executor.Workers),
		pipeline.WithQueueDepth(cfg.Executor.QueueDepth),
		pipeline.WithMetrics(metrics),
		pipeline.WithExecutorLogger(logger),
	)
	executor.Start(ctx)
	defer executor.Stop(30 * time.Second)

	dispatcher := pipeline.NewDispatcher(store, registry, executor, logger)

	// HTTP surface
	mux := http.NewServeMux()
	api.NewServer(store, dispatcher, registry, logger).RegisterHTTPHandlers("/api/", mux)
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Config hot-reload for log level and retry tuning
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, config.WithWatcherLogger(logger))
		if err != nil {
			logger.Warn("config watcher unavailable", "error", err)
		} else {
			watcher.Start(ctx)
			defer watcher.Stop()
			go func() {
				for updated := range watcher.Updates() {
					levelVar.Set(parseLogLevel(updated.Log.Level))
					logger.Info("applied reloaded config", "log_level", updated.Log.Level)
				}
			}()
		}
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("caseflow ready",
			"version", Version,
			"addr", cfg.Server.Addr,
			"storage", cfg.Storage.Backend,
			"provider", cfg.Model.Provider,
			"stages", registry.Names())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	return nil
}

// openStore builds the configured status store backend and returns a cleanup
// function for its resources.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (pipeline.Store, func(), error) {
	switch cfg.Storage.Backend {
	case "memory":
		return pipeline.NewMemoryStore(), func() {}, nil

	case "sqlite":
		store, err := sqlitestore.New(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil

	case "nats":
		nc, err := nats.Connect(cfg.NATSServerURL(),
			nats.Name(appName),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to NATS: %w", err)
		}
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("create jetstream context: %w", err)
		}
		store, err := natsstore.New(ctx, js, natsstore.WithLogger(logger))
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("open NATS store: %w", err)
		}
		return store, nc.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
