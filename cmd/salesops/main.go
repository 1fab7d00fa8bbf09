// Package main provides the salesops binary entry point.
// Salesops runs a multi-agent anomaly pipeline over retail sales data:
// ingest, detect, explain, act, with an auditable manifest per run.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/Yash-Kakadiya/salesops-suite/agents/actor"
	"github.com/Yash-Kakadiya/salesops-suite/agents/detector"
	"github.com/Yash-Kakadiya/salesops-suite/agents/explainer"
	"github.com/Yash-Kakadiya/salesops-suite/agents/ingestor"
	"github.com/Yash-Kakadiya/salesops-suite/agents/kpi"
	"github.com/Yash-Kakadiya/salesops-suite/config"
	"github.com/Yash-Kakadiya/salesops-suite/coordinator"
	"github.com/Yash-Kakadiya/salesops-suite/events"
	"github.com/Yash-Kakadiya/salesops-suite/flow"
	"github.com/Yash-Kakadiya/salesops-suite/idempotency"
	"github.com/Yash-Kakadiya/salesops-suite/manifest"
	"github.com/Yash-Kakadiya/salesops-suite/observability"
	"github.com/Yash-Kakadiya/salesops-suite/task"
	"github.com/Yash-Kakadiya/salesops-suite/watcher"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "salesops"

	// keyStoreFile holds committed idempotency keys across runs when the
	// file store is selected.
	keyStoreFile = "idempotency_keys.json"

	// snapshotFile receives the final metric values of each run.
	snapshotFile = "metrics_snapshot.json"
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
	cmd := &cobra.Command{
		Use:   appName,
		Short: "SalesOps anomaly pipeline",
		Long: `Salesops runs the SalesOps anomaly pipeline: ingest retail CSV data,
detect sales anomalies, explain them with a language model, and execute
follow-up actions behind an idempotency guard.

Runs are declared as a flow DAG of agent stages. Every run leaves an
auditable manifest plus per-stage artifacts under the output directory,
whether it completes, degrades, or fails.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(runCmd())
	cmd.AddCommand(validateCmd())
	cmd.AddCommand(watchCmd())

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

// runOptions are the flags shared by the run and watch commands. Flag
// defaults mirror config defaults so --help tells the truth; only flags the
// user actually set override the config file.
type runOptions struct {
	configPath string
	flowPath   string
	dataPath   string
	outputDir  string
	workers    int
	timeout    string
	natsURL    string
	dryRun     bool
	logLevel   string
	logFormat  string
}

func bindRunFlags(cmd *cobra.Command, o *runOptions) {
	defaults := config.DefaultConfig()
	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "Config file path (YAML)")
	f.StringVar(&o.flowPath, "flow", "", "Flow definition: bundled flow name or YAML path (default bundled pipeline)")
	f.StringVar(&o.dataPath, "data", defaults.Pipeline.DataPath, "Input CSV path or glob")
	f.StringVar(&o.outputDir, "output-dir", defaults.Pipeline.OutputDir, "Directory for manifests and run artifacts")
	f.IntVar(&o.workers, "workers", defaults.Pipeline.Workers, "Fan-out worker pool width")
	f.StringVar(&o.timeout, "timeout", "", "Run-level deadline, e.g. 10m (default none)")
	f.StringVar(&o.natsURL, "nats-url", "", "NATS URL for run events (default disabled)")
	f.BoolVar(&o.dryRun, "dry-run", true, "Decide actions and explanations without external calls")
	f.StringVar(&o.logLevel, "log-level", defaults.Log.Level, "Log level (debug, info, warn, error)")
	f.StringVar(&o.logFormat, "log-format", defaults.Log.Format, "Log format (text, json)")
}

// effectiveConfig layers defaults, the config files, and changed flags, in
// that order, and validates the result.
func (o *runOptions) effectiveConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.NewLoader(nil).Load(o.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("flow") {
		cfg.Pipeline.FlowPath = o.flowPath
	}
	if flags.Changed("data") {
		cfg.Pipeline.DataPath = o.dataPath
	}
	if flags.Changed("output-dir") {
		cfg.Pipeline.OutputDir = o.outputDir
	}
	if flags.Changed("workers") {
		cfg.Pipeline.Workers = o.workers
	}
	if flags.Changed("timeout") {
		cfg.Pipeline.Timeout = o.timeout
	}
	if flags.Changed("nats-url") {
		cfg.NATS.URL = o.natsURL
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one pipeline run",
		Long: `Run executes the flow once against the configured data file and exits.
The exit status is zero for completed and partially completed runs; the
manifest under <output-dir>/manifests/ is the authoritative record either
way.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.effectiveConfig(cmd)
			if err != nil {
				return err
			}
			logger := observability.SetupLogging(cfg.Log.Level, cfg.Log.Format)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return executeRun(ctx, cfg, opts.dryRun, logger)
		},
	}

	bindRunFlags(cmd, &opts)
	return cmd
}

func validateCmd() *cobra.Command {
	var flowPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a flow definition without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			def, _, err := resolveFlow(flowPath)
			if err != nil {
				return err
			}
			fmt.Printf("flow %q is valid: %d stages\n", def.ID, len(def.Stages))
			fmt.Printf("  execution order: %s\n", strings.Join(def.TopologicalOrder(), " -> "))
			return nil
		},
	}

	cmd.Flags().StringVar(&flowPath, "flow", "", "Flow definition: bundled flow name or YAML path")
	_ = cmd.MarkFlagRequired("flow")
	return cmd
}

func watchCmd() *cobra.Command {
	var (
		opts        runOptions
		dataDir     string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch a data directory and run the pipeline on changes",
		Long: `Watch monitors a directory for new or changed CSV files and triggers one
pipeline run per settled change. Triggered runs execute sequentially.
Prometheus metrics are served on --metrics-addr while watching; stop with
SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.effectiveConfig(cmd)
			if err != nil {
				return err
			}
			logger := observability.SetupLogging(cfg.Log.Level, cfg.Log.Format)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return watchLoop(ctx, cfg, dataDir, metricsAddr, opts.dryRun, logger)
		},
	}

	bindRunFlags(cmd, &opts)
	cmd.Flags().StringVar(&dataDir, "data-dir", "data/raw", "Directory to watch for data files")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":8001", "Prometheus metrics listen address")
	return cmd
}

// resolveFlow turns a --flow value into a validated definition. Bundled
// names win over the filesystem; an empty name means the default pipeline.
func resolveFlow(name string) (def *flow.Definition, bundled bool, err error) {
	if def, ok := flow.Builtin(name); ok {
		return def, true, nil
	}
	def, err = flow.Load(name)
	if err != nil {
		return nil, false, err
	}
	return def, false, nil
}

// executeRun drives one run end to end: resolve the flow, wire the agents,
// execute, snapshot metrics, report. A failed run returns an error so the
// process exits non-zero; partial completion does not.
func executeRun(ctx context.Context, cfg *config.Config, cliDryRun bool, logger *slog.Logger) error {
	def, bundled, err := resolveFlow(cfg.Pipeline.FlowPath)
	if err != nil {
		return err
	}
	if bundled {
		// Bundled flows take their action gate and explain budget from
		// configuration rather than from YAML.
		def.ConfirmActions = !cliDryRun
		for i := range def.Stages {
			if def.Stages[i].Task == explainer.TaskName && def.Stages[i].Limit > 0 {
				def.Stages[i].Limit = cfg.Explainer.TopN
			}
		}
	}

	// Side effects need both the flag and the flow's consent.
	dryRun := cliDryRun || !def.ConfirmActions

	runID := coordinator.NewRunID(time.Now())
	runDir := filepath.Join(cfg.Pipeline.OutputDir, "runs", runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}

	conversationID := coordinator.NewConversationID()

	// One broker connection serves both the event publisher and, when
	// selected, the shared idempotency key space.
	var (
		nc        *nats.Conn
		publisher *events.Publisher
	)
	if cfg.NATS.URL != "" {
		nc, err = events.Connect(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		publisher = events.NewPublisher(nc, conversationID)
		defer publisher.Close()
	}

	tracer := observability.NewTracer(runDir, runID)
	registry, closeStore, err := buildRegistry(ctx, cfg, runDir, dryRun, tracer, nc, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	coord, err := coordinator.New(coordinator.Options{
		Flow:           def,
		Registry:       registry,
		Writer:         manifest.NewWriter(cfg.Pipeline.OutputDir),
		Retry:          cfg.Retry.Build(),
		Workers:        cfg.Pipeline.Workers,
		Timeout:        cfg.Pipeline.TimeoutDuration(),
		RunID:          runID,
		ConversationID: conversationID,
		Logger:         logger,
		Publisher:      publisher,
		Tracer:         tracer,
	})
	if err != nil {
		return err
	}

	logger.Info("starting run",
		"run_id", runID,
		"flow", def.ID,
		"data", cfg.Pipeline.DataPath,
		"workers", cfg.Pipeline.Workers,
		"dry_run", dryRun)

	initial, err := json.Marshal(ingestor.Request{Path: cfg.Pipeline.DataPath})
	if err != nil {
		return fmt.Errorf("marshal run input: %w", err)
	}

	sum, err := coord.Execute(ctx, initial)
	if err != nil {
		return err
	}

	if err := observability.WriteSnapshot(filepath.Join(cfg.Pipeline.OutputDir, snapshotFile)); err != nil {
		logger.Warn("failed to write metrics snapshot", "error", err)
	}

	fmt.Printf("Run %s finished: %s (%s)\n", sum.RunID, sum.Status, sum.Duration.Round(time.Millisecond))
	fmt.Printf("  manifest:  %s\n", sum.ManifestPath)
	fmt.Printf("  artifacts: %s\n", runDir)

	if sum.Status == manifest.StatusFailed {
		return fmt.Errorf("run %s failed: %w", sum.RunID, sum.Err)
	}
	return nil
}

// buildRegistry wires every pipeline agent under its task name. One
// registry serves any flow; stages bind only the tasks they declare.
func buildRegistry(ctx context.Context, cfg *config.Config, runDir string, dryRun bool, tracer *observability.Tracer, nc *nats.Conn, logger *slog.Logger) (*task.Registry, func(), error) {
	store, closeStore, err := openKeyStore(ctx, cfg, nc)
	if err != nil {
		return nil, nil, fmt.Errorf("open idempotency store: %w", err)
	}
	guard := idempotency.NewGuard(store)

	handlers := []struct {
		name    string
		handler task.Handler
	}{
		{ingestor.TaskName, ingestor.New(runDir, logger)},
		{detector.TaskName, detector.New(runDir, logger)},
		{explainer.TaskName, explainer.New(explainer.Config{
			Model:            cfg.Explainer.Model,
			Endpoint:         cfg.Explainer.Endpoint,
			Temperature:      cfg.Explainer.Temperature,
			Timeout:          cfg.Explainer.TimeoutDuration(),
			FailureThreshold: cfg.Explainer.FailureThreshold,
			MockMode:         dryRun,
		}, runDir, tracer, logger)},
		{actor.TaskName, actor.New(actor.Config{
			APIBase: cfg.API.BaseURL,
			Timeout: cfg.API.TimeoutDuration(),
			DryRun:  dryRun,
		}, guard, runDir, logger)},
		{kpi.TaskName, kpi.New(runDir, logger)},
	}

	registry := task.NewRegistry()
	for _, h := range handlers {
		if err := registry.Register(h.name, h.handler); err != nil {
			closeStore()
			return nil, nil, err
		}
	}
	return registry, closeStore, nil
}

// openKeyStore picks the guard's backing store from configuration. Validate
// has already checked the cross-field requirements of each backend.
func openKeyStore(ctx context.Context, cfg *config.Config, nc *nats.Conn) (idempotency.Store, func(), error) {
	switch cfg.Idempotency.Store {
	case "postgres":
		store, err := idempotency.NewPostgresStore(ctx, cfg.Idempotency.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "nats":
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, nil, fmt.Errorf("open JetStream: %w", err)
		}
		store, err := idempotency.NewNATSStore(ctx, js)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	default:
		store, err := idempotency.OpenFileStore(filepath.Join(cfg.Pipeline.OutputDir, keyStoreFile))
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

// watchLoop runs the pipeline once per settled data change until ctx is
// cancelled. Runs execute sequentially; a failed run is logged, not fatal.
func watchLoop(ctx context.Context, cfg *config.Config, dataDir, metricsAddr string, cliDryRun bool, logger *slog.Logger) error {
	w, err := watcher.New(watcher.Config{DataDir: dataDir}, logger)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer w.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	srv := &http.Server{
		Addr:              metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", metricsAddr, "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("watch mode started",
		"data_dir", dataDir,
		"metrics_addr", metricsAddr,
		"dry_run", cliDryRun)

	for ev := range w.Events() {
		logger.Info("data change detected", "path", ev.Path, "op", string(ev.Op))

		runCfg := *cfg
		runCfg.Pipeline.DataPath = ev.AbsPath
		if err := executeRun(ctx, &runCfg, cliDryRun, logger); err != nil {
			logger.Error("triggered run failed", "path", ev.Path, "error", err)
		}
	}

	logger.Info("watch mode stopped", "dropped_events", w.DroppedEvents())
	return nil
}
