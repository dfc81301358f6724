// Package main — cmd/simdriver/main.go
//
// octokernel simulation driver entrypoint.
//
// Startup sequence:
//  1. Load and validate config from ./octokernel.yaml (or -config).
//  2. Initialise structured logger (zap, JSON format).
//  3. Open the durable capability-object BoltDB store.
//  4. Construct a Kernel with the configured policy.
//  5. Run a canned pipeline through the kernel facade once, to exercise it.
//  6. Start the Prometheus metrics server (127.0.0.1:9091).
//  7. Start the operator Unix socket, if enabled.
//  8. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to metrics/operator servers).
//  2. Close BoltDB.
//  3. Flush logger.
//  4. Exit 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/octokernel/octokernel/contrib"
	"github.com/octokernel/octokernel/internal/config"
	"github.com/octokernel/octokernel/internal/kernel"
	"github.com/octokernel/octokernel/internal/observability"
	"github.com/octokernel/octokernel/internal/operator"
	"github.com/octokernel/octokernel/internal/pipeline"
	"github.com/octokernel/octokernel/internal/storage"
	"github.com/octokernel/octokernel/internal/transport"
)

func main() {
	// ── Flags ────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "./octokernel.yaml", "Path to octokernel.yaml")
	policyName := flag.String("policy", "allow-all", "Name of the contrib policy to install")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("simdriver %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ──────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("simdriver starting",
		zap.String("version", config.Version),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
		zap.String("policy", *policyName),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Open durable capability-object store ────────────────────────
	db, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("storage open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("durable capability-object store opened", zap.String("path", cfg.Storage.DBPath))

	// ── Step 4: Construct kernel ─────────────────────────────────────────────
	pol, err := contrib.GetPolicy(*policyName)
	if err != nil {
		log.Fatal("policy lookup failed", zap.Error(err))
	}
	k := kernel.New(log).WithPolicyEngine(pol)
	log.Info("kernel constructed", zap.String("policy", pol.Name()))

	// ── Step 5: Run the canned demo pipeline ─────────────────────────────────
	if _, trace, err := runDemoPipeline(k); err != nil {
		log.Warn("demo pipeline did not complete", zap.Error(err))
	} else {
		log.Info("demo pipeline completed",
			zap.Uint64("pipeline_id", uint64(trace.PipelineId)),
			zap.Int("stages_traced", len(trace.Entries)),
			zap.String("result", trace.FinalResult.Kind.String()),
		)
	}

	// ── Step 6: Prometheus metrics ────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 7: Operator socket ──────────────────────────────────────────────
	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, k, log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator server error", zap.Error(err))
			}
		}()
		log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	} else {
		log.Info("operator socket disabled")
	}

	// ── Step 8: Wait for shutdown signal ─────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	log.Info("simdriver shutdown complete")
}

// runDemoPipeline builds and runs a minimal two-stage pipeline through k's
// RunPipeline facade entry point, so a freshly started driver always
// exercises the pipeline executor once before settling into steady state.
// "parse" requires a capability granted to the runner task; "validate"
// consumes its output. Both stages always succeed — this is a wiring
// smoke test, not a workload.
func runDemoPipeline(k *kernel.Kernel) (transport.TypedPayload, *pipeline.Trace, error) {
	runnerTask, runnerExecId, err := k.SpawnTask(nil, "dom-system", "pipeline-runner")
	if err != nil {
		return transport.TypedPayload{}, nil, fmt.Errorf("spawn pipeline runner: %w", err)
	}
	readCap, err := k.GrantCapability(runnerTask, false)
	if err != nil {
		return transport.TypedPayload{}, nil, fmt.Errorf("grant capability: %w", err)
	}

	stages := []pipeline.StageSpec{
		{
			Id:                   k.Allocator().NextStageId(),
			Name:                 "parse",
			InputSchema:          "raw",
			OutputSchema:         "parsed",
			RetryPolicy:          pipeline.RetryPolicy{MaxRetries: 2, InitialBackoffMs: 1, Multiplier: 2},
			RequiredCapabilities: []uint64{readCap},
			Handler: func(hc pipeline.HandlerContext) pipeline.Outcome {
				return pipeline.Success(transport.TypedPayload{SchemaTag: "parsed", Data: hc.Input.Data}, nil)
			},
		},
		{
			Id:           k.Allocator().NextStageId(),
			Name:         "validate",
			InputSchema:  "parsed",
			OutputSchema: "validated",
			RetryPolicy:  pipeline.RetryPolicy{MaxRetries: 0, InitialBackoffMs: 1, Multiplier: 1},
			Handler: func(hc pipeline.HandlerContext) pipeline.Outcome {
				return pipeline.Success(transport.TypedPayload{SchemaTag: "validated", Data: hc.Input.Data}, nil)
			},
		},
	}

	spec, err := pipeline.NewPipelineSpec(k.Allocator().NextPipelineId(), "demo-ingest", "raw", "validated", stages, nil)
	if err != nil {
		return transport.TypedPayload{}, nil, fmt.Errorf("build pipeline spec: %w", err)
	}

	input := transport.TypedPayload{SchemaTag: "raw", Data: []byte("demo")}
	return k.RunPipeline(spec, []uint64{readCap}, input, runnerExecId, nil)
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
