// Command mcp-gateway is the stdio-speaking MCP multiplexing gateway:
// it reads configuration, spawns backend child processes on demand, and
// serves the upstream MCP client on its own stdin/stdout. Grounded in
// cmtonkinson-brain/host-mcp-gateway's main(), adapted from an
// http.Server listen loop to a stdio Dispatcher.Run loop since this
// gateway does not listen on the network.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/mcp-gateway/internal/config"
	"github.com/triage-ai/mcp-gateway/internal/gateway"
	"github.com/triage-ai/mcp-gateway/internal/registry"
	"github.com/triage-ai/mcp-gateway/internal/security"
	"github.com/triage-ai/mcp-gateway/internal/telemetry"
)

const shutdownGrace = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to the gateway's YAML configuration file (required)")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "mcp-gateway: --config is required")
		return 1
	}

	logger, err := telemetry.NewLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp-gateway: failed to init logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config_load_failed", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, meter, shutdownTelemetry, err := telemetry.Setup(ctx)
	if err != nil {
		logger.Error("telemetry_setup_failed", zap.Error(err))
		return 1
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		logger.Error("metrics_init_failed", zap.Error(err))
		return 1
	}

	reg := registry.New(cfg.Backends, logger)
	reg.SetRestartHook(func(backendName string) {
		metrics.Restarts.Add(context.Background(), 1)
		logger.Info("backend_restarted", zap.String("backend", backendName))
	})

	monitor := security.New(cfg.Policy, logger)

	dispatcher, err := gateway.New(os.Stdout, reg, monitor, metrics, tracer, logger)
	if err != nil {
		logger.Error("dispatcher_init_failed", zap.Error(err))
		return 1
	}

	logger.Info("gateway_starting", zap.Int("backends", len(cfg.Backends)))

	runErr := dispatcher.Run(ctx, os.Stdin)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	reg.Shutdown(shutdownCtx, shutdownGrace)

	if runErr != nil {
		logger.Error("gateway_run_failed", zap.Error(runErr))
		return 2
	}

	logger.Info("gateway_shutdown_complete")
	return 0
}
