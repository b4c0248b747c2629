package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/toolchat/internal/admission"
	"github.com/haasonsaas/toolchat/internal/agent"
	"github.com/haasonsaas/toolchat/internal/agent/providers"
	"github.com/haasonsaas/toolchat/internal/catalog"
	"github.com/haasonsaas/toolchat/internal/chat"
	"github.com/haasonsaas/toolchat/internal/config"
	"github.com/haasonsaas/toolchat/internal/gateway"
	"github.com/haasonsaas/toolchat/internal/mcp"
	"github.com/haasonsaas/toolchat/internal/observability"
	"github.com/haasonsaas/toolchat/internal/storage"
)

const shutdownTimeout = 30 * time.Second

// runServe wires every component, serves until a shutdown signal and then
// tears down in reverse order.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg, debug)
	slog.SetDefault(logger)
	slog.Info("starting toolchat",
		"version", version,
		"commit", commit,
		"config", configPath,
		"llm_provider", cfg.LLM.Provider,
		"database_driver", cfg.Database.Driver)

	if cfg.LLM.APIKey == "" && cfg.LLM.Provider != providers.KindOllama {
		slog.Warn("no LLM API key configured; model requests will fail", "provider", cfg.LLM.Provider)
	}

	tracer, flushTraces := observability.NewTracer(traceConfig(cfg))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)

	stores, err := storage.Open(ctx, storageConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	registry := mcp.NewRegistry(logger, mcp.WithCallTimeout(cfg.MCP.CallTimeout))
	builder := catalog.NewBuilder(registry, stores.Servers, catalogOptions(cfg), metrics, tracer, logger)

	var watcher *mcp.ScriptWatcher
	if cfg.MCP.Watch() {
		if err := os.MkdirAll(cfg.MCP.ScriptsDir, 0o755); err != nil {
			slog.Warn("failed to create scripts directory", "dir", cfg.MCP.ScriptsDir, "error", err)
		}
		watcher = mcp.NewScriptWatcher(registry, cfg.MCP.ScriptsDir, builder.Reload, logger)
		if err := watcher.Start(ctx); err != nil {
			slog.Warn("script watcher disabled", "error", err)
			watcher = nil
		}
	}

	provider, err := providers.New(providerSettings(cfg))
	if err != nil {
		if watcher != nil {
			_ = watcher.Close()
		}
		_ = stores.Close()
		return fmt.Errorf("failed to create LLM provider: %w", err)
	}

	gate := admission.NewGate(cfg.Chat.MaxConcurrent, metrics, logger)
	caller := chat.RegistryCaller{Registry: registry, Reload: builder.Reload}
	orchestrator := agent.NewOrchestrator(provider, caller, stores.Sessions, gate,
		loopConfig(cfg, logger, metrics, tracer))
	service := chat.NewService(stores, builder, orchestrator, chat.Config{DefaultModel: cfg.LLM.DefaultModel}, metrics, logger)

	server := gateway.New(gatewayConfig(cfg), gateway.Deps{
		Chat:           service,
		Stores:         stores,
		Registry:       registry,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Metrics:        metrics,
		Logger:         logger,
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx); err != nil {
		teardown(nil, watcher, registry, stores, flushTraces)
		return err
	}
	slog.Info("toolchat started", "http_addr", server.Addr())

	<-ctx.Done()
	slog.Info("shutdown signal received, initiating graceful shutdown")

	teardown(server, watcher, registry, stores, flushTraces)
	slog.Info("toolchat stopped")
	return nil
}

// teardown stops the HTTP server, the script watcher, the registry, the
// stores and the tracer, in that order. Errors are logged, not returned.
func teardown(server *gateway.Server, watcher *mcp.ScriptWatcher, registry *mcp.Registry, stores storage.StoreSet, flushTraces func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("http shutdown failed", "error", err)
		}
	}
	if watcher != nil {
		if err := watcher.Close(); err != nil {
			slog.Warn("script watcher close failed", "error", err)
		}
	}
	registry.ShutdownAll()
	if err := stores.Close(); err != nil {
		slog.Warn("storage close failed", "error", err)
	}
	if err := flushTraces(ctx); err != nil {
		slog.Warn("trace flush failed", "error", err)
	}
}
