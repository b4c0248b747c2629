package main

import (
	"log/slog"
	"time"

	"github.com/haasonsaas/toolchat/internal/agent"
	"github.com/haasonsaas/toolchat/internal/agent/providers"
	"github.com/haasonsaas/toolchat/internal/catalog"
	"github.com/haasonsaas/toolchat/internal/config"
	"github.com/haasonsaas/toolchat/internal/gateway"
	"github.com/haasonsaas/toolchat/internal/observability"
	"github.com/haasonsaas/toolchat/internal/storage"
)

// The helpers below translate the file configuration into the option
// structs each package takes.

func storageConfig(cfg *config.Config) *storage.Config {
	sc := storage.DefaultConfig()
	sc.Driver = cfg.Database.Driver
	sc.URL = cfg.Database.URL
	if cfg.Database.MaxOpenConns > 0 {
		sc.MaxOpenConns = cfg.Database.MaxOpenConns
	}
	if cfg.Database.MaxIdleConns > 0 {
		sc.MaxIdleConns = cfg.Database.MaxIdleConns
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sc.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}
	sc.AutoMigrate = cfg.Database.Migrate()
	return sc
}

func providerSettings(cfg *config.Config) providers.Settings {
	return providers.Settings{
		Kind:         cfg.LLM.Provider,
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
		DefaultModel: cfg.LLM.DefaultModel,
		APIVersion:   cfg.LLM.APIVersion,
		Temperature:  cfg.LLM.Temperature,
		MaxTokens:    cfg.LLM.MaxTokens,
		MaxRetries:   cfg.LLM.MaxRetries,
		RetryDelay:   time.Second,
		Timeout:      cfg.LLM.Timeout,
	}
}

func catalogOptions(cfg *config.Config) catalog.Options {
	return catalog.Options{
		ScriptsDir:     cfg.MCP.ScriptsDir,
		DefaultCommand: cfg.MCP.DefaultCommand,
		DefaultWorkDir: cfg.MCP.DefaultWorkDir,
		Concurrency:    cfg.MCP.CatalogConcurrency,
	}
}

func loopConfig(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *agent.LoopConfig {
	return &agent.LoopConfig{
		MaxRounds: cfg.Chat.MaxRounds,
		MaxTokens: cfg.LLM.MaxTokens,
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracer,
	}
}

func gatewayConfig(cfg *config.Config) gateway.Config {
	return gateway.Config{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.HTTPPort,
		CORSOrigins:      cfg.Server.CORSOrigins,
		IncludeReasoning: cfg.Chat.IncludeReasoning(),
		Catalog:          catalogOptions(cfg),
	}
}

func traceConfig(cfg *config.Config) observability.TraceConfig {
	return observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	}
}

func newLogger(cfg *config.Config, debug bool) *slog.Logger {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
}
