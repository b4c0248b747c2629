// Package main provides the CLI entry point for the toolchat server.
//
// toolchat streams chat turns between a language model and external tool
// providers that speak the Model Context Protocol over stdio.
//
// # Basic Usage
//
// Start the server:
//
//	toolchat serve --config toolchat.yaml
//
// Manage database migrations:
//
//	toolchat migrate up
//	toolchat migrate status
//
// Inspect a stored tool server:
//
//	toolchat tools list <server-id>
//	toolchat tools call <server-id> <tool> '{"a": 1}'
//
// # Environment Variables
//
//   - TOOLCHAT_CONFIG: Path to configuration file
//   - ZAI_API_KEY: API key for the default Z.ai provider
//   - DATABASE_URL: Database connection string
//   - PORT: HTTP port
//   - MCP_SCRIPTS_DIR: Directory holding tool server scripts
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "toolchat",
		Short: "toolchat - tool-calling chat server",
		Long: `toolchat runs agents that chat over WebSocket and call tools exposed by
MCP servers spawned on demand.

Supported LLM providers: Z.ai, OpenAI, OpenRouter, Ollama, Azure OpenAI, Anthropic`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildToolsCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

func defaultConfigPath() string {
	return os.Getenv("TOOLCHAT_CONFIG")
}
