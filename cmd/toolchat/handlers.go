package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/toolchat/internal/catalog"
	"github.com/haasonsaas/toolchat/internal/config"
	"github.com/haasonsaas/toolchat/internal/mcp"
	"github.com/haasonsaas/toolchat/internal/storage"
)

// =============================================================================
// Migration Command Handlers
// =============================================================================

func openMigrator(cmd *cobra.Command, configPath string) (*storage.Migrator, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	sc := storageConfig(cfg)
	db, err := storage.OpenDB(cmd.Context(), sc)
	if err != nil {
		return nil, nil, err
	}
	migrator, err := storage.NewMigrator(db, sc.Driver)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return migrator, func() { _ = db.Close() }, nil
}

func runMigrateUp(cmd *cobra.Command, configPath string, steps int) error {
	slog.Info("running database migrations", "config", configPath, "steps", steps)
	migrator, closeDB, err := openMigrator(cmd, configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	applied, err := migrator.Up(cmd.Context(), steps)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(applied) == 0 {
		fmt.Fprintln(out, "No pending migrations.")
		return nil
	}
	for _, id := range applied {
		fmt.Fprintf(out, "Applied %s\n", id)
	}
	return nil
}

func runMigrateDown(cmd *cobra.Command, configPath string, steps int) error {
	slog.Warn("rolling back migrations", "config", configPath, "steps", steps)
	migrator, closeDB, err := openMigrator(cmd, configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	rolled, err := migrator.Down(cmd.Context(), steps)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(rolled) == 0 {
		fmt.Fprintln(out, "Nothing to roll back.")
		return nil
	}
	for _, id := range rolled {
		fmt.Fprintf(out, "Rolled back %s\n", id)
	}
	return nil
}

func runMigrateStatus(cmd *cobra.Command, configPath string) error {
	migrator, closeDB, err := openMigrator(cmd, configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	applied, pending, err := migrator.Status(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tAPPLIED AT")
	for _, m := range applied {
		fmt.Fprintf(w, "%s\tapplied\t%s\n", m.ID, m.AppliedAt.Format("2006-01-02 15:04:05"))
	}
	for _, m := range pending {
		fmt.Fprintf(w, "%s\tpending\t-\n", m.ID)
	}
	return w.Flush()
}

// =============================================================================
// Tool Command Handlers
// =============================================================================

// registerStoredServer loads a tool server definition and registers it in
// a fresh registry.
func registerStoredServer(cmd *cobra.Command, configPath, serverID string) (*mcp.Registry, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	stores, err := storage.Open(cmd.Context(), storageConfig(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage: %w", err)
	}
	closeStores := func() { _ = stores.Close() }

	server, err := stores.Servers.Get(cmd.Context(), serverID)
	if err != nil {
		closeStores()
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("tool server %q not found", serverID)
		}
		return nil, nil, err
	}

	serverCfg, warnings := catalog.ConfigFromServer(server, catalogOptions(cfg))
	for _, warning := range warnings {
		slog.Warn("tool server definition", "server_id", serverID, "warning", warning)
	}

	registry := mcp.NewRegistry(slog.Default(), mcp.WithCallTimeout(cfg.MCP.CallTimeout))
	if err := registry.Register(serverCfg); err != nil {
		closeStores()
		return nil, nil, err
	}
	return registry, func() {
		registry.ShutdownAll()
		closeStores()
	}, nil
}

func runToolsList(cmd *cobra.Command, configPath, serverID string) error {
	registry, cleanup, err := registerStoredServer(cmd, configPath, serverID)
	if err != nil {
		return err
	}
	defer cleanup()

	tools, err := registry.ListTools(cmd.Context(), serverID)
	if err != nil {
		return err
	}
	printTools(cmd.OutOrStdout(), tools)
	return nil
}

func printTools(out io.Writer, tools []*mcp.Tool) {
	if len(tools) == 0 {
		fmt.Fprintln(out, "No tools advertised.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDESCRIPTION")
	for _, tool := range tools {
		desc := strings.ReplaceAll(tool.Description, "\n", " ")
		fmt.Fprintf(w, "%s\t%s\n", tool.Name, desc)
	}
	_ = w.Flush()
}

func runToolsCall(cmd *cobra.Command, configPath, serverID, toolName, rawArgs string) error {
	args, err := parseToolArgs(rawArgs)
	if err != nil {
		return err
	}

	registry, cleanup, err := registerStoredServer(cmd, configPath, serverID)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := registry.CallTool(cmd.Context(), serverID, toolName, args)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), result.Text())
	if result.IsError {
		return fmt.Errorf("tool %s reported an error", toolName)
	}
	return nil
}

// parseToolArgs accepts an empty string or a JSON object.
func parseToolArgs(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage("{}"), nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("tool arguments must be a JSON object: %w", err)
	}
	return json.RawMessage(raw), nil
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func runConfigShow(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	masked := *cfg
	masked.LLM.APIKey = maskSecret(cfg.LLM.APIKey)
	masked.Database.URL = maskDSN(cfg.Database.URL)

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(&masked); err != nil {
		return err
	}
	return enc.Close()
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDSN hides the password in URL-style connection strings.
func maskDSN(dsn string) string {
	scheme := strings.Index(dsn, "://")
	at := strings.LastIndex(dsn, "@")
	if scheme < 0 || at < scheme {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	colon := strings.Index(creds, ":")
	if colon < 0 {
		return dsn
	}
	return dsn[:scheme+3] + creds[:colon] + ":****" + dsn[at:]
}
