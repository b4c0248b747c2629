// Package catalog resolves the tools a conversation may call from the tool
// providers linked to its agent.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/toolchat/internal/mcp"
	"github.com/haasonsaas/toolchat/internal/observability"
	"github.com/haasonsaas/toolchat/pkg/models"
)

const defaultCommand = "python"

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// ServerSource loads stored provider definitions.
type ServerSource interface {
	Get(ctx context.Context, id string) (*models.ToolServer, error)
}

// Registry is the subset of *mcp.Registry the builder needs.
type Registry interface {
	Status(id string) mcp.Status
	Register(cfg *mcp.ServerConfig) error
	ListTools(ctx context.Context, id string) ([]*mcp.Tool, error)
}

// Warning records a provider that contributed no tools because it failed.
type Warning struct {
	ProviderID   string
	ProviderName string
	Err          error
}

// Catalog is the flat tool list offered to the model plus the routing
// table from tool name to provider id.
type Catalog struct {
	Tools    []models.ToolSchema
	Warnings []Warning

	routes map[string]string
}

// New builds a catalog from explicit entries. Later duplicates replace
// earlier ones in place.
func New(entries map[string][]models.ToolSchema, order []string) *Catalog {
	c := &Catalog{routes: make(map[string]string)}
	for _, providerID := range order {
		for _, tool := range entries[providerID] {
			c.add(providerID, tool)
		}
	}
	return c
}

// Resolve returns the provider that serves name.
func (c *Catalog) Resolve(name string) (string, bool) {
	if c == nil {
		return "", false
	}
	id, ok := c.routes[name]
	return id, ok
}

// Len returns the number of distinct tools.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Tools)
}

// add appends tool or replaces an earlier tool with the same name. It
// returns the provider that previously owned the name, if any.
func (c *Catalog) add(providerID string, tool models.ToolSchema) (string, bool) {
	prev, exists := c.routes[tool.Name]
	c.routes[tool.Name] = providerID
	if exists {
		for i := range c.Tools {
			if c.Tools[i].Name == tool.Name {
				c.Tools[i] = tool
				return prev, true
			}
		}
	}
	c.Tools = append(c.Tools, tool)
	return "", false
}

// Options configures a Builder.
type Options struct {
	ScriptsDir     string
	DefaultCommand string
	DefaultWorkDir string

	// Concurrency limits parallel provider queries. Zero means unlimited.
	Concurrency int
}

// Builder assembles per-conversation catalogs.
type Builder struct {
	registry Registry
	servers  ServerSource
	opts     Options
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *slog.Logger
}

// NewBuilder creates a catalog builder. metrics and tracer may be nil.
func NewBuilder(registry Registry, servers ServerSource, opts Options, metrics *observability.Metrics, tracer *observability.Tracer, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultCommand == "" {
		opts.DefaultCommand = defaultCommand
	}
	return &Builder{
		registry: registry,
		servers:  servers,
		opts:     opts,
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger.With("component", "catalog"),
	}
}

type providerResult struct {
	id    string
	name  string
	tools []models.ToolSchema
	err   error
}

// Build queries every provider concurrently and merges the results in the
// order of providerIDs. A failing provider is skipped and reported in
// Catalog.Warnings; Build itself never fails.
func (b *Builder) Build(ctx context.Context, providerIDs []string) *Catalog {
	ctx, span := b.tracer.TraceCatalogBuild(ctx, len(providerIDs))
	defer span.End()

	results := make([]providerResult, len(providerIDs))
	var g errgroup.Group
	if b.opts.Concurrency > 0 {
		g.SetLimit(b.opts.Concurrency)
	}
	for i, id := range providerIDs {
		i, id := i, id
		g.Go(func() error {
			results[i] = b.loadProvider(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	catalog := &Catalog{routes: make(map[string]string)}
	for _, res := range results {
		if res.err != nil {
			b.logger.Warn("failed to load tools from provider",
				"provider", res.id,
				"error", res.err)
			b.metrics.RecordCatalogFailure(res.id)
			catalog.Warnings = append(catalog.Warnings, Warning{
				ProviderID:   res.id,
				ProviderName: res.name,
				Err:          res.err,
			})
			continue
		}
		for _, tool := range res.tools {
			if prev, replaced := catalog.add(res.id, tool); replaced {
				b.logger.Warn("tool name collision, later provider wins",
					"tool", tool.Name,
					"previous_provider", prev,
					"provider", res.id)
			}
		}
	}

	b.logger.Debug("built tool catalog",
		"providers", len(providerIDs),
		"tools", catalog.Len(),
		"failed", len(catalog.Warnings))
	return catalog
}

func (b *Builder) loadProvider(ctx context.Context, id string) providerResult {
	res := providerResult{id: id, name: id}

	server, err := b.servers.Get(ctx, id)
	if err != nil {
		res.err = fmt.Errorf("load server definition: %w", err)
		return res
	}
	res.name = server.DisplayName()

	if b.registry.Status(id) == mcp.StatusAbsent {
		if err := b.register(server); err != nil {
			res.err = err
			return res
		}
	}

	tools, err := b.registry.ListTools(ctx, id)
	if err != nil {
		res.err = err
		return res
	}

	res.tools = make([]models.ToolSchema, 0, len(tools))
	for _, t := range tools {
		if t == nil || t.Name == "" {
			continue
		}
		params := t.InputSchema
		if len(params) == 0 || string(params) == "null" {
			params = emptyObjectSchema
		}
		res.tools = append(res.tools, models.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return res
}

// Reload registers id again from its stored definition, replacing any
// config the registry holds for it.
func (b *Builder) Reload(ctx context.Context, id string) error {
	server, err := b.servers.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load server definition: %w", err)
	}
	if err := b.register(server); err != nil {
		return err
	}
	b.logger.Debug("reloaded provider config", "provider", id)
	return nil
}

func (b *Builder) register(server *models.ToolServer) error {
	cfg, warnings := ConfigFromServer(server, b.opts)
	for _, w := range warnings {
		b.logger.Warn(w, "provider", server.ID)
	}
	if err := b.registry.Register(cfg); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return nil
}

// scriptPath joins script onto the scripts directory and makes the result
// absolute, since the provider may run in a different working directory.
func scriptPath(dir, script string) string {
	if dir == "" {
		return script
	}
	p := filepath.Join(dir, script)
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// ConfigFromServer turns a stored definition into a launch config. Args
// and env JSON that fail to parse fall back to empty values; the returned
// strings describe each fallback. With no args the script is resolved
// against the scripts directory.
func ConfigFromServer(server *models.ToolServer, opts Options) (*mcp.ServerConfig, []string) {
	var warnings []string

	command := server.Command
	if command == "" {
		command = opts.DefaultCommand
	}
	if command == "" {
		command = defaultCommand
	}

	var args []string
	if server.Args != "" {
		if err := json.Unmarshal([]byte(server.Args), &args); err != nil {
			warnings = append(warnings, fmt.Sprintf("invalid args JSON, ignoring: %v", err))
			args = nil
		}
	}
	if len(args) == 0 && server.Script != "" {
		args = []string{scriptPath(opts.ScriptsDir, server.Script)}
	}

	env := map[string]string{}
	if server.EnvVars != "" {
		if err := json.Unmarshal([]byte(server.EnvVars), &env); err != nil {
			warnings = append(warnings, fmt.Sprintf("invalid env_vars JSON, ignoring: %v", err))
			env = map[string]string{}
		}
	}

	workDir := server.WorkDir
	if workDir == "" {
		workDir = opts.DefaultWorkDir
	}

	return &mcp.ServerConfig{
		ID:      server.ID,
		Name:    server.Name,
		Command: command,
		Args:    args,
		Env:     env,
		WorkDir: workDir,
	}, warnings
}
