package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Status is the registry's view of a provider.
type Status string

const (
	StatusAbsent     Status = "absent"
	StatusRegistered Status = "registered"
)

// Registry tracks provider launch configurations. It never keeps a process
// alive: every ListTools or CallTool spawns the provider, performs the
// handshake, runs one request and tears the process down.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]*ServerConfig

	dialer      Dialer
	callTimeout time.Duration
	logger      *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDialer replaces the default stdio dialer.
func WithDialer(d Dialer) RegistryOption {
	return func(r *Registry) {
		if d != nil {
			r.dialer = d
		}
	}
}

// WithCallTimeout sets the request timeout applied to configs without one.
func WithCallTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		configs:     make(map[string]*ServerConfig),
		callTimeout: defaultCallTimeout,
		logger:      logger.With("component", "mcp"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.dialer == nil {
		r.dialer = &StdioDialer{Logger: r.logger}
	}
	return r
}

// Register stores or overwrites the config for cfg.ID. No process is started.
func (r *Registry) Register(cfg *ServerConfig) error {
	if cfg == nil {
		return fmt.Errorf("server config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	stored := cfg.Clone()
	if stored.Timeout <= 0 {
		stored.Timeout = r.callTimeout
	}

	r.mu.Lock()
	r.configs[stored.ID] = stored
	r.mu.Unlock()

	r.logger.Info("registered MCP server",
		"server", stored.ID,
		"command", stored.Command,
		"args", stored.Args)
	return nil
}

// Unregister removes the config for id. Absent ids are logged and ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	_, ok := r.configs[id]
	delete(r.configs, id)
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("unregister of unknown MCP server", "server", id)
		return
	}
	r.logger.Info("unregistered MCP server", "server", id)
}

// Status reports whether id has a stored config.
func (r *Registry) Status(id string) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.configs[id]; ok {
		return StatusRegistered
	}
	return StatusAbsent
}

// Config returns a copy of the stored config for id.
func (r *Registry) Config(id string) (*ServerConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	if !ok {
		return nil, false
	}
	return cfg.Clone(), true
}

// Configs returns copies of all stored configs sorted by id.
func (r *Registry) Configs() []*ServerConfig {
	r.mu.RLock()
	out := make([]*ServerConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListTools spawns the provider and returns its advertised tools.
func (r *Registry) ListTools(ctx context.Context, id string) ([]*Tool, error) {
	var tools []*Tool
	err := r.withSession(ctx, id, "tools/list", func(ctx context.Context, s Session) error {
		var err error
		tools, err = s.ListTools(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tools, nil
}

// CallTool spawns the provider, invokes one tool and returns the normalized result.
func (r *Registry) CallTool(ctx context.Context, id, name string, arguments json.RawMessage) (*ToolResult, error) {
	var result *ToolResult
	err := r.withSession(ctx, id, "tools/call", func(ctx context.Context, s Session) error {
		raw, err := s.CallTool(ctx, name, arguments)
		if err != nil {
			return err
		}
		result = NewToolResult(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ShutdownAll unregisters every config.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	n := len(r.configs)
	r.configs = make(map[string]*ServerConfig)
	r.mu.Unlock()

	r.logger.Info("unregistered all MCP servers", "count", n)
}

// withSession runs fn against a freshly dialed provider and always tears
// the provider down afterwards.
func (r *Registry) withSession(ctx context.Context, id, op string, fn func(context.Context, Session) error) error {
	cfg, ok := r.Config(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConfigNotFound, id)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	session, err := r.dialer.Dial(ctx, cfg)
	if err != nil {
		return &ProviderError{ProviderID: id, Op: "connect", Err: err}
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			r.logger.Debug("MCP session close failed", "server", id, "error", cerr)
		}
	}()

	if err := fn(ctx, session); err != nil {
		return &ProviderError{ProviderID: id, Op: op, Err: err}
	}
	return nil
}
