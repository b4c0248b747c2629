package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc registers a provider again from its stored definition.
type ReloadFunc func(ctx context.Context, id string) error

// ScriptWatcher watches the provider scripts directory and reloads every
// config that launches a changed script. Configs are never dropped, so
// conversations that already routed tools to a provider keep working; a
// failed reload leaves the previous config in place.
type ScriptWatcher struct {
	registry *Registry
	dir      string
	reload   ReloadFunc
	logger   *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScriptWatcher creates a watcher for dir. reload may be nil, in which
// case changes are only logged. Call Start to begin watching.
func NewScriptWatcher(registry *Registry, dir string, reload ReloadFunc, logger *slog.Logger) *ScriptWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScriptWatcher{
		registry: registry,
		dir:      dir,
		reload:   reload,
		logger:   logger.With("component", "mcp-watcher", "dir", dir),
	}
}

// Start begins watching. It is a no-op if already started.
func (w *ScriptWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(watchCtx, watcher)
	w.logger.Info("watching MCP scripts")
	return nil
}

// Close stops the watcher and waits for its goroutine.
func (w *ScriptWatcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	watcher := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	w.wg.Wait()
	return err
}

func (w *ScriptWatcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.refresh(ctx, event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("script watch error", "error", err)
		}
	}
}

func (w *ScriptWatcher) refresh(ctx context.Context, path string) {
	for _, id := range configsUsingScript(w.registry.Configs(), path) {
		w.logger.Info("script changed", "server", id, "script", path)
		if w.reload == nil {
			continue
		}
		if err := w.reload(ctx, id); err != nil {
			w.logger.Warn("failed to reload MCP server config, keeping previous",
				"server", id,
				"error", err)
		}
	}
}

// configsUsingScript returns the ids of configs with an argument that
// resolves to path.
func configsUsingScript(configs []*ServerConfig, path string) []string {
	target := absPath(path)
	var ids []string
	for _, cfg := range configs {
		for _, arg := range cfg.Args {
			candidate := arg
			if !filepath.IsAbs(candidate) && cfg.WorkDir != "" {
				candidate = filepath.Join(cfg.WorkDir, candidate)
			}
			if absPath(candidate) == target {
				ids = append(ids, cfg.ID)
				break
			}
		}
	}
	return ids
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
