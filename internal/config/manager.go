package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce mirrors the debounce-before-reread idiom used for document
// watching elsewhere in the corpus: a burst of filesystem events collapses
// into one reload.
const reloadDebounce = 300 * time.Millisecond

// Manager owns the live Registry and watches the sentinel file
// (`thrall.reload`) for hot-reload triggers.
// In-flight pipelines keep using the Registry pointer they captured at
// entry; Manager only ever installs a new one, never mutates in place.
type Manager struct {
	pluginDir string
	logger    *slog.Logger

	reg atomic.Pointer[Registry]

	mu        sync.Mutex
	callbacks []func(*Registry)

	pendingMu sync.Mutex
	timer     *time.Timer
}

// NewManager performs the initial load and returns a ready Manager.
func NewManager(pluginDir string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{pluginDir: pluginDir, logger: logger}

	reg, err := Load(pluginDir)
	if err != nil {
		return nil, err
	}
	m.reg.Store(reg)
	return m, nil
}

// Current returns the currently active Registry. Safe for concurrent use;
// callers should capture the pointer once per pipeline run rather than
// re-reading it mid-run, so a reload mid-flight doesn't change behavior
// underfoot.
func (m *Manager) Current() *Registry {
	return m.reg.Load()
}

// OnReload registers a callback invoked with the new Registry after every
// successful reload and after every ReplacePrompt (the pipeline registers
// one to rebuild its Action Executor with the new cockpit_url/token).
func (m *Manager) OnReload(fn func(*Registry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// ReplacePrompt atomically installs a single updated Prompt into the live
// Registry without touching disk or any other recipe/model/hotwire state —
// the in-memory counterpart of the `prompt-load` admin skill's store write.
// Reload callbacks fire exactly as they do for a full disk reload, since a
// cached prompt reference anywhere downstream must be dropped the same way.
func (m *Manager) ReplacePrompt(p Prompt) {
	cur := m.reg.Load()
	next := &Registry{
		Plugin:   cur.Plugin,
		Recipes:  cur.Recipes,
		Prompts:  make(map[string]Prompt, len(cur.Prompts)+1),
		Models:   cur.Models,
		Hotwires: cur.Hotwires,
	}
	for name, existing := range cur.Prompts {
		next.Prompts[name] = existing
	}
	next.Prompts[p.Name] = p
	m.reg.Store(next)

	m.mu.Lock()
	cbs := append([]func(*Registry){}, m.callbacks...)
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(next)
	}
}

// Reload re-reads all configuration from disk and, on success, atomically
// installs it. On failure the previous Registry remains active and the
// error is logged.
func (m *Manager) Reload() error {
	reg, err := Load(m.pluginDir)
	if err != nil {
		m.logger.Error("config reload failed, keeping previous registry", "err", err)
		return err
	}
	m.reg.Store(reg)
	m.logger.Info("config reloaded", "recipes", len(reg.Recipes), "prompts", len(reg.Prompts))

	m.mu.Lock()
	cbs := append([]func(*Registry){}, m.callbacks...)
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(reg)
	}
	return nil
}

// Watch blocks, watching the plugin directory and its recipes/, prompts/,
// models/ and hotwires/ subdirectories; any event on `thrall.reload` or on a
// .toml file is debounced with the others in its burst into a single Reload
// call. Returns when ctx is cancelled or the watcher fails to start.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	watchDir := m.pluginDir
	if err := watcher.Add(watchDir); err != nil {
		return err
	}
	sentinel := filepath.Join(m.pluginDir, "thrall.reload")

	for _, sub := range []string{"recipes", "prompts", "models", "hotwires"} {
		if dir := filepath.Join(m.pluginDir, sub); dirExists(dir) {
			_ = watcher.Add(dir)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != sentinel && !isConfigDirEvent(ev.Name) {
				continue
			}
			m.scheduleReload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("config watcher error", "err", err)
		}
	}
}

func isConfigDirEvent(name string) bool {
	return filepath.Ext(name) == ".toml"
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// scheduleReload debounces bursts of filesystem events into a single
// Reload call fired reloadDebounce after the last event is seen.
func (m *Manager) scheduleReload() {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(reloadDebounce, func() {
		if err := m.Reload(); err != nil {
			m.logger.Warn("debounced reload failed", "err", err)
		}
	})
}
