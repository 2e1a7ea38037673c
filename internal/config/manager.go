package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of fsnotify events a single file
// save produces into one reload.
const reloadDebounce = 500 * time.Millisecond

// ReloadError reports a rejected reload. The previous configuration
// stays active.
type ReloadError struct {
	Path string
	Err  error
}

func (e *ReloadError) Error() string {
	return fmt.Sprintf("reload config %s: %v", e.Path, e.Err)
}

func (e *ReloadError) Unwrap() error { return e.Err }

// Manager loads the gateway configuration and keeps it fresh. Readers
// get the current snapshot via Get; reloads swap the snapshot
// atomically and notify registered callbacks, so a bad config file
// never replaces a good one.
type Manager struct {
	current  atomic.Pointer[Config]
	loadedAt atomic.Pointer[time.Time]
	path     string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	mu        sync.Mutex
	callbacks []func(*Config)
}

// NewManager loads the file at path and returns a manager serving it.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	m := &Manager{path: path, logger: logger}
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	m.store(cfg)
	return m, nil
}

// Get returns the current configuration snapshot. Safe for concurrent
// use; callers must not mutate the result.
func (m *Manager) Get() *Config {
	return m.current.Load()
}

// LoadedAt reports when the current snapshot was loaded.
func (m *Manager) LoadedAt() time.Time {
	return *m.loadedAt.Load()
}

// OnChange registers a callback invoked after each successful reload.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Reload re-reads the file and swaps the snapshot. On failure the
// current configuration stays active and a ReloadError is returned.
func (m *Manager) Reload() error {
	cfg, err := LoadFromFile(m.path)
	if err != nil {
		return &ReloadError{Path: m.path, Err: err}
	}

	m.store(cfg)
	m.notify(cfg)
	return nil
}

func (m *Manager) store(cfg *Config) {
	now := time.Now()
	m.current.Store(cfg)
	m.loadedAt.Store(&now)
}

func (m *Manager) notify(cfg *Config) {
	m.mu.Lock()
	callbacks := make([]func(*Config), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
}

// Watch reloads the configuration whenever the file changes, until ctx
// is cancelled. Removal or rename of the file is tolerated: editors
// and orchestrators replace config files rather than writing in place,
// so the watch is re-armed on the next event.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", m.path, err)
	}
	m.watcher = watcher

	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// The file was replaced; the old watch is dead.
				if err := m.watcher.Add(m.path); err != nil {
					m.logger.Error("config file gone, keeping current config",
						slog.String("path", m.path),
						slog.String("error", err.Error()))
					continue
				}
			} else if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if err := m.Reload(); err != nil {
					m.logger.Error("config reload rejected", slog.String("error", err.Error()))
					return
				}
				m.logger.Info("configuration reloaded", slog.String("path", m.path))
			})

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", slog.String("error", err.Error()))
		}
	}
}

// Close stops the file watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
