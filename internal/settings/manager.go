package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"codequarry/internal/logging"
	"codequarry/internal/notify"
)

// Manager loads the settings file, overlays environment overrides, and keeps
// the current snapshot up to date while the file changes on disk.
//
// Consumers call Snapshot per use instead of caching values; long-lived
// components that need to react to a change (the refresh scheduler's tick
// period, cache TTLs) select on Changed().
type Manager struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current Settings

	changed *notify.Signal

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Path of the settings JSON file.
	Path   string
	Logger *slog.Logger
}

// NewManager creates a manager and performs the initial load. A missing file
// is bootstrapped with defaults and written back so operators have a file to
// edit. Environment overrides are applied after the file on every load.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	m := &Manager{
		path:    cfg.Path,
		logger:  logging.Default(cfg.Logger).With("component", "settings"),
		changed: notify.NewSignal(),
	}
	s, err := m.load()
	if err != nil {
		return nil, err
	}
	m.current = s
	return m, nil
}

// Snapshot returns the current settings.
func (m *Manager) Snapshot() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Changed returns a channel closed on the next applied reload.
func (m *Manager) Changed() <-chan struct{} {
	return m.changed.C()
}

// load reads the file (writing defaults first if absent), overlays the
// environment, and validates.
func (m *Manager) load() (Settings, error) {
	s := Defaults()

	data, err := os.ReadFile(m.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if werr := m.writeDefaults(); werr != nil {
			return Settings{}, werr
		}
		m.logger.Info("settings file created", "path", m.path)
	case err != nil:
		return Settings{}, fmt.Errorf("read settings %s: %w", m.path, err)
	default:
		if err := json.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parse settings %s: %w", m.path, err)
		}
	}

	if err := FromEnv(&s); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// writeDefaults persists the default settings via temp-file-then-rename so a
// concurrent reader never sees a partial file.
func (m *Manager) writeDefaults() error {
	data, err := json.MarshalIndent(Defaults(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode default settings: %w", err)
	}
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*")
	if err != nil {
		return fmt.Errorf("create settings temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close settings temp file: %w", err)
	}
	return os.Rename(tmpPath, m.path)
}

// Watch starts reacting to changes of the settings file. The parent directory
// is watched rather than the file itself so atomic replace-by-rename (the way
// editors and this package itself write) keeps delivering events.
func (m *Manager) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch settings directory: %w", err)
	}
	m.watcher = w
	m.done = make(chan struct{})

	m.wg.Go(func() {
		for {
			select {
			case <-m.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != filepath.Base(m.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				m.reload()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.logger.Warn("settings watcher error", "error", err)
			}
		}
	})
	m.logger.Info("watching settings", "path", m.path)
	return nil
}

// reload re-reads the file. A file that fails to parse or validate leaves the
// previous snapshot in place; a half-written file will produce another event
// once the writer finishes.
func (m *Manager) reload() {
	s, err := m.load()
	if err != nil {
		m.logger.Warn("settings reload rejected, keeping previous", "error", err)
		return
	}
	m.mu.Lock()
	unchanged := s.Equal(m.current)
	if !unchanged {
		m.current = s
	}
	m.mu.Unlock()
	if unchanged {
		return
	}
	m.logger.Info("settings reloaded", "settings", s.String())
	m.changed.Notify()
}

// Close stops the watcher. Safe to call without Watch.
func (m *Manager) Close() error {
	if m.watcher == nil {
		return nil
	}
	close(m.done)
	err := m.watcher.Close()
	m.wg.Wait()
	m.watcher = nil
	return err
}
