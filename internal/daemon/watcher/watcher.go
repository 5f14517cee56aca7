// Package watcher reloads daemon configuration when the config file changes.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/jeffjacobsen/crystal/config"
)

// ConfigWatcher watches a config file for changes. Editors replace files
// rather than write in place, so the parent directory is watched and
// events are filtered by name.
type ConfigWatcher struct {
	watcher    *fsnotify.Watcher
	configPath string
	debounce   time.Duration
	logger     *logrus.Entry
	onReload   func(*config.Config)

	mu         sync.Mutex
	lastChange time.Time
}

// New creates a ConfigWatcher for the given config file. The onReload
// callback receives the freshly parsed config; a file change that fails to
// parse is logged and ignored, keeping the running config intact.
func New(configPath string, debounce time.Duration, logger *logrus.Entry, onReload func(*config.Config)) (*ConfigWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(configPath)); err != nil {
		fsw.Close()
		return nil, err
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &ConfigWatcher{
		watcher:    fsw,
		configPath: configPath,
		debounce:   debounce,
		logger:     logger,
		onReload:   onReload,
	}, nil
}

// Start begins watching for config changes. It blocks until the context is
// cancelled.
func (w *ConfigWatcher) Start(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}
			w.handleChange()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("Watcher error")
		case <-ctx.Done():
			w.watcher.Close()
			return
		}
	}
}

// handleChange reloads the config, debouncing rapid writes.
func (w *ConfigWatcher) handleChange() {
	w.mu.Lock()
	elapsed := time.Since(w.lastChange)
	if elapsed < w.debounce {
		w.mu.Unlock()
		w.logger.WithField("elapsed", elapsed).Debug("Debounced config change")
		return
	}
	w.lastChange = time.Now()
	w.mu.Unlock()

	cfg, err := config.Load(w.configPath)
	if err != nil {
		w.logger.WithError(err).Warn("Config changed but failed to load, keeping current config")
		return
	}
	w.logger.WithField("file", filepath.Base(w.configPath)).Info("Config reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Close stops the watcher and releases resources.
func (w *ConfigWatcher) Close() error {
	return w.watcher.Close()
}
