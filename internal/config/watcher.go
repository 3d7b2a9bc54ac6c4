package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Watcher watches the config file for changes and applies what can change
// at runtime, currently the log level. Editors that write via
// rename-replace are handled by watching the containing directory and
// debouncing rapid event bursts.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	path        string
	level       zap.AtomicLevel
	logger      *zap.Logger
	onReload    func(*Config)
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher for the given config file. level is the
// handle the running logger was built with; reloads set it in place.
func NewWatcher(path string, level zap.AtomicLevel, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher:     fw,
		path:        abs,
		level:       level,
		logger:      logger,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond, // Debounce rapid saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}

	return w, nil
}

// OnReload registers a hook called with each successfully reloaded config.
// Must be set before Start.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.onReload = fn
}

// Start begins watching the config file's directory.
// This method is non-blocking; it starts the watcher in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil // Already running
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory, not the file: rename-replace saves would
	// otherwise drop the watch.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Warn("config watch failed, live reload disabled",
			zap.String("path", w.path), zap.Error(err))
	} else {
		w.logger.Debug("watching config file", zap.String("path", w.path))
	}

	go w.run(ctx)

	return nil
}

// Stop stops the watcher and waits for cleanup.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		w.logger.Warn("error closing config watcher", zap.Error(err))
	}
}

// IsWatching returns true if the watcher is currently running.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// run is the main event loop for the watcher.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	// Debounce timer for batching rapid changes
	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-debounceTicker.C:
			w.processDebouncedEvents()
		}
	}
}

// handleEvent records a filesystem event on the config file for debounced
// processing.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return // Ignore chmod, remove, etc.
	}

	w.mu.Lock()
	w.debounceMap[w.path] = time.Now()
	w.mu.Unlock()
}

// processDebouncedEvents reloads once events have settled past the
// debounce window.
func (w *Watcher) processDebouncedEvents() {
	w.mu.Lock()
	now := time.Now()
	settled := false
	for path, eventTime := range w.debounceMap {
		if now.Sub(eventTime) >= w.debounceDur {
			delete(w.debounceMap, path)
			settled = true
		}
	}
	w.mu.Unlock()

	if settled {
		w.reload()
	}
}

// reload re-reads the config file and applies runtime-changeable settings.
// A broken file keeps the previous settings in place.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous settings",
			zap.String("path", w.path), zap.Error(err))
		return
	}

	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		w.logger.Warn("config reload has invalid log level",
			zap.String("level", cfg.Logging.Level), zap.Error(err))
		return
	}

	w.level.SetLevel(level)
	w.logger.Info("configuration reloaded",
		zap.String("path", w.path),
		zap.String("log_level", level.String()))

	if w.onReload != nil {
		w.onReload(cfg)
	}
}
