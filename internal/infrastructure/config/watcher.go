package config

import (
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads config.toml's server and role tables without
// restarting the process — editing a server command or a role's
// allowed-tool list takes effect on the next tool dispatch rather than
// requiring a fresh session.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	logger   *zap.Logger
	current  atomic.Pointer[Config]
	onReload func(*Config)

	mu      sync.Mutex
	closeCh chan struct{}
	closed  bool
}

// NewWatcher creates a Watcher seeded with initial and begins watching the
// directory containing its source file for writes. onReload, if non-nil,
// is invoked with the newly loaded Config after every successful reload;
// a reload that fails to parse is logged and the previous Config is kept.
func NewWatcher(initial *Config, logger *zap.Logger, onReload func(*Config)) (*Watcher, error) {
	return newWatcher(Path(), initial, logger, onReload)
}

// NewWatcherAt is NewWatcher against an explicit config file path.
func NewWatcherAt(path string, initial *Config, logger *zap.Logger, onReload func(*Config)) (*Watcher, error) {
	return newWatcher(path, initial, logger, onReload)
}

func newWatcher(path string, initial *Config, logger *zap.Logger, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher:  fw,
		path:     path,
		logger:   logger.With(zap.String("component", "config-watcher")),
		onReload: onReload,
		closeCh:  make(chan struct{}),
	}
	w.current.Store(initial)

	go w.run()
	return w, nil
}

// Config returns the most recently loaded configuration (thread-safe,
// lock-free read — safe to call from any tool-dispatch goroutine).
func (w *Watcher) Config() *Config {
	return w.current.Load()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.closeCh:
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
			w.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	cfg, err := LoadFrom(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous configuration", zap.Error(err))
		return
	}

	w.current.Store(cfg)
	w.logger.Info("config reloaded", zap.String("model", cfg.Model))
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Close stops the watcher and releases its underlying file-descriptor.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	close(w.closeCh)
	return w.watcher.Close()
}
