package config

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/retracehq/retrace/errors"
	"github.com/retracehq/retrace/logger"
)

// Watcher watches a config file for changes and triggers reload callbacks.
// The daemon uses it to pick up verbosity and queue tuning without a
// restart.
type Watcher struct {
	configPath      string
	watcher         *fsnotify.Watcher
	callbacks       []ReloadCallback
	mu              sync.RWMutex
	debounceTimer   *time.Timer
	debouncePeriod  time.Duration
	isOwnWrite      bool // set by persist to prevent reload loops
	isOwnWriteMutex sync.Mutex
}

// ReloadCallback is called with the freshly loaded config after a change.
type ReloadCallback func(*Config) error

var (
	globalWatcher   *Watcher
	globalWatcherMu sync.Mutex
)

// NewWatcher creates a watcher for the given config file.
func NewWatcher(configPath string) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch config file %s", configPath)
	}

	cw := &Watcher{
		configPath:     configPath,
		watcher:        watcher,
		callbacks:      make([]ReloadCallback, 0),
		debouncePeriod: 500 * time.Millisecond, // Debounce rapid file changes
	}

	return cw, nil
}

// OnReload registers a callback to run after each successful reload.
func (cw *Watcher) OnReload(callback ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// MarkOwnWrite flags the next write as coming from this process so the
// watcher skips it.
func (cw *Watcher) MarkOwnWrite() {
	cw.isOwnWriteMutex.Lock()
	defer cw.isOwnWriteMutex.Unlock()
	cw.isOwnWrite = true
}

// checkOwnWrite checks and clears the own-write flag.
func (cw *Watcher) checkOwnWrite() bool {
	cw.isOwnWriteMutex.Lock()
	defer cw.isOwnWriteMutex.Unlock()

	if cw.isOwnWrite {
		cw.isOwnWrite = false
		return true
	}
	return false
}

// Start begins watching for config file changes.
func (cw *Watcher) Start() {
	go cw.watchLoop()
}

func (cw *Watcher) watchLoop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			// Only reload on Write or Create events
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				if isBackupFile(event.Name) {
					continue
				}

				if cw.checkOwnWrite() {
					logger.Debugw("Config watcher ignoring own write",
						"file", event.Name)
					continue
				}

				logger.Infow("Config watcher detected change",
					"file", event.Name,
					"op", event.Op.String())
				cw.scheduleReload()
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnw("Config watcher error",
				"error", err)
		}
	}
}

// scheduleReload debounces rapid file changes before reloading.
func (cw *Watcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}

	cw.debounceTimer = time.AfterFunc(cw.debouncePeriod, func() {
		if err := cw.reload(); err != nil {
			logger.Errorw("Config reload failed",
				"error", err)
		}
	})
}

// reload re-reads the configuration and calls all callbacks.
func (cw *Watcher) reload() error {
	Reset()

	newConfig, err := Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	logger.Infow("Config reloaded",
		"path", cw.configPath)

	cw.mu.RLock()
	callbacks := make([]ReloadCallback, len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback(newConfig); err != nil {
			// Keep calling the remaining callbacks
			logger.Warnw("Config reload callback error",
				"error", err)
		}
	}

	return nil
}

// Stop stops watching for config changes.
func (cw *Watcher) Stop() error {
	return cw.watcher.Close()
}

// isBackupFile reports whether the path is one of the rotating backups
// written by persist.
func isBackupFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".back1") ||
		strings.HasSuffix(base, ".back2") ||
		strings.HasSuffix(base, ".back3")
}

// SetGlobalWatcher registers the watcher instance consulted by persist to
// suppress reload loops on its own writes.
func SetGlobalWatcher(watcher *Watcher) {
	globalWatcherMu.Lock()
	defer globalWatcherMu.Unlock()
	globalWatcher = watcher
}

// GetGlobalWatcher returns the registered watcher instance, or nil.
func GetGlobalWatcher() *Watcher {
	globalWatcherMu.Lock()
	defer globalWatcherMu.Unlock()
	return globalWatcher
}
