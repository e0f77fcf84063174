package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wudi/bankgate/internal/logging"
)

// FlagWatcher reports the presence of a flag file. Operators toggle
// maintenance mode by creating or removing the file.
type FlagWatcher struct {
	watcher   *fsnotify.Watcher
	path      string
	callbacks []func(present bool)
	mu        sync.RWMutex
	debounce  time.Duration
	present   bool
	timer     *time.Timer
	done      chan struct{}
}

// NewFlagWatcher creates a watcher for the given flag file path.
func NewFlagWatcher(path string) (*FlagWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &FlagWatcher{
		watcher:  fsWatcher,
		path:     path,
		debounce: 500 * time.Millisecond,
		present:  fileExists(path),
		done:     make(chan struct{}),
	}, nil
}

// OnChange registers a callback invoked whenever the flag flips.
func (w *FlagWatcher) OnChange(callback func(present bool)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Present reports whether the flag file existed at the last check.
func (w *FlagWatcher) Present() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.present
}

// Start begins watching. The directory is watched so that creation of
// a missing file is observed.
func (w *FlagWatcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.watch()
	return nil
}

func (w *FlagWatcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.debounce, w.check)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("flag watcher error", zap.String("path", w.path), zap.Error(err))

		case <-w.done:
			return
		}
	}
}

// check re-reads the flag state and notifies callbacks on change.
func (w *FlagWatcher) check() {
	present := fileExists(w.path)

	w.mu.Lock()
	if present == w.present {
		w.mu.Unlock()
		return
	}
	w.present = present
	callbacks := make([]func(bool), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	logging.Info("flag file changed", zap.String("path", w.path), zap.Bool("present", present))

	for _, cb := range callbacks {
		cb(present)
	}
}

// Stop stops watching for changes
func (w *FlagWatcher) Stop() error {
	close(w.done)
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

// SetDebounce sets the debounce duration for file changes
func (w *FlagWatcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounce = d
	w.mu.Unlock()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
