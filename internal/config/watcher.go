package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"audioguard/internal/logging"
)

// Watcher reloads the config file when it changes and hands valid
// configurations to onChange. Invalid edits are logged and skipped.
type Watcher struct {
	watcher  *fsnotify.Watcher
	store    *FileStore
	onChange func(Config)
	done     chan struct{}
	stopped  chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewWatcher creates a watcher for store's file.
func NewWatcher(store *FileStore, onChange func(Config)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  watcher,
		store:    store,
		onChange: onChange,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

// Start begins watching the file for changes.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	// Editors replace files, so watch the directory.
	if err := w.watcher.Add(filepath.Dir(w.store.Path())); err != nil {
		return err
	}
	w.running = true
	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	defer close(w.stopped)
	filename := filepath.Base(w.store.Path())

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.reload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warnf("config watcher: %v", err)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.store.Load()
	if err != nil {
		logging.Warnf("config reload skipped: %v", err)
		return
	}
	logging.Infof("reloaded %s", w.store.Path())
	w.onChange(cfg)
}

// Stop stops the watcher and waits for the watch loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return w.watcher.Close()
	}
	w.running = false
	close(w.done)
	err := w.watcher.Close()
	<-w.stopped
	return err
}
