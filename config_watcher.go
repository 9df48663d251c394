package main

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher reloads config.json when it changes on disk
type ConfigWatcher struct {
	path     string
	onReload func(Config)
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	done    chan struct{}
}

// NewConfigWatcher creates a watcher for path. onReload receives every
// successfully parsed version of the file.
func NewConfigWatcher(path string, onReload func(Config)) *ConfigWatcher {
	return &ConfigWatcher{
		path:     path,
		onReload: onReload,
		debounce: 300 * time.Millisecond,
	}
}

// Start begins watching. The directory is watched rather than the file so
// that editors replacing the file atomically are seen.
func (w *ConfigWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})

	LogInfo("config_watcher").Str("path", w.path).Msg("Started watching config")

	go w.watch(watcher, w.stopCh, w.done)
	return nil
}

// Stop ends watching and waits for the loop to exit
func (w *ConfigWatcher) Stop() {
	w.mu.Lock()
	watcher, stopCh, done := w.watcher, w.stopCh, w.done
	w.watcher = nil
	w.mu.Unlock()

	if watcher == nil {
		return
	}
	close(stopCh)
	watcher.Close()
	<-done
	LogInfo("config_watcher").Msg("Stopped watching config")
}

func (w *ConfigWatcher) watch(watcher *fsnotify.Watcher, stopCh, done chan struct{}) {
	defer close(done)

	var debounceTimer *time.Timer
	target := filepath.Clean(w.path)

	for {
		select {
		case <-stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			LogError("config_watcher").Err(err).Msg("Watcher error")
		}
	}
}

func (w *ConfigWatcher) reload() {
	cfg, warnings, err := LoadConfig(w.path)
	if err != nil {
		LogWarn("config_watcher").Err(err).Msg("Ignoring invalid config")
		return
	}
	for _, warning := range warnings {
		LogWarn("config_watcher").Msg(warning)
	}
	LogInfo("config_watcher").Msg("Config reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
