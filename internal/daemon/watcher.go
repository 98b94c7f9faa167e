package daemon

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/harun/courier/internal/config"
	"github.com/harun/courier/pkg/invoker"
	"github.com/rs/zerolog"
)

// capabilityWatcher hot-reloads the capability allowlist file into the
// invoker whenever it changes. The watch is on the parent directory so
// editors that replace the file via rename are still observed.
type capabilityWatcher struct {
	path    string
	invoker *invoker.Invoker
	logger  zerolog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func newCapabilityWatcher(path string, inv *invoker.Invoker, logger zerolog.Logger) *capabilityWatcher {
	return &capabilityWatcher{
		path:    path,
		invoker: inv,
		logger:  logger.With().Str("component", "capwatcher").Logger(),
	}
}

// Start begins watching. Fails when the parent directory is missing.
func (w *capabilityWatcher) Start() error {
	if w.path == "" {
		return fmt.Errorf("no capabilities path configured")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	w.watcher = watcher
	w.done = make(chan struct{})

	go w.loop()

	w.logger.Info().Str("path", w.path).Msg("Watching capability allowlist")
	return nil
}

// Stop halts the watch.
func (w *capabilityWatcher) Stop() {
	if w.watcher == nil {
		return
	}
	w.watcher.Close()
	<-w.done
	w.watcher = nil
}

func (w *capabilityWatcher) loop() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}

func (w *capabilityWatcher) reload() {
	caps, ok, err := config.LoadCapabilities(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Keeping previous allowlist, reload failed")
		return
	}
	if !ok {
		return
	}
	w.invoker.SetBaseCapabilities(caps)
	w.logger.Info().Int("count", len(caps)).Msg("Capability allowlist reloaded")
}
