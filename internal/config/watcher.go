package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when config files change.
// The running daemon sets these callbacks at startup.
type WatchTargets struct {
	// OnConfigChange fires when config.yaml or .env is written or created.
	// The daemon reloads the config and applies the new rotation interval
	// without restarting.
	OnConfigChange func()
}

// Watcher monitors the sealog config directory for file changes using
// fsnotify.
//
// The watcher runs a background goroutine that processes fsnotify events.
// Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a file watcher on the given config directory.
//
// The directory is watched rather than the file so editors that replace
// the file (write tmp, rename) are still seen.
func NewWatcher(dir string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}

	go w.processEvents(targets)

	slog.Info("file watcher started", "dir", dir)
	return w, nil
}

// processEvents reads fsnotify events and dispatches to the appropriate
// callback. Runs in a background goroutine until Close() is called.
func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			switch filepath.Base(event.Name) {
			case "config.yaml", ".env":
				slog.Info("config changed, triggering reload", "file", filepath.Base(event.Name))
				if targets.OnConfigChange != nil {
					targets.OnConfigChange()
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the file watcher goroutine and releases the underlying
// fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
