package voices

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher keeps the catalog current as operators flip maintenance flags.
type Watcher struct {
	path    string
	log     *logger.Logger
	current *Catalog
	mu      sync.RWMutex
	reloads atomic.Uint32
	fsw     *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher loads the catalog and starts watching the file for writes.
func NewWatcher(path string, log *logger.Logger) (*Watcher, error) {
	catalog, err := LoadAndValidate(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial voice catalog: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	err = fsw.Add(path)
	if err != nil {
		_ = fsw.Close()

		return nil, fmt.Errorf("failed to watch voice catalog %s: %w", path, err)
	}

	watcher := &Watcher{
		path:    path,
		log:     log,
		current: catalog,
		fsw:     fsw,
		done:    make(chan struct{}),
	}

	go watcher.watch()

	return watcher, nil
}

// UnderMaintenance reports whether the voice is flagged in the current catalog.
func (w *Watcher) UnderMaintenance(voiceID string) bool {
	return w.Snapshot().UnderMaintenance(voiceID)
}

// SupportsDiacritics reports whether the voice takes diacritized text in the
// current catalog.
func (w *Watcher) SupportsDiacritics(voiceID string) bool {
	return w.Snapshot().SupportsDiacritics(voiceID)
}

// Snapshot returns the current catalog (thread-safe).
func (w *Watcher) Snapshot() *Catalog {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.current
}

// ReloadCount returns the number of successful reloads.
func (w *Watcher) ReloadCount() uint32 {
	return w.reloads.Load()
}

// Close stops watching the file.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done

	if err != nil {
		return fmt.Errorf("failed to close voice catalog watcher: %w", err)
	}

	return nil
}

func (w *Watcher) watch() {
	defer close(w.done)

	var timer *time.Timer

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if timer != nil {
					timer.Stop()
				}

				timer = time.AfterFunc(reloadDebounce, w.reload)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}

			w.log.Error("Voice catalog watcher error: %v", err)
		}
	}
}

// reload keeps the previous catalog when the new file is invalid.
func (w *Watcher) reload() {
	catalog, err := LoadAndValidate(w.path)
	if err != nil {
		w.log.Error("Failed to reload voice catalog %s: %v", w.path, err)

		return
	}

	w.mu.Lock()
	w.current = catalog
	w.mu.Unlock()

	count := w.reloads.Add(1)
	w.log.Info("Voice catalog reloaded (%d voices, reload #%d)", len(catalog.voices), count)
}
