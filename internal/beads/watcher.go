package beads

import (
	"context"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultDebounceMs   = 200
	defaultPollInterval = 60 * time.Second
)

// Watcher re-imports the bead directory whenever files change. fsnotify
// drives the fast path; a poll loop covers filesystems where events are
// unreliable.
type Watcher struct {
	importer *Importer
	dir      string
	logger   *log.Logger

	debounceMs   int
	pollInterval time.Duration

	mu            sync.Mutex
	debounceTimer *time.Timer
	watcher       *fsnotify.Watcher
	useFsnotify   bool
	stopCh        chan struct{}
	doneCh        chan struct{}
	importMu      sync.Mutex // serializes imports from debounce and poll
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithPollInterval sets the fallback poll interval (default 60s).
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.pollInterval = d }
}

// NewWatcher creates a watcher over a bead directory.
func NewWatcher(importer *Importer, dir string, logger *log.Logger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		importer:     importer,
		dir:          dir,
		logger:       logger,
		debounceMs:   defaultDebounceMs,
		pollInterval: defaultPollInterval,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start runs an initial import, then watches until ctx is cancelled. If
// fsnotify fails to initialize it falls back to poll-only mode.
func (w *Watcher) Start(ctx context.Context) {
	defer close(w.doneCh)

	w.importOnce()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Printf("BeadWatcher: fsnotify init failed (%v), using poll-only", err)
		w.useFsnotify = false
	} else {
		w.watcher = watcher
		w.useFsnotify = true
		if err := watcher.Add(w.dir); err != nil {
			w.logger.Printf("BeadWatcher: fsnotify add %s failed (%v), using poll-only", w.dir, err)
			_ = watcher.Close()
			w.watcher = nil
			w.useFsnotify = false
		}
	}

	if w.useFsnotify {
		defer w.watcher.Close()
		go w.watchLoop(ctx)
	}

	w.pollLoop(ctx)
}

// Stop signals the watcher to stop. Call after cancelling the context
// passed to Start.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// CheckOnce runs one import pass (for testing or manual trigger).
func (w *Watcher) CheckOnce() {
	w.importOnce()
}

func (w *Watcher) watchLoop(ctx context.Context) {
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
			if !strings.HasSuffix(filepath.Base(event.Name), ".json") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.triggerDebounced()
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) triggerDebounced() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(time.Duration(w.debounceMs)*time.Millisecond, func() {
		w.importOnce()
	})
}

func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.importOnce()
		}
	}
}

func (w *Watcher) importOnce() {
	w.importMu.Lock()
	defer w.importMu.Unlock()
	if _, err := w.importer.ImportDir(w.dir); err != nil {
		w.logger.Printf("BeadWatcher: import failed: %v", err)
	}
}
