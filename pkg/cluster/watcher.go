package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/JiHyuk-Byun/agent-infra/pkg/backend"
)

// debounceInterval coalesces bursts of file events (editors and atomic
// writers emit several per save) into one reconciliation.
const debounceInterval = 200 * time.Millisecond

// Watcher watches the endpoints file the cluster collaborator maintains
// and reconciles the registry on every change.
type Watcher struct {
	path        string
	registry    *backend.Registry
	maxInFlight int
	watcher     *fsnotify.Watcher
	logger      *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewWatcher creates a watcher for the given endpoints file.
func NewWatcher(path string, registry *backend.Registry, maxInFlight int) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		path:        path,
		registry:    registry,
		maxInFlight: maxInFlight,
		watcher:     fsWatcher,
		logger:      slog.Default().With("component", "cluster.watcher"),
	}, nil
}

// Watch applies the file's current contents, then blocks processing file
// events until the context is cancelled. The parent directory is watched
// rather than the file itself so atomic rename-into-place updates are
// seen.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		w.watcher.Close()
	}()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %q: %w", w.path, err)
	}

	// Initial load; a missing file is tolerated until the collaborator
	// writes it.
	if err := w.reconcile(); err != nil {
		w.logger.Warn("initial endpoints load failed", "path", w.path, "error", err)
	}

	w.logger.Info("endpoints watcher started", "path", w.path)

	var debounce *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("endpoints watcher stopped")
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceInterval)
			} else {
				debounce.Reset(debounceInterval)
			}
			debounceCh = debounce.C

		case <-debounceCh:
			debounceCh = nil
			if err := w.reconcile(); err != nil {
				w.logger.Error("endpoints reload failed", "path", w.path, "error", err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// reconcile loads the file and syncs the registry to it.
func (w *Watcher) reconcile() error {
	endpoints, err := LoadEndpointsFile(w.path)
	if err != nil {
		return err
	}

	added, removed := SyncRegistry(w.registry, endpoints, w.maxInFlight)
	if added > 0 || removed > 0 {
		w.logger.Info("endpoints reconciled",
			"endpoints", len(endpoints),
			"added", added,
			"removed", removed,
		)
	}
	return nil
}
