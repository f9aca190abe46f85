package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/realmbridge/realmbridge/pkg/bridge"
	"github.com/realmbridge/realmbridge/pkg/telemetry"
)

// ManifestWatcher watches capability manifest files and re-applies them to
// the registry when they change, so a realm can roll a new capability version
// by rewriting its manifest.
type ManifestWatcher struct {
	reg     bridge.Registry
	log     *telemetry.Logger
	watcher *fsnotify.Watcher
}

// NewManifestWatcher creates a watcher that applies manifest changes to reg.
// tel may be nil for a no-op telemetry stack.
func NewManifestWatcher(reg bridge.Registry, tel *telemetry.Telemetry) *ManifestWatcher {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &ManifestWatcher{
		reg: reg,
		log: tel.Logger.NewComponentLogger("manifest-watcher"),
	}
}

// Watch applies each manifest once, then watches the files for changes until
// ctx is cancelled. Reloads are debounced so an editor's write burst applies
// once.
func (w *ManifestWatcher) Watch(ctx context.Context, paths []string) error {
	for _, path := range paths {
		if err := w.apply(ctx, path); err != nil {
			return err
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.watcher = watcher

	for _, path := range paths {
		if err := watcher.Add(path); err != nil {
			w.log.WithError(err).WithField("path", path).Warn("failed to watch manifest")
		}
	}

	go w.processEvents(ctx)

	w.log.WithField("paths", len(paths)).Info("watching capability manifests")
	return nil
}

// processEvents reacts to manifest file changes with a debounce. Changed
// paths accumulate in a dirty set so a burst touching several manifests
// reloads every one of them, not just the last.
func (w *ManifestWatcher) processEvents(ctx context.Context) {
	const reloadDelay = 500 * time.Millisecond

	var (
		mu          sync.Mutex
		dirty       = make(map[string]struct{})
		reloadTimer *time.Timer
	)

	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") {
				continue
			}

			w.log.WithField("file", event.Name).Debug("manifest changed")
			mu.Lock()
			dirty[event.Name] = struct{}{}
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				mu.Lock()
				paths := make([]string, 0, len(dirty))
				for path := range dirty {
					paths = append(paths, path)
				}
				dirty = make(map[string]struct{})
				mu.Unlock()

				for _, path := range paths {
					if err := w.apply(ctx, path); err != nil {
						w.log.WithError(err).WithField("path", path).Error("failed to reapply manifest")
					}
				}
			})
			mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Error("watcher error")
		}
	}
}

// apply loads one manifest and registers its capabilities.
func (w *ManifestWatcher) apply(ctx context.Context, path string) error {
	m, err := LoadManifest(path)
	if err != nil {
		return err
	}
	if err := m.Apply(ctx, w.reg); err != nil {
		return err
	}
	w.log.WithRealm(m.Realm).WithField("capabilities", len(m.Capabilities)).Info("manifest applied")
	return nil
}

// Close stops watching.
func (w *ManifestWatcher) Close() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
