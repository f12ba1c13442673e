package catalog

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates catalog listings when files are created, removed or
// renamed below a catalog root, so new media shows up before the TTL expires.
type Watcher struct {
	cache   *Cache
	watcher *fsnotify.Watcher
	roots   map[string]string
	logger  *slog.Logger
}

// NewWatcher registers every existing directory below the cache roots.
// Roots that do not exist yet are skipped.
func NewWatcher(cache *Cache, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	watcher := &Watcher{
		cache:   cache,
		watcher: w,
		roots:   make(map[string]string),
		logger:  logger,
	}
	for _, id := range cache.IDs() {
		root, _ := cache.Root(id)
		abs, err := filepath.Abs(root)
		if err != nil {
			abs = root
		}
		watcher.roots[id] = abs
		watcher.addTree(abs)
	}
	return watcher, nil
}

func (w *Watcher) addTree(root string) {
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(p); err != nil {
			w.logger.Debug("catalog watch failed", "path", p, "error", err)
		}
		return nil
	})
}

// Run dispatches filesystem events until ctx is cancelled. It closes the
// underlying watcher on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		_ = w.watcher.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Debug("catalog watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if ev.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.addTree(ev.Name)
		}
	}
	name := ev.Name
	if abs, err := filepath.Abs(name); err == nil {
		name = abs
	}
	for id, root := range w.roots {
		if within(name, root) {
			w.cache.Invalidate(id)
			w.logger.Debug("catalog invalidated", "catalog", id, "path", ev.Name, "op", ev.Op.String())
		}
	}
}

func within(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
