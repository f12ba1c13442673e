// Package catalog keeps cached listings of the media files below each
// catalog root and maps client-supplied relative paths back onto disk.
package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"

	"github.com/RagingGuard/video-share/internal/media"
	"github.com/RagingGuard/video-share/internal/observability/metrics"
)

const (
	// Open is the catalog anyone on the network can browse.
	Open = "open"
	// Restricted is the catalog visible only with a valid token.
	Restricted = "restricted"

	// DefaultTTL is how long a listing is served from memory.
	DefaultTTL = 5 * time.Minute
)

var (
	// ErrUnknownCatalog is returned for catalog ids that were never configured.
	ErrUnknownCatalog = errors.New("unknown catalog")
	// ErrInvalidPath is returned when a relative path escapes the catalog root.
	ErrInvalidPath = errors.New("invalid path")
	// ErrNotMedia is returned when a path does not carry an allow-listed extension.
	ErrNotMedia = errors.New("not a media file")
)

// Config describes the catalog roots and cache behaviour.
type Config struct {
	// Roots maps catalog ids to directories.
	Roots   map[string]string
	TTL     time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Now     func() time.Time
}

type snapshot struct {
	root string

	mu        sync.RWMutex
	files     []string
	scannedAt time.Time
	fresh     bool

	// gen counts invalidations; a scan that overlapped one stores its files
	// but leaves the listing stale.
	gen uint64
	// started numbers scans; stored is the newest one whose files are held.
	started uint64
	stored  uint64
}

// Cache holds one snapshot per catalog. Each snapshot has its own lock and
// directory scans run without any lock held; concurrent refreshes of one
// catalog share a single scan.
type Cache struct {
	snapshots map[string]*snapshot
	ttl       time.Duration
	now       func() time.Time
	group     singleflight.Group
	scanDir   func(root string) ([]string, error)
	logger    *slog.Logger
	metrics   *metrics.Recorder
}

// NewCache constructs a cache over the configured roots.
func NewCache(cfg Config) *Cache {
	cache := &Cache{
		snapshots: make(map[string]*snapshot, len(cfg.Roots)),
		ttl:       cfg.TTL,
		now:       cfg.Now,
		scanDir:   scan,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
	if cache.ttl <= 0 {
		cache.ttl = DefaultTTL
	}
	if cache.now == nil {
		cache.now = time.Now
	}
	if cache.logger == nil {
		cache.logger = slog.Default()
	}
	if cache.metrics == nil {
		cache.metrics = metrics.Default()
	}
	for id, root := range cfg.Roots {
		cache.snapshots[id] = &snapshot{root: root}
	}
	return cache
}

// Root returns the directory backing id.
func (c *Cache) Root(id string) (string, bool) {
	snap, ok := c.snapshots[id]
	if !ok {
		return "", false
	}
	return snap.root, true
}

// IDs lists the configured catalog ids in sorted order.
func (c *Cache) IDs() []string {
	ids := make([]string, 0, len(c.snapshots))
	for id := range c.snapshots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List returns the relative media paths of catalog id. A listing younger than
// the TTL is served from memory unless forceRefresh is set. A forced refresh
// never joins a scan that started before the call. The returned slice is a
// non-nil copy the caller may keep.
func (c *Cache) List(id string, forceRefresh bool) ([]string, error) {
	snap, ok := c.snapshots[id]
	if !ok {
		return nil, fmt.Errorf("list %q: %w", id, ErrUnknownCatalog)
	}
	if !forceRefresh {
		snap.mu.RLock()
		if snap.fresh && c.now().Sub(snap.scannedAt) < c.ttl {
			files := copyFiles(snap.files)
			snap.mu.RUnlock()
			return files, nil
		}
		snap.mu.RUnlock()
	}

	if forceRefresh {
		c.group.Forget(id)
	}
	result, err, _ := c.group.Do(id, func() (any, error) {
		return c.refresh(id, snap)
	})
	if err != nil {
		return nil, err
	}
	return copyFiles(result.([]string)), nil
}

func copyFiles(files []string) []string {
	out := make([]string, len(files))
	copy(out, files)
	return out
}

// Invalidate marks the listing of id stale so the next List rescans.
func (c *Cache) Invalidate(id string) {
	snap, ok := c.snapshots[id]
	if !ok {
		return
	}
	snap.mu.Lock()
	snap.fresh = false
	snap.gen++
	snap.mu.Unlock()
}

func (c *Cache) refresh(id string, snap *snapshot) ([]string, error) {
	snap.mu.Lock()
	snap.started++
	seq, gen := snap.started, snap.gen
	snap.mu.Unlock()

	start := time.Now()
	files, err := c.scanDir(snap.root)
	c.metrics.CatalogScanned(id, len(files), time.Since(start), err)
	if err != nil {
		c.logger.Warn("catalog scan failed", "catalog", id, "root", snap.root, "error", err)
		return nil, fmt.Errorf("scan %q: %w", id, err)
	}
	c.logger.Debug("catalog scanned", "catalog", id, "files", len(files), "duration_ms", time.Since(start).Milliseconds())

	snap.mu.Lock()
	if seq > snap.stored {
		snap.stored = seq
		snap.files = files
		snap.scannedAt = c.now()
		snap.fresh = snap.gen == gen
	}
	snap.mu.Unlock()
	return files, nil
}

// scan walks root and collects allow-listed files as forward-slash relative
// paths in NFC form. A missing root yields an empty listing; unreadable
// subdirectories are skipped.
func scan(root string) ([]string, error) {
	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	files := []string{}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !media.IsMedia(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		files = append(files, norm.NFC.String(filepath.ToSlash(rel)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
