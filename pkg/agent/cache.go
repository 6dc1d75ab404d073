package agent

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// EnvCacheDir points the on-disk asset staging area somewhere other than the
// default (empty means memory-only).
const EnvCacheDir = "ASSET_CACHE_DIR"

// Cache 是设备本地的素材暂存区（背景图、下载的配图等）。
// The renderer leaks staged assets over a day of operation; the daily reset
// clears the whole cache rather than chasing individual entries.
type Cache struct {
	mu      sync.Mutex
	dir     string
	entries map[string]string
}

// NewCache builds an asset cache. A non-empty dir adds an on-disk staging
// area that Clear wipes alongside the in-memory index; empty dir means
// memory-only, which is what tests and bench runs use.
func NewCache(dir string) (*Cache, error) {
	dir = strings.TrimSpace(dir)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create cache dir %s", dir)
		}
	}
	return &Cache{dir: dir, entries: make(map[string]string)}, nil
}

// Dir returns the on-disk staging directory, empty for memory-only caches.
func (c *Cache) Dir() string {
	return c.dir
}

// Put records a staged asset under its logical reference.
func (c *Cache) Put(ref, localPath string) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return
	}
	c.mu.Lock()
	c.entries[ref] = localPath
	c.mu.Unlock()
}

// Get looks up a staged asset.
func (c *Cache) Get(ref string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	path, ok := c.entries[ref]
	return path, ok
}

// Len reports how many assets are staged.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every staged asset and wipes the staging directory contents.
// The directory itself survives so a reload can stage into it immediately.
func (c *Cache) Clear() error {
	c.mu.Lock()
	count := len(c.entries)
	c.entries = make(map[string]string)
	dir := c.dir
	c.mu.Unlock()

	if dir == "" {
		log.Debug().Int("entries", count).Msg("asset cache cleared")
		return nil
	}
	names, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "read cache dir %s", dir)
	}
	var firstErr error
	removed := 0
	for _, entry := range names {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	log.Info().Int("entries", count).Int("files", removed).Str("dir", dir).Msg("asset cache cleared")
	return errors.Wrapf(firstErr, "clear cache dir %s", dir)
}
