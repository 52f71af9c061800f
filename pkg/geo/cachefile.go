package geo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// loadCache warms the in-memory cache from the configured cache file.
// A missing file is not an error.
func (r *Resolver) loadCache() error {
	data, err := os.ReadFile(r.cfg.CacheFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	entries := make(map[string]Location)
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse %s: %w", r.cfg.CacheFile, err)
	}

	r.mu.Lock()
	for ip, loc := range entries {
		r.cache[ip] = loc
	}
	r.lastSave = time.Now()
	r.mu.Unlock()
	return nil
}

// saveCache writes the cache to disk atomically (write temp, rename).
// With force false the write is skipped when nothing changed.
func (r *Resolver) saveCache(force bool) error {
	r.mu.Lock()
	if !r.dirty && !force {
		r.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]Location, len(r.cache))
	for ip, loc := range r.cache {
		snapshot[ip] = loc
	}
	r.dirty = false
	r.lastSave = time.Now()
	r.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(r.cfg.CacheFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp := r.cfg.CacheFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.cfg.CacheFile)
}
