// SPDX-License-Identifier: MPL-2.0

package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/kilnworks/kiln/pkg/fspath"
)

const (
	stepsFile  = "steps.toml"
	buildsFile = "builds.toml"
	cacheLock  = "cache.lock"
)

type (
	// CacheEntry maps a cumulative step key to the artifact it produced.
	CacheEntry struct {
		ArtifactID string    `toml:"artifact_id"`
		Label      string    `toml:"label,omitempty"`
		CreatedAt  time.Time `toml:"created_at"`
	}

	cacheFile struct {
		Entries map[string]CacheEntry `toml:"entries"`
	}

	// Cache is the content-addressed step cache and the index of completed
	// builds, both keyed by recipe hashes.
	Cache struct {
		dir string
	}
)

// NewCache opens the cache in dir, creating it if needed.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create step cache: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// LookupStep returns the artifact cached for key.
func (c *Cache) LookupStep(key string) (CacheEntry, bool, error) {
	return c.lookup(stepsFile, key)
}

// RecordStep caches artifactID under key, replacing a stale entry.
func (c *Cache) RecordStep(key, artifactID, label string) error {
	return c.record(stepsFile, key, CacheEntry{ArtifactID: artifactID, Label: label, CreatedAt: time.Now().UTC()})
}

// ForgetStep drops key, used when its artifact no longer exists.
func (c *Cache) ForgetStep(key string) error {
	return c.update(stepsFile, func(f *cacheFile) { delete(f.Entries, key) })
}

// LookupBuild returns the published result of the recipe with this hash.
func (c *Cache) LookupBuild(recipeHash string) (CacheEntry, bool, error) {
	return c.lookup(buildsFile, recipeHash)
}

// RecordBuild publishes artifactID as the result of recipeHash. It is only
// called once every step has succeeded.
func (c *Cache) RecordBuild(recipeHash, artifactID string) error {
	return c.record(buildsFile, recipeHash, CacheEntry{ArtifactID: artifactID, Label: "build", CreatedAt: time.Now().UTC()})
}

// Steps returns every cached step entry.
func (c *Cache) Steps() (map[string]CacheEntry, error) {
	f, err := c.read(stepsFile)
	if err != nil {
		return nil, err
	}
	return f.Entries, nil
}

func (c *Cache) lookup(name, key string) (CacheEntry, bool, error) {
	f, err := c.read(name)
	if err != nil {
		return CacheEntry{}, false, err
	}
	e, ok := f.Entries[key]
	return e, ok, nil
}

func (c *Cache) record(name, key string, entry CacheEntry) error {
	return c.update(name, func(f *cacheFile) { f.Entries[key] = entry })
}

func (c *Cache) update(name string, fn func(*cacheFile)) error {
	lock, err := fspath.Lock(filepath.Join(c.dir, cacheLock))
	if err != nil {
		return err
	}
	defer lock.Release()

	f, err := c.read(name)
	if err != nil {
		return err
	}
	fn(f)
	data, err := toml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return fspath.WriteFileAtomic(filepath.Join(c.dir, name), data, 0o644)
}

func (c *Cache) read(name string) (*cacheFile, error) {
	f := &cacheFile{Entries: make(map[string]CacheEntry)}
	data, err := os.ReadFile(filepath.Join(c.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return f, nil
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if err := toml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	if f.Entries == nil {
		f.Entries = make(map[string]CacheEntry)
	}
	return f, nil
}
