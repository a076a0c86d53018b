// Package disk provides a persistent artifact tier on the local filesystem.
//
// Each artifact is a regular file at root/<key>, so the tier survives process
// restarts and can be inspected with ordinary tools. Recency is tracked with
// the file modification time, which Get refreshes on every hit.
package disk

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/meigma/artifactcache/cache"
)

const (
	defaultDirPerm  = 0o700
	defaultFilePerm = 0o600
	tempPrefix      = ".tmp-"
	zstdSuffix      = ".zst"
	// escapeSuffix is appended to keys that end in zstdSuffix or in
	// escapeSuffix itself, so no uncompressed file name ends in ".zst".
	escapeSuffix = ".plain"

	// TierName identifies entries held by this tier.
	TierName = "disk"
)

// Cache implements [cache.Tier] using the local filesystem.
// The cache is safe for concurrent use.
type Cache struct {
	dir      string      // root directory for cached files
	dirPerm  os.FileMode // permissions for created directories
	maxBytes int64       // soft ceiling (0 = unlimited)
	compress bool        // store entries zstd-compressed
	onEvict  cache.EvictFunc
	now      func() time.Time

	mu    sync.Mutex // serializes writes, removals and prunes
	bytes int64      // current on-disk size of cached files

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Option configures a disk cache.
type Option func(*Cache)

// WithDirPerm sets the directory permissions used for cache directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *Cache) {
		c.dirPerm = mode
	}
}

// WithMaxBytes sets the soft size ceiling in bytes.
// Values < 0 are invalid. Use 0 to disable the limit.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) {
		c.maxBytes = n
	}
}

// WithCompression stores entries zstd-compressed. Sizes and the ceiling are
// measured in compressed bytes. Compressed files carry a ".zst" suffix; keys
// that themselves end in ".zst" are stored under an escaped name and remain
// valid.
func WithCompression(enabled bool) Option {
	return func(c *Cache) {
		c.compress = enabled
	}
}

// WithOnEvict registers a callback invoked for every evicted entry.
func WithOnEvict(fn cache.EvictFunc) Option {
	return func(c *Cache) {
		c.onEvict = fn
	}
}

// WithClock overrides the time source used to stamp access times.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New opens (or creates) a disk cache rooted at dir. Existing entries are
// kept and counted toward the ceiling.
func New(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache dir is empty")
	}
	c := &Cache{
		dir:     dir,
		dirPerm: defaultDirPerm,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxBytes < 0 {
		return nil, errors.New("max bytes must be >= 0")
	}
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return nil, err
	}
	size, err := dirSize(dir)
	if err != nil {
		return nil, err
	}
	c.bytes = size

	if c.compress {
		c.enc, err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
	}
	// A decoder is always available so entries written with compression
	// remain readable after it is turned off.
	c.dec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return c, nil
}

// Dir returns the cache root directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Get reads the entry for key and refreshes its access time.
func (c *Cache) Get(key string) ([]byte, bool) {
	path, compressed, ok := c.locate(key)
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from a validated key
	if err != nil {
		return nil, false
	}
	if compressed {
		data, err = c.dec.DecodeAll(data, nil)
		if err != nil {
			return nil, false
		}
	}
	now := c.now()
	_ = os.Chtimes(path, now, now) //nolint:errcheck // recency is best effort
	return data, true
}

// Put writes content for key atomically and applies the size ceiling.
func (c *Cache) Put(key string, content []byte) error {
	path, err := c.path(key)
	if err != nil {
		return err
	}
	if c.compress {
		content = c.enc.EncodeAll(content, nil)
		path += zstdSuffix
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(defaultFilePerm); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	c.mu.Lock()
	var replaced int64
	for _, p := range []string{path, c.alternate(path)} {
		if info, statErr := os.Stat(p); statErr == nil {
			replaced += info.Size()
			if p != path {
				_ = os.Remove(p)
			}
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		c.mu.Unlock()
		_ = os.Remove(tmpPath)
		return err
	}
	now := c.now()
	_ = os.Chtimes(path, now, now) //nolint:errcheck // recency is best effort
	c.bytes += int64(len(content)) - replaced

	var evicted []cacheEntry
	if c.maxBytes > 0 && c.bytes > c.maxBytes {
		var pruneErr error
		evicted, pruneErr = c.pruneLocked(c.maxBytes, path)
		if pruneErr != nil {
			c.mu.Unlock()
			return pruneErr
		}
	}
	c.mu.Unlock()

	c.notifyEvicted(evicted)
	return nil
}

// Has reports whether key is cached. It does not affect recency.
func (c *Cache) Has(key string) bool {
	_, _, ok := c.locate(key)
	return ok
}

// Remove deletes the entry for key if present.
func (c *Cache) Remove(key string) error {
	path, err := c.path(key)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range []string{path, path + zstdSuffix} {
		info, statErr := os.Stat(p)
		if statErr != nil {
			if errors.Is(statErr, os.ErrNotExist) {
				continue
			}
			return statErr
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		c.bytes -= info.Size()
	}
	return nil
}

// Size returns the current on-disk size in bytes.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// MaxBytes returns the configured ceiling (0 = unlimited).
func (c *Cache) MaxBytes() int64 {
	return c.maxBytes
}

// KeysByRecency returns keys, most recently used first.
func (c *Cache) KeysByRecency() []string {
	entries := c.Entries()
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

// Entries returns entry metadata, most recently used first.
func (c *Cache) Entries() []cache.Entry {
	files, _, err := scanDir(c.dir)
	if err != nil {
		return nil
	}
	sortByRecency(files)

	out := make([]cache.Entry, 0, len(files))
	for i := len(files) - 1; i >= 0; i-- {
		f := files[i]
		out = append(out, cache.Entry{
			Key:          c.keyFor(f.path),
			Size:         f.size,
			LastAccessed: f.modTime,
			Tier:         TierName,
		})
	}
	return out
}

// Prune removes least-recently-used entries until the cache is at or below
// targetBytes. It returns the number of bytes freed.
func (c *Cache) Prune(targetBytes int64) (int64, error) {
	if targetBytes < 0 {
		targetBytes = 0
	}
	c.mu.Lock()
	before := c.bytes
	evicted, err := c.pruneLocked(targetBytes, "")
	freed := before - c.bytes
	c.mu.Unlock()

	c.notifyEvicted(evicted)
	return freed, err
}

// pruneLocked evicts oldest files until the tier holds at most target bytes,
// never removing keep. Caller must hold c.mu.
func (c *Cache) pruneLocked(target int64, keep string) ([]cacheEntry, error) {
	evicted, remaining, err := pruneDir(c.dir, target, keep)
	if err != nil {
		return evicted, err
	}
	c.bytes = remaining
	return evicted, nil
}

func (c *Cache) notifyEvicted(evicted []cacheEntry) {
	if c.onEvict == nil {
		return
	}
	for _, e := range evicted {
		c.onEvict(c.keyFor(e.path), e.size)
	}
}

// path maps a key to its uncompressed file path, rejecting anything that
// could escape the cache root.
func (c *Cache) path(key string) (string, error) {
	if key == "" {
		return "", errors.New("key is empty")
	}
	if !fs.ValidPath(key) || key == "." {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	for _, elem := range strings.Split(key, "/") {
		if strings.HasPrefix(elem, tempPrefix) {
			return "", fmt.Errorf("invalid cache key %q: reserved prefix", key)
		}
	}
	if strings.HasSuffix(key, zstdSuffix) || strings.HasSuffix(key, escapeSuffix) {
		key += escapeSuffix
	}
	return filepath.Join(c.dir, filepath.FromSlash(key)), nil
}

// locate finds the file currently holding key in either storage form.
func (c *Cache) locate(key string) (path string, compressed, ok bool) {
	base, err := c.path(key)
	if err != nil {
		return "", false, false
	}
	for _, candidate := range []string{base + zstdSuffix, base} {
		info, statErr := os.Stat(candidate)
		if statErr == nil && info.Mode().IsRegular() {
			return candidate, strings.HasSuffix(candidate, zstdSuffix), true
		}
	}
	return "", false, false
}

// alternate returns the other storage form of path.
func (c *Cache) alternate(path string) string {
	if strings.HasSuffix(path, zstdSuffix) {
		return strings.TrimSuffix(path, zstdSuffix)
	}
	return path + zstdSuffix
}

// keyFor converts a file path under the root back into its key.
func (c *Cache) keyFor(path string) string {
	rel, err := filepath.Rel(c.dir, path)
	if err != nil {
		return ""
	}
	key := strings.TrimSuffix(filepath.ToSlash(rel), zstdSuffix)
	return strings.TrimSuffix(key, escapeSuffix)
}

var (
	_ cache.Tier   = (*Cache)(nil)
	_ cache.Pruner = (*Cache)(nil)
	_ cache.Lister = (*Cache)(nil)
)
