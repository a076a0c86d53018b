package artifactcache

import (
	"errors"
	"log/slog"

	"github.com/meigma/artifactcache/backend"
	"github.com/meigma/artifactcache/cache"
	"github.com/meigma/artifactcache/cache/disk"
	"github.com/meigma/artifactcache/cache/memory"
	"github.com/meigma/artifactcache/key"
	"github.com/meigma/artifactcache/progress"
)

// Option configures a Client.
type Option func(*Client) error

// Default tier sizes for WithCacheDir.
const (
	DefaultMemoryMaxBytes int64 = 512 << 20 // 512 MB
	DefaultDiskMaxBytes   int64 = 8 << 30   // 8 GB
)

// --- Tier Options ---

// WithMemoryTier sets the memory tier.
func WithMemoryTier(t cache.Tier) Option {
	return func(c *Client) error {
		if t == nil {
			return errors.New("memory tier is nil")
		}
		c.memory = t
		return nil
	}
}

// WithDiskTier sets the disk tier. A nil tier disables it.
func WithDiskTier(t cache.Tier) Option {
	return func(c *Client) error {
		c.disk = t
		return nil
	}
}

// WithCacheDir configures both tiers with default ceilings: a memory tier
// of DefaultMemoryMaxBytes and a disk tier of DefaultDiskMaxBytes under dir.
func WithCacheDir(dir string) Option {
	return func(c *Client) error {
		mem, err := memory.New(memory.WithMaxBytes(DefaultMemoryMaxBytes))
		if err != nil {
			return err
		}
		dsk, err := disk.New(dir, disk.WithMaxBytes(DefaultDiskMaxBytes))
		if err != nil {
			return err
		}
		c.memory = mem
		c.disk = dsk
		return nil
	}
}

// --- Backend Options ---

// WithBackends sets the default backend priority, highest first.
func WithBackends(backends ...backend.Backend) Option {
	return func(c *Client) error {
		for _, b := range backends {
			if b == nil {
				return errors.New("backend is nil")
			}
		}
		c.backends = append([]backend.Backend(nil), backends...)
		return nil
	}
}

// --- Observability Options ---

// WithReporter sets the progress reporter.
func WithReporter(r *progress.Reporter) Option {
	return func(c *Client) error {
		c.reporter = r
		return nil
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithDisplayName sets how keys are named in progress events.
// The default is the key's file name.
func WithDisplayName(fn func(key.Key) string) Option {
	return func(c *Client) error {
		c.display = fn
		return nil
	}
}

// WithTaskIDs overrides the transfer id generator.
func WithTaskIDs(fn func() string) Option {
	return func(c *Client) error {
		c.newID = fn
		return nil
	}
}
