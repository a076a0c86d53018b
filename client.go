package artifactcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/meigma/artifactcache/backend"
	"github.com/meigma/artifactcache/cache"
	"github.com/meigma/artifactcache/cache/memory"
	"github.com/meigma/artifactcache/key"
	"github.com/meigma/artifactcache/progress"
)

var (
	// ErrClosed is returned by operations on a closed Client.
	ErrClosed = errors.New("artifactcache: client closed")

	// ErrNoDiskTier is returned by Prune when no disk tier is configured.
	ErrNoDiskTier = errors.New("artifactcache: no disk tier configured")
)

// Client is the transfer orchestrator. It is safe for concurrent use.
type Client struct {
	memory   cache.Tier
	disk     cache.Tier // nil when no disk tier is configured
	backends []backend.Backend
	reporter *progress.Reporter
	metrics  Metrics
	logger   *slog.Logger
	newID    func() string
	display  func(key.Key) string

	// mu guards the flight table and makes check-then-start atomic.
	mu      sync.Mutex
	flights map[key.Key]*flight
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Client. Without WithMemoryTier an unbounded memory tier is
// used; without WithReporter a private reporter is created.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		flights: make(map[key.Key]*flight),
		newID:   uuid.NewString,
		display: func(k key.Key) string { return k.Filename() },
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.memory == nil {
		mem, err := memory.New()
		if err != nil {
			return nil, err
		}
		c.memory = mem
	}
	if c.reporter == nil {
		c.reporter = progress.NewReporter(progress.WithLogger(c.logger))
	}
	if c.metrics == nil {
		c.metrics = noopMetrics{}
	}
	return c, nil
}

func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Reporter returns the progress reporter transfers are reported to.
func (c *Client) Reporter() *progress.Reporter {
	return c.reporter
}

// Backends returns the default backend priority.
func (c *Client) Backends() []backend.Backend {
	return append([]backend.Backend(nil), c.backends...)
}

// Transfers returns the state table of active and recently finished
// transfers.
func (c *Client) Transfers() []progress.Transfer {
	return c.reporter.Snapshot()
}

// Invalidate drops k from the memory and disk tiers. Remote copies are not
// touched.
func (c *Client) Invalidate(k key.Key) error {
	name := k.String()
	var errs []error
	if err := c.memory.Remove(name); err != nil {
		errs = append(errs, err)
	}
	if c.disk != nil {
		if err := c.disk.Remove(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Entries lists the artifacts held locally, memory tier first, each tier
// most recently used first.
func (c *Client) Entries() []cache.Entry {
	var out []cache.Entry
	for _, t := range []cache.Tier{c.memory, c.disk} {
		if l, ok := t.(cache.Lister); ok {
			out = append(out, l.Entries()...)
		}
	}
	return out
}

// Prune evicts least-recently-used entries from the disk tier until it
// holds at most target bytes, and reports the bytes freed.
func (c *Client) Prune(target int64) (int64, error) {
	if c.disk == nil {
		return 0, ErrNoDiskTier
	}
	p, ok := c.disk.(cache.Pruner)
	if !ok {
		return 0, fmt.Errorf("disk tier %T cannot be pruned", c.disk)
	}
	return p.Prune(target)
}

// Close waits for in-flight fetches to finish and rejects new requests.
// Fetches keep running even if the callers that started them gave up, so
// Close is the point where the process can be sure the tiers are settled.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

func (c *Client) priority(backends []backend.Backend) []backend.Backend {
	if len(backends) > 0 {
		return backends
	}
	return c.backends
}

// detach keeps ctx values but drops its cancellation: a transfer, once
// issued, runs to completion or failure.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
