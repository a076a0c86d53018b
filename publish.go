package artifactcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/artifactcache/backend"
	"github.com/meigma/artifactcache/key"
	"github.com/meigma/artifactcache/progress"
)

// Fetch ensures k is present and returns its content.
func (c *Client) Fetch(ctx context.Context, k key.Key, backends ...backend.Backend) ([]byte, error) {
	res := c.EnsurePresent(ctx, []key.Key{k}, backends...)[0]
	if res.Err != nil {
		return nil, res.Err
	}
	if data, ok := c.memory.Get(k.String()); ok {
		return data, nil
	}
	if c.disk != nil {
		if data, ok := c.disk.Get(k.String()); ok {
			return data, nil
		}
	}
	return nil, fmt.Errorf("artifact %s evicted before it was read", k)
}

// Publish uploads data under k to b, or to the first default backend when b
// is nil, and then writes it through to the local tiers. The upload is
// reported as a transfer like any fetch.
func (c *Client) Publish(ctx context.Context, k key.Key, data []byte, b backend.Backend) (Result, error) {
	if err := k.Validate(); err != nil {
		return Result{Key: k, Err: err}, err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return Result{Key: k, Err: ErrClosed}, ErrClosed
	}
	if b == nil {
		if len(c.backends) == 0 {
			err := &UnavailableError{Key: k}
			return Result{Key: k, Err: err}, err
		}
		b = c.backends[0]
	}

	id := c.newID()
	size := int64(len(data))
	c.reporter.Start(progress.Task{ID: id, Key: k.String(), DisplayName: c.display(k), BytesTotal: size})
	c.reporter.Attempt(id, b.Name())

	if err := b.Store(ctx, k, bytes.NewReader(data), size); err != nil {
		c.metrics.Failed(b.Name(), "store", kindLabel(err))
		c.reporter.Fail(id, Describe(err).Message())
		c.log().Warn("publish failed", "key", k.String(), "backend", b.Name(), "error", err)
		return Result{Key: k, TaskID: id, Err: err}, err
	}
	c.reporter.Update(id, size, size)
	c.writeThrough(k, data)
	c.reporter.Complete(id, "")
	c.log().Info("published artifact", "key", k.String(), "backend", b.Name(), "bytes", size)

	return Result{
		Key:     k,
		Tier:    TierRemote,
		Size:    size,
		Digest:  digest.FromBytes(data),
		Backend: b.Name(),
		TaskID:  id,
	}, nil
}

// Remove deletes k from the given backends, or from every default backend,
// and drops the local copies. A backend that does not hold k is not an
// error.
func (c *Client) Remove(ctx context.Context, k key.Key, backends ...backend.Backend) error {
	var errs []error
	for _, b := range c.priority(backends) {
		err := b.Delete(ctx, k)
		switch {
		case err == nil:
			c.log().Info("removed artifact", "key", k.String(), "backend", b.Name())
		case errors.Is(err, backend.ErrNotFound):
		default:
			c.metrics.Failed(b.Name(), "delete", kindLabel(err))
			errs = append(errs, err)
		}
	}
	if err := c.Invalidate(k); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
