package artifactcache

import (
	"bytes"
	"context"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/artifactcache/backend"
	"github.com/meigma/artifactcache/key"
	"github.com/meigma/artifactcache/progress"
)

// Tiers reported in Result.Tier.
const (
	TierMemory = "memory"
	TierDisk   = "disk"
	TierRemote = "remote"
)

// Result is the outcome of ensuring one key.
type Result struct {
	Key key.Key
	// Tier is where the content was found. Empty on failure.
	Tier string
	Size int64
	// Digest is the sha256 of the content; identical whichever tier served it.
	Digest digest.Digest
	// Backend names the backend that served a remote fetch.
	Backend string
	// TaskID identifies the transfer for remote fetches.
	TaskID string
	Err    error
}

// flight is one in-flight remote fetch shared by every caller asking for
// its key.
type flight struct {
	id   string
	done chan struct{}
	res  Result
}

func (f *flight) wait(ctx context.Context, k key.Key) Result {
	select {
	case <-f.done:
		return f.res
	default:
	}
	select {
	case <-f.done:
		return f.res
	case <-ctx.Done():
		return Result{Key: k, TaskID: f.id, Err: ctx.Err()}
	}
}

// EnsurePresent makes every key resident in the local tiers and reports one
// Result per distinct key, in first-seen order.
//
// Keys already in memory or on disk are served locally. Missing keys are
// fetched one after another from the given backends, or from the Client's
// default priority when none are given: for each backend in order, Exists
// is asked, and the first backend that has the key is fetched from. A key
// that is already being fetched by another caller is not fetched again; the
// caller waits for that transfer and receives its result.
//
// Cancelling ctx stops the caller from waiting and from starting further
// keys, but a transfer already issued runs to completion and still
// populates the tiers.
func (c *Client) EnsurePresent(ctx context.Context, keys []key.Key, backends ...backend.Backend) []Result {
	keys = dedupe(keys)
	results := make([]Result, len(keys))
	priority := c.priority(backends)

	var missing []int
	for i, k := range keys {
		if res, ok := c.resident(k); ok {
			results[i] = res
			continue
		}
		missing = append(missing, i)
	}

	b := newBatch(len(missing))
	for n, i := range missing {
		k := keys[i]
		if err := ctx.Err(); err != nil {
			results[i] = Result{Key: k, Err: err}
			continue
		}
		pos := b.position(n)
		res := c.ensureOne(ctx, k, priority, pos)
		b.record(n, pos, res)
		results[i] = res
	}
	return results
}

// ensureOne resolves a single key that was not resident a moment ago.
func (c *Client) ensureOne(ctx context.Context, k key.Key, priority []backend.Backend, pos *progress.BatchPosition) Result {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Result{Key: k, Err: ErrClosed}
	}
	if f, ok := c.flights[k]; ok {
		c.reporter.Subscribe(f.id)
		c.mu.Unlock()
		c.metrics.Joined()
		c.log().Debug("joined in-flight transfer", "key", k.String(), "task", f.id)
		return f.wait(ctx, k)
	}
	// A transfer may have finished between the resident check and taking
	// the lock.
	if res, ok := c.resident(k); ok {
		c.mu.Unlock()
		return res
	}
	f := &flight{id: c.newID(), done: make(chan struct{})}
	c.flights[k] = f
	// The task is opened under the lock so a joining caller always finds
	// it. Listeners must not call back into the Client.
	c.reporter.Start(progress.Task{
		ID:          f.id,
		Key:         k.String(),
		DisplayName: c.display(k),
		BytesTotal:  -1,
		Batch:       pos,
	})
	c.wg.Add(1)
	c.mu.Unlock()
	c.metrics.Miss()

	go func() {
		defer c.wg.Done()
		res := c.transfer(detach(ctx), f.id, k, priority)

		c.mu.Lock()
		delete(c.flights, k)
		c.mu.Unlock()

		f.res = res
		close(f.done)
	}()
	return f.wait(ctx, k)
}

// transfer walks the backends in priority order and writes the first
// successful fetch through to disk and memory.
func (c *Client) transfer(ctx context.Context, id string, k key.Key, priority []backend.Backend) Result {
	var attempts []Attempt
	for _, b := range priority {
		c.reporter.Attempt(id, b.Name())

		ok, err := b.Exists(ctx, k)
		if err != nil {
			attempts = append(attempts, c.attemptFailed(k, b, "exists", err))
			continue
		}
		if !ok {
			attempts = append(attempts, c.attemptFailed(k, b, "exists",
				backend.NewError(b.Name(), "exists", k, backend.ErrNotFound, nil)))
			continue
		}

		var buf bytes.Buffer
		start := time.Now()
		_, err = b.Fetch(ctx, k, &buf, func(done, total int64) {
			c.reporter.Update(id, done, total)
		})
		if err != nil {
			// Includes a NotFound after Exists said yes: the object went away
			// in between, so the next backend gets its turn.
			attempts = append(attempts, c.attemptFailed(k, b, "fetch", err))
			continue
		}

		data := buf.Bytes()
		c.writeThrough(k, data)
		elapsed := time.Since(start)
		c.metrics.Fetched(b.Name(), int64(len(data)), elapsed)
		c.reporter.Complete(id, "")
		c.log().Info("fetched artifact", "key", k.String(), "backend", b.Name(), "bytes", len(data), "elapsed", elapsed)
		return Result{
			Key:     k,
			Tier:    TierRemote,
			Size:    int64(len(data)),
			Digest:  digest.FromBytes(data),
			Backend: b.Name(),
			TaskID:  id,
		}
	}

	err := &UnavailableError{Key: k, Attempts: attempts}
	c.metrics.Unavailable()
	c.reporter.Fail(id, Describe(err).Message())
	c.log().Warn("artifact unavailable", "key", k.String(), "error", err)
	return Result{Key: k, TaskID: id, Err: err}
}

func (c *Client) attemptFailed(k key.Key, b backend.Backend, op string, err error) Attempt {
	c.metrics.Failed(b.Name(), op, kindLabel(err))
	c.log().Debug("backend attempt failed", "key", k.String(), "backend", b.Name(), "op", op, "error", err)
	return Attempt{Backend: b.Name(), Op: op, Err: err}
}

// resident serves k from memory, or from disk with promotion into memory.
func (c *Client) resident(k key.Key) (Result, bool) {
	name := k.String()
	if data, ok := c.memory.Get(name); ok {
		c.metrics.Hit(TierMemory)
		return Result{Key: k, Tier: TierMemory, Size: int64(len(data)), Digest: digest.FromBytes(data)}, true
	}
	if c.disk == nil {
		return Result{}, false
	}
	data, ok := c.disk.Get(name)
	if !ok {
		return Result{}, false
	}
	if err := c.memory.Put(name, data); err != nil {
		c.log().Warn("promote to memory failed", "key", name, "error", err)
	}
	c.metrics.Hit(TierDisk)
	return Result{Key: k, Tier: TierDisk, Size: int64(len(data)), Digest: digest.FromBytes(data)}, true
}

// writeThrough stores data on disk, then in memory. A tier that fails to
// store is logged; the content is still returned to the caller.
func (c *Client) writeThrough(k key.Key, data []byte) {
	name := k.String()
	if c.disk != nil {
		if err := c.disk.Put(name, data); err != nil {
			c.log().Warn("write to disk tier failed", "key", name, "error", err)
		}
	}
	if err := c.memory.Put(name, data); err != nil {
		c.log().Warn("write to memory tier failed", "key", name, "error", err)
	}
}

// kindLabel is the metrics label for err's kind.
func kindLabel(err error) string {
	switch backend.KindOf(err) {
	case backend.ErrNotFound:
		return "not_found"
	case backend.ErrAuth:
		return "auth"
	case backend.ErrQuota:
		return "quota"
	default:
		return "transport"
	}
}

func dedupe(keys []key.Key) []key.Key {
	seen := make(map[key.Key]struct{}, len(keys))
	out := make([]key.Key, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// batch weights the keys of one request for overall progress. Sizes become
// known as fetches complete; a key of unknown size weighs the mean of the
// known sizes, or 1 when none are known yet.
type batch struct {
	sizes   []int64 // -1 = unknown
	lastEnd float64
}

func newBatch(n int) *batch {
	b := &batch{sizes: make([]int64, n)}
	for i := range b.sizes {
		b.sizes[i] = -1
	}
	return b
}

// position returns the batch slot of the n-th missing key, or nil for a
// single-key request.
func (b *batch) position(n int) *progress.BatchPosition {
	if len(b.sizes) < 2 {
		return nil
	}
	var known int
	var sum int64
	for _, s := range b.sizes {
		if s >= 0 {
			known++
			sum += s
		}
	}
	fill := 1.0
	if known > 0 && sum > 0 {
		fill = float64(sum) / float64(known)
	}

	var total, before, self float64
	for i, s := range b.sizes {
		w := fill
		if s >= 0 && sum > 0 {
			w = float64(s)
		}
		total += w
		switch {
		case i < n:
			before += w
		case i == n:
			self = w
		}
	}
	offset, share := 0.0, 0.0
	if total > 0 {
		offset = before / total * 100
		share = self / total * 100
	}
	// Overall progress never moves backwards when new sizes reshape the
	// weights.
	if offset < b.lastEnd {
		share = max(0, offset+share-b.lastEnd)
		offset = b.lastEnd
	}
	return &progress.BatchPosition{Index: n + 1, Count: len(b.sizes), Offset: offset, Share: share}
}

func (b *batch) record(n int, pos *progress.BatchPosition, res Result) {
	if res.Err == nil {
		b.sizes[n] = res.Size
	}
	if pos != nil {
		b.lastEnd = pos.Offset + pos.Share
	}
}
