// Package backendtest provides a scripted in-memory Backend for tests.
package backendtest

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/meigma/artifactcache/backend"
	"github.com/meigma/artifactcache/key"
)

// Backend is an in-memory backend. Objects can be seeded directly, calls
// are counted, and failures can be scripted per operation.
type Backend struct {
	name string
	kind backend.Kind

	mu      sync.Mutex
	objects map[key.Key][]byte
	errs    map[string][]error // op -> queued errors, consumed front first
	always  map[string]error   // op -> error returned on every call

	// Gate, when non-nil, is received from before Fetch writes any bytes.
	// Tests use it to hold a transfer in flight.
	Gate chan struct{}
	// Entered, when non-nil, receives once per Fetch call before Gate.
	Entered chan key.Key
	// ChunkSize splits fetched content into progress steps. 0 writes it whole.
	ChunkSize int
	// HideSize reports an unknown total to the progress callback.
	HideSize bool

	exists  atomic.Int64
	fetches atomic.Int64
	stores  atomic.Int64
	deletes atomic.Int64
}

// New creates an empty backend.
func New(name string) *Backend {
	return &Backend{
		name:    name,
		kind:    backend.KindObjectStore,
		objects: make(map[key.Key][]byte),
		errs:    make(map[string][]error),
		always:  make(map[string]error),
	}
}

// WithKind sets the reported kind.
func (b *Backend) WithKind(k backend.Kind) *Backend {
	b.kind = k
	return b
}

// Seed stores content without counting a call.
func (b *Backend) Seed(k key.Key, content []byte) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[k] = bytes.Clone(content)
	return b
}

// FailNext queues errors returned by the next calls of op
// ("exists", "fetch", "store" or "delete").
func (b *Backend) FailNext(op string, errs ...error) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs[op] = append(b.errs[op], errs...)
	return b
}

// FailAlways makes every call of op return err. A nil err clears it.
func (b *Backend) FailAlways(op string, err error) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.always, op)
	} else {
		b.always[op] = err
	}
	return b
}

// Object returns the stored content for k.
func (b *Backend) Object(k key.Key) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.objects[k]
	return bytes.Clone(v), ok
}

// ExistsCalls returns the number of Exists calls.
func (b *Backend) ExistsCalls() int { return int(b.exists.Load()) }

// FetchCalls returns the number of Fetch calls.
func (b *Backend) FetchCalls() int { return int(b.fetches.Load()) }

// StoreCalls returns the number of Store calls.
func (b *Backend) StoreCalls() int { return int(b.stores.Load()) }

// DeleteCalls returns the number of Delete calls.
func (b *Backend) DeleteCalls() int { return int(b.deletes.Load()) }

// Calls returns the total number of calls of any kind.
func (b *Backend) Calls() int {
	return b.ExistsCalls() + b.FetchCalls() + b.StoreCalls() + b.DeleteCalls()
}

func (b *Backend) scripted(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q := b.errs[op]; len(q) > 0 {
		b.errs[op] = q[1:]
		return q[0]
	}
	return b.always[op]
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return b.name }

// Kind implements backend.Backend.
func (b *Backend) Kind() backend.Kind { return b.kind }

// Exists implements backend.Backend.
func (b *Backend) Exists(_ context.Context, k key.Key) (bool, error) {
	b.exists.Add(1)
	if err := b.scripted("exists"); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[k]
	return ok, nil
}

// Fetch implements backend.Backend.
func (b *Backend) Fetch(ctx context.Context, k key.Key, w io.Writer, fn backend.ProgressFunc) (int64, error) {
	b.fetches.Add(1)
	if b.Entered != nil {
		b.Entered <- k
	}
	if b.Gate != nil {
		select {
		case <-b.Gate:
		case <-ctx.Done():
			return 0, backend.NewError(b.name, "fetch", k, backend.ErrTransport, ctx.Err())
		}
	}
	if err := b.scripted("fetch"); err != nil {
		return 0, err
	}
	b.mu.Lock()
	content, ok := b.objects[k]
	b.mu.Unlock()
	if !ok {
		return 0, backend.NewError(b.name, "fetch", k, backend.ErrNotFound, nil)
	}

	total := int64(len(content))
	if b.HideSize {
		total = -1
	}
	pw := backend.NewProgressWriter(w, total, fn)
	chunk := b.ChunkSize
	if chunk <= 0 {
		chunk = len(content)
	}
	for off := 0; off < len(content); off += chunk {
		end := min(off+chunk, len(content))
		if _, err := pw.Write(content[off:end]); err != nil {
			return pw.N, backend.NewError(b.name, "fetch", k, backend.ErrTransport, err)
		}
	}
	return pw.N, nil
}

// Store implements backend.Backend.
func (b *Backend) Store(_ context.Context, k key.Key, r io.Reader, _ int64) error {
	b.stores.Add(1)
	if err := b.scripted("store"); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return backend.NewError(b.name, "store", k, backend.ErrTransport, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[k] = data
	return nil
}

// Delete implements backend.Backend.
func (b *Backend) Delete(_ context.Context, k key.Key) error {
	b.deletes.Add(1)
	if err := b.scripted("delete"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[k]; !ok {
		return backend.NewError(b.name, "delete", k, backend.ErrNotFound, nil)
	}
	delete(b.objects, k)
	return nil
}

var _ backend.Backend = (*Backend)(nil)
