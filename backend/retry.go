package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/meigma/artifactcache/key"
)

// RetryPolicy bounds how transient failures are retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	// Values below 1 mean a single try.
	MaxAttempts int
	// BaseDelay is the wait before the second try. Later waits grow
	// exponentially up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter randomizes each wait by up to this fraction (0..1).
	Jitter float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.5,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = time.Millisecond
	}
	eb.MaxInterval = p.MaxDelay
	if eb.MaxInterval < eb.InitialInterval {
		eb.MaxInterval = eb.InitialInterval
	}
	eb.RandomizationFactor = min(max(p.Jitter, 0), 1)
	eb.MaxElapsedTime = 0
	eb.Reset()

	retries := uint64(0)
	if p.MaxAttempts > 1 {
		retries = uint64(p.MaxAttempts - 1)
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, retries), ctx)
}

// Do runs fn until it succeeds, returns a non-transient error, or the
// attempts are used up. When canRetry is non-nil and reports false, a
// transient failure is final too. notify runs before each wait. The last
// error from fn is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func() error, canRetry func() bool, notify func(err error, wait time.Duration)) error {
	var last error
	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		last = err
		if !IsTransient(err) || (canRetry != nil && !canRetry()) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.RetryNotify(op, p.backOff(ctx), notify)
	if err != nil && last != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return last
	}
	return err
}

// RetryOption configures the retry decorator.
type RetryOption func(*retrying)

// WithRetryLogger logs each retry at warn level.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(r *retrying) {
		r.logger = logger
	}
}

// WithRetryNotify registers a hook invoked before each wait.
func WithRetryNotify(fn func(op string, k key.Key, err error, wait time.Duration)) RetryOption {
	return func(r *retrying) {
		r.notify = fn
	}
}

// Resetter is implemented by fetch sinks that can discard partial content.
// Fetch retries require it: without it, a failed attempt is final.
type Resetter interface {
	Reset()
}

// WithRetry wraps b so every call follows policy. Only transport failures
// are retried; other kinds return immediately.
//
// Store retries need a source that implements io.Seeker, and Fetch retries
// need a sink that implements Resetter. Otherwise those calls are tried once.
func WithRetry(b Backend, policy RetryPolicy, opts ...RetryOption) Backend {
	r := &retrying{Backend: b, policy: policy}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type retrying struct {
	Backend
	policy RetryPolicy
	logger *slog.Logger
	notify func(op string, k key.Key, err error, wait time.Duration)
}

func (r *retrying) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

func (r *retrying) onRetry(op string, k key.Key) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		r.log().Warn("retrying backend call",
			"backend", r.Name(), "op", op, "key", k.String(), "wait", wait, "error", err)
		if r.notify != nil {
			r.notify(op, k, err, wait)
		}
	}
}

// Unwrap returns the decorated backend.
func (r *retrying) Unwrap() Backend {
	return r.Backend
}

func (r *retrying) Exists(ctx context.Context, k key.Key) (bool, error) {
	var ok bool
	err := r.policy.Do(ctx, func() error {
		var err error
		ok, err = r.Backend.Exists(ctx, k)
		return err
	}, nil, r.onRetry("exists", k))
	return ok, err
}

func (r *retrying) Fetch(ctx context.Context, k key.Key, w io.Writer, fn ProgressFunc) (int64, error) {
	var n int64
	resetter, canReset := w.(Resetter)
	attempt := 0
	err := r.policy.Do(ctx, func() error {
		attempt++
		if attempt > 1 {
			resetter.Reset()
		}
		var err error
		n, err = r.Backend.Fetch(ctx, k, w, fn)
		return err
	}, func() bool { return canReset }, r.onRetry("fetch", k))
	return n, err
}

func (r *retrying) Store(ctx context.Context, k key.Key, src io.Reader, size int64) error {
	seeker, canSeek := src.(io.Seeker)
	attempt := 0
	return r.policy.Do(ctx, func() error {
		attempt++
		if attempt > 1 {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return NewError(r.Name(), "store", k, ErrTransport, err)
			}
		}
		return r.Backend.Store(ctx, k, src, size)
	}, func() bool { return canSeek }, r.onRetry("store", k))
}

func (r *retrying) Delete(ctx context.Context, k key.Key) error {
	return r.policy.Do(ctx, func() error {
		return r.Backend.Delete(ctx, k)
	}, nil, r.onRetry("delete", k))
}
