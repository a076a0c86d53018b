package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/meigma/artifactcache/key"
)

// Error kinds. Every error returned by a Backend matches exactly one of these
// with errors.Is.
var (
	// ErrNotFound means the key does not exist at the backend.
	ErrNotFound = errors.New("backend: not found")

	// ErrTransport is a network or IO failure. It is the only retryable kind.
	ErrTransport = errors.New("backend: transport failure")

	// ErrAuth means a credential is missing, expired or rejected.
	ErrAuth = errors.New("backend: authentication failed")

	// ErrQuota means the backend refused a write because of space or limits.
	ErrQuota = errors.New("backend: quota exceeded")
)

// Error describes a failed backend operation.
type Error struct {
	Backend string
	Op      string
	Key     key.Key
	Kind    error // one of the kind sentinels
	Err     error // underlying cause, may be nil
}

// NewError builds an Error. kind must be one of the kind sentinels.
func NewError(backend, op string, k key.Key, kind, err error) *Error {
	return &Error{Backend: backend, Op: op, Key: k, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Backend)
	b.WriteString(": ")
	b.WriteString(e.Op)
	if !e.Key.IsZero() {
		b.WriteString(" ")
		b.WriteString(e.Key.String())
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf classifies err. Errors that carry no kind, including context
// cancellation, are transport failures. KindOf(nil) is nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	var agg *AggregateError
	if errors.As(err, &agg) {
		return agg.Kind()
	}
	for _, kind := range []error{ErrAuth, ErrQuota, ErrNotFound, ErrTransport} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrTransport
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == ErrTransport
}

// Attempt records one failed try inside an AggregateError.
type Attempt struct {
	Name string
	Err  error
}

// AggregateError reports that every strategy or backend tried for an
// operation failed. It lists every attempt, not just the last one.
type AggregateError struct {
	Backend  string
	Op       string
	Key      key.Key
	Attempts []Attempt
}

// Kind is the kind shared by every attempt, or ErrTransport when they differ.
func (e *AggregateError) Kind() error {
	if len(e.Attempts) == 0 {
		return ErrTransport
	}
	kind := KindOf(e.Attempts[0].Err)
	for _, a := range e.Attempts[1:] {
		if KindOf(a.Err) != kind {
			return ErrTransport
		}
	}
	return kind
}

// Errors returns the error of every attempt in order.
func (e *AggregateError) Errors() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}

func (e *AggregateError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Name, a.Err)
	}
	return fmt.Sprintf("%s: %s %s: all %d attempts failed: [%s]",
		e.Backend, e.Op, e.Key, len(e.Attempts), strings.Join(parts, "; "))
}

// Unwrap returns the aggregate kind only, so errors.Is never matches a kind
// that just one attempt had.
func (e *AggregateError) Unwrap() error {
	return e.Kind()
}
