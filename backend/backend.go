// Package backend defines the contract shared by every remote artifact store.
//
// A Backend is a named, immutable configuration of one provider. The
// orchestrator in the root package walks an ordered list of backends and
// relies only on the four operations declared here and on the error kinds in
// errors.go. Provider implementations live in sub packages (s3, sharelink,
// registry); WithRetry layers the shared retry policy over any of them.
package backend

import (
	"context"
	"fmt"
	"io"

	"github.com/meigma/artifactcache/key"
)

// Kind is the closed set of provider variants.
type Kind int

const (
	// KindObjectStore is an S3-compatible bucket.
	KindObjectStore Kind = iota + 1
	// KindSharedLink is a consumer or enterprise drive reached through sharing links.
	KindSharedLink
	// KindRegistry is an OCI distribution registry.
	KindRegistry
)

// String returns the configuration name of the kind.
func (k Kind) String() string {
	switch k {
	case KindObjectStore:
		return "object-store"
	case KindSharedLink:
		return "shared-link-drive"
	case KindRegistry:
		return "registry"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a configuration name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "object-store", "s3":
		return KindObjectStore, nil
	case "shared-link-drive", "sharelink":
		return KindSharedLink, nil
	case "registry", "oci":
		return KindRegistry, nil
	default:
		return 0, fmt.Errorf("unknown backend kind %q", s)
	}
}

// ProgressFunc receives transfer progress. total is -1 when the size is
// unknown. Implementations must be cheap; they run on the transfer goroutine.
type ProgressFunc func(done, total int64)

// Backend is a remote blob store addressed by artifact key.
//
// All methods block until the operation completes. Failures are reported as
// errors matching one of ErrNotFound, ErrTransport, ErrAuth or ErrQuota.
type Backend interface {
	// Name identifies the backend in logs, results and errors.
	Name() string

	// Kind reports the provider variant.
	Kind() Kind

	// Exists reports whether k is stored at this backend.
	Exists(ctx context.Context, k key.Key) (bool, error)

	// Fetch streams the content of k into w and returns the number of bytes
	// written. fn may be nil.
	Fetch(ctx context.Context, k key.Key, w io.Writer, fn ProgressFunc) (int64, error)

	// Store uploads size bytes read from r under k. size is -1 when unknown.
	Store(ctx context.Context, k key.Key, r io.Reader, size int64) error

	// Delete removes k.
	Delete(ctx context.Context, k key.Key) error
}
