// Package registry stores artifacts in an OCI registry.
//
// Each key is a single-layer OCI artifact in one repository. The artifact is
// tagged with a hash of the key's object path so every key maps to a valid,
// collision-resistant tag, and the manifest carries the key itself as an
// annotation.
package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/errcode"

	"github.com/meigma/artifactcache/backend"
	"github.com/meigma/artifactcache/key"
)

const (
	// ArtifactType identifies artifacts written by this package.
	ArtifactType = "application/vnd.meigma.artifactcache.artifact.v1"

	// MediaTypeLayer is the media type of the single content layer.
	MediaTypeLayer = "application/vnd.meigma.artifactcache.content.v1"

	// AnnotationKey records the artifact key on the manifest.
	AnnotationKey = "io.meigma.artifactcache.key"

	tagPrefix    = "a-"
	tagHashChars = 40

	// maxManifestSize bounds manifest reads.
	maxManifestSize = 4 * 1024 * 1024

	defaultUserAgent = "artifactcache/1.0"
)

// Target is the registry surface the backend uses. *remote.Repository
// satisfies it.
type Target interface {
	oras.Target
	content.Deleter
}

// Config describes a registry backend.
type Config struct {
	Name string
	// Repository is a registry repository reference, e.g. ghcr.io/org/results.
	Repository string
	// Prefix namespaces keys inside the repository.
	Prefix string
	// PlainHTTP talks to the registry without TLS.
	PlainHTTP bool
	// Username is sent with the token as a basic credential when set.
	// Without it the token is used as a bearer access token.
	Username string
	// Timeout bounds each HTTP request. Zero leaves requests unbounded.
	Timeout   time.Duration
	UserAgent string
}

// Backend reads and writes artifacts in one OCI repository.
type Backend struct {
	name      string
	prefix    string
	target    Target
	credStore credentialStore
	logger    *slog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithTarget uses t instead of a remote repository.
func WithTarget(t Target) Option {
	return func(b *Backend) {
		b.target = t
	}
}

// WithTokenSource authenticates with tokens from ts.
func WithTokenSource(ts backend.TokenSource) Option {
	return func(b *Backend) {
		b.credStore.tokens = ts
	}
}

// WithDockerConfig falls back to credentials from the docker config file
// and its credential helpers. A config that cannot be loaded is ignored.
func WithDockerConfig() Option {
	return func(b *Backend) {
		store, err := dockerStore()
		if err != nil {
			return
		}
		b.credStore.fallback = store
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// New creates a registry backend.
func New(cfg Config, opts ...Option) (*Backend, error) {
	b := &Backend{
		name:   cfg.Name,
		prefix: cfg.Prefix,
	}
	b.credStore.username = cfg.Username
	for _, opt := range opts {
		opt(b)
	}
	if b.target != nil {
		if b.name == "" {
			b.name = "registry"
		}
		return b, nil
	}
	if cfg.Repository == "" {
		return nil, errors.New("registry: repository is required")
	}
	if b.name == "" {
		b.name = "registry:" + cfg.Repository
	}

	repo, err := remote.NewRepository(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("registry: parse repository %q: %w", cfg.Repository, err)
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	repo.PlainHTTP = cfg.PlainHTTP
	// Transient failures are retried by backend.WithRetry, so the HTTP
	// client itself does not retry.
	repo.Client = &auth.Client{
		Client:     &http.Client{Timeout: cfg.Timeout},
		Cache:      auth.NewCache(),
		Credential: b.credStore.credential,
		Header:     http.Header{"User-Agent": []string{ua}},
	}
	b.target = repo
	return b, nil
}

func (b *Backend) log() *slog.Logger {
	if b.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return b.logger
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return b.name }

// Kind implements backend.Backend.
func (b *Backend) Kind() backend.Kind { return backend.KindRegistry }

// Tag returns the tag an artifact is stored under.
func (b *Backend) Tag(k key.Key) string {
	sum := sha256.Sum256([]byte(key.ObjectPath(b.prefix, k)))
	return tagPrefix + hex.EncodeToString(sum[:])[:tagHashChars]
}

// Exists implements backend.Backend.
func (b *Backend) Exists(ctx context.Context, k key.Key) (bool, error) {
	_, err := b.target.Resolve(ctx, b.Tag(k))
	if err == nil {
		return true, nil
	}
	mapped := b.mapError("exists", k, err)
	if errors.Is(mapped, backend.ErrNotFound) {
		return false, nil
	}
	return false, mapped
}

// Fetch implements backend.Backend. The layer is verified against its
// digest while it streams.
func (b *Backend) Fetch(ctx context.Context, k key.Key, w io.Writer, fn backend.ProgressFunc) (int64, error) {
	layer, err := b.layer(ctx, k)
	if err != nil {
		return 0, err
	}
	rc, err := b.target.Fetch(ctx, layer)
	if err != nil {
		return 0, b.mapError("fetch", k, err)
	}
	defer rc.Close()

	vr := content.NewVerifyReader(rc, layer)
	n, err := backend.Copy(ctx, w, vr, layer.Size, fn)
	if err != nil {
		return n, backend.NewError(b.name, "fetch", k, backend.ErrTransport, err)
	}
	if err := vr.Verify(); err != nil {
		return n, backend.NewError(b.name, "fetch", k, backend.ErrTransport, err)
	}
	b.log().Debug("fetched artifact", "backend", b.name, "key", k.String(), "digest", layer.Digest.String(), "bytes", n)
	return n, nil
}

// layer resolves k to the descriptor of its content layer.
func (b *Backend) layer(ctx context.Context, k key.Key) (ocispec.Descriptor, error) {
	desc, err := b.target.Resolve(ctx, b.Tag(k))
	if err != nil {
		return ocispec.Descriptor{}, b.mapError("fetch", k, err)
	}
	if desc.Size > maxManifestSize {
		return ocispec.Descriptor{}, backend.NewError(b.name, "fetch", k, backend.ErrTransport,
			fmt.Errorf("manifest of %d bytes exceeds limit", desc.Size))
	}
	raw, err := content.FetchAll(ctx, b.target, desc)
	if err != nil {
		return ocispec.Descriptor{}, b.mapError("fetch", k, err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return ocispec.Descriptor{}, backend.NewError(b.name, "fetch", k, backend.ErrTransport, fmt.Errorf("decode manifest: %w", err))
	}
	if len(manifest.Layers) != 1 {
		return ocispec.Descriptor{}, backend.NewError(b.name, "fetch", k, backend.ErrTransport,
			fmt.Errorf("manifest has %d layers, want 1", len(manifest.Layers)))
	}
	if got := manifest.Annotations[AnnotationKey]; got != "" && got != k.String() {
		return ocispec.Descriptor{}, backend.NewError(b.name, "fetch", k, backend.ErrTransport,
			fmt.Errorf("tag holds artifact for %q", got))
	}
	return manifest.Layers[0], nil
}

// Store implements backend.Backend.
func (b *Backend) Store(ctx context.Context, k key.Key, r io.Reader, size int64) error {
	layer, body, err := describe(r, size)
	if err != nil {
		return backend.NewError(b.name, "store", k, backend.ErrTransport, err)
	}
	layer.Annotations = map[string]string{ocispec.AnnotationTitle: k.Filename()}

	if err := b.target.Push(ctx, layer, body); err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return b.mapError("store", k, err)
	}
	manifest, err := oras.PackManifest(ctx, b.target, oras.PackManifestVersion1_1, ArtifactType, oras.PackManifestOptions{
		Layers:              []ocispec.Descriptor{layer},
		ManifestAnnotations: map[string]string{AnnotationKey: k.String()},
	})
	if err != nil {
		return b.mapError("store", k, err)
	}
	tag := b.Tag(k)
	if err := b.target.Tag(ctx, manifest, tag); err != nil {
		return b.mapError("store", k, err)
	}
	b.log().Info("stored artifact", "backend", b.name, "key", k.String(), "tag", tag, "digest", layer.Digest.String(), "bytes", layer.Size)
	return nil
}

// describe computes the layer descriptor for r and returns a reader positioned
// at the start of the content. Seekable sources of known size are hashed in
// place; anything else is buffered.
func describe(r io.Reader, size int64) (ocispec.Descriptor, io.Reader, error) {
	if rs, ok := r.(io.ReadSeeker); ok && size >= 0 {
		d, err := digest.Canonical.FromReader(io.LimitReader(rs, size))
		if err != nil {
			return ocispec.Descriptor{}, nil, err
		}
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return ocispec.Descriptor{}, nil, err
		}
		return ocispec.Descriptor{MediaType: MediaTypeLayer, Digest: d, Size: size}, io.LimitReader(rs, size), nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	desc := content.NewDescriptorFromBytes(MediaTypeLayer, data)
	return desc, bytes.NewReader(data), nil
}

// Delete implements backend.Backend. Only the manifest is removed; layers are
// left to registry garbage collection.
func (b *Backend) Delete(ctx context.Context, k key.Key) error {
	desc, err := b.target.Resolve(ctx, b.Tag(k))
	if err != nil {
		return b.mapError("delete", k, err)
	}
	if err := b.target.Delete(ctx, desc); err != nil {
		return b.mapError("delete", k, err)
	}
	return nil
}

// mapError wraps an ORAS failure in a backend error of the matching kind.
func (b *Backend) mapError(op string, k key.Key, err error) error {
	return backend.NewError(b.name, op, k, classify(err), err)
}

func classify(err error) error {
	if errors.Is(err, errdef.ErrNotFound) {
		return backend.ErrNotFound
	}
	var errResp *errcode.ErrorResponse
	if errors.As(err, &errResp) {
		switch errResp.StatusCode {
		case http.StatusNotFound:
			return backend.ErrNotFound
		case http.StatusUnauthorized, http.StatusForbidden:
			return backend.ErrAuth
		case http.StatusRequestEntityTooLarge, http.StatusInsufficientStorage:
			return backend.ErrQuota
		}
	}
	if errors.Is(err, backend.ErrAuth) {
		return backend.ErrAuth
	}
	return backend.ErrTransport
}

var _ backend.Backend = (*Backend)(nil)
