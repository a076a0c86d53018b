// Package app assembles a Client and its collaborators from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/meigma/artifactcache"
	"github.com/meigma/artifactcache/backend"
	"github.com/meigma/artifactcache/backend/registry"
	"github.com/meigma/artifactcache/backend/s3"
	"github.com/meigma/artifactcache/backend/sharelink"
	"github.com/meigma/artifactcache/cache"
	"github.com/meigma/artifactcache/cache/disk"
	"github.com/meigma/artifactcache/cache/memory"
	"github.com/meigma/artifactcache/internal/config"
	"github.com/meigma/artifactcache/internal/metrics"
	"github.com/meigma/artifactcache/progress"
)

// MetricsNamespace prefixes every exported metric.
const MetricsNamespace = "artifactcache"

// App holds the wired components. Close it when done.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Client   *artifactcache.Client
	Reporter *progress.Reporter
	Metrics  *metrics.Prom
	Backends []backend.Backend
}

// New builds every component named by cfg. Backends are wrapped with the
// configured retry policy and kept in file order, which is their priority.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewProm(MetricsNamespace),
	}
	a.Reporter = progress.NewReporter(
		progress.WithRetention(cfg.Transfers.Retain, cfg.Transfers.RetainFor),
		progress.WithLogger(logger.With("component", "progress")),
	)

	policy := cfg.Retry.Policy()
	for _, bc := range cfg.Backends {
		b, err := BuildBackend(ctx, bc, logger)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", bc.Name, err)
		}
		a.Backends = append(a.Backends, backend.WithRetry(b, policy, backend.WithRetryLogger(logger)))
	}

	mem, err := memory.New(
		memory.WithMaxBytes(cfg.Cache.MemoryMaxBytes),
		memory.WithOnEvict(a.Metrics.Evicted(memory.TierName)),
	)
	if err != nil {
		return nil, err
	}
	opts := []artifactcache.Option{
		artifactcache.WithMemoryTier(mem),
		artifactcache.WithBackends(a.Backends...),
		artifactcache.WithReporter(a.Reporter),
		artifactcache.WithMetrics(a.Metrics),
		artifactcache.WithLogger(logger),
	}

	dsk, err := a.diskTier()
	if err != nil {
		return nil, err
	}
	if dsk != nil {
		opts = append(opts, artifactcache.WithDiskTier(dsk))
	}

	if a.Client, err = artifactcache.New(opts...); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) diskTier() (cache.Tier, error) {
	dir := a.Config.Cache.DiskDir
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			a.Logger.Warn("no disk tier: user cache directory unknown", "error", err)
			return nil, nil
		}
		dir = filepath.Join(base, "artifactcache")
	}
	dsk, err := disk.New(dir,
		disk.WithMaxBytes(a.Config.Cache.DiskMaxBytes),
		disk.WithCompression(a.Config.Cache.DiskCompression),
		disk.WithOnEvict(a.Metrics.Evicted(disk.TierName)),
	)
	if err != nil {
		return nil, fmt.Errorf("open disk tier: %w", err)
	}
	return dsk, nil
}

// Backend looks up a configured backend by name.
func (a *App) Backend(name string) (backend.Backend, bool) {
	for _, b := range a.Backends {
		if b.Name() == name {
			return b, true
		}
	}
	return nil, false
}

// Close waits for in-flight transfers.
func (a *App) Close() error {
	if a.Client == nil {
		return nil
	}
	return a.Client.Close()
}

// BuildBackend constructs one provider adapter without retries.
func BuildBackend(ctx context.Context, bc config.BackendConfig, logger *slog.Logger) (backend.Backend, error) {
	kind, err := backend.ParseKind(bc.Kind)
	if err != nil {
		return nil, err
	}
	tokens, err := backend.ParseTokenRef(bc.Token)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("backend", bc.Name)

	switch kind {
	case backend.KindObjectStore:
		id, err := resolveRef(ctx, bc.Credentials.AccessKeyID)
		if err != nil {
			return nil, err
		}
		secret, err := resolveRef(ctx, bc.Credentials.SecretAccessKey)
		if err != nil {
			return nil, err
		}
		return s3.New(ctx, s3.Config{
			Name:            bc.Name,
			Bucket:          bc.Bucket,
			Region:          bc.Region,
			Endpoint:        bc.Endpoint,
			Prefix:          bc.RootPrefix,
			PathStyle:       bc.PathStyle,
			AccessKeyID:     id,
			SecretAccessKey: secret,
			Timeout:         bc.Timeout,
		}, s3.WithLogger(logger))

	case backend.KindSharedLink:
		opts := []sharelink.Option{sharelink.WithLogger(logger)}
		if tokens != nil {
			opts = append(opts, sharelink.WithTokenSource(backend.NewCachingTokenSource(tokens, 0)))
		}
		return sharelink.New(sharelink.Config{
			Name:         bc.Name,
			GraphURL:     bc.GraphURL,
			FolderLink:   bc.FolderLink,
			ManifestPath: bc.Manifest,
			ModelVersion: bc.ModelVersion,
			Timeout:      bc.Timeout,
		}, opts...)

	case backend.KindRegistry:
		opts := []registry.Option{registry.WithLogger(logger)}
		if tokens != nil {
			opts = append(opts, registry.WithTokenSource(backend.NewCachingTokenSource(tokens, 0)))
		} else {
			opts = append(opts, registry.WithDockerConfig())
		}
		return registry.New(registry.Config{
			Name:       bc.Name,
			Repository: bc.Repository,
			Prefix:     bc.RootPrefix,
			PlainHTTP:  bc.PlainHTTP,
			Username:   bc.Username,
			Timeout:    bc.Timeout,
		}, opts...)
	}
	return nil, errors.New("unreachable backend kind")
}

// resolveRef reads a credential reference now. An empty reference is "".
func resolveRef(ctx context.Context, ref string) (string, error) {
	src, err := backend.ParseTokenRef(ref)
	if err != nil || src == nil {
		return "", err
	}
	return src.Token(ctx)
}
