//go:build integration

package registry

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meigma/artifactcache/backend"
	"github.com/meigma/artifactcache/key"
)

var (
	registryOnce sync.Once
	registryAddr string
	registryErr  error
)

func getRegistry(tb testing.TB) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}
	registryOnce.Do(func() {
		registryAddr, registryErr = startRegistry(context.Background())
	})
	if registryErr != nil {
		tb.Fatalf("start registry container: %v", registryErr)
	}
	return registryAddr
}

func startRegistry(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "registry:2",
		ExposedPorts: []string{"5000/tcp"},
		Env: map[string]string{
			"REGISTRY_STORAGE_DELETE_ENABLED": "true",
		},
		WaitingFor: wait.ForHTTP("/v2/").WithPort("5000/tcp"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", err
	}
	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve registry host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5000/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve registry port: %w", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

func TestRegistryRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, err := New(Config{
		Name:       "local",
		Repository: getRegistry(t) + "/artifacts/round-trip",
		Prefix:     "results",
		PlainHTTP:  true,
	})
	require.NoError(t, err)
	k := key.MustParse("C.1/v1/base.Rdata")

	ok, err := b.Exists(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.Fetch(ctx, k, &bytes.Buffer{}, nil)
	require.ErrorIs(t, err, backend.ErrNotFound)

	content := strings.Repeat("simulation ", 4096)
	require.NoError(t, b.Store(ctx, k, strings.NewReader(content), int64(len(content))))

	var buf bytes.Buffer
	n, err := b.Fetch(ctx, k, &buf, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	assert.Equal(t, content, buf.String())

	require.NoError(t, b.Delete(ctx, k))
	ok, err = b.Exists(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)
}
