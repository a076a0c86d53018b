package artifactcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/artifactcache/cache/disk"
	"github.com/meigma/artifactcache/cache/memory"
	"github.com/meigma/artifactcache/key"
)

func TestOptions(t *testing.T) {
	t.Parallel()

	_, err := New(WithMemoryTier(nil))
	require.Error(t, err)

	_, err = New(WithBackends(nil))
	require.Error(t, err)

	c, err := New(WithCacheDir(t.TempDir()))
	require.NoError(t, err)
	mem, ok := c.memory.(*memory.Cache)
	require.True(t, ok)
	assert.Equal(t, DefaultMemoryMaxBytes, mem.MaxBytes())
	dsk, ok := c.disk.(*disk.Cache)
	require.True(t, ok)
	assert.Equal(t, DefaultDiskMaxBytes, dsk.MaxBytes())
}

func TestWithDisplayNameAndTaskIDs(t *testing.T) {
	t.Parallel()

	c, err := New(
		WithDisplayName(func(k key.Key) string { return "sim " + k.Code }),
		WithTaskIDs(func() string { return "fixed" }),
	)
	require.NoError(t, err)
	assert.Equal(t, "sim base", c.display(keyBase))
	assert.Equal(t, "fixed", c.newID())
}
