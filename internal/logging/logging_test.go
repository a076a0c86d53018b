package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestJSONFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := New(&buf, "info", "json")
	logger.Debug("hidden")
	logger.Info("fetched artifact", "key", "C.1/v2/base.Rdata")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "fetched artifact", line["msg"])
	assert.Equal(t, "C.1/v2/base.Rdata", line["key"])
}

func TestConsoleFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	New(&buf, "warn", "text").Info("quiet")
	assert.Empty(t, buf.String())

	New(&buf, "warn", "text").Warn("loud", "backend", "s3")
	assert.Contains(t, buf.String(), "loud")
	assert.Contains(t, buf.String(), "backend")
}
