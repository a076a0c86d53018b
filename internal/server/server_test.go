package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/artifactcache"
	"github.com/meigma/artifactcache/backend/backendtest"
	"github.com/meigma/artifactcache/internal/metrics"
	"github.com/meigma/artifactcache/key"
	"github.com/meigma/artifactcache/progress"
	"github.com/meigma/artifactcache/progress/ws"
)

var keyBase = key.MustParse("C.1/v2/base.Rdata")

type fixture struct {
	srv    *httptest.Server
	client *artifactcache.Client
	remote *backendtest.Backend
	hub    *ws.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	remote := backendtest.New("primary").Seed(keyBase, []byte("base results"))
	prom := metrics.NewProm("artifactcache")
	client, err := artifactcache.New(
		artifactcache.WithBackends(remote),
		artifactcache.WithMetrics(prom),
	)
	require.NoError(t, err)

	hub := ws.NewHub()
	require.NoError(t, hub.Attach(client.Reporter()))
	s := New(client, WithHub(hub), WithMetricsHandler(prom.Handler()))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		_ = client.Close()
	})
	return &fixture{srv: srv, client: client, remote: remote, hub: hub}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","active":0,"backends":1}`, string(body))
}

func TestEnsureThenInspectTransfers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/v1/ensure",
		`{"keys":["C.1/v2/base.Rdata","C.9/v2/missing.Rdata"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Results []ensureResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Results, 2)

	ok := out.Results[0]
	assert.Equal(t, "C.1/v2/base.Rdata", ok.Key)
	assert.Equal(t, artifactcache.TierRemote, ok.Tier)
	assert.Equal(t, "primary", ok.Backend)
	assert.NotEmpty(t, ok.Digest)
	assert.Empty(t, ok.Error)

	missing := out.Results[1]
	assert.Equal(t, artifactcache.ConditionMissing.String(), missing.Condition)
	assert.Equal(t, artifactcache.ConditionMissing.Message(), missing.Message)
	assert.NotEmpty(t, missing.Error)

	resp, body = f.do(t, http.MethodGet, "/v1/transfers", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var transfers []progress.Transfer
	require.NoError(t, json.Unmarshal(body, &transfers))
	assert.Len(t, transfers, 2)

	resp, body = f.do(t, http.MethodGet, "/v1/transfers/"+ok.TaskID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tr progress.Transfer
	require.NoError(t, json.Unmarshal(body, &tr))
	assert.Equal(t, progress.StateDone, tr.State)

	resp, _ = f.do(t, http.MethodGet, "/v1/transfers/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/v1/entries", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "C.1/v2/base.Rdata")
}

func TestEnsureRejectsBadRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"keys":`, http.StatusBadRequest},
		{"no keys", `{"keys":[]}`, http.StatusBadRequest},
		{"invalid key", `{"keys":["../etc/passwd"]}`, http.StatusBadRequest},
		{"unknown backend", `{"keys":["C.1/v2/base.Rdata"],"backends":["nowhere"]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := f.do(t, http.MethodPost, "/v1/ensure", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
	assert.Zero(t, f.remote.Calls())
}

func TestEnsureSelectsBackendsByName(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/v1/ensure",
		`{"keys":["C.1/v2/base.Rdata"],"backends":["primary"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"backend":"primary"`)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.client.Fetch(context.Background(), keyBase)
	require.NoError(t, err)

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebsocketPushChannel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err = f.client.Fetch(context.Background(), keyBase)
	require.NoError(t, err)

	board := progress.NewBoard()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var m progress.Message
		require.NoError(t, json.Unmarshal(data, &m))
		board.Apply(m)
		if m.Action == progress.ActionComplete {
			break
		}
	}
	entries := board.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, progress.StatusComplete, entries[0].Status)
	assert.Equal(t, "base.Rdata", entries[0].Filename)
}
