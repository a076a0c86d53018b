package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/artifactcache/progress"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) progress.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m progress.Message
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Clients() == n }, 5*time.Second, 10*time.Millisecond)
}

func TestHubStreamsReporterEvents(t *testing.T) {
	t.Parallel()

	r := progress.NewReporter()
	h := NewHub()
	require.NoError(t, h.Attach(r))
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	t.Cleanup(h.Close)

	conn := dial(t, srv)
	waitClients(t, h, 1)

	r.Start(progress.Task{ID: "t1", Key: "C.1/v1/base.Rdata", DisplayName: "base.Rdata", BytesTotal: 10})
	r.Update("t1", 5, 10)
	r.Complete("t1", "")

	board := progress.NewBoard()
	var actions []progress.Action
	for range 3 {
		m := readMessage(t, conn)
		actions = append(actions, m.Action)
		board.Apply(m)
	}
	assert.Equal(t, []progress.Action{progress.ActionStart, progress.ActionUpdate, progress.ActionComplete}, actions)

	e, ok := board.Get("t1")
	require.True(t, ok)
	assert.Equal(t, progress.StatusComplete, e.Status)
	assert.Equal(t, "base.Rdata", e.Filename)
}

func TestHubReplaysStateToLateClients(t *testing.T) {
	t.Parallel()

	r := progress.NewReporter()
	h := NewHub()
	require.NoError(t, h.Attach(r))
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	t.Cleanup(h.Close)

	r.Start(progress.Task{ID: "running", Key: "k1", BytesTotal: 100})
	r.Update("running", 40, 100)

	conn := dial(t, srv)
	m := readMessage(t, conn)
	assert.Equal(t, progress.ActionUpdate, m.Action)
	assert.Equal(t, "running", m.ID)
	require.NotNil(t, m.Percent)
	assert.InDelta(t, 40, *m.Percent, 0.001)
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	t.Parallel()

	h := NewHub(WithBuffer(4))
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	conn := dial(t, srv)
	waitClients(t, h, 1)

	h.Publish(progress.Message{Action: progress.ActionStart, ID: "x"})
	h.Close()

	m := readMessage(t, conn)
	assert.Equal(t, "x", m.ID, "queued messages are flushed before close")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Equal(t, 0, h.Clients())
}

func TestHubDeliversMessagesPublishedDuringConnect(t *testing.T) {
	t.Parallel()

	var h *Hub
	published := make(chan struct{})
	h = NewHub(WithReplay(func() []progress.Message {
		go func() {
			defer close(published)
			h.Publish(progress.Message{Action: progress.ActionComplete, ID: "t1"})
		}()
		// Give the publisher time to run while the client is connecting.
		time.Sleep(50 * time.Millisecond)
		return []progress.Message{{Action: progress.ActionStart, ID: "t1"}}
	}))
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	t.Cleanup(h.Close)

	conn := dial(t, srv)
	first := readMessage(t, conn)
	assert.Equal(t, progress.ActionStart, first.Action)
	second := readMessage(t, conn)
	assert.Equal(t, progress.ActionComplete, second.Action)
	assert.Equal(t, "t1", second.ID)
	<-published
}
