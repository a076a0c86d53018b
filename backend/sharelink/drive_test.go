package sharelink

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/artifactcache/backend"
	"github.com/meigma/artifactcache/key"
)

const (
	testDriveID = "drive1"
	testToken   = "secret-token"
	folderItem  = "folder"
)

// fakeDrive is a minimal drive API: shares resolution, content download,
// upload sessions, direct PUT, createLink, delete and direct links.
type fakeDrive struct {
	t   *testing.T
	srv *httptest.Server

	mu             sync.Mutex
	items          map[string][]byte // item id -> content
	paths          map[string]string // folder-relative path -> item id
	sessions       map[string]*uploadState
	nextID         int
	contentRanges  []string
	requests       []string
	noSession      bool // createUploadSession fails
	noGraphContent bool // /driveItem/content fails
}

type uploadState struct {
	path string
	buf  bytes.Buffer
}

func newFakeDrive(t *testing.T) *fakeDrive {
	t.Helper()
	f := &fakeDrive{
		t:        t,
		items:    make(map[string][]byte),
		paths:    make(map[string]string),
		sessions: make(map[string]*uploadState),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDrive) link(id string) string { return f.srv.URL + "/s/" + id }
func (f *fakeDrive) folderLink() string { return f.link(folderItem) }

func (f *fakeDrive) seed(id string, b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[id] = b
}

func (f *fakeDrive) pathID(rel string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paths[rel]
}

func (f *fakeDrive) hasItem(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.items[id]
	return ok
}

func (f *fakeDrive) ranges() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.contentRanges...)
}

func (f *fakeDrive) disable(session, graphContent bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noSession = session
	f.noGraphContent = graphContent
}

func (f *fakeDrive) saw(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if strings.HasPrefix(r, prefix) {
			return true
		}
	}
	return false
}

func (f *fakeDrive) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := r.URL.Path
	f.requests = append(f.requests, r.Method+" "+p)
	authed := r.Header.Get("Authorization") == "Bearer "+testToken

	switch {
	case strings.HasPrefix(p, "/s/"):
		id := strings.TrimPrefix(p, "/s/")
		if r.URL.Query().Get("download") != "1" {
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html>preview</html>")
			return
		}
		content, ok := f.items[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", fmt.Sprint(len(content)))
		if r.Method != http.MethodHead {
			_, _ = w.Write(content)
		}

	case strings.HasPrefix(p, "/shares/"):
		if !authed {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		sid, tail, _ := strings.Cut(strings.TrimPrefix(p, "/shares/"), "/")
		id := f.itemFromShare(sid)
		switch {
		case tail == "driveItem" && r.Method == http.MethodGet:
			if _, ok := f.items[id]; !ok && id != folderItem {
				http.NotFound(w, r)
				return
			}
			f.writeItem(w, http.StatusOK, id)
		case tail == "driveItem/content" && r.Method == http.MethodGet:
			if f.noGraphContent {
				http.Error(w, "unsupported", http.StatusBadRequest)
				return
			}
			content, ok := f.items[id]
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprint(len(content)))
			_, _ = w.Write(content)
		case strings.HasPrefix(tail, "driveItem:/") && strings.HasSuffix(tail, ":/content") && r.Method == http.MethodPut:
			rel := strings.TrimSuffix(strings.TrimPrefix(tail, "driveItem:/"), ":/content")
			body, _ := io.ReadAll(r.Body)
			f.writeItem(w, http.StatusCreated, f.storeLocked(rel, body))
		default:
			http.Error(w, "bad shares request", http.StatusBadRequest)
		}

	case strings.HasPrefix(p, "/drives/"+testDriveID+"/items/"):
		if !authed {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		rest := strings.TrimPrefix(p, "/drives/"+testDriveID+"/items/")
		switch {
		case strings.HasSuffix(rest, ":/createUploadSession") && r.Method == http.MethodPost:
			if f.noSession {
				http.Error(w, "sessions unsupported", http.StatusBadRequest)
				return
			}
			_, rel, _ := strings.Cut(strings.TrimSuffix(rest, ":/createUploadSession"), ":/")
			sess := fmt.Sprintf("sess%d", len(f.sessions))
			f.sessions[sess] = &uploadState{path: rel}
			writeJSON(w, http.StatusOK, map[string]string{"uploadUrl": f.srv.URL + "/upload/" + sess})
		case strings.HasSuffix(rest, "/createLink") && r.Method == http.MethodPost:
			id := strings.TrimSuffix(rest, "/createLink")
			var req map[string]string
			_ = json.NewDecoder(r.Body).Decode(&req)
			assert.Equal(f.t, "view", req["type"])
			assert.Equal(f.t, "anonymous", req["scope"])
			writeJSON(w, http.StatusCreated, map[string]any{"link": map[string]string{"webUrl": f.link(id)}})
		case r.Method == http.MethodDelete:
			if _, ok := f.items[rest]; !ok {
				http.NotFound(w, r)
				return
			}
			delete(f.items, rest)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "bad drives request", http.StatusBadRequest)
		}

	case strings.HasPrefix(p, "/upload/"):
		if r.Header.Get("Authorization") != "" {
			http.Error(w, "upload urls must not carry tokens", http.StatusUnauthorized)
			return
		}
		st, ok := f.sessions[strings.TrimPrefix(p, "/upload/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		cr := r.Header.Get("Content-Range")
		f.contentRanges = append(f.contentRanges, cr)
		body, _ := io.ReadAll(r.Body)
		st.buf.Write(body)
		var start, end, total int
		_, err := fmt.Sscanf(cr, "bytes %d-%d/%d", &start, &end, &total)
		if err != nil || end+1 == total {
			f.writeItem(w, http.StatusCreated, f.storeLocked(st.path, st.buf.Bytes()))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{})

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeDrive) itemFromShare(sid string) string {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(sid, "u!"))
	if err != nil {
		return ""
	}
	link := string(raw)
	return link[strings.LastIndex(link, "/")+1:]
}

func (f *fakeDrive) storeLocked(rel string, content []byte) string {
	id, ok := f.paths[rel]
	if !ok {
		f.nextID++
		id = fmt.Sprintf("item%d", f.nextID)
		f.paths[rel] = id
	}
	f.items[id] = bytes.Clone(content)
	return id
}

func (f *fakeDrive) writeItem(w http.ResponseWriter, status int, id string) {
	writeJSON(w, status, map[string]any{
		"id":              id,
		"name":            id,
		"size":            len(f.items[id]),
		"parentReference": map[string]string{"driveId": testDriveID},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newDriveBackend(t *testing.T, f *fakeDrive, opts ...Option) *Backend {
	t.Helper()
	all := append([]Option{WithTokenSource(backend.StaticToken(testToken))}, opts...)
	b, err := New(Config{
		Name:         "drive",
		GraphURL:     f.srv.URL,
		FolderLink:   f.folderLink(),
		ManifestPath: filepath.Join(t.TempDir(), "links.json"),
		ModelVersion: "v2",
	}, all...)
	require.NoError(t, err)
	return b
}

var curatedKey = key.MustParse("C.1/v2/base.Rdata")

func TestStoreUploadSessionThenFetch(t *testing.T) {
	t.Parallel()

	f := newFakeDrive(t)
	b := newDriveBackend(t, f, WithChunkSize(4))
	ctx := context.Background()

	ok, err := b.Exists(ctx, curatedKey)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Store(ctx, curatedKey, strings.NewReader("0123456789"), 10))
	assert.Equal(t, []string{"bytes 0-3/10", "bytes 4-7/10", "bytes 8-9/10"}, f.ranges())
	assert.Equal(t, "item1", f.pathID("v2/C.1/base.Rdata"))

	link, ok := b.Manifest().Lookup(curatedKey)
	require.True(t, ok)
	assert.Equal(t, f.link("item1"), link)

	reloaded, err := LoadManifest(b.manifestPath)
	require.NoError(t, err)
	_, ok = reloaded.Lookup(curatedKey)
	assert.True(t, ok, "manifest must be persisted after a store")

	ok, err = b.Exists(ctx, curatedKey)
	require.NoError(t, err)
	assert.True(t, ok)

	var buf bytes.Buffer
	var last [2]int64
	n, err := b.Fetch(ctx, curatedKey, &buf, func(done, total int64) { last = [2]int64{done, total} })
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, "0123456789", buf.String())
	assert.Equal(t, [2]int64{10, 10}, last)
	assert.True(t, f.saw("GET /shares/"))
}

func TestStoreFallsBackToDirectPut(t *testing.T) {
	t.Parallel()

	f := newFakeDrive(t)
	f.disable(true, false)
	b := newDriveBackend(t, f)

	k := key.MustParse("C.1/custom/u42/run7.Rdata")
	require.NoError(t, b.Store(context.Background(), k, strings.NewReader("custom run"), -1))
	assert.Equal(t, "item1", f.pathID("custom/u42/C.1/run7.Rdata"))
	assert.True(t, f.saw("PUT /shares/"))
	assert.Empty(t, f.ranges())
}

func TestFetchFallsBackToDirectDownload(t *testing.T) {
	t.Parallel()

	f := newFakeDrive(t)
	f.seed("item9", []byte("precomputed"))
	m := NewManifest("v2")
	m.Set(curatedKey, f.link("item9"))

	// No token source: only the direct link is tried.
	b, err := New(Config{Name: "drive", GraphURL: f.srv.URL}, WithManifest(m))
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = b.Fetch(context.Background(), curatedKey, &buf, nil)
	require.NoError(t, err)
	assert.Equal(t, "precomputed", buf.String())
	assert.True(t, f.saw("GET /s/item9"))
}

func TestAnonymousMissingItemIsNotFound(t *testing.T) {
	t.Parallel()

	f := newFakeDrive(t)
	m := NewManifest("v2")
	m.Set(curatedKey, f.link("deleted"))
	b, err := New(Config{Name: "drive", GraphURL: f.srv.URL}, WithManifest(m))
	require.NoError(t, err)

	ok, err := b.Exists(context.Background(), curatedKey)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.Fetch(context.Background(), curatedKey, io.Discard, nil)
	require.ErrorIs(t, err, backend.ErrNotFound)
	assert.False(t, backend.IsTransient(err))
	var agg *backend.AggregateError
	require.ErrorAs(t, err, &agg)
	require.Len(t, agg.Attempts, 1)
	assert.Equal(t, strategyDirectDownload, agg.Attempts[0].Name)
	assert.False(t, f.saw("GET /shares/"), "no API call without a token source")
}

func TestFetchGraphFailureUsesDirect(t *testing.T) {
	t.Parallel()

	f := newFakeDrive(t)
	f.disable(false, true)
	f.seed("item3", []byte("abc"))
	b := newDriveBackend(t, f)
	b.Manifest().Set(curatedKey, f.link("item3"))

	var buf bytes.Buffer
	_, err := b.Fetch(context.Background(), curatedKey, &buf, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", buf.String())
}

func TestFetchAggregatesEveryStrategy(t *testing.T) {
	t.Parallel()

	f := newFakeDrive(t)
	b := newDriveBackend(t, f)
	b.Manifest().Set(curatedKey, f.link("gone"))

	_, err := b.Fetch(context.Background(), curatedKey, io.Discard, nil)
	var agg *backend.AggregateError
	require.ErrorAs(t, err, &agg)
	require.Len(t, agg.Attempts, 2)
	assert.Equal(t, strategyGraphContent, agg.Attempts[0].Name)
	assert.Equal(t, strategyDirectDownload, agg.Attempts[1].Name)
	assert.ErrorIs(t, err, backend.ErrNotFound, "both strategies agree the item is gone")

	ok, err := b.Exists(context.Background(), curatedKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFetchUnknownKey(t *testing.T) {
	t.Parallel()

	b := newDriveBackend(t, newFakeDrive(t))
	_, err := b.Fetch(context.Background(), curatedKey, io.Discard, nil)
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	f := newFakeDrive(t)
	b := newDriveBackend(t, f)
	ctx := context.Background()

	require.NoError(t, b.Store(ctx, curatedKey, strings.NewReader("x"), 1))
	require.NoError(t, b.Delete(ctx, curatedKey))
	assert.False(t, f.hasItem("item1"))
	_, ok := b.Manifest().Lookup(curatedKey)
	assert.False(t, ok)

	require.ErrorIs(t, b.Delete(ctx, curatedKey), backend.ErrNotFound)
}

func TestStoreWithoutFolderLink(t *testing.T) {
	t.Parallel()

	b, err := New(Config{Name: "drive"})
	require.NoError(t, err)
	err = b.Store(context.Background(), curatedKey, strings.NewReader("x"), 1)
	require.ErrorIs(t, err, backend.ErrAuth)
}

func TestStatusKind(t *testing.T) {
	t.Parallel()

	assert.Equal(t, backend.ErrNotFound, statusKind(http.StatusNotFound))
	assert.Equal(t, backend.ErrAuth, statusKind(http.StatusUnauthorized))
	assert.Equal(t, backend.ErrAuth, statusKind(http.StatusForbidden))
	assert.Equal(t, backend.ErrQuota, statusKind(http.StatusInsufficientStorage))
	assert.Equal(t, backend.ErrQuota, statusKind(http.StatusRequestEntityTooLarge))
	assert.Equal(t, backend.ErrTransport, statusKind(http.StatusBadGateway))
}
