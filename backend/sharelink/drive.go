package sharelink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/meigma/artifactcache/backend"
	"github.com/meigma/artifactcache/key"
)

const (
	// DefaultGraphURL is the public drive API root.
	DefaultGraphURL = "https://graph.microsoft.com/v1.0"

	// defaultChunkSize is a multiple of the 320 KiB upload-session granule.
	defaultChunkSize = 10 * 1024 * 1024

	strategyGraphContent   = "graph-content"
	strategyDirectDownload = "direct-download"
	strategyGraphMetadata  = "graph-metadata"
	strategyDirectHead     = "direct-head"
	strategyUploadSession  = "upload-session"
	strategyDirectPut      = "direct-put"
)

// Config describes a shared-link drive backend.
type Config struct {
	Name string
	// GraphURL is the drive API root. Empty uses DefaultGraphURL.
	GraphURL string
	// FolderLink is a sharing link to the folder uploads go into.
	// Without it the backend is read-only.
	FolderLink string
	// ManifestPath, when set, is loaded at construction and rewritten after
	// every store and delete.
	ManifestPath string
	// ModelVersion names the curated namespace when a new manifest is created.
	ModelVersion string
	// Timeout bounds each HTTP request. Zero leaves requests unbounded.
	Timeout time.Duration
}

// Backend reads and writes artifacts through sharing links.
type Backend struct {
	name         string
	graphURL     string
	folderLink   string
	manifestPath string
	manifest     *Manifest
	tokens       backend.TokenSource
	client       *http.Client
	chunkSize    int64
	logger       *slog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithTokenSource sets the bearer credential provider for API calls.
func WithTokenSource(ts backend.TokenSource) Option {
	return func(b *Backend) {
		b.tokens = ts
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) {
		b.client = c
	}
}

// WithManifest uses m instead of loading ManifestPath.
func WithManifest(m *Manifest) Option {
	return func(b *Backend) {
		b.manifest = m
	}
}

// WithChunkSize sets the upload-session chunk size.
func WithChunkSize(n int64) Option {
	return func(b *Backend) {
		b.chunkSize = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// New creates a backend. A configured manifest file that does not exist yet
// starts empty and is created on the first store.
func New(cfg Config, opts ...Option) (*Backend, error) {
	b := &Backend{
		name:         cfg.Name,
		graphURL:     strings.TrimRight(cfg.GraphURL, "/"),
		folderLink:   cfg.FolderLink,
		manifestPath: cfg.ManifestPath,
		chunkSize:    defaultChunkSize,
	}
	if b.name == "" {
		b.name = "sharelink"
	}
	if b.graphURL == "" {
		b.graphURL = DefaultGraphURL
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.client == nil {
		b.client = &http.Client{Timeout: cfg.Timeout}
	}
	if b.chunkSize <= 0 {
		return nil, errors.New("sharelink: chunk size must be > 0")
	}
	if b.manifest == nil {
		if b.manifestPath == "" {
			b.manifest = NewManifest(cfg.ModelVersion)
		} else {
			m, err := LoadManifest(b.manifestPath)
			switch {
			case errors.Is(err, os.ErrNotExist):
				m = NewManifest(cfg.ModelVersion)
			case err != nil:
				return nil, err
			}
			b.manifest = m
		}
	}
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
func (b *Backend) Kind() backend.Kind { return backend.KindSharedLink }

// Manifest returns the links manifest.
func (b *Backend) Manifest() *Manifest { return b.manifest }

// Exists implements backend.Backend. A key without a manifest entry does
// not exist; otherwise the link is checked through the API and then directly.
func (b *Backend) Exists(ctx context.Context, k key.Key) (bool, error) {
	link, ok := b.manifest.Lookup(k)
	if !ok {
		return false, nil
	}
	_, err := backend.RunStrategies(ctx, b.logger, b.name, "exists", k, b.strategies(
		backend.Strategy{Name: strategyGraphMetadata, Run: func(ctx context.Context) error {
			_, err := b.resolveItem(ctx, "exists", k, link)
			return err
		}},
		backend.Strategy{Name: strategyDirectHead, Run: func(ctx context.Context) error {
			resp, err := b.do(ctx, "exists", k, http.MethodHead, DownloadURL(link), nil, nil, false)
			if err != nil {
				return err
			}
			resp.Body.Close()
			return nil
		}},
	))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, backend.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Fetch implements backend.Backend. When the sink implements
// backend.Resetter, partial output from a failed strategy is discarded
// before the next one runs; otherwise a strategy that wrote bytes ends the
// walk.
func (b *Backend) Fetch(ctx context.Context, k key.Key, w io.Writer, fn backend.ProgressFunc) (int64, error) {
	link, ok := b.manifest.Lookup(k)
	if !ok {
		return 0, backend.NewError(b.name, "fetch", k, backend.ErrNotFound, errors.New("no sharing link recorded"))
	}

	var written int64
	run := func(target string, auth bool) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			if written > 0 {
				r, ok := w.(backend.Resetter)
				if !ok {
					return backend.NewError(b.name, "fetch", k, backend.ErrTransport,
						errors.New("sink holds partial content and cannot be reset"))
				}
				r.Reset()
				written = 0
			}
			resp, err := b.do(ctx, "fetch", k, http.MethodGet, target, nil, nil, auth)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
				return backend.NewError(b.name, "fetch", k, backend.ErrTransport,
					errors.New("link returned a web page instead of file content"))
			}
			n, err := backend.Copy(ctx, w, resp.Body, resp.ContentLength, fn)
			written = n
			if err != nil {
				return backend.NewError(b.name, "fetch", k, backend.ErrTransport, err)
			}
			if resp.ContentLength >= 0 && n != resp.ContentLength {
				return backend.NewError(b.name, "fetch", k, backend.ErrTransport,
					fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength))
			}
			return nil
		}
	}

	graphURL := b.graphURL + "/shares/" + EncodeShareID(link) + "/driveItem/content"
	strategy, err := backend.RunStrategies(ctx, b.logger, b.name, "fetch", k, b.strategies(
		backend.Strategy{Name: strategyGraphContent, Run: run(graphURL, true)},
		backend.Strategy{Name: strategyDirectDownload, Run: run(DownloadURL(link), false)},
	))
	if err != nil {
		return written, err
	}
	b.log().Debug("fetched shared item", "backend", b.name, "key", k.String(), "strategy", strategy, "bytes", written)
	return written, nil
}

// Store implements backend.Backend. The content is uploaded into the shared
// folder at key.ObjectPath("", k), then an anonymous view link is created and
// recorded in the manifest.
func (b *Backend) Store(ctx context.Context, k key.Key, r io.Reader, _ int64) error {
	if b.folderLink == "" {
		return backend.NewError(b.name, "store", k, backend.ErrAuth, errors.New("no upload folder link configured"))
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return backend.NewError(b.name, "store", k, backend.ErrTransport, err)
	}
	remotePath := key.ObjectPath("", k)
	folderID := EncodeShareID(b.folderLink)

	var uploaded driveItem
	strategy, err := backend.RunStrategies(ctx, b.logger, b.name, "store", k, []backend.Strategy{
		{Name: strategyUploadSession, Run: func(ctx context.Context) error {
			item, err := b.uploadSession(ctx, k, folderID, remotePath, data)
			uploaded = item
			return err
		}},
		{Name: strategyDirectPut, Run: func(ctx context.Context) error {
			item, err := b.directPut(ctx, k, folderID, remotePath, data)
			uploaded = item
			return err
		}},
	})
	if err != nil {
		return err
	}

	link, err := b.createLink(ctx, k, uploaded)
	if err != nil {
		return err
	}
	b.manifest.Set(k, link)
	if err := b.saveManifest(k, "store"); err != nil {
		return err
	}
	b.log().Info("stored shared item", "backend", b.name, "key", k.String(), "strategy", strategy, "bytes", len(data))
	return nil
}

// Delete implements backend.Backend.
func (b *Backend) Delete(ctx context.Context, k key.Key) error {
	link, ok := b.manifest.Lookup(k)
	if !ok {
		return backend.NewError(b.name, "delete", k, backend.ErrNotFound, errors.New("no sharing link recorded"))
	}
	item, err := b.resolveItem(ctx, "delete", k, link)
	if err != nil {
		return err
	}
	target := b.graphURL + "/drives/" + url.PathEscape(item.ParentReference.DriveID) + "/items/" + url.PathEscape(item.ID)
	resp, err := b.do(ctx, "delete", k, http.MethodDelete, target, nil, nil, true)
	if err != nil {
		return err
	}
	resp.Body.Close()

	b.manifest.Remove(k)
	return b.saveManifest(k, "delete")
}

// strategies returns the read strategies for a link. Without a token source
// the API cannot be called at all, so only the direct link is tried and its
// failure kind stands alone.
func (b *Backend) strategies(api, direct backend.Strategy) []backend.Strategy {
	if b.tokens == nil {
		return []backend.Strategy{direct}
	}
	return []backend.Strategy{api, direct}
}

func (b *Backend) saveManifest(k key.Key, op string) error {
	if b.manifestPath == "" {
		return nil
	}
	if err := b.manifest.Save(b.manifestPath); err != nil {
		return backend.NewError(b.name, op, k, backend.ErrTransport, fmt.Errorf("save links manifest: %w", err))
	}
	return nil
}

type driveItem struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Size            int64  `json:"size"`
	ParentReference struct {
		DriveID string `json:"driveId"`
	} `json:"parentReference"`
}

// resolveItem fetches the item metadata behind a sharing link.
func (b *Backend) resolveItem(ctx context.Context, op string, k key.Key, link string) (driveItem, error) {
	var item driveItem
	target := b.graphURL + "/shares/" + EncodeShareID(link) + "/driveItem"
	if err := b.doJSON(ctx, op, k, http.MethodGet, target, nil, &item); err != nil {
		return item, err
	}
	if item.ID == "" || item.ParentReference.DriveID == "" {
		return item, backend.NewError(b.name, op, k, backend.ErrTransport, errors.New("item metadata lacks id or drive id"))
	}
	return item, nil
}

// uploadSession resolves the folder, opens an upload session for the file
// and sends the content in Content-Range chunks.
func (b *Backend) uploadSession(ctx context.Context, k key.Key, folderID, remotePath string, data []byte) (driveItem, error) {
	var folder driveItem
	if err := b.doJSON(ctx, "store", k, http.MethodGet, b.graphURL+"/shares/"+folderID+"/driveItem", nil, &folder); err != nil {
		return driveItem{}, err
	}
	if folder.ID == "" || folder.ParentReference.DriveID == "" {
		return driveItem{}, backend.NewError(b.name, "store", k, backend.ErrTransport, errors.New("folder metadata lacks id or drive id"))
	}

	var session struct {
		UploadURL string `json:"uploadUrl"`
	}
	target := fmt.Sprintf("%s/drives/%s/items/%s:/%s:/createUploadSession",
		b.graphURL, url.PathEscape(folder.ParentReference.DriveID), url.PathEscape(folder.ID), escapePath(remotePath))
	body := map[string]any{"item": map[string]string{"@microsoft.graph.conflictBehavior": "replace"}}
	if err := b.doJSON(ctx, "store", k, http.MethodPost, target, body, &session); err != nil {
		return driveItem{}, err
	}
	if session.UploadURL == "" {
		return driveItem{}, backend.NewError(b.name, "store", k, backend.ErrTransport, errors.New("upload session has no url"))
	}

	total := int64(len(data))
	var item driveItem
	for start := int64(0); start < total || (total == 0 && start == 0); start += b.chunkSize {
		end := min(start+b.chunkSize, total)
		headers := http.Header{}
		if total > 0 {
			headers.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, total))
		}
		// Upload URLs are pre-authorized; sending a bearer token is rejected.
		resp, err := b.do(ctx, "store", k, http.MethodPut, session.UploadURL, bytes.NewReader(data[start:end]), headers, false)
		if err != nil {
			return driveItem{}, err
		}
		if end == total {
			err = json.NewDecoder(resp.Body).Decode(&item)
			resp.Body.Close()
			if err != nil {
				return driveItem{}, backend.NewError(b.name, "store", k, backend.ErrTransport, fmt.Errorf("decode uploaded item: %w", err))
			}
			break
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	if item.ParentReference.DriveID == "" {
		item.ParentReference.DriveID = folder.ParentReference.DriveID
	}
	return item, nil
}

// directPut uploads the whole file in a single request addressed relative to
// the shared folder.
func (b *Backend) directPut(ctx context.Context, k key.Key, folderID, remotePath string, data []byte) (driveItem, error) {
	target := fmt.Sprintf("%s/shares/%s/driveItem:/%s:/content", b.graphURL, folderID, escapePath(remotePath))
	headers := http.Header{}
	headers.Set("Content-Type", "application/octet-stream")
	resp, err := b.do(ctx, "store", k, http.MethodPut, target, bytes.NewReader(data), headers, true)
	if err != nil {
		return driveItem{}, err
	}
	defer resp.Body.Close()
	var item driveItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return driveItem{}, backend.NewError(b.name, "store", k, backend.ErrTransport, fmt.Errorf("decode uploaded item: %w", err))
	}
	return item, nil
}

// createLink makes an anonymous view link for item.
func (b *Backend) createLink(ctx context.Context, k key.Key, item driveItem) (string, error) {
	if item.ID == "" || item.ParentReference.DriveID == "" {
		return "", backend.NewError(b.name, "store", k, backend.ErrTransport, errors.New("uploaded item lacks id or drive id"))
	}
	var out struct {
		Link struct {
			WebURL string `json:"webUrl"`
		} `json:"link"`
	}
	target := fmt.Sprintf("%s/drives/%s/items/%s/createLink",
		b.graphURL, url.PathEscape(item.ParentReference.DriveID), url.PathEscape(item.ID))
	body := map[string]string{"type": "view", "scope": "anonymous"}
	if err := b.doJSON(ctx, "store", k, http.MethodPost, target, body, &out); err != nil {
		return "", err
	}
	if out.Link.WebURL == "" {
		return "", backend.NewError(b.name, "store", k, backend.ErrTransport, errors.New("createLink returned no url"))
	}
	return out.Link.WebURL, nil
}

func (b *Backend) doJSON(ctx context.Context, op string, k key.Key, method, target string, in, out any) error {
	var body io.Reader
	headers := http.Header{}
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return backend.NewError(b.name, op, k, backend.ErrTransport, err)
		}
		body = bytes.NewReader(data)
		headers.Set("Content-Type", "application/json")
	}
	resp, err := b.do(ctx, op, k, method, target, body, headers, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backend.NewError(b.name, op, k, backend.ErrTransport, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// do sends a request and maps failures to backend error kinds. On success
// the caller owns the response body.
func (b *Backend) do(ctx context.Context, op string, k key.Key, method, target string, body io.Reader, headers http.Header, auth bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, backend.NewError(b.name, op, k, backend.ErrTransport, err)
	}
	for name, values := range headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if auth {
		if b.tokens == nil {
			return nil, backend.NewError(b.name, op, k, backend.ErrAuth, errors.New("no token source configured"))
		}
		tok, err := b.tokens.Token(ctx)
		if err != nil {
			return nil, backend.NewError(b.name, op, k, backend.ErrAuth, err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, backend.NewError(b.name, op, k, backend.ErrTransport, err)
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	kind := statusKind(resp.StatusCode)
	if kind == backend.ErrAuth {
		if inv, ok := b.tokens.(interface{ Invalidate() }); auth && ok {
			inv.Invalidate()
		}
	}
	return nil, backend.NewError(b.name, op, k, kind,
		fmt.Errorf("%s %s: %s: %s", method, redact(target), resp.Status, strings.TrimSpace(string(msg))))
}

// statusKind maps an HTTP failure status to an error kind.
func statusKind(code int) error {
	switch code {
	case http.StatusNotFound, http.StatusGone:
		return backend.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return backend.ErrAuth
	case http.StatusRequestEntityTooLarge, http.StatusInsufficientStorage:
		return backend.ErrQuota
	default:
		return backend.ErrTransport
	}
}

// escapePath escapes each segment of a slash-separated path.
func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}

// redact drops the query string, which may carry pre-authorized tokens.
func redact(target string) string {
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i]
	}
	return target
}

var _ backend.Backend = (*Backend)(nil)
