package backend

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// TokenSource produces a bearer credential or fails. Failures match ErrAuth.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken is a fixed credential.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", fmt.Errorf("%w: static token is empty", ErrAuth)
	}
	return string(t), nil
}

// EnvToken reads the credential from the named environment variable on
// every call, so an external refresher can rotate it.
type EnvToken string

// Token implements TokenSource.
func (e EnvToken) Token(context.Context) (string, error) {
	v := strings.TrimSpace(os.Getenv(string(e)))
	if v == "" {
		return "", fmt.Errorf("%w: environment variable %s is empty", ErrAuth, string(e))
	}
	return v, nil
}

// FileToken reads the credential from a file on every call.
type FileToken string

// Token implements TokenSource.
func (f FileToken) Token(context.Context) (string, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return "", fmt.Errorf("%w: read token file: %v", ErrAuth, err)
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", fmt.Errorf("%w: token file %s is empty", ErrAuth, string(f))
	}
	return v, nil
}

// ParseTokenRef resolves a credential reference of the form "env:NAME" or
// "file:PATH". An empty reference yields a nil source.
func ParseTokenRef(ref string) (TokenSource, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return nil, nil
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		if name == "" {
			return nil, fmt.Errorf("token reference %q: missing variable name", ref)
		}
		return EnvToken(name), nil
	case strings.HasPrefix(ref, "file:"):
		path := strings.TrimPrefix(ref, "file:")
		if path == "" {
			return nil, fmt.Errorf("token reference %q: missing path", ref)
		}
		return FileToken(path), nil
	default:
		return nil, fmt.Errorf("token reference %q: want env:NAME or file:PATH", ref)
	}
}

const defaultTokenTTL = 5 * time.Minute

// CachingTokenSource remembers a token for a fixed time and collapses
// concurrent refreshes into one call to the underlying source.
type CachingTokenSource struct {
	src   TokenSource
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewCachingTokenSource wraps src. A ttl <= 0 uses five minutes.
func NewCachingTokenSource(src TokenSource, ttl time.Duration) *CachingTokenSource {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &CachingTokenSource{src: src, ttl: ttl, now: time.Now}
}

// Token returns the cached token or refreshes it.
func (c *CachingTokenSource) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Before(c.expires) {
		tok := c.token
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("token", func() (any, error) {
		tok, err := c.src.Token(ctx)
		if err != nil {
			return "", err
		}
		if tok == "" {
			return "", fmt.Errorf("%w: token source returned an empty token", ErrAuth)
		}
		c.mu.Lock()
		c.token = tok
		c.expires = c.now().Add(c.ttl)
		c.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil //nolint:errcheck // type is guaranteed above
}

// Invalidate drops the cached token. Call it after the backend rejects the
// token so the next call fetches a fresh one.
func (c *CachingTokenSource) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expires = time.Time{}
}
