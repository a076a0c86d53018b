// Package server exposes a Client over HTTP: the transfer state table, the
// websocket push channel, an ensure endpoint and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/meigma/artifactcache"
	"github.com/meigma/artifactcache/backend"
	"github.com/meigma/artifactcache/key"
	"github.com/meigma/artifactcache/progress/ws"
)

// maxEnsureKeys bounds one ensure request.
const maxEnsureKeys = 256

// Server is the HTTP surface of one Client.
type Server struct {
	echo    *echo.Echo
	client  *artifactcache.Client
	hub     *ws.Hub
	metrics http.Handler
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithHub serves hub on /v1/ws.
func WithHub(hub *ws.Hub) Option {
	return func(s *Server) {
		s.hub = hub
	}
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New registers every route for client.
func New(client *artifactcache.Client, opts ...Option) *Server {
	s := &Server{client: client}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			)
			return nil
		},
	}))

	e.GET("/healthz", s.health)
	v1 := e.Group("/v1")
	v1.GET("/transfers", s.listTransfers)
	v1.GET("/transfers/:id", s.getTransfer)
	v1.GET("/entries", s.listEntries)
	v1.POST("/ensure", s.ensure)
	if s.hub != nil {
		v1.GET("/ws", echo.WrapHandler(s.hub))
	}
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics))
	}

	s.echo = e
	return s
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("serving", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, closes websocket clients and waits for
// handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"active":   s.client.Reporter().Active(),
		"backends": len(s.client.Backends()),
	})
}

// GET /v1/transfers
func (s *Server) listTransfers(c echo.Context) error {
	return c.JSON(http.StatusOK, s.client.Transfers())
}

// GET /v1/transfers/:id
func (s *Server) getTransfer(c echo.Context) error {
	t, ok := s.client.Reporter().Lookup(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "transfer not found")
	}
	return c.JSON(http.StatusOK, t)
}

// GET /v1/entries
func (s *Server) listEntries(c echo.Context) error {
	return c.JSON(http.StatusOK, s.client.Entries())
}

type ensureRequest struct {
	Keys []string `json:"keys"`
	// Backends restricts and orders the backends by name. Empty uses the
	// configured priority.
	Backends []string `json:"backends,omitempty"`
}

type ensureResult struct {
	Key       string `json:"key"`
	Tier      string `json:"tier,omitempty"`
	Size      int64  `json:"size"`
	Digest    string `json:"digest,omitempty"`
	Backend   string `json:"backend,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Condition string `json:"condition,omitempty"`
	Message   string `json:"message,omitempty"`
}

// POST /v1/ensure
func (s *Server) ensure(c echo.Context) error {
	var req ensureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Keys) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "keys is required")
	}
	if len(req.Keys) > maxEnsureKeys {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "too many keys")
	}

	keys := make([]key.Key, 0, len(req.Keys))
	for _, raw := range req.Keys {
		k, err := key.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		keys = append(keys, k)
	}
	backends, err := s.selectBackends(req.Backends)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	results := s.client.EnsurePresent(c.Request().Context(), keys, backends...)
	out := make([]ensureResult, len(results))
	for i, r := range results {
		out[i] = ensureResult{
			Key:     r.Key.String(),
			Tier:    r.Tier,
			Size:    r.Size,
			Digest:  r.Digest.String(),
			Backend: r.Backend,
			TaskID:  r.TaskID,
		}
		if r.Err != nil {
			cond := artifactcache.Describe(r.Err)
			out[i].Error = r.Err.Error()
			out[i].Condition = cond.String()
			out[i].Message = cond.Message()
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"results": out})
}

func (s *Server) selectBackends(names []string) ([]backend.Backend, error) {
	if len(names) == 0 {
		return nil, nil
	}
	byName := make(map[string]backend.Backend)
	for _, b := range s.client.Backends() {
		byName[b.Name()] = b
	}
	out := make([]backend.Backend, 0, len(names))
	for _, n := range names {
		b, ok := byName[n]
		if !ok {
			return nil, errors.New("unknown backend " + n)
		}
		out = append(out, b)
	}
	return out, nil
}
