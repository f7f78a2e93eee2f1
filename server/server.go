// Package server wires the HAIP engine to three HTTP-rooted transport
// adapters behind one Echo application, grounded on the teacher's
// internal/httpapi.Server (Echo + middleware.Recover() + slog request
// logging, a small health/state surface, graceful Run/Shutdown).
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"haip.dev/engine/internal/auth"
	"haip.dev/engine/internal/engine"
	"haip.dev/engine/internal/toolmanager"
	"haip.dev/engine/internal/transport/chunked"
	"haip.dev/engine/internal/transport/ssepush"
	"haip.dev/engine/internal/transport/wsduplex"
)

// Server is the Echo application binding every transport endpoint to one
// Engine.
type Server struct {
	echo    *echo.Echo
	cfg     Config
	engine  *engine.Engine
	admit   *rate.Limiter
	conns   chan struct{} // semaphore bounding MaxConnections concurrently open
	sse     *ssepush.Registry
}

// New constructs the façade around a tool registry and observer; registry
// is shared with the engine so TOOL_LIST/TOOL_SCHEMA reflect whatever the
// caller has registered (including tool/echotool, tool/longjob).
func New(cfg Config, registry *toolmanager.Registry, observer engine.Observer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	burst := cfg.MaxConnections / 10
	if burst < 1 {
		burst = 1
	}

	s := &Server{
		echo:   e,
		cfg:    cfg,
		engine: engine.New(cfg.engineConfig(), registry, observer),
		admit:  rate.NewLimiter(rate.Limit(cfg.ConnectionsPerSecond), burst),
		conns:  make(chan struct{}, cfg.MaxConnections),
		sse:    ssepush.NewRegistry(),
	}
	s.registerRoutes()
	return s
}

// Engine exposes the underlying engine, e.g. for a client façade running
// in-process against the same session table in tests.
func (s *Server) Engine() *engine.Engine { return s.engine }

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path
			if path == "/health" || path == "/stats" {
				slog.Debug("http request", "method", req.Method, "path", path,
					"status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds())
			} else {
				slog.Info("http request", "method", req.Method, "path", path,
					"status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP())
			}
			return nil
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/stats", s.handleStats)

	if s.cfg.EnableWSDuplex {
		s.echo.GET("/haip/websocket", s.handleWSDuplex)
	}
	if s.cfg.EnableSSEPush {
		s.echo.GET("/haip/sse", s.handleSSEOpen)
		s.echo.POST("/haip/handshake", s.handleSSEHandshake)
		s.echo.POST("/haip/message", s.handleSSEMessage)
		s.echo.POST("/haip/upload", s.handleSSEUpload)
	}
	if s.cfg.EnableChunked {
		s.echo.POST("/haip/stream", s.handleChunked)
	}
}

// requireAuth checks the bearer token on a transport-opening request
// against s.cfg.Auth, when one is configured. A nil Auth accepts every
// request, matching the local-development default.
func (s *Server) requireAuth(c echo.Context) error {
	if s.cfg.Auth == nil {
		return nil
	}
	bearer := strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
	if bearer == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
	}
	if _, err := s.cfg.Auth.Validate(c.Request().Context(), bearer); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid bearer token")
		}
		return echo.NewHTTPError(http.StatusUnauthorized, fmt.Sprintf("auth: %v", err))
	}
	return nil
}

// acquireSlot applies the admission policy shared by every transport
// endpoint: a token-bucket rate limit on new connections plus a hard cap
// on how many may be open at once (spec §6.5 maxConnections). Returns a
// release func to call when the connection ends, or ok=false if the
// façade is at or over capacity.
func (s *Server) acquireSlot(ctx context.Context) (release func(), ok bool) {
	if !s.admit.Allow() {
		return nil, false
	}
	select {
	case s.conns <- struct{}{}:
		return func() { <-s.conns }, true
	default:
		return nil, false
	}
}

func (s *Server) handleWSDuplex(c echo.Context) error {
	if err := s.requireAuth(c); err != nil {
		return err
	}
	release, ok := s.acquireSlot(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "connection limit reached")
	}
	defer release()

	a, err := wsduplex.Upgrade(c.Response(), c.Request(), c.RealIP())
	if err != nil {
		slog.Error("wsduplex upgrade failed", "remote", c.RealIP(), "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	s.engine.Serve(c.Request().Context(), a)
	return nil
}

// handleSSEOpen starts the push half of the SSE transport: a long-lived
// GET whose body is the server-to-client event stream. The adapter is
// registered under a fresh stream id, handed back in the "connected"
// event, so the companion POSTs below can find it before any HAIP
// session id exists.
func (s *Server) handleSSEOpen(c echo.Context) error {
	if err := s.requireAuth(c); err != nil {
		return err
	}
	release, ok := s.acquireSlot(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "connection limit reached")
	}

	streamID := uuid.NewString()
	a, err := ssepush.New(c.Response(), c.RealIP(), streamID)
	if err != nil {
		release()
		return fmt.Errorf("open sse stream: %w", err)
	}
	s.sse.Put(streamID, a)

	go func() {
		ticker := time.NewTicker(ssepush.HeartbeatInterval)
		defer ticker.Stop()
		ctx := c.Request().Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := a.Heartbeat(); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		s.sse.Remove(streamID)
		release()
	}()
	s.engine.Serve(c.Request().Context(), a)
	return nil
}

// handleSSEHandshake delivers the client's HAI envelope (and every frame
// before a session id exists) into the open SSE adapter named by
// X-Stream-Id.
func (s *Server) handleSSEHandshake(c echo.Context) error {
	return s.pushToStream(c)
}

// handleSSEMessage delivers subsequent client-to-server frames. Once the
// session id is known, clients may address either endpoint the same way:
// both resolve to the same adapter via X-Stream-Id.
func (s *Server) handleSSEMessage(c echo.Context) error {
	return s.pushToStream(c)
}

func (s *Server) pushToStream(c echo.Context) error {
	streamID := c.Request().Header.Get("X-Stream-Id")
	if streamID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "X-Stream-Id header is required")
	}
	a, ok := s.sse.Get(streamID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown stream id")
	}
	body, err := readBody(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if !a.PushInbound(frameOf(body)) {
		return echo.NewHTTPError(http.StatusGone, "stream closed")
	}
	return c.NoContent(http.StatusAccepted)
}

// handleSSEUpload is the dedicated binary-upload path for the push+post
// variant (spec §4.8: "binary uploads going to a dedicated endpoint
// carrying the envelope as a header and bytes as the body"). The
// announcing JSON envelope rides the X-Envelope header (its bin_len must
// match the body length); the body itself is the binary frame.
func (s *Server) handleSSEUpload(c echo.Context) error {
	streamID := c.Request().Header.Get("X-Stream-Id")
	if streamID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "X-Stream-Id header is required")
	}
	a, ok := s.sse.Get(streamID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown stream id")
	}
	envHeader := c.Request().Header.Get("X-Envelope")
	if envHeader == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "X-Envelope header is required")
	}
	body, err := readBody(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if !a.PushInbound(frameOf([]byte(envHeader))) || !a.PushInbound(transportBinaryFrame(body)) {
		return echo.NewHTTPError(http.StatusGone, "stream closed")
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleChunked(c echo.Context) error {
	if err := s.requireAuth(c); err != nil {
		return err
	}
	release, ok := s.acquireSlot(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "connection limit reached")
	}
	defer release()

	a, err := chunked.New(c.Request().Body, c.Response(), c.RealIP())
	if err != nil {
		return fmt.Errorf("open chunked stream: %w", err)
	}
	c.Response().WriteHeader(http.StatusOK)
	s.engine.Serve(c.Request().Context(), a)
	return nil
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

type sessionStats struct {
	ID              string `json:"id"`
	ActiveRuns      int    `json:"active_runs"`
	InFlightTools   int    `json:"in_flight_tools"`
	ReplayOccupancy int    `json:"replay_occupancy"`
}

type statsResponse struct {
	Sessions   int            `json:"sessions"`
	PerSession []sessionStats `json:"per_session"`
}

// handleStats reports per-session counts (spec §5: "active sessions, runs,
// in-flight tool calls, replay window occupancy").
func (s *Server) handleStats(c echo.Context) error {
	all := s.engine.Sessions().All()
	resp := statsResponse{Sessions: len(all), PerSession: make([]sessionStats, 0, len(all))}
	for _, sess := range all {
		resp.PerSession = append(resp.PerSession, sessionStats{
			ID:              sess.ID,
			ActiveRuns:      sess.Runs.ActiveCount(),
			InFlightTools:   sess.Tools.InFlightCount(),
			ReplayOccupancy: sess.Replay.Len(),
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// Run starts Echo and blocks until ctx cancellation or startup failure,
// mirroring the teacher's graceful-shutdown Run loop.
func (s *Server) Run(ctx context.Context) error {
	go s.engine.RunSweeper(ctx)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("http server stopped")
		return nil
	}
}
