// Package httpapi is the Echo application exposing the relay's HTTP
// surface — the websocket upgrade route plus /health, /status, /devices —
// grounded on the teacher's internal/httpapi server but trimmed of the
// blob-storage and persisted-message routes the spec's non-goals exclude.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/kira666-sentient/audiorelay/internal/hub"
	"github.com/kira666-sentient/audiorelay/internal/ws"
)

// Server is the Echo application.
type Server struct {
	echo *echo.Echo
	hub  *hub.Hub
}

// New constructs an Echo app with the websocket route and status endpoints
// bound to h.
func New(h *hub.Hub, allowedOrigins []string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, hub: h}
	s.registerRoutes(allowedOrigins)
	return s
}

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
			if path == "/ws" || path == "/health" {
				slog.Debug("http request",
					"method", req.Method, "path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds())
			} else {
				slog.Info("http request",
					"method", req.Method, "path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP())
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) registerRoutes(allowedOrigins []string) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/status", s.handleStatus)
	s.echo.GET("/devices", s.handleDevices)
	ws.NewHandler(s.hub, allowedOrigins).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
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

type healthResponse struct {
	Status string `json:"status"`
	Peers  int    `json:"peers"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Peers: s.hub.PeerCount()})
}

type statusResponse struct {
	Peers          int            `json:"peers"`
	ListenerCounts map[string]int `json:"listenerCounts"`
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Peers:          s.hub.PeerCount(),
		ListenerCounts: s.hub.ListenerCounts(),
	})
}

func (s *Server) handleDevices(c echo.Context) error {
	return c.JSON(http.StatusOK, s.hub.Devices())
}
