// Package httpapi is the server's small operational-visibility surface:
// health and a connection list. Grounded on the teacher's
// server/internal/httpapi package and its labstack/echo/v4 dependency;
// the websocket/blob/store routes it also registers have no home in this
// system's scope (spec.md treats UI and service discovery as non-goals) so
// only the status-reporting shape is carried over.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"swiftlet/internal/roster"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is the Echo application exposing /health and /api/connections.
type Server struct {
	echo       *echo.Echo
	roster     *roster.Roster
	serverName func() string
}

// New constructs an Echo app reporting r's live state. nameFn returns the
// current server name (network-state's ServerNameChange source of truth).
func New(r *roster.Roster, nameFn func() string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, roster: r, serverName: nameFn}
	s.registerRoutes()
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
			slog.Debug("http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance so tests can drive it directly.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/connections", s.handleConnections)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.roster.Count(),
	})
}

// connectionView is the JSON shape of one roster.Entry.
type connectionView struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

func (s *Server) handleConnections(c echo.Context) error {
	snap := s.roster.Snapshot()
	out := make([]connectionView, 0, len(snap))
	for _, e := range snap {
		out = append(out, connectionView{Name: e.Name, State: e.State.String()})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"server_name": s.serverName(),
		"connections": out,
	})
}

// Run starts the HTTP listener. It blocks until the server errors or is
// shut down by the caller via echo.Echo.Shutdown (exposed via Echo()).
func (s *Server) Run(addr string) error {
	return s.echo.Start(addr)
}
