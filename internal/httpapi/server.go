// Package httpapi exposes a read-only admin/monitoring surface: REST
// endpoints over the session, transfer, and ban state plus a
// websocket-based live event feed. It never mutates state — every
// mutation goes through the control connection's dispatcher.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"nexus/internal/ipguard"
	"nexus/internal/session"
	"nexus/internal/store"
	"nexus/internal/transfer"
)

// Server is the admin Echo application.
type Server struct {
	echo      *echo.Echo
	sessions  *session.Manager
	transfers *transfer.Registry
	guard     *ipguard.Cache
	store     *store.Store
	hub       *Hub
}

// New constructs the admin REST + monitoring-websocket app.
func New(sessions *session.Manager, transfers *transfer.Registry, guard *ipguard.Cache, st *store.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{
		echo:      e,
		sessions:  sessions,
		transfers: transfers,
		guard:     guard,
		store:     st,
		hub:       NewHub(sessions, transfers, guard),
	}
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
			req := c.Request()
			slog.Info("admin http request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote", c.RealIP(),
			)
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Hub exposes the live-feed hub so main can start its periodic publish
// loop alongside the HTTP server.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/sessions", s.handleSessions)
	s.echo.GET("/api/transfers", s.handleTransfers)
	s.echo.GET("/api/bans", s.handleBans)
	s.echo.GET("/api/audit", s.handleAudit)
	newMonitorHandler(s.hub).Register(s.echo)
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
		slog.Info("shutting down admin http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:   "ok",
		Sessions: len(s.sessions.Snapshot()),
	})
}

func (s *Server) handleSessions(c echo.Context) error {
	views := s.sessions.Snapshot()
	out := make([]sessionSummary, len(views))
	for i, v := range views {
		out[i] = sessionSummary{
			ID:       v.ID,
			Username: v.Username,
			Nickname: v.Nickname,
			IsAdmin:  v.IsAdmin,
			PeerAddr: addrString(v.PeerAddr),
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleTransfers(c echo.Context) error {
	active := s.transfers.Snapshot()
	out := make([]transferEntry, len(active))
	for i, t := range active {
		out[i] = transferEntry{
			TransferID:  t.TransferID,
			Direction:   t.Direction.String(),
			Path:        t.Path,
			Username:    t.Username,
			Transferred: t.BytesTransferred(),
			TotalSize:   t.TotalSize,
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleBans(c echo.Context) error {
	if s.store == nil {
		return c.JSON(http.StatusOK, []store.IPRule{})
	}
	rules, err := s.store.ListIPRules()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rules)
}

func (s *Server) handleAudit(c echo.Context) error {
	if s.store == nil {
		return c.JSON(http.StatusOK, []store.AuditEntry{})
	}
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.store.GetAuditLog(c.QueryParam("action"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, entries)
}
