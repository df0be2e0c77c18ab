// Package api implements the backlog assistant HTTP API.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/yuin/goldmark"

	"github.com/nugget/backlog-assistant/internal/agent"
	"github.com/nugget/backlog-assistant/internal/buildinfo"
	"github.com/nugget/backlog-assistant/internal/events"
	"github.com/nugget/backlog-assistant/internal/session"
)

// Identity headers set by the authenticating proxy in front of the API.
const (
	HeaderUserID  = "X-User-ID"
	HeaderSteamID = "X-Steam-ID"
)

const userKey = "user_id"

// Chatter runs conversations.
type Chatter interface {
	Submit(ctx context.Context, req agent.Request, emit func(agent.StreamEvent) error) error
	SubmitSync(ctx context.Context, req agent.Request) (*agent.Reply, error)
}

// SessionReader looks up a user's sessions.
type SessionReader interface {
	Find(ctx context.Context, id, owner string) (*session.Session, error)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	chat     Chatter
	sessions SessionReader
	bus      *events.Bus
	logger   *slog.Logger

	echo     *echo.Echo
	server   *http.Server
	markdown goldmark.Markdown
	upgrader websocket.Upgrader
}

// NewServer creates a new API server. A nil bus disables the event feed.
func NewServer(address string, port int, chat Chatter, sessions SessionReader, bus *events.Bus, logger *slog.Logger) *Server {
	s := &Server{
		address:  address,
		port:     port,
		chat:     chat,
		sessions: sessions,
		bus:      bus,
		logger:   logger.With("component", "api"),
		markdown: goldmark.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(s.withLogging)

	e.GET("/health", s.handleHealth)
	e.GET("/v1/version", s.handleVersion)

	v1 := e.Group("/v1", s.requireUser)
	v1.POST("/chat", s.handleChat)
	v1.POST("/chat/sync", s.handleChatSync)
	v1.GET("/sessions/:id/messages", s.handleSessionMessages)
	if bus != nil {
		v1.GET("/events", s.handleEvents)
	}

	s.echo = e
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start begins serving HTTP requests and blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.echo,
		ReadTimeout: 30 * time.Second,
		// Streaming handlers extend their own write deadline per event.
		WriteTimeout: 120 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		if err := next(c); err != nil {
			c.Error(err)
		}
		s.logger.Info("request",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"status", c.Response().Status,
			"duration", time.Since(start),
		)
		return nil
	}
}

// requireUser rejects requests that carry no user identity.
func (s *Server) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		user := strings.TrimSpace(c.Request().Header.Get(HeaderUserID))
		if user == "" {
			return c.JSON(http.StatusUnauthorized, errorBody{Error: "Unauthorized"})
		}
		c.Set(userKey, user)
		return next(c)
	}
}

func userID(c echo.Context) string {
	id, _ := c.Get(userKey).(string)
	return id
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, buildinfo.Info())
}
