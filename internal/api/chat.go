package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/nugget/backlog-assistant/internal/agent"
	"github.com/nugget/backlog-assistant/internal/session"
)

// ChatRequest is the body of both chat endpoints.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse is the body returned by the synchronous chat endpoint.
type ChatResponse struct {
	Response  string `json:"response"`
	HTML      string `json:"html"`
	SessionID string `json:"session_id"`
}

// HistoryMessage is one visible message of a session transcript.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const streamWriteTimeout = 120 * time.Second

func (s *Server) agentRequest(c echo.Context, req ChatRequest) agent.Request {
	return agent.Request{
		SessionID:  req.SessionID,
		UserID:     userID(c),
		PlatformID: c.Request().Header.Get(HeaderSteamID),
		Text:       req.Message,
	}
}

// handleChat streams the reply as server-sent events. Headers are only
// committed with the first event, so requests refused up front still
// get a proper status code.
func (s *Server) handleChat(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
	}

	sse := &sseWriter{c: c, rc: http.NewResponseController(c.Response().Writer), server: s}
	err := s.chat.Submit(c.Request().Context(), s.agentRequest(c, req), sse.send)
	if !sse.started {
		return s.refuse(c, err)
	}
	if err != nil {
		s.logger.Debug("chat stream ended early", "error", err)
	}
	return nil
}

// handleChatSync returns the finished reply as JSON, with an HTML
// rendering of its markdown.
func (s *Server) handleChatSync(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
	}

	reply, err := s.chat.SubmitSync(c.Request().Context(), s.agentRequest(c, req))
	if err != nil {
		return s.refuse(c, err)
	}

	var html bytes.Buffer
	if err := s.markdown.Convert([]byte(reply.Text), &html); err != nil {
		s.logger.Warn("render reply markdown", "error", err)
		html.Reset()
	}
	return c.JSON(http.StatusOK, ChatResponse{
		Response:  reply.Text,
		HTML:      html.String(),
		SessionID: reply.SessionID,
	})
}

// refuse maps an error returned before any output to a status code.
func (s *Server) refuse(c echo.Context, err error) error {
	var inputErr *agent.InputError
	switch {
	case errors.As(err, &inputErr):
		return c.JSON(http.StatusBadRequest, errorBody{Error: inputErr.Message})
	case errors.Is(err, agent.ErrSessionBusy):
		return c.JSON(http.StatusConflict, errorBody{Error: "This conversation is already answering another message"})
	default:
		s.logger.Error("chat request failed", "user_id", userID(c), "error", err)
		return c.JSON(http.StatusInternalServerError, errorBody{Error: agent.GenericErrorText})
	}
}

// handleSessionMessages returns the visible transcript of one of the
// caller's sessions. Tool traffic is left out.
func (s *Server) handleSessionMessages(c echo.Context) error {
	sess, err := s.sessions.Find(c.Request().Context(), c.Param("id"), userID(c))
	switch {
	case errors.Is(err, session.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorBody{Error: "Session not found"})
	case err != nil:
		s.logger.Error("session lookup failed", "session_id", c.Param("id"), "error", err)
		return c.JSON(http.StatusInternalServerError, errorBody{Error: agent.GenericErrorText})
	}

	messages := []HistoryMessage{}
	for _, m := range sess.Messages {
		text := m.PlainText()
		if text == "" {
			continue
		}
		messages = append(messages, HistoryMessage{Role: string(m.Role), Content: text})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"expires_at": sess.ExpiresAt.UTC().Format(time.RFC3339),
		"messages":   messages,
	})
}

// sseWriter writes stream events as SSE data lines.
type sseWriter struct {
	c       echo.Context
	rc      *http.ResponseController
	server  *Server
	started bool
}

func (w *sseWriter) send(ev agent.StreamEvent) error {
	resp := w.c.Response()
	if !w.started {
		h := resp.Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
		resp.WriteHeader(http.StatusOK)
		w.started = true
	}

	// Tool rounds can take a while between events.
	if err := w.rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		w.server.logger.Debug("failed to reset write deadline", "error", err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(resp, "data: %s\n\n", data); err != nil {
		return err
	}
	resp.Flush()
	return nil
}
