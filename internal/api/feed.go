package api

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	feedBuffer       = 64
	feedWriteTimeout = 10 * time.Second
	feedPingInterval = 30 * time.Second
)

// handleEvents upgrades to a websocket and relays the caller's own
// operational events from the bus until either side goes away. Events
// for other users, and events tied to no user, are not sent. Clients
// only listen; anything they send is discarded.
func (s *Server) handleEvents(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already replied.
		s.logger.Debug("event feed upgrade failed", "error", err)
		return nil
	}
	defer conn.Close()

	user := userID(c)
	ch := s.bus.Subscribe(feedBuffer)
	defer s.bus.Unsubscribe(ch)
	s.logger.Debug("event feed client connected", "user_id", user, "subscribers", s.bus.SubscriberCount())

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return nil
		case <-c.Request().Context().Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if e.UserID() != user {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event feed write failed", "error", err)
				return nil
			}
		case <-ping.C:
			deadline := time.Now().Add(feedWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return nil
			}
		}
	}
}
