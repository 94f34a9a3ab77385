package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

type subscribeMessage struct {
	Credential string `json:"credential"`
}

// UpgradeRequired rejects plain HTTP requests on the websocket route.
func UpgradeRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

// LiveUpdates is the live subscription channel. The client's first frame
// is a subscribe message carrying its credential; the server answers with
// a full top-N snapshot and then pushes incremental updates until the
// connection goes away. Any client frame counts as a heartbeat; a silent
// connection times out and is unsubscribed.
func LiveUpdates(s *Server) fiber.Handler {
	heartbeat := s.HeartbeatInterval

	return websocket.New(func(conn *websocket.Conn) {
		connID := newConnID()

		_ = conn.SetReadDeadline(time.Now().Add(heartbeat * 2))
		var sub subscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			conn.Close()
			return
		}

		// An empty credential subscribes as an anonymous viewer; a bad
		// one is rejected outright.
		var userID string
		if sub.Credential != "" {
			identity, err := s.Authenticator.Authenticate(context.Background(), sub.Credential)
			if err != nil {
				slog.Debug("Websocket credential rejected",
					slog.String("type", "ws"),
					slog.String("connection_id", connID))
				conn.Close()
				return
			}
			userID = identity.UserID
		}

		s.Hub.Subscribe(connID, userID, conn)
		defer s.Hub.Unsubscribe(connID)

		// Read loop exists only to detect liveness and closure; the hub
		// owns all writes to the connection.
		for {
			if err := conn.SetReadDeadline(time.Now().Add(heartbeat * 2)); err != nil {
				return
			}
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
}

func newConnID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(time.Now().Format("150405.000000")))
	}
	return hex.EncodeToString(buf)
}
