package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tutorhive/backend/internal/auth"
	"github.com/tutorhive/backend/internal/models"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// Client is one WebSocket connection for one participant in one session.
type Client struct {
	userID      uuid.UUID
	displayName string
	sessionID   uuid.UUID
	registry    *Registry
	conn        *websocket.Conn
	send        chan WSMessage
	logger      *zap.Logger
}

// ServeWs handles the WebSocket upgrade and runs the client loop.
// Expects session_id and token query params; the token is validated with the
// same secret the platform signs with.
func ServeWs(registry *Registry, logger *zap.Logger, validate func(token string) (*auth.Claims, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionIDStr := c.Query("session_id")
		token := c.Query("token")
		if sessionIDStr == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session_id and token required"})
			return
		}
		sessionID, err := uuid.Parse(sessionIDStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session_id"})
			return
		}
		claims, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			userID:      claims.UserID,
			displayName: claims.DisplayName,
			sessionID:   sessionID,
			registry:    registry,
			conn:        conn,
			send:        make(chan WSMessage, sendBuffer),
			logger:      logger,
		}
		go client.writePump()
		client.readPump()
	}
}

// Deliver implements Outbox. Marshals and queues the envelope; drops it when
// the send buffer is full rather than stalling the room.
func (c *Client) Deliver(event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return
		}
	}
	select {
	case c.send <- WSMessage{Event: event, Data: data}:
	default:
	}
}

func (c *Client) readPump() {
	joined := false
	defer func() {
		if joined {
			c.registry.Leave(c.sessionID, c.userID)
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Event {
		case EventJoinRoom:
			if joined {
				continue
			}
			var req JoinRoomRequest
			_ = json.Unmarshal(msg.Data, &req)
			name := c.displayName
			if req.DisplayName != "" {
				name = req.DisplayName
			}
			p := models.Participant{
				UserID:      c.userID,
				DisplayName: name,
				JoinedAt:    time.Now().UTC(),
			}
			err := c.registry.Join(context.Background(), c.sessionID, p, c)
			if err != nil {
				c.Deliver(EventJoinRejected, JoinRejected{Reason: rejectionReason(err)})
				continue
			}
			joined = true

		case EventLeaveRoom:
			if joined {
				c.registry.Leave(c.sessionID, c.userID)
				joined = false
			}

		case EventSignal:
			if !joined {
				continue
			}
			var env models.SignalEnvelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				continue
			}
			if !env.Kind.Valid() || env.TargetUserID == uuid.Nil {
				continue
			}
			c.registry.Relay(c.sessionID, c.userID, env)

		case EventChatSend:
			if !joined {
				continue
			}
			var req ChatSendRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				continue
			}
			if err := c.registry.Chat(c.sessionID, c.userID, req.Text); err != nil {
				c.Deliver(EventError, ErrorEvent{Message: err.Error()})
			}

		default:
			// ignore
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrRoomFull):
		return ReasonRoomFull
	case errors.Is(err, ErrAlreadyJoined):
		return ReasonAlreadyJoined
	default:
		return ReasonSessionInactive
	}
}
