package rtcclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tutorhive/backend/internal/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	channelBuffer  = 64
)

// ErrSocketClosed is returned when sending on a closed connection.
var ErrSocketClosed = errors.New("socket closed")

// socket manages the WebSocket connection to the relay: read/write pumps,
// heartbeat, and buffered in/out channels of envelopes.
type socket struct {
	conn     *websocket.Conn
	incoming chan realtime.WSMessage
	outgoing chan realtime.WSMessage
	done     chan struct{}
	once     sync.Once
}

func dialSocket(ctx context.Context, rawURL string) (*socket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	s := &socket{
		conn:     conn,
		incoming: make(chan realtime.WSMessage, channelBuffer),
		outgoing: make(chan realtime.WSMessage, channelBuffer),
		done:     make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go s.readPump()
	go s.writePump()
	return s, nil
}

func (s *socket) readPump() {
	defer func() {
		s.close()
		_ = s.conn.Close()
		close(s.incoming)
	}()
	for {
		var msg realtime.WSMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case s.incoming <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case msg := <-s.outgoing:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *socket) send(msg realtime.WSMessage) error {
	select {
	case <-s.done:
		return ErrSocketClosed
	case s.outgoing <- msg:
		return nil
	}
}

func (s *socket) close() {
	s.once.Do(func() { close(s.done) })
}
