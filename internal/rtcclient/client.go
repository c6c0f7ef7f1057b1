package rtcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutorhive/backend/internal/models"
	"github.com/tutorhive/backend/internal/peer"
	"github.com/tutorhive/backend/internal/realtime"
)

// Client connects to one live session room over WebSocket, keeps a local view
// of presence, and drives a peer orchestrator from relay events. It implements
// peer.Signaler so negotiation messages flow back through the same socket.
type Client struct {
	sessionID uuid.UUID
	name      string
	sock      *socket
	orch      *peer.Orchestrator
	logger    *zap.Logger

	mu      sync.Mutex
	members map[uuid.UUID]models.Participant
	joinCh  chan joinOutcome

	onChat  func(realtime.ChatReceived)
	onEnded func()

	done chan struct{}
}

type joinOutcome struct {
	members []models.Participant
	err     error
}

// Config carries everything needed to connect a client to a session.
type Config struct {
	// ServerURL is the relay's WebSocket endpoint, e.g. ws://host:8080/ws.
	ServerURL   string
	Token       string
	SessionID   uuid.UUID
	LocalUserID uuid.UUID
	DisplayName string
	ConnFactory peer.ConnFactory
	Logger      *zap.Logger
}

// Dial opens the signaling connection. The caller still needs Join to enter
// the room; tracks and handlers should be set on Orchestrator first.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	endpoint := fmt.Sprintf("%s?session_id=%s&token=%s",
		cfg.ServerURL, cfg.SessionID, url.QueryEscape(cfg.Token))
	sock, err := dialSocket(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	c := &Client{
		sessionID: cfg.SessionID,
		name:      cfg.DisplayName,
		sock:      sock,
		logger:    cfg.Logger,
		members:   make(map[uuid.UUID]models.Participant),
		done:      make(chan struct{}),
	}
	c.orch = peer.NewOrchestrator(cfg.LocalUserID, c, cfg.ConnFactory, cfg.Logger)
	go c.run()
	return c, nil
}

// Orchestrator exposes the peer layer for track setup and state handlers.
func (c *Client) Orchestrator() *peer.Orchestrator {
	return c.orch
}

// SetChatHandler installs a callback for incoming chat messages.
func (c *Client) SetChatHandler(fn func(realtime.ChatReceived)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChat = fn
}

// SetEndedHandler installs a callback fired when the tutor ends the session.
func (c *Client) SetEndedHandler(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEnded = fn
}

// Join requests room admission and blocks until the relay answers with a
// presence snapshot or a rejection. Returns the members present before us.
func (c *Client) Join(ctx context.Context) ([]models.Participant, error) {
	ch := make(chan joinOutcome, 1)
	c.mu.Lock()
	c.joinCh = ch
	c.mu.Unlock()

	data, err := json.Marshal(realtime.JoinRoomRequest{DisplayName: c.name})
	if err != nil {
		return nil, err
	}
	if err := c.sock.send(realtime.WSMessage{Event: realtime.EventJoinRoom, Data: data}); err != nil {
		return nil, err
	}

	select {
	case out := <-ch:
		return out.members, out.err
	case <-c.done:
		return nil, ErrSocketClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendSignal implements peer.Signaler: negotiation messages go to exactly one
// target through the relay.
func (c *Client) SendSignal(target uuid.UUID, kind models.SignalKind, payload json.RawMessage) error {
	data, err := json.Marshal(models.SignalEnvelope{
		TargetUserID: target,
		Kind:         kind,
		Payload:      payload,
	})
	if err != nil {
		return err
	}
	return c.sock.send(realtime.WSMessage{Event: realtime.EventSignal, Data: data})
}

// SendChat submits a chat message. The relay persists and fans it out; the
// sender renders its own copy locally and never gets an echo.
func (c *Client) SendChat(text string) error {
	data, err := json.Marshal(realtime.ChatSendRequest{Text: text})
	if err != nil {
		return err
	}
	return c.sock.send(realtime.WSMessage{Event: realtime.EventChatSend, Data: data})
}

// Leave announces departure without closing the socket.
func (c *Client) Leave() error {
	return c.sock.send(realtime.WSMessage{Event: realtime.EventLeaveRoom})
}

// Members returns the last-known room membership, excluding the local user.
func (c *Client) Members() []models.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Participant, 0, len(c.members))
	for _, p := range c.members {
		out = append(out, p)
	}
	return out
}

// Close tears down every peer link and the signaling socket.
func (c *Client) Close() {
	c.orch.Close()
	c.sock.close()
}

// Done closes when the signaling connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) run() {
	for msg := range c.sock.incoming {
		c.handle(msg)
	}
	c.orch.Close()
	close(c.done)
}

func (c *Client) handle(msg realtime.WSMessage) {
	switch msg.Event {
	case realtime.EventPresenceSnapshot:
		var snap realtime.PresenceSnapshot
		if err := json.Unmarshal(msg.Data, &snap); err != nil {
			c.logger.Warn("bad presence snapshot", zap.Error(err))
			return
		}
		c.mu.Lock()
		for _, p := range snap.Members {
			c.members[p.UserID] = p
		}
		ch := c.joinCh
		c.joinCh = nil
		c.mu.Unlock()
		if ch != nil {
			ch <- joinOutcome{members: snap.Members}
		}

	case realtime.EventJoinRejected:
		var rej realtime.JoinRejected
		_ = json.Unmarshal(msg.Data, &rej)
		c.mu.Lock()
		ch := c.joinCh
		c.joinCh = nil
		c.mu.Unlock()
		if ch != nil {
			ch <- joinOutcome{err: rejectionError(rej.Reason)}
		}

	case realtime.EventMemberJoined:
		var evt realtime.MemberJoined
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			return
		}
		c.mu.Lock()
		c.members[evt.UserID] = models.Participant{UserID: evt.UserID, DisplayName: evt.DisplayName}
		c.mu.Unlock()
		if err := c.orch.HandleMemberJoined(evt.UserID); err != nil {
			c.logger.Warn("negotiation start failed",
				zap.String("remote", evt.UserID.String()), zap.Error(err))
		}

	case realtime.EventMemberLeft:
		var evt realtime.MemberLeft
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			return
		}
		c.mu.Lock()
		delete(c.members, evt.UserID)
		c.mu.Unlock()
		c.orch.HandleMemberLeft(evt.UserID)

	case realtime.EventSignal:
		var env models.SignalEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		if err := c.orch.HandleSignal(env); err != nil {
			c.logger.Warn("signal handling failed",
				zap.String("from", env.FromUserID.String()),
				zap.String("kind", string(env.Kind)), zap.Error(err))
		}

	case realtime.EventChatReceived:
		var evt realtime.ChatReceived
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			return
		}
		c.mu.Lock()
		fn := c.onChat
		c.mu.Unlock()
		if fn != nil {
			fn(evt)
		}

	case realtime.EventSessionEnded:
		c.mu.Lock()
		c.members = make(map[uuid.UUID]models.Participant)
		fn := c.onEnded
		c.mu.Unlock()
		c.orch.Close()
		if fn != nil {
			fn()
		}

	case realtime.EventError:
		var evt realtime.ErrorEvent
		_ = json.Unmarshal(msg.Data, &evt)
		c.logger.Warn("relay error", zap.String("message", evt.Message))
	}
}

func rejectionError(reason string) error {
	switch reason {
	case realtime.ReasonRoomFull:
		return realtime.ErrRoomFull
	case realtime.ReasonSessionInactive:
		return realtime.ErrSessionInactive
	case realtime.ReasonAlreadyJoined:
		return realtime.ErrAlreadyJoined
	default:
		return errors.New("join rejected: " + reason)
	}
}
