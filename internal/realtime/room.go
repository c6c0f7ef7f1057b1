package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutorhive/backend/internal/models"
)

// commandBuffer bounds queued room commands. Handlers are short, so the
// buffer only absorbs bursts from concurrent connections.
const commandBuffer = 64

// storeTimeout caps the durable chat append performed inside the room loop.
const storeTimeout = 3 * time.Second

// Room owns all state for one live session: the member set and everything
// relayed through it. A single goroutine drains the command channel, so
// join/leave/relay handlers for the same room never interleave and FIFO
// order per (from, target) pair is preserved end to end.
type Room struct {
	sessionID uuid.UUID
	capacity  int
	registry  *Registry
	logger    *zap.Logger

	mu       sync.Mutex // guards stopped for enqueue
	stopped  bool
	commands chan command

	// Actor-owned; touched only inside run().
	members    map[uuid.UUID]*roomMember
	everJoined bool
	cancelSub  func()
}

type roomMember struct {
	models.Participant
	outbox Outbox
}

type command interface{}

type joinCmd struct {
	participant models.Participant
	outbox      Outbox
	reply       chan error
}

type leaveCmd struct{ userID uuid.UUID }

type signalCmd struct {
	from uuid.UUID
	env  models.SignalEnvelope
}

type chatCmd struct {
	from uuid.UUID
	text string
}

type bridgeCmd struct {
	event   string
	payload []byte
}

type endCmd struct{}

type membersCmd struct{ reply chan []models.Participant }

func newRoom(registry *Registry, sessionID uuid.UUID, capacity int, logger *zap.Logger) *Room {
	return &Room{
		sessionID: sessionID,
		capacity:  capacity,
		registry:  registry,
		logger:    logger.With(zap.String("session_id", sessionID.String())),
		commands:  make(chan command, commandBuffer),
		members:   make(map[uuid.UUID]*roomMember),
	}
}

// enqueue hands a command to the room goroutine without ever blocking while
// holding the mutex; a blocked sender here would stop run() from taking the
// lock during teardown. Returns false when the room has stopped or the buffer
// is full: joins retry via the registry, everything else is fire and forget.
func (r *Room) enqueue(cmd command) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	select {
	case r.commands <- cmd:
		return true
	default:
		return false
	}
}

func (r *Room) run() {
	for {
		cmd := <-r.commands
		r.dispatch(cmd)
		if r.everJoined && len(r.members) == 0 {
			break
		}
	}

	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.registry.remove(r)

	// Commands that won the race against stopped are already buffered;
	// fail them so no caller blocks on a dead room.
	for {
		select {
		case cmd := <-r.commands:
			r.refuse(cmd)
		default:
			return
		}
	}
}

// dispatch runs one handler to completion. A panic in a handler is contained
// to this room; the relay process must survive any single room's fault.
func (r *Room) dispatch(cmd command) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("room handler panic", zap.Any("panic", rec))
		}
	}()

	switch c := cmd.(type) {
	case joinCmd:
		r.handleJoin(c)
	case leaveCmd:
		r.handleLeave(c.userID)
	case signalCmd:
		r.handleSignal(c)
	case chatCmd:
		r.handleChat(c)
	case bridgeCmd:
		r.handleBridge(c)
	case endCmd:
		r.handleEnd()
	case membersCmd:
		c.reply <- r.snapshot(uuid.Nil)
	}
}

func (r *Room) refuse(cmd command) {
	switch c := cmd.(type) {
	case joinCmd:
		c.reply <- errRoomClosed
	case membersCmd:
		c.reply <- nil
	}
}

func (r *Room) handleJoin(c joinCmd) {
	if _, ok := r.members[c.participant.UserID]; ok {
		c.reply <- ErrAlreadyJoined
		return
	}
	if len(r.members) >= r.capacity {
		c.reply <- ErrRoomFull
		return
	}

	existing := r.snapshot(uuid.Nil)
	m := &roomMember{Participant: c.participant, outbox: c.outbox}
	r.members[c.participant.UserID] = m
	r.everJoined = true
	c.reply <- nil

	m.outbox.Deliver(EventPresenceSnapshot, PresenceSnapshot{Members: existing})
	r.broadcastExcept(c.participant.UserID, EventMemberJoined, MemberJoined{
		UserID:      c.participant.UserID,
		DisplayName: c.participant.DisplayName,
	})
	r.registry.notifyJoin(r.sessionID, c.participant.UserID)
	r.logger.Debug("member joined", zap.String("user_id", c.participant.UserID.String()))
}

func (r *Room) handleLeave(userID uuid.UUID) {
	m, ok := r.members[userID]
	if !ok {
		return
	}
	delete(r.members, userID)
	r.broadcastExcept(userID, EventMemberLeft, MemberLeft{UserID: userID})
	r.registry.notifyLeave(r.sessionID, userID, m.JoinedAt)
	r.logger.Debug("member left", zap.String("user_id", userID.String()))
}

// handleSignal forwards the opaque payload to the target's connection,
// stamped with the sender. Unknown senders and departed targets are dropped
// silently: fire and forget, no queueing.
func (r *Room) handleSignal(c signalCmd) {
	if _, ok := r.members[c.from]; !ok {
		return
	}
	target, ok := r.members[c.env.TargetUserID]
	if !ok {
		r.logger.Debug("signal dropped, target not in room",
			zap.String("target_user_id", c.env.TargetUserID.String()),
			zap.String("kind", string(c.env.Kind)))
		return
	}
	target.outbox.Deliver(EventSignal, models.SignalEnvelope{
		FromUserID: c.from,
		Kind:       c.env.Kind,
		Payload:    c.env.Payload,
	})
}

// handleChat appends to the durable log, then fans out to every member except
// the sender. The sender renders its own message locally; the relay never
// echoes it back. A store failure is logged and does not block delivery.
func (r *Room) handleChat(c chatCmd) {
	m, ok := r.members[c.from]
	if !ok {
		return
	}
	msg := models.ChatMessage{
		ID:          uuid.New(),
		SessionID:   r.sessionID,
		FromUserID:  c.from,
		DisplayName: m.DisplayName,
		Text:        c.text,
		SentAt:      time.Now().UTC(),
	}
	if r.registry.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := r.registry.store.Append(ctx, &msg); err != nil {
			r.logger.Warn("chat append failed", zap.Error(err))
		}
		cancel()
	}

	event := ChatReceived{
		MessageID:   msg.ID,
		FromUserID:  msg.FromUserID,
		DisplayName: msg.DisplayName,
		Text:        msg.Text,
		Timestamp:   msg.SentAt,
	}
	if r.registry.bridge != nil {
		// Publish only; the subscription callback broadcasts exactly once on
		// each instance, this one included.
		data, err := json.Marshal(event)
		if err == nil {
			if err := r.registry.bridge.PublishRoomEvent(r.sessionID, EventChatReceived, data); err == nil {
				return
			}
			r.logger.Warn("bridge publish failed, falling back to local broadcast")
		}
	}
	r.broadcastExcept(c.from, EventChatReceived, event)
}

// handleBridge delivers an event published by some relay instance (possibly
// this one) to local members, skipping the original sender.
func (r *Room) handleBridge(c bridgeCmd) {
	var hdr struct {
		FromUserID uuid.UUID `json:"from_user_id"`
	}
	_ = json.Unmarshal(c.payload, &hdr)
	r.broadcastExcept(hdr.FromUserID, c.event, json.RawMessage(c.payload))
}

func (r *Room) handleEnd() {
	for id, m := range r.members {
		m.outbox.Deliver(EventSessionEnded, struct{}{})
		r.registry.notifyLeave(r.sessionID, id, m.JoinedAt)
	}
	r.members = make(map[uuid.UUID]*roomMember)
	r.everJoined = true
}

func (r *Room) broadcastExcept(except uuid.UUID, event string, payload interface{}) {
	for id, m := range r.members {
		if id == except {
			continue
		}
		m.outbox.Deliver(event, payload)
	}
}

// snapshot returns the member list ordered by join time, excluding except.
func (r *Room) snapshot(except uuid.UUID) []models.Participant {
	out := make([]models.Participant, 0, len(r.members))
	for id, m := range r.members {
		if id == except {
			continue
		}
		out = append(out, m.Participant)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID.String() < out[j].UserID.String()
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}
