package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutorhive/backend/internal/models"
)

// Join rejection and chat validation errors.
var (
	ErrRoomFull        = errors.New("room is full")
	ErrSessionInactive = errors.New("session is not joinable")
	ErrAlreadyJoined   = errors.New("user already in room")
	ErrEmptyMessage    = errors.New("empty chat message")
	ErrMessageTooLong  = errors.New("chat message too long")

	errRoomClosed = errors.New("room closed")
)

// enqueueRetryDelay paces Join retries when a room refuses the command.
const enqueueRetryDelay = time.Millisecond

// SessionSource provides session metadata and lifecycle writes.
type SessionSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.LiveSession, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

// MessageStore appends chat messages to the session's durable log.
type MessageStore interface {
	Append(ctx context.Context, msg *models.ChatMessage) error
}

// Bridge fans room events out across relay instances (Redis pub/sub in
// production). Nil disables cross-instance delivery.
type Bridge interface {
	PublishRoomEvent(sessionID uuid.UUID, event string, payload []byte) error
	SubscribeRoom(sessionID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Outbox delivers an event to one connected participant. Implementations
// must not block; a full buffer drops the message.
type Outbox interface {
	Deliver(event string, payload interface{})
}

// Registry maps live sessions to their room actors. A room is created on the
// first join and removed when its last member departs.
type Registry struct {
	mu    sync.Mutex
	rooms map[uuid.UUID]*Room

	sessions SessionSource
	store    MessageStore
	bridge   Bridge
	logger   *zap.Logger

	maxChatRunes int

	onJoin  func(sessionID, userID uuid.UUID)
	onLeave func(sessionID, userID uuid.UUID, joinedAt time.Time)
}

// NewRegistry creates a room registry. bridge may be nil for single-instance
// deployments.
func NewRegistry(sessions SessionSource, store MessageStore, bridge Bridge, maxChatRunes int, logger *zap.Logger) *Registry {
	if maxChatRunes <= 0 {
		maxChatRunes = 2000
	}
	return &Registry{
		rooms:        make(map[uuid.UUID]*Room),
		sessions:     sessions,
		store:        store,
		bridge:       bridge,
		logger:       logger,
		maxChatRunes: maxChatRunes,
	}
}

// SetPresenceLogger installs hooks fired after a member joins or leaves,
// e.g. for the attendance log. Hooks run outside the room goroutine.
func (r *Registry) SetPresenceLogger(onJoin func(sessionID, userID uuid.UUID), onLeave func(sessionID, userID uuid.UUID, joinedAt time.Time)) {
	r.onJoin = onJoin
	r.onLeave = onLeave
}

// Join admits a participant into the session's room. The capacity check is
// atomic within the room goroutine: a rejected join changes nothing. On
// success the joiner receives a presence_snapshot through out and existing
// members receive member_joined.
func (r *Registry) Join(ctx context.Context, sessionID uuid.UUID, p models.Participant, out Outbox) error {
	for {
		room, err := r.roomFor(ctx, sessionID)
		if err != nil {
			return err
		}
		reply := make(chan error, 1)
		if !room.enqueue(joinCmd{participant: p, outbox: out, reply: reply}) {
			// Room stopped underneath us or its buffer is momentarily full;
			// back off and retry against whatever the registry holds then.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(enqueueRetryDelay):
			}
			continue
		}
		if err := <-reply; !errors.Is(err, errRoomClosed) {
			return err
		}
	}
}

// Leave removes a participant. Explicit leave_room events and transport
// disconnects both land here and are indistinguishable to the room.
func (r *Registry) Leave(sessionID, userID uuid.UUID) {
	if room := r.get(sessionID); room != nil {
		room.enqueue(leaveCmd{userID: userID})
	}
}

// Relay forwards a signaling message to its target within the room. The
// payload is opaque; unknown rooms and targets drop the message silently.
func (r *Registry) Relay(sessionID, from uuid.UUID, env models.SignalEnvelope) {
	if room := r.get(sessionID); room != nil {
		room.enqueue(signalCmd{from: from, env: env})
	}
}

// Chat validates, persists, and broadcasts a chat message. Validation errors
// are returned to the caller; everything past that is best effort.
func (r *Registry) Chat(sessionID, from uuid.UUID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > r.maxChatRunes {
		return ErrMessageTooLong
	}
	if room := r.get(sessionID); room != nil {
		room.enqueue(chatCmd{from: from, text: text})
	}
	return nil
}

// End tears the room down: every member is notified and dropped, then the
// room goroutine exits.
func (r *Registry) End(sessionID uuid.UUID) {
	if room := r.get(sessionID); room != nil {
		room.enqueue(endCmd{})
	}
}

// Members returns the room's current member list, or nil if no room exists.
func (r *Registry) Members(sessionID uuid.UUID) []models.Participant {
	room := r.get(sessionID)
	if room == nil {
		return nil
	}
	reply := make(chan []models.Participant, 1)
	if !room.enqueue(membersCmd{reply: reply}) {
		return nil
	}
	return <-reply
}

// MemberCount returns the number of members currently in the room.
func (r *Registry) MemberCount(sessionID uuid.UUID) int {
	return len(r.Members(sessionID))
}

func (r *Registry) get(sessionID uuid.UUID) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[sessionID]
}

// roomFor returns the session's room, creating it on first join. Session
// metadata is fetched outside the registry lock; an ended or unknown session
// cannot get a room.
func (r *Registry) roomFor(ctx context.Context, sessionID uuid.UUID) (*Room, error) {
	r.mu.Lock()
	if room, ok := r.rooms[sessionID]; ok {
		r.mu.Unlock()
		return room, nil
	}
	r.mu.Unlock()

	sess, err := r.sessions.GetByID(ctx, sessionID)
	if err != nil || sess == nil || sess.Ended() {
		return nil, ErrSessionInactive
	}
	capacity := sess.MaxParticipants
	if capacity <= 0 {
		capacity = 2
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[sessionID]; ok {
		return room, nil
	}
	room := newRoom(r, sessionID, capacity, r.logger)
	if r.bridge != nil {
		cancel, err := r.bridge.SubscribeRoom(sessionID, func(event string, payload []byte) {
			room.enqueue(bridgeCmd{event: event, payload: payload})
		})
		if err != nil {
			r.logger.Warn("room bridge subscribe failed", zap.Error(err))
		} else {
			room.cancelSub = cancel
		}
	}
	r.rooms[sessionID] = room
	go room.run()
	go func() {
		if err := r.sessions.SetActive(context.Background(), sessionID, true); err != nil {
			r.logger.Warn("mark session active failed", zap.Error(err))
		}
	}()
	return room, nil
}

// remove is called from the room goroutine once the room has emptied.
func (r *Registry) remove(room *Room) {
	r.mu.Lock()
	if cur, ok := r.rooms[room.sessionID]; ok && cur == room {
		delete(r.rooms, room.sessionID)
	}
	r.mu.Unlock()
	if room.cancelSub != nil {
		room.cancelSub()
	}
	go func() {
		if err := r.sessions.SetActive(context.Background(), room.sessionID, false); err != nil {
			r.logger.Warn("mark session inactive failed", zap.Error(err))
		}
	}()
	r.logger.Debug("room removed", zap.String("session_id", room.sessionID.String()))
}

func (r *Registry) notifyJoin(sessionID, userID uuid.UUID) {
	if r.onJoin != nil {
		go r.onJoin(sessionID, userID)
	}
}

func (r *Registry) notifyLeave(sessionID, userID uuid.UUID, joinedAt time.Time) {
	if r.onLeave != nil {
		go r.onLeave(sessionID, userID, joinedAt)
	}
}
