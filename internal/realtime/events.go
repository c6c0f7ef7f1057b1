package realtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tutorhive/backend/internal/models"
)

// Inbound (client -> relay) event names.
const (
	EventJoinRoom  = "join_room"
	EventLeaveRoom = "leave_room"
	EventSignal    = "signal"
	EventChatSend  = "chat_send"
)

// Outbound (relay -> client) event names.
const (
	EventPresenceSnapshot = "presence_snapshot"
	EventMemberJoined     = "member_joined"
	EventMemberLeft       = "member_left"
	EventJoinRejected     = "join_rejected"
	EventChatReceived     = "chat_received"
	EventSessionEnded     = "session_ended"
	EventError            = "error"
)

// Rejection reasons carried by join_rejected.
const (
	ReasonRoomFull        = "room_full"
	ReasonSessionInactive = "session_inactive"
	ReasonAlreadyJoined   = "already_joined"
)

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRoomRequest is the payload of a join_room event. DisplayName overrides
// the name in the token when set.
type JoinRoomRequest struct {
	DisplayName string `json:"display_name,omitempty"`
}

// PresenceSnapshot is unicast to a joiner; Members excludes the joiner.
type PresenceSnapshot struct {
	Members []models.Participant `json:"members"`
}

// MemberJoined is broadcast to existing members when someone joins.
type MemberJoined struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
}

// MemberLeft is broadcast to remaining members on leave or disconnect.
type MemberLeft struct {
	UserID uuid.UUID `json:"user_id"`
}

// JoinRejected is unicast to a joiner whose join was refused.
type JoinRejected struct {
	Reason string `json:"reason"`
}

// ChatSendRequest is the payload of a chat_send event.
type ChatSendRequest struct {
	Text string `json:"text"`
}

// ChatReceived is broadcast to every room member except the sender.
type ChatReceived struct {
	MessageID   uuid.UUID `json:"message_id"`
	FromUserID  uuid.UUID `json:"from_user_id"`
	DisplayName string    `json:"display_name"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
}

// ErrorEvent reports a non-fatal per-request failure back to one client.
type ErrorEvent struct {
	Message string `json:"message"`
}
