package models

import (
	"time"

	"github.com/google/uuid"
)

// ChatMessage is one entry in a session's append-only chat log.
// Ordering is relay-arrival order, not sender clocks.
type ChatMessage struct {
	ID          uuid.UUID `json:"id"`
	SessionID   uuid.UUID `json:"session_id"`
	FromUserID  uuid.UUID `json:"from_user_id"`
	DisplayName string    `json:"display_name"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sent_at"`
}
