package models

import (
	"time"

	"github.com/google/uuid"
)

// LiveSession represents one scheduled tutoring session. Created by the
// scheduling workflow; the realtime core flips IsActive on first join and
// clears it when the room empties or the session is ended explicitly.
type LiveSession struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	TutorID         uuid.UUID  `json:"tutor_id"`
	InviteeEmail    string     `json:"invitee_email,omitempty"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	MaxParticipants int        `json:"max_participants"`
	IsActive        bool       `json:"is_active"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Ended reports whether the session was ended explicitly and can no longer be joined.
func (s *LiveSession) Ended() bool {
	return s.EndedAt != nil
}

// Participant is one member of a live room. The registry owns the
// authoritative set; clients hold a read-only cached view.
type Participant struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
	JoinedAt    time.Time `json:"joined_at"`
}
