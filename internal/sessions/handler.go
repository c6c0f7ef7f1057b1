package sessions

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tutorhive/backend/internal/middleware"
	"github.com/tutorhive/backend/internal/models"
	"github.com/tutorhive/backend/pkg/response"
)

// RoomControl is the slice of the realtime registry the session endpoints
// need: advisory member counts and room teardown on end.
type RoomControl interface {
	Members(sessionID uuid.UUID) []models.Participant
	End(sessionID uuid.UUID)
}

// CreateRequest is the body for POST /sessions.
type CreateRequest struct {
	Title           string  `json:"title" binding:"required"`
	Description     string  `json:"description"`
	InviteeEmail    string  `json:"invitee_email"`
	ScheduledAt     *string `json:"scheduled_at"` // RFC3339
	MaxParticipants int     `json:"max_participants"`
}

// Handler handles live session HTTP endpoints.
type Handler struct {
	repo  *Repository
	rooms RoomControl
}

// NewHandler creates a session handler.
func NewHandler(repo *Repository, rooms RoomControl) *Handler {
	return &Handler{repo: repo, rooms: rooms}
}

// Create handles POST /sessions (tutor only).
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	tutorID, ok := userID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}

	var scheduledAt *time.Time
	if req.ScheduledAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ScheduledAt)
		if err != nil {
			response.BadRequest(c, "scheduled_at must be RFC3339")
			return
		}
		scheduledAt = &t
	}
	maxParticipants := req.MaxParticipants
	if maxParticipants <= 0 {
		maxParticipants = 2 // one-on-one default
	}

	s := &models.LiveSession{
		Title:           req.Title,
		Description:     req.Description,
		TutorID:         tutorID,
		InviteeEmail:    req.InviteeEmail,
		ScheduledAt:     scheduledAt,
		MaxParticipants: maxParticipants,
	}
	if err := h.repo.Create(c.Request.Context(), s); err != nil {
		response.Internal(c, "failed to create session")
		return
	}
	response.Created(c, s)
}

// GetByID handles GET /sessions/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	s, err := h.repo.GetByID(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "session not found")
		return
	}
	if err != nil {
		response.Internal(c, "failed to fetch session")
		return
	}
	response.OK(c, s)
}

// List handles GET /sessions (sessions created by the caller).
func (h *Handler) List(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	list, err := h.repo.ListByTutor(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to list sessions")
		return
	}
	response.OK(c, gin.H{"sessions": list})
}

// End handles POST /sessions/:id/end (tutor only). Ends the session and
// tears down its live room.
func (h *Handler) End(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	callerID, ok := userID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	s, err := h.repo.GetByID(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "session not found")
		return
	}
	if err != nil {
		response.Internal(c, "failed to fetch session")
		return
	}
	if s.TutorID != callerID {
		response.Forbidden(c, "only the session tutor can end it")
		return
	}
	if err := h.repo.End(c.Request.Context(), id); err != nil {
		response.Internal(c, "failed to end session")
		return
	}
	h.rooms.End(id)
	response.NoContent(c)
}

// Participants handles GET /sessions/:id/participants. The live member list
// is advisory; the registry's capacity check is the authority.
func (h *Handler) Participants(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	members := h.rooms.Members(id)
	if members == nil {
		members = []models.Participant{}
	}
	response.OK(c, gin.H{"participants": members})
}

// Attendance handles GET /sessions/:id/attendance (tutor only).
func (h *Handler) Attendance(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	list, err := h.repo.ListAttendance(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to list attendance")
		return
	}
	response.OK(c, gin.H{"attendance": list})
}

func userID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(middleware.ContextUserID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}
