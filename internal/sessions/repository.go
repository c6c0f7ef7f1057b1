package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tutorhive/backend/internal/models"
)

// ErrNotFound is returned when no session exists for the given ID.
var ErrNotFound = errors.New("session not found")

// Repository handles live session persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a live session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new scheduled session.
func (r *Repository) Create(ctx context.Context, s *models.LiveSession) error {
	const q = `INSERT INTO live_sessions (title, description, tutor_id, invitee_email, scheduled_at, max_participants)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, is_active, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, s.Title, s.Description, s.TutorID, s.InviteeEmail, s.ScheduledAt, s.MaxParticipants).
		Scan(&s.ID, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
}

// GetByID returns a session by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	const q = `SELECT id, title, description, tutor_id, invitee_email, scheduled_at, max_participants, is_active, ended_at, created_at, updated_at
		FROM live_sessions WHERE id = $1`
	var s models.LiveSession
	err := r.pool.QueryRow(ctx, q, id).Scan(&s.ID, &s.Title, &s.Description, &s.TutorID, &s.InviteeEmail,
		&s.ScheduledAt, &s.MaxParticipants, &s.IsActive, &s.EndedAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListByTutor returns sessions created by a tutor, most recent first.
func (r *Repository) ListByTutor(ctx context.Context, tutorID uuid.UUID) ([]models.LiveSession, error) {
	const q = `SELECT id, title, description, tutor_id, invitee_email, scheduled_at, max_participants, is_active, ended_at, created_at, updated_at
		FROM live_sessions WHERE tutor_id = $1 ORDER BY scheduled_at DESC NULLS LAST, created_at DESC`
	rows, err := r.pool.Query(ctx, q, tutorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.LiveSession
	for rows.Next() {
		var s models.LiveSession
		if err := rows.Scan(&s.ID, &s.Title, &s.Description, &s.TutorID, &s.InviteeEmail,
			&s.ScheduledAt, &s.MaxParticipants, &s.IsActive, &s.EndedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// SetActive flips the live flag; called by the registry on first join and
// when the room empties.
func (r *Repository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	const q = `UPDATE live_sessions SET is_active = $1, updated_at = NOW() WHERE id = $2 AND ended_at IS NULL`
	_, err := r.pool.Exec(ctx, q, active, id)
	return err
}

// End marks the session as ended; an ended session can never be rejoined.
func (r *Repository) End(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE live_sessions SET is_active = FALSE, ended_at = NOW(), updated_at = NOW() WHERE id = $1 AND ended_at IS NULL`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// AttendanceRow is one row for GET /sessions/:id/attendance.
type AttendanceRow struct {
	UserID   uuid.UUID  `json:"user_id"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
}

// LogJoin records a presence join in the attendance log.
func (r *Repository) LogJoin(ctx context.Context, sessionID, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO session_presence_logs (session_id, user_id, joined_at) VALUES ($1, $2, NOW())`,
		sessionID, userID)
	return err
}

// LogLeave closes the most recent open presence row for this user.
func (r *Repository) LogLeave(ctx context.Context, sessionID, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE session_presence_logs p SET left_at = NOW()
		 FROM (SELECT id FROM session_presence_logs WHERE session_id = $1 AND user_id = $2 AND left_at IS NULL ORDER BY joined_at DESC LIMIT 1) AS sub
		 WHERE p.id = sub.id`,
		sessionID, userID)
	return err
}

// ListAttendance returns join/leave rows for a session, most recent first.
func (r *Repository) ListAttendance(ctx context.Context, sessionID uuid.UUID) ([]AttendanceRow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, joined_at, left_at FROM session_presence_logs WHERE session_id = $1 ORDER BY joined_at DESC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []AttendanceRow
	for rows.Next() {
		var row AttendanceRow
		if err := rows.Scan(&row.UserID, &row.JoinedAt, &row.LeftAt); err != nil {
			return nil, err
		}
		list = append(list, row)
	}
	return list, rows.Err()
}
